package auth

// Capability tags checked by the boundary layer for administrative paths.
// AdminPermission (service.go) overrides all of them.
const (
	PermManagePrincipals = "principals.manage"
	PermManageGroups     = "groups.manage"
	PermReadPrincipals   = "principals.read"
)
