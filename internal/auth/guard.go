package auth

// Check reports whether the principal satisfies the required permission set.
// It passes when the principal (or any of its groups) holds adminTag, or when
// the union of direct and group permissions covers every required tag. An
// empty required set always passes. Pure: no store access, no side effects —
// the principal must carry the membership snapshot it was loaded with.
func Check(p Principal, adminTag string, required []string) bool {
	if holds(p, adminTag) {
		return true
	}
	for _, tag := range required {
		if !holds(p, tag) {
			return false
		}
	}
	return true
}

func holds(p Principal, tag string) bool {
	if tag == "" {
		return false
	}
	for _, perm := range p.Permissions {
		if perm == tag {
			return true
		}
	}
	for _, g := range p.Groups {
		for _, perm := range g.Permissions {
			if perm == tag {
				return true
			}
		}
	}
	return false
}
