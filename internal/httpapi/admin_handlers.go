package httpapi

import (
	"fmt"
	"net/http"
	"strings"

	"keygate.org/internal/auth"
)

type createPrincipalRequest struct {
	Login       string   `json:"login"`
	Password    string   `json:"password"`
	Email       string   `json:"email"`
	Permissions []string `json:"permissions"`
}

type updatePrincipalRequest struct {
	Login       *string   `json:"login"`
	Email       *string   `json:"email"`
	Permissions *[]string `json:"permissions"`
}

type createGroupRequest struct {
	Name        string   `json:"name"`
	Permissions []string `json:"permissions"`
}

type setPermissionsRequest struct {
	Permissions []string `json:"permissions"`
}

type memberRequest struct {
	PrincipalID string `json:"principal_id"`
}

type principalPage struct {
	Principals []auth.Principal `json:"principals"`
	Total      int              `json:"total"`
	Limit      int              `json:"limit"`
	Offset     int              `json:"offset"`
}

func (a *API) handlePrincipals(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		_, r, ok := a.resolve(w, r, auth.PermManagePrincipals)
		if !ok {
			return
		}
		var req createPrincipalRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		p, err := a.svc.CreatePrincipal(r.Context(), auth.NewPrincipal{
			Login:       req.Login,
			Password:    req.Password,
			Email:       req.Email,
			Permissions: req.Permissions,
		})
		if err != nil {
			handleAuthError(w, r, err)
			return
		}
		w.Header().Set("Location", fmt.Sprintf("/v1/principals/%s", p.ID))
		writeJSON(w, http.StatusCreated, p)
	case http.MethodGet:
		_, r, ok := a.resolve(w, r, auth.PermReadPrincipals)
		if !ok {
			return
		}
		limit, err := parsePositiveInt(r.URL.Query().Get("limit"), 100, 1, 1000)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		offset, err := parsePositiveInt(r.URL.Query().Get("offset"), 0, 0, 1<<30)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		page, total, err := a.svc.ListPrincipals(r.Context(), limit, offset)
		if err != nil {
			handleAuthError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, principalPage{
			Principals: page,
			Total:      total,
			Limit:      limit,
			Offset:     offset,
		})
	default:
		methodNotAllowed(w, r, http.MethodPost, http.MethodGet)
	}
}

func (a *API) handlePrincipalScoped(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/principals/"), "/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	parts := strings.Split(path, "/")
	id := parts[0]
	switch {
	case len(parts) == 1:
		a.handlePrincipal(w, r, id)
	case len(parts) == 2 && parts[1] == "password":
		a.handlePrincipalPassword(w, r, id)
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handlePrincipal(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodGet:
		_, r, ok := a.resolve(w, r, auth.PermReadPrincipals)
		if !ok {
			return
		}
		p, err := a.svc.Principal(r.Context(), id)
		if err != nil {
			handleAuthError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	case http.MethodPatch:
		_, r, ok := a.resolve(w, r, auth.PermManagePrincipals)
		if !ok {
			return
		}
		var req updatePrincipalRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		p, err := a.svc.UpdatePrincipal(r.Context(), id, auth.PrincipalUpdate{
			Login:       req.Login,
			Email:       req.Email,
			Permissions: req.Permissions,
		})
		if err != nil {
			handleAuthError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, p)
	case http.MethodDelete:
		_, r, ok := a.resolve(w, r, auth.PermManagePrincipals)
		if !ok {
			return
		}
		if err := a.svc.DeletePrincipal(r.Context(), id); err != nil {
			handleAuthError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "deleted"})
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodPatch, http.MethodDelete)
	}
}

func (a *API) handlePrincipalPassword(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	_, r, ok := a.resolve(w, r, auth.PermManagePrincipals)
	if !ok {
		return
	}
	var req passwordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.svc.SetPassword(r.Context(), id, req.Password); err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "password_updated"})
}

func (a *API) handleGroups(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		_, r, ok := a.resolve(w, r, auth.PermManageGroups)
		if !ok {
			return
		}
		var req createGroupRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		if strings.TrimSpace(req.Name) == "" {
			writeError(w, r, http.StatusBadRequest, "group name is required")
			return
		}
		g, err := a.svc.CreateGroup(r.Context(), req.Name, req.Permissions)
		if err != nil {
			handleAuthError(w, r, err)
			return
		}
		w.Header().Set("Location", fmt.Sprintf("/v1/groups/%s", g.ID))
		writeJSON(w, http.StatusCreated, g)
	case http.MethodGet:
		_, r, ok := a.resolve(w, r, auth.PermReadPrincipals)
		if !ok {
			return
		}
		groups, err := a.svc.ListGroups(r.Context())
		if err != nil {
			handleAuthError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"groups": groups})
	default:
		methodNotAllowed(w, r, http.MethodPost, http.MethodGet)
	}
}

func (a *API) handleGroupScoped(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(strings.TrimPrefix(r.URL.Path, "/v1/groups/"), "/")
	if path == "" {
		writeError(w, r, http.StatusNotFound, "resource not found")
		return
	}
	parts := strings.Split(path, "/")
	id := parts[0]
	switch {
	case len(parts) == 1:
		a.handleGroup(w, r, id)
	case len(parts) == 2 && parts[1] == "permissions":
		a.handleGroupPermissions(w, r, id)
	case len(parts) == 2 && parts[1] == "members":
		a.handleGroupMembers(w, r, id)
	case len(parts) == 3 && parts[1] == "members":
		a.handleGroupMember(w, r, id, parts[2])
	default:
		writeError(w, r, http.StatusNotFound, "resource not found")
	}
}

func (a *API) handleGroup(w http.ResponseWriter, r *http.Request, id string) {
	switch r.Method {
	case http.MethodGet:
		_, r, ok := a.resolve(w, r, auth.PermReadPrincipals)
		if !ok {
			return
		}
		g, err := a.svc.Group(r.Context(), id)
		if err != nil {
			handleAuthError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, g)
	case http.MethodDelete:
		_, r, ok := a.resolve(w, r, auth.PermManageGroups)
		if !ok {
			return
		}
		if err := a.svc.DeleteGroup(r.Context(), id); err != nil {
			handleAuthError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "deleted"})
	default:
		methodNotAllowed(w, r, http.MethodGet, http.MethodDelete)
	}
}

func (a *API) handleGroupPermissions(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPut {
		methodNotAllowed(w, r, http.MethodPut)
		return
	}
	_, r, ok := a.resolve(w, r, auth.PermManageGroups)
	if !ok {
		return
	}
	var req setPermissionsRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.svc.SetGroupPermissions(r.Context(), id, req.Permissions); err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "updated"})
}

func (a *API) handleGroupMembers(w http.ResponseWriter, r *http.Request, id string) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	_, r, ok := a.resolve(w, r, auth.PermManageGroups)
	if !ok {
		return
	}
	var req memberRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.svc.AddGroupMember(r.Context(), id, req.PrincipalID); err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "added"})
}

func (a *API) handleGroupMember(w http.ResponseWriter, r *http.Request, id, principalID string) {
	if r.Method != http.MethodDelete {
		methodNotAllowed(w, r, http.MethodDelete)
		return
	}
	_, r, ok := a.resolve(w, r, auth.PermManageGroups)
	if !ok {
		return
	}
	if err := a.svc.RemoveGroupMember(r.Context(), id, principalID); err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "removed"})
}
