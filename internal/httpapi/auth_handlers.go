package httpapi

import (
	"net/http"
	"time"

	"keygate.org/internal/auth"
	"keygate.org/internal/obs"
)

type signinRequest struct {
	Login      string `json:"login"`
	Password   string `json:"password"`
	TTLSeconds int    `json:"ttl_seconds"`
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type codeStartRequest struct {
	Login string `json:"login"`
}

type codeCompleteRequest struct {
	Login      string `json:"login"`
	Code       string `json:"code"`
	TTLSeconds int    `json:"ttl_seconds"`
}

type restoreStartRequest struct {
	PrincipalID string `json:"principal_id"`
}

type restoreCompleteRequest struct {
	PrincipalID string `json:"principal_id"`
	Code        string `json:"code"`
	Password    string `json:"password"`
}

type touchRequest struct {
	TTLSeconds int `json:"ttl_seconds"`
}

type passwordRequest struct {
	Password string `json:"password"`
}

func ttlFromSeconds(secs int) time.Duration {
	if secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}

func (a *API) handleSignin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req signinRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	tok, _, err := a.svc.SignIn(r.Context(), req.Login, req.Password, ttlFromSeconds(req.TTLSeconds))
	if err != nil {
		obs.IncSignin("password", "failure")
		handleAuthError(w, r, err)
		return
	}
	obs.IncSignin("password", "success")
	obs.IncToken("issue")
	writeJSON(w, http.StatusOK, tokenResponse{Token: tok.Value, ExpiresAt: tok.ExpiresAt})
}

func (a *API) handleSigninCodeStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req codeStartRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.svc.StartCodeSignin(r.Context(), req.Login); err != nil {
		obs.IncCode("signin", "start_failure")
		handleAuthError(w, r, err)
		return
	}
	obs.IncCode("signin", "started")
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "code_sent"})
}

func (a *API) handleSigninCodeComplete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req codeCompleteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	tok, err := a.svc.CompleteCodeSignin(r.Context(), req.Login, req.Code, ttlFromSeconds(req.TTLSeconds))
	if err != nil {
		obs.IncSignin("code", "failure")
		handleAuthError(w, r, err)
		return
	}
	obs.IncSignin("code", "success")
	obs.IncToken("issue")
	writeJSON(w, http.StatusOK, tokenResponse{Token: tok.Value, ExpiresAt: tok.ExpiresAt})
}

func (a *API) handleRestoreStart(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req restoreStartRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.svc.StartRestore(r.Context(), req.PrincipalID); err != nil {
		obs.IncCode("restore", "start_failure")
		handleAuthError(w, r, err)
		return
	}
	obs.IncCode("restore", "started")
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "code_sent"})
}

func (a *API) handleRestoreComplete(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	var req restoreCompleteRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.svc.CompleteRestore(r.Context(), req.PrincipalID, req.Code, req.Password); err != nil {
		obs.IncCode("restore", "failure")
		handleAuthError(w, r, err)
		return
	}
	obs.IncCode("restore", "completed")
	writeJSON(w, http.StatusOK, map[string]any{"status": "password_updated"})
}

func (a *API) handleTokenTouch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	_, r, ok := a.resolve(w, r)
	if !ok {
		return
	}
	var req touchRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	token, _ := auth.TokenFromContext(r.Context())
	tok, err := a.svc.Touch(r.Context(), token, ttlFromSeconds(req.TTLSeconds))
	if err != nil {
		handleAuthError(w, r, err)
		return
	}
	obs.IncToken("touch")
	writeJSON(w, http.StatusOK, tokenResponse{Token: tok.Value, ExpiresAt: tok.ExpiresAt})
}

func (a *API) handleTokenRevoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	_, r, ok := a.resolve(w, r)
	if !ok {
		return
	}
	token, _ := auth.TokenFromContext(r.Context())
	if err := a.svc.Revoke(r.Context(), token); err != nil {
		handleAuthError(w, r, err)
		return
	}
	obs.IncToken("revoke")
	writeJSON(w, http.StatusOK, map[string]any{"status": "revoked"})
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, r, http.MethodGet)
		return
	}
	principal, _, ok := a.resolve(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, principal)
}

func (a *API) handleMePassword(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, r, http.MethodPost)
		return
	}
	principal, r, ok := a.resolve(w, r)
	if !ok {
		return
	}
	var req passwordRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, err.Error())
		return
	}
	if err := a.svc.SetPassword(r.Context(), principal.ID, req.Password); err != nil {
		handleAuthError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "password_updated"})
}
