package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"keygate.org/internal/auth"
	"keygate.org/internal/obs"
)

// ReadyProbe — простая проверка готовности (ping БД).
type ReadyProbe struct {
	DB *sql.DB
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB == nil {
		return nil
	}
	return rp.DB.PingContext(ctx)
}

type readinessChecker interface {
	Check(ctx context.Context) error
}

// API — HTTP слой над auth.Service.
type API struct {
	mux        *http.ServeMux
	svc        *auth.Service
	readyProbe ReadyProbe
	version    string
}

// Options tunes the outer middleware chain.
type Options struct {
	RateBurst     int
	RatePerSecond int
	MaxBodyBytes  int64
}

func (o Options) withDefaults() Options {
	if o.RateBurst <= 0 {
		o.RateBurst = 20
	}
	if o.RatePerSecond <= 0 {
		o.RatePerSecond = 10
	}
	if o.MaxBodyBytes <= 0 {
		o.MaxBodyBytes = 1 << 20
	}
	return o
}

// New wires the route table. Handler() applies the middleware chain.
func New(svc *auth.Service, rp ReadyProbe, version string) *API {
	a := &API{
		mux:        http.NewServeMux(),
		svc:        svc,
		readyProbe: rp,
		version:    version,
	}

	// health/ready/info
	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)

	// Prometheus metrics
	a.mux.Handle("/metrics", obs.Handler())

	// signin and one-time codes
	a.mux.HandleFunc("/v1/signin", a.handleSignin)
	a.mux.HandleFunc("/v1/signin/code", a.handleSigninCodeStart)
	a.mux.HandleFunc("/v1/signin/code/complete", a.handleSigninCodeComplete)
	a.mux.HandleFunc("/v1/restore", a.handleRestoreStart)
	a.mux.HandleFunc("/v1/restore/complete", a.handleRestoreComplete)

	// token lifecycle
	a.mux.HandleFunc("/v1/token/touch", a.handleTokenTouch)
	a.mux.HandleFunc("/v1/token/revoke", a.handleTokenRevoke)

	// self-service
	a.mux.HandleFunc("/v1/me", a.handleMe)
	a.mux.HandleFunc("/v1/me/password", a.handleMePassword)

	// administration
	a.mux.HandleFunc("/v1/principals", a.handlePrincipals)
	a.mux.HandleFunc("/v1/principals/", a.handlePrincipalScoped)
	a.mux.HandleFunc("/v1/groups", a.handleGroups)
	a.mux.HandleFunc("/v1/groups/", a.handleGroupScoped)

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	})

	return a
}

// Handler возвращает http.Handler для сервера.
func (a *API) Handler(opts Options) http.Handler {
	opts = opts.withDefaults()
	var h http.Handler = a.mux
	h = MaxBodyBytes(h, opts.MaxBodyBytes)
	h = RateLimit(h, opts.RateBurst, opts.RatePerSecond)
	h = Logging(h)
	h = SecurityHeaders(h)
	h = obs.Instrument(h)
	h = RequestID(h)
	return h
}

// --- Handlers ---

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": "keygate-api",
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.readyProbe.Check(r.Context()); err != nil {
		obs.SetReady(false)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	obs.SetReady(true)
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ready",
	})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":    "keygate-api",
		"time":    time.Now().UTC().Format(time.RFC3339),
		"version": a.version,
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	payload := map[string]any{
		"error": msg,
	}
	if rid := RequestIDFromContext(r.Context()); rid != "" {
		payload["request_id"] = rid
	}
	writeJSON(w, code, payload)
}

func methodNotAllowed(w http.ResponseWriter, r *http.Request, allowed ...string) {
	w.Header().Set("Allow", strings.Join(allowed, ", "))
	writeError(w, r, http.StatusMethodNotAllowed, "method not allowed")
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	reader := http.MaxBytesReader(w, r.Body, 1<<20)
	defer reader.Close()
	dec := json.NewDecoder(reader)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("request body is required")
		}
		return err
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		if err == nil {
			return errors.New("unexpected data after JSON body")
		}
		return err
	}
	return nil
}

func parsePositiveInt(raw string, def, min, max int) (int, error) {
	if strings.TrimSpace(raw) == "" {
		return def, nil
	}
	val, err := strconv.Atoi(raw)
	if err != nil {
		return 0, errors.New("value must be an integer")
	}
	if val < min || val > max {
		return 0, errors.New("value out of range")
	}
	return val, nil
}

// handleAuthError maps the auth taxonomy onto HTTP statuses. Integrity
// violations come back as an opaque 500: the detail is already logged.
func handleAuthError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, auth.ErrAuthRequired),
		errors.Is(err, auth.ErrInvalidToken),
		errors.Is(err, auth.ErrTokenExpired),
		errors.Is(err, auth.ErrInvalidCredentials):
		writeError(w, r, http.StatusUnauthorized, err.Error())
	case errors.Is(err, auth.ErrForbidden):
		writeError(w, r, http.StatusForbidden, err.Error())
	case errors.Is(err, auth.ErrUserNotFound),
		errors.Is(err, auth.ErrGroupNotFound):
		writeError(w, r, http.StatusNotFound, err.Error())
	case errors.Is(err, auth.ErrMissingCredential),
		errors.Is(err, auth.ErrWeakPassword),
		errors.Is(err, auth.ErrCodeMismatch):
		writeError(w, r, http.StatusBadRequest, err.Error())
	case errors.Is(err, auth.ErrDuplicateLogin):
		writeError(w, r, http.StatusConflict, err.Error())
	case errors.Is(err, auth.ErrDeliveryFailure):
		writeError(w, r, http.StatusBadGateway, "code delivery failed")
	default:
		writeError(w, r, http.StatusInternalServerError, "internal error")
	}
}
