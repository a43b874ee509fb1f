package httpapi

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/netip"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"corpportal.org/internal/auth"
	"corpportal.org/internal/obs"
)

const serviceName = "corpportal-auth"

// ReadinessChecker reports whether backing services answer.
type ReadinessChecker interface {
	Check(ctx context.Context) error
}

// ReadyProbe pings the configured database and Redis. Nil members are skipped.
type ReadyProbe struct {
	DB    *sql.DB
	Redis redis.UniversalClient
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.DB != nil {
		if err := rp.DB.PingContext(ctx); err != nil {
			return err
		}
	}
	if rp.Redis != nil {
		if err := rp.Redis.Ping(ctx).Err(); err != nil {
			return err
		}
	}
	return nil
}

// EventReader lists recent security events, newest first.
type EventReader interface {
	Recent(ctx context.Context, subjectID string, limit int) ([]auth.SecurityEvent, error)
}

// API is the HTTP layer over the login service.
type API struct {
	mux      *http.ServeMux
	login    *auth.Service
	sessions *auth.SessionIssuer
	ready    ReadinessChecker
	events   EventReader
	feed     EventFeed
	version  string

	rateBurst  int
	ratePerSec int
	maxBody    int64
	proxies    []netip.Prefix
}

// Option configures API.
type Option func(*API)

// WithReadiness sets the readiness probe used by /readyz.
func WithReadiness(rc ReadinessChecker) Option {
	return func(a *API) {
		if rc != nil {
			a.ready = rc
		}
	}
}

// WithVersion sets the version reported by /healthz and /v1/info.
func WithVersion(v string) Option {
	return func(a *API) { a.version = v }
}

// WithEventReader enables GET /v1/audit/events.
func WithEventReader(r EventReader) Option {
	return func(a *API) { a.events = r }
}

// WithEventFeed enables GET /v1/audit/stream.
func WithEventFeed(f EventFeed) Option {
	return func(a *API) { a.feed = f }
}

// WithRateLimit sets the per-IP token bucket.
func WithRateLimit(perSecond, burst int) Option {
	return func(a *API) {
		if perSecond > 0 && burst > 0 {
			a.ratePerSec = perSecond
			a.rateBurst = burst
		}
	}
}

// WithTrustedProxies sets the reverse proxies whose X-Forwarded-For header
// is believed. Without it the peer address is always the client.
func WithTrustedProxies(prefixes []netip.Prefix) Option {
	return func(a *API) { a.proxies = prefixes }
}

// New builds the API. The service must carry a session issuer.
func New(svc *auth.Service, opts ...Option) (*API, error) {
	if svc == nil {
		return nil, errors.New("httpapi: login service is nil")
	}
	if svc.Sessions() == nil {
		return nil, errors.New("httpapi: login service has no session issuer")
	}
	a := &API{
		mux:        http.NewServeMux(),
		login:      svc,
		sessions:   svc.Sessions(),
		ready:      ReadyProbe{},
		version:    "dev",
		rateBurst:  20,
		ratePerSec: 10,
		maxBody:    1 << 20,
	}
	for _, opt := range opts {
		opt(a)
	}

	a.mux.HandleFunc("/healthz", a.Healthz)
	a.mux.HandleFunc("/readyz", a.Ready)
	a.mux.HandleFunc("/v1/info", a.Info)
	a.mux.Handle("/metrics", obs.Handler())

	a.mux.HandleFunc("/v1/auth/login", a.handleLogin)
	a.mux.HandleFunc("/v1/auth/session", a.handleSession)
	a.mux.HandleFunc("/v1/auth/permissions/check", a.handlePermissionCheck)
	a.mux.HandleFunc("/v1/auth/permissions/me", a.handlePermissionsMe)
	a.mux.Handle("/v1/audit/events", RequirePermission(auth.PermAuditView)(http.HandlerFunc(a.handleAuditEvents)))
	a.mux.Handle("/v1/audit/stream", RequirePermission(auth.PermAuditView)(http.HandlerFunc(a.handleAuditStream)))

	a.mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, r, http.StatusNotFound, "resource not found")
	})
	return a, nil
}

// Handler returns the fully wrapped handler.
func (a *API) Handler() http.Handler {
	var h http.Handler = a.mux
	h = a.withSession(h)
	h = MaxBodyBytes(h, a.maxBody)
	h = RateLimit(h, a.rateBurst, a.ratePerSec)
	h = CORS(h)
	h = SecurityHeaders(h)
	h = LoggingJSON(h)
	h = ClientAddr(a.proxies)(h)
	h = RequestID(h)
	return obs.Instrument(h)
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := a.ready.Check(ctx); err != nil {
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
		"name":        serviceName,
		"time":        time.Now().UTC().Format(time.RFC3339),
		"version":     a.version,
		"session_ttl": a.sessions.TTL().String(),
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
