// Package httpapi exposes the sync engine and the group services over HTTP,
// the push stream over WebSocket, and health over gRPC.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/netip"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/Dangere/syncora-backend/internal/audit"
	"github.com/Dangere/syncora-backend/internal/domain"
	"github.com/Dangere/syncora-backend/internal/engine"
	"github.com/Dangere/syncora-backend/internal/obs"
	"github.com/Dangere/syncora-backend/internal/service"
	"github.com/Dangere/syncora-backend/internal/stream"
)

const serviceName = "syncd"

// Pinger is the part of the store the readiness probe needs.
type Pinger interface {
	Ping(ctx context.Context) error
}

// ReadyProbe reports readiness by pinging the store.
type ReadyProbe struct {
	Store   Pinger
	Timeout time.Duration
}

func (rp ReadyProbe) Check(ctx context.Context) error {
	if rp.Store == nil {
		return nil
	}
	timeout := rp.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return rp.Store.Ping(ctx)
}

type readinessChecker interface {
	Check(ctx context.Context) error
}

// Config carries the HTTP layer's dependencies and limits.
type Config struct {
	Engine   *engine.Engine
	Service  *service.Service
	Hub      *stream.Hub
	Verifier TokenVerifier
	Ready    readinessChecker
	Logger   *zap.Logger
	Version  string

	RateBurst     int
	RatePerSecond float64
	MaxBodyBytes  int64

	// AllowedOrigins are host patterns for CORS and the WebSocket handshake.
	// Empty means DefaultOrigins.
	AllowedOrigins []string
	// TrustedProxies may set X-Forwarded-For.
	TrustedProxies []netip.Prefix
}

// API is the HTTP layer.
type API struct {
	router   chi.Router
	engine   *engine.Engine
	service  *service.Service
	hub      *stream.Hub
	verifier TokenVerifier
	ready    readinessChecker
	limiter  *Limiter
	logger   *zap.Logger
	version  string
	maxBody  int64
	origins  []string
	proxies  []netip.Prefix
}

// New builds the router.
func New(cfg Config) *API {
	a := &API{
		engine:   cfg.Engine,
		service:  cfg.Service,
		hub:      cfg.Hub,
		verifier: cfg.Verifier,
		ready:    cfg.Ready,
		logger:   obs.Or(cfg.Logger),
		version:  cfg.Version,
		maxBody:  cfg.MaxBodyBytes,
		origins:  cfg.AllowedOrigins,
		proxies:  cfg.TrustedProxies,
	}
	if len(a.origins) == 0 {
		a.origins = DefaultOrigins
	}
	if a.ready == nil {
		a.ready = ReadyProbe{}
	}
	if cfg.RatePerSecond > 0 {
		a.limiter = NewLimiter(cfg.RateBurst, cfg.RatePerSecond)
	}
	a.router = a.routes()
	return a
}

func (a *API) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(RequestID, ClientIP(a.proxies), middleware.Recoverer, Logging(a.logger),
		SecurityHeaders, CORS(a.origins), obs.Instrument)

	r.Get("/healthz", a.Healthz)
	r.Get("/readyz", a.Ready)
	r.Get("/v1/info", a.Info)
	r.Method(http.MethodGet, "/metrics", obs.Handler())

	r.Group(func(r chi.Router) {
		r.Use(Authenticate(a.verifier))
		if a.limiter != nil {
			r.Use(a.limiter.Middleware)
		}
		r.Use(MaxBodyBytes(a.maxBody))

		r.Get("/v1/sync", a.PullSync)
		r.Get("/v1/ws", a.Stream)

		r.Get("/v1/accounts/me", a.Me)
		r.Patch("/v1/accounts/me", a.UpdateMe)

		r.Route("/v1/groups", func(r chi.Router) {
			r.Get("/", a.ListGroups)
			r.Post("/", a.CreateGroup)
			r.Route("/{groupID}", func(r chi.Router) {
				r.Get("/", a.GetGroup)
				r.Patch("/", a.UpdateGroup)
				r.Delete("/", a.DeleteGroup)
				r.Post("/grant-access/{username}", a.GrantAccess)
				r.Post("/revoke-access/{username}", a.RevokeAccess)
				r.Post("/leave", a.LeaveGroup)
				r.Get("/work-items", a.ListWorkItems)
				r.Post("/work-items", a.CreateWorkItem)
			})
		})
		r.Get("/v1/work-items/{itemID}", a.GetWorkItem)
		r.Patch("/v1/work-items/{itemID}", a.UpdateWorkItem)
		r.Delete("/v1/work-items/{itemID}", a.DeleteWorkItem)
	})
	return r
}

// Handler returns the root handler for the HTTP server.
func (a *API) Handler() http.Handler { return a.router }

// Sweep drops idle rate limit buckets. Called periodically by the server.
func (a *API) Sweep() {
	if a.limiter != nil {
		a.limiter.Sweep()
	}
}

func (a *API) Healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"service": serviceName,
		"version": a.version,
	})
}

func (a *API) Ready(w http.ResponseWriter, r *http.Request) {
	if err := a.ready.Check(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{
			"status": "not_ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (a *API) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"name":        serviceName,
		"version":     a.version,
		"time":        time.Now().UTC().Format(time.RFC3339),
		"connections": a.engine.Registry().Connections(),
	})
}

// --- helpers ---

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, r *http.Request, code int, msg string) {
	writeJSON(w, code, map[string]any{
		"error":      msg,
		"request_id": audit.RequestIDFromContext(r.Context()),
	})
}

// statusOf maps the error taxonomy onto HTTP status codes.
func statusOf(err error) int {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrForbidden):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrConflict):
		return http.StatusConflict
	case errors.Is(err, domain.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrUnavailable), errors.Is(err, context.DeadlineExceeded):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (a *API) respondError(w http.ResponseWriter, r *http.Request, err error) {
	code := statusOf(err)
	msg := err.Error()
	if code >= http.StatusInternalServerError {
		a.logger.Error("request failed",
			zap.String("request_id", audit.RequestIDFromContext(r.Context())),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		if code == http.StatusServiceUnavailable {
			w.Header().Set("Retry-After", "1")
			msg = "temporarily unavailable, retry later"
		} else {
			msg = "internal error"
		}
	}
	writeError(w, r, code, msg)
}

func (a *API) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, r, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		writeError(w, r, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	return true
}
