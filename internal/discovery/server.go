package discovery

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/vaheed/tenantplane/internal/logging"
	"github.com/vaheed/tenantplane/internal/telemetry"
	"github.com/vaheed/tenantplane/pkg/types"
)

const (
	otelServiceName   = "tenantplane-discovery"
	defaultEventLimit = 50
)

// SnapshotLoader reads a persisted snapshot; used when the local cache has
// no entry for a tenant, e.g. on a replica that is not the elected leader.
type SnapshotLoader interface {
	Load(ctx context.Context, tenant string) (types.Snapshot, bool, error)
}

// EventReader returns a tenant's most recent lifecycle events, oldest first.
type EventReader interface {
	Recent(ctx context.Context, tenant string, n int) ([]telemetry.Event, error)
}

// Server is the read-only HTTP view of a Registry.
type Server struct {
	registry *Registry
	fallback SnapshotLoader
	Addr     string
	// Events serves /tenants/{tenant}/events when set.
	Events EventReader
	// RateLimit is the per-client request budget per minute; zero disables limiting.
	RateLimit int
}

func NewServer(reg *Registry, fallback SnapshotLoader, addr string) *Server {
	return &Server{registry: reg, fallback: fallback, Addr: addr, RateLimit: 300}
}

// Router returns the configured HTTP handler.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(otelhttp.NewMiddleware(otelServiceName))
	r.Use(logMiddleware)
	if s.RateLimit > 0 {
		r.Use(httprate.LimitByIP(s.RateLimit, time.Minute))
	}

	r.Get("/healthz", s.healthz)
	r.Route("/api/v1", func(api chi.Router) {
		api.Get("/endpoints", s.allEndpoints)
		api.Get("/endpoints/search", s.search)
		api.Route("/tenants/{tenant}", func(r chi.Router) {
			r.Get("/endpoints", s.tenantEndpoints)
			r.Get("/services/{service}", s.serviceEndpoints)
			r.Get("/events", s.tenantEvents)
		})
	})
	return r
}

// Start serves the router on Addr until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{Addr: s.Addr, Handler: s.Router(), ReadHeaderTimeout: 10 * time.Second}
	errCh := make(chan error, 1)
	go func() {
		logging.L.Info("discovery_server_listening", zap.String("addr", s.Addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// NeedLeaderElection lets every replica serve reads.
func (s *Server) NeedLeaderElection() bool { return false }

func logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		fields := []zap.Field{
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		}
		if sc := trace.SpanContextFromContext(r.Context()); sc.IsValid() {
			fields = append(fields, zap.String("trace_id", sc.TraceID().String()))
		}
		logging.L.Debug("http_request", fields...)
	})
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "tenants": len(s.registry.Tenants())})
}

func (s *Server) allEndpoints(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.registry.GetAllEndpoints())
}

func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	criteria := map[string]string{}
	for k, v := range r.URL.Query() {
		if len(v) > 0 {
			criteria[k] = v[0]
		}
	}
	if len(criteria) == 0 {
		writeError(w, http.StatusBadRequest, "missing_criteria", "at least one query parameter is required")
		return
	}
	writeJSON(w, http.StatusOK, s.registry.FindService(criteria))
}

func (s *Server) tenantEndpoints(w http.ResponseWriter, r *http.Request) {
	eps, ok := s.lookup(r.Context(), chi.URLParam(r, "tenant"))
	if !ok {
		writeError(w, http.StatusNotFound, "tenant_not_found", "no endpoints registered for tenant")
		return
	}
	writeJSON(w, http.StatusOK, eps)
}

func (s *Server) serviceEndpoints(w http.ResponseWriter, r *http.Request) {
	service := chi.URLParam(r, "service")
	eps, ok := s.lookup(r.Context(), chi.URLParam(r, "tenant"))
	if !ok {
		writeError(w, http.StatusNotFound, "tenant_not_found", "no endpoints registered for tenant")
		return
	}
	out := []types.ServiceEndpoint{}
	for _, ep := range eps {
		if ep.Service == service {
			out = append(out, ep)
		}
	}
	if len(out) == 0 {
		writeError(w, http.StatusNotFound, "service_not_found", "no endpoints registered for service")
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) tenantEvents(w http.ResponseWriter, r *http.Request) {
	if s.Events == nil {
		writeError(w, http.StatusServiceUnavailable, "events_unavailable", "event buffer is not configured")
		return
	}
	limit := defaultEventLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = n
	}
	evs, err := s.Events.Recent(r.Context(), chi.URLParam(r, "tenant"), limit)
	if err != nil {
		logging.FromContext(r.Context()).Warn("discovery_events_read_failed", zap.Error(err))
		writeError(w, http.StatusBadGateway, "events_read_failed", err.Error())
		return
	}
	if evs == nil {
		evs = []telemetry.Event{}
	}
	writeJSON(w, http.StatusOK, evs)
}

// lookup prefers the in-memory cache and falls back to the persisted snapshot.
func (s *Server) lookup(ctx context.Context, tenant string) ([]types.ServiceEndpoint, bool) {
	if eps := s.registry.GetTenantEndpoints(tenant); len(eps) > 0 {
		return eps, true
	}
	for _, t := range s.registry.Tenants() {
		if t == tenant {
			return []types.ServiceEndpoint{}, true
		}
	}
	if s.fallback == nil {
		return nil, false
	}
	snap, ok, err := s.fallback.Load(ctx, tenant)
	if err != nil {
		logging.FromContext(ctx).Warn("discovery_snapshot_load_failed", zap.String("tenant", tenant), zap.Error(err))
		return nil, false
	}
	if !ok {
		return nil, false
	}
	return types.CloneEndpoints(snap.Endpoints), true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{"code": code, "message": message})
}
