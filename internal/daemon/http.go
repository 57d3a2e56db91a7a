package daemon

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/goccy/go-json"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/matheus3301/wpweb/internal/config"
	"github.com/matheus3301/wpweb/internal/status"
)

// HTTPServer serves /healthz and /metrics when [metrics] addr is set.
type HTTPServer struct {
	srv    *http.Server
	addr   string
	logger *zap.Logger
}

// NewHTTPServer builds the health and metrics server. It is inert when no
// address is configured.
func NewHTTPServer(p Params, cfg *config.Config, m *status.Machine, logger *zap.Logger) *HTTPServer {
	h := &HTTPServer{addr: cfg.Metrics.Addr, logger: logger.Named("http")}
	if h.addr == "" {
		return h
	}
	h.srv = &http.Server{
		Addr:              h.addr,
		Handler:           newRouter(p.Profile, m),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return h
}

func newRouter(profileName string, m *status.Machine) http.Handler {
	startedAt := time.Now()
	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		body, _ := json.Marshal(map[string]any{
			"profile":   profileName,
			"status":    m.Current(),
			"uptime_ms": time.Since(startedAt).Milliseconds(),
		})
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(body)
	})
	r.Handle("/metrics", promhttp.Handler())
	return r
}

// Start listens in the background. Listen errors are logged.
func (h *HTTPServer) Start() {
	if h.srv == nil {
		return
	}
	ln, err := net.Listen("tcp", h.addr)
	if err != nil {
		h.logger.Error("metrics listener failed", zap.Error(err), zap.String("addr", h.addr))
		return
	}
	h.logger.Info("metrics server starting", zap.String("addr", ln.Addr().String()))
	go func() {
		if err := h.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			h.logger.Error("metrics server error", zap.Error(err))
		}
	}()
}

// Stop shuts the server down.
func (h *HTTPServer) Stop(ctx context.Context) {
	if h.srv == nil {
		return
	}
	if err := h.srv.Shutdown(ctx); err != nil {
		h.logger.Warn("metrics server shutdown", zap.Error(err))
	}
}
