package web

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jrammler/httprun/internal/config"
	"github.com/jrammler/httprun/internal/service"
)

type Server struct {
	service  *service.Service
	cfg      config.ServerConfig
	mux      *http.ServeMux
	limiter  *rateLimiter
	upgrader websocket.Upgrader
}

func NewServer(service *service.Service, cfg config.ServerConfig, rl config.RateLimitConfig) *Server {
	s := &Server{
		service: service,
		cfg:     cfg,
		mux:     http.NewServeMux(),
		limiter: newRateLimiter(rl),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}
	s.AddAuthHandlers()
	s.AddCommandHandlers()
	s.AddTokenHandlers()
	s.AddHistoryHandlers()
	s.AddStreamHandlers()
	s.AddDiagnosticHandlers()
	s.mux.HandleFunc("GET /api/health", s.handleHealthGet)
	if cfg.Metrics {
		s.mux.Handle("GET /metrics", promhttp.Handler())
	}
	return s
}

// checkOrigin allows every origin unless a list is configured.
func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if len(s.cfg.AllowedOrigins) == 0 || origin == "" {
		return true
	}
	return slices.Contains(s.cfg.AllowedOrigins, origin)
}

func (s *Server) Handler() http.Handler {
	return instrument(s.mux)
}

func (s *Server) handleHealthGet(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// Serve listens on the configured address until ctx is cancelled, then
// shuts down gracefully and cancels running streamed executions.
func (s *Server) Serve(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Listening", "addr", s.cfg.Addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	slog.Info("Shutting down server")
	s.service.Sessions.CancelAll()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	if err := <-errCh; !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
