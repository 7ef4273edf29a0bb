package api

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"controlplane/metrics"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	log "github.com/sirupsen/logrus"
)

// Server is the administrative HTTP endpoint.
type Server struct {
	addr    string
	handler *Handler
	metrics *metrics.Metrics
	server  *http.Server
}

func NewServer(addr string, control Control, m *metrics.Metrics) *Server {
	return &Server{
		addr:    addr,
		handler: NewHandler(control, m),
		metrics: m,
	}
}

// Router builds the route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	admin := r.PathPrefix("/rlcontroller").Subrouter()
	admin.HandleFunc("/force_path", s.handler.HandleForcePath).Methods(http.MethodPost)
	admin.HandleFunc("/force_sp_path", s.handler.HandleForceShortestPath).Methods(http.MethodPost)
	admin.HandleFunc("/stats", s.handler.HandleStats).Methods(http.MethodGet)
	admin.HandleFunc("/flows", s.handler.HandleFlows).Methods(http.MethodGet)
	admin.HandleFunc("/topology", s.handler.HandleTopology).Methods(http.MethodGet)
	if s.metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.metrics.Registry(), promhttp.HandlerOpts{}))
	}
	r.Use(LoggingMiddleware)
	return r
}

// Run serves until ctx is done, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln)
}

func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.server = &http.Server{
		Handler:      s.Router(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErrors := make(chan error, 1)
	go func() {
		log.Infof("API server started at %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serverErrors <- err
		}
		close(serverErrors)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			log.Infof("API server forced to shutdown: %v", err)
		} else {
			log.Info("API server stopped gracefully")
		}
		return nil
	case err := <-serverErrors:
		return err
	}
}

func LoggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Infof("LoggingMiddleware, %s %s %s", r.Method, r.RequestURI, time.Since(start))
	})
}
