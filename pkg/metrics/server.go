package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/chobot2014/JSOS-sub007/pkg/logging"
)

// Server exposes /metrics and /healthz on its own listener with a private
// registry, so stack metrics never collide with other instruments in the
// process.
type Server struct {
	listen     string
	registry   *prometheus.Registry
	httpServer *http.Server
}

// NewServer builds a metrics server on listen (host:port) with the Go
// runtime and process collectors pre-registered.
func NewServer(listen string) *Server {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	return &Server{listen: listen, registry: registry}
}

// MustRegister adds collectors to the private registry.
func (s *Server) MustRegister(cs ...prometheus.Collector) {
	s.registry.MustRegister(cs...)
}

// Registry exposes the private registry for tests.
func (s *Server) Registry() *prometheus.Registry { return s.registry }

// Start serves until the listener fails or Stop is called.
func (s *Server) Start() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{
		Registry: s.registry,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	s.httpServer = &http.Server{
		Addr:         s.listen,
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		logging.Infof("metrics: serving on %s", s.listen)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.Errorf("metrics: server failed: %v", err)
		}
	}()
}

// Stop shuts the listener down, draining in-flight scrapes briefly.
func (s *Server) Stop() {
	if s.httpServer == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_ = s.httpServer.Shutdown(ctx)
}
