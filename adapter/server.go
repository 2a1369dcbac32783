package adapter

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"github.com/heptiolabs/healthcheck"
	"github.com/prometheus/client_golang/prometheus"
)

// Server serves /live, /ready, /metrics and /status.
type Server struct {
	srv *http.Server
	ln  net.Listener
	err chan error
}

// NewServer builds the mux. status may be nil to leave /status out.
func NewServer(health healthcheck.Handler, gatherer prometheus.Gatherer, status func() any) *Server {
	mux := http.NewServeMux()
	mux.HandleFunc("/live", health.LiveEndpoint)
	mux.HandleFunc("/ready", health.ReadyEndpoint)
	mux.Handle("/metrics", MetricsHandler(gatherer))
	if status != nil {
		mux.Handle("/status", StatusHandler(status))
	}
	return &Server{
		srv: &http.Server{
			Handler:           mux,
			ReadHeaderTimeout: 5 * time.Second,
		},
		err: make(chan error, 1),
	}
}

// Handler returns the mux, for tests.
func (s *Server) Handler() http.Handler { return s.srv.Handler }

// Start listens on addr and serves in the background.
func (s *Server) Start(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.ln = ln
	go func() {
		err := s.srv.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		s.err <- err
	}()
	log.Infof("serving on %s", ln.Addr())
	return nil
}

// Addr returns the listening address once started.
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Shutdown stops the server gracefully and returns the serve error, if any.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.ln == nil {
		return nil
	}
	if err := s.srv.Shutdown(ctx); err != nil {
		return err
	}
	return <-s.err
}
