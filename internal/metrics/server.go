package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"
)

// RegisterMetrics pre-registers the common label values so dashboards see
// zeroed series before the first increment.
func RegisterMetrics() {
	for _, state := range []string{"disconnected", "connecting", "connected", "authenticating", "terminated"} {
		RelayStateTransitions.WithLabelValues(state)
	}
	for _, msgType := range []string{"EVENT", "OK", "EOSE", "CLOSED", "NOTICE", "AUTH", "COUNT", "NEG-MSG", "NEG-ERR"} {
		MessagesReceived.WithLabelValues(msgType)
	}
	for _, status := range []string{"accepted", "rejected", "failed"} {
		PublishOutcomes.WithLabelValues(status)
	}
	for _, outcome := range []string{"complete", "unsupported", "protocol_error", "timeout", "round_limit"} {
		SyncSessions.WithLabelValues(outcome)
	}
	for _, side := range []string{"have", "need"} {
		SyncDiffSize.WithLabelValues(side)
	}
}

// Server exposes the prometheus registry over HTTP. Additional handlers
// (the health report) can be attached before Start.
type Server struct {
	mux *http.ServeMux
	srv *http.Server
	log *zap.Logger
}

// NewServer builds a metrics server listening on the given port.
func NewServer(port int, log *zap.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	return &Server{
		mux: mux,
		srv: &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
		},
		log: log.Named("metrics"),
	}
}

// Handle attaches an extra handler to the server's mux. Must be called
// before Start.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

// Start serves in the background until Shutdown.
func (s *Server) Start() {
	go func() {
		s.log.Info("metrics server listening", zap.String("addr", s.srv.Addr))
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error("metrics server failed", zap.Error(err))
		}
	}()
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
