package metrics

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"
)

// Config holds the configuration for the metrics server.
type Config struct {
	Enabled bool
	Address string
	Path    string
}

// NoopServer is a no-op implementation of the Server interface.
// It does nothing when started or shut down.
type NoopServer struct{}

// Start is a no-op that returns immediately.
func (n *NoopServer) Start(ctx context.Context) error {
	return nil
}

// Shutdown is a no-op that returns immediately.
func (n *NoopServer) Shutdown(ctx context.Context) error {
	return nil
}

// New creates the Collector and Server pair for cfg: Prometheus-backed
// implementations registered against prometheus.DefaultRegisterer when
// cfg.Enabled is set, otherwise no-ops that cost nothing on the hot path.
func New(cfg Config) (Collector, Server) {
	if !cfg.Enabled {
		return &NoopCollector{}, &NoopServer{}
	}
	return NewPrometheusCollector(prometheus.DefaultRegisterer), NewPrometheusServer(cfg.Address, cfg.Path)
}
