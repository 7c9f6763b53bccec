package publisher

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// shutdownTimeout bounds how long Serve waits for in-flight scrapes.
const shutdownTimeout = 5 * time.Second

// PrometheusSink keeps one GaugeVec per Family in a private registry and
// exposes it for scraping.
type PrometheusSink struct {
	registry *prometheus.Registry
	vecs     map[string]*prometheus.GaugeVec
}

// NewPrometheusSink registers every Family plus the Go runtime and process
// collectors.
func NewPrometheusSink() (*PrometheusSink, error) {
	reg := prometheus.NewRegistry()
	s := &PrometheusSink{registry: reg, vecs: make(map[string]*prometheus.GaugeVec, len(Families))}

	for _, f := range Families {
		vec := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: f.Name, Help: f.Help}, f.Labels)
		if err := reg.Register(vec); err != nil {
			return nil, fmt.Errorf("registering %s: %w", f.Name, err)
		}
		s.vecs[f.Name] = vec
	}
	if err := reg.Register(collectors.NewGoCollector()); err != nil {
		return nil, fmt.Errorf("registering go collector: %w", err)
	}
	if err := reg.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{})); err != nil {
		return nil, fmt.Errorf("registering process collector: %w", err)
	}
	return s, nil
}

// SetGauge implements Sink.
func (s *PrometheusSink) SetGauge(g Gauge) error {
	vec, ok := s.vecs[g.Name]
	if !ok {
		return fmt.Errorf("unknown gauge %q", g.Name)
	}
	values, err := labelValues(g)
	if err != nil {
		return err
	}
	gauge, err := vec.GetMetricWithLabelValues(values...)
	if err != nil {
		return fmt.Errorf("gauge %q: %w", g.Name, err)
	}
	gauge.Set(g.Value)
	return nil
}

// Close is a no-op; the registry lives as long as the process.
func (s *PrometheusSink) Close() error { return nil }

// Registry exposes the underlying registry, e.g. for testutil.
func (s *PrometheusSink) Registry() *prometheus.Registry { return s.registry }

// Router returns a chi router serving the registry on path and a liveness
// probe on /healthz.
func (s *PrometheusSink) Router(path string) http.Handler {
	r := chi.NewRouter()
	r.Method(http.MethodGet, path, promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{}))
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok\n")) //nolint:errcheck
	})
	return r
}

// Serve listens on addr until ctx is cancelled, then shuts down gracefully.
func (s *PrometheusSink) Serve(ctx context.Context, addr, path string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(path),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		return fmt.Errorf("serving metrics on %s: %w", addr, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("shutting down metrics server: %w", err)
	}
	return nil
}
