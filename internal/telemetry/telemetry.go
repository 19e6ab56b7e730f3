// Package telemetry exposes live run state as Prometheus metrics.
package telemetry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"vuramp/internal/stats"
)

const namespace = "vuramp"

// Source is the running engine as seen by the exporter.
type Source interface {
	ActiveVUs() int
	TargetVUs() int
	Collector() *stats.Collector
}

// NewRegistry registers gauges and counters that read src on every scrape.
func NewRegistry(src Source) *prometheus.Registry {
	reg := prometheus.NewRegistry()
	counters := func() stats.Counters { return src.Collector().Counters() }

	gauge := func(name, help string, f func() float64) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help}, f)
	}
	counter := func(name, help string, labels prometheus.Labels, f func() float64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace:   namespace,
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		}, f)
	}
	latency := func(q float64) func() float64 {
		return func() float64 {
			ts, ok := src.Collector().Trend(stats.MetricDuration)
			if !ok {
				return 0
			}
			return ts.P(q) / 1000
		}
	}

	reg.MustRegister(
		gauge("vus", "Live virtual users.", func() float64 { return float64(src.ActiveVUs()) }),
		gauge("vus_target", "Target virtual users.", func() float64 { return float64(src.TargetVUs()) }),
		counter("requests_total", "HTTP requests sent.", nil, func() float64 { return float64(counters().Requests) }),
		counter("requests_failed_total", "HTTP requests that failed at the transport level.", nil,
			func() float64 { return float64(counters().RequestsFailed) }),
		counter("iterations_total", "Completed iterations.", nil, func() float64 { return float64(counters().Iterations) }),
		counter("iterations_aborted_total", "Iterations aborted by a scenario error.", nil,
			func() float64 { return float64(counters().IterationsAborted) }),
		counter("checks_total", "Evaluated checks.", prometheus.Labels{"result": "pass"},
			func() float64 { return float64(counters().ChecksPassed) }),
		counter("checks_total", "Evaluated checks.", prometheus.Labels{"result": "fail"},
			func() float64 { return float64(counters().ChecksFailed) }),
		counter("data_received_bytes_total", "Response bytes received.", nil,
			func() float64 { return float64(counters().BytesReceived) }),
		gauge("http_req_duration_p95_seconds", "95th percentile of successful request durations.", latency(95)),
		gauge("http_req_duration_p99_seconds", "99th percentile of successful request durations.", latency(99)),
	)
	return reg
}

// Server serves /metrics for the length of a run.
type Server struct {
	srv    *http.Server
	ln     net.Listener
	logger logrus.FieldLogger
}

// Listen binds addr and starts serving the metrics of src.
func Listen(addr string, src Source, logger logrus.FieldLogger) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("metrics listener: %w", err)
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(NewRegistry(src), promhttp.HandlerOpts{}))

	s := &Server{
		srv:    &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		ln:     ln,
		logger: logger,
	}
	go func() {
		if err := s.srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.WithError(err).Error("Metrics server failed")
		}
	}()
	logger.WithField("addr", ln.Addr().String()).Info("Serving Prometheus metrics")
	return s, nil
}

// Addr is the bound listen address.
func (s *Server) Addr() string { return s.ln.Addr().String() }

// Shutdown stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
