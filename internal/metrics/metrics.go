// Package metrics exposes engine activity as Prometheus metrics.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/harrison/looper/internal/executor"
	"github.com/harrison/looper/internal/models"
)

const namespace = "looper"

// Outcome label values for iterations.
const (
	outcomeSuccess = "success"
	outcomeFailure = "failure"
)

// Recorder owns a registry and the collectors fed from engine events.
// Every update is a lock-free counter operation, so handlers run inline on
// the engine goroutine.
type Recorder struct {
	registry *prometheus.Registry

	iterations      *prometheus.CounterVec
	iterationTime   *prometheus.HistogramVec
	progressEvents  *prometheus.CounterVec
	errors          *prometheus.CounterVec
	rateLimits      prometheus.Counter
	rateLimitWait   prometheus.Counter
	runs            *prometheus.CounterVec
	activeRuns      prometheus.Gauge
	lastRunDuration prometheus.Gauge
}

// NewRecorder builds a recorder with its own registry, including the Go
// runtime and process collectors.
func NewRecorder() *Recorder {
	r := &Recorder{
		registry: prometheus.NewRegistry(),
		iterations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "iterations_total",
				Help:      "Completed iterations by subagent, backend and outcome.",
			},
			[]string{"subagent", "backend", "outcome"},
		),
		iterationTime: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "iteration_duration_seconds",
				Help:      "Duration of one backend round trip, in seconds.",
				Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600},
			},
			[]string{"subagent"},
		),
		progressEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "progress_events_total",
				Help:      "Progress events delivered to consumers, by type.",
			},
			[]string{"type"},
		),
		errors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "iteration_errors_total",
				Help:      "Failed iterations by error classification.",
			},
			[]string{"classification"},
		),
		rateLimits: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_waits_total",
			Help:      "Rate-limit waits started.",
		}),
		rateLimitWait: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limit_scheduled_wait_seconds_total",
			Help:      "Total rate-limit wait scheduled, in seconds.",
		}),
		runs: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Finished runs by terminal status.",
			},
			[]string{"status"},
		),
		activeRuns: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_runs",
			Help:      "Runs currently executing.",
		}),
		lastRunDuration: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_duration_seconds",
			Help:      "Wall-clock duration of the most recent run, in seconds.",
		}),
	}

	r.registry.MustRegister(
		r.iterations, r.iterationTime, r.progressEvents, r.errors,
		r.rateLimits, r.rateLimitWait, r.runs, r.activeRuns, r.lastRunDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	// Pre-initialize terminal statuses so they appear in /metrics from startup.
	for _, s := range []models.ExecutionStatus{
		models.StatusCompleted, models.StatusFailed, models.StatusCancelled,
		models.StatusTimeout, models.StatusRateLimited,
	} {
		r.runs.WithLabelValues(string(s))
	}
	return r
}

// Registry returns the registry the collectors are registered with.
func (r *Recorder) Registry() *prometheus.Registry { return r.registry }

// Attach subscribes the recorder to e for a run of req.
func (r *Recorder) Attach(e *executor.Engine, req models.ExecutionRequest) {
	subagent := string(req.Subagent)
	backend := string(req.Backend)

	e.OnProgress(func(ev models.ProgressEvent) {
		r.progressEvents.WithLabelValues(string(ev.Type)).Inc()
	})
	e.On(executor.EventIterationComplete, func(ev executor.Event) {
		if ev.Result == nil {
			return
		}
		outcome := outcomeSuccess
		if !ev.Result.Success {
			outcome = outcomeFailure
		}
		r.iterations.WithLabelValues(subagent, backend, outcome).Inc()
		r.iterationTime.WithLabelValues(subagent).Observe(ev.Result.Duration.Seconds())
		if ev.Result.Error != nil {
			r.errors.WithLabelValues(ev.Result.Error.Classification).Inc()
		}
	})
	e.On(executor.EventRateLimitStart, func(ev executor.Event) {
		r.rateLimits.Inc()
		r.rateLimitWait.Add(ev.WaitTime.Seconds())
	})
}

// RunStarted marks a run as in progress.
func (r *Recorder) RunStarted() { r.activeRuns.Inc() }

// RunFinished records the terminal status of a run.
func (r *Recorder) RunFinished(result *models.ExecutionResult) {
	r.activeRuns.Dec()
	if result == nil {
		return
	}
	r.runs.WithLabelValues(string(result.Status)).Inc()
	r.lastRunDuration.Set(result.Duration().Seconds())
}

// Handler serves the registry in the Prometheus exposition format.
func (r *Recorder) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{Registry: r.registry})
}

// Server serves /metrics until its context ends.
type Server struct {
	srv      *http.Server
	listener net.Listener
}

// Listen binds addr and prepares a server for r. Use ":0" for a random port.
func Listen(addr string, r *Recorder) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})
	return &Server{
		srv:      &http.Server{Handler: mux, ReadHeaderTimeout: 5 * time.Second},
		listener: ln,
	}, nil
}

// Addr returns the bound address.
func (s *Server) Addr() string { return s.listener.Addr().String() }

// Serve blocks until ctx ends, then shuts the server down. A clean shutdown
// returns nil.
func (s *Server) Serve(ctx context.Context) error {
	errc := make(chan error, 1)
	go func() { errc <- s.srv.Serve(s.listener) }()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown metrics server: %w", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("metrics server: %w", err)
	}
	return nil
}
