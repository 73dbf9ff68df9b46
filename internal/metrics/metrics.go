// Package metrics exposes Prometheus instrumentation for the daemon. The
// collectors are package-level promauto registrations; Serve starts the
// scrape endpoint when metrics are enabled.
package metrics

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/taskpilot/taskpilot/internal/logging"
	"github.com/taskpilot/taskpilot/internal/model"
)

var (
	TasksStarted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskpilot_tasks_started_total",
		Help: "Total number of tasks the runner picked up",
	}, []string{"type"})

	TasksCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskpilot_tasks_completed_total",
		Help: "Total number of tasks finished, by terminal status",
	}, []string{"type", "status"})

	StepDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "taskpilot_step_duration_seconds",
		Help:    "Wall-clock duration of workflow steps",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	}, []string{"phase"})

	UsageLimitHits = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskpilot_usage_limit_hits_total",
		Help: "Total number of usage-limit pauses detected in session output",
	})

	UsageLimitWaitSeconds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "taskpilot_usage_limit_wait_seconds_total",
		Help: "Cumulative seconds spent waiting out usage limits",
	})

	RecoveryActions = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "taskpilot_recovery_actions_total",
		Help: "Total recovery strategy executions, by strategy",
	}, []string{"strategy"})

	QueueDepth = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "taskpilot_queue_depth",
		Help: "Number of pending tasks in the queue",
	})

	TasksInFlight = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "taskpilot_tasks_in_flight",
		Help: "Number of tasks currently in progress",
	})

	QueuePaused = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "taskpilot_queue_paused",
		Help: "1 when the queue is paused, 0 otherwise",
	})
)

// ObserveQueue refreshes the queue-shaped gauges from a snapshot.
func ObserveQueue(q model.TaskQueue) {
	var pending, inFlight int
	for _, t := range q.Tasks {
		switch t.Status {
		case model.StatusPending:
			pending++
		case model.StatusInProgress:
			inFlight++
		}
	}
	QueueDepth.Set(float64(pending))
	TasksInFlight.Set(float64(inFlight))
	if q.Paused {
		QueuePaused.Set(1)
	} else {
		QueuePaused.Set(0)
	}
}

// Serve runs the /metrics endpoint until ctx is cancelled. Blocking; callers
// run it on its own goroutine (typically via errgroup).
func Serve(ctx context.Context, addr string, logger *logging.Logger) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Infof("metrics listening on %s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return nil
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
