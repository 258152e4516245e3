// Package metrics holds the Prometheus instruments shared by the server and
// worker processes.
package metrics

import (
	"context"
	"time"

	"github.com/guido-cesarano/ingestq/pkg/tasks"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
)

// Outcome labels for TasksProcessed.
const (
	OutcomeCompleted    = "completed"
	OutcomeRetried      = "retried"
	OutcomeDeadLettered = "dead_lettered"
	OutcomeRateLimited  = "rate_limited"
)

var (
	// TasksProcessed counts worker outcomes by task type.
	TasksProcessed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingestq_processed_total",
		Help: "The total number of processed tasks",
	}, []string{"outcome", "type"})

	// TaskDuration is the time a workflow took to run one task.
	TaskDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ingestq_task_duration_seconds",
		Help:    "Duration of task processing",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	// QueueLatency is the time from enqueue (or retry eligibility) to claim.
	QueueLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ingestq_queue_latency_seconds",
		Help:    "Time spent in queue before processing",
		Buckets: prometheus.DefBuckets,
	}, []string{"type"})

	// Tasks is the number of tasks per lifecycle status.
	Tasks = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ingestq_tasks",
		Help: "Number of tasks in each status",
	}, []string{"status"})

	DeadLetters = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ingestq_dead_letters",
		Help: "Dead letter entries not yet resolved",
	})

	// PendingByPriority is only reported when Redis is configured.
	PendingByPriority = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "ingestq_pending_by_priority",
		Help: "Queued task ids per priority tier in the fast store",
	}, []string{"priority"})

	OldestPendingAge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "ingestq_oldest_pending_age_seconds",
		Help: "Age of the longest-waiting eligible task in the fast store",
	})

	// HTTPRequests counts API calls by route pattern and status code.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ingestq_http_requests_total",
		Help: "HTTP API requests",
	}, []string{"route", "code"})
)

// ObserveStats publishes a stats snapshot.
func ObserveStats(st tasks.Stats) {
	Tasks.WithLabelValues(string(tasks.StatusPending)).Set(float64(st.Pending))
	Tasks.WithLabelValues(string(tasks.StatusProcessing)).Set(float64(st.Processing))
	Tasks.WithLabelValues(string(tasks.StatusCompleted)).Set(float64(st.Completed))
	Tasks.WithLabelValues(string(tasks.StatusFailed)).Set(float64(st.Failed))
	DeadLetters.Set(float64(st.DLQSize))
}

// ObserveDepths publishes fast store tier depths and the oldest eligible
// time. A zero oldest means nothing is queued.
func ObserveDepths(depths map[tasks.Priority]int64, oldest, now time.Time) {
	for p, n := range depths {
		PendingByPriority.WithLabelValues(p.String()).Set(float64(n))
	}
	if oldest.IsZero() || oldest.After(now) {
		OldestPendingAge.Set(0)
		return
	}
	OldestPendingAge.Set(now.Sub(oldest).Seconds())
}

// StatsSource is satisfied by queue.Registry.
type StatsSource interface {
	Stats(ctx context.Context) (tasks.Stats, error)
}

// DepthSource is satisfied by redisstore.Store.
type DepthSource interface {
	Depths(ctx context.Context) (map[tasks.Priority]int64, error)
	OldestPending(ctx context.Context) (time.Time, error)
}

// Collect refreshes the gauges every interval until ctx is done. depths may
// be nil.
func Collect(ctx context.Context, interval time.Duration, stats StatsSource, depths DepthSource, log zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		refresh(ctx, stats, depths, log)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func refresh(ctx context.Context, stats StatsSource, depths DepthSource, log zerolog.Logger) {
	st, err := stats.Stats(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Stats collection failed")
	} else {
		ObserveStats(st)
	}
	if depths == nil {
		return
	}

	d, err := depths.Depths(ctx)
	if err != nil {
		log.Debug().Err(err).Msg("Fast store depth collection failed")
		return
	}
	oldest, err := depths.OldestPending(ctx)
	if err != nil {
		log.Debug().Err(err).Msg("Fast store depth collection failed")
		return
	}
	ObserveDepths(d, oldest, time.Now())
}
