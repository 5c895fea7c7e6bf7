// Package telemetry provides Prometheus metrics, OpenTelemetry tracing setup,
// and correlation-id aware logging helpers.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	once sync.Once

	// Counters
	JobsClaimed   prometheus.Counter
	JobsCompleted prometheus.Counter
	JobsFailed    prometheus.Counter
	JobsRetried   prometheus.Counter

	RewardsGranted     prometheus.Counter
	RewardsRateLimited prometheus.Counter
	RewardsDuplicate   prometheus.Counter
	RewardsOffline     prometheus.Counter
	RewardTxRetries    prometheus.Counter

	// Histograms (seconds)
	JobProcessDuration prometheus.Observer
	AwardTxDuration    prometheus.Observer

	// Gauges
	QueueDepthGauge prometheus.Gauge
	InflightGauge   prometheus.Gauge
)

// Init registers metrics (idempotent).
func Init() {
	once.Do(func() {
		JobsClaimed = promauto.NewCounter(prometheus.CounterOpts{Name: "chatjobs_claimed_total", Help: "Number of chat-message jobs claimed"})
		JobsCompleted = promauto.NewCounter(prometheus.CounterOpts{Name: "chatjobs_completed_total", Help: "Number of chat-message jobs completed"})
		JobsFailed = promauto.NewCounter(prometheus.CounterOpts{Name: "chatjobs_failed_total", Help: "Number of chat-message job failures (including retried attempts)"})
		JobsRetried = promauto.NewCounter(prometheus.CounterOpts{Name: "chatjobs_retried_total", Help: "Number of chat-message jobs returned to pending for retry"})
		RewardsGranted = promauto.NewCounter(prometheus.CounterOpts{Name: "rewards_granted_total", Help: "Number of currency awards granted"})
		RewardsRateLimited = promauto.NewCounter(prometheus.CounterOpts{Name: "rewards_rate_limited_total", Help: "Number of awards blocked by the per-user rate window"})
		RewardsDuplicate = promauto.NewCounter(prometheus.CounterOpts{Name: "rewards_duplicate_total", Help: "Number of awards skipped because the message was already paid"})
		RewardsOffline = promauto.NewCounter(prometheus.CounterOpts{Name: "rewards_offline_total", Help: "Number of messages routed offline with no award"})
		RewardTxRetries = promauto.NewCounter(prometheus.CounterOpts{Name: "reward_tx_retries_total", Help: "Number of award transaction retries after transient DB errors"})
		JobProcessDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "job_process_duration_seconds", Help: "End-to-end processing duration per job", Buckets: prometheus.DefBuckets})
		AwardTxDuration = promauto.NewHistogram(prometheus.HistogramOpts{Name: "award_tx_duration_seconds", Help: "Award transaction duration (including retries)", Buckets: prometheus.DefBuckets})
		QueueDepthGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "chatjobs_queue_depth", Help: "Current number of pending chat-message jobs"})
		InflightGauge = promauto.NewGauge(prometheus.GaugeOpts{Name: "worker_inflight", Help: "Jobs currently being processed by this worker"})
	})
}

// Inc increments a counter if registered (nil-safe for tests that skip Init).
func Inc(c prometheus.Counter) {
	if c != nil {
		c.Inc()
	}
}

// Observe records a histogram sample if registered.
func Observe(obs prometheus.Observer, v float64) {
	if obs != nil {
		obs.Observe(v)
	}
}

// SetQueueDepth records the current pending job count.
func SetQueueDepth(n int) {
	if QueueDepthGauge != nil {
		QueueDepthGauge.Set(float64(n))
	}
}

// SetInflight records the number of jobs currently held by worker slots.
func SetInflight(n int) {
	if InflightGauge != nil {
		InflightGauge.Set(float64(n))
	}
}

// TimeFunc measures the duration of fn and records it in obs if non-nil.
func TimeFunc(obs prometheus.Observer, fn func()) time.Duration {
	start := time.Now()
	fn()
	d := time.Since(start)
	if obs != nil {
		obs.Observe(d.Seconds())
	}
	return d
}

// Correlation ID helpers ----------------------------------------------------

type corrKeyType struct{}

var corrKey corrKeyType

// WithCorrelation returns a new context embedding the correlation id.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, corrKey, id)
}

// GetCorrelation returns the correlation id or empty string.
func GetCorrelation(ctx context.Context) string {
	if s, ok := ctx.Value(corrKey).(string); ok {
		return s
	}
	return ""
}

// LoggerWithCorr returns a logger with the corr attribute if present.
func LoggerWithCorr(ctx context.Context) *slog.Logger {
	if id := GetCorrelation(ctx); id != "" {
		return slog.Default().With(slog.String("corr", id))
	}
	return slog.Default()
}
