// Package telemetry records per-call metrics and which client used which
// region and protocol version.
//
// Everything here is best effort. Success-path writes run as detached tasks
// that the caller never waits for; failure-path metric writes run inline but
// are bounded by a fixed budget. Sink errors are logged and dropped.
package telemetry

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
)

// Metric describes the outcome of one dispatched call.
type Metric struct {
	RecordedAt   time.Time     `json:"recorded_at"`
	RequestID    string        `json:"request_id"`
	Operation    string        `json:"operation"`
	Region       string        `json:"region"`
	Version      string        `json:"api_version"`
	AppName      string        `json:"app_name"`
	AppVersion   string        `json:"app_version"`
	ErrorCode    string        `json:"error_code,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
	Duration     time.Duration `json:"-"`
	Success      bool          `json:"success"`
	Fallback     bool          `json:"fallback"`
	Cached       bool          `json:"cached"`
}

// ClientRecord is the last observed region and version of one client.
type ClientRecord struct {
	LastSeen   time.Time `json:"last_seen"`
	ClientID   string    `json:"client_id"`
	AppName    string    `json:"app_name"`
	AppVersion string    `json:"app_version"`
	Region     string    `json:"region"`
	Version    string    `json:"api_version"`
}

// MetricsSink appends call metrics to durable storage.
type MetricsSink interface {
	AppendMetric(ctx context.Context, m Metric) error
}

// ClientStore upserts client telemetry keyed by client id.
type ClientStore interface {
	UpsertClient(ctx context.Context, c ClientRecord) error
}

// DefaultBudget bounds every side-effect write.
const DefaultBudget = 2 * time.Second

// Recorder fans call outcomes into OpenTelemetry instruments and the
// configured sinks.
type Recorder struct {
	metrics  MetricsSink
	clients  ClientStore
	logger   *slog.Logger
	requests metric.Int64Counter
	errors   metric.Int64Counter
	duration metric.Float64Histogram
	wg       sync.WaitGroup
	budget   time.Duration
}

// NewRecorder builds a recorder. Nil sinks are skipped, a nil meter records
// nothing and a non-positive budget uses DefaultBudget.
func NewRecorder(metrics MetricsSink, clients ClientStore, meter metric.Meter, budget time.Duration, logger *slog.Logger) (*Recorder, error) {
	if meter == nil {
		meter = noop.NewMeterProvider().Meter("servelane")
	}
	if budget <= 0 {
		budget = DefaultBudget
	}
	if logger == nil {
		logger = slog.Default()
	}

	r := &Recorder{
		metrics: metrics,
		clients: clients,
		logger:  logger.With("component", "telemetry"),
		budget:  budget,
	}

	var err error
	if r.requests, err = meter.Int64Counter("servelane.rpc.requests",
		metric.WithDescription("Dispatched RPC calls"),
		metric.WithUnit("{request}")); err != nil {
		return nil, err
	}
	if r.errors, err = meter.Int64Counter("servelane.rpc.errors",
		metric.WithDescription("Dispatched RPC calls that failed"),
		metric.WithUnit("{error}")); err != nil {
		return nil, err
	}
	if r.duration, err = meter.Float64Histogram("servelane.rpc.duration",
		metric.WithDescription("Remote operation latency"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10)); err != nil {
		return nil, err
	}
	return r, nil
}

// Budget returns the bound applied to each side-effect write.
func (r *Recorder) Budget() time.Duration {
	return r.budget
}

// RecordSuccess updates instruments and appends m in a detached task. It
// returns immediately.
func (r *Recorder) RecordSuccess(m Metric) {
	r.observe(m)
	if r.metrics == nil {
		return
	}
	r.Go("append_metric", func(ctx context.Context) error {
		return r.metrics.AppendMetric(ctx, m)
	})
}

// RecordFailure updates instruments and appends m before returning, bounded
// by the budget. Sink errors are logged, never returned.
func (r *Recorder) RecordFailure(ctx context.Context, m Metric) {
	r.observe(m)
	if r.metrics == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.budget)
	defer cancel()
	if err := r.metrics.AppendMetric(ctx, m); err != nil {
		r.logger.WarnContext(ctx, "failure metric not recorded",
			"request_id", m.RequestID, "operation", m.Operation, "error", err)
	}
}

// RecordClient upserts c in a detached task. Records without a client id
// are still written; "unknown" callers share one row.
func (r *Recorder) RecordClient(c ClientRecord) {
	if r.clients == nil {
		return
	}
	r.Go("upsert_client", func(ctx context.Context) error {
		return r.clients.UpsertClient(ctx, c)
	})
}

// Go runs fn as a detached task bounded by the budget. Errors are logged.
func (r *Recorder) Go(task string, fn func(ctx context.Context) error) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), r.budget)
		defer cancel()
		if err := fn(ctx); err != nil {
			r.logger.Warn("detached task failed", "task", task, "error", err)
		}
	}()
}

// Wait blocks until every detached task has finished.
func (r *Recorder) Wait() {
	r.wg.Wait()
}

func (r *Recorder) observe(m Metric) {
	ctx := context.Background()
	attrs := metric.WithAttributes(
		attribute.String("operation", m.Operation),
		attribute.String("region", m.Region),
		attribute.String("api_version", m.Version),
		attribute.Bool("success", m.Success),
		attribute.Bool("fallback", m.Fallback),
	)
	r.requests.Add(ctx, 1, attrs)
	if !m.Success {
		r.errors.Add(ctx, 1, attrs)
	}
	r.duration.Record(ctx, m.Duration.Seconds(), attrs)
}
