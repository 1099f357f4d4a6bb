package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"

	"github.com/dreamware/servelane/internal/region"
)

// ErrAttemptTimeout is reported when a delivery attempt outlives the
// per-attempt timeout.
var ErrAttemptTimeout = errors.New("delivery attempt timed out")

// Default delivery parameters.
const (
	DefaultAttemptTimeout = 5 * time.Second
	DefaultMaxAttempts    = 3
	DefaultBaseDelay      = 200 * time.Millisecond
)

// Broadcaster publishes one message on one region's live-update channel.
// Each call is a complete open, publish, close cycle.
type Broadcaster interface {
	Broadcast(ctx context.Context, target region.ID, msg Message) error
}

// BroadcasterFunc adapts a function to Broadcaster.
type BroadcasterFunc func(ctx context.Context, target region.ID, msg Message) error

// Broadcast calls f.
func (f BroadcasterFunc) Broadcast(ctx context.Context, target region.ID, msg Message) error {
	return f(ctx, target, msg)
}

// Targeter computes the regions an event must reach.
type Targeter interface {
	Primary() region.ID
	Targets(source region.ID, explicit []region.ID) []region.ID
}

// DeliveryStatus is the persisted per-region outcome.
type DeliveryStatus struct {
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
	Attempts  int    `json:"attempts"`
	Success   bool   `json:"success"`
}

// LogRecord is the audit record of one fanout.
type LogRecord struct {
	CreatedAt      time.Time                 `json:"created_at"`
	CompletedAt    *time.Time                `json:"completed_at,omitempty"`
	DeliveryStatus map[string]DeliveryStatus `json:"delivery_status,omitempty"`
	EventType      string                    `json:"event_type"`
	SourceRegion   string                    `json:"source_region"`
	TargetRegions  []string                  `json:"target_regions"`
	ID             int64                     `json:"id"`
	PayloadSize    int                       `json:"payload_size"`
}

// LogStore persists fanout audit records.
type LogStore interface {
	CreateFanoutLog(ctx context.Context, rec LogRecord) (int64, error)
	CompleteFanoutLog(ctx context.Context, id int64, status map[string]DeliveryStatus, completedAt time.Time) error
}

// Delivery is the final result for one target region.
type Delivery struct {
	Region   region.ID     `json:"region"`
	Error    string        `json:"error,omitempty"`
	Latency  time.Duration `json:"-"`
	Attempts int           `json:"attempts"`
	Success  bool          `json:"success"`
}

// Outcome summarizes one fanout. Deliveries is in target order.
type Outcome struct {
	Deliveries   []Delivery
	EventID      int64
	TotalLatency time.Duration
	Success      bool
}

// Succeeded returns the number of successful deliveries.
func (o Outcome) Succeeded() int {
	n := 0
	for _, d := range o.Deliveries {
		if d.Success {
			n++
		}
	}
	return n
}

// Options tunes delivery. Zero fields take the defaults.
type Options struct {
	Meter          metric.Meter
	Logger         *slog.Logger
	AttemptTimeout time.Duration
	BaseDelay      time.Duration
	MaxAttempts    int
}

// Engine delivers events to every target region in parallel with bounded
// linear retry.
type Engine struct {
	targets     Targeter
	broadcaster Broadcaster
	logs        LogStore
	logger      *slog.Logger
	deliveries  metric.Int64Counter
	attempts    metric.Int64Counter
	now         func() time.Time
	timeout     time.Duration
	baseDelay   time.Duration
	maxAttempts int
}

// NewEngine builds an engine. logs may be nil, in which case no audit record
// is kept and every EventID is 0.
func NewEngine(targets Targeter, b Broadcaster, logs LogStore, opts Options) (*Engine, error) {
	if targets == nil {
		return nil, errors.New("fanout: targeter is required")
	}
	if b == nil {
		return nil, errors.New("fanout: broadcaster is required")
	}
	if opts.AttemptTimeout <= 0 {
		opts.AttemptTimeout = DefaultAttemptTimeout
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.BaseDelay <= 0 {
		opts.BaseDelay = DefaultBaseDelay
	}
	if opts.Meter == nil {
		opts.Meter = noop.NewMeterProvider().Meter("servelane")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	e := &Engine{
		targets:     targets,
		broadcaster: b,
		logs:        logs,
		logger:      opts.Logger.With("component", "fanout"),
		now:         time.Now,
		timeout:     opts.AttemptTimeout,
		baseDelay:   opts.BaseDelay,
		maxAttempts: opts.MaxAttempts,
	}

	var err error
	if e.deliveries, err = opts.Meter.Int64Counter("servelane.fanout.deliveries",
		metric.WithDescription("Final per-region fanout results"),
		metric.WithUnit("{delivery}")); err != nil {
		return nil, err
	}
	if e.attempts, err = opts.Meter.Int64Counter("servelane.fanout.attempts",
		metric.WithDescription("Individual fanout delivery attempts"),
		metric.WithUnit("{attempt}")); err != nil {
		return nil, err
	}
	return e, nil
}

// Fanout delivers ev to every target region and returns one Delivery per
// target. Only invalid events produce an error; delivery failures are
// reported in the Outcome. Cancelling ctx does not stop a fanout in progress.
func (e *Engine) Fanout(ctx context.Context, ev Event) (Outcome, error) {
	if err := ev.Validate(); err != nil {
		return Outcome{}, err
	}
	ctx = context.WithoutCancel(ctx)
	start := e.now()

	source := ev.SourceRegion
	if source == "" {
		source = e.targets.Primary()
	}
	targets := e.targets.Targets(source, ev.TargetRegions)

	eventID := e.register(ctx, ev, source, targets, start)
	msg := ev.message(source, eventID, start)

	deliveries := make([]Delivery, len(targets))
	var wg sync.WaitGroup
	for i, target := range targets {
		wg.Add(1)
		go func() {
			defer wg.Done()
			deliveries[i] = e.deliver(ctx, target, msg)
		}()
	}
	wg.Wait()

	out := Outcome{
		EventID:      eventID,
		Deliveries:   deliveries,
		Success:      true,
		TotalLatency: e.now().Sub(start),
	}
	status := make(map[string]DeliveryStatus, len(deliveries))
	for _, d := range deliveries {
		if !d.Success {
			out.Success = false
		}
		status[string(d.Region)] = DeliveryStatus{
			Success:   d.Success,
			LatencyMS: d.Latency.Milliseconds(),
			Attempts:  d.Attempts,
			Error:     d.Error,
		}
	}

	if e.logs != nil && eventID != 0 {
		if err := e.logs.CompleteFanoutLog(ctx, eventID, status, e.now()); err != nil {
			e.logger.WarnContext(ctx, "fanout log not completed", "event_id", eventID, "error", err)
		}
	}

	e.logger.InfoContext(ctx, "fanout complete",
		"event_id", eventID,
		"event", ev.Type.Tag(),
		"source_region", source,
		"targets", len(targets),
		"succeeded", out.Succeeded(),
		"latency", out.TotalLatency)
	return out, nil
}

func (e *Engine) register(ctx context.Context, ev Event, source region.ID, targets []region.ID, at time.Time) int64 {
	if e.logs == nil {
		return 0
	}
	size := 0
	if raw, err := json.Marshal(ev.Payload); err == nil {
		size = len(raw)
	}
	names := make([]string, len(targets))
	for i, t := range targets {
		names[i] = string(t)
	}
	id, err := e.logs.CreateFanoutLog(ctx, LogRecord{
		EventType:     string(ev.Type),
		SourceRegion:  string(source),
		TargetRegions: names,
		PayloadSize:   size,
		CreatedAt:     at,
	})
	if err != nil {
		e.logger.WarnContext(ctx, "fanout log not created, delivering anyway",
			"event", ev.Type.Tag(), "error", err)
		return 0
	}
	return id
}

// deliver runs up to maxAttempts strictly sequential attempts against one
// region, sleeping attempt*baseDelay between them.
func (e *Engine) deliver(ctx context.Context, target region.ID, msg Message) Delivery {
	start := e.now()
	var lastErr error
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		lastErr = e.attempt(ctx, target, msg)
		e.attempts.Add(ctx, 1, metric.WithAttributes(
			attribute.String("region", string(target)),
			attribute.Bool("success", lastErr == nil)))
		if lastErr == nil {
			e.record(ctx, target, true)
			return Delivery{
				Region:   target,
				Success:  true,
				Latency:  e.now().Sub(start),
				Attempts: attempt,
			}
		}
		e.logger.WarnContext(ctx, "delivery attempt failed",
			"region", target, "event", msg.Event, "attempt", attempt, "error", lastErr)
		if attempt < e.maxAttempts {
			time.Sleep(time.Duration(attempt) * e.baseDelay)
		}
	}

	text := lastErr.Error()
	if text == "" {
		text = "delivery failed"
	}
	e.record(ctx, target, false)
	return Delivery{
		Region:   target,
		Error:    text,
		Latency:  e.now().Sub(start),
		Attempts: e.maxAttempts,
	}
}

// attempt bounds one Broadcast call by the attempt timeout, returning as
// soon as the deadline passes even if the broadcaster does not.
func (e *Engine) attempt(ctx context.Context, target region.ID, msg Message) error {
	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- e.broadcaster.Broadcast(ctx, target, msg)
	}()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return fmt.Errorf("%w after %s", ErrAttemptTimeout, e.timeout)
	}
}

func (e *Engine) record(ctx context.Context, target region.ID, ok bool) {
	e.deliveries.Add(ctx, 1, metric.WithAttributes(
		attribute.String("region", string(target)),
		attribute.Bool("success", ok)))
}
