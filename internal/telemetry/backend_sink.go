package telemetry

import (
	"context"
	"encoding/json"
)

// Named operations used when telemetry is written through the primary
// region's data service.
const (
	MetricOperation = "log_api_metric"
	ClientOperation = "register_client_region"
)

// Invoker runs a named operation against a backend.
type Invoker interface {
	Invoke(ctx context.Context, op string, payload json.RawMessage) (json.RawMessage, error)
}

// BackendSink writes metrics and client telemetry as named operations on the
// primary region. It implements MetricsSink and ClientStore.
type BackendSink struct {
	Primary Invoker
}

type metricPayload struct {
	Metric
	ExecutionMs int64 `json:"execution_ms"`
}

// AppendMetric invokes MetricOperation with m.
func (s BackendSink) AppendMetric(ctx context.Context, m Metric) error {
	body, err := json.Marshal(metricPayload{Metric: m, ExecutionMs: m.Duration.Milliseconds()})
	if err != nil {
		return err
	}
	_, err = s.Primary.Invoke(ctx, MetricOperation, body)
	return err
}

// UpsertClient invokes ClientOperation with c.
func (s BackendSink) UpsertClient(ctx context.Context, c ClientRecord) error {
	body, err := json.Marshal(c)
	if err != nil {
		return err
	}
	_, err = s.Primary.Invoke(ctx, ClientOperation, body)
	return err
}
