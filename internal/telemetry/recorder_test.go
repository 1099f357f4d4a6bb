package telemetry

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// recordingSink captures writes and can block until released.
type recordingSink struct {
	mu      sync.Mutex
	metrics []Metric
	clients []ClientRecord
	gate    chan struct{}
	err     error
}

func (s *recordingSink) wait(ctx context.Context) error {
	if s.gate == nil {
		return nil
	}
	select {
	case <-s.gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *recordingSink) AppendMetric(ctx context.Context, m Metric) error {
	if err := s.wait(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.metrics = append(s.metrics, m)
	return s.err
}

func (s *recordingSink) UpsertClient(ctx context.Context, c ClientRecord) error {
	if err := s.wait(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients = append(s.clients, c)
	return s.err
}

func (s *recordingSink) counts() (int, int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.metrics), len(s.clients)
}

// TestRecordSuccessIsDetached: a blocked sink does not delay the caller, and
// the write still happens once the sink unblocks.
func TestRecordSuccessIsDetached(t *testing.T) {
	sink := &recordingSink{gate: make(chan struct{})}
	rec, err := NewRecorder(sink, sink, nil, 5*time.Second, nil)
	require.NoError(t, err)

	start := time.Now()
	rec.RecordSuccess(Metric{RequestID: "r1", Operation: "get_menu", Success: true})
	rec.RecordClient(ClientRecord{ClientID: "c1", Region: "eu-west-1"})
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	m, c := sink.counts()
	assert.Zero(t, m)
	assert.Zero(t, c)

	close(sink.gate)
	rec.Wait()

	m, c = sink.counts()
	assert.Equal(t, 1, m)
	assert.Equal(t, 1, c)
}

func TestRecordFailureIsSynchronous(t *testing.T) {
	sink := &recordingSink{}
	rec, err := NewRecorder(sink, nil, nil, time.Second, nil)
	require.NoError(t, err)

	rec.RecordFailure(context.Background(), Metric{RequestID: "r1", Operation: "place_order", ErrorMessage: "boom"})
	m, _ := sink.counts()
	assert.Equal(t, 1, m, "failure metric must be written before returning")
}

func TestRecordFailureBoundedByBudget(t *testing.T) {
	sink := &recordingSink{gate: make(chan struct{})}
	defer close(sink.gate)
	rec, err := NewRecorder(sink, nil, nil, 50*time.Millisecond, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // a cancelled request context must not skip the write attempt

	start := time.Now()
	rec.RecordFailure(ctx, Metric{RequestID: "r1"})
	elapsed := time.Since(start)
	assert.GreaterOrEqual(t, elapsed, 40*time.Millisecond)
	assert.Less(t, elapsed, time.Second)
}

func TestSinkErrorsAreSwallowed(t *testing.T) {
	sink := &recordingSink{err: errors.New("disk full")}
	rec, err := NewRecorder(sink, sink, nil, time.Second, nil)
	require.NoError(t, err)

	assert.NotPanics(t, func() {
		rec.RecordSuccess(Metric{Success: true})
		rec.RecordFailure(context.Background(), Metric{})
		rec.RecordClient(ClientRecord{ClientID: "c"})
		rec.Wait()
	})
}

func TestNilSinksAreSkipped(t *testing.T) {
	rec, err := NewRecorder(nil, nil, nil, 0, nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultBudget, rec.Budget())

	rec.RecordSuccess(Metric{Success: true})
	rec.RecordFailure(context.Background(), Metric{})
	rec.RecordClient(ClientRecord{})
	rec.Wait()
}

func sumCounter(t *testing.T, rm metricdata.ResourceMetrics, name string) int64 {
	t.Helper()
	var total int64
	for _, sm := range rm.ScopeMetrics {
		for _, m := range sm.Metrics {
			if m.Name != name {
				continue
			}
			sum, ok := m.Data.(metricdata.Sum[int64])
			require.True(t, ok, "%s is not an int64 sum", name)
			for _, dp := range sum.DataPoints {
				total += dp.Value
			}
		}
	}
	return total
}

func TestInstruments(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	provider := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	defer func() { _ = provider.Shutdown(context.Background()) }()

	rec, err := NewRecorder(nil, nil, provider.Meter("test"), time.Second, nil)
	require.NoError(t, err)

	rec.RecordSuccess(Metric{Operation: "get_menu", Success: true, Duration: 10 * time.Millisecond})
	rec.RecordSuccess(Metric{Operation: "get_menu", Success: true, Duration: 20 * time.Millisecond})
	rec.RecordFailure(context.Background(), Metric{Operation: "place_order", Duration: time.Millisecond})

	var rm metricdata.ResourceMetrics
	require.NoError(t, reader.Collect(context.Background(), &rm))
	assert.Equal(t, int64(3), sumCounter(t, rm, "servelane.rpc.requests"))
	assert.Equal(t, int64(1), sumCounter(t, rm, "servelane.rpc.errors"))
}

type invokerFunc func(ctx context.Context, op string, payload json.RawMessage) (json.RawMessage, error)

func (f invokerFunc) Invoke(ctx context.Context, op string, payload json.RawMessage) (json.RawMessage, error) {
	return f(ctx, op, payload)
}

func TestBackendSink(t *testing.T) {
	calls := map[string]map[string]any{}
	sink := BackendSink{Primary: invokerFunc(func(_ context.Context, op string, payload json.RawMessage) (json.RawMessage, error) {
		var body map[string]any
		require.NoError(t, json.Unmarshal(payload, &body))
		calls[op] = body
		return nil, nil
	})}

	require.NoError(t, sink.AppendMetric(context.Background(), Metric{
		RequestID: "r1", Operation: "get_menu", Region: "eu-west-1", Duration: 1500 * time.Millisecond, Success: true,
	}))
	require.NoError(t, sink.UpsertClient(context.Background(), ClientRecord{ClientID: "c1", Region: "eu-west-1", Version: "v3"}))

	require.Contains(t, calls, MetricOperation)
	assert.Equal(t, "r1", calls[MetricOperation]["request_id"])
	assert.Equal(t, float64(1500), calls[MetricOperation]["execution_ms"])
	assert.Equal(t, true, calls[MetricOperation]["success"])

	require.Contains(t, calls, ClientOperation)
	assert.Equal(t, "c1", calls[ClientOperation]["client_id"])
	assert.Equal(t, "v3", calls[ClientOperation]["api_version"])
}
