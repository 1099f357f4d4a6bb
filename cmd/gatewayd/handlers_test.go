package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/servelane/internal/backend"
	"github.com/dreamware/servelane/internal/fanout"
	"github.com/dreamware/servelane/internal/gateway"
	"github.com/dreamware/servelane/internal/region"
	"github.com/dreamware/servelane/internal/store"
	"github.com/dreamware/servelane/internal/telemetry"
	"github.com/dreamware/servelane/internal/version"
)

type stubBackend struct {
	err    error
	result json.RawMessage
	ops    []string
	mu     sync.Mutex
}

func (b *stubBackend) Invoke(_ context.Context, op string, _ json.RawMessage) (json.RawMessage, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ops = append(b.ops, op)
	if b.err != nil {
		return nil, b.err
	}
	return b.result, nil
}

func (b *stubBackend) SetSessionContext(context.Context, backend.SessionContext) error { return nil }

func (b *stubBackend) calls() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.ops...)
}

type harness struct {
	handler     http.Handler
	backends    map[region.ID]*stubBackend
	store       *store.Store
	recorder    *telemetry.Recorder
	failRegions map[region.ID]bool
	published   map[region.ID][]fanout.Message
	mu          sync.Mutex
}

type harnessOptions struct {
	active   version.ActivePair
	rps      float64
	burst    int
	noLookup bool
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	h := &harness{
		backends:    map[region.ID]*stubBackend{},
		failRegions: map[region.ID]bool{},
		published:   map[region.ID][]fanout.Message{},
	}
	if opts.active.Current == "" {
		opts.active = version.ActivePair{Current: version.V2, Fallback: version.V1}
	}

	router, err := region.NewRouter(region.DefaultPrimary, region.DefaultRegions())
	require.NoError(t, err)

	handles := map[region.ID]backend.Backend{}
	for _, id := range []region.ID{"us-east-1", "us-west-2", "eu-west-1"} {
		sb := &stubBackend{result: json.RawMessage(fmt.Sprintf(`{"served_by":%q}`, id))}
		h.backends[id] = sb
		handles[id] = sb
	}
	pool := backend.NewPool(handles)

	h.store, err = store.Open(context.Background(), "sqlite", filepath.Join(t.TempDir(), "gw.db"))
	require.NoError(t, err)

	lookup := version.LookupFunc(func(context.Context) (version.ActivePair, error) {
		if opts.noLookup {
			return version.ActivePair{}, errors.New("primary unreachable")
		}
		return opts.active, nil
	})
	resolver := version.NewResolver(lookup, version.DefaultConfig(), nil)

	h.recorder, err = telemetry.NewRecorder(h.store, h.store, nil, time.Second, nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		h.recorder.Wait()
		_ = h.store.Close()
	})

	dispatcher, err := gateway.NewDispatcher(router, resolver, pool, h.recorder, gateway.Options{})
	require.NoError(t, err)

	broadcaster := fanout.BroadcasterFunc(func(_ context.Context, target region.ID, msg fanout.Message) error {
		h.mu.Lock()
		defer h.mu.Unlock()
		if h.failRegions[target] {
			return errors.New("channel closed")
		}
		h.published[target] = append(h.published[target], msg)
		return nil
	})
	engine, err := fanout.NewEngine(router, broadcaster, h.store, fanout.Options{BaseDelay: time.Millisecond})
	require.NoError(t, err)

	monitor := region.NewHealthMonitor(time.Hour, nil)

	srv := newServer(serverDeps{
		dispatcher: dispatcher,
		fanout:     engine,
		router:     router,
		backends:   pool,
		health:     monitor,
		logs:       h.store,
		limiter:    newClientLimiter(opts.rps, opts.burst),
	})
	h.handler = srv.routes()
	return h
}

func (h *harness) do(method, path, body string, headers map[string]string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), rec.Body.String())
	return out
}

func TestRPCReadUsesClientRegionAndActiveVersion(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	rec := h.do(http.MethodPost, "/rpc", `{"rpc":"get_smart_menu","payload":{"store_id":1}}`, map[string]string{
		"X-App-Version":   "1.5.0",
		"X-Client-Region": "eu-west-1",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	body := decode(t, rec)
	assert.Equal(t, map[string]any{"served_by": "eu-west-1"}, body["data"])
	meta := body["meta"].(map[string]any)
	assert.Equal(t, "get_smart_menu", meta["rpc"])
	assert.Equal(t, "v2", meta["version"])
	assert.Equal(t, "eu-west-1", meta["region"])
	assert.NotContains(t, meta, "fallback")
	assert.NotEmpty(t, meta["requestId"])

	assert.Equal(t, meta["requestId"], rec.Header().Get("X-Request-ID"))
	assert.Equal(t, "v2", rec.Header().Get("X-API-Version"))
	assert.Equal(t, "eu-west-1", rec.Header().Get("X-Region"))
	assert.NotEmpty(t, rec.Header().Get("X-Execution-Time"))
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestRPCOldClientGetsFallback(t *testing.T) {
	h := newHarness(t, harnessOptions{active: version.ActivePair{Current: version.V3, Fallback: version.V2}})

	rec := h.do(http.MethodPost, "/rpc", `{"rpc":"get_smart_menu","payload":{"store_id":1}}`,
		map[string]string{"X-App-Version": "1.0.0"})
	require.Equal(t, http.StatusOK, rec.Code)

	meta := decode(t, rec)["meta"].(map[string]any)
	assert.Equal(t, "v2", meta["version"])
	assert.Equal(t, true, meta["fallback"])
	assert.Equal(t, "us-east-1", meta["region"])
}

func TestRPCWriteIgnoresClientRegion(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	rec := h.do(http.MethodPost, "/rpc", `{"rpc":"place_order","payload":{"items":[]},"region":"eu-west-1"}`,
		map[string]string{"X-Client-Region": "eu-west-1"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "us-east-1", rec.Header().Get("X-Region"))
	assert.Equal(t, []string{"place_order"}, h.backends["us-east-1"].calls())
	assert.Empty(t, h.backends["eu-west-1"].calls())
}

func TestRPCLookupFailureUsesDefaults(t *testing.T) {
	// An unreachable primary silently yields the compiled-in pair. A platform
	// that has moved to v3 would not notice from this response.
	h := newHarness(t, harnessOptions{noLookup: true})

	rec := h.do(http.MethodPost, "/rpc", `{"rpc":"get_menu"}`, map[string]string{"X-App-Version": "9.0.0"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "v2", rec.Header().Get("X-API-Version"))
}

func TestRPCErrors(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		headers    map[string]string
		setup      func(*harness)
		wantCode   int
		wantErr    string
		wantRemote string
	}{
		{name: "invalid json", body: `{"rpc":`, wantCode: http.StatusBadRequest, wantErr: "invalid JSON"},
		{name: "missing rpc", body: `{"payload":{}}`, wantCode: http.StatusBadRequest, wantErr: "missing rpc"},
		{name: "unsupported body version", body: `{"rpc":"get_menu","version":"v7"}`, wantCode: http.StatusBadRequest, wantErr: "unsupported api version"},
		{
			name: "remote error", body: `{"rpc":"place_order"}`,
			setup: func(h *harness) {
				h.backends["us-east-1"].err = &backend.RemoteError{Operation: "place_order", Region: "us-east-1", Code: "P0001", Message: "store closed", Status: 400}
			},
			wantCode: http.StatusInternalServerError, wantErr: "store closed", wantRemote: "P0001",
		},
		{
			name: "unreachable", body: `{"rpc":"get_menu"}`,
			setup: func(h *harness) {
				h.backends["us-east-1"].err = fmt.Errorf("%w: dial tcp: connection refused", backend.ErrUnreachable)
			},
			wantCode: http.StatusBadGateway, wantErr: "backend unreachable",
		},
		{
			name: "no backend", body: `{"rpc":"get_menu"}`,
			headers:  map[string]string{"X-Client-Region": "ap-southeast-1"},
			wantCode: http.StatusServiceUnavailable, wantErr: "no backend",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, harnessOptions{})
			if tt.setup != nil {
				tt.setup(h)
			}
			rec := h.do(http.MethodPost, "/rpc", tt.body, tt.headers)
			assert.Equal(t, tt.wantCode, rec.Code)
			body := decode(t, rec)
			assert.Contains(t, body["error"], tt.wantErr)
			if tt.wantRemote != "" {
				assert.Equal(t, tt.wantRemote, body["code"])
			}
		})
	}
}

func TestRPCFailureMetricPersisted(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.backends["us-east-1"].err = &backend.RemoteError{Operation: "cancel_order", Code: "P0002", Message: "already shipped"}

	rec := h.do(http.MethodPost, "/rpc", `{"rpc":"cancel_order"}`, nil)
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	// Synchronous on failure: present without waiting on the recorder.
	n, err := h.store.CountMetrics(context.Background(), "cancel_order")
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRPCClientTelemetryPersisted(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	rec := h.do(http.MethodPost, "/rpc", `{"rpc":"get_menu"}`, map[string]string{
		"X-Client-Id": "device-42", "X-App-Name": "staff", "X-App-Version": "1.3.0", "X-Client-Region": "us-west-2",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	h.recorder.Wait()

	c, err := h.store.GetClient(context.Background(), "device-42")
	require.NoError(t, err)
	assert.Equal(t, "staff", c.AppName)
	assert.Equal(t, "us-west-2", c.Region)
	assert.Equal(t, "v2", c.Version)
}

func TestCORSAndMethods(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	for _, path := range []string{"/rpc", "/fanout"} {
		t.Run(path, func(t *testing.T) {
			rec := h.do(http.MethodOptions, path, "", nil)
			assert.Equal(t, http.StatusNoContent, rec.Code)
			assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
			assert.Equal(t, "POST, OPTIONS", rec.Header().Get("Access-Control-Allow-Methods"))
			allowed := rec.Header().Get("Access-Control-Allow-Headers")
			for _, name := range []string{"X-App-Version", "X-App-Name", "X-Api-Version", "X-Client-Region", "X-Client-Id", "apikey", "Authorization", "Content-Type"} {
				assert.Contains(t, allowed, name)
			}

			rec = h.do(http.MethodGet, path, "", nil)
			assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
		})
	}
}

func TestFanoutOrderStatus(t *testing.T) {
	h := newHarness(t, harnessOptions{})

	rec := h.do(http.MethodPost, "/fanout",
		`{"type":"order_status","payload":{"order_id":"abc","status":"ready"},"sourceRegion":"us-east-1"}`, nil)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var resp fanoutResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Success)
	assert.Positive(t, resp.EventID)
	require.Len(t, resp.Deliveries, 3)
	for _, d := range resp.Deliveries {
		assert.True(t, d.Success)
		assert.Equal(t, 1, d.Attempts)
		msgs := h.published[region.ID(d.Region)]
		require.Len(t, msgs, 1)
		assert.Equal(t, "order_status_update", msgs[0].Payload["_type"])
		assert.NotEmpty(t, msgs[0].Payload["timestamp"])
	}
	assert.Equal(t, "us-west-2,eu-west-1,ap-southeast-1", rec.Header().Get("X-Fanout-Regions"))
	assert.Equal(t, "3", rec.Header().Get("X-Fanout-Success-Count"))
	assert.Equal(t, "3", rec.Header().Get("X-Fanout-Total-Count"))

	rec = h.do(http.MethodGet, "/fanout/logs?limit=5", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var logs struct {
		Logs  []fanout.LogRecord `json:"logs"`
		Count int                `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &logs))
	require.Equal(t, 1, logs.Count)
	assert.Equal(t, resp.EventID, logs.Logs[0].ID)
	assert.Len(t, logs.Logs[0].DeliveryStatus, 3)
	assert.NotNil(t, logs.Logs[0].CompletedAt)
}

func TestFanoutStatusCodes(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	h.failRegions["us-west-2"] = true

	rec := h.do(http.MethodPost, "/fanout", `{"type":"menu_updated","payload":{},"targetRegions":["us-west-2","eu-west-1"]}`, nil)
	assert.Equal(t, http.StatusOK, rec.Code, "partial success is still 200")
	assert.Equal(t, "1", rec.Header().Get("X-Fanout-Success-Count"))
	var resp fanoutResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Success)
	assert.Equal(t, 3, resp.Deliveries[0].Attempts)
	assert.NotEmpty(t, resp.Deliveries[0].Error)

	rec = h.do(http.MethodPost, "/fanout", `{"type":"menu_updated","payload":{},"targetRegions":["us-west-2"]}`, nil)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)

	rec = h.do(http.MethodPost, "/fanout", `{"type":"custom","payload":{},"targetRegions":[]}`, nil)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "0", rec.Header().Get("X-Fanout-Total-Count"))

	rec = h.do(http.MethodPost, "/fanout", `{"payload":{}}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	rec = h.do(http.MethodPost, "/fanout", `{"type":"custom"}`, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestFanoutLogsLimit(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	for _, q := range []string{"limit=0", "limit=-3", "limit=abc"} {
		rec := h.do(http.MethodGet, "/fanout/logs?"+q, "", nil)
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
	rec := h.do(http.MethodGet, "/fanout/logs?limit=100000", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRegions(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	rec := h.do(http.MethodGet, "/regions", "", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var out struct {
		Primary string       `json:"primary"`
		Regions []regionBody `json:"regions"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	assert.Equal(t, "us-east-1", out.Primary)
	require.Len(t, out.Regions, 4)
	assert.True(t, out.Regions[0].Primary)
	assert.True(t, out.Regions[0].Backend)
	assert.Equal(t, "ap-southeast-1", out.Regions[3].ID)
	assert.False(t, out.Regions[3].Backend)
}

func TestHealth(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	rec := h.do(http.MethodGet, "/health", "", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestRateLimit(t *testing.T) {
	h := newHarness(t, harnessOptions{rps: 0.001, burst: 2})
	headers := map[string]string{"X-Client-Id": "burst-client"}

	for i := 0; i < 2; i++ {
		rec := h.do(http.MethodPost, "/rpc", `{"rpc":"get_menu"}`, headers)
		require.Equal(t, http.StatusOK, rec.Code)
	}
	rec := h.do(http.MethodPost, "/rpc", `{"rpc":"get_menu"}`, headers)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)

	// Other clients and preflights are unaffected.
	rec = h.do(http.MethodPost, "/rpc", `{"rpc":"get_menu"}`, map[string]string{"X-Client-Id": "other"})
	assert.Equal(t, http.StatusOK, rec.Code)
	rec = h.do(http.MethodOptions, "/rpc", "", headers)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestClientLimiterSweep(t *testing.T) {
	l := newClientLimiter(1, 1)
	now := time.Now()
	l.now = func() time.Time { return now }
	l.allow("a")
	now = now.Add(time.Hour)
	l.allow("b")

	assert.Equal(t, 1, l.sweep(10*time.Minute))
	assert.Len(t, l.clients, 1)
	assert.Contains(t, l.clients, "b")

	var nilLimiter *clientLimiter
	assert.Zero(t, nilLimiter.sweep(time.Minute))
	assert.Nil(t, newClientLimiter(0, 10))
}

func TestClientKey(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/rpc", bytes.NewReader(nil))
	req.RemoteAddr = "10.1.2.3:5555"
	assert.Equal(t, "ip:10.1.2.3", clientKey(req))
	req.Header.Set("X-Client-Id", "c-1")
	assert.Equal(t, "id:c-1", clientKey(req))
}
