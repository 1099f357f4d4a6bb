package region

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"
)

// Health states reported by HealthMonitor.
const (
	StatusUnknown   = "unknown"
	StatusHealthy   = "healthy"
	StatusUnhealthy = "unhealthy"
)

// Endpoint is a region backend the monitor probes.
type Endpoint struct {
	Region ID
	Addr   string // base URL or full health URL
}

// Health is the probe state of a single region backend.
type Health struct {
	LastCheck        time.Time `json:"last_check"`
	LastHealthy      time.Time `json:"last_healthy"`
	Region           ID        `json:"region"`
	Status           string    `json:"status"`
	LastError        string    `json:"last_error,omitempty"`
	ConsecutiveFails int       `json:"consecutive_fails"`
}

// HealthMonitor probes region backends on an interval and tracks their state.
// A region turns unhealthy after maxFailures consecutive failed probes and
// healthy again on the first success.
type HealthMonitor struct {
	regions     map[ID]*Health
	httpClient  *http.Client
	checkFunc   func(ctx context.Context, addr string) error
	onUnhealthy func(region ID)
	logger      *slog.Logger
	ctx         context.Context
	cancel      context.CancelFunc
	interval    time.Duration
	mu          sync.RWMutex
	wg          sync.WaitGroup
	maxFailures int
}

// NewHealthMonitor creates a monitor that probes every interval. Probes time
// out after two seconds and three consecutive failures mark a region
// unhealthy.
func NewHealthMonitor(interval time.Duration, logger *slog.Logger) *HealthMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	h := &HealthMonitor{
		regions:     make(map[ID]*Health),
		httpClient:  &http.Client{Timeout: 2 * time.Second},
		logger:      logger.With("component", "region_health"),
		ctx:         ctx,
		cancel:      cancel,
		interval:    interval,
		maxFailures: 3,
	}
	h.checkFunc = h.defaultHealthCheck
	return h
}

// SetOnUnhealthy registers a callback fired once each time a region crosses
// into the unhealthy state. The callback runs on its own goroutine.
func (h *HealthMonitor) SetOnUnhealthy(callback func(region ID)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onUnhealthy = callback
}

// SetCheckFunction replaces the HTTP probe, mainly for tests.
func (h *HealthMonitor) SetCheckFunction(fn func(ctx context.Context, addr string) error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.checkFunc = fn
}

// Start probes every endpoint returned by provider until ctx or the monitor
// is cancelled. It blocks; run it on its own goroutine.
//
// Example:
//
//	go monitor.Start(ctx, func() []region.Endpoint { return endpoints })
//
// Start returns immediately once Stop has been called.
func (h *HealthMonitor) Start(ctx context.Context, provider func() []Endpoint) {
	h.mu.Lock()
	if h.ctx.Err() != nil {
		h.mu.Unlock()
		return
	}
	h.wg.Add(1)
	h.mu.Unlock()
	defer h.wg.Done()

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	h.logger.Info("health monitor started", "interval", h.interval)
	h.checkAll(ctx, provider())

	for {
		select {
		case <-ticker.C:
			h.checkAll(ctx, provider())
		case <-ctx.Done():
			return
		case <-h.ctx.Done():
			return
		}
	}
}

// Stop cancels the monitor and waits for Start to return.
func (h *HealthMonitor) Stop() {
	h.mu.Lock()
	h.cancel()
	h.mu.Unlock()
	h.wg.Wait()
	h.logger.Info("health monitor stopped")
}

func (h *HealthMonitor) checkAll(ctx context.Context, endpoints []Endpoint) {
	current := make(map[ID]bool, len(endpoints))
	for _, ep := range endpoints {
		current[ep.Region] = true
		h.check(ctx, ep)
	}

	h.mu.Lock()
	for id := range h.regions {
		if !current[id] {
			delete(h.regions, id)
		}
	}
	h.mu.Unlock()
}

func (h *HealthMonitor) check(ctx context.Context, ep Endpoint) {
	h.mu.Lock()
	state, ok := h.regions[ep.Region]
	if !ok {
		now := time.Now()
		state = &Health{Region: ep.Region, Status: StatusUnknown, LastCheck: now, LastHealthy: now}
		h.regions[ep.Region] = state
	}
	check := h.checkFunc
	h.mu.Unlock()

	err := check(ctx, ep.Addr)

	h.mu.Lock()
	defer h.mu.Unlock()

	state.LastCheck = time.Now()
	if err == nil {
		if state.Status == StatusUnhealthy {
			h.logger.Info("region recovered", "region", ep.Region)
		}
		state.Status = StatusHealthy
		state.ConsecutiveFails = 0
		state.LastError = ""
		state.LastHealthy = state.LastCheck
		return
	}

	state.ConsecutiveFails++
	state.LastError = err.Error()
	h.logger.Warn("region health check failed",
		"region", ep.Region, "attempt", state.ConsecutiveFails, "max", h.maxFailures, "error", err)

	if state.ConsecutiveFails >= h.maxFailures && state.Status != StatusUnhealthy {
		state.Status = StatusUnhealthy
		h.logger.Error("region marked unhealthy", "region", ep.Region, "failures", state.ConsecutiveFails)
		if h.onUnhealthy != nil {
			go h.onUnhealthy(ep.Region)
		}
	}
}

// defaultHealthCheck issues GET <addr>/health and expects 200.
func (h *HealthMonitor) defaultHealthCheck(ctx context.Context, addr string) error {
	url := addr
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = "http://" + url
	}
	if !strings.HasSuffix(url, "/health") {
		url = strings.TrimRight(url, "/") + "/health"
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("build health request: %w", err)
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("health check request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

// Get returns a copy of one region's state, or nil if it is not monitored.
func (h *HealthMonitor) Get(id ID) *Health {
	h.mu.RLock()
	defer h.mu.RUnlock()

	state, ok := h.regions[id]
	if !ok {
		return nil
	}
	cp := *state
	return &cp
}

// All returns copies of every monitored region's state.
func (h *HealthMonitor) All() map[ID]Health {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make(map[ID]Health, len(h.regions))
	for id, state := range h.regions {
		out[id] = *state
	}
	return out
}

// IsHealthy reports whether a monitored region's last state is healthy.
func (h *HealthMonitor) IsHealthy(id ID) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()

	state, ok := h.regions[id]
	return ok && state.Status == StatusHealthy
}
