package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/dreamware/servelane/internal/backend"
	"github.com/dreamware/servelane/internal/cache"
	"github.com/dreamware/servelane/internal/region"
	"github.com/dreamware/servelane/internal/telemetry"
	"github.com/dreamware/servelane/internal/version"
)

var (
	// ErrMissingOperation rejects a request without an operation name.
	ErrMissingOperation = errors.New("missing operation")
	// ErrUnsupportedVersion rejects an explicit version outside v1..v3.
	ErrUnsupportedVersion = errors.New("unsupported api version")
	// ErrNoBackend is returned when the selected region has no backend.
	ErrNoBackend = backend.ErrNoBackend
)

// ClientContext describes the caller, built per request from headers.
type ClientContext struct {
	AppVersion       string
	AppName          string
	Region           region.ID
	ClientID         string
	RequestedVersion string
}

// Request is one call to dispatch.
type Request struct {
	Operation string
	Payload   json.RawMessage
	Version   string    // explicit protocol version, optional
	Region    region.ID // explicit region override, optional
}

// RoutingDecision is where and how a call was served.
type RoutingDecision struct {
	Version  version.Protocol
	Region   region.ID
	Fallback bool
}

// Result is the outcome of one dispatch.
type Result struct {
	Err       error
	RequestID string
	Data      json.RawMessage
	Decision  RoutingDecision
	Elapsed   time.Duration
	Success   bool
	Cached    bool
}

// Router picks the serving region for an operation.
type Router interface {
	Route(op string, clientRegion, override region.ID) region.ID
}

// Resolver picks the protocol version for a client.
type Resolver interface {
	Resolve(ctx context.Context, appVersion, requested string) version.Decision
}

// Backends returns the handle for a region.
type Backends interface {
	For(id region.ID) (backend.Backend, error)
}

// Options configures optional dispatcher features.
type Options struct {
	// Cache, when set, serves the operations listed in Cacheable.
	Cache     *cache.Cache
	Logger    *slog.Logger
	Cacheable []string
}

// Dispatcher runs calls. It is safe for concurrent use.
type Dispatcher struct {
	router    Router
	resolver  Resolver
	backends  Backends
	recorder  *telemetry.Recorder
	cache     *cache.Cache
	cacheable map[string]bool
	logger    *slog.Logger
	now       func() time.Time
}

// NewDispatcher wires a dispatcher. recorder is required; use a Recorder with
// nil sinks to record nothing.
func NewDispatcher(router Router, resolver Resolver, backends Backends, recorder *telemetry.Recorder, opts Options) (*Dispatcher, error) {
	switch {
	case router == nil:
		return nil, errors.New("gateway: router is required")
	case resolver == nil:
		return nil, errors.New("gateway: resolver is required")
	case backends == nil:
		return nil, errors.New("gateway: backends are required")
	case recorder == nil:
		return nil, errors.New("gateway: recorder is required")
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	d := &Dispatcher{
		router:    router,
		resolver:  resolver,
		backends:  backends,
		recorder:  recorder,
		cache:     opts.Cache,
		cacheable: make(map[string]bool, len(opts.Cacheable)),
		logger:    opts.Logger.With("component", "dispatcher"),
		now:       time.Now,
	}
	for _, op := range opts.Cacheable {
		// Writes are never served from cache.
		if op != "" && !region.IsWriteOperation(op) {
			d.cacheable[op] = true
		}
	}
	return d, nil
}

// Dispatch routes, versions and executes one call. It always returns a
// Result; Result.Err is set when Success is false.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request, cc ClientContext) Result {
	start := d.now()
	res := Result{RequestID: uuid.NewString()}

	if strings.TrimSpace(req.Operation) == "" {
		res.Err = ErrMissingOperation
		res.Elapsed = d.now().Sub(start)
		return res
	}
	requested := cc.RequestedVersion
	if req.Version != "" {
		if _, ok := version.ParseProtocol(req.Version); !ok {
			res.Err = fmt.Errorf("%w: %q", ErrUnsupportedVersion, req.Version)
			res.Elapsed = d.now().Sub(start)
			return res
		}
		requested = req.Version
	}

	target := d.router.Route(req.Operation, cc.Region, req.Region)
	decision := d.resolver.Resolve(ctx, cc.AppVersion, requested)
	res.Decision = RoutingDecision{
		Version:  decision.Version,
		Region:   target,
		Fallback: decision.Fallback,
	}
	logger := d.logger.With(
		"request_id", res.RequestID,
		"operation", req.Operation,
		"region", target,
		"api_version", decision.Version,
		"fallback", decision.Fallback,
		"app_name", cc.AppName,
		"app_version", cc.AppVersion,
	)

	be, err := d.backends.For(target)
	if err != nil {
		return d.fail(ctx, logger, res, req, cc, start, err)
	}

	session := backend.SessionContext{
		AppVersion: cc.AppVersion,
		AppName:    cc.AppName,
		APIVersion: string(decision.Version),
	}
	ctx = backend.WithSession(ctx, session)
	d.recorder.Go("set_session_context", func(tctx context.Context) error {
		return be.SetSessionContext(backend.WithSession(tctx, session), session)
	})

	// Elapsed covers the invocation (or cache hit) only.
	start = d.now()
	var key string
	if d.cache != nil && d.cacheable[req.Operation] {
		key = cache.Key(req.Operation, req.Payload, string(target), string(decision.Version))
		if data, ok := d.cache.Get(key); ok {
			res.Data = data
			res.Cached = true
			return d.succeed(logger, res, req, cc, start)
		}
	}

	data, err := be.Invoke(ctx, req.Operation, req.Payload)
	if err != nil {
		return d.fail(ctx, logger, res, req, cc, start, err)
	}
	if key != "" {
		d.cache.Put(key, data)
	}
	res.Data = data
	return d.succeed(logger, res, req, cc, start)
}

func (d *Dispatcher) succeed(logger *slog.Logger, res Result, req Request, cc ClientContext, start time.Time) Result {
	res.Success = true
	res.Elapsed = d.now().Sub(start)

	d.recorder.RecordSuccess(d.metric(res, req, cc))
	d.recorder.RecordClient(telemetry.ClientRecord{
		LastSeen:   d.now(),
		ClientID:   cc.ClientID,
		AppName:    cc.AppName,
		AppVersion: cc.AppVersion,
		Region:     string(cc.Region),
		Version:    string(res.Decision.Version),
	})
	logger.Debug("dispatch succeeded", "elapsed", res.Elapsed, "cached", res.Cached)
	return res
}

func (d *Dispatcher) fail(ctx context.Context, logger *slog.Logger, res Result, req Request, cc ClientContext, start time.Time, err error) Result {
	res.Err = err
	res.Elapsed = d.now().Sub(start)

	d.recorder.RecordFailure(ctx, d.metric(res, req, cc))
	logger.WarnContext(ctx, "dispatch failed", "elapsed", res.Elapsed, "error", err)
	return res
}

func (d *Dispatcher) metric(res Result, req Request, cc ClientContext) telemetry.Metric {
	m := telemetry.Metric{
		RecordedAt: d.now(),
		RequestID:  res.RequestID,
		Operation:  req.Operation,
		Region:     string(res.Decision.Region),
		Version:    string(res.Decision.Version),
		AppName:    cc.AppName,
		AppVersion: cc.AppVersion,
		Duration:   res.Elapsed,
		Success:    res.Success,
		Fallback:   res.Decision.Fallback,
		Cached:     res.Cached,
	}
	if res.Err != nil {
		m.ErrorMessage = res.Err.Error()
		var remote *backend.RemoteError
		if errors.As(res.Err, &remote) {
			m.ErrorCode = remote.Code
			m.ErrorMessage = remote.Message
		}
	}
	return m
}
