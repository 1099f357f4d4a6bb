// Package backend provides per-region handles for invoking named operations
// against the platform's regional data service.
//
// A Backend is stateless with respect to requests: session context travels in
// the request's context.Context rather than on a shared connection, so one
// handle serves many in-flight calls.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/dreamware/servelane/internal/region"
)

var (
	// ErrUnreachable wraps transport failures talking to a backend.
	ErrUnreachable = errors.New("backend unreachable")
	// ErrNoBackend is returned when a region has no configured backend.
	ErrNoBackend = errors.New("no backend configured for region")
	// ErrInvalidOperation rejects operation names a backend cannot address.
	ErrInvalidOperation = errors.New("invalid operation name")
)

// SetContextOperation is the named operation that records per-request session
// context on the data service.
const SetContextOperation = "set_request_context"

// SessionContext describes the client behind a request so downstream logic
// can apply version-specific behavior.
type SessionContext struct {
	AppVersion string `json:"app_version"`
	AppName    string `json:"app_name"`
	APIVersion string `json:"api_version"`
}

// Backend invokes named operations against one region's data service.
type Backend interface {
	// Invoke runs op with payload and returns the raw JSON result.
	Invoke(ctx context.Context, op string, payload json.RawMessage) (json.RawMessage, error)
	// SetSessionContext records sc on the data service for the current request.
	SetSessionContext(ctx context.Context, sc SessionContext) error
}

// RemoteError is a failure reported by the data service for a named operation.
type RemoteError struct {
	Operation string
	Region    region.ID
	Code      string
	Message   string
	Status    int
}

// Error formats the operation, region and remote message.
func (e *RemoteError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s on %s failed (%s): %s", e.Operation, e.Region, e.Code, e.Message)
	}
	return fmt.Sprintf("%s on %s failed: %s", e.Operation, e.Region, e.Message)
}

type sessionKey struct{}

// WithSession attaches sc to ctx.
func WithSession(ctx context.Context, sc SessionContext) context.Context {
	return context.WithValue(ctx, sessionKey{}, sc)
}

// SessionFrom returns the session attached to ctx, if any.
func SessionFrom(ctx context.Context) (SessionContext, bool) {
	sc, ok := ctx.Value(sessionKey{}).(SessionContext)
	return sc, ok
}

// Pool maps regions to backend handles. It is built once at startup and read
// concurrently afterwards.
type Pool struct {
	backends map[region.ID]Backend
}

// NewPool creates a pool from a region → backend map.
func NewPool(backends map[region.ID]Backend) *Pool {
	m := make(map[region.ID]Backend, len(backends))
	for id, b := range backends {
		if b != nil {
			m[id] = b
		}
	}
	return &Pool{backends: m}
}

// For returns the backend serving id.
func (p *Pool) For(id region.ID) (Backend, error) {
	b, ok := p.backends[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoBackend, id)
	}
	return b, nil
}

// Regions lists the regions that have a backend, sorted.
func (p *Pool) Regions() []region.ID {
	ids := make([]region.ID, 0, len(p.backends))
	for id := range p.backends {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

// Close releases every backend that holds resources.
func (p *Pool) Close() error {
	var errs []error
	for id, b := range p.backends {
		if c, ok := b.(interface{ Close() error }); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close %s: %w", id, err))
			}
		}
	}
	return errors.Join(errs...)
}
