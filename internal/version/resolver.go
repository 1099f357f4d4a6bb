package version

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
)

// ActivePair is the platform's currently active protocol and the fallback
// served to clients that are too old for it.
type ActivePair struct {
	Current  Protocol `json:"current"`
	Fallback Protocol `json:"fallback"`
}

// Lookup fetches the platform's active/fallback pair.
type Lookup interface {
	ActiveVersion(ctx context.Context) (ActivePair, error)
}

// LookupFunc adapts a function to Lookup.
type LookupFunc func(ctx context.Context) (ActivePair, error)

// ActiveVersion calls f.
func (f LookupFunc) ActiveVersion(ctx context.Context) (ActivePair, error) { return f(ctx) }

// Invoker runs a named operation against a backend. It is satisfied by the
// primary region's backend handle.
type Invoker interface {
	Invoke(ctx context.Context, op string, payload json.RawMessage) (json.RawMessage, error)
}

// ActiveVersionOperation is the named operation that returns the active pair.
const ActiveVersionOperation = "get_active_api_version"

// RemoteLookup reads the active pair by invoking ActiveVersionOperation.
type RemoteLookup struct {
	Invoker   Invoker
	Operation string
}

// ActiveVersion invokes the lookup operation and decodes {current, fallback}.
func (l RemoteLookup) ActiveVersion(ctx context.Context) (ActivePair, error) {
	op := l.Operation
	if op == "" {
		op = ActiveVersionOperation
	}
	raw, err := l.Invoker.Invoke(ctx, op, nil)
	if err != nil {
		return ActivePair{}, fmt.Errorf("invoke %s: %w", op, err)
	}
	var pair ActivePair
	if err := json.Unmarshal(raw, &pair); err != nil {
		return ActivePair{}, fmt.Errorf("decode %s: %w", op, err)
	}
	return pair, nil
}

// Decision is the protocol version a call uses and whether it is a
// compatibility fallback.
type Decision struct {
	Version  Protocol
	Fallback bool
}

// Config holds the version tables the resolver is built from.
type Config struct {
	Defaults ActivePair          // used when the lookup fails
	Minimums map[Protocol]string // minimum app version per protocol
}

// DefaultConfig returns the compiled-in defaults.
func DefaultConfig() Config {
	return Config{
		Defaults: ActivePair{Current: DefaultActive, Fallback: DefaultFallback},
		Minimums: DefaultMinimums(),
	}
}

// Resolver decides the protocol version for each call.
type Resolver struct {
	lookup   Lookup
	defaults ActivePair
	minimums map[Protocol]string
	logger   *slog.Logger
}

// NewResolver builds a resolver. Invalid defaults are replaced by the
// compiled-in pair.
func NewResolver(lookup Lookup, cfg Config, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	defaults := ActivePair{Current: DefaultActive, Fallback: DefaultFallback}
	if p, ok := ParseProtocol(string(cfg.Defaults.Current)); ok {
		defaults.Current = p
	}
	if p, ok := ParseProtocol(string(cfg.Defaults.Fallback)); ok {
		defaults.Fallback = p
	}
	minimums := make(map[Protocol]string, len(cfg.Minimums))
	for p, v := range cfg.Minimums {
		if norm, ok := ParseProtocol(string(p)); ok {
			minimums[norm] = v
		}
	}
	return &Resolver{
		lookup:   lookup,
		defaults: defaults,
		minimums: minimums,
		logger:   logger.With("component", "version_resolver"),
	}
}

// Resolve picks the protocol version for a client.
//
// A supported requested version is honored verbatim without fallback. Any
// other requested value is ignored. Otherwise the active pair is fetched and
// the client gets the active version when its app version meets the active
// version's published minimum, else the fallback version with Fallback set.
// A failed lookup degrades to the configured defaults and never errors.
func (r *Resolver) Resolve(ctx context.Context, appVersion, requested string) Decision {
	if p, ok := ParseProtocol(requested); ok {
		return Decision{Version: p}
	}

	pair := r.active(ctx)
	if r.Satisfies(appVersion, pair.Current) {
		return Decision{Version: pair.Current}
	}
	return Decision{Version: pair.Fallback, Fallback: true}
}

// Satisfies reports whether appVersion meets the minimum published for p. A
// protocol without a published minimum accepts every client.
func (r *Resolver) Satisfies(appVersion string, p Protocol) bool {
	minimum, ok := r.minimums[p]
	if !ok {
		return true
	}
	return AtLeast(appVersion, minimum)
}

func (r *Resolver) active(ctx context.Context) ActivePair {
	if r.lookup == nil {
		return r.defaults
	}
	pair, err := r.lookup.ActiveVersion(ctx)
	if err != nil {
		r.logger.WarnContext(ctx, "active version lookup failed, using defaults",
			"error", err, "current", r.defaults.Current, "fallback", r.defaults.Fallback)
		return r.defaults
	}

	out := r.defaults
	if p, ok := ParseProtocol(string(pair.Current)); ok {
		out.Current = p
	} else {
		r.logger.WarnContext(ctx, "active version lookup returned unsupported current", "current", pair.Current)
	}
	if p, ok := ParseProtocol(string(pair.Fallback)); ok {
		out.Fallback = p
	}
	return out
}
