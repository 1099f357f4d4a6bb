// Package gateway dispatches versioned remote-procedure calls to a region's
// backend.
//
// # Dispatch
//
// One call flows through a fixed sequence:
//
//	Request + ClientContext
//	        │
//	        ▼
//	  request id (UUID v4)
//	        │
//	        ▼
//	  region.Router.Route ──── writes always go to the primary
//	        │
//	        ▼
//	  version.Resolver.Resolve ── explicit version wins, else active/fallback
//	        │
//	        ▼
//	  backend.Pool.For(region)
//	        │
//	        ├──► SetSessionContext (detached)
//	        │
//	        ▼
//	  cache lookup (cacheable reads only)
//	        │
//	        ▼
//	  Backend.Invoke ──► Result
//
// # Side Effects
//
// On success the metric and the client telemetry record are written by
// detached tasks; the caller never waits for them. On failure the metric is
// written before Dispatch returns, bounded by the recorder's budget, so that
// failures are never lost to a process exit. Side-effect errors are logged
// and never change the Result.
//
// # Errors
//
// Client input errors (ErrMissingOperation, ErrUnsupportedVersion) are
// returned without touching any backend. Remote errors are passed through
// unchanged in Result.Err: a *backend.RemoteError, an error wrapping
// backend.ErrUnreachable, or one wrapping ErrNoBackend. Nothing is retried.
package gateway
