// Package region decides where a call executes and where an event must be
// propagated, and watches the health of every regional backend.
//
// # Overview
//
// The platform runs one backend deployment per region. One region is the
// primary: it owns every write. All other regions hold read replicas that are
// kept eventually consistent by the fanout engine.
//
//	            ┌──────────────┐
//	 writes ───►│   primary    │──── fanout ────┐
//	            │  us-east-1   │                │
//	            └──────────────┘                ▼
//	  ┌─────────────┐  ┌─────────────┐  ┌─────────────────┐
//	  │  us-west-2  │  │  eu-west-1  │  │ ap-southeast-1  │  ◄── reads
//	  └─────────────┘  └─────────────┘  └─────────────────┘
//
// # Routing Rules
//
// Router.Route applies, in order:
//
//  1. Write operations (a closed set, see IsWriteOperation) go to the primary.
//     No override or client region can change this.
//  2. Reads go to the explicit override when it names a known region.
//  3. Otherwise to the client's declared region when it is known.
//  4. Otherwise to the primary.
//
// Unknown region identifiers are never an error; they fall through to the
// next rule.
//
// # Fanout Targets
//
// Router.Targets computes the regions that must receive an event raised in a
// source region: an explicit list filtered to known regions, or every known
// region, in both cases without the source and without duplicates.
//
// # Health Monitoring
//
// HealthMonitor probes each region backend's health endpoint on an interval
// and marks a region unhealthy after consecutive failures. Health is reported
// to operators only; it never changes routing, so write affinity holds even
// when the primary is degraded.
//
// # Thread Safety
//
// Router is immutable after construction and safe for concurrent use.
// HealthMonitor guards its state with a read-write mutex.
package region
