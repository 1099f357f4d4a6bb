// Package fanout propagates write-side domain events from the region where
// they were committed to every other region's live-update channel.
//
// # Overview
//
// A caller that has just committed a write (an order status change, a new
// order, a menu update, a store opening or closing) submits one Event. The
// Engine computes the target regions, pre-registers an audit record, and
// delivers the event to every target in parallel:
//
//	                  ┌─────────────┐
//	   Event ────────►│   Engine    │── CreateFanoutLog ──► LogStore
//	                  └──────┬──────┘
//	        ┌────────────────┼────────────────┐
//	        ▼                ▼                ▼
//	   ┌─────────┐      ┌─────────┐      ┌─────────┐
//	   │us-west-2│      │eu-west-1│      │ap-se-1  │   one goroutine each
//	   └────┬────┘      └────┬────┘      └────┬────┘
//	        └────────────────┼────────────────┘
//	                         ▼
//	                 CompleteFanoutLog
//
// # Delivery Attempts
//
// One attempt opens a channel scoped to the region, publishes the message and
// tears the channel down. The engine enforces a hard per-attempt timeout even
// when a Broadcaster ignores its context. A failed attempt is retried with a
// fresh channel after attempt_index × base delay, up to a fixed number of
// attempts. Backoff is linear so that the total fanout time stays bounded.
//
//	pending ──► success
//	   │
//	   └──► failed ──(attempts < max, after backoff)──► pending
//	          │
//	          └──(attempts == max)──► terminal failure
//
// # Outcome
//
// Every target yields exactly one Delivery. Outcome.Success is true only when
// every target succeeded. Partial success is a normal result, not an error:
// callers inspect Deliveries to learn which regions are stale.
//
// # Transports
//
// RedisBroadcaster (pub/sub), AMQPBroadcaster (RabbitMQ fanout exchanges) and
// KafkaBroadcaster (per-region topics) implement Broadcaster. Messages are
// encoded by a Codec: JSON or MessagePack.
package fanout
