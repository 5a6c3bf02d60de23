// Package scheduler is the process-wide reconciler dispatcher. Each
// registered task names an entity kind, a cadence, and a handler; on every
// tick the dispatcher leases a batch of stale entity ids and runs the
// handler for each on a bounded worker pool.
//
// The lease is the only lock: an entity is processed by at most one handler
// at a time, and nothing orders handlers across entities. A handler that
// panics keeps its lease until the TTL expires, which is the retry path.
// All time flows through an injected clock so tests are hermetic.
package scheduler
