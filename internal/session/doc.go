// Package session implements the recording session controller: the state
// machine, the per-session capture buffer, and the session id allocator.
//
// The controller owns exactly one mutable session slot, Idle or Recording.
// Frame and action ingestion arrive from independent asynchronous contexts
// (the frame source delivers on its own goroutine, the action ticker on the
// main loop), and a user-driven toggle may fire concurrently with both. All
// gate checks and transitions are mediated by a single mutex so that:
//
//   - at most one session is Recording at any instant
//   - a sample arriving concurrently with a stop transition is classified
//     entirely before or entirely after the buffer freeze, never interleaved
//   - the buffer clear on start happens-before any accepted sample of the
//     new session
//
// Flushing a stopped session to artifacts happens OUTSIDE the mutex so
// ingestion is never stalled on I/O; a flushing flag rejects re-entrant
// toggles until the flush settles.
//
// Contract for callers:
//   - OnFrame/OnActionTick are safe from any goroutine and never block on I/O
//   - Toggle is safe from any goroutine; a toggle during a flush returns
//     ErrFlushInProgress and preserves the previous state
//   - FlushPending must be called exactly once during shutdown, before the
//     frame source is torn down; it waits for any stop-toggle flush still
//     draining before reconciling, so teardown never overlaps a save
package session
