// Package loader owns retrieval, caching, and in-memory materialization of
// versioned bundles and the assets inside them. It is structured into small
// files by concern:
//
//   - loader.go: core Loader type, event loop, and the public request API.
//   - config.go: Config and package defaults; New applies defaults.
//   - record.go: per-bundle state machine (download -> cache -> load).
//   - ops.go: per-bundle asset-operation cache and waiter multiplexing.
//   - scheduler.go: bounded-concurrency FIFO task scheduler.
//   - manifest.go: in-memory manifest, remote reconciliation, persistence.
//   - errors.go: error types and helpers (IsUnknownBundle, IsBundleBusy, ...).
//   - events.go: event publisher seam; eventpub_memory.go holds the
//     in-memory publisher used by tests.
//   - status.go: status snapshot for the HTTP layer.
//   - metrics.go: prometheus collectors.
//
// All mutable state (manifest map, records, operation caches, scheduler
// bookkeeping) is owned by a single event-loop goroutine. External work
// (network fetch, disk IO, container decoding, asset extraction) runs on
// worker goroutines that post their completions back onto the loop, so the
// data model itself needs no locks. Callbacks handed to the Load* methods
// always fire asynchronously, including when the answer is already in
// memory; they run on the loop goroutine and must not call the Loader's
// synchronous accessors.
package loader
