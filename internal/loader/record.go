package loader

import (
	"bundled/internal/bundle"
	"bundled/pkg/types"
)

// bundleRecord is the runtime state of one manifest entry: its transport
// pipeline position plus the operations in flight against it.
type bundleRecord struct {
	entry  types.ManifestEntry
	status types.TransportStatus
	pinned bool
	// inflight is true while a download or materialize step is outstanding.
	inflight bool
	retries  int
	// stale marks a remote version bump observed while the record was busy;
	// the forced recycle is applied at the next busy()-safe moment.
	stale         bool
	staleVersion  uint32
	staleChecksum uint32
	container     bundle.Container
	ops           *opCache
}

func newBundleRecord(e types.ManifestEntry) *bundleRecord {
	status := types.TransportNeedsDownload
	if e.Cached {
		status = types.TransportDownloaded
	}
	return &bundleRecord{entry: e, status: status, ops: newOpCache()}
}

// busy reports whether a transport step or any asset extraction is in
// flight. Unload and forced version recycles are refused while busy; this is
// what prevents tearing down a payload that still has outstanding work.
func (r *bundleRecord) busy() bool {
	return r.inflight || r.ops.anyLoading()
}

// release drops the in-memory payload and all operations and resets the
// record to needs_download. A staged version bump is applied here, which
// also invalidates the cached bytes.
func (r *bundleRecord) release() {
	if r.container != nil {
		_ = r.container.Close()
		r.container = nil
	}
	r.ops.clear()
	r.status = types.TransportNeedsDownload
	r.retries = 0
	if r.stale {
		r.entry.Version = r.staleVersion
		r.entry.Checksum = r.staleChecksum
		r.entry.Cached = false
		r.stale = false
	}
}
