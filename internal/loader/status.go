package loader

import (
	"time"

	"bundled/pkg/types"
)

// Status builds a detailed status response for /status.
func (l *Loader) Status() types.StatusResponse {
	var resp types.StatusResponse
	l.call(func() {
		resp.Tasks = l.sched.Len()
		resp.TasksLoading = l.sched.Loading()
		resp.Concurrency = l.sched.Limit()
		resp.Bundles = make([]types.BundleStatus, 0, len(l.man.records))
		for _, name := range l.man.names() {
			r := l.man.get(name)
			busy := r.busy()
			if busy {
				resp.Busy = true
			}
			resp.Bundles = append(resp.Bundles, types.BundleStatus{
				Name:            r.entry.Name,
				Version:         r.entry.Version,
				Checksum:        r.entry.Checksum,
				Cached:          r.entry.Cached,
				TransportStatus: string(r.status),
				Pinned:          r.pinned,
				Busy:            busy,
				PendingOps:      r.ops.len() - r.ops.loadedCount(),
				LoadedOps:       r.ops.loadedCount(),
			})
		}
	})
	now := time.Now()
	resp.UptimeSeconds = int64(now.Sub(l.start).Seconds())
	resp.ServerTimeUnix = now.Unix()
	return resp
}

// Bundles lists the manifest records for GET /bundles.
func (l *Loader) Bundles() []types.ManifestEntry {
	var out []types.ManifestEntry
	l.call(func() {
		for _, name := range l.man.names() {
			out = append(out, l.man.get(name).entry)
		}
	})
	return out
}
