package loader

import (
	"context"
	"errors"
	"fmt"
	"hash/crc32"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"bundled/internal/bundle"
	"bundled/internal/common/fsutil"
	"bundled/internal/origin"
	"bundled/pkg/types"
)

// Loader is the public entry point: it accepts asset requests, consults the
// manifest, drives bundle records through download/cache/load, and multiplexes
// results to every waiter of the same request shape.
type Loader struct {
	cfg Config
	log zerolog.Logger
	pub EventPublisher

	man   *resourceManifest
	sched *Scheduler

	ctx    context.Context
	cancel context.CancelFunc

	cmds chan func()
	// tick holds callbacks deferred by one scheduling tick; loop-confined.
	tick []func()
	quit chan struct{}
	done chan struct{}

	closeOnce sync.Once
	start     time.Time
}

// New builds a Loader and starts its event loop. cfg.Origin and cfg.Store
// must be wired by the caller.
func New(cfg Config) *Loader {
	cfg.applyDefaults()
	ctx, cancel := context.WithCancel(context.Background())
	l := &Loader{
		cfg:    cfg,
		log:    cfg.Logger,
		pub:    cfg.Publisher,
		ctx:    ctx,
		cancel: cancel,
		cmds:   make(chan func(), 1024),
		quit:   make(chan struct{}),
		done:   make(chan struct{}),
		start:  time.Now(),
	}
	l.man = newResourceManifest(cfg.Store, cfg.Logger)
	l.sched = NewScheduler(cfg.Concurrency, func(f func()) { l.post(f) })
	go l.run()
	return l
}

// Close stops the event loop and aborts in-flight fetches. Waiters of
// operations that never completed are dropped, not invoked.
func (l *Loader) Close() error {
	l.closeOnce.Do(func() {
		l.cancel()
		close(l.quit)
		<-l.done
	})
	return nil
}

func (l *Loader) run() {
	defer close(l.done)
	for {
		select {
		case f := <-l.cmds:
			f()
			l.drainTick()
		case <-l.quit:
			return
		}
	}
}

// post schedules f onto the event loop. Returns false after Close.
func (l *Loader) post(f func()) bool {
	select {
	case l.cmds <- f:
		return true
	case <-l.quit:
		return false
	}
}

// call runs f on the loop and waits for it. Must not be called from a
// loader callback; those already run on the loop.
func (l *Loader) call(f func()) bool {
	done := make(chan struct{})
	if !l.post(func() { f(); close(done) }) {
		return false
	}
	select {
	case <-done:
		return true
	case <-l.done:
		return false
	}
}

// deferTick queues f behind the current command, one scheduling tick later.
// Loop-confined.
func (l *Loader) deferTick(f func()) { l.tick = append(l.tick, f) }

func (l *Loader) drainTick() {
	for len(l.tick) > 0 {
		q := l.tick
		l.tick = nil
		for _, f := range q {
			f()
		}
	}
}

// Setup loads the local manifest and reconciles it against the remote index.
// The outcome callback always fires, asynchronously: success after
// reconcile+persist, timeout when the origin did not answer within the
// configured bound, failure otherwise. Prior manifest state is kept intact
// on failure.
func (l *Loader) Setup(cb func(types.Outcome)) {
	if cb == nil {
		cb = func(types.Outcome) {}
	}
	l.post(func() {
		if err := l.man.loadLocal(); err != nil {
			l.log.Warn().Err(err).Msg("load local manifest")
		}
		l.pub.Publish(Event{Name: "sync_start"})
		ctx, cancel := context.WithTimeout(l.ctx, l.cfg.FetchTimeout)
		go func() {
			remote, err := l.cfg.Origin.FetchIndex(ctx)
			cancel()
			l.post(func() {
				if err != nil {
					out := types.Outcome{Kind: types.OutcomeFailure, Err: err.Error()}
					if origin.IsTimeout(err) || errors.Is(err, context.DeadlineExceeded) {
						out.Kind = types.OutcomeTimeout
					}
					syncTotal.WithLabelValues(string(out.Kind)).Inc()
					l.pub.Publish(Event{Name: "sync_failed", Fields: map[string]any{"error": err.Error()}})
					l.log.Warn().Err(err).Msg("manifest sync failed")
					l.deferTick(func() { cb(out) })
					return
				}
				l.man.reconcile(remote)
				l.man.persist()
				syncTotal.WithLabelValues(string(types.OutcomeSuccess)).Inc()
				l.pub.Publish(Event{Name: "sync_done", Fields: map[string]any{"entries": len(remote)}})
				l.deferTick(func() { cb(types.Outcome{Kind: types.OutcomeSuccess}) })
			})
		}()
	})
}

// LoadSingleAsset resolves one named asset from the bundle. The callback
// receives nil when the bundle is unknown, the load fails, or the asset is
// absent from the container.
func (l *Loader) LoadSingleAsset(bundleName, assetName string, cb func(*types.Asset)) {
	l.request(bundleName, opKey{selector: assetName, kind: types.KindAsset}, func(res result) {
		if cb != nil {
			cb(res.asset)
		}
	})
}

// LoadAllAssets resolves every asset in the bundle.
func (l *Loader) LoadAllAssets(bundleName string, cb func([]types.Asset)) {
	l.request(bundleName, opKey{kind: types.KindAllAssets}, func(res result) {
		if cb != nil {
			cb(res.assets)
		}
	})
}

// LoadSubAssets resolves the sub-objects of one named asset.
func (l *Loader) LoadSubAssets(bundleName, assetName string, cb func([]types.Asset)) {
	l.request(bundleName, opKey{selector: assetName, kind: types.KindSubAssets}, func(res result) {
		if cb != nil {
			cb(res.assets)
		}
	})
}

// LoadScenePaths resolves the scene paths carried by the bundle.
func (l *Loader) LoadScenePaths(bundleName string, cb func([]string)) {
	l.request(bundleName, opKey{kind: types.KindScenePaths}, func(res result) {
		if cb != nil {
			cb(res.scenes)
		}
	})
}

// request joins an existing operation for the same shape or registers a new
// one and advances the owning record. Unknown bundles answer absent one tick
// later and create no state.
func (l *Loader) request(bundleName string, key opKey, w waiter) {
	l.post(func() {
		r := l.man.get(bundleName)
		if r == nil {
			l.deferTick(func() { w(result{}) })
			return
		}
		op := r.ops.find(key)
		if op == nil {
			op = &assetOperation{key: key, status: opPending, waiters: []waiter{w}}
			r.ops.add(op)
			l.advance(r)
			return
		}
		switch op.status {
		case opLoaded:
			res := op.res
			l.deferTick(func() { w(res) })
		default:
			op.waiters = append(op.waiters, w)
		}
	})
}

// advance performs exactly the next step for the record. It is idempotent:
// records with a step in flight, or loaded records with nothing pending, are
// left alone.
func (l *Loader) advance(r *bundleRecord) {
	if r.inflight {
		return
	}
	switch r.status {
	case types.TransportNeedsDownload:
		if r.ops.pendingCount() == 0 {
			return
		}
		l.startDownload(r)
	case types.TransportDownloaded:
		if r.ops.pendingCount() == 0 {
			return
		}
		l.startMaterialize(r)
	case types.TransportLoaded:
		l.startExtractions(r)
	}
}

// startDownload fetches the bundle bytes. In no-cache mode the container is
// decoded straight from the download buffer and the record skips the
// downloaded state; otherwise the bytes are written to the cache file and
// the manifest is persisted before the read step runs.
func (l *Loader) startDownload(r *bundleRecord) {
	r.inflight = true
	name := r.entry.Name

	var (
		sum  uint32
		cont bundle.Container
	)
	t := NewTask(func(done func(error)) {
		data, err := l.cfg.Origin.FetchBundle(l.ctx, name)
		if err != nil {
			done(err)
			return
		}
		sum = crc32.ChecksumIEEE(data)
		if l.cfg.NoCache {
			c, err := l.cfg.Opener(data)
			if err != nil {
				done(fmt.Errorf("decode %s: %w", name, err))
				return
			}
			cont = c
			done(nil)
			return
		}
		done(fsutil.WriteFileAtomic(l.cachePath(name), data, 0o644))
	})
	l.pub.Publish(Event{Name: "download_start", Bundle: name, Fields: map[string]any{"task": t.ID()}})
	downloadsTotal.Inc()
	t.onDone = func(err error) {
		r.inflight = false
		l.updateTaskMetrics()
		if err != nil {
			downloadFailuresTotal.Inc()
			l.stepFailed(r, "download", t.ID(), err)
			return
		}
		r.retries = 0
		r.entry.Checksum = sum
		l.pub.Publish(Event{Name: "download_done", Bundle: name, Fields: map[string]any{
			"checksum": sum,
			"task":     t.ID(),
		}})
		if l.cfg.NoCache {
			r.container = cont
			r.status = types.TransportLoaded
			l.advance(r)
			return
		}
		r.entry.Cached = true
		r.status = types.TransportDownloaded
		l.man.persist()
		l.advance(r)
	}
	l.submit(t)
}

// startMaterialize reads the cached bytes and decodes the container. A
// missing or corrupt cache file fails the attempt outright; the record never
// falls back to a re-download on its own.
func (l *Loader) startMaterialize(r *bundleRecord) {
	r.inflight = true
	name := r.entry.Name

	var cont bundle.Container
	t := NewTask(func(done func(error)) {
		data, err := os.ReadFile(l.cachePath(name))
		if err != nil {
			done(missingCacheFileError{name: name, err: err})
			return
		}
		c, err := l.cfg.Opener(data)
		if err != nil {
			done(missingCacheFileError{name: name, err: err})
			return
		}
		cont = c
		done(nil)
	})
	t.onDone = func(err error) {
		r.inflight = false
		l.updateTaskMetrics()
		if err != nil {
			l.stepFailed(r, "materialize", t.ID(), err)
			return
		}
		r.retries = 0
		r.container = cont
		r.status = types.TransportLoaded
		l.advance(r)
	}
	l.submit(t)
}

// startExtractions begins every pending asset operation against the loaded
// container. Completion stores the result exactly once and drains the
// waiters in the order they joined.
func (l *Loader) startExtractions(r *bundleRecord) {
	for _, op := range r.ops.all() {
		if op.status != opPending {
			continue
		}
		op.status = opLoading
		op := op
		cont := r.container
		go func() {
			res, err := extract(cont, op.key.kind, op.key.selector)
			l.post(func() {
				if err != nil {
					l.log.Warn().
						Str("bundle", r.entry.Name).
						Str("selector", op.key.selector).
						Str("kind", string(op.key.kind)).
						Err(err).
						Msg("asset extraction failed; answering absent")
					res = result{}
				}
				op.status = opLoaded
				op.res = res
				materializationsTotal.Inc()
				l.pub.Publish(Event{Name: "materialize_done", Bundle: r.entry.Name, Fields: map[string]any{
					"selector": op.key.selector,
					"kind":     string(op.key.kind),
				}})
				ws := op.waiters
				op.waiters = nil
				for _, w := range ws {
					w(op.res)
				}
				l.maybeRecycle(r)
			})
		}()
	}
}

func extract(c bundle.Container, kind types.ResultKind, selector string) (result, error) {
	switch kind {
	case types.KindAsset:
		a, err := c.Asset(selector)
		return result{asset: a}, err
	case types.KindAllAssets:
		as, err := c.Assets()
		return result{assets: as}, err
	case types.KindSubAssets:
		as, err := c.SubAssets(selector)
		return result{assets: as}, err
	case types.KindScenePaths:
		ps, err := c.ScenePaths()
		return result{scenes: ps}, err
	default:
		return result{}, fmt.Errorf("unknown result kind %q", kind)
	}
}

// stepFailed applies the retry policy for a failed transport step. Missing
// cache files are fatal for the attempt; other failures are resubmitted up
// to MaxRetries times. When retries run out, every pending operation is
// answered with an absent result so no caller is left hanging.
func (l *Loader) stepFailed(r *bundleRecord, step, taskID string, err error) {
	l.pub.Publish(Event{Name: step + "_failed", Bundle: r.entry.Name, Fields: map[string]any{
		"error": err.Error(),
		"task":  taskID,
	}})
	l.log.Warn().
		Str("bundle", r.entry.Name).
		Str("step", step).
		Str("task", taskID).
		Err(err).
		Msg("transport step failed")
	if !IsMissingCacheFile(err) && r.retries < l.cfg.MaxRetries {
		r.retries++
		l.advance(r)
		return
	}
	r.retries = 0
	for _, op := range r.ops.takePending() {
		ws := op.waiters
		op.waiters = nil
		for _, w := range ws {
			w := w
			l.deferTick(func() { w(result{}) })
		}
	}
	l.maybeRecycle(r)
}

// maybeRecycle applies a staged version bump once the record has no work in
// flight: payload released, operations cleared, back to needs_download at
// the new version.
func (l *Loader) maybeRecycle(r *bundleRecord) {
	if !r.stale || r.busy() {
		return
	}
	r.release()
	l.man.persist()
	l.pub.Publish(Event{Name: "version_recycle", Bundle: r.entry.Name, Fields: map[string]any{"version": r.entry.Version}})
}

// SetPinned flags a bundle to ignore unload requests. Unknown names are a
// no-op.
func (l *Loader) SetPinned(bundleName string, pinned bool) {
	l.post(func() {
		if r := l.man.get(bundleName); r != nil {
			r.pinned = pinned
		}
	})
}

// Unload releases one bundle's payload and clears its operations, resetting
// the record to needs_download. Pinned, busy, and unknown records are left
// untouched and reported via a typed error.
func (l *Loader) Unload(bundleName string) error {
	var err error
	if !l.call(func() { err = l.unload(bundleName) }) {
		return fmt.Errorf("loader closed")
	}
	return err
}

func (l *Loader) unload(bundleName string) error {
	r := l.man.get(bundleName)
	if r == nil {
		return ErrUnknownBundle(bundleName)
	}
	if r.pinned {
		l.pub.Publish(Event{Name: "unload_refused", Bundle: bundleName, Fields: map[string]any{"reason": "pinned"}})
		return ErrBundlePinned(bundleName)
	}
	if r.busy() {
		l.pub.Publish(Event{Name: "unload_refused", Bundle: bundleName, Fields: map[string]any{"reason": "busy"}})
		return ErrBundleBusy(bundleName)
	}
	r.release()
	unloadsTotal.Inc()
	l.pub.Publish(Event{Name: "unload_done", Bundle: bundleName})
	return nil
}

// UnloadAll unloads every record that is neither pinned nor busy.
func (l *Loader) UnloadAll() {
	l.post(func() {
		for _, name := range l.man.names() {
			_ = l.unload(name)
		}
	})
}

// Busy reports whether the named bundle has in-flight work. Unknown names
// are not busy.
func (l *Loader) Busy(bundleName string) bool {
	var busy bool
	l.call(func() {
		if r := l.man.get(bundleName); r != nil {
			busy = r.busy()
		}
	})
	return busy
}

// BusyAny reports whether any bundle has in-flight work.
func (l *Loader) BusyAny() bool {
	var busy bool
	l.call(func() {
		for _, r := range l.man.records {
			if r.busy() {
				busy = true
				return
			}
		}
	})
	return busy
}

// LoadedSingleAsset returns the already-loaded result for the request shape,
// or nil when it has not completed.
func (l *Loader) LoadedSingleAsset(bundleName, assetName string) *types.Asset {
	var out *types.Asset
	l.call(func() {
		if res, ok := l.loadedResult(bundleName, opKey{selector: assetName, kind: types.KindAsset}); ok {
			out = res.asset
		}
	})
	return out
}

// LoadedAllAssets mirrors LoadAllAssets synchronously.
func (l *Loader) LoadedAllAssets(bundleName string) []types.Asset {
	var out []types.Asset
	l.call(func() {
		if res, ok := l.loadedResult(bundleName, opKey{kind: types.KindAllAssets}); ok {
			out = res.assets
		}
	})
	return out
}

// LoadedSubAssets mirrors LoadSubAssets synchronously.
func (l *Loader) LoadedSubAssets(bundleName, assetName string) []types.Asset {
	var out []types.Asset
	l.call(func() {
		if res, ok := l.loadedResult(bundleName, opKey{selector: assetName, kind: types.KindSubAssets}); ok {
			out = res.assets
		}
	})
	return out
}

// LoadedScenePaths mirrors LoadScenePaths synchronously.
func (l *Loader) LoadedScenePaths(bundleName string) []string {
	var out []string
	l.call(func() {
		if res, ok := l.loadedResult(bundleName, opKey{kind: types.KindScenePaths}); ok {
			out = res.scenes
		}
	})
	return out
}

func (l *Loader) loadedResult(bundleName string, key opKey) (result, bool) {
	r := l.man.get(bundleName)
	if r == nil {
		return result{}, false
	}
	op := r.ops.find(key)
	if op == nil || op.status != opLoaded {
		return result{}, false
	}
	return op.res, true
}

// SubmitTask queues t and immediately pumps the scheduler.
func (l *Loader) SubmitTask(t *Task) {
	l.post(func() {
		l.sched.Submit(t)
		l.sched.Pump()
		l.updateTaskMetrics()
	})
}

// Pump admits pending tasks up to the concurrency cap.
func (l *Loader) Pump() {
	l.post(func() {
		l.sched.Pump()
		l.updateTaskMetrics()
	})
}

// TaskCount returns the number of submitted, not yet completed tasks.
func (l *Loader) TaskCount() int {
	var n int
	l.call(func() { n = l.sched.Len() })
	return n
}

// ClearTasks drops all queue bookkeeping. Running tasks are not cancelled.
func (l *Loader) ClearTasks() {
	l.post(func() {
		l.sched.Clear()
		l.updateTaskMetrics()
	})
}

// submit wires a loader-internal task into the scheduler. Loop-confined.
func (l *Loader) submit(t *Task) {
	l.log.Debug().Str("task", t.ID()).Msg("load task submitted")
	l.sched.Submit(t)
	l.sched.Pump()
	l.updateTaskMetrics()
}

func (l *Loader) updateTaskMetrics() {
	schedulerTasks.Set(float64(l.sched.Len()))
	schedulerLoading.Set(float64(l.sched.Loading()))
}

func (l *Loader) cachePath(name string) string {
	return filepath.Join(l.cfg.CacheDir, name)
}
