package loader

import (
	"archive/zip"
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"bundled/internal/manifest"
	"bundled/pkg/types"
)

const testWait = 3 * time.Second

// fakeOrigin is an in-memory origin.Client with per-bundle scripted failures
// and an optional gate that holds bundle fetches open.
type fakeOrigin struct {
	mu        sync.Mutex
	index     []types.RemoteEntry
	indexErr  error
	indexHang bool
	bundles   map[string][]byte
	fetchErrs map[string][]error
	fetches   map[string]int
	gate      chan struct{}
}

func newFakeOrigin() *fakeOrigin {
	return &fakeOrigin{
		bundles:   make(map[string][]byte),
		fetchErrs: make(map[string][]error),
		fetches:   make(map[string]int),
	}
}

func (o *fakeOrigin) FetchIndex(ctx context.Context) ([]types.RemoteEntry, error) {
	o.mu.Lock()
	hang, err, idx := o.indexHang, o.indexErr, append([]types.RemoteEntry(nil), o.index...)
	o.mu.Unlock()
	if hang {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	if err != nil {
		return nil, err
	}
	return idx, nil
}

func (o *fakeOrigin) FetchBundle(ctx context.Context, name string) ([]byte, error) {
	o.mu.Lock()
	o.fetches[name]++
	gate := o.gate
	var scripted error
	if errs := o.fetchErrs[name]; len(errs) > 0 {
		scripted = errs[0]
		o.fetchErrs[name] = errs[1:]
	}
	data, ok := o.bundles[name]
	o.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if scripted != nil {
		return nil, scripted
	}
	if !ok {
		return nil, fmt.Errorf("no such bundle %q", name)
	}
	return data, nil
}

func (o *fakeOrigin) setIndex(entries ...types.RemoteEntry) {
	o.mu.Lock()
	o.index = entries
	o.mu.Unlock()
}

func (o *fakeOrigin) fetchCount(name string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.fetches[name]
}

// zipImage builds a container image from top-level assets, sub-assets keyed
// as "asset/sub", and scene paths.
func zipImage(t *testing.T, assets map[string][]byte, scenes []string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	names := make([]string, 0, len(assets))
	for n := range assets {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		w, err := zw.Create(n)
		if err != nil {
			t.Fatalf("zip create %s: %v", n, err)
		}
		if _, err := w.Write(assets[n]); err != nil {
			t.Fatalf("zip write %s: %v", n, err)
		}
	}
	if scenes != nil {
		w, err := zw.Create("_scenes.txt")
		if err != nil {
			t.Fatalf("zip create scenes: %v", err)
		}
		if _, err := w.Write([]byte(strings.Join(scenes, "\n"))); err != nil {
			t.Fatalf("zip write scenes: %v", err)
		}
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("zip close: %v", err)
	}
	return buf.Bytes()
}

type testEnv struct {
	ldr       *Loader
	origin    *fakeOrigin
	pub       *MemoryPublisher
	cacheDir  string
	storePath string
}

func newTestEnv(t *testing.T, mutate func(*Config)) *testEnv {
	t.Helper()
	dir := t.TempDir()
	env := &testEnv{
		origin:    newFakeOrigin(),
		pub:       NewMemoryPublisher(),
		cacheDir:  filepath.Join(dir, "bundles"),
		storePath: filepath.Join(dir, "manifest.bin"),
	}
	cfg := Config{
		Origin:       env.origin,
		Store:        manifest.NewStore(env.storePath, zerolog.Nop()),
		CacheDir:     env.cacheDir,
		Concurrency:  4,
		MaxRetries:   2,
		FetchTimeout: time.Second,
		Publisher:    env.pub,
		Logger:       zerolog.Nop(),
	}
	if mutate != nil {
		mutate(&cfg)
	}
	env.ldr = New(cfg)
	t.Cleanup(func() { _ = env.ldr.Close() })
	return env
}

func (e *testEnv) setup(t *testing.T) types.Outcome {
	t.Helper()
	ch := make(chan types.Outcome, 1)
	e.ldr.Setup(func(out types.Outcome) { ch <- out })
	select {
	case out := <-ch:
		return out
	case <-time.After(testWait):
		t.Fatalf("setup callback never fired")
		return types.Outcome{}
	}
}

func (e *testEnv) mustSetup(t *testing.T) {
	t.Helper()
	if out := e.setup(t); !out.OK() {
		t.Fatalf("setup outcome = %+v", out)
	}
}

func (e *testEnv) bundleStatus(t *testing.T, name string) types.BundleStatus {
	t.Helper()
	for _, b := range e.ldr.Status().Bundles {
		if b.Name == name {
			return b
		}
	}
	t.Fatalf("bundle %q not in status", name)
	return types.BundleStatus{}
}

func (e *testEnv) eventCount(name, bundleName string) int {
	n := 0
	for _, ev := range e.pub.Events() {
		if ev.Name == name && ev.Bundle == bundleName {
			n++
		}
	}
	return n
}

// eventField returns the named field of the first matching event.
func (e *testEnv) eventField(t *testing.T, name, bundleName, field string) any {
	t.Helper()
	for _, ev := range e.pub.Events() {
		if ev.Name == name && ev.Bundle == bundleName {
			return ev.Fields[field]
		}
	}
	t.Fatalf("no %s event for %s", name, bundleName)
	return nil
}

func waitAsset(t *testing.T, ch chan *types.Asset) *types.Asset {
	t.Helper()
	select {
	case a := <-ch:
		return a
	case <-time.After(testWait):
		t.Fatalf("asset callback never fired")
		return nil
	}
}

func TestSetup_PopulatesAndPersistsManifest(t *testing.T) {
	env := newTestEnv(t, nil)
	env.origin.setIndex(
		types.RemoteEntry{Name: "world", Version: 1, Checksum: 0x11},
		types.RemoteEntry{Name: "props", Version: 2, Checksum: 0x22},
	)
	env.mustSetup(t)

	got := env.ldr.Bundles()
	if len(got) != 2 || got[0].Name != "props" || got[1].Name != "world" {
		t.Fatalf("bundles = %+v", got)
	}
	if got[1].Version != 1 || got[1].Cached {
		t.Fatalf("world entry = %+v", got[1])
	}

	persisted, err := manifest.NewStore(env.storePath, zerolog.Nop()).Load()
	if err != nil {
		t.Fatalf("load persisted: %v", err)
	}
	if len(persisted) != 2 {
		t.Fatalf("persisted = %+v", persisted)
	}
}

func TestSetup_FailureKeepsPriorState(t *testing.T) {
	env := newTestEnv(t, nil)
	env.origin.setIndex(types.RemoteEntry{Name: "world", Version: 1})
	env.mustSetup(t)

	env.origin.mu.Lock()
	env.origin.indexErr = errors.New("origin down")
	env.origin.mu.Unlock()

	out := env.setup(t)
	if out.Kind != types.OutcomeFailure {
		t.Fatalf("outcome = %+v, want failure", out)
	}
	if got := env.ldr.Bundles(); len(got) != 1 || got[0].Name != "world" {
		t.Fatalf("prior manifest lost: %+v", got)
	}
}

func TestSetup_TimeoutOutcome(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) { cfg.FetchTimeout = 50 * time.Millisecond })
	env.origin.mu.Lock()
	env.origin.indexHang = true
	env.origin.mu.Unlock()

	out := env.setup(t)
	if out.Kind != types.OutcomeTimeout {
		t.Fatalf("outcome = %+v, want timeout", out)
	}
}

func TestLoadSingleAsset_FullPipeline(t *testing.T) {
	env := newTestEnv(t, nil)
	img := zipImage(t, map[string][]byte{"hero": []byte("hero-bytes")}, nil)
	env.origin.bundles["world"] = img
	env.origin.setIndex(types.RemoteEntry{Name: "world", Version: 1})
	env.mustSetup(t)

	ch := make(chan *types.Asset, 1)
	env.ldr.LoadSingleAsset("world", "hero", func(a *types.Asset) { ch <- a })
	a := waitAsset(t, ch)
	if a == nil || a.Name != "hero" || string(a.Data) != "hero-bytes" {
		t.Fatalf("asset = %+v", a)
	}

	if _, err := os.Stat(filepath.Join(env.cacheDir, "world")); err != nil {
		t.Fatalf("cache file not written: %v", err)
	}
	st := env.bundleStatus(t, "world")
	if st.TransportStatus != string(types.TransportLoaded) || !st.Cached {
		t.Fatalf("status = %+v", st)
	}
	persisted, err := manifest.NewStore(env.storePath, zerolog.Nop()).Load()
	if err != nil || len(persisted) != 1 || !persisted[0].Cached {
		t.Fatalf("persisted = %+v err = %v", persisted, err)
	}
	for _, name := range []string{"download_start", "download_done", "materialize_done"} {
		if env.eventCount(name, "world") != 1 {
			t.Fatalf("expected one %s event, got %d", name, env.eventCount(name, "world"))
		}
	}

	// the download events are correlated by the task that carried them out
	startID, _ := env.eventField(t, "download_start", "world", "task").(string)
	doneID, _ := env.eventField(t, "download_done", "world", "task").(string)
	if startID == "" || startID != doneID {
		t.Fatalf("task id not threaded through download events: start=%q done=%q", startID, doneID)
	}
}

func TestLoad_UnknownBundleAnswersAbsent(t *testing.T) {
	env := newTestEnv(t, nil)
	env.origin.setIndex(types.RemoteEntry{Name: "world", Version: 1})
	env.mustSetup(t)

	ch := make(chan *types.Asset, 1)
	env.ldr.LoadSingleAsset("ghost", "hero", func(a *types.Asset) { ch <- a })
	if a := waitAsset(t, ch); a != nil {
		t.Fatalf("unknown bundle answered %+v", a)
	}
	if env.origin.fetchCount("ghost") != 0 {
		t.Fatalf("unknown bundle must not be fetched")
	}
	if len(env.ldr.Bundles()) != 1 {
		t.Fatalf("unknown bundle created manifest state")
	}
}

func TestLoad_CoalescesIdenticalRequests(t *testing.T) {
	env := newTestEnv(t, nil)
	img := zipImage(t, map[string][]byte{"hero": []byte("x")}, nil)
	env.origin.bundles["world"] = img
	env.origin.setIndex(types.RemoteEntry{Name: "world", Version: 1})
	gate := make(chan struct{})
	env.origin.gate = gate
	env.mustSetup(t)

	const n = 3
	ch := make(chan *types.Asset, n)
	for i := 0; i < n; i++ {
		env.ldr.LoadSingleAsset("world", "hero", func(a *types.Asset) { ch <- a })
	}
	close(gate)

	var got []*types.Asset
	for i := 0; i < n; i++ {
		got = append(got, waitAsset(t, ch))
	}
	for i, a := range got {
		if a == nil || a.Name != "hero" {
			t.Fatalf("waiter %d got %+v", i, a)
		}
	}
	if env.origin.fetchCount("world") != 1 {
		t.Fatalf("coalesced requests fetched %d times", env.origin.fetchCount("world"))
	}
	if env.eventCount("materialize_done", "world") != 1 {
		t.Fatalf("expected a single extraction, got %d", env.eventCount("materialize_done", "world"))
	}
}

func TestLoadedAccessors_ReturnStableResults(t *testing.T) {
	env := newTestEnv(t, nil)
	img := zipImage(t, map[string][]byte{
		"hero":     []byte("h"),
		"props":    []byte("p"),
		"hero/arm": []byte("a"),
		"hero/leg": []byte("l"),
	}, []string{"scenes/town", "scenes/cave"})
	env.origin.bundles["world"] = img
	env.origin.setIndex(types.RemoteEntry{Name: "world", Version: 1})
	env.mustSetup(t)

	if env.ldr.LoadedSingleAsset("world", "hero") != nil {
		t.Fatalf("accessor answered before any load completed")
	}

	aCh := make(chan *types.Asset, 1)
	allCh := make(chan []types.Asset, 1)
	subCh := make(chan []types.Asset, 1)
	scCh := make(chan []string, 1)
	env.ldr.LoadSingleAsset("world", "hero", func(a *types.Asset) { aCh <- a })
	env.ldr.LoadAllAssets("world", func(as []types.Asset) { allCh <- as })
	env.ldr.LoadSubAssets("world", "hero", func(as []types.Asset) { subCh <- as })
	env.ldr.LoadScenePaths("world", func(ps []string) { scCh <- ps })

	waitAsset(t, aCh)
	all := <-allCh
	sub := <-subCh
	scenes := <-scCh

	if len(all) != 2 || all[0].Name != "hero" || all[1].Name != "props" {
		t.Fatalf("all assets = %+v", all)
	}
	if len(sub) != 2 || sub[0].Name != "arm" || sub[1].Name != "leg" {
		t.Fatalf("sub-assets = %+v", sub)
	}
	if len(scenes) != 2 || scenes[0] != "scenes/town" {
		t.Fatalf("scenes = %v", scenes)
	}

	first := env.ldr.LoadedSingleAsset("world", "hero")
	second := env.ldr.LoadedSingleAsset("world", "hero")
	if first == nil || first != second {
		t.Fatalf("loaded result not stable: %p vs %p", first, second)
	}
	if got := env.ldr.LoadedScenePaths("world"); len(got) != 2 {
		t.Fatalf("loaded scenes = %v", got)
	}
	if got := env.ldr.LoadedSubAssets("world", "hero"); len(got) != 2 {
		t.Fatalf("loaded sub-assets = %v", got)
	}
	if got := env.ldr.LoadedAllAssets("world"); len(got) != 2 {
		t.Fatalf("loaded all = %v", got)
	}
}

func TestLoadAllAssets_EmptyBundleAnswersPresent(t *testing.T) {
	env := newTestEnv(t, nil)
	img := zipImage(t, map[string][]byte{"dir/sub": []byte("s")}, []string{"scenes/town"})
	env.origin.bundles["empty"] = img
	env.origin.setIndex(types.RemoteEntry{Name: "empty", Version: 1})
	env.mustSetup(t)

	ch := make(chan []types.Asset, 1)
	env.ldr.LoadAllAssets("empty", func(as []types.Asset) { ch <- as })
	select {
	case as := <-ch:
		if as == nil {
			t.Fatalf("known empty bundle answered absent")
		}
		if len(as) != 0 {
			t.Fatalf("expected no top-level assets, got %+v", as)
		}
	case <-time.After(testWait):
		t.Fatalf("callback never fired")
	}
}

func TestUnload_Lifecycle(t *testing.T) {
	env := newTestEnv(t, nil)
	img := zipImage(t, map[string][]byte{"hero": []byte("x")}, nil)
	env.origin.bundles["world"] = img
	env.origin.setIndex(types.RemoteEntry{Name: "world", Version: 1})
	env.mustSetup(t)

	if err := env.ldr.Unload("ghost"); !IsUnknownBundle(err) {
		t.Fatalf("unload unknown = %v", err)
	}

	ch := make(chan *types.Asset, 1)
	env.ldr.LoadSingleAsset("world", "hero", func(a *types.Asset) { ch <- a })
	waitAsset(t, ch)

	env.ldr.SetPinned("world", true)
	if err := env.ldr.Unload("world"); !IsBundlePinned(err) {
		t.Fatalf("unload pinned = %v", err)
	}
	env.ldr.SetPinned("world", false)
	if err := env.ldr.Unload("world"); err != nil {
		t.Fatalf("unload: %v", err)
	}
	st := env.bundleStatus(t, "world")
	if st.TransportStatus != string(types.TransportNeedsDownload) {
		t.Fatalf("unloaded status = %s", st.TransportStatus)
	}
	if env.eventCount("unload_done", "world") != 1 {
		t.Fatalf("missing unload_done event")
	}

	if env.ldr.LoadedSingleAsset("world", "hero") != nil {
		t.Fatalf("unload kept operation results")
	}
}

func TestUnload_RefusedWhileBusy(t *testing.T) {
	env := newTestEnv(t, nil)
	img := zipImage(t, map[string][]byte{"hero": []byte("x")}, nil)
	env.origin.bundles["world"] = img
	env.origin.setIndex(types.RemoteEntry{Name: "world", Version: 1})
	gate := make(chan struct{})
	env.origin.gate = gate
	env.mustSetup(t)

	ch := make(chan *types.Asset, 1)
	env.ldr.LoadSingleAsset("world", "hero", func(a *types.Asset) { ch <- a })

	deadline := time.Now().Add(testWait)
	for !env.ldr.Busy("world") {
		if time.Now().After(deadline) {
			t.Fatalf("bundle never became busy")
		}
		time.Sleep(5 * time.Millisecond)
	}
	if err := env.ldr.Unload("world"); !IsBundleBusy(err) {
		t.Fatalf("unload while busy = %v", err)
	}
	if !env.ldr.BusyAny() {
		t.Fatalf("BusyAny false while a fetch is held open")
	}

	close(gate)
	waitAsset(t, ch)
	if err := env.ldr.Unload("world"); err != nil {
		t.Fatalf("unload after quiesce: %v", err)
	}
}

func TestVersionBump_ForcesRedownload(t *testing.T) {
	env := newTestEnv(t, nil)
	v1 := zipImage(t, map[string][]byte{"hero": []byte("old")}, nil)
	env.origin.bundles["world"] = v1
	env.origin.setIndex(types.RemoteEntry{Name: "world", Version: 1})
	env.mustSetup(t)

	ch := make(chan *types.Asset, 1)
	env.ldr.LoadSingleAsset("world", "hero", func(a *types.Asset) { ch <- a })
	waitAsset(t, ch)

	v2 := zipImage(t, map[string][]byte{"hero": []byte("new")}, nil)
	env.origin.mu.Lock()
	env.origin.bundles["world"] = v2
	env.origin.mu.Unlock()
	env.origin.setIndex(types.RemoteEntry{Name: "world", Version: 2})
	env.mustSetup(t)

	st := env.bundleStatus(t, "world")
	if st.TransportStatus != string(types.TransportNeedsDownload) || st.Version != 2 || st.Cached {
		t.Fatalf("post-bump status = %+v", st)
	}

	ch2 := make(chan *types.Asset, 1)
	env.ldr.LoadSingleAsset("world", "hero", func(a *types.Asset) { ch2 <- a })
	a := waitAsset(t, ch2)
	if a == nil || string(a.Data) != "new" {
		t.Fatalf("asset after bump = %+v", a)
	}
	if env.origin.fetchCount("world") != 2 {
		t.Fatalf("version bump did not force a re-download, fetches = %d", env.origin.fetchCount("world"))
	}
}

func TestVersionBump_EqualVersionStaysLoaded(t *testing.T) {
	env := newTestEnv(t, nil)
	img := zipImage(t, map[string][]byte{"hero": []byte("x")}, nil)
	env.origin.bundles["world"] = img
	env.origin.setIndex(types.RemoteEntry{Name: "world", Version: 1, Checksum: 0x11})
	env.mustSetup(t)

	ch := make(chan *types.Asset, 1)
	env.ldr.LoadSingleAsset("world", "hero", func(a *types.Asset) { ch <- a })
	waitAsset(t, ch)

	env.origin.setIndex(types.RemoteEntry{Name: "world", Version: 1, Checksum: 0x99})
	env.mustSetup(t)

	st := env.bundleStatus(t, "world")
	if st.TransportStatus != string(types.TransportLoaded) {
		t.Fatalf("equal version disturbed the record: %+v", st)
	}
	if env.origin.fetchCount("world") != 1 {
		t.Fatalf("equal version re-fetched")
	}
}

func TestVersionBump_DeferredWhileBusy(t *testing.T) {
	env := newTestEnv(t, nil)
	img := zipImage(t, map[string][]byte{"hero": []byte("x")}, nil)
	env.origin.bundles["world"] = img
	env.origin.setIndex(types.RemoteEntry{Name: "world", Version: 1})
	gate := make(chan struct{})
	env.origin.gate = gate
	env.mustSetup(t)

	ch := make(chan *types.Asset, 1)
	env.ldr.LoadSingleAsset("world", "hero", func(a *types.Asset) { ch <- a })
	deadline := time.Now().Add(testWait)
	for !env.ldr.Busy("world") {
		if time.Now().After(deadline) {
			t.Fatalf("bundle never became busy")
		}
		time.Sleep(5 * time.Millisecond)
	}

	env.origin.setIndex(types.RemoteEntry{Name: "world", Version: 2})
	env.mustSetup(t)

	// the bump is staged; the in-flight request still completes at v1
	st := env.bundleStatus(t, "world")
	if st.Version != 1 {
		t.Fatalf("staged bump applied while busy: %+v", st)
	}

	close(gate)
	if a := waitAsset(t, ch); a == nil {
		t.Fatalf("in-flight request lost to the staged bump")
	}

	deadline = time.Now().Add(testWait)
	for {
		st = env.bundleStatus(t, "world")
		if st.Version == 2 && st.TransportStatus == string(types.TransportNeedsDownload) {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("staged bump never landed: %+v", st)
		}
		time.Sleep(5 * time.Millisecond)
	}
	if env.eventCount("version_recycle", "world") != 1 {
		t.Fatalf("missing version_recycle event")
	}
}

func TestMissingCacheFile_IsFatalForAttempt(t *testing.T) {
	env := newTestEnv(t, nil)
	// persisted state claims cached bytes that are not on disk
	store := manifest.NewStore(env.storePath, zerolog.Nop())
	if err := store.Save([]types.ManifestEntry{{Name: "world", Version: 1, Cached: true}}); err != nil {
		t.Fatalf("seed store: %v", err)
	}
	env.origin.setIndex(types.RemoteEntry{Name: "world", Version: 1})
	env.mustSetup(t)

	if st := env.bundleStatus(t, "world"); st.TransportStatus != string(types.TransportDownloaded) {
		t.Fatalf("cached entry should resume at downloaded: %+v", st)
	}

	ch := make(chan *types.Asset, 1)
	env.ldr.LoadSingleAsset("world", "hero", func(a *types.Asset) { ch <- a })
	if a := waitAsset(t, ch); a != nil {
		t.Fatalf("missing cache file answered %+v", a)
	}
	if env.origin.fetchCount("world") != 0 {
		t.Fatalf("missing cache file must not fall back to a re-download")
	}
	if env.eventCount("materialize_failed", "world") != 1 {
		t.Fatalf("missing materialize_failed event")
	}
}

func TestRetry_SucceedsAfterTransientFailure(t *testing.T) {
	env := newTestEnv(t, nil)
	img := zipImage(t, map[string][]byte{"hero": []byte("x")}, nil)
	env.origin.bundles["world"] = img
	env.origin.fetchErrs["world"] = []error{errors.New("flaky network")}
	env.origin.setIndex(types.RemoteEntry{Name: "world", Version: 1})
	env.mustSetup(t)

	ch := make(chan *types.Asset, 1)
	env.ldr.LoadSingleAsset("world", "hero", func(a *types.Asset) { ch <- a })
	a := waitAsset(t, ch)
	if a == nil || a.Name != "hero" {
		t.Fatalf("asset = %+v", a)
	}
	if env.origin.fetchCount("world") != 2 {
		t.Fatalf("expected one retry, fetches = %d", env.origin.fetchCount("world"))
	}
	if env.eventCount("download_failed", "world") != 1 {
		t.Fatalf("missing download_failed event")
	}
	if id, _ := env.eventField(t, "download_failed", "world", "task").(string); id == "" {
		t.Fatalf("download_failed event missing its task id")
	}
}

func TestRetry_ExhaustionAnswersAbsent(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) { cfg.MaxRetries = 1 })
	img := zipImage(t, map[string][]byte{"hero": []byte("x")}, nil)
	env.origin.bundles["world"] = img
	env.origin.fetchErrs["world"] = []error{
		errors.New("down"), errors.New("down"), errors.New("down"),
	}
	env.origin.setIndex(types.RemoteEntry{Name: "world", Version: 1})
	env.mustSetup(t)

	ch := make(chan *types.Asset, 1)
	env.ldr.LoadSingleAsset("world", "hero", func(a *types.Asset) { ch <- a })
	if a := waitAsset(t, ch); a != nil {
		t.Fatalf("exhausted retries answered %+v", a)
	}
	if env.origin.fetchCount("world") != 2 {
		t.Fatalf("fetches = %d, want initial attempt plus one retry", env.origin.fetchCount("world"))
	}

	// the failed operation is gone; a later request starts fresh and succeeds
	ch2 := make(chan *types.Asset, 1)
	env.ldr.LoadSingleAsset("world", "hero", func(a *types.Asset) { ch2 <- a })
	if a := waitAsset(t, ch2); a == nil || a.Name != "hero" {
		t.Fatalf("retry after exhaustion = %+v", a)
	}
}

func TestUnloadAll_SkipsPinned(t *testing.T) {
	env := newTestEnv(t, nil)
	img := zipImage(t, map[string][]byte{"hero": []byte("x")}, nil)
	env.origin.bundles["world"] = img
	env.origin.bundles["props"] = img
	env.origin.setIndex(
		types.RemoteEntry{Name: "world", Version: 1},
		types.RemoteEntry{Name: "props", Version: 1},
	)
	env.mustSetup(t)

	for _, name := range []string{"world", "props"} {
		ch := make(chan *types.Asset, 1)
		env.ldr.LoadSingleAsset(name, "hero", func(a *types.Asset) { ch <- a })
		waitAsset(t, ch)
	}
	env.ldr.SetPinned("props", true)
	env.ldr.UnloadAll()

	if st := env.bundleStatus(t, "world"); st.TransportStatus != string(types.TransportNeedsDownload) {
		t.Fatalf("world not unloaded: %+v", st)
	}
	if st := env.bundleStatus(t, "props"); st.TransportStatus != string(types.TransportLoaded) {
		t.Fatalf("pinned bundle unloaded: %+v", st)
	}
}

func TestNoCache_SkipsCacheFiles(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) { cfg.NoCache = true })
	img := zipImage(t, map[string][]byte{"hero": []byte("x")}, nil)
	env.origin.bundles["world"] = img
	env.origin.setIndex(types.RemoteEntry{Name: "world", Version: 1})
	env.mustSetup(t)

	ch := make(chan *types.Asset, 1)
	env.ldr.LoadSingleAsset("world", "hero", func(a *types.Asset) { ch <- a })
	if a := waitAsset(t, ch); a == nil {
		t.Fatalf("no-cache load failed")
	}
	if _, err := os.Stat(filepath.Join(env.cacheDir, "world")); !os.IsNotExist(err) {
		t.Fatalf("no-cache mode wrote a cache file (stat err = %v)", err)
	}
	if st := env.bundleStatus(t, "world"); st.TransportStatus != string(types.TransportLoaded) {
		t.Fatalf("status = %+v", st)
	}
}

func TestSubmitTask_CapBoundsConcurrency(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) { cfg.Concurrency = 2 })

	started := make(chan int, 3)
	release := make(chan struct{})
	for i := 0; i < 3; i++ {
		i := i
		env.ldr.SubmitTask(NewTask(func(done func(error)) {
			started <- i
			<-release
			done(nil)
		}))
	}

	for i := 0; i < 2; i++ {
		select {
		case <-started:
		case <-time.After(testWait):
			t.Fatalf("task %d never started", i)
		}
	}
	select {
	case i := <-started:
		t.Fatalf("task %d started beyond the cap", i)
	case <-time.After(50 * time.Millisecond):
	}
	if n := env.ldr.TaskCount(); n != 3 {
		t.Fatalf("TaskCount = %d", n)
	}
	if got := env.ldr.Status(); got.TasksLoading != 2 || got.Concurrency != 2 {
		t.Fatalf("status tasks = %+v", got)
	}

	close(release)
	select {
	case <-started:
	case <-time.After(testWait):
		t.Fatalf("third task never admitted")
	}
	deadline := time.Now().Add(testWait)
	for env.ldr.TaskCount() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("tasks never drained, count = %d", env.ldr.TaskCount())
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestClearTasks_DropsPendingWork(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config) { cfg.Concurrency = 1 })

	release := make(chan struct{})
	ran := make(chan struct{}, 2)
	env.ldr.SubmitTask(NewTask(func(done func(error)) {
		ran <- struct{}{}
		<-release
		done(nil)
	}))
	env.ldr.SubmitTask(NewTask(func(done func(error)) {
		ran <- struct{}{}
		done(nil)
	}))
	<-ran

	env.ldr.ClearTasks()
	if n := env.ldr.TaskCount(); n != 0 {
		t.Fatalf("TaskCount after clear = %d", n)
	}
	close(release)
	select {
	case <-ran:
		t.Fatalf("cleared pending task still ran")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestClose_IsIdempotent(t *testing.T) {
	env := newTestEnv(t, nil)
	if err := env.ldr.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if err := env.ldr.Close(); err != nil {
		t.Fatalf("second close: %v", err)
	}
	if err := env.ldr.Unload("world"); err == nil {
		t.Fatalf("unload after close should fail")
	}
}
