package loader

import (
	"sort"

	"github.com/rs/zerolog"

	"bundled/internal/manifest"
	"bundled/pkg/types"
)

// resourceManifest owns the mapping from bundle name to its record and the
// reconciliation of that mapping against the remote index. It is mutated
// only from the loader's event loop.
type resourceManifest struct {
	records map[string]*bundleRecord
	store   *manifest.Store
	log     zerolog.Logger
}

func newResourceManifest(store *manifest.Store, log zerolog.Logger) *resourceManifest {
	return &resourceManifest{
		records: make(map[string]*bundleRecord),
		store:   store,
		log:     log,
	}
}

func (m *resourceManifest) get(name string) *bundleRecord { return m.records[name] }

func (m *resourceManifest) names() []string {
	out := make([]string, 0, len(m.records))
	for name := range m.records {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// loadLocal merges persisted entries into the map. Records already known in
// memory win; persisted load state never existed, so cached entries resume
// at downloaded and the rest at needs_download.
func (m *resourceManifest) loadLocal() error {
	entries, err := m.store.Load()
	if err != nil {
		return err
	}
	for _, e := range entries {
		if _, ok := m.records[e.Name]; ok {
			continue
		}
		m.records[e.Name] = newBundleRecord(e)
	}
	return nil
}

// reconcile applies the remote index. Unknown names become fresh records;
// known names take the remote version/checksum in place. A version bump
// forces the record back to needs_download — immediately when the record is
// idle, deferred to the next busy()-safe moment otherwise. Entries absent
// from the remote index are left untouched.
func (m *resourceManifest) reconcile(remote []types.RemoteEntry) {
	for _, re := range remote {
		r := m.records[re.Name]
		if r == nil {
			m.records[re.Name] = newBundleRecord(types.ManifestEntry{
				Name:     re.Name,
				Version:  re.Version,
				Checksum: re.Checksum,
			})
			continue
		}
		switch {
		case re.Version > r.entry.Version:
			r.staleVersion = re.Version
			r.staleChecksum = re.Checksum
			r.stale = true
			if !r.busy() {
				r.release()
			}
		case re.Version == r.entry.Version:
			r.entry.Checksum = re.Checksum
		default:
			// observed versions never decrease
			m.log.Warn().
				Str("bundle", re.Name).
				Uint32("local", r.entry.Version).
				Uint32("remote", re.Version).
				Msg("ignoring remote version regression")
		}
	}
}

// persist rewrites the manifest file wholesale. Errors are logged, not
// propagated: a damaged file is always re-derivable from the remote index.
func (m *resourceManifest) persist() {
	entries := make([]types.ManifestEntry, 0, len(m.records))
	for _, name := range m.names() {
		entries = append(entries, m.records[name].entry)
	}
	if err := m.store.Save(entries); err != nil {
		m.log.Error().Err(err).Msg("persist manifest")
	}
}
