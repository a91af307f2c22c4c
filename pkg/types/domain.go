package types

// TransportStatus tracks how far a bundle has progressed through the
// download/cache/load pipeline. It only moves forward, except when a remote
// version bump or an explicit unload resets it to TransportNeedsDownload.
type TransportStatus string

const (
	TransportNeedsDownload TransportStatus = "needs_download"
	TransportDownloaded    TransportStatus = "downloaded"
	TransportLoaded        TransportStatus = "loaded"
)

// ResultKind discriminates the shape of an asset request against a bundle.
type ResultKind string

const (
	// KindAsset is a single named asset.
	KindAsset ResultKind = "asset"
	// KindAllAssets is every asset in the bundle.
	KindAllAssets ResultKind = "all_assets"
	// KindSubAssets is the sub-objects belonging to one named asset.
	KindSubAssets ResultKind = "sub_assets"
	// KindScenePaths is the list of scene paths carried by the bundle.
	KindScenePaths ResultKind = "scene_paths"
)

// ManifestEntry is the persisted, transport-relevant view of one bundle.
// In-memory load state is deliberately not part of it; it never survives a
// restart.
type ManifestEntry struct {
	// Bundle name, unique within a manifest.
	Name string `json:"name"`
	// Version as reported by the remote index; monotonically non-decreasing.
	Version uint32 `json:"version"`
	// CRC-32 (IEEE) of the bundle bytes last downloaded or reported remotely.
	Checksum uint32 `json:"checksum"`
	// Cached reports whether the raw bytes are present in the local cache.
	Cached bool `json:"cached"`
}

// RemoteEntry is one well-formed line of the remote index.
type RemoteEntry struct {
	Name     string
	Version  uint32
	Checksum uint32
}

// Asset is a single named object extracted from a loaded bundle.
type Asset struct {
	Name string `json:"name"`
	Data []byte `json:"data"`
}

// OutcomeKind is the tri-state result of a manifest sync.
type OutcomeKind string

const (
	OutcomeSuccess OutcomeKind = "success"
	OutcomeFailure OutcomeKind = "failure"
	OutcomeTimeout OutcomeKind = "timeout"
)

// Outcome reports how a setup/sync attempt ended. Err is empty on success.
type Outcome struct {
	Kind OutcomeKind `json:"kind"`
	Err  string      `json:"error,omitempty"`
}

// OK reports whether the outcome is a success.
func (o Outcome) OK() bool { return o.Kind == OutcomeSuccess }
