package types

// BundleStatus summarizes one bundle record for GET /bundles and /status.
type BundleStatus struct {
	// Bundle name.
	Name string `json:"name"`
	// Version currently recorded in the manifest.
	Version uint32 `json:"version"`
	// CRC-32 checksum of the cached bytes (or the remote-reported value).
	Checksum uint32 `json:"checksum"`
	// Whether raw bytes are present in the local cache.
	Cached bool `json:"cached"`
	// Transport pipeline state (needs_download, downloaded, loaded).
	TransportStatus string `json:"transport_status"`
	// Pinned bundles ignore unload requests.
	Pinned bool `json:"pinned"`
	// Busy bundles have an in-flight transport step or asset extraction.
	Busy bool `json:"busy"`
	// Number of asset operations still pending or loading.
	PendingOps int `json:"pending_ops"`
	// Number of asset operations fully loaded and answerable from memory.
	LoadedOps int `json:"loaded_ops"`
}

// StatusResponse is returned by GET /status.
type StatusResponse struct {
	// Per-bundle records, sorted by name.
	Bundles []BundleStatus `json:"bundles"`
	// Scheduler queue length (submitted, not yet completed tasks).
	Tasks int `json:"tasks"`
	// Tasks currently running.
	TasksLoading int `json:"tasks_loading"`
	// Configured concurrency cap.
	Concurrency int `json:"concurrency"`
	// Whether any bundle is busy.
	Busy bool `json:"busy"`
	// Uptime of the loader in seconds.
	UptimeSeconds int64 `json:"uptime_seconds"`
	// Server time in unix seconds.
	ServerTimeUnix int64 `json:"server_time_unix"`
}

// SyncResponse wraps the outcome of POST /sync.
type SyncResponse struct {
	Outcome Outcome `json:"outcome"`
}

// AssetResponse is returned for a single-asset load.
type AssetResponse struct {
	// False when the bundle or asset does not exist.
	Found bool   `json:"found"`
	Asset *Asset `json:"asset,omitempty"`
}

// AssetListResponse is returned for all-assets and sub-assets loads.
type AssetListResponse struct {
	Found  bool    `json:"found"`
	Assets []Asset `json:"assets,omitempty"`
}

// ScenePathsResponse is returned for a scene-paths load.
type ScenePathsResponse struct {
	Found  bool     `json:"found"`
	Scenes []string `json:"scenes,omitempty"`
}

// PinRequest is the body of PUT /bundles/{name}/pin.
type PinRequest struct {
	Pinned bool `json:"pinned"`
}

// ErrorResponse is a consistent JSON error payload.
type ErrorResponse struct {
	// Error message.
	Error string `json:"error"`
	// HTTP status code.
	Code int `json:"code"`
}
