package loader

import (
	"time"

	"github.com/rs/zerolog"

	"bundled/internal/bundle"
	"bundled/internal/manifest"
	"bundled/internal/origin"
)

// Defaults applied when corresponding Config fields are unset.
const (
	defaultConcurrency  = 4
	defaultMaxRetries   = 2
	defaultFetchTimeout = 10 * time.Second
)

// Config encapsulates all tunables and collaborators for Loader construction.
type Config struct {
	// Origin fetches the remote index and bundle bytes. Required.
	Origin origin.Client
	// Store persists the local manifest. Required.
	Store *manifest.Store
	// CacheDir is the root for per-bundle cache files. Required unless
	// NoCache is set.
	CacheDir string
	// Opener decodes raw bundle bytes into a container. Defaults to
	// bundle.Open.
	Opener bundle.Opener
	// NoCache materializes bundles straight from the downloaded buffer
	// without writing cache files.
	NoCache bool
	// Concurrency caps simultaneously running load tasks.
	Concurrency int
	// MaxRetries is the number of times a failed download or materialize
	// step is resubmitted before the record's pending operations are
	// answered with absent results.
	MaxRetries int
	// FetchTimeout bounds the remote index fetch during Setup.
	FetchTimeout time.Duration
	// Publisher receives lifecycle events. Defaults to a no-op.
	Publisher EventPublisher
	Logger    zerolog.Logger
}

func (cfg *Config) applyDefaults() {
	if cfg.Opener == nil {
		cfg.Opener = bundle.Open
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = defaultConcurrency
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.FetchTimeout <= 0 {
		cfg.FetchTimeout = defaultFetchTimeout
	}
	if cfg.Publisher == nil {
		cfg.Publisher = noopPublisher{}
	}
}
