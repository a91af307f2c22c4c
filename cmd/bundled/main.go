package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"bundled/internal/common/fsutil"
	"bundled/internal/config"
	"bundled/internal/httpapi"
	"bundled/internal/loader"
	"bundled/internal/manifest"
	"bundled/internal/origin"
	"bundled/pkg/types"
)

func main() {
	// Flags with environment variable defaults
	defaultAddr := ":8080"
	if v := os.Getenv("BUNDLED_ADDR"); v != "" {
		defaultAddr = v
	}
	defaultOrigin := os.Getenv("BUNDLED_ORIGIN")
	addr := flag.String("addr", defaultAddr, "HTTP listen address, e.g. :8080")
	originURL := flag.String("origin", defaultOrigin, "Bundle directory URL, e.g. https://cdn.example.com/bundles")
	cacheDir := flag.String("cache-dir", "~/.cache/bundled", "Directory for cached bundle bytes and the manifest file")
	concurrency := flag.Int("concurrency", 0, "Max simultaneous load tasks (0=default)")
	fetchTimeoutMS := flag.Int("fetch-timeout-ms", 0, "Remote index fetch timeout in ms (0=default)")
	maxRetries := flag.Int("max-retries", 0, "Transport step retries before giving up (0=default)")
	noCache := flag.Bool("no-cache", false, "Materialize bundles from memory without writing cache files")
	manifestPath := flag.String("manifest", "", "Manifest file path (default <cache-dir>/manifest.bin)")
	cfgPath := flag.String("config", "", "Optional config file (.yaml/.json/.toml); flags override nothing set here")
	logLevel := flag.String("log-level", "info", "Log level: debug, info, warn, error")
	flag.Parse()

	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger()
	if lvl, err := zerolog.ParseLevel(*logLevel); err == nil {
		log = log.Level(lvl)
	}

	// Config file fills in anything left at its zero value.
	if *cfgPath != "" {
		fileCfg, err := config.Load(*cfgPath)
		if err != nil {
			log.Fatal().Err(err).Str("path", *cfgPath).Msg("load config")
		}
		if *addr == defaultAddr && fileCfg.Addr != "" {
			*addr = fileCfg.Addr
		}
		if *originURL == "" {
			*originURL = fileCfg.OriginURL
		}
		if fileCfg.CacheDir != "" {
			*cacheDir = fileCfg.CacheDir
		}
		if *manifestPath == "" {
			*manifestPath = fileCfg.ManifestPath
		}
		if *concurrency == 0 {
			*concurrency = fileCfg.Concurrency
		}
		if *fetchTimeoutMS == 0 {
			*fetchTimeoutMS = fileCfg.FetchTimeoutMS
		}
		if *maxRetries == 0 {
			*maxRetries = fileCfg.MaxRetries
		}
		if fileCfg.NoCache {
			*noCache = true
		}
		if fileCfg.LogLevel != "" {
			if lvl, err := zerolog.ParseLevel(fileCfg.LogLevel); err == nil {
				log = log.Level(lvl)
			}
		}
	}

	if *originURL == "" {
		log.Fatal().Msg("origin URL required (-origin or BUNDLED_ORIGIN)")
	}
	root, err := fsutil.ExpandHome(*cacheDir)
	if err != nil {
		log.Fatal().Err(err).Msg("resolve cache dir")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		log.Fatal().Err(err).Str("dir", root).Msg("create cache dir")
	}
	if *manifestPath == "" {
		*manifestPath = filepath.Join(root, "manifest.bin")
	}
	if fsutil.PathExists(*manifestPath) {
		log.Info().Str("path", *manifestPath).Msg("resuming from local manifest")
	}

	client, err := origin.NewHTTPClient(*originURL, origin.Options{
		RetryMax: *maxRetries,
		Logger:   log.With().Str("component", "origin").Logger(),
	})
	if err != nil {
		log.Fatal().Err(err).Msg("origin client")
	}

	ldr := loader.New(loader.Config{
		Origin:       client,
		Store:        manifest.NewStore(*manifestPath, log.With().Str("component", "manifest").Logger()),
		CacheDir:     filepath.Join(root, "bundles"),
		NoCache:      *noCache,
		Concurrency:  *concurrency,
		MaxRetries:   *maxRetries,
		FetchTimeout: time.Duration(*fetchTimeoutMS) * time.Millisecond,
		Logger:       log.With().Str("component", "loader").Logger(),
	})

	// Initial sync; the daemon still serves if the origin is down, answering
	// from whatever the local manifest knows.
	ldr.Setup(func(out types.Outcome) {
		if out.OK() {
			log.Info().Msg("initial manifest sync complete")
			return
		}
		log.Warn().Str("outcome", string(out.Kind)).Str("error", out.Err).Msg("initial manifest sync failed")
	})

	baseCtx, baseCancel := context.WithCancel(context.Background())
	httpapi.SetBaseContext(baseCtx)
	httpapi.SetLogger(log.With().Str("component", "http").Logger())

	mux := httpapi.NewMux(ldr)
	srv := &http.Server{Addr: *addr, Handler: mux}

	go func() {
		log.Info().Str("addr", *addr).Str("origin", *originURL).Msg("bundled listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("server error")
		}
	}()

	// Graceful shutdown (Ctrl+C / SIGTERM)
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop
	baseCancel()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("graceful shutdown error")
	}
	_ = ldr.Close()
}
