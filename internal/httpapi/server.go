package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"bundled/internal/loader"
	"bundled/pkg/types"
)

// Service defines the loader methods required by the HTTP API layer.
type Service interface {
	Setup(cb func(types.Outcome))
	LoadSingleAsset(bundleName, assetName string, cb func(*types.Asset))
	LoadAllAssets(bundleName string, cb func([]types.Asset))
	LoadSubAssets(bundleName, assetName string, cb func([]types.Asset))
	LoadScenePaths(bundleName string, cb func([]string))
	Unload(bundleName string) error
	UnloadAll()
	SetPinned(bundleName string, pinned bool)
	Busy(bundleName string) bool
	BusyAny() bool
	Status() types.StatusResponse
	Bundles() []types.ManifestEntry
}

// NewMux builds the HTTP surface over the loader.
func NewMux(svc Service) http.Handler {
	r := chi.NewRouter()
	// Basic middlewares: request id, real ip, recoverer
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	// Compression for JSON endpoints
	r.Use(middleware.Compress(5))
	r.Use(MetricsMiddleware)
	if corsEnabled {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: corsAllowedOrigins,
			AllowedMethods: corsAllowedMethods,
			AllowedHeaders: corsAllowedHeaders,
		}))
	}
	// Security headers
	r.Use(func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.Header().Set("X-Content-Type-Options", "nosniff")
			next.ServeHTTP(w, r)
		})
	})

	r.Post("/sync", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := requestContext(r)
		defer cancel()
		start := time.Now()
		ch := make(chan types.Outcome, 1)
		svc.Setup(func(o types.Outcome) { ch <- o })
		select {
		case out := <-ch:
			logRequest(r, "sync", string(out.Kind), start)
			switch out.Kind {
			case types.OutcomeSuccess:
				writeJSON(w, types.SyncResponse{Outcome: out})
			case types.OutcomeTimeout:
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusGatewayTimeout)
				_ = json.NewEncoder(w).Encode(types.SyncResponse{Outcome: out})
			default:
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusBadGateway)
				_ = json.NewEncoder(w).Encode(types.SyncResponse{Outcome: out})
			}
		case <-ctx.Done():
			writeJSONError(w, http.StatusGatewayTimeout, "sync timed out")
		}
	})

	r.Get("/bundles", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"bundles": svc.Bundles()})
	})

	r.Get("/status", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, svc.Status())
	})

	r.Get("/bundles/{name}/assets", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := requestContext(r)
		defer cancel()
		name := chi.URLParam(r, "name")
		ch := make(chan []types.Asset, 1)
		svc.LoadAllAssets(name, func(as []types.Asset) { ch <- as })
		select {
		case as := <-ch:
			if as == nil {
				writeJSONError(w, http.StatusNotFound, "bundle not found: "+name)
				return
			}
			writeJSON(w, types.AssetListResponse{Found: true, Assets: as})
		case <-ctx.Done():
			writeJSONError(w, http.StatusGatewayTimeout, "load timed out")
		}
	})

	r.Get("/bundles/{name}/assets/{asset}", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := requestContext(r)
		defer cancel()
		name := chi.URLParam(r, "name")
		asset := chi.URLParam(r, "asset")
		ch := make(chan *types.Asset, 1)
		svc.LoadSingleAsset(name, asset, func(a *types.Asset) { ch <- a })
		select {
		case a := <-ch:
			if a == nil {
				writeJSONError(w, http.StatusNotFound, "asset not found: "+name+"/"+asset)
				return
			}
			writeJSON(w, types.AssetResponse{Found: true, Asset: a})
		case <-ctx.Done():
			writeJSONError(w, http.StatusGatewayTimeout, "load timed out")
		}
	})

	r.Get("/bundles/{name}/assets/{asset}/sub", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := requestContext(r)
		defer cancel()
		name := chi.URLParam(r, "name")
		asset := chi.URLParam(r, "asset")
		ch := make(chan []types.Asset, 1)
		svc.LoadSubAssets(name, asset, func(as []types.Asset) { ch <- as })
		select {
		case as := <-ch:
			if as == nil {
				writeJSONError(w, http.StatusNotFound, "no sub assets: "+name+"/"+asset)
				return
			}
			writeJSON(w, types.AssetListResponse{Found: true, Assets: as})
		case <-ctx.Done():
			writeJSONError(w, http.StatusGatewayTimeout, "load timed out")
		}
	})

	r.Get("/bundles/{name}/scenes", func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := requestContext(r)
		defer cancel()
		name := chi.URLParam(r, "name")
		ch := make(chan []string, 1)
		svc.LoadScenePaths(name, func(ps []string) { ch <- ps })
		select {
		case ps := <-ch:
			if ps == nil {
				writeJSONError(w, http.StatusNotFound, "no scenes: "+name)
				return
			}
			writeJSON(w, types.ScenePathsResponse{Found: true, Scenes: ps})
		case <-ctx.Done():
			writeJSONError(w, http.StatusGatewayTimeout, "load timed out")
		}
	})

	r.Get("/bundles/{name}/busy", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]bool{"busy": svc.Busy(chi.URLParam(r, "name"))})
	})

	r.Put("/bundles/{name}/pin", func(w http.ResponseWriter, r *http.Request) {
		ct := r.Header.Get("Content-Type")
		if ct == "" || !strings.HasPrefix(strings.ToLower(ct), "application/json") {
			writeJSONError(w, http.StatusUnsupportedMediaType, "Content-Type must be application/json")
			return
		}
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
		var req types.PinRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONError(w, http.StatusBadRequest, "invalid JSON body")
			return
		}
		svc.SetPinned(chi.URLParam(r, "name"), req.Pinned)
		writeJSON(w, map[string]bool{"pinned": req.Pinned})
	})

	r.Delete("/bundles/{name}", func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		start := time.Now()
		if err := svc.Unload(name); err != nil {
			switch {
			case loader.IsUnknownBundle(err):
				writeJSONError(w, http.StatusNotFound, err.Error())
			case loader.IsBundleBusy(err), loader.IsBundlePinned(err):
				writeJSONError(w, http.StatusConflict, err.Error())
			default:
				var he HTTPError
				if errors.As(err, &he) {
					writeJSONError(w, he.StatusCode(), he.Error())
				} else {
					writeJSONError(w, http.StatusInternalServerError, err.Error())
				}
			}
			logRequest(r, "unload", "refused", start)
			return
		}
		logRequest(r, "unload", "ok", start)
		w.WriteHeader(http.StatusNoContent)
	})

	r.Delete("/bundles", func(w http.ResponseWriter, r *http.Request) {
		svc.UnloadAll()
		w.WriteHeader(http.StatusNoContent)
	})

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Get("/readyz", func(w http.ResponseWriter, r *http.Request) {
		if svc.BusyAny() {
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("loading"))
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ready"))
	})

	// Prometheus metrics endpoint
	r.Get("/metrics", promhttp.Handler().ServeHTTP)

	return r
}

// requestContext joins the server base context with the request context and
// applies the configured load timeout.
func requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	ctx, cancel := joinContexts(serverBaseCtx, r.Context())
	if loadTimeout <= 0 {
		return ctx, cancel
	}
	tctx, tcancel := context.WithTimeout(ctx, time.Duration(loadTimeout)*time.Second)
	return tctx, func() {
		tcancel()
		cancel()
	}
}

func logRequest(r *http.Request, op, status string, start time.Time) {
	if requestLogLevel(r) < LevelInfo || zlog == nil {
		return
	}
	z := zlog.Info().Str("op", op).Str("status", status).Dur("dur", time.Since(start))
	if rid := middleware.GetReqID(r.Context()); rid != "" {
		z = z.Str("request_id", rid)
	}
	z.Msg(op + " end")
}
