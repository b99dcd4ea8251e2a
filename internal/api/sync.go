package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/schema"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/kalambet/twinsync/internal/codec"
	"github.com/kalambet/twinsync/internal/media"
	"github.com/kalambet/twinsync/internal/replication"
	"github.com/kalambet/twinsync/internal/settings"
	"github.com/kalambet/twinsync/internal/storage"
)

const (
	maxPushBodySize  = 32 << 20 // 32MB
	maxFetchBodySize = 1 << 20  // 1MB
	maxFetchPaths    = 500
)

// Replicator runs one push or pull pass against the configured peer.
type Replicator interface {
	PushOnce(ctx context.Context) (replication.PushReport, error)
	PullOnce(ctx context.Context) (replication.PullReport, error)
}

// Deps holds what the HTTP surface needs.
type Deps struct {
	Store      *storage.Store
	Ingester   *replication.Ingester
	Settings   *settings.Manager
	Media      *media.Reconciler
	Auth       *Authenticator
	Bootstrap  func(ctx context.Context, force bool) (int, error)
	Replicator Replicator // optional; nil when no peer is configured
	NodeID     string
	PeerID     string
	Metrics    http.Handler // optional; defaults to the global registry
	Logger     *slog.Logger
}

func (d Deps) logger() *slog.Logger {
	if d.Logger != nil {
		return d.Logger
	}
	return slog.Default()
}

var queryDecoder = newQueryDecoder()

func newQueryDecoder() *schema.Decoder {
	d := schema.NewDecoder()
	d.IgnoreUnknownKeys(true)
	d.SetAliasTag("json")
	return d
}

// NewHandler returns the full HTTP surface: /health and /metrics without
// auth, /sync for peers and /admin for the operator.
func NewHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", handleHealth(deps))
	metrics := deps.Metrics
	if metrics == nil {
		metrics = promhttp.Handler()
	}
	r.Handle("/metrics", metrics)

	r.Mount("/sync", NewSyncHandler(deps))
	r.Mount("/admin", NewAdminHandler(deps))
	return r
}

// NewSyncHandler serves the peer-facing replication endpoints.
func NewSyncHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(BearerAuth(deps.Auth))

	r.Get("/state", handleState(deps))
	r.Post("/changes/push", handlePush(deps))
	r.Get("/changes/pull", handlePull(deps))
	r.Get("/media/manifest", handleManifest(deps))
	r.Post("/media/fetch", handleFetch(deps))
	return r
}

func handleHealth(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if _, err := deps.Store.LastSeq(r.Context()); err != nil {
			httpError(w, http.StatusServiceUnavailable, "api_error", "store unavailable: %v", err)
			return
		}
		writeJSON(w, map[string]string{"status": "ok", "nodeId": deps.NodeID})
	}
}

// BuildState assembles this node's state as reported to peerID.
func BuildState(ctx context.Context, deps Deps, peerID string) (replication.StateResponse, error) {
	last, err := deps.Store.LastSeq(ctx)
	if err != nil {
		return replication.StateResponse{}, fmt.Errorf("reading last seq: %w", err)
	}
	pending, err := deps.Store.CountConflicts(ctx, storage.ConflictPending)
	if err != nil {
		return replication.StateResponse{}, fmt.Errorf("counting conflicts: %w", err)
	}
	s, err := deps.Settings.Get(ctx)
	if err != nil {
		return replication.StateResponse{}, err
	}
	var cur storage.Cursor
	if peerID != "" {
		if cur, err = deps.Store.GetCursor(ctx, peerID); err != nil {
			return replication.StateResponse{}, fmt.Errorf("reading cursor: %w", err)
		}
	}
	return replication.StateResponse{
		NodeID:           deps.NodeID,
		LastSeq:          last,
		PendingConflicts: pending,
		SyncEnabled:      s.Enabled,
		DesktopMode:      s.DesktopMode,
		VaultEpoch:       s.VaultEpoch,
		RemoteCursor:     replication.CursorToWire(cur),
	}, nil
}

func handleState(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		peerID := r.URL.Query().Get("node_id")
		if peerID == "" {
			peerID = deps.PeerID
		}
		st, err := BuildState(r.Context(), deps, peerID)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to build state: %v", err)
			return
		}
		writeJSON(w, st)
	}
}

func handlePush(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxPushBodySize)
		defer r.Body.Close()

		var req replication.PushRequest
		dec := json.NewDecoder(r.Body)
		dec.UseNumber()
		if err := dec.Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}

		resp, err := deps.Ingester.HandlePush(r.Context(), req)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to ingest changes: %v", err)
			return
		}
		deps.logger().Debug("push received", "source", req.SourceNode,
			"accepted", resp.Accepted, "skipped", resp.Skipped, "conflicts", resp.Conflicts)
		writeJSON(w, resp)
	}
}

type pullQuery struct {
	AfterSeq int64 `json:"after_seq"`
	Limit    int   `json:"limit"`
}

func handlePull(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var q pullQuery
		if err := queryDecoder.Decode(&q, r.URL.Query()); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid query: %v", err)
			return
		}
		if q.AfterSeq < 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "after_seq must not be negative")
			return
		}
		resp, err := replication.ServePull(r.Context(), deps.Store, q.AfterSeq, q.Limit)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to read changes: %v", err)
			return
		}
		writeJSON(w, resp)
	}
}

type manifestQuery struct {
	AfterUpdatedAt string `json:"after_updated_at"`
	Limit          int    `json:"limit"`
	Refresh        *bool  `json:"refresh"`
}

func handleManifest(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var q manifestQuery
		if err := queryDecoder.Decode(&q, r.URL.Query()); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid query: %v", err)
			return
		}
		var after time.Time
		if q.AfterUpdatedAt != "" {
			t, err := codec.ParseTime(q.AfterUpdatedAt)
			if err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid after_updated_at: %v", err)
				return
			}
			after = t
		}

		refreshed := false
		if q.Refresh == nil || *q.Refresh {
			var err error
			refreshed, err = deps.Media.RefreshIfStale(r.Context(), media.DefaultRefreshAge)
			if err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "failed to refresh manifest: %v", err)
				return
			}
		}

		items, err := deps.Media.Manifest(r.Context(), after, storage.ClampLimit(q.Limit))
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list manifest: %v", err)
			return
		}
		writeJSON(w, media.ManifestResponse{Items: items, Count: len(items), Refreshed: refreshed})
	}
}

func handleFetch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxFetchBodySize)
		defer r.Body.Close()

		var req media.FetchRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if len(req.Paths) > maxFetchPaths {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "at most %d paths per request", maxFetchPaths)
			return
		}
		if req.ContentSizeLimit < 0 {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "content_size_limit must not be negative")
			return
		}

		items, err := deps.Media.Fetch(r.Context(), req)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to fetch media: %v", err)
			return
		}
		writeJSON(w, media.FetchResponse{Items: items, Count: len(items)})
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}

func httpError(w http.ResponseWriter, code int, errType string, format string, args ...any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	msg := fmt.Sprintf(format, args...)
	json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]any{
			"message": msg,
			"type":    errType,
		},
	})
}
