package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/kalambet/twinsync/internal/codec"
	"github.com/kalambet/twinsync/internal/settings"
	"github.com/kalambet/twinsync/internal/storage"
)

// ConflictView is the JSON form of a conflict record.
type ConflictView struct {
	ID               string         `json:"id"`
	ModelLabel       string         `json:"model_label"`
	ObjectPK         string         `json:"object_pk"`
	IncomingChange   map[string]any `json:"incoming_change"`
	ExistingSnapshot map[string]any `json:"existing_snapshot"`
	ChosenSource     string         `json:"chosen_source"`
	Reason           string         `json:"reason"`
	Status           string         `json:"status"`
	Note             string         `json:"note,omitempty"`
	CreatedAt        string         `json:"created_at"`
	ResolvedAt       string         `json:"resolved_at,omitempty"`
}

func ConflictToView(c storage.Conflict) ConflictView {
	v := ConflictView{
		ID:               c.ID,
		ModelLabel:       c.ModelLabel,
		ObjectPK:         c.ObjectPK,
		IncomingChange:   c.IncomingChange,
		ExistingSnapshot: c.ExistingSnapshot,
		ChosenSource:     c.ChosenSource,
		Reason:           c.Reason,
		Status:           c.Status,
		Note:             c.Note,
		CreatedAt:        codec.FormatTime(c.CreatedAt),
	}
	if !c.ResolvedAt.IsZero() {
		v.ResolvedAt = codec.FormatTime(c.ResolvedAt)
	}
	return v
}

type ResolveRequest struct {
	Status string `json:"status"`
	Note   string `json:"note"`
}

type SettingsPatch struct {
	Enabled     *bool   `json:"enabled"`
	DesktopMode *string `json:"desktop_mode"`
}

type BootstrapRequest struct {
	Force bool `json:"force"`
}

type BootstrapResponse struct {
	Entries int `json:"entries"`
}

type EpochResponse struct {
	Settings     settings.Settings `json:"settings"`
	Bootstrapped int               `json:"bootstrapped"`
}

// NewAdminHandler serves operator endpoints. Only admin principals may
// call them; service tokens are limited to /sync.
func NewAdminHandler(deps Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(BearerAuth(deps.Auth))
	r.Use(requireRole(RoleAdmin))

	r.Get("/conflicts", handleListConflicts(deps))
	r.Get("/conflicts/{id}", handleGetConflict(deps))
	r.Post("/conflicts/{id}/resolve", handleResolveConflict(deps))
	r.Get("/settings", handleGetSettings(deps))
	r.Patch("/settings", handlePatchSettings(deps))
	r.Post("/bootstrap", handleBootstrap(deps))
	r.Post("/epoch", handleEpoch(deps))
	r.Post("/media/refresh", handleMediaRefresh(deps))
	r.Post("/push", handleRunPush(deps))
	r.Post("/pull", handleRunPull(deps))
	return r
}

func requireRole(role string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			p, ok := PrincipalFrom(r.Context())
			if !ok || p.Role != role {
				httpError(w, http.StatusForbidden, "permission_error", "role %q required", role)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type conflictQuery struct {
	Status string `json:"status"`
	Limit  int    `json:"limit"`
	Offset int    `json:"offset"`
}

func handleListConflicts(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := conflictQuery{Status: storage.ConflictPending, Limit: 20}
		if err := queryDecoder.Decode(&q, r.URL.Query()); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid query: %v", err)
			return
		}
		if q.Status == "all" {
			q.Status = ""
		}
		if q.Limit <= 0 {
			q.Limit = 20
		}
		if q.Limit > 100 {
			q.Limit = 100
		}
		if q.Offset < 0 {
			q.Offset = 0
		}

		conflicts, err := deps.Store.ListConflicts(r.Context(), q.Status, q.Limit, q.Offset)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to list conflicts: %v", err)
			return
		}
		views := make([]ConflictView, len(conflicts))
		for i, c := range conflicts {
			views[i] = ConflictToView(c)
		}
		writeJSON(w, views)
	}
}

func handleGetConflict(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		c, err := deps.Store.GetConflict(r.Context(), chi.URLParam(r, "id"))
		if errors.Is(err, storage.ErrNotFound) {
			httpError(w, http.StatusNotFound, "not_found", "conflict not found")
			return
		}
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get conflict: %v", err)
			return
		}
		writeJSON(w, ConflictToView(c))
	}
}

func handleResolveConflict(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ResolveRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if req.Status == "" {
			req.Status = storage.ConflictResolved
		}
		if req.Status != storage.ConflictResolved && req.Status != storage.ConflictDismissed {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "status must be %q or %q", storage.ConflictResolved, storage.ConflictDismissed)
			return
		}

		id := chi.URLParam(r, "id")
		err := deps.Store.ResolveConflict(r.Context(), id, req.Status, req.Note)
		switch {
		case errors.Is(err, storage.ErrNotFound):
			httpError(w, http.StatusNotFound, "not_found", "conflict not found")
			return
		case errors.Is(err, storage.ErrConflictClosed):
			httpError(w, http.StatusConflict, "invalid_request_error", "conflict is already closed")
			return
		case err != nil:
			httpError(w, http.StatusInternalServerError, "api_error", "failed to resolve conflict: %v", err)
			return
		}

		c, err := deps.Store.GetConflict(r.Context(), id)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get conflict: %v", err)
			return
		}
		writeJSON(w, ConflictToView(c))
	}
}

func handleGetSettings(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := deps.Settings.Get(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get settings: %v", err)
			return
		}
		writeJSON(w, s)
	}
}

func handlePatchSettings(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var patch SettingsPatch
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
			return
		}
		if patch.DesktopMode != nil && !settings.ValidMode(*patch.DesktopMode) {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid desktop_mode %q", *patch.DesktopMode)
			return
		}

		ctx := r.Context()
		if patch.Enabled != nil {
			if _, err := deps.Settings.SetEnabled(ctx, *patch.Enabled); err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "failed to update settings: %v", err)
				return
			}
		}
		if patch.DesktopMode != nil {
			if _, err := deps.Settings.SetDesktopMode(ctx, *patch.DesktopMode); err != nil {
				httpError(w, http.StatusInternalServerError, "api_error", "failed to update settings: %v", err)
				return
			}
		}
		s, err := deps.Settings.Get(ctx)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "failed to get settings: %v", err)
			return
		}
		writeJSON(w, s)
	}
}

func handleBootstrap(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req BootstrapRequest
		if r.ContentLength != 0 {
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				httpError(w, http.StatusBadRequest, "invalid_request_error", "invalid request body: %v", err)
				return
			}
		}
		n, err := deps.Bootstrap(r.Context(), req.Force)
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "bootstrap failed: %v", err)
			return
		}
		writeJSON(w, BootstrapResponse{Entries: n})
	}
}

func handleEpoch(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, n, err := deps.Settings.BumpEpoch(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "epoch bump failed: %v", err)
			return
		}
		writeJSON(w, EpochResponse{Settings: s, Bootstrapped: n})
	}
}

func handleMediaRefresh(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		stats, err := deps.Media.Refresh(r.Context())
		if err != nil {
			httpError(w, http.StatusInternalServerError, "api_error", "refresh failed: %v", err)
			return
		}
		writeJSON(w, stats)
	}
}

func handleRunPush(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Replicator == nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "no peer configured")
			return
		}
		report, err := deps.Replicator.PushOnce(r.Context())
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "push failed: %v", err)
			return
		}
		writeJSON(w, report)
	}
}

func handleRunPull(deps Deps) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if deps.Replicator == nil {
			httpError(w, http.StatusBadRequest, "invalid_request_error", "no peer configured")
			return
		}
		report, err := deps.Replicator.PullOnce(r.Context())
		if err != nil {
			httpError(w, http.StatusBadGateway, "api_error", "pull failed: %v", err)
			return
		}
		writeJSON(w, report)
	}
}
