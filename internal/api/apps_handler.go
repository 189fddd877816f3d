package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"

	"github.com/peagehq/peage/internal/app"
	"github.com/peagehq/peage/internal/auth"
	"github.com/peagehq/peage/internal/ledger"
)

// freeTierProvisioner creates a free-tier pool for a new user of an app.
type freeTierProvisioner interface {
	EnsureFreeTier(ctx context.Context, sub ledger.Subject, spendCap decimal.Decimal) error
}

// appsHandler groups app and API key HTTP handlers.
type appsHandler struct {
	store *app.Store
	pools freeTierProvisioner
}

func newAppsHandler(store *app.Store, pools freeTierProvisioner) *appsHandler {
	return &appsHandler{store: store, pools: pools}
}

// CreateApp handles POST /api/v1/admin/apps.
func (h *appsHandler) CreateApp(w http.ResponseWriter, r *http.Request) {
	var input app.CreateAppInput
	if err := readJSON(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}

	a, err := h.store.Create(r.Context(), input)
	if err != nil {
		if isAppValidationError(err) {
			writeError(w, http.StatusUnprocessableEntity, "validation_error", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to create app")
		return
	}

	auditLog(r, "create", "app", a.ID, "name", a.Name)

	writeJSON(w, http.StatusCreated, a)
}

// ListApps handles GET /api/v1/admin/apps.
func (h *appsHandler) ListApps(w http.ResponseWriter, r *http.Request) {
	params := app.AppListParams{
		Cursor: r.URL.Query().Get("cursor"),
	}
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		l, err := strconv.Atoi(limitStr)
		if err != nil || l < 1 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		params.Limit = l
	}

	apps, nextCursor, err := h.store.List(r.Context(), params)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list apps")
		return
	}

	resp := map[string]interface{}{
		"apps": apps,
	}
	if nextCursor != "" {
		resp["next_cursor"] = nextCursor
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetApp handles GET /api/v1/admin/apps/{id}.
func (h *appsHandler) GetApp(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "invalid_id", "app id is required")
		return
	}

	a, err := h.store.GetByID(r.Context(), id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusNotFound, "not_found", "app not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to get app")
		return
	}

	writeJSON(w, http.StatusOK, a)
}

// UpdateApp handles PUT /api/v1/admin/apps/{id}.
func (h *appsHandler) UpdateApp(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "invalid_id", "app id is required")
		return
	}

	var input app.UpdateAppInput
	if err := readJSON(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}

	a, err := h.store.Update(r.Context(), id, input)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusNotFound, "not_found", "app not found")
			return
		}
		if isAppValidationError(err) {
			writeError(w, http.StatusUnprocessableEntity, "validation_error", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to update app")
		return
	}

	auditLog(r, "update", "app", id)

	writeJSON(w, http.StatusOK, a)
}

// DeleteApp handles DELETE /api/v1/admin/apps/{id}.
func (h *appsHandler) DeleteApp(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "invalid_id", "app id is required")
		return
	}

	if err := h.store.Delete(r.Context(), id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusNotFound, "not_found", "app not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to delete app")
		return
	}

	auditLog(r, "delete", "app", id)

	w.WriteHeader(http.StatusNoContent)
}

// CreateKey handles POST /api/v1/admin/apps/{id}/keys. The plaintext key is
// returned exactly once; only its hash is stored.
func (h *appsHandler) CreateKey(w http.ResponseWriter, r *http.Request) {
	appID := chi.URLParam(r, "id")
	if appID == "" {
		writeError(w, http.StatusBadRequest, "invalid_id", "app id is required")
		return
	}

	var body struct {
		UserID string `json:"user_id"`
	}
	if err := readJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}
	if body.UserID == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "user_id is required")
		return
	}

	generated, plaintext, err := auth.GenerateAPIKey()
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to generate key")
		return
	}

	owner, err := h.store.GetByID(r.Context(), appID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusNotFound, "not_found", "app not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to create key")
		return
	}

	key, err := h.store.CreateKey(r.Context(), app.CreateKeyInput{
		AppID:     appID,
		UserID:    body.UserID,
		KeyHash:   generated.Hash,
		KeyPrefix: generated.Prefix,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to create key")
		return
	}

	sub := ledger.Subject{UserID: body.UserID, AppID: appID}
	if err := h.pools.EnsureFreeTier(r.Context(), sub, owner.FreeTierCap); err != nil {
		slog.Error("provisioning free tier pool", "app_id", appID, "error", err)
	}

	auditLog(r, "create", "api_key", key.ID, "app_id", appID)

	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"key":       key,
		"plaintext": plaintext,
	})
}

// DeleteKey handles DELETE /api/v1/admin/keys/{id}.
func (h *appsHandler) DeleteKey(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "invalid_id", "key id is required")
		return
	}

	if err := h.store.DeleteKey(r.Context(), id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusNotFound, "not_found", "key not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to delete key")
		return
	}

	auditLog(r, "delete", "api_key", id)

	w.WriteHeader(http.StatusNoContent)
}

// isAppValidationError checks whether the error is a known validation error
// from the app store.
func isAppValidationError(err error) bool {
	return errors.Is(err, app.ErrNameRequired) ||
		errors.Is(err, app.ErrMarkupTooLow) ||
		errors.Is(err, app.ErrShareOutOfRange)
}
