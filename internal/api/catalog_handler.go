package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"

	"github.com/peagehq/peage/internal/catalog"
	"github.com/peagehq/peage/internal/provider"
)

// catalogHandler groups model catalog and provider config HTTP handlers.
type catalogHandler struct {
	service *catalog.Service
}

func newCatalogHandler(svc *catalog.Service) *catalogHandler {
	return &catalogHandler{service: svc}
}

// ListModels handles GET /v1/models (public). Only active models are shown.
func (h *catalogHandler) ListModels(w http.ResponseWriter, r *http.Request) {
	models, err := h.service.ListModels(r.Context(), true)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list models")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"models": models})
}

// AdminListModels handles GET /api/v1/admin/models, including inactive ones.
func (h *catalogHandler) AdminListModels(w http.ResponseWriter, r *http.Request) {
	models, err := h.service.ListModels(r.Context(), false)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list models")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"models": models})
}

// CreateModel handles POST /api/v1/admin/models.
func (h *catalogHandler) CreateModel(w http.ResponseWriter, r *http.Request) {
	var input catalog.CreateModelInput
	if err := readJSON(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}

	model, err := h.service.CreateModel(r.Context(), input)
	if err != nil {
		if isCatalogValidationError(err) {
			writeError(w, http.StatusUnprocessableEntity, "validation_error", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to create model")
		return
	}

	auditLog(r, "create", "model", model.ID, "name", model.Name)

	writeJSON(w, http.StatusCreated, model)
}

// UpdateModel handles PUT /api/v1/admin/models/{id}.
func (h *catalogHandler) UpdateModel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "invalid_id", "model id is required")
		return
	}

	var input catalog.UpdateModelInput
	if err := readJSON(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}

	model, err := h.service.UpdateModel(r.Context(), id, input)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusNotFound, "not_found", "model not found")
			return
		}
		if isCatalogValidationError(err) {
			writeError(w, http.StatusUnprocessableEntity, "validation_error", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to update model")
		return
	}

	auditLog(r, "update", "model", id)

	writeJSON(w, http.StatusOK, model)
}

// DeleteModel handles DELETE /api/v1/admin/models/{id}.
func (h *catalogHandler) DeleteModel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "invalid_id", "model id is required")
		return
	}

	if err := h.service.DeleteModel(r.Context(), id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusNotFound, "not_found", "model not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to delete model")
		return
	}

	auditLog(r, "delete", "model", id)

	w.WriteHeader(http.StatusNoContent)
}

// UpsertProvider handles PUT /api/v1/admin/providers. Credentials are
// encrypted before they reach the database; a restart reloads adapters.
func (h *catalogHandler) UpsertProvider(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Type    string `json:"type"`
		BaseURL string `json:"base_url"`
		APIKey  string `json:"api_key"`
	}
	if err := readJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}

	cfg := catalog.ProviderConfig{
		Type:    provider.Type(body.Type),
		BaseURL: body.BaseURL,
		APIKey:  body.APIKey,
	}
	if err := h.service.UpsertProvider(r.Context(), cfg); err != nil {
		if isCatalogValidationError(err) {
			writeError(w, http.StatusUnprocessableEntity, "validation_error", err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to save provider")
		return
	}

	auditLog(r, "upsert", "provider", body.Type)

	w.WriteHeader(http.StatusNoContent)
}

// ListProviders handles GET /api/v1/admin/providers. API keys are omitted
// from the response shape.
func (h *catalogHandler) ListProviders(w http.ResponseWriter, r *http.Request) {
	providers, err := h.service.ListProviders(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list providers")
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"providers": providers})
}

// isCatalogValidationError checks whether the error is a known validation
// error from the catalog service.
func isCatalogValidationError(err error) bool {
	return errors.Is(err, catalog.ErrNameRequired) ||
		errors.Is(err, catalog.ErrProviderInvalid) ||
		errors.Is(err, catalog.ErrPriceNegative) ||
		errors.Is(err, catalog.ErrMaxCostInvalid) ||
		errors.Is(err, catalog.ErrBaseURLInvalid)
}
