package api

import (
	"net/http"
	"strconv"

	"github.com/peagehq/peage/internal/reconcile"
)

// reconHandler serves the reconciliation record listing.
type reconHandler struct {
	store *reconcile.Store
}

func newReconHandler(store *reconcile.Store) *reconHandler {
	return &reconHandler{store: store}
}

// ListRecords handles GET /api/v1/admin/reconciliation. Records describe
// money the request path could not move and are reviewed by hand.
func (h *reconHandler) ListRecords(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		l, err := strconv.Atoi(limitStr)
		if err != nil || l < 1 {
			writeError(w, http.StatusBadRequest, "invalid_limit", "limit must be a positive integer")
			return
		}
		limit = l
	}

	records, err := h.store.List(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list reconciliation records")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{"records": records})
}
