package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/peagehq/peage/internal/auth"
	"github.com/peagehq/peage/internal/ledger"
)

// usageHandler groups balance, usage, and credit grant HTTP handlers.
type usageHandler struct {
	ledger *ledger.Store
}

func newUsageHandler(store *ledger.Store) *usageHandler {
	return &usageHandler{ledger: store}
}

// parseTimeParam parses a date query param in YYYY-MM-DD or RFC3339 format.
func parseTimeParam(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}

// buildQuery constructs a TransactionQuery from query params. Non-admin
// callers are pinned to their own subject.
func buildQuery(r *http.Request, isAdmin bool) (*ledger.TransactionQuery, error) {
	q := &ledger.TransactionQuery{}

	if isAdmin {
		q.UserID = r.URL.Query().Get("user_id")
		q.AppID = r.URL.Query().Get("app_id")
		q.Origin = ledger.Origin(r.URL.Query().Get("origin"))
	} else if caller := auth.CallerFromContext(r.Context()); caller != nil {
		q.UserID = caller.UserID
		q.AppID = caller.AppID
	}

	from, err := parseTimeParam(r.URL.Query().Get("from"))
	if err != nil {
		return nil, err
	}
	q.From = from

	to, err := parseTimeParam(r.URL.Query().Get("to"))
	if err != nil {
		return nil, err
	}
	q.To = to

	q.Cursor = r.URL.Query().Get("cursor")

	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		l, lErr := strconv.Atoi(limitStr)
		if lErr != nil || l < 1 {
			return nil, lErr
		}
		q.Limit = l
	}

	return q, nil
}

// GetBalance handles GET /api/v1/balance (caller-authed).
func (h *usageHandler) GetBalance(w http.ResponseWriter, r *http.Request) {
	caller := auth.CallerFromContext(r.Context())
	if caller == nil {
		writeError(w, http.StatusUnauthorized, "unauthorized", "authentication required")
		return
	}

	sub := ledger.Subject{UserID: caller.UserID, AppID: caller.AppID}
	balance, err := h.ledger.GetBalance(r.Context(), sub)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to get balance")
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"total_credits": balance.TotalCredits,
		"total_spent":   balance.TotalSpent,
		"available":     balance.Available(),
		"currency":      balance.Currency,
	})
}

// GetUsage handles GET /api/v1/usage (caller-authed, own usage only).
func (h *usageHandler) GetUsage(w http.ResponseWriter, r *http.Request) {
	h.getUsage(w, r, false)
}

// GetUsageAdmin handles GET /api/v1/admin/usage (any subject).
func (h *usageHandler) GetUsageAdmin(w http.ResponseWriter, r *http.Request) {
	h.getUsage(w, r, true)
}

func (h *usageHandler) getUsage(w http.ResponseWriter, r *http.Request, isAdmin bool) {
	q, err := buildQuery(r, isAdmin)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_params", "invalid query parameters")
		return
	}

	summary, err := h.ledger.GetSummary(r.Context(), *q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to get usage summary")
		return
	}

	writeJSON(w, http.StatusOK, summary)
}

// ListTransactions handles GET /api/v1/usage/transactions (caller-authed) or
// GET /api/v1/admin/usage/transactions (admin).
func (h *usageHandler) ListTransactions(w http.ResponseWriter, r *http.Request, isAdmin bool) {
	q, err := buildQuery(r, isAdmin)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_params", "invalid query parameters")
		return
	}

	txns, nextCursor, err := h.ledger.ListTransactions(r.Context(), *q)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list transactions")
		return
	}

	resp := map[string]interface{}{
		"transactions": txns,
	}
	if nextCursor != "" {
		resp["next_cursor"] = nextCursor
	}
	writeJSON(w, http.StatusOK, resp)
}

// createGrantInput is the request body for POST /api/v1/admin/grants.
type createGrantInput struct {
	UserID    string          `json:"user_id"`
	AppID     string          `json:"app_id"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	Category  string          `json:"category"`
	Source    string          `json:"source"`
	ExpiresAt *time.Time      `json:"expires_at"`
}

// CreateGrant handles POST /api/v1/admin/grants. A grant with an already
// recorded source is refused, which makes retried credits idempotent.
func (h *usageHandler) CreateGrant(w http.ResponseWriter, r *http.Request) {
	var input createGrantInput
	if err := readJSON(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse request body")
		return
	}
	if input.UserID == "" || input.AppID == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "user_id and app_id are required")
		return
	}
	if !input.Amount.IsPositive() {
		writeError(w, http.StatusUnprocessableEntity, "validation_error", "amount must be positive")
		return
	}
	if input.Category == "" {
		input.Category = "promo"
	}
	if input.Currency == "" {
		input.Currency = "USD"
	}

	if input.Source != "" {
		exists, err := h.ledger.GrantExists(r.Context(), input.Source)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "internal_error", "failed to check grant source")
			return
		}
		if exists {
			writeError(w, http.StatusConflict, "duplicate_grant", "a grant with this source already exists")
			return
		}
	}

	grant := &ledger.CreditGrant{
		ID:        uuid.NewString(),
		UserID:    input.UserID,
		AppID:     input.AppID,
		Amount:    input.Amount,
		Currency:  input.Currency,
		Category:  input.Category,
		Source:    input.Source,
		ExpiresAt: input.ExpiresAt,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.ledger.AddCreditGrant(r.Context(), grant); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to create grant")
		return
	}

	auditLog(r, "create", "credit_grant", grant.ID, "user_id", grant.UserID, "app_id", grant.AppID)

	writeJSON(w, http.StatusCreated, grant)
}
