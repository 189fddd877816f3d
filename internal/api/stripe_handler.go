package api

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	stripe "github.com/stripe/stripe-go/v72"
	"github.com/stripe/stripe-go/v72/webhook"

	"github.com/peagehq/peage/internal/ledger"
)

// stripeWebhookMaxBody bounds the webhook payload size (64 KB).
const stripeWebhookMaxBody = 65536

// stripeHandler converts paid Stripe invoices into credit grants.
type stripeHandler struct {
	ledger Granter
	secret string
}

// Granter is the slice of the ledger the webhook needs.
type Granter interface {
	GrantExists(ctx context.Context, source string) (bool, error)
	AddCreditGrant(ctx context.Context, g *ledger.CreditGrant) error
}

func newStripeHandler(granter Granter, secret string) *stripeHandler {
	return &stripeHandler{ledger: granter, secret: secret}
}

// HandleWebhook handles POST /webhooks/stripe. The signature is verified
// against the endpoint secret; anything unverifiable is rejected before it
// can mint credits. Events other than invoice.payment_succeeded are
// acknowledged and ignored.
func (h *stripeHandler) HandleWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, stripeWebhookMaxBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to read webhook payload")
		return
	}

	event, err := webhook.ConstructEvent(payload, r.Header.Get("Stripe-Signature"), h.secret)
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_signature", "webhook signature verification failed")
		return
	}

	if event.Type != "invoice.payment_succeeded" {
		w.WriteHeader(http.StatusOK)
		return
	}

	var inv stripe.Invoice
	if err := json.Unmarshal(event.Data.Raw, &inv); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "failed to parse invoice")
		return
	}

	userID := inv.Metadata["user_id"]
	appID := inv.Metadata["app_id"]
	if userID == "" || appID == "" {
		// Not a gateway invoice. Acknowledge so Stripe stops retrying.
		slog.Warn("stripe invoice without subject metadata", "invoice", inv.ID)
		w.WriteHeader(http.StatusOK)
		return
	}

	source := "stripe:" + inv.ID
	exists, err := h.ledger.GrantExists(r.Context(), source)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to check grant source")
		return
	}
	if exists {
		// Redelivered event; the credit is already on the books.
		w.WriteHeader(http.StatusOK)
		return
	}

	// AmountPaid is in the currency's minor unit.
	amount := decimal.NewFromInt(inv.AmountPaid).Shift(-2)
	grant := &ledger.CreditGrant{
		ID:        uuid.NewString(),
		UserID:    userID,
		AppID:     appID,
		Amount:    amount,
		Currency:  strings.ToUpper(string(inv.Currency)),
		Category:  "purchase",
		Source:    source,
		CreatedAt: time.Now().UTC(),
	}
	if err := h.ledger.AddCreditGrant(r.Context(), grant); err != nil {
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to credit invoice")
		return
	}

	slog.Info("credited stripe invoice",
		"invoice", inv.ID,
		"user_id", userID,
		"app_id", appID,
		"amount", amount.String(),
	)

	writeJSON(w, http.StatusOK, map[string]string{"grant_id": grant.ID})
}
