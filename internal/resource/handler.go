package resource

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/peagehq/peage/internal/auth"
	"github.com/peagehq/peage/internal/ledger"
	"github.com/peagehq/peage/internal/x402"
)

// Authenticator resolves API keys to callers.
type Authenticator interface {
	Resolve(ctx context.Context, token string) (*auth.Caller, error)
}

// Reserver holds funds for in-flight requests so concurrent calls cannot
// jointly overdraw a balance.
type Reserver interface {
	Reserve(ctx context.Context, sub ledger.Subject, requestID string, maxCost decimal.Decimal) error
	Release(sub ledger.Subject, requestID string)
}

// TransactionWriter persists billing records. Commit deducts from a
// balance; Record only appends, for requests paid outside the ledger.
type TransactionWriter interface {
	Commit(ctx context.Context, t *ledger.Transaction) error
	Record(ctx context.Context, t *ledger.Transaction) error
}

// MetricsRecorder is an optional interface for payment-path metrics.
type MetricsRecorder interface {
	IncResourceRequests(resource, payment string, statusCode int)
	IncReservationRejection()
	IncSettlement(network string)
	IncRefund(failed bool)
}

// Handler mounts resources behind the two payment paths. The path is
// chosen per request from the evidence presented: an X-PAYMENT header wins
// over an API key, and a request with neither gets a payment challenge
// that tells the client both options exist.
type Handler struct {
	auth     Authenticator
	escrow   Reserver
	ledger   TransactionWriter
	payments *x402.Handler
	metrics  MetricsRecorder
}

// NewHandler creates a resource handler.
func NewHandler(authn Authenticator, escrow Reserver, txs TransactionWriter, payments *x402.Handler) *Handler {
	return &Handler{
		auth:     authn,
		escrow:   escrow,
		ledger:   txs,
		payments: payments,
	}
}

// SetMetrics sets the optional metrics recorder.
func (h *Handler) SetMetrics(m MetricsRecorder) {
	h.metrics = m
}

// Serve returns the HTTP handler for one resource.
func (h *Handler) Serve(res Resource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		input, err := res.DecodeInput(r)
		if err != nil {
			var ie *InputError
			if errors.As(err, &ie) {
				h.countRequest(res, "none", http.StatusBadRequest)
				writeError(w, http.StatusBadRequest, "invalid_input", ie.Reason)
				return
			}
			slog.Error("decoding resource input", "resource", res.Name(), "error", err)
			h.countRequest(res, "none", http.StatusInternalServerError)
			writeError(w, http.StatusInternalServerError, "internal", "failed to read request")
			return
		}
		maxCost := res.MaxCost(input)

		if r.Header.Get(x402.PaymentHeader) != "" && h.payments != nil {
			h.serveX402(w, r, res, input, maxCost)
			return
		}
		if auth.BearerToken(r) != "" {
			h.serveBalance(w, r, res, input, maxCost)
			return
		}

		// No payment evidence at all. When the crypto rail is configured,
		// the 402 challenge doubles as the discovery response for x402
		// clients.
		if h.payments == nil {
			h.countRequest(res, "none", http.StatusUnauthorized)
			writeError(w, http.StatusUnauthorized, "unauthorized", "an API key is required")
			return
		}
		reqs := h.payments.RequirementsFor(r.URL.Path, maxCost)
		h.countRequest(res, "none", http.StatusPaymentRequired)
		h.payments.WriteChallenge(w, reqs, "payment required: present an API key or an X-PAYMENT header")
	}
}

// serveBalance is the prepaid path: reserve the worst case against the
// caller's balance, execute, commit what was actually used, release.
func (h *Handler) serveBalance(w http.ResponseWriter, r *http.Request, res Resource, input any, maxCost decimal.Decimal) {
	ctx := r.Context()

	caller, err := h.auth.Resolve(ctx, auth.BearerToken(r))
	if err != nil {
		h.countRequest(res, "api_key", http.StatusUnauthorized)
		writeError(w, http.StatusUnauthorized, "unauthorized", "invalid api key")
		return
	}

	sub := ledger.Subject{UserID: caller.UserID, AppID: caller.AppID}
	requestID := uuid.NewString()
	if err := h.escrow.Reserve(ctx, sub, requestID, maxCost); err != nil {
		if errors.Is(err, ledger.ErrInsufficientBalance) {
			if h.metrics != nil {
				h.metrics.IncReservationRejection()
			}
			h.countRequest(res, "api_key", http.StatusPaymentRequired)
			writeError(w, http.StatusPaymentRequired, "insufficient_balance",
				"balance cannot cover the worst-case cost of this request")
			return
		}
		slog.Error("reserving balance", "resource", res.Name(), "subject", sub.Key(), "error", err)
		h.countRequest(res, "api_key", http.StatusInternalServerError)
		writeError(w, http.StatusInternalServerError, "internal", "balance check failed")
		return
	}
	defer h.escrow.Release(sub, requestID)

	outcome, err := res.Execute(auth.ContextWithCaller(ctx, caller), input, w)
	if err != nil {
		status := executeStatus(err)
		slog.Warn("resource execution failed", "resource", res.Name(), "error", err)
		h.countRequest(res, "api_key", status)
		writeError(w, status, "execution_failed", "resource execution failed")
		return
	}

	if outcome.Empty() {
		// The resource passed an upstream rejection through without
		// delivering anything billable. Nothing is committed.
		h.countRequest(res, "api_key", http.StatusOK)
		return
	}

	tx := outcome.Transaction
	if tx == nil {
		tx = h.synthesizeTransaction(res, outcome)
	}
	tx.UserID = caller.UserID
	tx.AppID = caller.AppID
	tx.Origin = ledger.OriginAPIKey

	// The response may already be streaming to the client; the commit must
	// survive the request context ending.
	if err := h.ledger.Commit(context.WithoutCancel(ctx), tx); err != nil {
		slog.Error("committing transaction", "transaction", tx.ID, "subject", sub.Key(), "error", err)
	}
	h.countRequest(res, "api_key", http.StatusOK)
}

// serveX402 is the pay-per-request path: verify the signed authorization,
// settle it for the worst case, execute, then refund the unused remainder.
func (h *Handler) serveX402(w http.ResponseWriter, r *http.Request, res Resource, input any, maxCost decimal.Decimal) {
	ctx := r.Context()
	reqs := h.payments.RequirementsFor(r.URL.Path, maxCost)

	payload, err := x402.DecodePaymentHeader(r.Header.Get(x402.PaymentHeader))
	if err != nil {
		h.countRequest(res, "x402", http.StatusPaymentRequired)
		h.payments.WriteChallenge(w, reqs, "malformed X-PAYMENT header")
		return
	}
	if err := h.payments.Verify(payload, reqs); err != nil {
		h.writeChallengeError(w, res, reqs, err)
		return
	}

	settlement, err := h.payments.Settle(ctx, payload, reqs)
	if err != nil {
		h.writeChallengeError(w, res, reqs, err)
		return
	}
	if h.metrics != nil {
		h.metrics.IncSettlement(h.payments.Network())
	}

	if receipt, rerr := x402.EncodeSettlementReceipt(settlement, h.payments.Network()); rerr == nil {
		w.Header().Set(x402.ResponseHeader, receipt)
	}

	outcome, err := res.Execute(ctx, input, w)
	if err != nil {
		// The payment settled but no value was delivered: everything goes
		// back to the payer before the error is reported.
		out := h.payments.RefundAll(context.WithoutCancel(ctx), settlement)
		h.payments.Forget(settlement.Key)
		if h.metrics != nil {
			h.metrics.IncRefund(out.RefundFailed)
		}
		status := executeStatus(err)
		slog.Warn("resource execution failed after settle",
			"resource", res.Name(), "payer", settlement.Payer, "error", err)
		h.countRequest(res, "x402", status)
		writeError(w, status, "execution_failed", "resource execution failed; payment refunded")
		return
	}

	out := h.payments.Finalize(context.WithoutCancel(ctx), settlement, outcome.ActualCost)
	h.payments.Forget(settlement.Key)
	if h.metrics != nil && !out.Refund.IsZero() {
		h.metrics.IncRefund(out.RefundFailed)
	}

	if outcome.Empty() {
		// Finalize with a zero actual cost already refunded the whole
		// settlement, so there is no spend to record either.
		h.countRequest(res, "x402", http.StatusOK)
		return
	}

	tx := outcome.Transaction
	if tx == nil {
		tx = h.synthesizeTransaction(res, outcome)
	}
	if tx.UserID == "" {
		tx.UserID = settlement.Payer
	}
	tx.Origin = ledger.OriginX402

	if err := h.ledger.Record(context.WithoutCancel(ctx), tx); err != nil {
		slog.Error("recording transaction", "transaction", tx.ID, "payer", settlement.Payer, "error", err)
	}
	h.countRequest(res, "x402", http.StatusOK)
}

func (h *Handler) writeChallengeError(w http.ResponseWriter, res Resource, reqs x402.PaymentRequirements, err error) {
	var ce *x402.ChallengeError
	if errors.As(err, &ce) {
		h.countRequest(res, "x402", http.StatusPaymentRequired)
		h.payments.WriteChallenge(w, reqs, ce.Reason)
		return
	}
	slog.Error("payment handling failed", "resource", res.Name(), "error", err)
	h.countRequest(res, "x402", http.StatusInternalServerError)
	writeError(w, http.StatusInternalServerError, "internal", "payment handling failed")
}

func (h *Handler) synthesizeTransaction(res Resource, outcome Outcome) *ledger.Transaction {
	return &ledger.Transaction{
		ID:        uuid.NewString(),
		Model:     res.Name(),
		ToolCost:  outcome.ActualCost,
		RawCost:   outcome.ActualCost,
		TotalCost: outcome.ActualCost,
		Status:    ledger.StatusSuccess,
		CreatedAt: time.Now().UTC(),
	}
}

func (h *Handler) countRequest(res Resource, payment string, status int) {
	if h.metrics != nil {
		h.metrics.IncResourceRequests(res.Name(), payment, status)
	}
}

// executeStatus maps an execution error to a gateway status: timeouts are
// 504, everything else 502.
func executeStatus(err error) int {
	var t interface{ Timeout() bool }
	if errors.As(err, &t) && t.Timeout() {
		return http.StatusGatewayTimeout
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return http.StatusGatewayTimeout
	}
	return http.StatusBadGateway
}

type handlerError struct {
	Error handlerErrorBody `json:"error"`
}

type handlerErrorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(handlerError{
		Error: handlerErrorBody{Code: code, Message: message},
	})
}
