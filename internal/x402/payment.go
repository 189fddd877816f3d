package x402

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"golang.org/x/crypto/sha3"
	"golang.org/x/sync/singleflight"

	"github.com/peagehq/peage/internal/reconcile"
)

// Config holds the gateway's payment terms.
type Config struct {
	Network           string
	PayTo             string
	Asset             string // token contract address
	AssetDecimals     int32
	MaxTimeoutSeconds int64
}

// ChallengeError carries the reason a request must (re)satisfy the 402
// challenge. Every pre-execution payment failure maps to this error and to a
// 402 response, never a 500: no money has moved yet, so re-issuing the
// challenge is always safe and always side-effect free.
type ChallengeError struct {
	Reason string
}

func (e *ChallengeError) Error() string {
	return "payment required: " + e.Reason
}

// ReconcileRecorder receives the records the request path cannot act on
// (failed refunds, overconsumed payments).
type ReconcileRecorder interface {
	Record(rec reconcile.Record)
}

// Settlement is the durable fact that money moved: who paid, how much, and
// under which payload key. Execute is only ever attempted after one of these
// exists, and Finalize decides how much of it comes back.
type Settlement struct {
	Key         string
	Payer       string
	Amount      decimal.Decimal
	Transaction string
}

// FinalizeOutcome reports what Finalize did with a settlement.
type FinalizeOutcome struct {
	Refund       decimal.Decimal
	RefundTx     string
	RefundFailed bool
}

// Handler drives the challenge / settle / finalize phases of the protocol.
type Handler struct {
	fac   Facilitator
	cfg   Config
	recon ReconcileRecorder
	now   func() time.Time

	// settled caches successful settlements by payload key so a client
	// retrying during the confirmation window cannot trigger a duplicate
	// transfer. Failed settles are never cached, which keeps legitimate
	// retries possible. inflight collapses concurrent settles of the same
	// key onto one facilitator call; the cache alone leaves a window
	// between the lookup and the call.
	inflight singleflight.Group
	mu       sync.Mutex
	settled  map[string]*Settlement
}

// NewHandler creates a payment handler.
func NewHandler(fac Facilitator, cfg Config, recon ReconcileRecorder) *Handler {
	return &Handler{
		fac:     fac,
		cfg:     cfg,
		recon:   recon,
		now:     time.Now,
		settled: make(map[string]*Settlement),
	}
}

// Network returns the settlement network the handler is configured for.
func (h *Handler) Network() string {
	return h.cfg.Network
}

// RequirementsFor builds the payment terms for one request: the quoted
// worst-case cost, the gateway's receiving address, and the asset/network
// pair it settles on.
func (h *Handler) RequirementsFor(resource string, maxCost decimal.Decimal) PaymentRequirements {
	return PaymentRequirements{
		Scheme:            SchemeExact,
		Network:           h.cfg.Network,
		MaxAmountRequired: AtomicAmount(maxCost, h.cfg.AssetDecimals),
		Resource:          resource,
		PayTo:             h.cfg.PayTo,
		Asset:             h.cfg.Asset,
		MaxTimeoutSeconds: h.cfg.MaxTimeoutSeconds,
	}
}

// WriteChallenge writes the 402 response for the given requirements.
// Challenges are stateless and therefore idempotent: the same request
// yields the same challenge however many times it is presented.
func (h *Handler) WriteChallenge(w http.ResponseWriter, reqs PaymentRequirements, reason string) {
	w.Header().Set("WWW-Authenticate",
		fmt.Sprintf("X-402 network=%q, asset=%q", h.cfg.Network, h.cfg.Asset))
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusPaymentRequired)
	_ = json.NewEncoder(w).Encode(ChallengeBody{
		Error:   reason,
		Accepts: []PaymentRequirements{reqs},
	})
}

// Verify checks a decoded payload against the requirements quoted for this
// request. All failures are *ChallengeError; nothing here has side effects.
func (h *Handler) Verify(p *PaymentPayload, reqs PaymentRequirements) error {
	if p.X402Version != Version {
		return &ChallengeError{Reason: fmt.Sprintf("unsupported x402 version %d", p.X402Version)}
	}
	if p.Scheme != SchemeExact || p.Scheme != reqs.Scheme {
		return &ChallengeError{Reason: fmt.Sprintf("unsupported scheme %q", p.Scheme)}
	}
	if p.Network != reqs.Network {
		return &ChallengeError{Reason: fmt.Sprintf("wrong network %q, want %q", p.Network, reqs.Network)}
	}
	auth := p.Payload.Authorization
	if p.Payload.Signature == "" || auth.From == "" {
		return &ChallengeError{Reason: "missing signature or payer"}
	}
	if auth.To != reqs.PayTo {
		return &ChallengeError{Reason: fmt.Sprintf("authorization pays %q, want %q", auth.To, reqs.PayTo)}
	}

	// Guard against a replayed, smaller quote: the authorized value must
	// cover the amount required for *this* request.
	value, err := DecimalFromAtomic(auth.Value, h.cfg.AssetDecimals)
	if err != nil {
		return &ChallengeError{Reason: "malformed authorization value"}
	}
	required, err := DecimalFromAtomic(reqs.MaxAmountRequired, h.cfg.AssetDecimals)
	if err != nil {
		return &ChallengeError{Reason: "malformed requirement amount"}
	}
	if value.LessThan(required) {
		return &ChallengeError{Reason: fmt.Sprintf("authorized value %s below required %s", auth.Value, reqs.MaxAmountRequired)}
	}

	now := h.now().Unix()
	validAfter, err := strconv.ParseInt(auth.ValidAfter, 10, 64)
	if err != nil {
		return &ChallengeError{Reason: "malformed validAfter"}
	}
	validBefore, err := strconv.ParseInt(auth.ValidBefore, 10, 64)
	if err != nil {
		return &ChallengeError{Reason: "malformed validBefore"}
	}
	if now < validAfter {
		return &ChallengeError{Reason: "authorization not yet valid"}
	}
	if now >= validBefore {
		return &ChallengeError{Reason: "authorization expired"}
	}
	return nil
}

// Settle submits the authorization to the facilitator. On success the
// settlement is durably cached under the payload key, so a retried request
// reuses the original transfer instead of settling twice; concurrent
// requests carrying the same payload share a single facilitator call. Any
// failure, whether a rejection or an unreachable facilitator, is a
// *ChallengeError: money did not move, no transaction exists, and no
// compensation is owed.
func (h *Handler) Settle(ctx context.Context, p *PaymentPayload, reqs PaymentRequirements) (*Settlement, error) {
	key, err := PayloadKey(p)
	if err != nil {
		return nil, &ChallengeError{Reason: "unhashable payment payload"}
	}

	v, err, _ := h.inflight.Do(key, func() (any, error) {
		h.mu.Lock()
		if s, ok := h.settled[key]; ok {
			h.mu.Unlock()
			return s, nil
		}
		h.mu.Unlock()

		result, err := h.fac.Settle(ctx, p, reqs)
		if err != nil {
			slog.Error("facilitator settle call failed", "error", err)
			return nil, &ChallengeError{Reason: "settlement unavailable"}
		}
		if !result.Success {
			return nil, &ChallengeError{Reason: "settlement rejected: " + result.ErrorReason}
		}

		amount, err := DecimalFromAtomic(p.Payload.Authorization.Value, h.cfg.AssetDecimals)
		if err != nil {
			// Verify runs before Settle, so this cannot normally happen.
			return nil, &ChallengeError{Reason: "malformed authorization value"}
		}

		payer := result.Payer
		if payer == "" {
			payer = p.Payload.Authorization.From
		}
		s := &Settlement{
			Key:         key,
			Payer:       payer,
			Amount:      amount,
			Transaction: result.Transaction,
		}

		h.mu.Lock()
		h.settled[key] = s
		h.mu.Unlock()
		return s, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Settlement), nil
}

// Finalize reconciles a settlement against the actual resource cost. A
// positive difference is refunded to the payer; a refund failure is a
// reconciliation debt, logged and recorded but never surfaced to the caller
// and never retried inside the request path. A non-positive difference means
// the payment was fully (or over-)consumed: nothing is transferred and the
// case is recorded for reconciliation.
func (h *Handler) Finalize(ctx context.Context, s *Settlement, actualCost decimal.Decimal) FinalizeOutcome {
	refund := s.Amount.Sub(actualCost)
	if refund.LessThanOrEqual(decimal.Zero) {
		slog.Warn("actual cost consumed settled payment",
			"payer", s.Payer, "payment", s.Amount, "cost", actualCost)
		h.recon.Record(reconcile.Record{
			ID:        uuid.NewString(),
			Kind:      reconcile.KindCostExceedsPayment,
			Amount:    refund.Neg(),
			Asset:     h.cfg.Asset,
			PayTo:     s.Payer,
			Detail:    fmt.Sprintf("payment %s, actual cost %s", s.Amount, actualCost),
			Timestamp: h.now(),
		})
		return FinalizeOutcome{Refund: decimal.Zero}
	}

	req := RefundRequest{
		To:      s.Payer,
		Value:   AtomicAmount(refund, h.cfg.AssetDecimals),
		Asset:   h.cfg.Asset,
		Network: h.cfg.Network,
	}
	result, err := h.fac.Refund(ctx, req)
	if err == nil && result.Success {
		return FinalizeOutcome{Refund: refund, RefundTx: result.Transaction}
	}

	var reason string
	if err != nil {
		reason = err.Error()
	} else {
		reason = result.ErrorReason
	}
	slog.Error("refund transfer failed",
		"payer", s.Payer, "amount", refund, "reason", reason)
	h.recon.Record(reconcile.Record{
		ID:        uuid.NewString(),
		Kind:      reconcile.KindRefundFailed,
		Amount:    refund,
		Asset:     h.cfg.Asset,
		PayTo:     s.Payer,
		Detail:    reason,
		Timestamp: h.now(),
	})
	return FinalizeOutcome{Refund: refund, RefundFailed: true}
}

// RefundAll refunds the entire settled amount. Used when execution failed
// after a successful settle: no value was delivered, so everything goes
// back.
func (h *Handler) RefundAll(ctx context.Context, s *Settlement) FinalizeOutcome {
	return h.Finalize(ctx, s, decimal.Zero)
}

// Forget drops a cached settlement. Called after the request that owns it
// reaches a terminal state; the on-chain nonce protects anything later.
func (h *Handler) Forget(key string) {
	h.mu.Lock()
	delete(h.settled, key)
	h.mu.Unlock()
}

// PayloadKey derives the idempotency key for a payment payload: the
// keccak256 hash of its canonical JSON encoding.
func PayloadKey(p *PaymentPayload) (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encoding payload for hashing: %w", err)
	}
	d := sha3.NewLegacyKeccak256()
	d.Write(raw)
	return hex.EncodeToString(d.Sum(nil)), nil
}
