// Package x402 implements the gateway side of the x402 payment protocol: the
// 402 challenge, verification of signed transfer authorizations carried in
// the X-PAYMENT header, settlement through an external facilitator, and the
// compensating refunds that keep the settle → execute → finalize chain
// money-safe across partial failures.
package x402

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// SchemeExact is the only payment scheme the gateway accepts: a signed,
// time-bounded, single-use authorization for an exact transfer amount.
const SchemeExact = "exact"

// Version is the protocol version the gateway speaks.
const Version = 1

// Authorization is the signed EVM transfer authorization inside a payment
// payload. Value is an integer string in the asset's smallest unit;
// ValidAfter/ValidBefore are unix-second strings. The whole struct is
// immutable once received and consumed exactly once by the facilitator.
type Authorization struct {
	From        string `json:"from"`
	To          string `json:"to"`
	Value       string `json:"value"`
	ValidAfter  string `json:"validAfter"`
	ValidBefore string `json:"validBefore"`
	Nonce       string `json:"nonce"`
}

// ExactEvmPayload pairs an authorization with its signature.
type ExactEvmPayload struct {
	Signature     string        `json:"signature"`
	Authorization Authorization `json:"authorization"`
}

// PaymentPayload is the decoded X-PAYMENT header.
type PaymentPayload struct {
	X402Version int             `json:"x402Version"`
	Scheme      string          `json:"scheme"`
	Network     string          `json:"network"`
	Payload     ExactEvmPayload `json:"payload"`
}

// PaymentRequirements describes what the gateway will accept as payment for
// one request. Generated per-request, never persisted; returned in the 402
// challenge body and used to validate an incoming authorization against what
// was quoted.
type PaymentRequirements struct {
	Scheme            string         `json:"scheme"`
	Network           string         `json:"network"`
	MaxAmountRequired string         `json:"maxAmountRequired"`
	Resource          string         `json:"resource"`
	Description       string         `json:"description,omitempty"`
	PayTo             string         `json:"payTo"`
	Asset             string         `json:"asset"`
	MaxTimeoutSeconds int64          `json:"maxTimeoutSeconds"`
	Extra             map[string]any `json:"extra,omitempty"`
}

// ChallengeBody is the JSON body of a 402 response.
type ChallengeBody struct {
	Error   string                `json:"error"`
	Accepts []PaymentRequirements `json:"accepts"`
}

// AtomicAmount converts a decimal asset amount to an integer string in the
// asset's smallest unit, rounding up so a quote never undercharges by a
// fraction of the smallest unit.
func AtomicAmount(amount decimal.Decimal, decimals int32) string {
	return amount.Shift(decimals).Ceil().String()
}

// DecimalFromAtomic converts a smallest-unit integer string back to a
// decimal asset amount.
func DecimalFromAtomic(value string, decimals int32) (decimal.Decimal, error) {
	v, err := decimal.NewFromString(strings.TrimSpace(value))
	if err != nil {
		return decimal.Zero, fmt.Errorf("parsing atomic amount %q: %w", value, err)
	}
	if !v.Equal(v.Truncate(0)) {
		return decimal.Zero, fmt.Errorf("atomic amount %q is not an integer", value)
	}
	return v.Shift(-decimals), nil
}
