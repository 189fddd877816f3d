package x402

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// PaymentHeader is the request header carrying a payment authorization.
const PaymentHeader = "X-PAYMENT"

// ResponseHeader carries the settlement receipt back to the payer.
const ResponseHeader = "X-PAYMENT-RESPONSE"

// DecodePaymentHeader parses a base64-encoded JSON payment payload.
func DecodePaymentHeader(header string) (*PaymentPayload, error) {
	raw, err := base64.StdEncoding.DecodeString(header)
	if err != nil {
		return nil, fmt.Errorf("decoding payment header: %w", err)
	}
	var p PaymentPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("parsing payment payload: %w", err)
	}
	return &p, nil
}

// EncodePaymentHeader is the inverse of DecodePaymentHeader. Clients use it
// to build the X-PAYMENT header; the gateway uses it in tests.
func EncodePaymentHeader(p *PaymentPayload) (string, error) {
	raw, err := json.Marshal(p)
	if err != nil {
		return "", fmt.Errorf("encoding payment payload: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// settlementReceipt is the X-PAYMENT-RESPONSE body.
type settlementReceipt struct {
	Success     bool   `json:"success"`
	Transaction string `json:"transaction"`
	Network     string `json:"network"`
	Payer       string `json:"payer"`
}

// EncodeSettlementReceipt builds the X-PAYMENT-RESPONSE header value for a
// completed settlement.
func EncodeSettlementReceipt(s *Settlement, network string) (string, error) {
	raw, err := json.Marshal(settlementReceipt{
		Success:     true,
		Transaction: s.Transaction,
		Network:     network,
		Payer:       s.Payer,
	})
	if err != nil {
		return "", fmt.Errorf("encoding settlement receipt: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}
