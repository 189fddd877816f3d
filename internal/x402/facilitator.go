package x402

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Facilitator performs the actual on-chain transfers on the gateway's
// behalf. The gateway never touches keys or chains directly.
type Facilitator interface {
	// Settle submits a signed authorization for execution. A returned error
	// means the facilitator could not be reached; a SettleResult with
	// Success=false means it rejected the authorization. Either way no money
	// moved and no compensation is needed.
	Settle(ctx context.Context, payload *PaymentPayload, reqs PaymentRequirements) (*SettleResult, error)

	// Refund transfers value back to a payer.
	Refund(ctx context.Context, req RefundRequest) (*RefundResult, error)
}

// SettleResult is the facilitator's answer to a settle call.
type SettleResult struct {
	Success     bool   `json:"success"`
	Transaction string `json:"transaction,omitempty"`
	Network     string `json:"network,omitempty"`
	Payer       string `json:"payer,omitempty"`
	ErrorReason string `json:"errorReason,omitempty"`
}

// RefundRequest describes a compensating transfer back to a payer.
type RefundRequest struct {
	To      string `json:"to"`
	Value   string `json:"value"` // smallest-unit integer string
	Asset   string `json:"asset"`
	Network string `json:"network"`
}

// RefundResult is the facilitator's answer to a refund call.
type RefundResult struct {
	Success     bool   `json:"success"`
	Transaction string `json:"transaction,omitempty"`
	ErrorReason string `json:"errorReason,omitempty"`
}

// HTTPFacilitator talks to a facilitator service over its JSON RPC contract:
// POST {base}/settle and POST {base}/refund.
type HTTPFacilitator struct {
	baseURL string
	client  *http.Client
}

// NewHTTPFacilitator creates a facilitator client for the given endpoint.
func NewHTTPFacilitator(baseURL string, timeout time.Duration) *HTTPFacilitator {
	return &HTTPFacilitator{
		baseURL: baseURL,
		client:  &http.Client{Timeout: timeout},
	}
}

type settleRequest struct {
	PaymentPayload      *PaymentPayload     `json:"paymentPayload"`
	PaymentRequirements PaymentRequirements `json:"paymentRequirements"`
}

// Settle implements Facilitator.
func (f *HTTPFacilitator) Settle(ctx context.Context, payload *PaymentPayload, reqs PaymentRequirements) (*SettleResult, error) {
	var result SettleResult
	if err := f.post(ctx, "/settle", settleRequest{payload, reqs}, &result); err != nil {
		return nil, fmt.Errorf("facilitator settle: %w", err)
	}
	return &result, nil
}

// Refund implements Facilitator.
func (f *HTTPFacilitator) Refund(ctx context.Context, req RefundRequest) (*RefundResult, error) {
	var result RefundResult
	if err := f.post(ctx, "/refund", req, &result); err != nil {
		return nil, fmt.Errorf("facilitator refund: %w", err)
	}
	return &result, nil
}

func (f *HTTPFacilitator) post(ctx context.Context, path string, body, out any) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.baseURL+path, bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := f.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("unexpected status %d: %s", resp.StatusCode, snippet)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decoding response: %w", err)
	}
	return nil
}
