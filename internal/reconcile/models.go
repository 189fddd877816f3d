package reconcile

import (
	"time"

	"github.com/shopspring/decimal"
)

// Kind classifies a reconciliation record.
type Kind string

const (
	// KindRefundFailed marks a compensating refund transfer that failed.
	// The payer is owed money until an operator replays the refund.
	KindRefundFailed Kind = "refund_failed"

	// KindCostExceedsPayment marks a request whose actual cost met or
	// exceeded the settled payment. Logged anomaly, not an error.
	KindCostExceedsPayment Kind = "cost_exceeds_payment"

	// KindUsageParseFailed marks a streamed response whose usage could not
	// be reconstructed; billing fell back to zero/partial usage.
	KindUsageParseFailed Kind = "usage_parse_failed"
)

// Record is one reconciliation debt or anomaly. Records never reach the
// caller; they exist so operators can settle what the request path could
// not.
type Record struct {
	ID        string          `json:"id"`
	Kind      Kind            `json:"kind"`
	UserID    string          `json:"user_id"`
	AppID     string          `json:"app_id"`
	Amount    decimal.Decimal `json:"amount"`
	Asset     string          `json:"asset"`
	PayTo     string          `json:"pay_to"`
	Detail    string          `json:"detail"`
	Timestamp time.Time       `json:"timestamp"`
}
