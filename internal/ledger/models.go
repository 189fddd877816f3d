package ledger

import (
	"time"

	"github.com/shopspring/decimal"
)

// Subject identifies the party a request is billed to: a user acting
// through an app.
type Subject struct {
	UserID string
	AppID  string
}

// Key returns the composite map/row key for the subject.
func (s Subject) Key() string {
	return s.UserID + ":" + s.AppID
}

// TransactionStatus is the lifecycle state of a billed request.
type TransactionStatus string

const (
	StatusPending   TransactionStatus = "pending"
	StatusSuccess   TransactionStatus = "success"
	StatusCompleted TransactionStatus = "completed"
	StatusFailed    TransactionStatus = "failed"
)

// Origin records which payment rail produced a transaction.
type Origin string

const (
	OriginAPIKey Origin = "api_key"
	OriginX402   Origin = "x402"
)

// Transaction is the immutable record of one billed request. It is created
// once per request and never mutated after insertion.
type Transaction struct {
	ID                string            `json:"id"`
	UserID            string            `json:"user_id"`
	AppID             string            `json:"app_id"`
	Model             string            `json:"model"`
	Provider          string            `json:"provider"`
	ProviderRequestID string            `json:"provider_request_id"`
	InputUnits        int64             `json:"input_units"`
	OutputUnits       int64             `json:"output_units"`
	TotalUnits        int64             `json:"total_units"`
	ToolCost          decimal.Decimal   `json:"tool_cost"`
	RawCost           decimal.Decimal   `json:"raw_cost"`
	TotalCost         decimal.Decimal   `json:"total_cost"`
	Status            TransactionStatus `json:"status"`
	Origin            Origin            `json:"origin"`
	CreatedAt         time.Time         `json:"created_at"`
}

// Subject returns the billed party.
func (t *Transaction) Subject() Subject {
	return Subject{UserID: t.UserID, AppID: t.AppID}
}

// Balance is a subject's durable funds position. It is only ever mutated by
// committed transactions and confirmed credit grants, never by reservations.
type Balance struct {
	TotalCredits decimal.Decimal `json:"total_credits"`
	TotalSpent   decimal.Decimal `json:"total_spent"`
	Currency     string          `json:"currency"`
}

// Available returns credits minus spend.
func (b Balance) Available() decimal.Decimal {
	return b.TotalCredits.Sub(b.TotalSpent)
}

// CreditGrant is created when a payment is confirmed (fiat invoice or
// crypto). Grants are append-only; they contribute to Balance and are never
// mutated, only expired.
type CreditGrant struct {
	ID        string          `json:"id"`
	UserID    string          `json:"user_id"`
	AppID     string          `json:"app_id"`
	Amount    decimal.Decimal `json:"amount"`
	Currency  string          `json:"currency"`
	Category  string          `json:"category"` // "purchase", "promo", "crypto"
	Source    string          `json:"source"`   // e.g. "stripe:in_123"
	ExpiresAt *time.Time      `json:"expires_at,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

// UsageSummary holds aggregate metrics for a set of transactions.
type UsageSummary struct {
	TotalRequests int64           `json:"total_requests"`
	TotalRawCost  decimal.Decimal `json:"total_raw_cost"`
	TotalCost     decimal.Decimal `json:"total_cost"`
	TotalUnits    int64           `json:"total_units"`
}

// TransactionQuery defines filters and cursor pagination for listing
// transactions.
type TransactionQuery struct {
	UserID string    `json:"user_id,omitempty"`
	AppID  string    `json:"app_id,omitempty"`
	Origin Origin    `json:"origin,omitempty"`
	From   time.Time `json:"from"`
	To     time.Time `json:"to"`
	Cursor string    `json:"cursor,omitempty"`
	Limit  int       `json:"limit"`
}
