package catalog

import (
	"time"

	"github.com/shopspring/decimal"

	"github.com/peagehq/peage/internal/pricing"
	"github.com/peagehq/peage/internal/provider"
)

// Model is one billable entry in the catalog: a model name clients put in
// their requests, the provider that serves it, and its prices. MaxCost is
// the worst-case charge quoted for a single request; reservations and
// payment challenges are sized from it.
type Model struct {
	ID                   string          `json:"id"`
	Name                 string          `json:"name"`
	Provider             provider.Type   `json:"provider"`
	PromptPerMillion     decimal.Decimal `json:"prompt_per_million"`
	CompletionPerMillion decimal.Decimal `json:"completion_per_million"`
	PerUnit              decimal.Decimal `json:"per_unit"`
	MaxCost              decimal.Decimal `json:"max_cost"`
	Active               bool            `json:"active"`
	CreatedAt            time.Time       `json:"created_at"`
	UpdatedAt            time.Time       `json:"updated_at"`
}

// Price converts the catalog row into the calculator's price shape.
func (m *Model) Price() pricing.Price {
	return pricing.Price{
		PromptPerMillion:     m.PromptPerMillion,
		CompletionPerMillion: m.CompletionPerMillion,
		PerUnit:              m.PerUnit,
	}
}

// ProviderConfig is the stored upstream credential set for one provider
// type. The API key is encrypted at rest when a cipher is configured.
type ProviderConfig struct {
	Type      provider.Type `json:"type"`
	BaseURL   string        `json:"base_url"`
	APIKey    string        `json:"-"`
	UpdatedAt time.Time     `json:"updated_at"`
}

// CreateModelInput holds the fields required to register a model.
type CreateModelInput struct {
	Name                 string          `json:"name"`
	Provider             provider.Type   `json:"provider"`
	PromptPerMillion     decimal.Decimal `json:"prompt_per_million"`
	CompletionPerMillion decimal.Decimal `json:"completion_per_million"`
	PerUnit              decimal.Decimal `json:"per_unit"`
	MaxCost              decimal.Decimal `json:"max_cost"`
}

// UpdateModelInput holds the fields that can change on a model. Only
// non-nil fields are applied.
type UpdateModelInput struct {
	PromptPerMillion     *decimal.Decimal `json:"prompt_per_million"`
	CompletionPerMillion *decimal.Decimal `json:"completion_per_million"`
	PerUnit              *decimal.Decimal `json:"per_unit"`
	MaxCost              *decimal.Decimal `json:"max_cost"`
	Active               *bool            `json:"active"`
}
