package app

import (
	"time"

	"github.com/shopspring/decimal"
)

// App is a registered integrator application. Its markup multiplies raw
// provider cost into the price its users pay; the surplus is the app's
// margin, optionally shared with the app that referred it.
type App struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Markup        decimal.Decimal `json:"markup"`
	ReferralAppID string          `json:"referral_app_id,omitempty"`
	ReferralShare decimal.Decimal `json:"referral_share"`
	FreeTierCap   decimal.Decimal `json:"free_tier_cap"`
	RateLimit     int             `json:"rate_limit"`
	CreatedAt     time.Time       `json:"created_at"`
}

// APIKey identifies one user of one app. The plaintext key is shown once
// at creation; only the hash and a display prefix are stored.
type APIKey struct {
	ID        string    `json:"id"`
	AppID     string    `json:"app_id"`
	UserID    string    `json:"user_id"`
	KeyHash   string    `json:"-"`
	KeyPrefix string    `json:"key_prefix"`
	CreatedAt time.Time `json:"created_at"`
}

// CreateAppInput holds the fields required to register an app.
type CreateAppInput struct {
	Name          string          `json:"name"`
	Markup        decimal.Decimal `json:"markup"`
	ReferralAppID string          `json:"referral_app_id"`
	ReferralShare decimal.Decimal `json:"referral_share"`
	FreeTierCap   decimal.Decimal `json:"free_tier_cap"`
	RateLimit     int             `json:"rate_limit"`
}

// UpdateAppInput holds optional fields for a partial app update.
type UpdateAppInput struct {
	Name          *string          `json:"name,omitempty"`
	Markup        *decimal.Decimal `json:"markup,omitempty"`
	ReferralShare *decimal.Decimal `json:"referral_share,omitempty"`
	FreeTierCap   *decimal.Decimal `json:"free_tier_cap,omitempty"`
	RateLimit     *int             `json:"rate_limit,omitempty"`
}

// CreateKeyInput holds the fields required to issue an API key.
type CreateKeyInput struct {
	AppID     string `json:"app_id"`
	UserID    string `json:"user_id"`
	KeyHash   string `json:"-"`
	KeyPrefix string `json:"-"`
}

// AppListParams controls cursor-based pagination for listing apps.
type AppListParams struct {
	Cursor string `json:"cursor"`
	Limit  int    `json:"limit"`
}
