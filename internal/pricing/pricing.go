package pricing

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// Price holds the per-model unit prices used to compute raw cost.
// Token-metered models set the per-million fields; second/unit-metered
// resources (audio, video, generic compute) set PerUnit instead.
type Price struct {
	PromptPerMillion     decimal.Decimal
	CompletionPerMillion decimal.Decimal
	PerUnit              decimal.Decimal
}

// Cost returns the raw provider cost for the given usage counts.
// When PerUnit is set it takes precedence and totalUnits is the billed count.
func (p Price) Cost(promptUnits, completionUnits, totalUnits int64) decimal.Decimal {
	if !p.PerUnit.IsZero() {
		return p.PerUnit.Mul(decimal.NewFromInt(totalUnits))
	}
	million := decimal.NewFromInt(1_000_000)
	in := p.PromptPerMillion.Mul(decimal.NewFromInt(promptUnits)).Div(million)
	out := p.CompletionPerMillion.Mul(decimal.NewFromInt(completionUnits)).Div(million)
	return in.Add(out)
}

// Markup is a multiplier applied to raw provider cost to produce the amount
// charged to the caller. It is validated at construction: a rate below 1.0
// would charge callers less than the provider charges us, so it is rejected
// when an app is configured, never at charge time.
type Markup struct {
	rate decimal.Decimal
}

// NewMarkup validates and wraps a markup rate.
func NewMarkup(rate decimal.Decimal) (Markup, error) {
	if rate.LessThan(decimal.NewFromInt(1)) {
		return Markup{}, fmt.Errorf("markup rate %s is below 1.0", rate)
	}
	return Markup{rate: rate}, nil
}

// MustMarkup is a test/seed helper that panics on an invalid rate.
func MustMarkup(rate string) Markup {
	m, err := NewMarkup(decimal.RequireFromString(rate))
	if err != nil {
		panic(err)
	}
	return m
}

// Rate returns the underlying multiplier.
func (m Markup) Rate() decimal.Decimal {
	if m.rate.IsZero() {
		// Zero value behaves as pass-through pricing.
		return decimal.NewFromInt(1)
	}
	return m.rate
}

// Referral describes an active referral relationship: a share of the markup
// profit on every transaction is redirected to the referring app.
type Referral struct {
	AppID string
	Share decimal.Decimal // fraction of markup profit in [0, 1]
}

// Costs is the full monetary breakdown for one transaction. All fields are
// decimals; the splits reconcile exactly:
//
//	Total  = Raw + MarkupProfit
//	MarkupProfit = ReferralProfit + AppProfit
//	PlatformProfit = AppProfit + platform cut
type Costs struct {
	Raw            decimal.Decimal
	Total          decimal.Decimal
	MarkupProfit   decimal.Decimal
	ReferralProfit decimal.Decimal
	AppProfit      decimal.Decimal
	PlatformProfit decimal.Decimal
}

// Calculator computes transaction cost breakdowns. PlatformFee is the
// platform's cut expressed as a fraction of the total charged amount.
type Calculator struct {
	PlatformFee decimal.Decimal
}

// Compute derives the cost breakdown from a raw cost, the app's markup, and
// an optional referral relationship. Subtraction (not repeated
// multiplication) derives the residual shares so the parts always sum back
// to the whole with no drift.
func (c Calculator) Compute(raw decimal.Decimal, markup Markup, referral *Referral) Costs {
	total := raw.Mul(markup.Rate())
	markupProfit := total.Sub(raw)

	var referralProfit decimal.Decimal
	if referral != nil {
		referralProfit = markupProfit.Mul(referral.Share)
	}

	appProfit := markupProfit.Sub(referralProfit)
	platformCut := total.Mul(c.PlatformFee)

	return Costs{
		Raw:            raw,
		Total:          total,
		MarkupProfit:   markupProfit,
		ReferralProfit: referralProfit,
		AppProfit:      appProfit,
		PlatformProfit: appProfit.Add(platformCut),
	}
}
