package pricing

import (
	"testing"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestPrice_Cost(t *testing.T) {
	tests := []struct {
		name            string
		price           Price
		prompt          int64
		completion      int64
		total           int64
		want            string
	}{
		{
			name:       "token metered",
			price:      Price{PromptPerMillion: dec("3"), CompletionPerMillion: dec("15")},
			prompt:     1000,
			completion: 2000,
			want:       "0.033",
		},
		{
			name:   "zero usage",
			price:  Price{PromptPerMillion: dec("3"), CompletionPerMillion: dec("15")},
			want:   "0",
		},
		{
			name:  "per unit takes precedence",
			price: Price{PromptPerMillion: dec("3"), PerUnit: dec("0.006")},
			total: 90,
			want:  "0.54",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.price.Cost(tt.prompt, tt.completion, tt.total)
			if !got.Equal(dec(tt.want)) {
				t.Fatalf("Cost() = %s, want %s", got, tt.want)
			}
		})
	}
}

func TestNewMarkup(t *testing.T) {
	if _, err := NewMarkup(dec("0.99")); err == nil {
		t.Fatal("expected error for markup below 1.0")
	}
	if _, err := NewMarkup(dec("1")); err != nil {
		t.Fatalf("unexpected error for markup 1.0: %v", err)
	}
	m, err := NewMarkup(dec("1.5"))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !m.Rate().Equal(dec("1.5")) {
		t.Fatalf("Rate() = %s, want 1.5", m.Rate())
	}
}

func TestMarkup_ZeroValuePassesThrough(t *testing.T) {
	var m Markup
	if !m.Rate().Equal(dec("1")) {
		t.Fatalf("zero-value markup rate = %s, want 1", m.Rate())
	}
}

func TestCalculator_Compute(t *testing.T) {
	calc := Calculator{}

	t.Run("no referral", func(t *testing.T) {
		c := calc.Compute(dec("4.00"), MustMarkup("1.5"), nil)
		if !c.Total.Equal(dec("6.00")) {
			t.Fatalf("Total = %s, want 6.00", c.Total)
		}
		if !c.MarkupProfit.Equal(dec("2.00")) {
			t.Fatalf("MarkupProfit = %s, want 2.00", c.MarkupProfit)
		}
		if !c.ReferralProfit.IsZero() {
			t.Fatalf("ReferralProfit = %s, want 0", c.ReferralProfit)
		}
		if !c.AppProfit.Equal(dec("2.00")) {
			t.Fatalf("AppProfit = %s, want 2.00", c.AppProfit)
		}
	})

	t.Run("referral split", func(t *testing.T) {
		ref := &Referral{AppID: "app-2", Share: dec("0.25")}
		c := calc.Compute(dec("4.00"), MustMarkup("1.5"), ref)
		if !c.ReferralProfit.Equal(dec("0.50")) {
			t.Fatalf("ReferralProfit = %s, want 0.50", c.ReferralProfit)
		}
		if !c.AppProfit.Equal(dec("1.50")) {
			t.Fatalf("AppProfit = %s, want 1.50", c.AppProfit)
		}
	})

	t.Run("platform fee lands in platform profit", func(t *testing.T) {
		c := Calculator{PlatformFee: dec("0.01")}.Compute(dec("10"), MustMarkup("1.2"), nil)
		// 12 total, 2 markup profit, 0.12 platform cut.
		if !c.PlatformProfit.Equal(dec("2.12")) {
			t.Fatalf("PlatformProfit = %s, want 2.12", c.PlatformProfit)
		}
	})
}

// Splits must reconcile exactly: profits are derived by subtraction so no
// rounding residue can appear regardless of the rates involved.
func TestCalculator_SplitsSumExactly(t *testing.T) {
	raws := []string{"0.000001", "0.4", "4.37", "123456.789"}
	markups := []string{"1", "1.1", "1.333333", "2.5"}
	shares := []string{"0", "0.1", "0.333333", "1"}

	calc := Calculator{PlatformFee: dec("0.015")}
	for _, r := range raws {
		for _, mk := range markups {
			for _, sh := range shares {
				m, err := NewMarkup(dec(mk))
				if err != nil {
					t.Fatal(err)
				}
				c := calc.Compute(dec(r), m, &Referral{AppID: "x", Share: dec(sh)})

				if !c.Raw.Add(c.MarkupProfit).Equal(c.Total) {
					t.Fatalf("raw=%s markup=%s: Raw+MarkupProfit=%s != Total=%s",
						r, mk, c.Raw.Add(c.MarkupProfit), c.Total)
				}
				if !c.ReferralProfit.Add(c.AppProfit).Equal(c.MarkupProfit) {
					t.Fatalf("raw=%s markup=%s share=%s: Referral+App=%s != MarkupProfit=%s",
						r, mk, sh, c.ReferralProfit.Add(c.AppProfit), c.MarkupProfit)
				}
			}
		}
	}
}
