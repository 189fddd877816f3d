package app

import (
	"context"
	"fmt"

	"github.com/peagehq/peage/internal/auth"
	"github.com/peagehq/peage/internal/pricing"
)

// AuthAdapter wraps an app Store to satisfy auth.CallerLookup.
type AuthAdapter struct {
	store *Store
}

// NewAuthAdapter creates an adapter that bridges app.Store to
// auth.CallerLookup.
func NewAuthAdapter(store *Store) *AuthAdapter {
	return &AuthAdapter{store: store}
}

// GetByKeyHash resolves a key hash to the caller identity, folding the
// app's pricing terms into the result.
func (a *AuthAdapter) GetByKeyHash(ctx context.Context, hash string) (*auth.Caller, error) {
	key, owner, err := a.store.GetByKeyHash(ctx, hash)
	if err != nil {
		return nil, err
	}

	markup, err := pricing.NewMarkup(owner.Markup)
	if err != nil {
		// A stored markup below 1.0 means the row predates validation;
		// refuse to authenticate rather than undercharge.
		return nil, fmt.Errorf("app %s has invalid markup: %w", owner.ID, err)
	}

	caller := &auth.Caller{
		AppID:     owner.ID,
		AppName:   owner.Name,
		UserID:    key.UserID,
		KeyPrefix: key.KeyPrefix,
		RateLimit: owner.RateLimit,
		Markup:    markup,
	}
	if owner.ReferralAppID != "" {
		caller.Referral = &pricing.Referral{
			AppID: owner.ReferralAppID,
			Share: owner.ReferralShare,
		}
	}
	return caller, nil
}
