package catalog

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/peagehq/peage/internal/provider"
)

// Validation errors returned by the Service layer.
var (
	ErrNameRequired    = errors.New("name is required")
	ErrProviderInvalid = errors.New("provider must be a known provider type")
	ErrPriceNegative   = errors.New("prices must be non-negative")
	ErrMaxCostInvalid  = errors.New("max_cost must be positive")
	ErrBaseURLInvalid  = errors.New("base_url must be a valid URL")
	ErrModelInactive   = errors.New("model is not active")
)

var validProviders = map[provider.Type]bool{
	provider.TypeOpenAI:    true,
	provider.TypeGroq:      true,
	provider.TypeAnthropic: true,
	provider.TypeGemini:    true,
	provider.TypeMedia:     true,
	provider.TypeResource:  true,
}

// Service provides validated business logic over the catalog Store.
type Service struct {
	store *Store
}

// NewService creates a Service wrapping the given Store.
func NewService(store *Store) *Service {
	return &Service{store: store}
}

// CreateModel validates the input and registers the model.
func (s *Service) CreateModel(ctx context.Context, input CreateModelInput) (*Model, error) {
	if err := validateCreateModel(input); err != nil {
		return nil, err
	}
	return s.store.CreateModel(ctx, input)
}

// UpdateModel validates and applies a partial update.
func (s *Service) UpdateModel(ctx context.Context, id string, input UpdateModelInput) (*Model, error) {
	if err := validateUpdateModel(input); err != nil {
		return nil, err
	}
	return s.store.UpdateModel(ctx, id, input)
}

// ListModels lists catalog entries.
func (s *Service) ListModels(ctx context.Context, activeOnly bool) ([]*Model, error) {
	return s.store.ListModels(ctx, activeOnly)
}

// DeleteModel removes a model.
func (s *Service) DeleteModel(ctx context.Context, id string) error {
	return s.store.DeleteModel(ctx, id)
}

// Resolve looks up the model named in a request. Inactive models resolve
// with ErrModelInactive so callers can reject with a clear reason instead
// of a generic not-found.
func (s *Service) Resolve(ctx context.Context, name string) (*Model, error) {
	m, err := s.store.GetModelByName(ctx, name)
	if err != nil {
		return nil, err
	}
	if !m.Active {
		return nil, fmt.Errorf("%s: %w", name, ErrModelInactive)
	}
	return m, nil
}

// UpsertProvider validates and stores provider credentials.
func (s *Service) UpsertProvider(ctx context.Context, cfg ProviderConfig) error {
	if err := validateProviderConfig(cfg); err != nil {
		return err
	}
	return s.store.UpsertProvider(ctx, cfg)
}

// ListProviders returns all configured providers with decrypted credentials.
func (s *Service) ListProviders(ctx context.Context) ([]*ProviderConfig, error) {
	return s.store.ListProviders(ctx)
}

// validateCreateModel checks that all required fields are present and valid.
func validateCreateModel(input CreateModelInput) error {
	if strings.TrimSpace(input.Name) == "" {
		return ErrNameRequired
	}
	if !validProviders[input.Provider] {
		return ErrProviderInvalid
	}
	if input.PromptPerMillion.IsNegative() || input.CompletionPerMillion.IsNegative() || input.PerUnit.IsNegative() {
		return ErrPriceNegative
	}
	if !input.MaxCost.IsPositive() {
		return ErrMaxCostInvalid
	}
	return nil
}

// validateUpdateModel checks that any provided fields are valid.
func validateUpdateModel(input UpdateModelInput) error {
	if input.PromptPerMillion != nil && input.PromptPerMillion.IsNegative() {
		return ErrPriceNegative
	}
	if input.CompletionPerMillion != nil && input.CompletionPerMillion.IsNegative() {
		return ErrPriceNegative
	}
	if input.PerUnit != nil && input.PerUnit.IsNegative() {
		return ErrPriceNegative
	}
	if input.MaxCost != nil && !input.MaxCost.IsPositive() {
		return ErrMaxCostInvalid
	}
	return nil
}

// validateProviderConfig checks a credential set before it is stored.
func validateProviderConfig(cfg ProviderConfig) error {
	if !validProviders[cfg.Type] {
		return ErrProviderInvalid
	}
	u, err := url.Parse(cfg.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return ErrBaseURLInvalid
	}
	return nil
}

// LoadAdapters builds the provider registry from stored credentials.
func (s *Service) LoadAdapters(ctx context.Context) (*provider.Registry, error) {
	configs, err := s.store.ListProviders(ctx)
	if err != nil {
		return nil, err
	}
	reg := provider.NewRegistry()
	for _, cfg := range configs {
		a, err := provider.New(cfg.Type, cfg.BaseURL, cfg.APIKey)
		if err != nil {
			return nil, fmt.Errorf("building adapter for %s: %w", cfg.Type, err)
		}
		reg.Register(a)
	}
	return reg, nil
}
