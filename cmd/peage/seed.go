package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/peagehq/peage/internal/app"
	"github.com/peagehq/peage/internal/auth"
	"github.com/peagehq/peage/internal/catalog"
	"github.com/peagehq/peage/internal/config"
	"github.com/peagehq/peage/internal/crypto"
	"github.com/peagehq/peage/internal/ledger"
	"github.com/peagehq/peage/internal/provider"
)

var seedCmd = &cobra.Command{
	Use:   "seed",
	Short: "Seed demo models, an app, and a funded API key",
	RunE:  runSeed,
}

func init() {
	rootCmd.AddCommand(seedCmd)
}

func demoModels() []catalog.CreateModelInput {
	return []catalog.CreateModelInput{
		{
			Name:                 "gpt-4o-mini",
			Provider:             provider.TypeOpenAI,
			PromptPerMillion:     decimal.RequireFromString("0.15"),
			CompletionPerMillion: decimal.RequireFromString("0.60"),
			MaxCost:              decimal.RequireFromString("0.50"),
		},
		{
			Name:                 "llama-3.3-70b-versatile",
			Provider:             provider.TypeGroq,
			PromptPerMillion:     decimal.RequireFromString("0.59"),
			CompletionPerMillion: decimal.RequireFromString("0.79"),
			MaxCost:              decimal.RequireFromString("0.50"),
		},
		{
			Name:                 "claude-sonnet-4-20250514",
			Provider:             provider.TypeAnthropic,
			PromptPerMillion:     decimal.RequireFromString("3.00"),
			CompletionPerMillion: decimal.RequireFromString("15.00"),
			MaxCost:              decimal.RequireFromString("2.00"),
		},
	}
}

func runSeed(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer pool.Close()

	cipher, err := crypto.NewCipher(cfg.Admin.EncryptionKey)
	if err != nil {
		return err
	}

	catalogService := catalog.NewService(catalog.NewStore(pool, cipher))
	appStore := app.NewStore(pool)
	ledgerStore := ledger.NewStore(pool)

	// Check if seed has already run.
	existing, err := catalogService.ListModels(ctx, false)
	if err != nil {
		return fmt.Errorf("checking existing models: %w", err)
	}
	if len(existing) > 0 {
		slog.Info("demo data already exists, skipping seed")
		return nil
	}

	// Register a provider if credentials are available. Models without a
	// configured provider still resolve, but relaying through them fails.
	if key := os.Getenv("OPENAI_API_KEY"); key != "" {
		err := catalogService.UpsertProvider(ctx, catalog.ProviderConfig{
			Type:    provider.TypeOpenAI,
			BaseURL: "https://api.openai.com",
			APIKey:  key,
		})
		if err != nil {
			return fmt.Errorf("registering openai provider: %w", err)
		}
		slog.Info("registered provider", "type", provider.TypeOpenAI)
	}

	var firstModel *catalog.Model
	for _, input := range demoModels() {
		mdl, err := catalogService.CreateModel(ctx, input)
		if err != nil {
			return fmt.Errorf("creating model %q: %w", input.Name, err)
		}
		slog.Info("created model", "name", mdl.Name, "provider", mdl.Provider)
		if firstModel == nil {
			firstModel = mdl
		}
	}

	// Create demo app with a funded user key.
	demoApp, err := appStore.Create(ctx, app.CreateAppInput{
		Name:        "demo-app",
		Markup:      decimal.RequireFromString("1.25"),
		FreeTierCap: decimal.RequireFromString("0.10"),
		RateLimit:   120,
	})
	if err != nil {
		return fmt.Errorf("creating demo app: %w", err)
	}

	apiKey, plaintext, err := auth.GenerateAPIKey()
	if err != nil {
		return fmt.Errorf("generating api key: %w", err)
	}

	userID := uuid.NewString()
	key, err := appStore.CreateKey(ctx, app.CreateKeyInput{
		AppID:     demoApp.ID,
		UserID:    userID,
		KeyHash:   apiKey.Hash,
		KeyPrefix: apiKey.Prefix,
	})
	if err != nil {
		return fmt.Errorf("creating demo key: %w", err)
	}

	sub := ledger.Subject{UserID: userID, AppID: demoApp.ID}
	if err := ledgerStore.EnsureFreeTier(ctx, sub, demoApp.FreeTierCap); err != nil {
		return fmt.Errorf("provisioning free tier: %w", err)
	}

	grant := &ledger.CreditGrant{
		ID:        uuid.NewString(),
		UserID:    userID,
		AppID:     demoApp.ID,
		Amount:    decimal.RequireFromString("10.00"),
		Currency:  "USD",
		Category:  "promo",
		Source:    "seed:demo",
		CreatedAt: time.Now().UTC(),
	}
	if err := ledgerStore.AddCreditGrant(ctx, grant); err != nil {
		return fmt.Errorf("granting demo credits: %w", err)
	}

	slog.Info("created demo app", "id", demoApp.ID, "key_id", key.ID)
	fmt.Printf("\n=== Demo Data Seeded ===\n")
	fmt.Printf("Models:    %d registered\n", len(demoModels()))
	fmt.Printf("App:       %s (%s)\n", demoApp.Name, demoApp.ID)
	fmt.Printf("User:      %s ($10.00 credit)\n", userID)
	fmt.Printf("API Key:   %s\n", plaintext)
	fmt.Printf("\nTry it:\n")
	fmt.Printf("  curl http://localhost:8080/v1/models\n")
	fmt.Printf("  curl -H 'Authorization: Bearer %s' -H 'Content-Type: application/json' \\\n", plaintext)
	fmt.Printf("    -d '{\"model\":\"%s\",\"messages\":[{\"role\":\"user\",\"content\":\"hello\"}]}' \\\n", firstModel.Name)
	fmt.Printf("    http://localhost:8080/v1/chat/completions\n")

	return nil
}
