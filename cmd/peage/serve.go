package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/spf13/cobra"

	"github.com/peagehq/peage/internal/api"
	"github.com/peagehq/peage/internal/app"
	"github.com/peagehq/peage/internal/auth"
	"github.com/peagehq/peage/internal/catalog"
	"github.com/peagehq/peage/internal/config"
	"github.com/peagehq/peage/internal/crypto"
	"github.com/peagehq/peage/internal/ledger"
	"github.com/peagehq/peage/internal/metrics"
	"github.com/peagehq/peage/internal/pricing"
	"github.com/peagehq/peage/internal/ratelimit"
	"github.com/peagehq/peage/internal/reconcile"
	"github.com/peagehq/peage/internal/relay"
	"github.com/peagehq/peage/internal/resource"
	"github.com/peagehq/peage/internal/x402"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the Peage gateway server",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo}))
	slog.SetDefault(logger)

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	pool, err := pgxpool.New(ctx, cfg.Database.URL)
	if err != nil {
		return err
	}
	defer pool.Close()

	if err := pool.Ping(ctx); err != nil {
		return err
	}
	slog.Info("connected to database")

	cipher, err := crypto.NewCipher(cfg.Admin.EncryptionKey)
	if err != nil {
		return err
	}
	if cipher == nil {
		slog.Warn("credential encryption disabled, provider keys stored in plaintext")
	}

	catalogStore := catalog.NewStore(pool, cipher)
	catalogService := catalog.NewService(catalogStore)
	adapters, err := catalogService.LoadAdapters(ctx)
	if err != nil {
		return err
	}

	appStore := app.NewStore(pool)
	ledgerStore := ledger.NewStore(pool)
	escrow := ledger.NewEscrow(ledgerStore)

	reconStore := reconcile.NewStore(pool)
	collector := reconcile.NewCollector(reconStore, cfg.Reconcile.BatchSize, cfg.Reconcile.FlushInterval)

	m := metrics.New()
	m.RegisterDBPoolCollector(func() (total, idle, acquired int32) {
		st := pool.Stat()
		return st.TotalConns(), st.IdleConns(), st.AcquiredConns()
	})
	collector.SetMetrics(m)
	go collector.Start(ctx)

	platformFee := decimal.Zero
	if cfg.Billing.PlatformFee != "" {
		platformFee, err = decimal.NewFromString(cfg.Billing.PlatformFee)
		if err != nil {
			return err
		}
	}
	calc := pricing.Calculator{PlatformFee: platformFee}

	orch := relay.NewOrchestrator(adapters, calc, collector, cfg.Relay.Timeout)
	orch.SetMetrics(m)
	chat := relay.NewChatResource(catalogService, orch, cfg.Relay.MaxRequestSize)

	var payments *x402.Handler
	if cfg.X402.Enabled() {
		fac := x402.NewHTTPFacilitator(cfg.X402.FacilitatorURL, cfg.X402.Timeout)
		payments = x402.NewHandler(fac, x402.Config{
			Network:           cfg.X402.Network,
			PayTo:             cfg.X402.PayTo,
			Asset:             cfg.X402.Asset,
			AssetDecimals:     cfg.X402.AssetDecimals,
			MaxTimeoutSeconds: cfg.X402.MaxTimeoutSeconds,
		}, collector)
		slog.Info("x402 payments enabled", "network", cfg.X402.Network)
	} else {
		slog.Info("x402 payments disabled, API key balances only")
	}

	authService := auth.NewService(app.NewAuthAdapter(appStore))
	limiter := ratelimit.New(cfg.RateLimit.Default, cfg.RateLimit.Window)

	resources := resource.NewHandler(authService, escrow, ledgerStore, payments)
	resources.SetMetrics(m)

	router := api.NewRouter(api.RouterDeps{
		Apps:      appStore,
		Catalog:   catalogService,
		Ledger:    ledgerStore,
		Recon:     reconStore,
		Auth:      authService,
		Limiter:   limiter,
		Resources: resources,
		Chat:      chat,
		Metrics:   m,
		DB:        pool,

		AdminKey:            cfg.Admin.Key,
		StripeWebhookSecret: cfg.Billing.StripeWebhookSecret,
		AllowedOrigins:      cfg.CORS.AllowedOrigins,
	})

	srv := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		slog.Info("server starting", "addr", cfg.Addr())
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	<-sigCh
	slog.Info("shutting down")

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	collector.Stop()

	return srv.Shutdown(shutdownCtx)
}
