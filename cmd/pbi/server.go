package main

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pbi-labs/pbi/pkg/attest"
	"github.com/pbi-labs/pbi/pkg/auth"
	"github.com/pbi-labs/pbi/pkg/billing"
	"github.com/pbi-labs/pbi/pkg/config"
	"github.com/pbi-labs/pbi/pkg/crypto"
	"github.com/pbi-labs/pbi/pkg/export"
	"github.com/pbi-labs/pbi/pkg/metering"
	"github.com/pbi-labs/pbi/pkg/policy"
	"github.com/pbi-labs/pbi/pkg/receipts"
	"github.com/pbi-labs/pbi/pkg/server"
	"github.com/pbi-labs/pbi/pkg/store"
	"github.com/pbi-labs/pbi/pkg/webhook"
)

const shutdownTimeout = 10 * time.Second

func setupLogging(level string) {
	var lv slog.LevelVar
	if err := lv.UnmarshalText([]byte(level)); err != nil {
		lv.Set(slog.LevelInfo)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &lv})))
}

//nolint:gocognit,gocyclo
func runServer(stdout, stderr io.Writer) int {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(stderr, "config: %v\n", err)
		return 1
	}
	setupLogging(cfg.LogLevel)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		fmt.Fprintf(stderr, "database: %v\n", err)
		return 1
	}
	defer func() { _ = db.SQL.Close() }()
	slog.Info("database connected", "driver", db.Driver)

	tenants := store.NewTenantStore(db)
	challenges := store.NewChallengeStore(db)
	receiptStore := store.NewReceiptStore(db)
	webhookStore := store.NewWebhookStore(db)
	invoices := store.NewInvoiceStore(db)
	meter := metering.NewSQLMeter(db)

	initCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	for _, init := range []func(context.Context) error{
		tenants.Init, challenges.Init, receiptStore.Init,
		webhookStore.Init, invoices.Init, meter.Init,
	} {
		if err := init(initCtx); err != nil {
			fmt.Fprintf(stderr, "schema init: %v\n", err)
			return 1
		}
	}

	pol, err := loadPolicy(cfg)
	if err != nil {
		fmt.Fprintf(stderr, "policy: %v\n", err)
		return 1
	}
	if cfg.PolicyHash == "" {
		if h, hashErr := pol.Hash(); hashErr == nil {
			cfg.PolicyHash = h
		}
	}
	slog.Info("policy loaded", "version", cfg.PolicyVersion, "hash", cfg.PolicyHash)

	boxKey := cfg.WebhookSecretKey
	if boxKey == nil {
		boxKey = make([]byte, 32)
		if _, err := rand.Read(boxKey); err != nil {
			fmt.Fprintf(stderr, "webhook key: %v\n", err)
			return 1
		}
		slog.Warn("WEBHOOK_SECRET_KEY not set; endpoint secrets will not survive a restart")
	}
	box, err := crypto.NewSecretBox(boxKey)
	if err != nil {
		fmt.Fprintf(stderr, "webhook key: %v\n", err)
		return 1
	}

	signer, err := loadSigner(cfg.ExportSigningPrivateKeyPEM)
	if err != nil {
		fmt.Fprintf(stderr, "export signing key: %v\n", err)
		return 1
	}

	var limiter auth.Limiter
	if cfg.RedisAddr != "" {
		limiter = auth.NewRedisLimiter(cfg.RedisAddr, cfg.RedisPassword, cfg.RLMaxRequests, cfg.RLWindowSeconds)
		slog.Info("rate limiter: redis", "addr", cfg.RedisAddr)
	} else {
		limiter = auth.NewLocalLimiter(cfg.RLMaxRequests, cfg.RLWindowSeconds)
	}

	minter := receipts.NewMinter(cfg.ReceiptSecret)
	att := attest.NewService(db, challenges, receiptStore, meter, minter, pol,
		webhook.NewEnqueuer(webhookStore))
	srv := server.New(cfg, tenants, att, receiptStore, minter,
		billing.NewService(meter, invoices), webhookStore, box,
		export.NewBuilder(signer), pol, limiter)

	worker := webhook.NewWorker(webhookStore, box,
		time.Duration(cfg.WorkerIntervalSeconds)*time.Second)
	go worker.Run(ctx)

	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() { errCh <- httpSrv.ListenAndServe() }()
	slog.Info("pbi server ready", "addr", httpSrv.Addr)

	select {
	case err := <-errCh:
		slog.Error("server failed", "error", err)
		return 1
	case <-ctx.Done():
	}

	slog.Info("shutting down")
	shCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shCtx); err != nil {
		slog.Error("shutdown incomplete", "error", err)
		return 1
	}
	return 0
}

// loadPolicy prefers an explicit policy file; without one the origin
// allowlist seeds a default policy covering every purpose.
func loadPolicy(cfg *config.Config) (*policy.Policy, error) {
	if cfg.PolicyFile != "" {
		return policy.Load(cfg.PolicyFile)
	}
	if len(cfg.AllowedOrigins) == 0 {
		return nil, fmt.Errorf("set POLICY_FILE or ALLOWED_ORIGINS")
	}
	return policy.Default(cfg.AllowedOrigins), nil
}

func loadSigner(privPEM string) (*crypto.Ed25519Signer, error) {
	if privPEM != "" {
		return crypto.NewEd25519SignerFromPEM(privPEM)
	}
	signer, err := crypto.NewEd25519Signer()
	if err != nil {
		return nil, err
	}
	if pub, pubErr := signer.PublicKeyPEM(); pubErr == nil {
		slog.Warn("EXPORT_SIGNING_PRIVATE_KEY_PEM not set; using an ephemeral key",
			"publicKeySha256", crypto.SHA256Hex([]byte(pub)))
	}
	return signer, nil
}
