package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/taxline/taxline/internal/callflow"
	"github.com/taxline/taxline/internal/carrier"
	"github.com/taxline/taxline/internal/config"
	"github.com/taxline/taxline/internal/database"
	"github.com/taxline/taxline/internal/directory"
	"github.com/taxline/taxline/internal/ingest"
	"github.com/taxline/taxline/internal/metrics"
	"github.com/taxline/taxline/internal/notify"
	"github.com/taxline/taxline/internal/presence"
	"github.com/taxline/taxline/internal/webhook"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}

	// Configure structured logging.
	logger := slog.New(cfg.SlogHandler(os.Stdout))
	slog.SetDefault(logger)

	slog.Info("starting taxline",
		"http_port", cfg.HTTPPort,
		"environment", cfg.Environment,
		"data_dir", cfg.DataDir,
	)

	// Open database and run migrations.
	db, err := database.Open(cfg.DataDir)
	if err != nil {
		slog.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer db.Close()

	// Application context for background goroutines.
	appCtx, appCancel := context.WithCancel(context.Background())
	defer appCancel()

	// Repositories.
	clients := database.NewClientRepository(db)
	cases := database.NewTaxCaseRepository(db)
	convs := database.NewConversationRepository(db)
	messages := database.NewMessageRepository(db)
	actions := database.NewActionItemRepository(db)
	audits := database.NewReminderAuditRepository(db)
	provisioner := database.NewProvisioner(db)

	// Caller directory.
	dir := directory.New(clients, cases, convs, provisioner, logger)

	// Carrier REST client for outbound sends and media fetches.
	carrierClient := carrier.NewClient(
		cfg.CarrierAccountID,
		cfg.CarrierAuthToken,
		cfg.CarrierNumber,
		"",
		filepath.Join(cfg.DataDir, "media"),
		logger,
	)

	// Staff presence registry and API.
	presenceStore := presence.NewStore()
	defer presenceStore.Stop()
	presenceAPI := presence.NewHandlers(presenceStore, cfg.PresenceSecret, logger)

	// Call routing and recording reconciliation.
	callRouter := callflow.NewRouter(presenceStore, dir, messages, cfg.CarrierNumber, logger)
	reconciler := callflow.NewReconciler(messages, dir, actions, logger)

	// SMS ingestion.
	ingestor := ingest.New(messages, convs, dir, actions, carrierClient, logger)

	// Webhook protection.
	verifier := carrier.NewSignatureVerifier(cfg.CarrierAuthToken, cfg.Production(), logger)
	limiter := webhook.NewRateLimiter(webhook.RateLimitConfig{
		Max:           cfg.RateLimitMax,
		Window:        time.Duration(cfg.RateLimitWindow) * time.Second,
		SweepInterval: 5 * time.Minute,
	})
	defer limiter.Stop()

	// Metrics.
	prometheus.MustRegister(metrics.NewCollector(messages, presenceStore, limiter))

	// Reminder scheduler.
	throttler := notify.NewThrottler(messages)
	scheduler := notify.NewScheduler(
		cases, clients, convs, messages, audits,
		throttler, carrierClient,
		cfg.Location(), cfg.ReminderHour, logger,
	)
	go scheduler.Run(appCtx)

	// HTTP server.
	srv := webhook.NewServer(
		verifier, limiter,
		callRouter, reconciler, ingestor,
		messages, presenceAPI,
		cfg.PublicBaseURL, logger,
	)

	httpSrv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      30 * time.Second,
	}

	go func() {
		slog.Info("http server listening", "addr", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("http server failed", "error", err)
			appCancel()
		}
	}()

	// Wait for shutdown signal.
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		slog.Info("shutting down", "signal", sig.String())
	case <-appCtx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		slog.Error("http server shutdown failed", "error", err)
	}
}
