package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/orcabot-dev/orcabot/internal/ai"
	"github.com/orcabot-dev/orcabot/internal/archive"
	"github.com/orcabot-dev/orcabot/internal/config"
	"github.com/orcabot-dev/orcabot/internal/conversation"
	"github.com/orcabot-dev/orcabot/internal/logger"
	"github.com/orcabot-dev/orcabot/internal/reconcile"
	"github.com/orcabot-dev/orcabot/internal/storage"
)

func main() {
	log := logger.New()

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		log.Fatal().Err(err).Msg("Invalid configuration")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	db, err := storage.Open(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Str("path", cfg.DatabasePath).Msg("Failed to open database")
	}
	defer db.Close()

	client, err := ai.NewClient(ctx, cfg.GenAIModel, log)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create genai client")
	}

	var archiver conversation.Archiver
	if cfg.ReceiptBucket != "" {
		a, err := archive.New(ctx, cfg.ReceiptBucket, log)
		if err != nil {
			log.Fatal().Err(err).Str("bucket", cfg.ReceiptBucket).Msg("Failed to create receipt archiver")
		}
		defer a.Close()
		archiver = a
	}

	sessions := storage.NewSessionStore(db, log)
	taxonomy := storage.NewTaxonomyStore(db)
	ledger := storage.NewLedger(db, cfg.CostCenter, cfg.AllowNewAccounts, cfg.CommitRetries, cfg.CommitBackoff, log)
	reconciler := reconcile.New(client, client, cfg.AllowNewAccounts, log)
	notifier := conversation.NewLogNotifier(log)

	manager := conversation.NewManager(sessions, ledger, taxonomy, reconciler, notifier, archiver, cfg.SessionTTL, log)

	log.Info().
		Str("model", cfg.GenAIModel).
		Str("db", cfg.DatabasePath).
		Dur("session_ttl", cfg.SessionTTL).
		Msg("Starting conversation service")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return manager.Sweep(gctx, cfg.SweepInterval)
	})
	g.Go(func() error {
		quit := make(chan os.Signal, 1)
		signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
		select {
		case sig := <-quit:
			log.Info().Str("signal", sig.String()).Msg("Shutting down conversation service...")
			cancel()
		case <-gctx.Done():
		}
		return nil
	})

	if err := g.Wait(); err != nil && err != context.Canceled {
		log.Error().Err(err).Msg("Service error")
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer shutdownCancel()
	if err := manager.Close(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Error during graceful shutdown")
	}

	log.Info().Msg("Conversation service exited")
}
