package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"bountyescrow/access"
	"bountyescrow/archive"
	"bountyescrow/auth"
	"bountyescrow/bounty"
	"bountyescrow/config"
	"bountyescrow/db"
	"bountyescrow/ledger"
	"bountyescrow/outbox"
)

func main() {
	configPath := pflag.String("config", "", "path to a YAML config file")
	migrate := pflag.Bool("migrate", false, "apply schema migrations before serving")
	pflag.Parse()

	if err := run(*configPath, *migrate); err != nil {
		log.Fatalf("api: %v", err)
	}
}

func run(configPath string, migrate bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	level, _ := cfg.SlogLevel()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	pool, err := db.NewPool(ctx, cfg.DatabaseURL, db.PoolOptions{
		MaxConns:        cfg.Database.MaxConns,
		MinConns:        cfg.Database.MinConns,
		MaxConnLifetime: cfg.Database.MaxConnLifetime,
	})
	if err != nil {
		return err
	}
	defer pool.Close()

	if migrate {
		applied, err := db.Migrate(ctx, pool)
		if err != nil {
			return err
		}
		logger.Info("migrations applied", "versions", applied)
	}

	writer := outbox.NewWriter()
	registry := access.NewRegistry(pool, access.NewRepository(pool), writer).WithLogger(logger)
	ledgerRepo := ledger.NewRepository(pool)
	ledgerService := ledger.NewService(pool, ledgerRepo, registry, writer).WithLogger(logger)
	bountyService := bounty.NewService(pool, bounty.NewRepository(pool), ledgerRepo, registry, writer).WithLogger(logger)
	authService := auth.NewService(auth.NewRepository(pool), registry, cfg.Auth.JWTSecret).WithTokenTTL(cfg.Auth.TokenTTL)

	publishers := outbox.Fanout{outbox.LogPublisher{Logger: logger}}
	if cfg.Archive.Dir != "" {
		archiver := archive.NewWriter(cfg.Archive.Dir, cfg.Archive.Prefix)
		defer archiver.Close()
		publishers = append(outbox.Fanout{archiver}, publishers...)
	}
	dispatcher := outbox.NewDispatcher(pool, publishers).
		WithLogger(logger).
		WithPollInterval(cfg.Outbox.PollInterval).
		WithBatchSize(cfg.Outbox.BatchSize).
		WithMaxAttempts(cfg.Outbox.MaxAttempts)

	server := &Server{
		authService:       authService,
		bountyService:     bountyService,
		capabilityService: registry,
		ledgerService:     ledgerService,
		logger:            logger,
	}
	httpServer := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           server.routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logger.Info("api listening", "addr", cfg.ListenAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		return dispatcher.Run(gctx)
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	logger.Info("api stopped")
	return nil
}
