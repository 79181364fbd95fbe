package main

import (
	"context"
	"errors"
	"io/fs"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/slackq/internal/app"
	"github.com/SirClappington/slackq/internal/config"
	"github.com/SirClappington/slackq/internal/logging"
	"github.com/SirClappington/slackq/internal/scheduler"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Fatalf("load .env: %v", err)
	}
	cfg, err := config.Load()
	if err != nil {
		log.Fatal(err)
	}
	if err := errors.Join(cfg.Validate(), cfg.RequireSlackApp()); err != nil {
		log.Fatalf("invalid configuration: %v", err)
	}
	logger, err := logging.New(cfg.Production(), cfg.LogLevel)
	if err != nil {
		log.Fatal(err)
	}

	err = run(cfg, logger)
	logger.Sync()

	var perr *scheduler.PersistenceError
	switch {
	case errors.As(err, &perr):
		// The job stays in sending until the reconciler repairs it.
		os.Exit(2)
	case err != nil:
		logger.Error("scheduler exited", zap.Error(err))
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	g, ctx := errgroup.WithContext(ctx)

	h := a.Scheduler().Start(ctx)
	g.Go(func() error {
		<-h.Done()
		return h.Err()
	})

	if cfg.ReconcileEnabled {
		rec := a.Reconciler()
		g.Go(func() error { return rec.Run(ctx) })
	} else {
		logger.Warn("reconciler disabled; jobs stuck in sending need manual repair")
	}

	if a.Registry != nil {
		ms := app.MetricsServer(cfg.MetricsAddr, a.Registry)
		g.Go(func() error { return app.Serve(ctx, ms, cfg.ShutdownTimeout, logger) })
	}

	return g.Wait()
}
