package main

import (
	"context"
	"errors"
	"io/fs"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/SirClappington/slackq/internal/app"
	"github.com/SirClappington/slackq/internal/config"
	"github.com/SirClappington/slackq/internal/logging"
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
	defer logger.Sync()

	if err := run(cfg, logger); err != nil {
		logger.Fatal("api exited", zap.Error(err))
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

	srv := &http.Server{
		Addr:              cfg.APIAddr,
		Handler:           a.Handler(a.Intake()).Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return app.Serve(ctx, srv, cfg.ShutdownTimeout, logger) })

	if a.Registry != nil {
		ms := app.MetricsServer(cfg.MetricsAddr, a.Registry)
		g.Go(func() error { return app.Serve(ctx, ms, cfg.ShutdownTimeout, logger) })
	}

	// In-memory jobs are only visible to this process, so it delivers them too.
	if cfg.StorageDriver == config.DriverMemory {
		h := a.Scheduler().Start(ctx)
		g.Go(func() error {
			<-h.Done()
			return h.Err()
		})
	}

	return g.Wait()
}
