// Command orchard runs the relay and package pipeline daemon.
package main

import (
	"context"
	"flag"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"golang.org/x/net/netutil"

	"github.com/TheEntropyCollective/orchard/pkg/api"
	"github.com/TheEntropyCollective/orchard/pkg/auth"
	"github.com/TheEntropyCollective/orchard/pkg/blob"
	"github.com/TheEntropyCollective/orchard/pkg/infrastructure/config"
	"github.com/TheEntropyCollective/orchard/pkg/infrastructure/logging"
	"github.com/TheEntropyCollective/orchard/pkg/janitor"
	"github.com/TheEntropyCollective/orchard/pkg/pipeline"
	"github.com/TheEntropyCollective/orchard/pkg/store"
)

var version = "dev"

func main() {
	var (
		configPath  = flag.String("config", "", "Path to JSON config file")
		showVersion = flag.Bool("version", false, "Print version and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("orchard %s\n", version)
		return
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	logger := logging.Setup(cfg.Logging.Level, cfg.Logging.Pretty)
	logger.Info().Str("version", version).Str("addr", cfg.Server.Addr).Msg("starting orchard")

	ctx := context.Background()

	var blobs blob.Store
	if cfg.Blob.Bucket != "" {
		blobs, err = blob.NewS3Store(ctx, blob.S3Options{
			Endpoint:  cfg.Blob.Endpoint,
			Region:    cfg.Blob.Region,
			Bucket:    cfg.Blob.Bucket,
			AccessKey: cfg.Blob.AccessKey,
			SecretKey: cfg.Blob.SecretKey,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect blob store")
		}
	} else {
		logger.Warn().Msg("no blob bucket configured; using in-memory storage")
		blobs = blob.NewMemoryStore()
	}

	st, err := store.Open(cfg.Store.Path, blobs, store.CleanupConfig{
		AutoCleanupDays:  cfg.Cleanup.Days,
		AutoCleanupMaxMB: cfg.Cleanup.MaxMB,
	}, logging.Component(logger, "store"))
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to open task store")
	}
	defer st.Close()

	st.SetRunner(pipeline.New(blobs, st, logging.Component(logger, "pipeline")))

	pow, err := auth.NewPowGate(cfg.PowDifficulty)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize auth gate")
	}

	jan := janitor.New(st, blobs, logging.Component(logger, "janitor"))
	scheduler := cron.New(cron.WithLocation(time.UTC))
	if _, err := scheduler.AddFunc("0 2 * * *", func() {
		if _, err := jan.Run(context.Background()); err != nil {
			logger.Error().Err(err).Msg("scheduled cleanup failed")
		}
	}); err != nil {
		logger.Fatal().Err(err).Msg("failed to schedule cleanup")
	}
	scheduler.Start()
	defer scheduler.Stop()

	server := api.NewServer(st, blobs, pow, api.Options{
		CDNDomain:   cfg.CDNDomain,
		BuildCommit: cfg.BuildCommit,
		BuildDate:   cfg.BuildDate,
	}, logging.Component(logger, "api"))

	httpServer := &http.Server{
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	ln, err := net.Listen("tcp", cfg.Server.Addr)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to listen")
	}
	if cfg.Server.MaxConns > 0 {
		ln = netutil.LimitListener(ln, cfg.Server.MaxConns)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- httpServer.Serve(ln) }()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info().Str("signal", sig.String()).Msg("shutting down")
	case err := <-errCh:
		logger.Error().Err(err).Msg("server stopped")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("graceful shutdown incomplete")
	}
}
