// Command orchard-admin performs operator tasks against a deployment: setting
// or resetting the panel password and running the storage cleanup on demand.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/TheEntropyCollective/orchard/pkg/auth"
	"github.com/TheEntropyCollective/orchard/pkg/blob"
	"github.com/TheEntropyCollective/orchard/pkg/infrastructure/config"
	"github.com/TheEntropyCollective/orchard/pkg/infrastructure/logging"
	"github.com/TheEntropyCollective/orchard/pkg/janitor"
	"github.com/TheEntropyCollective/orchard/pkg/store"
	"github.com/TheEntropyCollective/orchard/pkg/util"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	var err error
	switch os.Args[1] {
	case "set-password":
		err = setPassword(os.Args[2:])
	case "cleanup":
		err = cleanup(os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, `Usage: orchard-admin <command> [flags]

Commands:
  set-password   Set or reset the panel password (stop the daemon first)
  cleanup        Run the storage cleanup once and print a report
`)
}

func setPassword(args []string) error {
	fs := flag.NewFlagSet("set-password", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to JSON config file")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}

	password, err := util.PromptPasswordWithConfirmation("New password")
	if err != nil {
		return err
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}

	// The daemon holds an exclusive lock on the database; Open fails fast
	// if it is still running.
	st, err := store.Open(cfg.Store.Path, blob.NewMemoryStore(), store.CleanupConfig{}, zerolog.Nop())
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.SetPasswordHash(hash); err != nil {
		return err
	}
	fmt.Println("Password updated. Existing sessions are now invalid.")
	return nil
}

func cleanup(args []string) error {
	fs := flag.NewFlagSet("cleanup", flag.ExitOnError)
	configPath := fs.String("config", "", "Path to JSON config file")
	fs.Parse(args)

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if cfg.Blob.Bucket == "" {
		return fmt.Errorf("cleanup requires a configured blob bucket")
	}

	logger := logging.Setup(cfg.Logging.Level, true)
	ctx := context.Background()

	blobs, err := blob.NewS3Store(ctx, blob.S3Options{
		Endpoint:  cfg.Blob.Endpoint,
		Region:    cfg.Blob.Region,
		Bucket:    cfg.Blob.Bucket,
		AccessKey: cfg.Blob.AccessKey,
		SecretKey: cfg.Blob.SecretKey,
	})
	if err != nil {
		return err
	}

	st, err := store.Open(cfg.Store.Path, blobs, store.CleanupConfig{
		AutoCleanupDays:  cfg.Cleanup.Days,
		AutoCleanupMaxMB: cfg.Cleanup.MaxMB,
	}, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	report, err := janitor.New(st, blobs, logger).Run(ctx)
	if err != nil {
		return err
	}

	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}
