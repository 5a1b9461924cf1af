package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"filedrop/internal/core"
	"filedrop/internal/replica"

	"github.com/charmbracelet/log"
	"golang.org/x/sync/errgroup"
)

// getenv returns the value of the environment variable named by key or
// fallback if the variable is not present.
func getenv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok {
		return v
	}
	return fallback
}

func Run(ctx context.Context) error {

	configFile := flag.String("config", getenv("FILEDROP_CONFIG", ""), "YAML configuration file")
	listenAddr := flag.String("listen", core.DefaultListenAddr, "TCP listen address")
	rootDir := flag.String("root", ".", "root directory holding files/ and the log file")
	filesDir := flag.String("files-dir", "", "upload directory (default <root>/files)")
	siteDir := flag.String("site-dir", "", "directory with index.html, styles.css, script.js and favicon.ico")
	inboxDir := flag.String("inbox-dir", "", "private inbox directory (disabled when empty)")
	maxConns := flag.Int("max-connections", core.DefaultMaxConnections, "maximum concurrent connections")
	lifetime := flag.Duration("lifetime", core.DefaultFileLifetime, "how long uploads are kept")
	ledgerPath := flag.String("ledger", "", "SQLite upload ledger (disabled when empty)")
	logFile := flag.String("log-file", "", "append-only log file (default <root>/filedrop.log)")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn or error")

	flag.Usage = func() {
		fmt.Fprintf(flag.CommandLine.Output(), "Usage: %s [flags] [gc on|off]\n", os.Args[0])
		flag.PrintDefaults()
	}

	flag.Parse()

	// Flags only override the config file when given explicitly.
	var opts []core.ConfigOption
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "listen":
			opts = append(opts, core.WithListenAddr(*listenAddr))
		case "root":
			opts = append(opts, core.WithRootDir(*rootDir))
		case "files-dir":
			opts = append(opts, core.WithFilesDir(*filesDir))
		case "site-dir":
			opts = append(opts, core.WithSiteDir(*siteDir))
		case "inbox-dir":
			opts = append(opts, core.WithInboxDir(*inboxDir))
		case "max-connections":
			opts = append(opts, core.WithMaxConnections(*maxConns))
		case "lifetime":
			opts = append(opts, core.WithFileLifetime(*lifetime))
		case "ledger":
			opts = append(opts, core.WithLedgerPath(*ledgerPath))
		case "log-file":
			opts = append(opts, core.WithLogFile(*logFile))
		case "log-level":
			opts = append(opts, core.WithLogLevel(*logLevel))
		}
	})

	if flag.NArg() > 1 {
		flag.Usage()
		return fmt.Errorf("unexpected arguments: %v", flag.Args()[1:])
	}
	if flag.NArg() == 1 {
		enabled, err := core.ParseToggle(flag.Arg(0))
		if err != nil {
			return err
		}
		opts = append(opts, core.WithCollector(enabled))
	}

	if *configFile == "" {
		opts = append(opts, withReplicaFromEnv())
	}

	cfg := core.NewConfig(opts...)
	if *configFile != "" {
		var err error
		if cfg, err = core.LoadConfigFile(*configFile, opts...); err != nil {
			return err
		}
	}

	absRoot, err := filepath.Abs(cfg.RootDir)
	if err != nil {
		return fmt.Errorf("failed to resolve root directory: %w", err)
	}
	cfg.RootDir = absRoot

	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}

	out, err := os.OpenFile(cfg.LogPath(), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open log file: %w", err)
	}
	defer out.Close()

	level, err := log.ParseLevel(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}

	handler := log.NewWithOptions(io.MultiWriter(os.Stdout, out), log.Options{
		Level:           level,
		TimeFormat:      time.RFC3339,
		ReportTimestamp: true,
		TimeFunction:    log.NowUTC,
	})

	slog.SetDefault(slog.New(handler))
	cfg.Logger = slog.Default()

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	server, err := core.NewServer(ctx, cfg)
	if err != nil {
		return fmt.Errorf("failed to create filedrop server: %w", err)
	}

	defer server.Close()

	eg, ctx := errgroup.WithContext(ctx)

	eg.Go(func() error {
		slog.Info("Starting filedrop server", "addr", cfg.ListenAddr, "files", server.Namespace().Root())
		return server.ListenAndServe(ctx)
	})

	if cfg.CollectorEnabled {
		eg.Go(func() error {
			return server.Collector().Run(ctx)
		})
	} else {
		slog.Info("Garbage collector disabled")
	}

	slog.Info("Filedrop started", "collector", cfg.CollectorEnabled, "lifetime", cfg.FileLifetime)
	return eg.Wait()
}

// withReplicaFromEnv configures the replica from MINIO_* variables when no
// config file is used.
func withReplicaFromEnv() core.ConfigOption {
	return core.WithReplica(replica.Config{
		Endpoint:        getenv("MINIO_ENDPOINT", ""),
		AccessKeyID:     getenv("MINIO_ACCESS_KEY", "minioadmin"),
		SecretAccessKey: getenv("MINIO_SECRET_KEY", "minioadmin"),
		Bucket:          getenv("MINIO_BUCKET", ""),
		Region:          getenv("MINIO_REGION", ""),
		UseSSL:          getenv("MINIO_USE_SSL", "") == "true",
	})
}

func main() {
	if err := Run(context.Background()); err != nil {
		slog.Error("Filedrop exited with error", "error", err)
		os.Exit(1)
	}
}
