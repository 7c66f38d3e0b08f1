// Package main implements the trendbridge binary.
// With no arguments it serves the HTTP API and runs the rollover daemon;
// "trendbridge migrate" runs the split-table migration once and exits.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/trendbridge/trendbridge/internal/app"
	"github.com/trendbridge/trendbridge/internal/config"
	"github.com/trendbridge/trendbridge/internal/logging"
)

var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	var (
		configFile  string
		dataDir     string
		dbPath      string
		httpAddr    string
		timezone    string
		logLevel    string
		showVersion bool
	)

	flag.StringVar(&configFile, "config", "", "Path to configuration file (YAML or JSON)")
	flag.StringVar(&dataDir, "data-dir", "", "Base directory for all data files")
	flag.StringVar(&dbPath, "db", "", "Path of the primary SQLite database")
	flag.StringVar(&httpAddr, "http-addr", "", "HTTP listen address")
	flag.StringVar(&timezone, "timezone", "", "IANA time zone for partition boundaries")
	flag.StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn, error")
	flag.BoolVar(&showVersion, "version", false, "Show version information")

	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "trendbridge - time-series partitioning for controller trend logs\n\n")
		fmt.Fprintf(os.Stderr, "Usage: trendbridge [options] [serve|migrate]\n\n")
		fmt.Fprintf(os.Stderr, "Options:\n")
		flag.PrintDefaults()
		fmt.Fprintf(os.Stderr, "\nExamples:\n")
		fmt.Fprintf(os.Stderr, "  trendbridge --data-dir /var/lib/trendbridge\n")
		fmt.Fprintf(os.Stderr, "  trendbridge --config /etc/trendbridge/config.yaml migrate\n")
		fmt.Fprintf(os.Stderr, "\nEnvironment Variables:\n")
		fmt.Fprintf(os.Stderr, "  TRENDBRIDGE_DATA_DIR      Base directory for data files\n")
		fmt.Fprintf(os.Stderr, "  TRENDBRIDGE_DB_PATH       Primary database path\n")
		fmt.Fprintf(os.Stderr, "  TRENDBRIDGE_HTTP_ADDR     HTTP listen address\n")
		fmt.Fprintf(os.Stderr, "  TRENDBRIDGE_ARCHIVE_TYPE  Archive backend (none, local, s3)\n")
		fmt.Fprintf(os.Stderr, "  TRENDBRIDGE_TIMEZONE      Time zone for partition boundaries\n")
	}

	flag.Parse()

	if showVersion {
		fmt.Printf("trendbridge version %s (commit: %s)\n", version, commit)
		os.Exit(0)
	}

	command := "serve"
	if flag.NArg() > 0 {
		command = flag.Arg(0)
	}
	if command != "serve" && command != "migrate" {
		flag.Usage()
		os.Exit(2)
	}

	cfg, err := loadConfig(configFile, dataDir, dbPath, httpAddr, timezone, logLevel)
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := logging.New(cfg.Log.Level, cfg.Log.Format, "trendbridge")
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	if err := run(command, cfg, logger); err != nil {
		logger.Error("trendbridge failed", zap.String("command", command), zap.Error(err))
		logger.Sync()
		os.Exit(1)
	}
}

func run(command string, cfg *config.Config, logger *zap.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}

	if command == "migrate" {
		defer application.Close()
		report, err := application.Migrate(ctx)
		if err != nil {
			return err
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}

	logger.Info("starting trendbridge",
		zap.String("version", version),
		zap.String("data_dir", cfg.DataDir),
		zap.String("http_addr", cfg.HTTP.Addr),
		zap.String("archive", cfg.Storage.ArchiveType),
		zap.Bool("rollover", cfg.Rollover.Enabled))

	if err := application.Start(ctx); err != nil {
		application.Close()
		return err
	}
	return application.WaitForShutdown(ctx)
}

// loadConfig loads configuration from file, environment, and command line flags.
func loadConfig(configFile, dataDir, dbPath, httpAddr, timezone, logLevel string) (*config.Config, error) {
	var cfg *config.Config
	var err error

	if configFile != "" {
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load config file: %w", err)
		}
	} else {
		cfg = config.DefaultConfig()
	}

	config.LoadFromEnv(cfg)

	// Command line flags have the highest priority
	if dataDir != "" {
		cfg.DataDir = dataDir
	}
	if dbPath != "" {
		cfg.Database.Path = dbPath
	}
	if httpAddr != "" {
		cfg.HTTP.Addr = httpAddr
	}
	if timezone != "" {
		cfg.Rollover.Timezone = timezone
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}

	return cfg, nil
}
