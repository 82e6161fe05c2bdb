// dbpool runs a pooled, retrying, circuit-protected database connection
// service and the tools to check and load-test it.
//
// Usage:
//
//	dbpool [flags] [serve]     Start the service and its ops HTTP server
//	dbpool [flags] check       Run health checks once and exit
//	dbpool [flags] bench       Run a concurrent query load test
//	dbpool [flags] init        Write the effective configuration to -config
//
// Flags:
//
//	-config string
//	    Path to configuration file, .toml or .yaml (default "dbpool.toml")
//	-backend string
//	    Database backend (overrides config)
//	-dsn string
//	    Database DSN (overrides config)
//	-v
//	    Enable verbose logging
//	-version
//	    Print version and exit
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-i2p/dbpool/lib/core"
	"github.com/go-i2p/dbpool/version"
)

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(argv []string) int {
	fs := flag.NewFlagSet("dbpool", flag.ContinueOnError)
	configPath := fs.String("config", "dbpool.toml", "Path to configuration file (.toml or .yaml)")
	backend := fs.String("backend", "", "Database backend (overrides config)")
	dsn := fs.String("dsn", "", "Database DSN (overrides config)")
	verbose := fs.Bool("v", false, "Enable verbose logging")
	showVersion := fs.Bool("version", false, "Print version and exit")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "dbpool - pooled database connections with retries and circuit breaking\n\n")
		fmt.Fprintf(os.Stderr, "Usage:\n")
		fmt.Fprintf(os.Stderr, "  dbpool [flags] [serve]    Start the service\n")
		fmt.Fprintf(os.Stderr, "  dbpool [flags] check      Run health checks once\n")
		fmt.Fprintf(os.Stderr, "  dbpool [flags] bench      Run a query load test\n")
		fmt.Fprintf(os.Stderr, "  dbpool [flags] init       Write configuration file\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(argv); err != nil {
		return 2
	}

	if *showVersion {
		info := version.Get()
		fmt.Printf("dbpool version %s (%s, %s)\n", version.Full(), info.GoVersion, info.Platform)
		return 0
	}

	logLevel := slog.LevelInfo
	if *verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))

	cfg, err := core.LoadConfig(*configPath)
	if err != nil {
		logger.Error("failed to load config", "error", err)
		return 1
	}
	if *backend != "" {
		cfg.Database.Backend = *backend
	}
	if *dsn != "" {
		cfg.Database.DSN = *dsn
	}
	if err := cfg.Validate(); err != nil {
		logger.Error("invalid config", "error", err)
		return 1
	}

	args := fs.Args()
	cmd := "serve"
	if len(args) > 0 {
		cmd, args = args[0], args[1:]
	}

	switch cmd {
	case "serve":
		return serve(cfg, logger)
	case "check":
		return check(cfg, logger)
	case "bench":
		return bench(cfg, logger, args)
	case "init":
		if err := core.SaveConfig(cfg, *configPath); err != nil {
			logger.Error("failed to write config", "error", err)
			return 1
		}
		fmt.Printf("Wrote %s\n", *configPath)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", cmd)
		fs.Usage()
		return 2
	}
}

// serve runs the service until SIGINT or SIGTERM.
func serve(cfg *core.Config, logger *slog.Logger) int {
	svc, err := core.NewService(cfg, logger)
	if err != nil {
		logger.Error("failed to create service", "error", err)
		return 1
	}
	svc.SetOnError(func(err error, message string) {
		logger.Warn(message, "error", err)
	})

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := svc.Start(ctx); err != nil {
		logger.Error("failed to start service", "error", err)
		return 1
	}

	logger.Info("dbpool started",
		"backend", cfg.Database.Backend,
		"web", svc.WebAddr(),
		"version", version.Version,
	)

	select {
	case <-ctx.Done():
		logger.Info("received signal, shutting down")
	case <-svc.Done():
		logger.Info("service stopped unexpectedly")
		return 1
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := svc.Stop(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		return 1
	}

	logger.Info("dbpool stopped")
	return 0
}

// startQuiet starts a service for a one-shot command: no web server and
// no background health loop.
func startQuiet(ctx context.Context, cfg *core.Config, logger *slog.Logger) (*core.Service, func(), error) {
	c := *cfg
	c.Web.Enabled = false
	c.Health.Interval = 0

	svc, err := core.NewService(&c, logger)
	if err != nil {
		return nil, nil, err
	}
	if err := svc.Start(ctx); err != nil {
		return nil, nil, err
	}
	return svc, func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := svc.Stop(shutdownCtx); err != nil {
			logger.Error("shutdown error", "error", err)
		}
	}, nil
}
