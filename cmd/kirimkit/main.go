package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"

	"github.com/kirimkit/kirimkit/engine"
	"github.com/kirimkit/kirimkit/internal/engine/config"
	"github.com/kirimkit/kirimkit/internal/logging"
)

var version = "dev"

func main() {
	if err := run(os.Args[1:]); err != nil {
		slog.Error("fatal", "error", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	// Optional .env beside the binary, the same layout the dashboard
	// tier uses. Missing file is fine.
	_ = godotenv.Load()

	fs := flag.NewFlagSet("kirimkit", flag.ExitOnError)
	configPath := fs.String("config", "", "path to YAML config file")
	logLevel := fs.String("log-level", "", "log level (debug, info, warn, error)")
	metricsAddr := fs.String("metrics-addr", "", "override metrics listen address")
	showVersion := fs.Bool("version", false, "print version and exit")
	_ = fs.Parse(args)

	if *showVersion {
		fmt.Println(version)
		return nil
	}

	logging.Setup()
	if *logLevel != "" {
		lvl, err := logging.ParseLevel(*logLevel)
		if err != nil {
			return err
		}
		logging.SetLevel(lvl)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return err
	}
	if *metricsAddr != "" {
		cfg.MetricsAddr = *metricsAddr
	}

	logging.PrintBanner(version, cfg.MetricsAddr)

	eng, err := engine.New(cfg)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	return eng.Serve(ctx)
}
