package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/TallyWorks/tally/config"
	"github.com/TallyWorks/tally/service"
	"gopkg.in/yaml.v3"
)

func main() {
	configPath := flag.String("config", "tally.yaml", "path to the service config file")
	generate := flag.Bool("generate", false, "write a default config to the config path and exit")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: level,
	}))
	slog.SetDefault(logger)

	if *generate {
		data, err := yaml.Marshal(config.GenerateConfig())
		if err != nil {
			slog.Error("Failed to marshal default config", "error", err)
			os.Exit(1)
		}
		if err := os.WriteFile(*configPath, data, 0644); err != nil {
			slog.Error("Failed to write default config", "path", *configPath, "error", err)
			os.Exit(1)
		}
		slog.Info("Wrote default config", "path", *configPath)
		return
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		slog.Error("Failed to load config", "path", *configPath, "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := service.NewService(
		ctx,
		logger.With("service", "realtime"),
		cfg,
		service.NewConfigTokenResolver(cfg.Users),
	)
	if err != nil {
		slog.Error("Failed to initialize service", "error", err)
		os.Exit(1)
	}

	if err := svc.Run(); err != nil {
		slog.Error("Service exited with error", "error", err)
		os.Exit(1)
	}
	slog.Info("Application exiting.")
}
