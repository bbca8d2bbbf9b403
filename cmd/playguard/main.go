package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"playguard/internal/app"
	"playguard/internal/config"
	"playguard/internal/infrastructure"
)

func main() {
	showVersion := flag.Bool("version", false, "print the version and exit")
	exportPath := flag.String("export-violations", "", "write stored violations to a .csv or .xlsx file and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s %s\n", app.AppName, app.VERSION)
		return
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("Failed to load configuration", slog.String("error", err.Error()))
		os.Exit(1)
	}

	logger, err := infrastructure.InitializeLogger(cfg.Logging)
	if err != nil {
		slog.Error("Failed to initialize logger", slog.String("error", err.Error()))
		os.Exit(1)
	}

	ctx := context.Background()

	if *exportPath != "" {
		n, err := exportViolations(ctx, cfg.Storage, *exportPath)
		if err != nil {
			logger.Error("Violation export failed", slog.String("path", *exportPath), slog.String("error", err.Error()))
			os.Exit(1)
		}
		logger.Info("Violations exported", slog.String("path", *exportPath), slog.Int("count", n))
		return
	}

	application, err := app.NewApplication(ctx, cfg, app.WithLogger(logger))
	if err != nil {
		logger.Error("Failed to initialize application", slog.String("error", err.Error()))
		os.Exit(1)
	}

	if err := application.Run(ctx); err != nil {
		logger.Error("Application error", slog.String("error", err.Error()))
		os.Exit(1)
	}
}
