// Command consultia is the main entry point for the consultia clinical
// documentation assistant.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/MrWong99/consultia/internal/app"
	"github.com/MrWong99/consultia/internal/config"
	"github.com/MrWong99/consultia/internal/observe"
	"github.com/MrWong99/consultia/pkg/archive/postgres"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	reloadEvery := flag.Duration("reload-interval", 5*time.Second, "how often the config file is checked for changes")
	flag.Parse()

	// ── Logger ────────────────────────────────────────────────────────────────
	var level slog.LevelVar
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: &level})))

	// ── Load configuration ────────────────────────────────────────────────────
	// The watcher performs the initial load. Its callback only fires from
	// Run, after application is assigned.
	var application *app.App
	watcher, err := config.NewWatcher(*configPath, func(old, new *config.Config) {
		application.ApplyConfig(old, new)
	}, config.WithInterval(*reloadEvery))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "consultia: config file %q not found, copy configs/example.yaml to get started\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "consultia: %v\n", err)
		}
		return 1
	}
	cfg := watcher.Current()
	level.Set(app.SlogLevel(cfg.Server.LogLevel))

	slog.Info("consultia starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	tel, err := observe.InitProvider(ctx, observe.ProviderConfig{ServiceVersion: version})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := tel.Shutdown(shutdownCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()

	printStartupSummary(cfg)

	opts := []app.Option{
		app.WithMetrics(tel.Metrics),
		app.WithMetricsHandler(tel.Handler()),
		app.WithLevelVar(&level),
		app.WithWatcher(watcher),
	}

	// ── Archive (optional) ────────────────────────────────────────────────────
	if cfg.Archive.DSN != "" {
		store, err := postgres.NewStore(ctx, cfg.Archive.DSN)
		if err != nil {
			slog.Error("failed to open archive", "err", err)
			return 1
		}
		defer store.Close()
		opts = append(opts, app.WithArchive(store))
		slog.Info("archive connected")
	}

	application, err = app.New(cfg, opts...)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	slog.Info("server ready, press Ctrl+C to shut down")

	runErr := application.Run(ctx)
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		slog.Error("run error", "err", runErr)
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping")
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		return 1
	}
	if runErr != nil && !errors.Is(runErr, context.Canceled) {
		return 1
	}
	slog.Info("goodbye")
	return 0
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════════╗")
	fmt.Println("║         consultia, startup summary        ║")
	fmt.Println("╠═══════════════════════════════════════════╣")
	audio := string(cfg.Audio.Source)
	if cfg.Audio.Source == config.SourceWAV {
		audio = "wav / " + cfg.Audio.WAVPath
	}
	printRow("Audio", audio)
	printRow("Framing", string(cfg.Audio.Framing))
	printRow("STT", cfg.STT.URL)
	printRow("Assistant", cfg.Assistant.URL)
	printRow("Extraction", cfg.Extraction.URL)
	archive := ""
	if cfg.Archive.DSN != "" {
		archive = "postgres"
	}
	printRow("Archive", archive)
	printRow("Listen addr", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════════╝")
}

func printRow(label, value string) {
	if value == "" {
		value = "(disabled)"
	}
	if r := []rune(value); len(r) > 25 {
		value = string(r[:24]) + "…"
	}
	fmt.Printf("║  %-12s : %-25s ║\n", label, value)
}
