// Command rolecoach runs one voice coaching conversation against the
// configured coaching, scoring and audio uplink services.
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

	"github.com/MrWong99/rolecoach/internal/app"
	"github.com/MrWong99/rolecoach/internal/config"
	"github.com/MrWong99/rolecoach/internal/feedback"
	"github.com/MrWong99/rolecoach/internal/observe"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	sessionID := flag.String("session", "", "session id to use (default: a fresh UUID)")
	reviewID := flag.String("review", "", "print the recorded feedback of a session and exit")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "rolecoach: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "rolecoach: %v\n", err)
		}
		return 1
	}

	if *reviewID != "" {
		return review(cfg, *reviewID)
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	level := new(slog.LevelVar)
	level.Set(slogLevel(cfg.Server.LogLevel))
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	slog.Info("rolecoach starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"persona", cfg.Persona.Name,
		"scoring", cfg.Scoring.BaseURL != "",
	)

	// ── Telemetry ─────────────────────────────────────────────────────────────
	host, _ := os.Hostname()
	shutdownTelemetry, err := observe.InitProvider(context.Background(), observe.ProviderConfig{
		ServiceName:    "rolecoach",
		ServiceVersion: version,
		InstanceID:     host,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	application, err := app.New(cfg)
	if err != nil {
		slog.Error("failed to initialise application", "err", err)
		return 1
	}

	// ── Config hot reload ─────────────────────────────────────────────────────
	watcher, err := config.Watch(ctx, *configPath, func(d config.ConfigDiff, _ *config.Config) {
		if d.LogLevelChanged {
			level.Set(slogLevel(d.NewLogLevel))
			slog.Info("log level changed", "log_level", d.NewLogLevel)
		}
		application.ApplyConfig(d)
	})
	if err != nil {
		slog.Warn("config hot reload disabled", "err", err)
	}

	slog.Info("conversation starting, press Ctrl+C to end it")

	code := 0
	if err := application.Run(ctx, *sessionID); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		code = 1
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	slog.Info("stopping…")

	if watcher != nil {
		watcher.Stop()
	}
	if err := application.Shutdown(shutdownCtx); err != nil {
		slog.Error("shutdown error", "err", err)
		code = 1
	}
	if err := shutdownTelemetry(shutdownCtx); err != nil {
		slog.Warn("telemetry shutdown error", "err", err)
	}
	slog.Info("goodbye")
	return code
}

// review prints the feedback journal of one session to stdout.
func review(cfg *config.Config, sessionID string) int {
	if cfg.Feedback.Path == "" {
		fmt.Fprintln(os.Stderr, "rolecoach: feedback.path is not configured, nothing to review")
		return 1
	}
	records, err := feedback.NewFileStore(cfg.Feedback.Path).Load(sessionID)
	if err != nil {
		fmt.Fprintf(os.Stderr, "rolecoach: %v\n", err)
		return 1
	}
	if err := feedback.WriteReport(os.Stdout, sessionID, records); err != nil {
		fmt.Fprintf(os.Stderr, "rolecoach: %v\n", err)
		return 1
	}
	return 0
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func slogLevel(level config.LogLevel) slog.Level {
	switch level {
	case config.LogDebug:
		return slog.LevelDebug
	case config.LogWarn:
		return slog.LevelWarn
	case config.LogError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
