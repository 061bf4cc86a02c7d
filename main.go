// Package main implements a service that watches a halbooking.dk event listing
// and sends a push notification when new bookable slots are published.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"halbooking-notifier/config"
	"halbooking-notifier/notify"
	"halbooking-notifier/poll"
	"halbooking-notifier/scraper"
	"halbooking-notifier/server"
	"halbooking-notifier/storage"
)

const logFileName = "halbooking-notifier.log"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Getenv, os.Stdout); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, "halbooking-notifier:", err)
		stop()
		os.Exit(1)
	}
}

func run(ctx context.Context, args []string, getenv func(string) string, stdout io.Writer) error {
	cfg, err := config.Parse(args, getenv, os.Stderr)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	logger, closeLog, err := newLogger(cfg, stdout)
	if err != nil {
		return err
	}
	defer closeLog()
	slog.SetDefault(logger)

	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	backend, err := storage.Open(ctx, storage.Config{
		Driver:          cfg.Storage.Driver,
		Path:            cfg.EventsFile,
		Bucket:          cfg.Storage.Bucket,
		Object:          objectName(cfg),
		CredentialsJSON: cfg.Storage.CredentialsJSON,
	}, logger)
	if err != nil {
		return fmt.Errorf("open storage: %w", err)
	}
	defer func() {
		if err := backend.Close(); err != nil {
			logger.Warn("Failed to close storage backend", "error", err)
		}
	}()

	transport, err := newTransport(ctx, cfg, logger)
	if err != nil {
		return err
	}

	src, err := scraper.New(&http.Client{Timeout: cfg.FetchTimeout}, scraper.Config{
		BaseURL:  cfg.SourceURL,
		MaxPages: cfg.MaxPages,
		Attempts: cfg.FetchAttempts,
	}, logger)
	if err != nil {
		return err
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	monitor := poll.New(src, backend, notify.New(transport, cfg.DispatchTimeout, logger), poll.Config{
		Location:       loc,
		Metrics:        poll.NewMetrics(reg),
		Interval:       cfg.Interval(),
		MaxBackoff:     cfg.MaxBackoff,
		FetchTimeout:   cfg.FetchTimeout,
		PersistTimeout: cfg.PersistTimeout,
		SeedSilently:   cfg.SeedSilently,
		OnCycle: func(poll.Outcome) {
			notifySystemd(logger, daemon.SdNotifyWatchdog)
		},
	}, logger)

	logger.Info("Starting halbooking notifier",
		"source", scraper.PageURL(firstNonEmpty(cfg.SourceURL, scraper.DefaultBaseURL), 0),
		"transport", transport.Name(),
		"storage", backend.Name(),
		"interval", cfg.Interval().String(),
		"timezone", loc.String())

	events := storage.Load(ctx, backend, logger)

	if cfg.Once {
		_, o := monitor.Cycle(ctx, events)
		if o.Failed() {
			return errors.New("cycle failed")
		}
		return nil
	}

	var srv *server.Server
	if cfg.Listen != "" {
		srv = server.New(&server.Config{
			Poller:   monitor,
			Gatherer: reg,
			Logger:   logger,
			Addr:     cfg.Listen,
		})
		go func() {
			if err := srv.ListenAndServe(); err != nil {
				logger.Error("HTTP server failed", "error", err)
			}
		}()
	}

	notifySystemd(logger, daemon.SdNotifyReady)
	monitor.Run(ctx, events)
	notifySystemd(logger, daemon.SdNotifyStopping)

	if srv != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Warn("HTTP server shutdown failed", "error", err)
		}
	}

	logger.Info("Shutdown complete")
	return nil
}

// newLogger builds the JSON logger, duplicating the stream to a file in LogDir when set.
func newLogger(cfg *config.Config, stdout io.Writer) (*slog.Logger, func(), error) {
	level, err := cfg.Level()
	if err != nil {
		return nil, nil, err
	}

	out := stdout
	closeFn := func() {}
	if cfg.LogDir != "" {
		if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
			return nil, nil, fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(filepath.Join(cfg.LogDir, logFileName), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return nil, nil, fmt.Errorf("open log file: %w", err)
		}
		out = io.MultiWriter(stdout, f)
		closeFn = func() { _ = f.Close() }
	}

	logger := slog.New(slog.NewJSONHandler(out, &slog.HandlerOptions{
		Level: level,
	}))
	return logger, closeFn, nil
}

func newTransport(ctx context.Context, cfg *config.Config, logger *slog.Logger) (notify.Transport, error) {
	switch cfg.Transport {
	case "pushover":
		return notify.NewPushover(&http.Client{Timeout: cfg.DispatchTimeout}, notify.PushoverConfig{
			Token:     cfg.Pushover.APIKey,
			User:      cfg.Pushover.GroupKey,
			PerMinute: cfg.Pushover.PerMinute,
		}, logger), nil
	case "gmail":
		svc, err := notify.NewGmailService(ctx, cfg.Gmail.CredentialsJSON)
		if err != nil {
			return nil, fmt.Errorf("initialize gmail service: %w", err)
		}
		return notify.NewGmail(svc, cfg.Gmail.To, logger), nil
	case "log":
		logger.Info("Dry run mode enabled, notifications are only logged")
		return notify.NewLogTransport(logger), nil
	default:
		return nil, fmt.Errorf("unknown transport: %s", cfg.Transport)
	}
}

func notifySystemd(logger *slog.Logger, state string) {
	// Returns false without error when not running under systemd.
	if _, err := daemon.SdNotify(false, state); err != nil {
		logger.Warn("Failed to notify systemd", "state", state, "error", err)
	}
}

func objectName(cfg *config.Config) string {
	if cfg.Storage.Object != "" {
		return cfg.Storage.Object
	}
	return filepath.Base(cfg.EventsFile)
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
