// Command slidequick is the realtime collaboration server for presentation
// documents.
//
// Usage:
//
//	slidequick -config slidequick.yaml      # run with config file
//	slidequick -db slidequick.db            # run with defaults
//	slidequick -db slidequick.db -dump r1   # print a room's document and exit
//	slidequick -db slidequick.db -cleanup-expired  # purge expired sessions and exit
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "modernc.org/sqlite"

	"github.com/cvkhang/SlideQuick/slidequick"
)

func main() {
	configPath := flag.String("config", "", "path to slidequick.yaml config file")
	dbPath := flag.String("db", "", "path to SQLite database")
	addr := flag.String("addr", "", "listen address (overrides config)")
	dumpRoom := flag.String("dump", "", "room id: print its saved document as JSON and exit")
	cleanup := flag.Bool("cleanup-expired", false, "delete expired share sessions and exit")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn, error")
	flag.Parse()

	var level slog.Level
	switch *logLevel {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, *configPath, *dbPath, *addr, *dumpRoom, *cleanup); err != nil {
		logger.Error("slidequick: fatal", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, logger *slog.Logger, configPath, dbPath, addr, dumpRoom string, cleanup bool) error {
	cfg, err := resolveConfig(configPath, dbPath, addr)
	if err != nil {
		return err
	}

	svc, err := slidequick.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("init: %w", err)
	}

	// One-shot: dump a room's saved document.
	if dumpRoom != "" {
		defer closeQuietly(svc, logger)
		p, err := svc.DumpRoom(ctx, dumpRoom)
		if err != nil {
			return fmt.Errorf("dump: %w", err)
		}
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(p)
	}

	// One-shot: purge expired sessions.
	if cleanup {
		defer closeQuietly(svc, logger)
		n, err := svc.CleanupExpired(ctx)
		if err != nil {
			return fmt.Errorf("cleanup: %w", err)
		}
		logger.Info("slidequick: expired sessions removed", "count", n)
		return nil
	}

	// Server mode.
	if err := svc.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	logger.Info("slidequick: shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return svc.Close(shutdownCtx)
}

func closeQuietly(svc *slidequick.Service, logger *slog.Logger) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := svc.Close(ctx); err != nil {
		logger.Warn("slidequick: close", "error", err)
	}
}

func resolveConfig(configPath, dbPath, addr string) (*slidequick.Config, error) {
	var cfg *slidequick.Config
	if configPath != "" {
		loaded, err := slidequick.LoadConfigFile(configPath)
		if err != nil {
			return nil, err
		}
		cfg = loaded
	} else {
		cfg = &slidequick.Config{}
	}
	if dbPath != "" {
		cfg.DBPath = dbPath
	}
	if addr != "" {
		cfg.Addr = addr
	}
	if configPath == "" && dbPath == "" {
		fmt.Fprintln(os.Stderr, "usage: slidequick -config <file> | -db <path> [-addr <addr>] [-dump <room>] [-cleanup-expired]")
		os.Exit(1)
	}
	return cfg, nil
}
