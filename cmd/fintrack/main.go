package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/jask/fintrack/internal/config"
	"github.com/jask/fintrack/internal/database"
	"github.com/jask/fintrack/internal/database/repository"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}

	level, err := zerolog.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = zerolog.InfoLevel
	}
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).
		With().Timestamp().Logger().Level(level)

	mgr := database.NewManager(cfg.Database, log)
	if err := mgr.Initialize(); err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer mgr.Close()

	registry := database.NewRegistry(mgr.Strict())
	engine, err := database.NewEngine(mgr, log, registry)
	if err != nil {
		return fmt.Errorf("migration registry: %w", err)
	}

	switch cmd := arg(1); cmd {
	case "", "migrate":
		if err := engine.RunPending(ctx); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	case "status":
		applied, pending, err := engine.Status(ctx)
		if err != nil {
			return fmt.Errorf("status: %w", err)
		}
		names := make(map[int]string, len(registry))
		for _, m := range registry {
			names[m.Version] = m.Name
		}
		for _, m := range applied {
			fmt.Printf("%3d  %-24s applied %s\n", m.Version, names[m.Version], m.AppliedAt.Format(time.RFC3339))
		}
		for _, m := range pending {
			fmt.Printf("%3d  %-24s pending\n", m.Version, m.Name)
		}
		return nil
	case "rollback":
		target, err := strconv.Atoi(arg(2))
		if err != nil {
			return fmt.Errorf("rollback: target version required")
		}
		if err := engine.RollbackTo(ctx, target); err != nil {
			return fmt.Errorf("rollback: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unknown command %q (expected migrate, status, or rollback)", cmd)
	}

	repo, err := repository.New(mgr)
	if err != nil {
		return fmt.Errorf("repository: %w", err)
	}
	if !repo.IsHealthy(ctx) {
		return fmt.Errorf("store failed health check")
	}
	log.Info().Str("path", cfg.Database.Path).Msg("store healthy")
	return nil
}

func arg(i int) string {
	if len(os.Args) > i {
		return os.Args[i]
	}
	return ""
}
