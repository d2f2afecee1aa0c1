package cli

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/KafClaw/nexa/internal/actions"
	"github.com/KafClaw/nexa/internal/config"
)

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	return cfg, nil
}

func openStore(ctx context.Context, cfg *config.Config, onContention func(int64)) (*actions.Store, error) {
	if cfg.Database.Path != ":memory:" {
		if err := config.EnsureDir(filepath.Dir(cfg.Database.Path)); err != nil {
			return nil, fmt.Errorf("create database dir: %w", err)
		}
	}
	return actions.Open(ctx, cfg.Database.Path, actions.Options{
		Driver:       cfg.Database.Driver,
		Policy:       cfg.Executor.RetryPolicy(),
		OnContention: onContention,
	})
}
