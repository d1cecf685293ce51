package main

import (
	"context"
	"fmt"

	"github.com/oriys/pagecache/internal/cache"
	"github.com/oriys/pagecache/internal/config"
	"github.com/oriys/pagecache/internal/logging"
	"github.com/redis/go-redis/v9"
)

func loadConfig() (*config.Config, error) {
	cfg := config.DefaultConfig()
	if configFile != "" {
		var err error
		cfg, err = config.LoadFromFile(configFile)
		if err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}
	if siteKey != "" {
		cfg.Daemon.Site = siteKey
	}
	if err := config.LoadFromEnv(cfg); err != nil {
		return nil, fmt.Errorf("load env: %w", err)
	}
	if logLevel != "" {
		cfg.Observability.Logging.Level = logLevel
	}
	logging.InitStructured(cfg.Observability.Logging.Format, cfg.Observability.Logging.Level)
	return cfg, nil
}

// openClient resolves the snapshot for the configured site and builds a
// client for it. A dead client is returned without error.
func openClient(ctx context.Context, cfg *config.Config) (*cache.Client, error) {
	snap, err := cfg.Resolve(cfg.SiteKey())
	if err != nil {
		return nil, err
	}
	return cache.New(ctx, snap)
}

func busClient(cfg *config.Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Bus.Addr,
		Password: cfg.Bus.Password,
		DB:       cfg.Bus.DB,
	})
}
