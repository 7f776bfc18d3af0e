package ledger

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/jittakal/kafeventledger/internal/config/dto"
)

// Open builds the store for the configured driver, wrapped in the redis
// cache when enabled.
func Open(ctx context.Context, cfg dto.LedgerConfig, logger *zap.Logger) (Store, error) {
	var (
		store Store
		err   error
	)

	switch cfg.Driver {
	case "postgres":
		store, err = NewPostgresStore(ctx, cfg, logger)
	case "gorm-postgres", "sqlite":
		store, err = NewGormStore(cfg, logger)
	case "memory":
		logger.Warn("Using in-memory ledger; processed events are forgotten on restart")
		store = NewMemoryStore()
	default:
		return nil, fmt.Errorf("unsupported ledger driver: %s", cfg.Driver)
	}
	if err != nil {
		return nil, err
	}

	if !cfg.Cache.Enabled {
		return store, nil
	}

	client, err := NewRedisClient(ctx, cfg.Cache)
	if err != nil {
		_ = store.Close()
		return nil, err
	}
	logger.Info("Ledger duplicate cache enabled",
		zap.String("addr", cfg.Cache.Addr),
		zap.Int("ttl_seconds", cfg.Cache.TTLSeconds))
	return NewCachedStore(store, client, cfg.Cache, logger), nil
}
