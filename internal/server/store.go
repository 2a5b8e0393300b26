package server

import (
	"fmt"

	"github.com/nhalm/formguard/config"
	"github.com/nhalm/formguard/store"
)

// NewStore opens the rate-window store selected by cfg. The caller owns
// Close.
func NewStore(cfg config.StoreConfig) (store.Store, error) {
	switch cfg.Type {
	case config.StoreMemory:
		return store.NewMemory(), nil
	case config.StoreRedis:
		st, err := store.NewRedis(store.RedisConfig{
			URL:      cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			Prefix:   cfg.Redis.Prefix,
		})
		if err != nil {
			return nil, fmt.Errorf("open redis store: %w", err)
		}
		return st, nil
	default:
		return nil, fmt.Errorf("unknown store type %q", cfg.Type)
	}
}
