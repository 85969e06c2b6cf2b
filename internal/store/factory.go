package store

import (
	"fmt"

	"github.com/dkeye/Gather/internal/config"
	"github.com/dkeye/Gather/internal/core"
)

const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
)

// New picks a store backend from configuration. Both stores share one
// backend instance.
func New(cfg *config.Config) (core.VenueStore, core.UserStore, error) {
	switch cfg.StoreBackend {
	case BackendMemory, "":
		s := NewMemoryStore()
		return s, s.Users(), nil
	case BackendRedis:
		s, err := NewRedisStore(cfg.RedisAddr, "", 0)
		if err != nil {
			return nil, nil, err
		}
		return s, s.Users(), nil
	default:
		return nil, nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}
}
