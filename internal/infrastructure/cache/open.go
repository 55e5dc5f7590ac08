package cache

import (
	"context"
	"fmt"

	"github.com/symgrid/iot-cloud-apps/internal/infrastructure/config"
)

// Driver names accepted in cache.driver.
const (
	DriverRedis  = "redis"
	DriverSQLite = "sqlite"
)

// Open connects the backend selected by cfg.Driver.
func Open(ctx context.Context, cfg config.CacheConfig) (Store, error) {
	switch cfg.Driver {
	case DriverRedis:
		s, err := OpenRedis(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		return s, nil
	case DriverSQLite:
		s, err := OpenSQLite(ctx, cfg.SQLite)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, fmt.Errorf("cache: unknown driver %q", cfg.Driver)
	}
}
