package store

import (
	"context"
	"fmt"

	"github.com/roach88/rideon/internal/config"
)

// Open returns the backend selected by cfg.Driver.
func Open(ctx context.Context, cfg config.Store, opts ...Option) (Store, error) {
	switch cfg.Driver {
	case "", config.DriverMemory:
		return NewMemory(opts...), nil
	case config.DriverSQLite:
		s, err := OpenSQLite(cfg.DSN, opts...)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.DriverPostgres:
		p, err := OpenPostgres(ctx, cfg.DSN, opts...)
		if err != nil {
			return nil, err
		}
		return p, nil
	case config.DriverRedis:
		if cfg.Redis.Prefix != "" {
			opts = append(opts, WithKeyPrefix(cfg.Redis.Prefix))
		}
		r, err := OpenRedis(ctx, cfg.Redis.Addr, cfg.Redis.Password, cfg.Redis.DB, opts...)
		if err != nil {
			return nil, err
		}
		return r, nil
	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}
