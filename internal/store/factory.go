package store

import (
	"fmt"

	"github.com/smartui-fusion/fusionhub/internal/config"
)

// New creates a Store from the storage configuration.
func New(cfg config.StorageConfig) (Store, error) {
	switch cfg.Driver {
	case "", "sqlite":
		return NewSQLite(cfg.DSN)
	case "postgres":
		return NewPostgres(cfg.DSN)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", cfg.Driver)
	}
}
