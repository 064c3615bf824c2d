package storage

import (
	"fmt"

	"github.com/lieyan666/FireProxy/pkg/config"
)

// NewStore returns a concrete Store based on storage configuration.
// Type "none" disables persistence and yields a nil Store.
func NewStore(cfg config.StorageConfig) (Store, error) {
	switch cfg.Type {
	case "none", "":
		return nil, nil
	case "sqlite":
		return NewSQLiteStore(cfg.Path)
	case "mysql":
		return NewMySQLStore(cfg.Path)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}
