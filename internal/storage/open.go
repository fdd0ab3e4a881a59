package storage

import (
	"context"
	"errors"
	"strings"

	"timerd/pkg/logx"
)

// Store is the persistence API the daemon wires anomalies into.
type Store interface {
	AppendAnomaly(ctx context.Context, e AnomalyEntry) error
	RecentAnomalies(ctx context.Context, limit int) ([]AnomalyEntry, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	if driver == "" || driver == "none" {
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
