package storage

import (
	"context"
	"errors"
	"strings"

	logx "postrelay/pkg/logx"
)

// Store is the persistence API used by the job registry.
type Store interface {
	AppendEvent(ctx context.Context, e Entry) error
	// Events returns up to limit entries for jobID, oldest first.
	// limit <= 0 means all.
	Events(ctx context.Context, jobID string, limit int) ([]Entry, error)
	Close() error
}

// Open initializes the configured store.
// It returns (nil, nil) if storage is disabled.
func Open(cfg Config, log logx.Logger) (Store, error) {
	driver := strings.ToLower(strings.TrimSpace(cfg.Driver))
	switch driver {
	case "", "none", "off", "disabled":
		return nil, nil
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	log = log.With(logx.String("comp", "storage"), logx.String("driver", driver))

	switch driver {
	case "file":
		return openFile(cfg, log)
	case "sqlite", "sqlite3":
		return openSQLite(cfg, log)
	default:
		return nil, errors.New("unknown storage driver: " + driver)
	}
}
