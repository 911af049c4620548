package storage

import (
	"context"
	"errors"
	"strings"
	"time"

	logx "datafarm/pkg/logx"
)

// runsTailDefault is how many recent runs a driver serves when the caller
// passes limit <= 0; the file driver also bounds its in-memory tail with it.
const runsTailDefault = 512

// Store is the minimal persistence API used by the journal and the notifier.
type Store interface {
	AppendRun(ctx context.Context, e RunEntry) error
	AppendPositionEvent(ctx context.Context, e PositionEntry) error
	// RecentRuns returns up to limit entries, newest first; limit <= 0
	// means the driver default.
	RecentRuns(ctx context.Context, limit int) ([]RunEntry, error)
	PutDedup(ctx context.Context, key string, until time.Time) error
	GetDedup(ctx context.Context, key string) (until time.Time, ok bool, err error)
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
