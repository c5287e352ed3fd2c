package store

import (
	"context"
	"errors"
	"strings"
	"time"
)

// Config configures storage.
//
// Driver values:
//   - "memory": in-process maps (trial runs, tests)
//   - "sqlite": SQLite database file
//   - "mongo":  MongoDB (URI + Database required)
type Config struct {
	Driver      string
	Path        string        // sqlite only
	BusyTimeout time.Duration // sqlite only; 0 means default
	URI         string        // mongo only
	Database    string        // mongo only
}

// Open initializes the configured store.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Driver)) {
	case "", "memory":
		return NewMemory(), nil
	case "sqlite", "sqlite3":
		return openSQLite(cfg)
	case "mongo", "mongodb":
		return openMongo(ctx, cfg)
	default:
		return nil, errors.New("unknown storage driver: " + cfg.Driver)
	}
}
