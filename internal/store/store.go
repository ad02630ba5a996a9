// Package store opens the configured reconciliation backend.
package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/JonMunkholm/sheetsync/internal/config"
	"github.com/JonMunkholm/sheetsync/internal/core"
	"github.com/JonMunkholm/sheetsync/internal/store/postgres"
	"github.com/JonMunkholm/sheetsync/internal/store/sqlite"
)

// Backend is a store that also keeps run history.
type Backend interface {
	core.RemoteStore
	core.RunRecorder
	Close() error
}

// Open connects to the backend named by cfg.Driver and makes sure the run
// history table exists. idField is the entity identifier column.
func Open(ctx context.Context, cfg config.StoreConfig, idField string) (Backend, error) {
	switch strings.ToLower(cfg.Driver) {
	case config.DriverPostgres:
		s, err := postgres.Open(ctx, cfg.URL, postgres.Options{
			MaxConns:        cfg.MaxConns,
			MinConns:        cfg.MinConns,
			MaxConnLifetime: cfg.MaxConnLifetime,
			MaxConnIdleTime: cfg.MaxConnIdleTime,
			QueryTimeout:    cfg.QueryTimeout,
			IDField:         idField,
		})
		if err != nil {
			return nil, err
		}
		if err := s.Migrate(ctx); err != nil {
			s.Close()
			return nil, err
		}
		return pgBackend{s}, nil

	case config.DriverSQLite:
		return sqlite.Open(cfg.URL, idField)

	default:
		return nil, fmt.Errorf("unknown store driver %q", cfg.Driver)
	}
}

type pgBackend struct {
	*postgres.Store
}

func (b pgBackend) Close() error {
	b.Store.Close()
	return nil
}
