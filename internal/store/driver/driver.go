// Package driver opens the store implementation named in the configuration.
package driver

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/JonMunkholm/stagemerge/internal/config"
	"github.com/JonMunkholm/stagemerge/internal/store"
	"github.com/JonMunkholm/stagemerge/internal/store/postgres"
	"github.com/JonMunkholm/stagemerge/internal/store/sqlite"
)

// Open connects to cfg.Driver at cfg.URL and ensures the schema exists.
func Open(ctx context.Context, cfg config.DatabaseConfig) (store.Store, error) {
	switch strings.ToLower(cfg.Driver) {
	case config.DriverSQLite, "":
		s, err := sqlite.Open(ctx, cfg.URL, cfg.BusyTimeout)
		if err != nil {
			return nil, err
		}
		return s, nil
	case config.DriverPostgres:
		s, err := postgres.Open(ctx, cfg)
		if err != nil {
			return nil, err
		}
		return s, nil
	default:
		return nil, errors.Newf("unknown database driver %q", cfg.Driver)
	}
}
