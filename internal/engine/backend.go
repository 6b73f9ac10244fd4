package engine

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/scrypster/conclave/internal/config"
	"github.com/scrypster/conclave/internal/storage"
	"github.com/scrypster/conclave/internal/storage/jsonfile"
	"github.com/scrypster/conclave/internal/storage/postgres"
	"github.com/scrypster/conclave/internal/storage/sqlite"
)

// SQLiteFile is the database file name under the data path.
const SQLiteFile = "conclave.db"

// OpenBackend opens the storage backend named by cfg.StorageEngine. The
// returned *sql.DB is set for SQLite so backups can copy the database.
func OpenBackend(ctx context.Context, cfg config.StorageConfig, log *zap.Logger) (storage.Backend, *sql.DB, error) {
	switch cfg.StorageEngine {
	case "memory":
		return storage.NewMemoryBackend(), nil, nil
	case "jsonfile", "":
		b, err := jsonfile.Open(jsonfile.Config{Dir: cfg.DataPath, CompactEvery: cfg.CompactEvery, Logger: log})
		if err != nil {
			return nil, nil, err
		}
		return b, nil, nil
	case "sqlite":
		if err := os.MkdirAll(cfg.DataPath, 0o700); err != nil {
			return nil, nil, errors.Wrap(err, "engine: create data directory")
		}
		b, err := sqlite.Open(filepath.Join(cfg.DataPath, SQLiteFile))
		if err != nil {
			return nil, nil, err
		}
		return b, b.GetDB(), nil
	case "postgres":
		b, err := postgres.Open(ctx, cfg.PostgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return b, nil, nil
	default:
		return nil, nil, errors.Newf("engine: unknown storage engine %q", cfg.StorageEngine)
	}
}
