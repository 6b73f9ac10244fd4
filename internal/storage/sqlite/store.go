// Package sqlite provides an embedded SQLite storage backend. Each record is
// stored as a JSON document keyed by its ID, and every batch commits in one
// transaction.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/cockroachdb/errors"
	_ "modernc.org/sqlite" // SQLite driver

	"github.com/scrypster/conclave/internal/storage"
	"github.com/scrypster/conclave/pkg/types"
)

// Schema creates the tables. Statements are idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS facts (
	id            INTEGER PRIMARY KEY,
	doc           TEXT NOT NULL,
	superseded_by INTEGER
);

CREATE TABLE IF NOT EXISTS entities (
	id  TEXT PRIMARY KEY,
	doc TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS merges (
	seq INTEGER PRIMARY KEY AUTOINCREMENT,
	doc TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	started_at TEXT NOT NULL,
	doc        TEXT NOT NULL
);
`

// Store implements storage.Backend using SQLite.
type Store struct {
	db *sql.DB
}

var _ storage.Backend = (*Store)(nil)

// Open opens (or creates) the database at dsn and applies the schema.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite: open database")
	}

	// One writer at a time; the fact store already serializes commits.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout = 5000",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, errors.Wrapf(err, "sqlite: %s", pragma)
		}
	}

	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "sqlite: create schema")
	}
	return &Store{db: db}, nil
}

// Load implements storage.Backend.
func (s *Store) Load(ctx context.Context) (*storage.Snapshot, error) {
	if s.db == nil {
		return nil, storage.ErrClosed
	}
	snap := &storage.Snapshot{}

	rows, err := s.db.QueryContext(ctx, `SELECT doc, superseded_by FROM facts ORDER BY id`)
	if err != nil {
		return nil, errors.Wrap(err, "sqlite: query facts")
	}
	for rows.Next() {
		var (
			doc string
			sup sql.NullInt64
		)
		if err := rows.Scan(&doc, &sup); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "sqlite: scan fact")
		}
		var f types.Fact
		if err := json.Unmarshal([]byte(doc), &f); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "sqlite: decode fact")
		}
		if sup.Valid {
			f.SupersededBy = types.FactID(sup.Int64)
		}
		snap.Facts = append(snap.Facts, &f)
	}
	if err := closeRows(rows); err != nil {
		return nil, err
	}

	if err := scanDocs(ctx, s.db, `SELECT doc FROM entities ORDER BY id`, func(doc []byte) error {
		var e types.Entity
		if err := json.Unmarshal(doc, &e); err != nil {
			return err
		}
		snap.Entities = append(snap.Entities, &e)
		return nil
	}); err != nil {
		return nil, errors.Wrap(err, "sqlite: load entities")
	}

	if err := scanDocs(ctx, s.db, `SELECT doc FROM merges ORDER BY seq`, func(doc []byte) error {
		var m types.EntityMerge
		if err := json.Unmarshal(doc, &m); err != nil {
			return err
		}
		snap.Merges = append(snap.Merges, m)
		return nil
	}); err != nil {
		return nil, errors.Wrap(err, "sqlite: load merges")
	}

	if err := scanDocs(ctx, s.db, `SELECT doc FROM sessions ORDER BY started_at, id`, func(doc []byte) error {
		var sess types.CouncilSession
		if err := json.Unmarshal(doc, &sess); err != nil {
			return err
		}
		snap.Sessions = append(snap.Sessions, &sess)
		return nil
	}); err != nil {
		return nil, errors.Wrap(err, "sqlite: load sessions")
	}

	storage.SortSnapshot(snap)
	return snap, nil
}

// Commit implements storage.Backend.
func (s *Store) Commit(ctx context.Context, b *storage.Batch) error {
	if s.db == nil {
		return storage.ErrClosed
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "sqlite: begin")
	}
	defer func() { _ = tx.Rollback() }()

	if b.Fact != nil {
		doc, err := json.Marshal(b.Fact)
		if err != nil {
			return errors.Wrap(err, "sqlite: encode fact")
		}
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO facts (id, doc, superseded_by) VALUES (?, ?, ?)`,
			int64(b.Fact.ID), string(doc), nullableFactID(b.Fact.SupersededBy)); err != nil {
			return errors.Wrapf(err, "sqlite: insert fact %d", b.Fact.ID)
		}
	}

	for _, e := range b.Entities {
		doc, err := json.Marshal(e)
		if err != nil {
			return errors.Wrap(err, "sqlite: encode entity")
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO entities (id, doc) VALUES (?, ?)
			ON CONFLICT(id) DO UPDATE SET doc = excluded.doc`,
			string(e.ID), string(doc)); err != nil {
			return errors.Wrapf(err, "sqlite: upsert entity %s", e.ID)
		}
	}

	if b.Supersede != nil {
		res, err := tx.ExecContext(ctx,
			`UPDATE facts SET superseded_by = ? WHERE id = ?`,
			int64(b.Supersede.New), int64(b.Supersede.Old))
		if err != nil {
			return errors.Wrap(err, "sqlite: supersede")
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return errors.Newf("sqlite: supersede of unknown fact %d", b.Supersede.Old)
		}
	}

	if b.Merge != nil {
		doc, err := json.Marshal(b.Merge)
		if err != nil {
			return errors.Wrap(err, "sqlite: encode merge")
		}
		if _, err := tx.ExecContext(ctx, `INSERT INTO merges (doc) VALUES (?)`, string(doc)); err != nil {
			return errors.Wrap(err, "sqlite: insert merge")
		}
	}

	if b.Session != nil {
		doc, err := json.Marshal(b.Session)
		if err != nil {
			return errors.Wrap(err, "sqlite: encode session")
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO sessions (id, started_at, doc) VALUES (?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET doc = excluded.doc`,
			b.Session.ID, b.Session.StartedAt.UTC().Format(timeLayout), string(doc)); err != nil {
			return errors.Wrapf(err, "sqlite: upsert session %s", b.Session.ID)
		}
	}

	if err := tx.Commit(); err != nil {
		return errors.Wrap(err, "sqlite: commit")
	}
	return nil
}

// Close implements storage.Backend.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// GetDB exposes the connection for backups.
func (s *Store) GetDB() *sql.DB {
	return s.db
}

const timeLayout = "2006-01-02T15:04:05.000000000Z"

func nullableFactID(id types.FactID) sql.NullInt64 {
	if id == 0 {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: int64(id), Valid: true}
}

func scanDocs(ctx context.Context, db *sql.DB, query string, fn func([]byte) error) error {
	rows, err := db.QueryContext(ctx, query)
	if err != nil {
		return err
	}
	for rows.Next() {
		var doc string
		if err := rows.Scan(&doc); err != nil {
			rows.Close()
			return err
		}
		if err := fn([]byte(doc)); err != nil {
			rows.Close()
			return err
		}
	}
	return closeRows(rows)
}

func closeRows(rows *sql.Rows) error {
	if err := rows.Err(); err != nil {
		rows.Close()
		return err
	}
	return rows.Close()
}
