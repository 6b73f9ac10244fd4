package backup

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/scrypster/conclave/internal/storage"
	"github.com/scrypster/conclave/pkg/types"
)

// writeDocument writes doc to path through a temporary file.
func writeDocument(doc *storage.Document, path string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return errors.Wrap(err, "backup: create temp file")
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if err := doc.Encode(tmp); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, "backup: encode document")
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return errors.Wrap(err, "backup: sync")
	}
	if err := tmp.Close(); err != nil {
		return errors.Wrap(err, "backup: close")
	}
	return errors.Wrap(os.Rename(tmp.Name(), path), "backup: publish")
}

// verifyDocument decodes a document backup and checks it is internally
// consistent: fact IDs are contiguous from 1 and every supersede link and
// subject points at a record in the document. want < 0 skips the count check.
func verifyDocument(path string, want int) (*storage.Document, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "backup: open backup")
	}
	defer func() { _ = f.Close() }()

	doc, err := storage.DecodeDocument(f)
	if err != nil {
		return nil, err
	}
	if want >= 0 && len(doc.Facts) != want {
		return nil, errors.Newf("backup: %s holds %d facts, expected %d", filepath.Base(path), len(doc.Facts), want)
	}
	for i := 1; i <= len(doc.Facts); i++ {
		id := types.FactID(i)
		if !doc.HasFact(id) {
			return nil, errors.Newf("backup: fact %d missing", id)
		}
	}
	for _, fact := range doc.Facts {
		if fact.SupersededBy != 0 && !doc.HasFact(fact.SupersededBy) {
			return nil, errors.Newf("backup: fact %d superseded by unknown fact %d", fact.ID, fact.SupersededBy)
		}
		for _, subj := range fact.Subjects {
			if _, ok := doc.Entities[subj]; !ok {
				return nil, errors.Newf("backup: fact %d names unknown entity %s", fact.ID, subj)
			}
		}
	}
	return doc, nil
}

// Verify checks a backup file. Document backups are decoded and checked for
// consistency; database copies run SQLite's integrity check.
func Verify(path string) error {
	if strings.HasSuffix(path, ".db") {
		return verifySQLite(path)
	}
	_, err := verifyDocument(path, -1)
	return err
}

// Restore loads a document backup into an empty backend and returns the
// number of facts restored.
func Restore(ctx context.Context, path string, dst storage.Backend) (int, error) {
	doc, err := verifyDocument(path, -1)
	if err != nil {
		return 0, err
	}
	cur, err := dst.Load(ctx)
	if err != nil {
		return 0, errors.Wrap(err, "backup: load target")
	}
	if len(cur.Facts) > 0 || len(cur.Entities) > 0 {
		return 0, errors.New("backup: restore target is not empty")
	}

	snap := doc.Snapshot()
	if len(snap.Entities) > 0 {
		if err := dst.Commit(ctx, &storage.Batch{Entities: snap.Entities}); err != nil {
			return 0, errors.Wrap(err, "backup: restore entities")
		}
	}
	for _, f := range snap.Facts {
		if err := dst.Commit(ctx, &storage.Batch{Fact: f}); err != nil {
			return 0, errors.Wrapf(err, "backup: restore fact %d", f.ID)
		}
	}
	for i := range snap.Merges {
		if err := dst.Commit(ctx, &storage.Batch{Merge: &snap.Merges[i]}); err != nil {
			return 0, errors.Wrap(err, "backup: restore merge")
		}
	}
	for _, sess := range snap.Sessions {
		if err := dst.Commit(ctx, &storage.Batch{Session: sess}); err != nil {
			return 0, errors.Wrapf(err, "backup: restore session %s", sess.ID)
		}
	}
	return len(snap.Facts), nil
}
