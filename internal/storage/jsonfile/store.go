// Package jsonfile is the default storage backend: a human-readable JSON
// document plus an append-only journal.
//
// Every Commit appends one JSON line to knowledge.journal and fsyncs it
// before returning. Every CompactEvery commits the in-memory document is
// written to a temp file, fsynced, and renamed over knowledge.json, after
// which the journal is truncated. The document records the last journal
// sequence it contains, so a crash between rename and truncate only leaves
// entries that replay skips.
package jsonfile

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"sync"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/scrypster/conclave/internal/storage"
)

const (
	// DocumentFile is the compacted state.
	DocumentFile = "knowledge.json"

	// JournalFile holds batches committed since the last compaction.
	JournalFile = "knowledge.journal"

	defaultCompactEvery = 256
)

// Config holds jsonfile backend options.
type Config struct {
	// Dir is the data directory. Created if missing.
	Dir string

	// CompactEvery is the number of journal entries that triggers a
	// compaction (default: 256).
	CompactEvery int

	// Logger receives recovery and compaction messages (default: no-op).
	Logger *zap.Logger
}

// journalEntry is one line of the journal.
type journalEntry struct {
	Seq   uint64         `json:"seq"`
	Batch *storage.Batch `json:"batch"`
}

// Store implements storage.Backend on the local filesystem.
type Store struct {
	cfg    Config
	log    *zap.Logger
	mu     sync.Mutex
	doc    *storage.Document
	seq    uint64
	dirty  int
	jf     *os.File
	jsize  int64
	closed bool
}

var _ storage.Backend = (*Store)(nil)

// Open loads the document and replays the journal.
func Open(cfg Config) (*Store, error) {
	if cfg.Dir == "" {
		return nil, errors.New("jsonfile: data directory is required")
	}
	if cfg.CompactEvery <= 0 {
		cfg.CompactEvery = defaultCompactEvery
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, errors.Wrapf(err, "jsonfile: create %s", cfg.Dir)
	}

	s := &Store{cfg: cfg, log: cfg.Logger.Named("jsonfile")}

	doc, err := s.readDocument()
	if err != nil {
		return nil, err
	}
	s.doc = doc
	s.seq = doc.JournalSeq

	if err := s.replayJournal(); err != nil {
		return nil, err
	}

	jf, err := os.OpenFile(s.path(JournalFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, errors.Wrap(err, "jsonfile: open journal")
	}
	info, err := jf.Stat()
	if err != nil {
		jf.Close()
		return nil, errors.Wrap(err, "jsonfile: stat journal")
	}
	s.jf = jf
	s.jsize = info.Size()
	return s, nil
}

func (s *Store) path(name string) string {
	return filepath.Join(s.cfg.Dir, name)
}

func (s *Store) readDocument() (*storage.Document, error) {
	f, err := os.Open(s.path(DocumentFile))
	if errors.Is(err, os.ErrNotExist) {
		return storage.NewDocument(), nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "jsonfile: open document")
	}
	defer f.Close()
	doc, err := storage.DecodeDocument(f)
	if err != nil {
		return nil, errors.Wrapf(err, "jsonfile: %s is corrupt", s.path(DocumentFile))
	}
	return doc, nil
}

// replayJournal applies journal entries newer than the document. A torn final
// line (crash mid-write) is cut off; a bad line in the middle is an error.
func (s *Store) replayJournal() error {
	data, err := os.ReadFile(s.path(JournalFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return errors.Wrap(err, "jsonfile: read journal")
	}

	var (
		offset   int64
		applied  int
		skipped  int
		validEnd int64
	)
	r := bufio.NewReader(bytes.NewReader(data))
	for {
		line, readErr := r.ReadBytes('\n')
		if len(line) == 0 && readErr == io.EOF {
			break
		}
		offset += int64(len(line))
		complete := readErr == nil

		var entry journalEntry
		if err := json.Unmarshal(bytes.TrimSpace(line), &entry); err != nil || entry.Batch == nil {
			if !complete {
				s.log.Warn("truncating torn journal tail",
					zap.Int64("offset", validEnd), zap.Int("bytes", len(line)))
				if err := os.Truncate(s.path(JournalFile), validEnd); err != nil {
					return errors.Wrap(err, "jsonfile: truncate torn journal")
				}
				break
			}
			return errors.Newf("jsonfile: corrupt journal entry at byte %d", validEnd)
		}
		validEnd = offset

		if entry.Seq <= s.seq {
			skipped++
		} else {
			if err := s.doc.Apply(entry.Batch); err != nil {
				return errors.Wrapf(err, "jsonfile: replay seq %d", entry.Seq)
			}
			s.seq = entry.Seq
			s.dirty++
			applied++
		}
		if !complete {
			break
		}
	}
	if applied > 0 || skipped > 0 {
		s.log.Info("journal replayed", zap.Int("applied", applied), zap.Int("skipped", skipped))
	}
	return nil
}

// Load implements storage.Backend.
func (s *Store) Load(ctx context.Context) (*storage.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Snapshot(), nil
}

// Commit implements storage.Backend.
func (s *Store) Commit(ctx context.Context, b *storage.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	// A batch Apply would reject must never reach the journal.
	if b.Supersede != nil && !s.doc.HasFact(b.Supersede.Old) {
		return errors.Newf("jsonfile: supersede of unknown fact %d", b.Supersede.Old)
	}

	line, err := json.Marshal(journalEntry{Seq: s.seq + 1, Batch: b})
	if err != nil {
		return errors.Wrap(err, "jsonfile: encode batch")
	}
	line = append(line, '\n')
	if _, err := s.jf.Write(line); err != nil {
		_ = s.jf.Truncate(s.jsize)
		return errors.Wrap(err, "jsonfile: append journal")
	}
	if err := s.jf.Sync(); err != nil {
		_ = s.jf.Truncate(s.jsize)
		return errors.Wrap(err, "jsonfile: sync journal")
	}
	s.jsize += int64(len(line))

	s.seq++
	if err := s.doc.Apply(b); err != nil {
		return err
	}
	s.dirty++

	if s.dirty >= s.cfg.CompactEvery {
		if err := s.compactLocked(); err != nil {
			// The journal still holds everything; compaction can wait.
			s.log.Warn("compaction failed", zap.Error(err))
		}
	}
	return nil
}

// Compact writes the document and truncates the journal.
func (s *Store) Compact() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return storage.ErrClosed
	}
	return s.compactLocked()
}

func (s *Store) compactLocked() error {
	s.doc.JournalSeq = s.seq
	s.doc.Version = storage.DocumentVersion

	tmp, err := os.CreateTemp(s.cfg.Dir, DocumentFile+".*.tmp")
	if err != nil {
		return errors.Wrap(err, "jsonfile: create temp document")
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	w := bufio.NewWriter(tmp)
	if err := s.doc.Encode(w); err != nil {
		tmp.Close()
		cleanup()
		return errors.Wrap(err, "jsonfile: encode document")
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		cleanup()
		return errors.Wrap(err, "jsonfile: flush document")
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return errors.Wrap(err, "jsonfile: sync document")
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return errors.Wrap(err, "jsonfile: close document")
	}
	if err := os.Rename(tmpName, s.path(DocumentFile)); err != nil {
		cleanup()
		return errors.Wrap(err, "jsonfile: install document")
	}
	syncDir(s.cfg.Dir)

	if err := s.jf.Truncate(0); err != nil {
		return errors.Wrap(err, "jsonfile: truncate journal")
	}
	s.jsize = 0
	if err := s.jf.Sync(); err != nil {
		return errors.Wrap(err, "jsonfile: sync journal")
	}
	s.log.Debug("compacted", zap.Uint64("journal_seq", s.seq), zap.Int("entries", s.dirty))
	s.dirty = 0
	return nil
}

// Close compacts and releases the journal.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	var err error
	if s.dirty > 0 {
		err = s.compactLocked()
	}
	if cerr := s.jf.Close(); err == nil {
		err = cerr
	}
	return err
}

// Dir returns the data directory.
func (s *Store) Dir() string {
	return s.cfg.Dir
}

// syncDir fsyncs a directory so a rename inside it is durable. Best effort:
// not every platform supports it.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
