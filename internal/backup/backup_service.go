package backup

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/scrypster/conclave/internal/storage"
)

// Source exports the current state of the fact store.
type Source interface {
	Export() *storage.Document
}

// Service takes scheduled and on-demand backups.
type Service struct {
	src Source
	db  *sql.DB
	cfg Config
	log *zap.Logger

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	last    time.Time
	next    time.Time
}

// NewService creates a backup service reading from src.
func NewService(src Source, cfg Config) (*Service, error) {
	if src == nil {
		return nil, errors.New("backup: source is required")
	}
	if cfg.Dir == "" {
		return nil, errors.New("backup: backup directory is required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = 24 * time.Hour
	}
	if cfg.Retention == (RetentionPolicy{}) {
		cfg.Retention = DefaultRetention()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.Clock == nil {
		cfg.Clock = time.Now
	}
	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, errors.Wrap(err, "backup: create backup directory")
	}
	return &Service{
		src:    src,
		cfg:    cfg,
		log:    cfg.Logger.Named("backup"),
		stopCh: make(chan struct{}),
	}, nil
}

// WithSQLite also copies db on every backup.
func (s *Service) WithSQLite(db *sql.DB) *Service {
	s.db = db
	return s
}

// Start runs scheduled backups until ctx ends or Stop is called.
func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return errors.New("backup: service is already running")
	}
	s.running = true
	s.next = s.cfg.Clock().Add(s.cfg.Interval)
	s.mu.Unlock()

	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	s.log.Info("backup service started", zap.Duration("interval", s.cfg.Interval), zap.String("dir", s.cfg.Dir))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-s.stopCh:
			return nil
		case <-ticker.C:
			res, err := s.BackupNow(ctx)
			if err != nil {
				s.log.Error("scheduled backup failed", zap.Error(err))
			} else {
				s.log.Info("scheduled backup completed",
					zap.String("path", res.Path),
					zap.Int("facts", res.Facts),
					zap.Int64("size", res.Size),
					zap.Duration("duration", res.Duration))
			}
			s.mu.Lock()
			s.next = s.cfg.Clock().Add(s.cfg.Interval)
			s.mu.Unlock()
		}
	}
}

// Stop ends a running Start loop.
func (s *Service) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return errors.New("backup: service is not running")
	}
	close(s.stopCh)
	s.running = false
	return nil
}

// BackupNow writes a document snapshot, and a database copy when running on
// SQLite, verifies them and applies the retention policy.
func (s *Service) BackupNow(ctx context.Context) (*Result, error) {
	start := time.Now()
	doc := s.src.Export()
	stamp := s.cfg.Clock().UTC().Format("20060102-150405.000000")
	path := filepath.Join(s.cfg.Dir, fmt.Sprintf("conclave-backup-%s.json", stamp))

	if err := writeDocument(doc, path); err != nil {
		return nil, err
	}
	res := &Result{Path: path, Facts: len(doc.Facts)}
	if s.cfg.Verify {
		if _, err := verifyDocument(path, len(doc.Facts)); err != nil {
			return res, err
		}
		res.Verified = true
	}

	if s.db != nil {
		dbPath := filepath.Join(s.cfg.Dir, fmt.Sprintf("conclave-backup-%s.db", stamp))
		if err := backupSQLite(ctx, s.db, dbPath); err != nil {
			return res, err
		}
		if s.cfg.Verify {
			if err := verifySQLite(dbPath); err != nil {
				return res, err
			}
		}
		res.Database = dbPath
	}

	info, err := os.Stat(path)
	if err != nil {
		return res, errors.Wrap(err, "backup: stat backup")
	}
	res.Size = info.Size()
	res.Duration = time.Since(start)

	s.mu.Lock()
	s.last = s.cfg.Clock()
	s.mu.Unlock()

	if err := applyRetention(s.cfg.Dir, s.cfg.Retention, s.cfg.Clock()); err != nil {
		s.log.Warn("failed to apply retention policy", zap.Error(err))
	}
	return res, nil
}

// ListBackups lists all available backups, newest first.
func (s *Service) ListBackups() ([]Info, error) {
	return listBackups(s.cfg.Dir)
}

// List lists the backups in dir, newest first, without a running service.
func List(dir string) ([]Info, error) {
	return listBackups(dir)
}

// HealthCheck returns the current health status of the backup service.
func (s *Service) HealthCheck() (*HealthStatus, error) {
	s.mu.Lock()
	last, next := s.last, s.next
	s.mu.Unlock()

	backups, err := s.ListBackups()
	if err != nil {
		return nil, err
	}
	usage, err := calculateDiskUsage(s.cfg.Dir)
	if err != nil {
		return nil, err
	}

	status := &HealthStatus{
		Status:        "healthy",
		LastBackup:    last,
		NextBackup:    next,
		TotalBackups:  len(backups),
		Dir:           s.cfg.Dir,
		DiskSpaceUsed: usage,
	}
	now := s.cfg.Clock()
	switch {
	case last.IsZero():
		status.Message = "No backups yet"
	case now.Sub(last) > 2*s.cfg.Interval:
		status.Status = "warning"
		status.Message = fmt.Sprintf("Backup overdue by %v", (now.Sub(last) - s.cfg.Interval).Round(time.Minute))
	default:
		status.Message = fmt.Sprintf("Last backup: %v ago", now.Sub(last).Round(time.Minute))
	}
	return status, nil
}
