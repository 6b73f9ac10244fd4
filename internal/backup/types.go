// Package backup writes point-in-time snapshots of the fact store with tiered
// retention and integrity verification.
package backup

import (
	"time"

	"go.uber.org/zap"
)

// Config holds backup service configuration.
type Config struct {
	// Dir is the directory where backups are stored. Created if missing.
	Dir string

	// Interval is the duration between automated backups (default: 24h).
	Interval time.Duration

	// Retention defines how many backups to keep at each age tier.
	Retention RetentionPolicy

	// Verify re-reads every backup after writing it (default: true via
	// DefaultConfig).
	Verify bool

	Logger *zap.Logger
	Clock  func() time.Time
}

// DefaultConfig returns a Config with the default interval and retention.
func DefaultConfig(dir string) Config {
	return Config{
		Dir:       dir,
		Interval:  24 * time.Hour,
		Retention: DefaultRetention(),
		Verify:    true,
	}
}

// RetentionPolicy defines how many backups to keep at each tier.
// Backups are categorized by age:
// - Hourly: backups less than 24 hours old
// - Daily: backups between 1-7 days old
// - Weekly: backups between 7-30 days old
// - Monthly: backups between 30-365 days old
// Backups older than a year are always removed.
type RetentionPolicy struct {
	Hourly  int
	Daily   int
	Weekly  int
	Monthly int
}

// DefaultRetention keeps 24 hourly, 7 daily, 4 weekly and 12 monthly backups.
func DefaultRetention() RetentionPolicy {
	return RetentionPolicy{Hourly: 24, Daily: 7, Weekly: 4, Monthly: 12}
}

// Info describes one backup file.
type Info struct {
	Path      string    `json:"path"`
	Timestamp time.Time `json:"timestamp"`
	Size      int64     `json:"size"`
}

// Result describes one completed backup. Database is set when the store
// runs on SQLite and a database copy was taken alongside the document.
type Result struct {
	Path     string        `json:"path"`
	Database string        `json:"database,omitempty"`
	Facts    int           `json:"facts"`
	Size     int64         `json:"size"`
	Duration time.Duration `json:"duration"`
	Verified bool          `json:"verified"`
}

// HealthStatus represents the health of the backup service.
type HealthStatus struct {
	// Status is "healthy" or "warning".
	Status        string    `json:"status"`
	Message       string    `json:"message"`
	LastBackup    time.Time `json:"last_backup"`
	NextBackup    time.Time `json:"next_backup"`
	TotalBackups  int       `json:"total_backups"`
	Dir           string    `json:"dir"`
	DiskSpaceUsed int64     `json:"disk_space_used"`
}
