package backup

import (
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// isBackupFile reports whether name is a document or database backup.
func isBackupFile(name string) bool {
	if strings.HasPrefix(name, ".") {
		return false
	}
	return strings.HasSuffix(name, ".json") || strings.HasSuffix(name, ".db")
}

// listBackups lists all backup files in the backup directory, newest first.
func listBackups(backupDir string) ([]Info, error) {
	entries, err := os.ReadDir(backupDir)
	if err != nil {
		return nil, errors.Wrap(err, "backup: read backup directory")
	}

	var backups []Info
	for _, entry := range entries {
		if entry.IsDir() || !isBackupFile(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		backups = append(backups, Info{
			Path:      filepath.Join(backupDir, entry.Name()),
			Timestamp: info.ModTime(),
			Size:      info.Size(),
		})
	}

	sort.Slice(backups, func(i, j int) bool {
		return backups[i].Timestamp.After(backups[j].Timestamp)
	})
	return backups, nil
}

// applyRetention removes backups beyond each tier's allowance, keeping the
// newest in every tier.
func applyRetention(backupDir string, policy RetentionPolicy, now time.Time) error {
	backups, err := listBackups(backupDir)
	if err != nil {
		return err
	}

	var (
		toDelete []string
		tiers    [4][]Info
	)
	for _, b := range backups {
		age := now.Sub(b.Timestamp)
		switch {
		case age < 24*time.Hour:
			tiers[0] = append(tiers[0], b)
		case age < 7*24*time.Hour:
			tiers[1] = append(tiers[1], b)
		case age < 30*24*time.Hour:
			tiers[2] = append(tiers[2], b)
		case age < 365*24*time.Hour:
			tiers[3] = append(tiers[3], b)
		default:
			toDelete = append(toDelete, b.Path)
		}
	}

	keep := [4]int{policy.Hourly, policy.Daily, policy.Weekly, policy.Monthly}
	for i, tier := range tiers {
		if len(tier) > keep[i] {
			for _, b := range tier[max(keep[i], 0):] {
				toDelete = append(toDelete, b.Path)
			}
		}
	}

	var errs error
	for _, path := range toDelete {
		if err := os.Remove(path); err != nil {
			errs = errors.CombineErrors(errs, err)
		}
	}
	if errs != nil {
		return errors.Wrap(errs, "backup: delete expired backups")
	}
	return nil
}

// calculateDiskUsage calculates total bytes used by all backups.
func calculateDiskUsage(backupDir string) (int64, error) {
	backups, err := listBackups(backupDir)
	if err != nil {
		return 0, err
	}
	var total int64
	for _, b := range backups {
		total += b.Size
	}
	return total, nil
}
