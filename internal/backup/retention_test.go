package backup

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeBackup creates a backup file with the given modification time.
func writeBackup(t *testing.T, dir, name string, at time.Time) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte("backup"), 0o644))
	require.NoError(t, os.Chtimes(path, at, at))
	return path
}

func remaining(t *testing.T, dir string) int {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	return len(entries)
}

func TestListBackupsEmpty(t *testing.T) {
	backups, err := listBackups(t.TempDir())
	require.NoError(t, err)
	assert.Empty(t, backups)
}

func TestListBackupsNonexistentDirectory(t *testing.T) {
	_, err := listBackups("/nonexistent/backup/dir")
	assert.Error(t, err)
}

func TestListBackupsFiltersAndSorts(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()

	require.NoError(t, os.WriteFile(filepath.Join(dir, "readme.txt"), []byte("x"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".conclave-backup-x.json.123"), []byte("x"), 0o644))
	require.NoError(t, os.Mkdir(filepath.Join(dir, "nested.json"), 0o755))
	older := writeBackup(t, dir, "conclave-backup-1.json", now.Add(-2*time.Hour))
	newest := writeBackup(t, dir, "conclave-backup-2.db", now)

	backups, err := listBackups(dir)
	require.NoError(t, err)
	require.Len(t, backups, 2)
	assert.Equal(t, newest, backups[0].Path)
	assert.Equal(t, older, backups[1].Path)
	assert.Equal(t, int64(len("backup")), backups[0].Size)
}

func TestApplyRetentionEmptyDir(t *testing.T) {
	assert.NoError(t, applyRetention(t.TempDir(), DefaultRetention(), time.Now()))
}

func TestApplyRetentionNonexistentDirectory(t *testing.T) {
	assert.Error(t, applyRetention("/nonexistent/backup/dir", DefaultRetention(), time.Now()))
}

func TestApplyRetentionDeletesFilesOlderThanOneYear(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()

	old := writeBackup(t, dir, "old.json", now.Add(-366*24*time.Hour))
	recent := writeBackup(t, dir, "recent.json", now)

	require.NoError(t, applyRetention(dir, DefaultRetention(), now))

	assert.NoFileExists(t, old)
	assert.FileExists(t, recent)
}

func TestApplyRetentionTiers(t *testing.T) {
	tests := []struct {
		name   string
		policy RetentionPolicy
		ages   []time.Duration
		keep   int
	}{
		{"hourly", RetentionPolicy{Hourly: 2}, []time.Duration{0, time.Hour, 2 * time.Hour, 3 * time.Hour, 4 * time.Hour}, 2},
		{"daily", RetentionPolicy{Daily: 2}, []time.Duration{2 * 24 * time.Hour, 3 * 24 * time.Hour, 4 * 24 * time.Hour, 5 * 24 * time.Hour}, 2},
		{"weekly", RetentionPolicy{Weekly: 1}, []time.Duration{8 * 24 * time.Hour, 15 * 24 * time.Hour, 22 * 24 * time.Hour}, 1},
		{"monthly", RetentionPolicy{Monthly: 2}, []time.Duration{31 * 24 * time.Hour, 90 * 24 * time.Hour, 200 * 24 * time.Hour}, 2},
		{"exact", RetentionPolicy{Hourly: 3}, []time.Duration{0, time.Hour, 2 * time.Hour}, 3},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			now := time.Now()
			for i, age := range tt.ages {
				writeBackup(t, dir, fmt.Sprintf("backup-%d.json", i), now.Add(-age))
			}
			require.NoError(t, applyRetention(dir, tt.policy, now))
			assert.Equal(t, tt.keep, remaining(t, dir))
		})
	}
}

func TestApplyRetentionKeepsNewestInTier(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	newest := writeBackup(t, dir, "a.json", now.Add(-time.Minute))
	oldest := writeBackup(t, dir, "b.json", now.Add(-3*time.Hour))

	require.NoError(t, applyRetention(dir, RetentionPolicy{Hourly: 1}, now))
	assert.FileExists(t, newest)
	assert.NoFileExists(t, oldest)
}

func TestApplyRetentionMixedTiers(t *testing.T) {
	dir := t.TempDir()
	now := time.Now()
	policy := RetentionPolicy{Hourly: 2, Daily: 2, Weekly: 1, Monthly: 1}

	for i := 0; i < 3; i++ {
		writeBackup(t, dir, fmt.Sprintf("hourly-%d.json", i), now.Add(-time.Duration(i)*30*time.Minute))
		writeBackup(t, dir, fmt.Sprintf("daily-%d.json", i), now.Add(-time.Duration(2+i)*24*time.Hour))
	}
	for i := 0; i < 2; i++ {
		writeBackup(t, dir, fmt.Sprintf("weekly-%d.db", i), now.Add(-time.Duration(8+i*7)*24*time.Hour))
		writeBackup(t, dir, fmt.Sprintf("monthly-%d.db", i), now.Add(-time.Duration(31+i*90)*24*time.Hour))
	}

	require.NoError(t, applyRetention(dir, policy, now))
	assert.Equal(t, 6, remaining(t, dir))
}

func TestCalculateDiskUsage(t *testing.T) {
	dir := t.TempDir()
	usage, err := calculateDiskUsage(dir)
	require.NoError(t, err)
	assert.Zero(t, usage)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.json"), make([]byte, 1024), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.db"), make([]byte, 2048), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), make([]byte, 4096), 0o644))

	usage, err = calculateDiskUsage(dir)
	require.NoError(t, err)
	assert.Equal(t, int64(3072), usage)

	_, err = calculateDiskUsage("/nonexistent/backup/dir")
	assert.Error(t, err)
}
