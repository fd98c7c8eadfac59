package extract

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"distillo/internal/config"
)

func writeAged(t *testing.T, dir, name string, size int, age time.Duration) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))
	mod := time.Now().Add(-age)
	require.NoError(t, os.Chtimes(path, mod, mod))
	return path
}

func TestStorageUsage(t *testing.T) {
	dir := t.TempDir()
	writeAged(t, dir, "a.mp4", 1000, 0)
	writeAged(t, dir, "b.mp4", 500, 0)

	m := NewStorageManager(config.VideoConfig{StorageRoot: dir, MaxStorageGB: 1, CleanupTriggerPc: 90, AutoCleanupDays: 30})
	usage, err := m.Usage()
	require.NoError(t, err)
	assert.EqualValues(t, 1500, usage)
}

func TestStorageUsageMissingRoot(t *testing.T) {
	m := NewStorageManager(config.VideoConfig{StorageRoot: filepath.Join(t.TempDir(), "nope"), MaxStorageGB: 1})
	usage, err := m.Usage()
	require.NoError(t, err)
	assert.Zero(t, usage)
}

func TestEnsureRoomEvictsOldestPastRetention(t *testing.T) {
	dir := t.TempDir()
	old := writeAged(t, dir, "old.mp4", 600, 60*24*time.Hour)
	recent := writeAged(t, dir, "recent.mp4", 300, time.Hour)

	m := &StorageManager{root: dir, maxBytes: 1000, triggerBytes: 900, retentionDays: 30}
	require.NoError(t, m.EnsureRoom(200))

	_, err := os.Stat(old)
	assert.True(t, os.IsNotExist(err), "expired file should be evicted")
	_, err = os.Stat(recent)
	assert.NoError(t, err, "recent file stays while the hard cap is met")
}

func TestEnsureRoomNoopUnderTrigger(t *testing.T) {
	dir := t.TempDir()
	keep := writeAged(t, dir, "keep.mp4", 100, 60*24*time.Hour)

	m := &StorageManager{root: dir, maxBytes: 1000, triggerBytes: 900, retentionDays: 30}
	require.NoError(t, m.EnsureRoom(100))

	_, err := os.Stat(keep)
	assert.NoError(t, err)
}

func TestEnsureRoomStorageFull(t *testing.T) {
	dir := t.TempDir()
	writeAged(t, dir, "fresh.mp4", 900, time.Hour)

	m := &StorageManager{root: dir, maxBytes: 1000, triggerBytes: 900, retentionDays: 30}
	err := m.EnsureRoom(500)
	var ee *Error
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, TypeStorageFull, ee.Type)
}

func TestSweepExpired(t *testing.T) {
	dir := t.TempDir()
	writeAged(t, dir, "ancient.mp4", 10, 90*24*time.Hour)
	writeAged(t, dir, "new.mp4", 10, time.Hour)

	m := &StorageManager{root: dir, maxBytes: 1 << 30, triggerBytes: 1 << 30, retentionDays: 30}
	removed, err := m.SweepExpired()
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}
