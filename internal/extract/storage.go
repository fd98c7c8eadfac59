package extract

import (
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"distillo/internal/config"
	"distillo/internal/log"
)

// StorageManager keeps the video directory inside its byte budget. Cleanup
// removes oldest files first, starting with anything past the retention
// window.
type StorageManager struct {
	root          string
	maxBytes      int64
	triggerBytes  int64
	retentionDays int
	logger        zerolog.Logger
}

func NewStorageManager(cfg config.VideoConfig) *StorageManager {
	max := int64(cfg.MaxStorageGB) << 30
	trigger := max
	if cfg.CleanupTriggerPc > 0 && cfg.CleanupTriggerPc < 100 {
		trigger = max * int64(cfg.CleanupTriggerPc) / 100
	}
	return &StorageManager{
		root:          cfg.StorageRoot,
		maxBytes:      max,
		triggerBytes:  trigger,
		retentionDays: cfg.AutoCleanupDays,
		logger:        log.WithComponent("storage"),
	}
}

type storedFile struct {
	path    string
	size    int64
	modTime time.Time
}

// Usage walks the storage root and sums file sizes.
func (m *StorageManager) Usage() (int64, error) {
	var total int64
	err := filepath.WalkDir(m.root, func(_ string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		if info, err := d.Info(); err == nil {
			total += info.Size()
		}
		return nil
	})
	if os.IsNotExist(err) {
		return 0, nil
	}
	return total, err
}

// EnsureRoom frees space until the incoming file fits under the budget.
// It returns a storage_full error when even a full sweep cannot make room.
func (m *StorageManager) EnsureRoom(incoming int64) error {
	usage, err := m.Usage()
	if err != nil {
		return err
	}
	if usage+incoming <= m.triggerBytes {
		return nil
	}

	files, err := m.listByAge()
	if err != nil {
		return err
	}
	// Files inside the retention window are never evicted for room.
	cutoff := time.Now().AddDate(0, 0, -m.retentionDays)
	for _, f := range files {
		if usage+incoming <= m.triggerBytes {
			break
		}
		if f.modTime.After(cutoff) {
			continue
		}
		if err := os.Remove(f.path); err != nil {
			continue
		}
		usage -= f.size
		m.logger.Info().Str("path", f.path).Int64("freed", f.size).Msg("evicted stored video")
	}
	if usage+incoming > m.maxBytes {
		return newError(TypeStorageFull, "storage budget exhausted: %d bytes used, cap %d", usage, m.maxBytes)
	}
	return nil
}

// SweepExpired removes everything older than the retention window. Run
// periodically regardless of pressure.
func (m *StorageManager) SweepExpired() (int, error) {
	files, err := m.listByAge()
	if err != nil {
		return 0, err
	}
	cutoff := time.Now().AddDate(0, 0, -m.retentionDays)
	removed := 0
	for _, f := range files {
		if f.modTime.After(cutoff) {
			break
		}
		if err := os.Remove(f.path); err == nil {
			removed++
		}
	}
	return removed, nil
}

func (m *StorageManager) listByAge() ([]storedFile, error) {
	var files []storedFile
	err := filepath.WalkDir(m.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		files = append(files, storedFile{path: path, size: info.Size(), modTime: info.ModTime()})
		return nil
	})
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	sort.Slice(files, func(i, j int) bool { return files[i].modTime.Before(files[j].modTime) })
	return files, nil
}
