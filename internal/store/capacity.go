package store

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"edge-capture-agent/internal/models"
	"edge-capture-agent/internal/telemetry"
)

// ReferenceSource reports local files still needed by undelivered events.
type ReferenceSource interface {
	ReferencedPaths(ctx context.Context) (map[string]struct{}, error)
}

// CapacityManager accounts for capture files under a root directory and
// trims the oldest ones when a byte or file-count quota is exceeded.
type CapacityManager struct {
	root     string
	maxBytes int64
	maxFiles int
	refs     ReferenceSource

	// serializes enforcement between the action and upload goroutines
	mu sync.Mutex

	resMu    sync.Mutex
	reserved map[string]int
}

// NewCapacityManager builds a manager rooted at root. refs may be nil only
// in tests that never enforce.
func NewCapacityManager(root string, maxBytes int64, maxFiles int, refs ReferenceSource) *CapacityManager {
	return &CapacityManager{
		root:     filepath.Clean(root),
		maxBytes: maxBytes,
		maxFiles: maxFiles,
		refs:     refs,
		reserved: make(map[string]int),
	}
}

// Reserve protects path from enforcement while its capture is being written
// and queued. The returned release waits for any running enforcement, so a
// pass that read the queue references before the enqueue still sees the
// reservation.
func (m *CapacityManager) Reserve(path string) (release func()) {
	path = filepath.Clean(path)
	m.resMu.Lock()
	m.reserved[path]++
	m.resMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			m.resMu.Lock()
			defer m.resMu.Unlock()
			if m.reserved[path] <= 1 {
				delete(m.reserved, path)
			} else {
				m.reserved[path]--
			}
		})
	}
}

func (m *CapacityManager) isReserved(path string) bool {
	m.resMu.Lock()
	defer m.resMu.Unlock()
	return m.reserved[path] > 0
}

// Root returns the capture root directory.
func (m *CapacityManager) Root() string {
	return m.root
}

type fileEntry struct {
	path    string
	size    int64
	modTime time.Time
}

func (m *CapacityManager) scan() ([]fileEntry, error) {
	var files []fileEntry
	err := filepath.WalkDir(m.root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		// staging files of in-progress writes
		if strings.HasPrefix(d.Name(), ".") {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		files = append(files, fileEntry{path: path, size: info.Size(), modTime: info.ModTime()})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", m.root, err)
	}
	return files, nil
}

func (m *CapacityManager) statusOf(files []fileEntry) models.StorageStatus {
	var total int64
	for _, f := range files {
		total += f.size
	}
	st := models.StorageStatus{
		TotalBytes: total,
		MaxBytes:   m.maxBytes,
		FileCount:  len(files),
		MaxFiles:   m.maxFiles,
	}
	if m.maxBytes > 0 {
		st.UsageRatio = float64(total) / float64(m.maxBytes)
	}
	return st
}

// Status scans the root and reports current usage.
func (m *CapacityManager) Status() (models.StorageStatus, error) {
	files, err := m.scan()
	if err != nil {
		return models.StorageStatus{}, err
	}
	st := m.statusOf(files)
	telemetry.StorageUsedBytes.Set(float64(st.TotalBytes))
	telemetry.StorageUsageRatio.Set(st.UsageRatio)
	return st, nil
}

func (m *CapacityManager) overQuota(bytes int64, count int) bool {
	if m.maxBytes > 0 && bytes > m.maxBytes {
		return true
	}
	return m.maxFiles > 0 && count > m.maxFiles
}

// EnforceCapacity deletes the oldest unreferenced files until usage is
// within both quotas, and returns the resulting status. A file named by a
// pending or in-flight queue item is never deleted, even if that leaves the
// store over quota.
func (m *CapacityManager) EnforceCapacity(ctx context.Context) (models.StorageStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	files, err := m.scan()
	if err != nil {
		return models.StorageStatus{}, err
	}
	st := m.statusOf(files)
	if !m.overQuota(st.TotalBytes, st.FileCount) {
		return m.publish(st), nil
	}
	if m.refs == nil {
		return m.publish(st), errors.New("enforce capacity: no reference source configured")
	}
	refs, err := m.refs.ReferencedPaths(ctx)
	if err != nil {
		return m.publish(st), fmt.Errorf("enforce capacity: %w", err)
	}

	sort.Slice(files, func(i, j int) bool {
		if files[i].modTime.Equal(files[j].modTime) {
			return files[i].path < files[j].path
		}
		return files[i].modTime.Before(files[j].modTime)
	})

	total, count := st.TotalBytes, st.FileCount
	var deleted, protected int
	for _, f := range files {
		if !m.overQuota(total, count) {
			break
		}
		if _, ok := refs[filepath.Clean(f.path)]; ok || m.isReserved(filepath.Clean(f.path)) {
			protected++
			continue
		}
		if err := os.Remove(f.path); err != nil && !errors.Is(err, fs.ErrNotExist) {
			log.Printf("store: delete %s: %v", f.path, err)
			continue
		}
		total -= f.size
		count--
		deleted++
		m.pruneEmptyDirs(filepath.Dir(f.path))
	}
	if deleted > 0 {
		telemetry.CapturesDeleted.Add(float64(deleted))
		log.Printf("store: capacity enforced deleted=%d protected=%d bytes=%d files=%d", deleted, protected, total, count)
	}
	if m.overQuota(total, count) {
		log.Printf("store: still over quota bytes=%d/%d files=%d/%d protected=%d", total, m.maxBytes, count, m.maxFiles, protected)
	}

	after, err := m.scan()
	if err != nil {
		return models.StorageStatus{}, err
	}
	return m.publish(m.statusOf(after)), nil
}

func (m *CapacityManager) publish(st models.StorageStatus) models.StorageStatus {
	telemetry.StorageUsedBytes.Set(float64(st.TotalBytes))
	telemetry.StorageUsageRatio.Set(st.UsageRatio)
	return st
}

// pruneEmptyDirs removes dir and its empty parents up to, not including, the root.
func (m *CapacityManager) pruneEmptyDirs(dir string) {
	for dir != m.root && strings.HasPrefix(dir, m.root+string(filepath.Separator)) {
		if err := os.Remove(dir); err != nil {
			return
		}
		dir = filepath.Dir(dir)
	}
}

// BuildPhotoPath returns where a capture taken at ts in sessionID is stored.
func (m *CapacityManager) BuildPhotoPath(sessionID string, ts time.Time) string {
	return m.buildPath("photos", sessionID, ts, ".jpg")
}

// BuildAudioPath returns where a voice note recorded at ts in sessionID is stored.
func (m *CapacityManager) BuildAudioPath(sessionID string, ts time.Time) string {
	return m.buildPath("audio", sessionID, ts, ".wav")
}

func (m *CapacityManager) buildPath(kind, sessionID string, ts time.Time, ext string) string {
	name := ts.UTC().Format("20060102T150405.000000000Z") + ext
	return filepath.Join(m.root, kind, sanitizeSegment(sessionID), name)
}

func sanitizeSegment(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return "no-session"
	}
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
