package util

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// TempFiles assigns unique filenames inside a cache directory, and automatically deletes
// old files. We don't need to be too worried about aggressive deletion, because if a file
// is still open (eg being served to a client), the OS will not actually erase it until the
// last handle is closed.
type TempFiles struct {
	Root string

	lock            sync.Mutex // guards access to all internal state
	lastCleanup     time.Time
	cleanupInterval time.Duration
	maxAge          time.Duration
}

// NewTempFiles creates the root directory if necessary.
// Files older than maxAge are deleted periodically. If maxAge is zero, nothing is ever deleted.
func NewTempFiles(root string, maxAge time.Duration) (*TempFiles, error) {
	if err := os.MkdirAll(root, 0777); err != nil {
		return nil, fmt.Errorf("Failed to create cache directory '%v': %w", root, err)
	}
	t := &TempFiles{
		Root:            root,
		lastCleanup:     time.Now(),
		cleanupInterval: max(maxAge/10, time.Minute),
		maxAge:          maxAge,
	}
	if maxAge > 0 {
		t.cleanOld(time.Now())
	}
	return t, nil
}

// Get a new unique filename, such as "<root>/0b9e5d2e-8a4b-4b5c-9d2d-0f4b8e1c2a3d.mp4".
// The file is not created.
func (t *TempFiles) Get(ext string) string {
	t.lock.Lock()
	defer t.lock.Unlock()
	now := time.Now()
	if t.maxAge > 0 && now.Sub(t.lastCleanup) > t.cleanupInterval {
		t.lastCleanup = now
		go t.cleanOld(now)
	}
	return filepath.Join(t.Root, uuid.NewString()+ext)
}

// this must not touch any shared mutable state, or take the lock
func (t *TempFiles) cleanOld(now time.Time) int {
	all, _ := filepath.Glob(filepath.Join(t.Root, "*"))
	n := 0
	for _, fn := range all {
		st, err := os.Stat(fn)
		if err != nil || st.IsDir() {
			continue
		}
		if now.Sub(st.ModTime()) > t.maxAge {
			if os.Remove(fn) == nil {
				n++
			}
		}
	}
	return n
}
