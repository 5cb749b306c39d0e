package log

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// RotatingFile is an io.Writer that rotates to a fresh
// <dir>/YYYY-MM-DD-HH-MM-SS.log file once the current file exceeds
// maxBytes, keeping at most maxFiles on disk. No example in the retrieved
// corpus imports a rotation library (lumberjack, etc.), so this is built
// directly on os/io per the standard-library justification documented in
// DESIGN.md.
type RotatingFile struct {
	dir       string
	maxBytes  int64
	maxFiles  int
	mu        sync.Mutex
	f         *os.File
	written   int64
}

// NewRotatingFile opens (creating dir if needed) a new log file under dir
// and prunes older files beyond maxFiles.
func NewRotatingFile(dir string, maxBytes int64, maxFiles int) (*RotatingFile, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	r := &RotatingFile{dir: dir, maxBytes: maxBytes, maxFiles: maxFiles}
	if err := r.rotate(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *RotatingFile) Write(p []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.written+int64(len(p)) > r.maxBytes {
		if err := r.rotateLocked(); err != nil {
			return 0, err
		}
	}
	n, err := r.f.Write(p)
	r.written += int64(n)
	return n, err
}

func (r *RotatingFile) rotate() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rotateLocked()
}

func (r *RotatingFile) rotateLocked() error {
	if r.f != nil {
		_ = r.f.Close()
	}
	name := time.Now().Format("2006-01-02-15-04-05") + ".log"
	path := filepath.Join(r.dir, name)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	r.f = f
	r.written = 0
	return r.prune()
}

func (r *RotatingFile) prune() error {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil
	}
	var logs []string
	for _, e := range entries {
		if !e.IsDir() && filepath.Ext(e.Name()) == ".log" {
			logs = append(logs, e.Name())
		}
	}
	sort.Strings(logs)
	for len(logs) > r.maxFiles {
		_ = os.Remove(filepath.Join(r.dir, logs[0]))
		logs = logs[1:]
	}
	return nil
}

// Close closes the underlying file.
func (r *RotatingFile) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.f == nil {
		return nil
	}
	return r.f.Close()
}
