package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// RotatingWriter is a zap write syncer over log files that roll each UTC day
// and whenever the current file would exceed MaxBytes.
//
// For BasePath logs/chatstream.log the files are
//
//	logs/chatstream-2026-10-19.log
//	logs/chatstream-2026-10-19-2.log
//
// and BasePath itself is kept as a symlink to the active file.
type RotatingWriter struct {
	BasePath string
	MaxBytes int64

	mu    sync.Mutex
	day   string
	index int
	file  *os.File
	size  int64
	clock func() time.Time
}

// NewRotatingWriter opens the first file immediately so configuration errors
// surface at startup.
func NewRotatingWriter(basePath string, maxBytes int64) (*RotatingWriter, error) {
	if strings.TrimSpace(basePath) == "" {
		return nil, fmt.Errorf("rotating writer: empty path")
	}
	if maxBytes <= 0 {
		maxBytes = 100 << 20
	}
	w := &RotatingWriter{BasePath: basePath, MaxBytes: maxBytes, clock: time.Now}
	if err := w.roll(0); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.roll(int64(len(p))); err != nil {
		return 0, err
	}
	n, err := w.file.Write(p)
	w.size += int64(n)
	return n, err
}

// Sync flushes the active file.
func (w *RotatingWriter) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	return w.file.Sync()
}

func (w *RotatingWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.file == nil {
		return nil
	}
	err := w.file.Close()
	w.file = nil
	return err
}

// roll must be called with mu held.
func (w *RotatingWriter) roll(incoming int64) error {
	today := w.clock().UTC().Format("2006-01-02")
	switch {
	case w.file == nil || w.day != today:
		w.day, w.index = today, 1
	case w.size+incoming > w.MaxBytes:
		w.index++
	default:
		return nil
	}
	return w.open()
}

func (w *RotatingWriter) currentPath() string {
	dir, name := filepath.Split(w.BasePath)
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)
	if ext == "" {
		ext = ".log"
	}
	if w.index > 1 {
		return filepath.Join(dir, fmt.Sprintf("%s-%s-%d%s", stem, w.day, w.index, ext))
	}
	return filepath.Join(dir, fmt.Sprintf("%s-%s%s", stem, w.day, ext))
}

func (w *RotatingWriter) open() error {
	if w.file != nil {
		_ = w.file.Close()
		w.file = nil
	}
	path := w.currentPath()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	w.size = 0
	if st, err := f.Stat(); err == nil {
		w.size = st.Size()
	}
	w.file = f

	// Best effort: point BasePath at the active file.
	if info, err := os.Lstat(w.BasePath); err == nil && info.Mode()&os.ModeSymlink != 0 {
		_ = os.Remove(w.BasePath)
	}
	if _, err := os.Lstat(w.BasePath); os.IsNotExist(err) {
		_ = os.Symlink(filepath.Base(path), w.BasePath)
	}
	return nil
}
