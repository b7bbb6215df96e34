// Package logging provides the daemon's file rotation and the bracketed
// component loggers used across the engine.
package logging

import (
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// DefaultMaxBytes caps one log file before same-day rollover.
const DefaultMaxBytes int64 = 64 << 20

// RotatingWriter writes to files that rotate each UTC day and when a write
// would push the current file past MaxBytes.
//
// For a base path logs/ledgergate.log the output files are named
// logs/ledgergate-2026-08-29.log, logs/ledgergate-2026-08-29-2.log and so
// on within the day.
type RotatingWriter struct {
	basePath string
	maxBytes int64

	mu      sync.Mutex
	day     string
	index   int
	file    *os.File
	written int64
}

// NewRotatingWriter opens a rotating writer rooted at basePath. A base
// path of "-" discards all output; an empty base path writes to stderr.
func NewRotatingWriter(basePath string, maxBytes int64) (io.WriteCloser, error) {
	switch strings.TrimSpace(basePath) {
	case "-":
		return nopWriteCloser{w: io.Discard}, nil
	case "":
		return nopWriteCloser{w: os.Stderr}, nil
	}
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	w := &RotatingWriter{basePath: basePath, maxBytes: maxBytes}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.rollIfNeeded(0); err != nil {
		return nil, err
	}
	return w, nil
}

func (w *RotatingWriter) Write(p []byte) (int, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.rollIfNeeded(int64(len(p))); err != nil {
		return 0, err
	}
	n, err := w.file.Write(p)
	w.written += int64(n)
	return n, err
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

// rollIfNeeded switches files on day change or when the pending write
// would exceed the size cap. Caller holds w.mu.
func (w *RotatingWriter) rollIfNeeded(pending int64) error {
	today := time.Now().UTC().Format("2006-01-02")
	switch {
	case w.file == nil || w.day != today:
		w.day = today
		w.index = 1
	case w.written+pending > w.maxBytes:
		w.index++
	default:
		return nil
	}
	return w.open()
}

func (w *RotatingWriter) open() error {
	if w.file != nil {
		_ = w.file.Close()
	}
	dir, name := filepath.Split(w.basePath)
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	ext := filepath.Ext(name)
	base := strings.TrimSuffix(name, ext)
	if ext == "" {
		ext = ".log"
	}
	filename := fmt.Sprintf("%s-%s%s", base, w.day, ext)
	if w.index > 1 {
		filename = fmt.Sprintf("%s-%s-%d%s", base, w.day, w.index, ext)
	}
	f, err := os.OpenFile(filepath.Join(dir, filename), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open log file: %w", err)
	}
	w.file = f
	w.written = 0
	if st, err := f.Stat(); err == nil {
		w.written = st.Size()
	}
	return nil
}

type nopWriteCloser struct{ w io.Writer }

func (n nopWriteCloser) Write(p []byte) (int, error) { return n.w.Write(p) }
func (n nopWriteCloser) Close() error                { return nil }

// NewLogger returns a component logger in the shared bracketed format.
func NewLogger(w io.Writer, component string) *log.Logger {
	return log.New(w, "["+component+"] ", log.LstdFlags|log.Lmicroseconds)
}
