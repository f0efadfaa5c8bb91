// Package audit provides security event sinks: a JSON Lines file store
// with daily rotation and retention cleanup, and an in-memory ring store
// for tests and development.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"

	"github.com/aegisgate/aegisgate/internal/domain/event"
)

// eventFilePattern matches event log filenames: events-YYYY-MM-DD.log
var eventFilePattern = regexp.MustCompile(`^events-(\d{4}-\d{2}-\d{2})\.log$`)

// FileConfig holds configuration for the file-based event store.
type FileConfig struct {
	// Dir is the directory where event files are stored.
	Dir string
	// RetentionDays is how long rotated files are kept (default 30).
	RetentionDays int
	// CacheSize is the number of recent events kept in memory (default 1000).
	CacheSize int
}

// FileStore implements event.Store with one JSON Lines file per UTC day,
// a retention sweep, and a ring cache of recent events.
type FileStore struct {
	dir           string
	retentionDays int

	mu          sync.Mutex
	currentFile *os.File
	currentDate string
	closed      bool

	cache  *ring
	logger *slog.Logger

	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once
}

// NewFileStore creates the directory if needed, opens today's file, runs a
// retention sweep, and starts the hourly cleanup goroutine.
func NewFileStore(cfg FileConfig, logger *slog.Logger) (*FileStore, error) {
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 30
	}
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 1000
	}

	if err := os.MkdirAll(cfg.Dir, 0700); err != nil {
		return nil, fmt.Errorf("create event directory: %w", err)
	}

	s := &FileStore{
		dir:           cfg.Dir,
		retentionDays: cfg.RetentionDays,
		cache:         newRing(cfg.CacheSize),
		logger:        logger,
		stopCh:        make(chan struct{}),
		doneCh:        make(chan struct{}),
	}

	if err := s.openForDate(time.Now().UTC().Format("2006-01-02")); err != nil {
		return nil, err
	}
	s.sweep()
	go s.sweepLoop()

	return s, nil
}

// Append writes events as JSON lines, rotating when the UTC date changes.
func (s *FileStore) Append(_ context.Context, events ...event.SecurityEvent) error {
	if len(events) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return fmt.Errorf("event store closed")
	}

	for _, ev := range events {
		dateStr := ev.Timestamp.UTC().Format("2006-01-02")
		if dateStr != s.currentDate {
			if err := s.openForDate(dateStr); err != nil {
				return err
			}
		}

		data, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("marshal event: %w", err)
		}
		if _, err := s.currentFile.Write(append(data, '\n')); err != nil {
			return fmt.Errorf("write event: %w", err)
		}
		s.cache.add(ev)
	}
	return nil
}

// Recent returns the last n events from the cache, newest first.
func (s *FileStore) Recent(n int) []event.SecurityEvent {
	return s.cache.recent(n)
}

// Close stops the sweep goroutine and closes the current file.
func (s *FileStore) Close() error {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	<-s.doneCh

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	if s.currentFile != nil {
		_ = s.currentFile.Sync()
		err := s.currentFile.Close()
		s.currentFile = nil
		return err
	}
	return nil
}

// openForDate closes the current file and opens the file for dateStr.
// Callers hold s.mu except during construction.
func (s *FileStore) openForDate(dateStr string) error {
	if s.currentFile != nil {
		_ = s.currentFile.Sync()
		_ = s.currentFile.Close()
		s.currentFile = nil
	}

	path := filepath.Join(s.dir, fmt.Sprintf("events-%s.log", dateStr))
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0600)
	if err != nil {
		return fmt.Errorf("open event file: %w", err)
	}
	s.currentFile = f
	s.currentDate = dateStr
	return nil
}

// sweep deletes event files older than the retention period.
func (s *FileStore) sweep() {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		s.logger.Error("event retention sweep failed to read directory",
			"dir", s.dir, "error", err)
		return
	}

	cutoff := time.Now().UTC().AddDate(0, 0, -s.retentionDays)
	for _, e := range entries {
		m := eventFilePattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		fileDate, err := time.Parse("2006-01-02", m[1])
		if err != nil || !fileDate.Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(s.dir, e.Name())); err != nil {
			s.logger.Error("event retention sweep failed to delete file",
				"file", e.Name(), "error", err)
		}
	}
}

// sweepLoop runs the retention sweep hourly until Close.
func (s *FileStore) sweepLoop() {
	defer close(s.doneCh)
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.sweep()
		}
	}
}

// Compile-time interface verification.
var _ event.Store = (*FileStore)(nil)

// ring is a fixed-size buffer of recent events.
type ring struct {
	mu      sync.RWMutex
	entries []event.SecurityEvent
	size    int
	head    int
	count   int
}

func newRing(size int) *ring {
	return &ring{
		entries: make([]event.SecurityEvent, size),
		size:    size,
	}
}

func (r *ring) add(ev event.SecurityEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[r.head] = ev
	r.head = (r.head + 1) % r.size
	if r.count < r.size {
		r.count++
	}
}

// recent returns the last n entries, newest first.
func (r *ring) recent(n int) []event.SecurityEvent {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n <= 0 || r.count == 0 {
		return nil
	}
	if n > r.count {
		n = r.count
	}
	out := make([]event.SecurityEvent, n)
	for i := 0; i < n; i++ {
		out[i] = r.entries[(r.head-1-i+r.size)%r.size]
	}
	return out
}
