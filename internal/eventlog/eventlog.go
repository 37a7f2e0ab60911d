// Package eventlog persists processed-item records as one ordered JSON
// store. The store format has no structural support for concurrent writers;
// a Log serializes appends behind its mutex so independent monitors can
// share one file.
package eventlog

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"

	"knowledge-base/collab-ingester/internal/model"
)

// Store is the on-disk layout. Insertion order is detection order and is
// never reordered or compacted.
type Store struct {
	Records      []model.LogRecord `json:"records"`
	LastUpdated  *time.Time        `json:"last_updated"`
	TotalRecords int               `json:"total_records"`
}

type Log struct {
	mu      sync.Mutex
	path    string
	dropped int
}

func New(path string) *Log {
	return &Log{path: path}
}

// Append reads the store, adds one record, and writes the whole store back
// through a temp file plus rename so a crash mid-write cannot corrupt the
// previous contents.
func (l *Log) Append(rec model.LogRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	st, err := l.load()
	if err != nil {
		l.dropped++
		return err
	}
	now := time.Now().UTC()
	st.Records = append(st.Records, rec)
	st.LastUpdated = &now
	st.TotalRecords = len(st.Records)

	if err := l.write(st); err != nil {
		l.dropped++
		return err
	}
	return nil
}

// Read returns the current store contents. A missing or empty file reads as
// an empty store.
func (l *Log) Read() (Store, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.load()
}

// Dropped reports how many records failed to persist since startup.
func (l *Log) Dropped() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dropped
}

func (l *Log) load() (Store, error) {
	b, err := os.ReadFile(l.path)
	if errors.Is(err, fs.ErrNotExist) || (err == nil && len(b) == 0) {
		return Store{}, nil
	}
	if err != nil {
		return Store{}, fmt.Errorf("read event log: %w", err)
	}
	var st Store
	if err := json.Unmarshal(b, &st); err != nil {
		return Store{}, fmt.Errorf("parse event log: %w", err)
	}
	return st, nil
}

func (l *Log) write(st Store) error {
	b, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal event log: %w", err)
	}
	dir := filepath.Dir(l.path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".eventlog-*")
	if err != nil {
		return fmt.Errorf("temp event log: %w", err)
	}
	if _, err := tmp.Write(b); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("write event log: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	if err := os.Rename(tmp.Name(), l.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replace event log: %w", err)
	}
	return nil
}
