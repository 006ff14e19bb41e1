// Package eventlog records instance lifecycle transitions to an
// append-only NDJSON file, one log per agent run. It is the audit trail
// consulted when an account ends up in error state.
package eventlog

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/huxaifamora-cell/BFA-copy-trading/internal/ndjson"
)

// Entry is one lifecycle transition. Run identifies the agent run that
// produced the entry; a log file appended to across restarts still
// groups cleanly.
type Entry struct {
	Time      time.Time `json:"time"`
	Run       string    `json:"run"`
	AccountID int64     `json:"account_id,omitempty"`
	Event     string    `json:"event"`
	Detail    string    `json:"detail,omitempty"`
}

// Log appends lifecycle entries to an NDJSON file.
type Log struct {
	mu      sync.Mutex
	file    *os.File
	encoder *ndjson.Encoder
	runID   string
	now     func() time.Time
}

// New opens (or creates) an event log at logPath for appending.
func New(logPath string) (*Log, error) {
	dir := filepath.Dir(logPath)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}

	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}

	return &Log{
		file:    file,
		encoder: ndjson.NewEncoder(file),
		runID:   uuid.New().String()[:8],
		now:     time.Now,
	}, nil
}

// RunID returns the identifier stamped on this log's entries.
func (l *Log) RunID() string {
	return l.runID
}

// Record appends one entry.
func (l *Log) Record(accountID int64, event, detail string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	return l.encoder.Encode(Entry{
		Time:      l.now().UTC(),
		Run:       l.runID,
		AccountID: accountID,
		Event:     event,
		Detail:    detail,
	})
}

// Close closes the log file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// Read loads every entry of a log file, oldest first.
func Read(logPath string) ([]Entry, error) {
	file, err := os.Open(logPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open log file: %w", err)
	}
	defer file.Close()

	var entries []Entry
	dec := ndjson.NewDecoder(file)
	for {
		var e Entry
		if err := dec.Decode(&e); err != nil {
			break
		}
		entries = append(entries, e)
	}
	return entries, nil
}
