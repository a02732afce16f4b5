// Package audit records secret and collection operations as
// newline-delimited JSON in an append-only file, by default
// ~/.gsecret/audit.log.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Action describes what happened.
type Action string

const (
	ActionSecretRead       Action = "secret_read"
	ActionSecretWrite      Action = "secret_write"
	ActionSecretDelete     Action = "secret_delete"
	ActionCollectionCreate Action = "collection_create"
	ActionCollectionDelete Action = "collection_delete"
	ActionAliasSet         Action = "alias_set"
)

// Entry is a single audit log record. Secret values are never recorded.
type Entry struct {
	ID         string    `json:"id"`
	Timestamp  time.Time `json:"ts"`
	Action     Action    `json:"action"`
	Key        string    `json:"key,omitempty"`
	Collection string    `json:"collection,omitempty"` // alias or object path
	Actor      string    `json:"actor,omitempty"`
	Error      string    `json:"error,omitempty"`
}

// Logger appends entries to a file opened with mode 0600.
type Logger struct {
	mu   sync.Mutex
	file *os.File
	path string
}

func NewLogger(path string) (*Logger, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening audit log: %w", err)
	}
	return &Logger{file: f, path: path}, nil
}

// Log writes entry, filling in the ID and timestamp when they are unset.
func (l *Logger) Log(entry Entry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshaling audit entry: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, err := l.file.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("writing audit entry %s: %w", entry.ID, err)
	}
	return nil
}

// Path returns the file the logger appends to.
func (l *Logger) Path() string { return l.path }

func (l *Logger) Close() error {
	return l.file.Close()
}
