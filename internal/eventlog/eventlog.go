package eventlog

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/mpurcell/drover/internal/stream"
)

// EventLog appends every decoded event of a run to an NDJSON file so the
// full assistant conversation can be inspected after the fact
type EventLog struct {
	file    *os.File
	encoder *json.Encoder
	mu      sync.Mutex
}

// Path returns the event log location for a run under dir
func Path(dir, runID string) string {
	return filepath.Join(dir, runID+".ndjson")
}

// Open creates (or appends to) the event log for runID under dir
func Open(dir, runID string) (*EventLog, error) {
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create event log directory: %w", err)
	}

	file, err := os.OpenFile(Path(dir, runID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("failed to open event log: %w", err)
	}

	return &EventLog{
		file:    file,
		encoder: json.NewEncoder(file),
	}, nil
}

// Write appends one event as a single JSON line
func (l *EventLog) Write(evt stream.Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.encoder.Encode(evt)
}

// Close closes the underlying file
func (l *EventLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}
