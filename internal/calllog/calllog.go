// Package calllog appends one record per assistant turn to a YAML log used
// for offline analysis.
package calllog

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/yaml.v3"
)

// FunctionCall records one tool invocation with already-parsed arguments.
// Arguments are structured at the source; nothing downstream re-parses
// stringified call shapes.
type FunctionCall struct {
	Function   string         `yaml:"function"`
	Parameters map[string]any `yaml:"parameters"`
}

// Entry is one assistant turn.
type Entry struct {
	Timestamp time.Time      `yaml:"timestamp"`
	Username  string         `yaml:"username"`
	UserInput string         `yaml:"user_input"`
	Calls     []FunctionCall `yaml:"calls,omitempty"`
}

// Writer appends entries to a single YAML file. Appends are serialized; the
// file is opened per write so external rotation is safe.
type Writer struct {
	mu   sync.Mutex
	path string
	now  func() time.Time
}

// NewWriter creates a call-log writer for the given file path.
func NewWriter(path string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create call log dir: %w", err)
	}
	return &Writer{path: path, now: time.Now}, nil
}

// Append writes one entry as a YAML list item at the end of the log.
func (w *Writer) Append(username, userInput string, calls []FunctionCall) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	entry := Entry{
		Timestamp: w.now().UTC(),
		Username:  username,
		UserInput: userInput,
		Calls:     calls,
	}
	data, err := yaml.Marshal([]Entry{entry})
	if err != nil {
		return fmt.Errorf("marshal call log entry: %w", err)
	}

	f, err := os.OpenFile(w.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open call log: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(data); err != nil {
		return fmt.Errorf("append call log: %w", err)
	}
	return nil
}

// Read loads every entry in the log. Offline analysis and tests only.
func Read(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var entries []Entry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse call log: %w", err)
	}
	return entries, nil
}
