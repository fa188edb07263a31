package stepflow

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileInvocationLogger appends invocations to one newline-delimited JSON
// file per run. Each entry is fsynced before LogInvocation returns.
type FileInvocationLogger struct {
	directory string
	mu        sync.Mutex
}

// NewFileInvocationLogger creates a logger writing under directory
func NewFileInvocationLogger(directory string) *FileInvocationLogger {
	return &FileInvocationLogger{directory: directory}
}

func (l *FileInvocationLogger) runLogPath(runID string) string {
	return filepath.Join(l.directory, fmt.Sprintf("%s.jsonl", runID))
}

func (l *FileInvocationLogger) GetInvocationHistory(ctx context.Context, runID string) ([]*InvocationLogEntry, error) {
	if err := ValidateRunID(runID); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(l.runLogPath(runID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var entries []*InvocationLogEntry
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var entry InvocationLogEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			return nil, err
		}
		entries = append(entries, &entry)
	}
	return entries, scanner.Err()
}

func (l *FileInvocationLogger) LogInvocation(ctx context.Context, entry *InvocationLogEntry) error {
	if err := ValidateRunID(entry.RunID); err != nil {
		return err
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	line = append(line, '\n')

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := os.MkdirAll(l.directory, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(l.runLogPath(entry.RunID), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write(line); err != nil {
		return err
	}
	return f.Sync()
}
