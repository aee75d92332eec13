package infrastructure

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// DeadLetterEntry is one line in the dead-letter log.
type DeadLetterEntry struct {
	ID        string          `json:"id"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// DeadLetterLog is a local append-only JSON-lines file holding records
// that could not be persisted to the database. It exists so a database
// outage loses nothing: the drain command replays it later.
type DeadLetterLog struct {
	path         string
	file         *os.File
	mu           sync.Mutex
	rotationSize int64
	currentSize  int64
}

// NewDeadLetterLog opens (or creates) the log at path.
func NewDeadLetterLog(path string) (*DeadLetterLog, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create dead-letter directory: %w", err)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open dead-letter file: %w", err)
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("failed to stat dead-letter file: %w", err)
	}

	return &DeadLetterLog{
		path:         path,
		file:         file,
		currentSize:  stat.Size(),
		rotationSize: 100 * 1024 * 1024, // 100MB
	}, nil
}

// Append writes one entry and syncs it to disk.
func (l *DeadLetterLog) Append(data interface{}) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal dead-letter data: %w", err)
	}

	entry := DeadLetterEntry{
		ID:        fmt.Sprintf("%d-%d", time.Now().UnixNano(), os.Getpid()),
		Timestamp: time.Now(),
		Data:      raw,
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("failed to marshal dead-letter entry: %w", err)
	}

	if _, err := l.file.Write(line); err != nil {
		return fmt.Errorf("failed to write dead-letter entry: %w", err)
	}
	if _, err := l.file.WriteString("\n"); err != nil {
		return fmt.Errorf("failed to write dead-letter newline: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("failed to sync dead-letter file: %w", err)
	}

	l.currentSize += int64(len(line) + 1)
	if l.currentSize > l.rotationSize {
		if err := l.rotate(); err != nil {
			return fmt.Errorf("failed to rotate dead-letter file: %w", err)
		}
	}
	return nil
}

// ReadAll returns every entry currently in the log. Corrupted lines are
// skipped.
func (l *DeadLetterLog) ReadAll() ([]DeadLetterEntry, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, err := l.file.Seek(0, io.SeekStart); err != nil {
		return nil, fmt.Errorf("failed to seek dead-letter file: %w", err)
	}

	var entries []DeadLetterEntry
	scanner := bufio.NewScanner(l.file)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)
	for scanner.Scan() {
		var entry DeadLetterEntry
		if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read dead-letter file: %w", err)
	}

	if _, err := l.file.Seek(0, io.SeekEnd); err != nil {
		return nil, fmt.Errorf("failed to seek to end of dead-letter file: %w", err)
	}
	return entries, nil
}

// Truncate empties the log after a successful drain.
func (l *DeadLetterLog) Truncate() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := l.file.Truncate(0); err != nil {
		return fmt.Errorf("failed to truncate dead-letter file: %w", err)
	}
	if _, err := l.file.Seek(0, io.SeekStart); err != nil {
		return fmt.Errorf("failed to rewind dead-letter file: %w", err)
	}
	l.currentSize = 0
	return nil
}

// Close syncs and closes the log.
func (l *DeadLetterLog) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		if err := l.file.Sync(); err != nil {
			return fmt.Errorf("failed to sync dead-letter file before closing: %w", err)
		}
		return l.file.Close()
	}
	return nil
}

// Stats returns log statistics.
func (l *DeadLetterLog) Stats() map[string]interface{} {
	l.mu.Lock()
	defer l.mu.Unlock()

	return map[string]interface{}{
		"path":          l.path,
		"size":          l.currentSize,
		"rotation_size": l.rotationSize,
	}
}

func (l *DeadLetterLog) rotate() error {
	if err := l.file.Close(); err != nil {
		return fmt.Errorf("failed to close dead-letter file: %w", err)
	}

	archivePath := fmt.Sprintf("%s.%d", l.path, time.Now().Unix())
	if err := os.Rename(l.path, archivePath); err != nil {
		return fmt.Errorf("failed to archive dead-letter file: %w", err)
	}

	file, err := os.OpenFile(l.path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create new dead-letter file: %w", err)
	}

	l.file = file
	l.currentSize = 0
	return nil
}
