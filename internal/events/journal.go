package events

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	DefaultMaxJournalSize = 50 * 1024 * 1024
	journalArchiveDir     = "archive"
)

// JournalEntry is one line of the action journal.
type JournalEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Event     string         `json:"event"`
	Tenant    string         `json:"tenant,omitempty"`
	Resource  string         `json:"resource,omitempty"`
	Action    string         `json:"action,omitempty"`
	JobID     string         `json:"job_id,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
}

// Journal appends JSON lines to a file and rotates it into archive/ once it
// would exceed maxSize.
type Journal struct {
	mu        sync.Mutex
	path      string
	file      *os.File
	size      int64
	maxSize   int64
	rotations int
}

func OpenJournal(path string, maxSize int64) (*Journal, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxJournalSize
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create journal directory: %w", err)
	}
	j := &Journal{path: path, maxSize: maxSize}
	if err := j.open(); err != nil {
		return nil, err
	}
	return j, nil
}

func (j *Journal) open() error {
	f, err := os.OpenFile(j.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("open journal: %w", err)
	}
	st, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("stat journal: %w", err)
	}
	j.file = f
	j.size = st.Size()
	return nil
}

func (j *Journal) Write(entry JournalEntry) error {
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal journal entry: %w", err)
	}
	data = append(data, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return fmt.Errorf("journal closed")
	}
	if j.size > 0 && j.size+int64(len(data)) > j.maxSize {
		if err := j.rotate(); err != nil {
			return fmt.Errorf("rotate journal: %w", err)
		}
	}
	n, err := j.file.Write(data)
	if err != nil {
		return fmt.Errorf("write journal entry: %w", err)
	}
	j.size += int64(n)
	return j.file.Sync()
}

func (j *Journal) rotate() error {
	if err := j.file.Close(); err != nil {
		return err
	}
	archive := filepath.Join(filepath.Dir(j.path), journalArchiveDir)
	if err := os.MkdirAll(archive, 0755); err != nil {
		return err
	}
	j.rotations++
	base := strings.TrimSuffix(filepath.Base(j.path), filepath.Ext(j.path))
	name := fmt.Sprintf("%s.%s.%d%s", base, time.Now().Format("20060102_150405"), j.rotations, filepath.Ext(j.path))
	if err := os.Rename(j.path, filepath.Join(archive, name)); err != nil {
		return err
	}
	return j.open()
}

func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		return nil
	}
	err := j.file.Close()
	j.file = nil
	return err
}

// ReadJournal decodes every well-formed entry in path, oldest first.
func ReadJournal(path string) ([]JournalEntry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()

	var out []JournalEntry
	dec := json.NewDecoder(f)
	for dec.More() {
		var e JournalEntry
		if err := dec.Decode(&e); err != nil {
			return out, fmt.Errorf("decode journal: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}
