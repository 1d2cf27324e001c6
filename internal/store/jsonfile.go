package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// JSONFile keeps the records as one ordered JSON array. Every write replaces
// the file atomically.
type JSONFile struct {
	Path    string
	mu      sync.Mutex
	records []MemoryRecord
}

func NewJSONFile(path string) (*JSONFile, error) {
	p := strings.TrimSpace(path)
	if p == "" {
		return nil, errors.New("memory file path is required")
	}
	return &JSONFile{Path: p}, nil
}

func (f *JSONFile) Load(ctx context.Context) ([]MemoryRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	data, err := os.ReadFile(f.Path)
	if errors.Is(err, os.ErrNotExist) {
		f.records = nil
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read memory file: %w", err)
	}
	var recs []MemoryRecord
	if len(strings.TrimSpace(string(data))) > 0 {
		if err := json.Unmarshal(data, &recs); err != nil {
			return nil, fmt.Errorf("decode memory file %s: %w", f.Path, err)
		}
	}
	f.records = recs
	out := make([]MemoryRecord, len(recs))
	for i, r := range recs {
		out[i] = r.Clone()
	}
	return out, nil
}

func (f *JSONFile) Append(ctx context.Context, rec MemoryRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	next := append(f.records[:len(f.records):len(f.records)], rec.Clone())
	if err := f.write(next); err != nil {
		return err
	}
	f.records = next
	return nil
}

func (f *JSONFile) Clear(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.write([]MemoryRecord{}); err != nil {
		return err
	}
	f.records = nil
	return nil
}

func (f *JSONFile) Close() error { return nil }

func (f *JSONFile) write(recs []MemoryRecord) error {
	data, err := json.MarshalIndent(recs, "", "  ")
	if err != nil {
		return fmt.Errorf("encode memory: %w", err)
	}
	return WriteAtomic(f.Path, data)
}

// WriteAtomic writes data to a uniquely named temporary sibling of path and
// renames it into place, so readers never observe a partial file and
// concurrent writers never share a temporary file.
func WriteAtomic(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create directory: %w", err)
	}
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create tmp: %w", err)
	}
	tmpPath := tmp.Name()
	_, err = tmp.Write(data)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err == nil {
		err = os.Chmod(tmpPath, 0o644)
	}
	if err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("write tmp: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		_ = os.Remove(tmpPath)
		return fmt.Errorf("commit %s: %w", path, err)
	}
	return nil
}
