package store

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rahul/webpilot/internal/intent"
	"github.com/rahul/webpilot/internal/task"
)

// ErrPersist wraps every failure to write to the persistent backend.
var ErrPersist = errors.New("memory persist failed")

// Backend is durable storage behind Memory. Records are kept oldest first.
type Backend interface {
	Load(ctx context.Context) ([]MemoryRecord, error)
	Append(ctx context.Context, rec MemoryRecord) error
	Clear(ctx context.Context) error
	Close() error
}

// Memory is the append-only session log. Writes are serialised; reads take
// a shared lock and always return copies.
type Memory struct {
	mu      sync.RWMutex
	records []MemoryRecord
	backend Backend
}

// NewMemory returns a process-lifetime memory with no backend.
func NewMemory() *Memory {
	return &Memory{}
}

// Open loads every record already held by backend.
func Open(ctx context.Context, backend Backend) (*Memory, error) {
	m := &Memory{backend: backend}
	if backend == nil {
		return m, nil
	}
	recs, err := backend.Load(ctx)
	if err != nil {
		return nil, fmt.Errorf("load memory: %w", err)
	}
	m.records = recs
	return m, nil
}

// Persistent reports whether a backend is attached.
func (m *Memory) Persistent() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.backend != nil
}

// Append adds rec to the log. With persist set and a backend attached the
// record is also written durably; a write failure is returned wrapped in
// ErrPersist while the record stays in the process log.
func (m *Memory) Append(ctx context.Context, rec MemoryRecord, persist bool) error {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	rec = rec.Clone()

	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, rec)

	if !persist || m.backend == nil {
		return nil
	}
	if err := m.backend.Append(ctx, rec); err != nil {
		return fmt.Errorf("%w: %v", ErrPersist, err)
	}
	return nil
}

// Query returns matching records, most recent first.
func (m *Memory) Query(f QueryFilter) []MemoryRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()

	contains := strings.ToLower(strings.TrimSpace(f.Contains))
	var out []MemoryRecord
	for i := len(m.records) - 1; i >= 0; i-- {
		r := m.records[i]
		if f.Status != "" && r.ResultSummary.Status != f.Status {
			continue
		}
		if f.Kind != "" && r.Intent.Kind != f.Kind {
			continue
		}
		if contains != "" && !strings.Contains(strings.ToLower(r.Instruction), contains) {
			continue
		}
		if !f.Since.IsZero() && r.Timestamp.Before(f.Since) {
			continue
		}
		out = append(out, r.Clone())
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out
}

// Close releases the backend. The in-process records stay readable.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.backend == nil {
		return nil
	}
	err := m.backend.Close()
	m.backend = nil
	return err
}

func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records)
}

// Clear irreversibly drops every record, durable ones included.
func (m *Memory) Clear(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.backend != nil {
		if err := m.backend.Clear(ctx); err != nil {
			return fmt.Errorf("clear memory: %w", err)
		}
	}
	m.records = nil
	return nil
}

// Export writes all records, oldest first, to path as "json" or "csv" and
// returns the number of bytes written.
func (m *Memory) Export(path, format string) (int64, error) {
	m.mu.RLock()
	records := make([]MemoryRecord, len(m.records))
	for i, r := range m.records {
		records[i] = r.Clone()
	}
	m.mu.RUnlock()

	var data []byte
	var err error
	switch strings.ToLower(format) {
	case "", "json":
		data, err = json.MarshalIndent(records, "", "  ")
	case "csv":
		data, err = recordsCSV(records)
	default:
		return 0, fmt.Errorf("unsupported export format %q", format)
	}
	if err != nil {
		return 0, fmt.Errorf("encode memory: %w", err)
	}
	if err := WriteAtomic(path, data); err != nil {
		return 0, err
	}
	return int64(len(data)), nil
}

// ImportReport counts what Import did with each entry of the file.
type ImportReport struct {
	Imported   int `json:"imported"`
	Duplicates int `json:"duplicates"`
	Invalid    int `json:"invalid"`
}

// Import reads a JSON array in the format Export writes and appends every
// valid record whose task ID is not already remembered. Malformed entries
// are counted and skipped. With persist set the records also go to the
// backend; a backend failure stops the import and is wrapped in ErrPersist.
func (m *Memory) Import(ctx context.Context, path string, persist bool) (ImportReport, error) {
	var rep ImportReport
	data, err := os.ReadFile(path)
	if err != nil {
		return rep, fmt.Errorf("read import file: %w", err)
	}
	var entries []json.RawMessage
	if err := json.Unmarshal(data, &entries); err != nil {
		return rep, fmt.Errorf("decode import file %s: %w", path, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	seen := make(map[string]bool, len(m.records))
	for _, r := range m.records {
		seen[r.TaskID] = true
	}
	for _, raw := range entries {
		if err := ctx.Err(); err != nil {
			return rep, err
		}
		var rec MemoryRecord
		if err := json.Unmarshal(raw, &rec); err != nil || rec.validate() != nil {
			rep.Invalid++
			continue
		}
		if seen[rec.TaskID] {
			rep.Duplicates++
			continue
		}
		seen[rec.TaskID] = true
		m.records = append(m.records, rec)
		rep.Imported++
		if persist && m.backend != nil {
			if err := m.backend.Append(ctx, rec); err != nil {
				return rep, fmt.Errorf("%w: %v", ErrPersist, err)
			}
		}
	}
	return rep, nil
}

func recordsCSV(records []MemoryRecord) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	_ = w.Write([]string{"task_id", "timestamp", "status", "kind", "instruction", "records", "steps_total", "steps_failed"})
	for _, r := range records {
		_ = w.Write([]string{
			r.TaskID,
			r.Timestamp.Format(time.RFC3339),
			string(r.ResultSummary.Status),
			string(r.Intent.Kind),
			r.Instruction,
			strconv.Itoa(len(r.ResultSummary.Records)),
			strconv.Itoa(r.ResultSummary.StepsTotal),
			strconv.Itoa(r.ResultSummary.StepsFailed),
		})
	}
	w.Flush()
	return buf.Bytes(), w.Error()
}

var wordRe = regexp.MustCompile(`[\pL\pN]+`)

func words(s string) map[string]bool {
	set := make(map[string]bool)
	for _, w := range wordRe.FindAllString(strings.ToLower(s), -1) {
		set[w] = true
	}
	return set
}

func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	inter := 0
	for w := range a {
		if b[w] {
			inter++
		}
	}
	return float64(inter) / float64(len(a)+len(b)-inter)
}

// Similar ranks past records by word overlap with instruction. Ties keep the
// more recent record first.
func (m *Memory) Similar(instruction string, limit int) []Scored {
	want := words(instruction)

	m.mu.RLock()
	var out []Scored
	for i := len(m.records) - 1; i >= 0; i-- {
		r := m.records[i]
		if score := jaccard(want, words(r.Instruction)); score > 0 {
			out = append(out, Scored{Record: r.Clone(), Score: score})
		}
	}
	m.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].Score > out[j].Score })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func (m *Memory) Stats() Stats {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s := Stats{ByKind: make(map[intent.Kind]int)}
	for _, r := range m.records {
		s.Total++
		switch r.ResultSummary.Status {
		case task.StatusSuccess:
			s.Success++
		case task.StatusPartial:
			s.Partial++
		case task.StatusFailed:
			s.Failed++
		}
		s.ByKind[r.Intent.Kind]++
		s.Records += len(r.ResultSummary.Records)
		if s.First.IsZero() || r.Timestamp.Before(s.First) {
			s.First = r.Timestamp
		}
		if r.Timestamp.After(s.Last) {
			s.Last = r.Timestamp
		}
	}
	if s.Total > 0 {
		s.SuccessRate = float64(s.Success) / float64(s.Total)
	}
	return s
}
