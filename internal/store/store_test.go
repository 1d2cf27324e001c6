package store

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rahul/webpilot/internal/extractor"
	"github.com/rahul/webpilot/internal/intent"
	"github.com/rahul/webpilot/internal/task"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

func price(v float64) *float64 { return &v }

func record(id, instruction string, kind intent.Kind, status task.Status, minutes int) MemoryRecord {
	return MemoryRecord{
		TaskID:      id,
		Instruction: instruction,
		Intent:      intent.Intent{Kind: kind, Subject: instruction, Source: intent.SourceRules},
		ResultSummary: task.Summary{
			Status:     status,
			StepsTotal: 2,
			Records:    []extractor.Record{{Title: "Item " + id, Price: price(100)}},
			StartedAt:  base.Add(time.Duration(minutes) * time.Minute),
			FinishedAt: base.Add(time.Duration(minutes)*time.Minute + time.Second),
		},
		Timestamp: base.Add(time.Duration(minutes) * time.Minute),
	}
}

func seeded(t *testing.T) *Memory {
	t.Helper()
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.Append(ctx, record("t1", "search laptops under 50000", intent.KindSearch, task.StatusSuccess, 0), false))
	require.NoError(t, m.Append(ctx, record("t2", "open https://example.com", intent.KindNavigate, task.StatusFailed, 1), false))
	require.NoError(t, m.Append(ctx, record("t3", "search cheap laptops", intent.KindSearch, task.StatusPartial, 2), false))
	return m
}

func ids(recs []MemoryRecord) []string {
	out := make([]string, len(recs))
	for i, r := range recs {
		out[i] = r.TaskID
	}
	return out
}

type failingBackend struct {
	appends int
}

func (b *failingBackend) Load(context.Context) ([]MemoryRecord, error) { return nil, nil }
func (b *failingBackend) Append(context.Context, MemoryRecord) error {
	b.appends++
	return errors.New("disk full")
}
func (b *failingBackend) Clear(context.Context) error { return nil }
func (b *failingBackend) Close() error                { return nil }

func TestMemory_QueryMostRecentFirst(t *testing.T) {
	m := seeded(t)

	assert.Equal(t, []string{"t3", "t2", "t1"}, ids(m.Query(QueryFilter{})))
	assert.Equal(t, []string{"t3", "t1"}, ids(m.Query(QueryFilter{Kind: intent.KindSearch})))
	assert.Equal(t, []string{"t2"}, ids(m.Query(QueryFilter{Status: task.StatusFailed})))
	assert.Equal(t, []string{"t3"}, ids(m.Query(QueryFilter{Contains: "CHEAP"})))
	assert.Equal(t, []string{"t3", "t2"}, ids(m.Query(QueryFilter{Since: base.Add(time.Minute)})))
	assert.Equal(t, []string{"t3"}, ids(m.Query(QueryFilter{Limit: 1})))
	assert.Empty(t, m.Query(QueryFilter{Contains: "nothing like this"}))
}

func TestMemory_QueryReturnsCopies(t *testing.T) {
	m := seeded(t)

	got := m.Query(QueryFilter{Limit: 1})
	require.Len(t, got, 1)
	*got[0].ResultSummary.Records[0].Price = 1
	got[0].Intent.Subject = "mutated"

	again := m.Query(QueryFilter{Limit: 1})
	assert.Equal(t, 100.0, *again[0].ResultSummary.Records[0].Price)
	assert.Equal(t, "search cheap laptops", again[0].Intent.Subject)
}

func TestMemory_AppendStampsTimestamp(t *testing.T) {
	m := NewMemory()
	rec := record("t1", "x", intent.KindSearch, task.StatusSuccess, 0)
	rec.Timestamp = time.Time{}
	require.NoError(t, m.Append(context.Background(), rec, false))
	assert.False(t, m.Query(QueryFilter{})[0].Timestamp.IsZero())
}

func TestMemory_PersistErrorKeepsRecord(t *testing.T) {
	backend := &failingBackend{}
	m, err := Open(context.Background(), backend)
	require.NoError(t, err)
	assert.True(t, m.Persistent())

	err = m.Append(context.Background(), record("t1", "x", intent.KindSearch, task.StatusSuccess, 0), true)
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPersist)
	assert.Equal(t, 1, m.Len())
	assert.Equal(t, 1, backend.appends)

	// persist=false never touches the backend
	require.NoError(t, m.Append(context.Background(), record("t2", "y", intent.KindSearch, task.StatusSuccess, 1), false))
	assert.Equal(t, 1, backend.appends)
	assert.Equal(t, 2, m.Len())
}

func TestMemory_NilBackend(t *testing.T) {
	m, err := Open(context.Background(), nil)
	require.NoError(t, err)
	assert.False(t, m.Persistent())
	require.NoError(t, m.Append(context.Background(), record("t1", "x", intent.KindSearch, task.StatusSuccess, 0), true))
	assert.Equal(t, 1, m.Len())
}

func TestMemory_CloseDetachesBackend(t *testing.T) {
	ctx := context.Background()
	backend := &failingBackend{}
	m, err := Open(ctx, backend)
	require.NoError(t, err)
	require.NoError(t, m.Append(ctx, record("t1", "x", intent.KindSearch, task.StatusSuccess, 0), false))

	require.NoError(t, m.Close())
	assert.False(t, m.Persistent())
	require.NoError(t, m.Append(ctx, record("t2", "y", intent.KindSearch, task.StatusSuccess, 1), true))
	assert.Zero(t, backend.appends)
	assert.Equal(t, 2, m.Len())
	require.NoError(t, m.Close())
}

func TestJSONFile_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "memory.json")
	ctx := context.Background()

	backend, err := NewJSONFile(path)
	require.NoError(t, err)
	m, err := Open(ctx, backend)
	require.NoError(t, err)
	assert.Equal(t, 0, m.Len())

	first := record("t1", "search laptops", intent.KindSearch, task.StatusSuccess, 0)
	require.NoError(t, m.Append(ctx, first, true))
	require.NoError(t, m.Append(ctx, record("t2", "only in process", intent.KindSearch, task.StatusSuccess, 1), false))
	require.NoError(t, m.Append(ctx, record("t3", "open page", intent.KindNavigate, task.StatusFailed, 2), true))

	reopenedBackend, err := NewJSONFile(path)
	require.NoError(t, err)
	reopened, err := Open(ctx, reopenedBackend)
	require.NoError(t, err)

	got := reopened.Query(QueryFilter{})
	assert.Equal(t, []string{"t3", "t1"}, ids(got))
	assert.Equal(t, first.Intent, got[1].Intent)
	assert.Equal(t, first.ResultSummary.Records, got[1].ResultSummary.Records)
	assert.True(t, first.Timestamp.Equal(got[1].Timestamp))

	leftovers, err := filepath.Glob(filepath.Join(filepath.Dir(path), "*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestWriteAtomic_ConcurrentWriters(t *testing.T) {
	path := filepath.Join(t.TempDir(), "export.json")
	payloads := make([]string, 16)
	for i := range payloads {
		payloads[i] = fmt.Sprintf(`{"writer":%d,"pad":%q}`, i, strings.Repeat("x", 4096))
	}

	var wg sync.WaitGroup
	errs := make([]error, len(payloads))
	for i, p := range payloads {
		wg.Add(1)
		go func(i int, p string) {
			defer wg.Done()
			errs[i] = WriteAtomic(path, []byte(p))
		}(i, p)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, payloads, string(data))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o644), info.Mode().Perm())

	leftovers, err := filepath.Glob(filepath.Join(filepath.Dir(path), "*.tmp"))
	require.NoError(t, err)
	assert.Empty(t, leftovers)
}

func TestJSONFile_ClearAndErrors(t *testing.T) {
	_, err := NewJSONFile("  ")
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "memory.json")
	ctx := context.Background()
	backend, err := NewJSONFile(path)
	require.NoError(t, err)
	m, err := Open(ctx, backend)
	require.NoError(t, err)
	require.NoError(t, m.Append(ctx, record("t1", "x", intent.KindSearch, task.StatusSuccess, 0), true))

	require.NoError(t, m.Clear(ctx))
	assert.Equal(t, 0, m.Len())
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.JSONEq(t, `[]`, string(data))

	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0o644))
	broken, err := NewJSONFile(path)
	require.NoError(t, err)
	_, err = Open(ctx, broken)
	require.Error(t, err)
}

func TestHistoryStore_RoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory.db")
	ctx := context.Background()

	db, err := NewHistoryStore(path)
	require.NoError(t, err)
	m, err := Open(ctx, db)
	require.NoError(t, err)

	rec := record("t1", "search laptops", intent.KindSearch, task.StatusSuccess, 0)
	rec.Intent.Filters = []intent.Filter{{Field: intent.PriceMax, Number: 50000}}
	rec.Intent.TargetCount = intent.IntPtr(5)
	require.NoError(t, m.Append(ctx, rec, true))
	require.NoError(t, m.Append(ctx, record("t2", "open page", intent.KindNavigate, task.StatusFailed, 1), true))
	require.NoError(t, db.Close())

	db, err = NewHistoryStore(path)
	require.NoError(t, err)
	defer db.Close()
	reopened, err := Open(ctx, db)
	require.NoError(t, err)

	got := reopened.Query(QueryFilter{})
	require.Equal(t, []string{"t2", "t1"}, ids(got))
	assert.Equal(t, rec.Intent, got[1].Intent)
	assert.Equal(t, rec.ResultSummary.Status, got[1].ResultSummary.Status)
	assert.Equal(t, rec.ResultSummary.Records, got[1].ResultSummary.Records)
	assert.True(t, rec.Timestamp.Equal(got[1].Timestamp))

	require.NoError(t, reopened.Clear(ctx))
	left, err := db.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, left)
}

func TestMemory_ExportJSON(t *testing.T) {
	m := seeded(t)
	path := filepath.Join(t.TempDir(), "out", "memory.json")

	n, err := m.Export(path, "json")
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), n)

	var recs []MemoryRecord
	require.NoError(t, json.Unmarshal(data, &recs))
	assert.Equal(t, []string{"t1", "t2", "t3"}, ids(recs))
}

func TestMemory_ImportRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory.json")
	_, err := seeded(t).Export(path, "json")
	require.NoError(t, err)

	backend, err := NewJSONFile(filepath.Join(t.TempDir(), "durable.json"))
	require.NoError(t, err)
	m, err := Open(context.Background(), backend)
	require.NoError(t, err)
	require.NoError(t, m.Append(context.Background(), record("t2", "already here", intent.KindSearch, task.StatusSuccess, 5), false))

	rep, err := m.Import(context.Background(), path, true)
	require.NoError(t, err)
	assert.Equal(t, ImportReport{Imported: 2, Duplicates: 1}, rep)
	assert.Equal(t, []string{"t3", "t1", "t2"}, ids(m.Query(QueryFilter{})))

	loaded, err := backend.Load(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"t1", "t3"}, ids(loaded))
}

func TestMemory_ImportSkipsInvalidEntries(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory.json")
	good, err := json.Marshal(record("ok", "search laptops", intent.KindSearch, task.StatusSuccess, 0))
	require.NoError(t, err)
	body := `[` + string(good) + `,
		{"task_id": "", "timestamp": "2026-03-01T10:00:00Z"},
		{"task_id": "no-time", "intent": {"kind": "SEARCH"}, "result_summary": {"status": "SUCCESS"}},
		{"task_id": "bad-status", "timestamp": "2026-03-01T10:00:00Z", "intent": {"kind": "SEARCH"}, "result_summary": {"status": "MAYBE"}},
		"not an object"]`
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	m := NewMemory()
	rep, err := m.Import(context.Background(), path, false)
	require.NoError(t, err)
	assert.Equal(t, ImportReport{Imported: 1, Invalid: 4}, rep)
	assert.Equal(t, []string{"ok"}, ids(m.Query(QueryFilter{})))

	_, err = m.Import(context.Background(), filepath.Join(t.TempDir(), "missing.json"), false)
	require.Error(t, err)

	require.NoError(t, os.WriteFile(path, []byte(`{"memories": []}`), 0o644))
	_, err = m.Import(context.Background(), path, false)
	require.Error(t, err)
}

func TestMemory_ImportPersistError(t *testing.T) {
	path := filepath.Join(t.TempDir(), "memory.json")
	_, err := seeded(t).Export(path, "json")
	require.NoError(t, err)

	backend := &failingBackend{}
	m, err := Open(context.Background(), backend)
	require.NoError(t, err)
	rep, err := m.Import(context.Background(), path, true)
	require.ErrorIs(t, err, ErrPersist)
	assert.Equal(t, 1, rep.Imported)
	assert.Equal(t, 1, m.Len())
}

func TestMemory_ExportCSV(t *testing.T) {
	m := seeded(t)
	path := filepath.Join(t.TempDir(), "memory.csv")

	n, err := m.Export(path, "CSV")
	require.NoError(t, err)
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, int64(len(data)), n)

	rows, err := csv.NewReader(strings.NewReader(string(data))).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 4)
	assert.Equal(t, []string{"task_id", "timestamp", "status", "kind", "instruction", "records", "steps_total", "steps_failed"}, rows[0])
	assert.Equal(t, []string{"t1", "2026-03-01T10:00:00Z", "SUCCESS", "SEARCH", "search laptops under 50000", "1", "2", "0"}, rows[1])

	_, err = m.Export(path, "xml")
	require.Error(t, err)
}

func TestMemory_Similar(t *testing.T) {
	m := seeded(t)

	got := m.Similar("laptops under 50000", 0)
	require.Len(t, got, 2)
	assert.Equal(t, "t1", got[0].Record.TaskID)
	assert.Equal(t, "t3", got[1].Record.TaskID)
	assert.Greater(t, got[0].Score, got[1].Score)

	assert.Len(t, m.Similar("laptops", 1), 1)
	assert.Empty(t, m.Similar("weather in paris", 0))
	assert.Empty(t, m.Similar("", 0))
}

func TestMemory_Stats(t *testing.T) {
	m := seeded(t)
	s := m.Stats()

	assert.Equal(t, 3, s.Total)
	assert.Equal(t, 1, s.Success)
	assert.Equal(t, 1, s.Partial)
	assert.Equal(t, 1, s.Failed)
	assert.InDelta(t, 1.0/3.0, s.SuccessRate, 1e-9)
	assert.Equal(t, map[intent.Kind]int{intent.KindSearch: 2, intent.KindNavigate: 1}, s.ByKind)
	assert.Equal(t, 3, s.Records)
	assert.True(t, s.First.Equal(base))
	assert.True(t, s.Last.Equal(base.Add(2*time.Minute)))

	empty := NewMemory().Stats()
	assert.Zero(t, empty.Total)
	assert.Zero(t, empty.SuccessRate)
}

func TestFromResult(t *testing.T) {
	res := task.TaskResult{
		TaskID:      "abc",
		Instruction: "search x",
		Intent:      intent.Intent{Kind: intent.KindSearch, Subject: "x"},
		StepResults: []task.StepResult{{Status: task.StepOK}, {Status: task.StepFailed}},
		Records:     []extractor.Record{{Title: "x"}},
		Status:      task.StatusPartial,
		FinishedAt:  base,
	}
	rec := FromResult(res)
	assert.Equal(t, "abc", rec.TaskID)
	assert.Equal(t, task.StatusPartial, rec.ResultSummary.Status)
	assert.Equal(t, 2, rec.ResultSummary.StepsTotal)
	assert.Equal(t, 1, rec.ResultSummary.StepsFailed)
	assert.True(t, rec.Timestamp.Equal(base))
}

func TestArtifacts_SaveScreenshot(t *testing.T) {
	root := t.TempDir()
	a, err := NewArtifacts(root)
	require.NoError(t, err)

	path, err := a.SaveScreenshot(context.Background(), "../task/1", 2, []byte("png"))
	require.NoError(t, err)
	assert.True(t, filepath.IsAbs(path))
	assert.Equal(t, "__task_1-step2.png", filepath.Base(path))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "png", string(data))

	_, err = a.SaveScreenshot(context.Background(), "t", 0, nil)
	require.Error(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = a.SaveScreenshot(ctx, "t", 0, []byte("png"))
	assert.ErrorIs(t, err, context.Canceled)

	_, err = NewArtifacts("")
	require.Error(t, err)
}
