package store

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rahul/webpilot/internal/extractor"
	"github.com/rahul/webpilot/internal/intent"
	"github.com/rahul/webpilot/internal/task"
)

// MemoryRecord is what session memory keeps of one finished task.
type MemoryRecord struct {
	TaskID        string        `json:"task_id"`
	Instruction   string        `json:"instruction"`
	Intent        intent.Intent `json:"intent"`
	ResultSummary task.Summary  `json:"result_summary"`
	Timestamp     time.Time     `json:"timestamp"`
}

// FromResult builds the MemoryRecord for res, stamped with its finish time.
func FromResult(res task.TaskResult) MemoryRecord {
	ts := res.FinishedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	return MemoryRecord{
		TaskID:        res.TaskID,
		Instruction:   res.Instruction,
		Intent:        res.Intent.Clone(),
		ResultSummary: res.Summary(),
		Timestamp:     ts.UTC(),
	}
}

// Clone returns a deep copy; callers never share state with the store.
func (r MemoryRecord) Clone() MemoryRecord {
	out := r
	out.Intent = r.Intent.Clone()
	if r.ResultSummary.Records == nil {
		return out
	}
	out.ResultSummary.Records = make([]extractor.Record, len(r.ResultSummary.Records))
	for i, rec := range r.ResultSummary.Records {
		if rec.Price != nil {
			p := *rec.Price
			rec.Price = &p
		}
		if rec.Rating != nil {
			v := *rec.Rating
			rec.Rating = &v
		}
		out.ResultSummary.Records[i] = rec
	}
	return out
}

func (r MemoryRecord) validate() error {
	if strings.TrimSpace(r.TaskID) == "" {
		return errors.New("missing task_id")
	}
	if r.Timestamp.IsZero() {
		return fmt.Errorf("record %s: missing timestamp", r.TaskID)
	}
	if !r.Intent.Kind.Valid() {
		return fmt.Errorf("record %s: unknown intent kind %q", r.TaskID, r.Intent.Kind)
	}
	switch r.ResultSummary.Status {
	case task.StatusSuccess, task.StatusPartial, task.StatusFailed:
		return nil
	}
	return fmt.Errorf("record %s: unknown status %q", r.TaskID, r.ResultSummary.Status)
}

// QueryFilter narrows Query results. Zero values match everything.
type QueryFilter struct {
	Status task.Status
	Kind   intent.Kind
	// Contains matches the instruction case-insensitively.
	Contains string
	Since    time.Time
	Limit    int
}

// Scored pairs a record with its similarity to a given instruction.
type Scored struct {
	Record MemoryRecord `json:"record"`
	Score  float64      `json:"score"`
}

// Stats summarises the stored records.
type Stats struct {
	Total       int                 `json:"total"`
	Success     int                 `json:"success"`
	Partial     int                 `json:"partial"`
	Failed      int                 `json:"failed"`
	SuccessRate float64             `json:"success_rate"`
	ByKind      map[intent.Kind]int `json:"by_kind"`
	Records     int                 `json:"records"`
	First       time.Time           `json:"first,omitempty"`
	Last        time.Time           `json:"last,omitempty"`
}
