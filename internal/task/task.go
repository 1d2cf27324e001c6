// Package task holds the result model produced by one run of the pipeline.
package task

import (
	"time"

	"github.com/rahul/webpilot/internal/extractor"
	"github.com/rahul/webpilot/internal/intent"
	"github.com/rahul/webpilot/internal/planner"
)

type StepStatus string

const (
	StepPending   StepStatus = "PENDING"
	StepRunning   StepStatus = "RUNNING"
	StepOK        StepStatus = "OK"
	StepRetriedOK StepStatus = "RETRIED_OK"
	StepFailed    StepStatus = "FAILED"
	StepSkipped   StepStatus = "SKIPPED"
)

// Settled reports whether s is a terminal step state.
func (s StepStatus) Settled() bool {
	switch s {
	case StepOK, StepRetriedOK, StepFailed, StepSkipped:
		return true
	}
	return false
}

type Status string

const (
	StatusSuccess Status = "SUCCESS"
	StatusPartial Status = "PARTIAL"
	StatusFailed  Status = "FAILED"
)

// ErrorKind classifies a step failure.
type ErrorKind string

const (
	ErrStepTimeout     ErrorKind = "StepTimeout"
	ErrStepDriverError ErrorKind = "StepDriverError"
	ErrStepNotFound    ErrorKind = "StepNotFound"
	ErrPolicyDenied    ErrorKind = "PolicyDenied"
	ErrCancelled       ErrorKind = "Cancelled"
	ErrLaunchError     ErrorKind = "LaunchError"
)

type ErrorInfo struct {
	Kind    ErrorKind `json:"kind"`
	Message string    `json:"message"`
}

// StepResult is the settled outcome of one Step.
type StepResult struct {
	StepIndex  int            `json:"step_index"`
	Action     planner.Action `json:"action"`
	Status     StepStatus     `json:"status"`
	Attempts   int            `json:"attempts"`
	RawOutput  []byte         `json:"-"`
	Artifact   string         `json:"artifact,omitempty"`
	Error      *ErrorInfo     `json:"error,omitempty"`
	DurationMs int64          `json:"duration_ms"`
}

// DiagnosticCode names a non-fatal condition recorded on a TaskResult.
type DiagnosticCode string

const (
	DiagParseFallbackUsed  DiagnosticCode = "ParseFallbackUsed"
	DiagPlanningError      DiagnosticCode = "PlanningError"
	DiagExtractionEmpty    DiagnosticCode = "ExtractionEmpty"
	DiagMemoryPersistError DiagnosticCode = "MemoryPersistError"
	DiagExportError        DiagnosticCode = "ExportError"
	DiagContentTruncated   DiagnosticCode = "ContentTruncated"
)

type Diagnostic struct {
	Code    DiagnosticCode `json:"code"`
	Message string         `json:"message,omitempty"`
}

// StepSummary is the plan as reported back to callers.
type StepSummary struct {
	Index     int            `json:"index"`
	Action    planner.Action `json:"action"`
	Detail    string         `json:"detail,omitempty"`
	TimeoutMs int64          `json:"timeout_ms"`
	Retries   int            `json:"max_retries"`
	Optional  bool           `json:"optional,omitempty"`
}

// Summarize converts a Plan into its reported form.
func Summarize(p planner.Plan) []StepSummary {
	out := make([]StepSummary, len(p.Steps))
	for i, s := range p.Steps {
		out[i] = StepSummary{
			Index:     s.Index,
			Action:    s.Action,
			Detail:    s.String(),
			TimeoutMs: s.TimeoutMs(),
			Retries:   s.MaxRetries,
			Optional:  s.Optional,
		}
	}
	return out
}

// TaskResult is the complete outcome of one instruction.
type TaskResult struct {
	TaskID      string             `json:"task_id"`
	Instruction string             `json:"instruction"`
	Intent      intent.Intent      `json:"intent"`
	PlanSummary []StepSummary      `json:"plan_summary"`
	StepResults []StepResult       `json:"step_results"`
	Records     []extractor.Record `json:"records"`
	Status      Status             `json:"status"`
	Diagnostics []Diagnostic       `json:"diagnostics,omitempty"`
	StartedAt   time.Time          `json:"started_at"`
	FinishedAt  time.Time          `json:"finished_at"`
}

func (r *TaskResult) AddDiagnostic(code DiagnosticCode, msg string) {
	r.Diagnostics = append(r.Diagnostics, Diagnostic{Code: code, Message: msg})
}

// HasDiagnostic reports whether code was recorded.
func (r TaskResult) HasDiagnostic(code DiagnosticCode) bool {
	for _, d := range r.Diagnostics {
		if d.Code == code {
			return true
		}
	}
	return false
}

// FailedSteps counts steps that settled FAILED.
func (r TaskResult) FailedSteps() int {
	n := 0
	for _, s := range r.StepResults {
		if s.Status == StepFailed {
			n++
		}
	}
	return n
}

func (r TaskResult) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// Summary is the compact form of a TaskResult kept in session memory.
type Summary struct {
	Status      Status             `json:"status"`
	Records     []extractor.Record `json:"records"`
	StepsTotal  int                `json:"steps_total"`
	StepsFailed int                `json:"steps_failed"`
	StartedAt   time.Time          `json:"started_at"`
	FinishedAt  time.Time          `json:"finished_at"`
}

func (r TaskResult) Summary() Summary {
	return Summary{
		Status:      r.Status,
		Records:     append([]extractor.Record(nil), r.Records...),
		StepsTotal:  len(r.StepResults),
		StepsFailed: r.FailedSteps(),
		StartedAt:   r.StartedAt,
		FinishedAt:  r.FinishedAt,
	}
}
