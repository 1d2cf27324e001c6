package observability

import (
	"sort"
	"sync"
	"time"
)

type Phase string

const (
	PhaseIdle     Phase = "IDLE"
	PhaseParsing  Phase = "PARSING"
	PhasePlanning Phase = "PLANNING"
	PhaseRunning  Phase = "RUNNING"
)

// ActiveTask is the live view of one running task.
type ActiveTask struct {
	TaskID      string
	Instruction string
	Phase       Phase
	Step        int
	Steps       int
	StartedAt   time.Time
}

// Snapshot is a copy of the tracker state.
type Snapshot struct {
	Phase         Phase
	Active        []ActiveTask
	Completed     int
	Failed        int
	LastHeartbeat time.Time
}

// Tracker records which tasks are in flight. It is safe for concurrent use.
type Tracker struct {
	mu            sync.RWMutex
	active        map[string]*ActiveTask
	completed     int
	failed        int
	lastHeartbeat time.Time
}

func NewTracker() *Tracker {
	return &Tracker{
		active:        make(map[string]*ActiveTask),
		lastHeartbeat: time.Now(),
	}
}

// Start registers a task in the parsing phase.
func (t *Tracker) Start(taskID, instruction string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active[taskID] = &ActiveTask{
		TaskID:      taskID,
		Instruction: instruction,
		Phase:       PhaseParsing,
		StartedAt:   time.Now(),
	}
}

// SetPhase moves a task to phase and records the plan length.
func (t *Tracker) SetPhase(taskID string, phase Phase, steps int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if a, ok := t.active[taskID]; ok {
		a.Phase = phase
		if steps > 0 {
			a.Steps = steps
		}
	}
}

// SetStep records the index of the step being executed.
func (t *Tracker) SetStep(taskID string, step int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if a, ok := t.active[taskID]; ok {
		a.Phase = PhaseRunning
		a.Step = step
	}
}

// Finish removes a task and counts it as completed or failed.
func (t *Tracker) Finish(taskID string, failed bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.active[taskID]; !ok {
		return
	}
	delete(t.active, taskID)
	if failed {
		t.failed++
	} else {
		t.completed++
	}
}

// Heartbeat updates the last heartbeat time.
func (t *Tracker) Heartbeat() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.lastHeartbeat = time.Now()
}

// Snapshot retrieves a copy of the tracker state, oldest task first.
func (t *Tracker) Snapshot() Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s := Snapshot{
		Phase:         PhaseIdle,
		Completed:     t.completed,
		Failed:        t.failed,
		LastHeartbeat: t.lastHeartbeat,
	}
	for _, a := range t.active {
		s.Active = append(s.Active, *a)
	}
	sort.Slice(s.Active, func(i, j int) bool {
		if s.Active[i].StartedAt.Equal(s.Active[j].StartedAt) {
			return s.Active[i].TaskID < s.Active[j].TaskID
		}
		return s.Active[i].StartedAt.Before(s.Active[j].StartedAt)
	})
	if len(s.Active) > 0 {
		s.Phase = s.Active[0].Phase
	}
	return s
}
