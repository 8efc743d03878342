// Package status implements the Status Tracker: the authoritative state
// machine for every task_id's lifecycle. It is the only component allowed
// to write a TaskStatus; the Worker Pool requests transitions through it
// rather than mutating state directly.
package status

import (
	"sync"
	"time"

	"github.com/meshcore/meshnode/pkg/errkind"
	"github.com/meshcore/meshnode/pkg/events"
	"github.com/meshcore/meshnode/pkg/types"
)

// Tracker holds one TaskStatus per task_id and serialises every transition
// through a single mutex, matching spec §5's "status transitions per
// task_id are linearisable" ordering guarantee. Reads are O(1) map lookups
// and never wait on the Worker Pool.
type Tracker struct {
	mu       sync.RWMutex
	statuses map[string]types.TaskStatus
	bus      *events.Bus
	now      func() time.Time
}

// New creates an empty Tracker publishing transitions on bus. now defaults
// to time.Now when nil; tests may override it for deterministic timestamps.
func New(bus *events.Bus, now func() time.Time) *Tracker {
	if now == nil {
		now = time.Now
	}
	return &Tracker{
		statuses: make(map[string]types.TaskStatus),
		bus:      bus,
		now:      now,
	}
}

// Queued records the initial QUEUED observation for a newly submitted task.
func (t *Tracker) Queued(taskID string) {
	t.set(types.TaskStatus{
		TaskID:    taskID,
		Kind:      types.TaskQueued,
		UpdatedAt: t.now(),
	})
}

// Running transitions taskID to RUNNING. Returns errkind.NotFound if the
// task is unknown and errkind.Internal if it is already terminal.
func (t *Tracker) Running(taskID string) error {
	return t.transition(taskID, types.TaskRunning, "", "", 0)
}

// Completed transitions taskID to the terminal COMPLETED state.
func (t *Tracker) Completed(taskID string) error {
	return t.transition(taskID, types.TaskCompleted, "", "", 100)
}

// Failed transitions taskID to the terminal FAILED state, recording the
// taxonomy kind and detail that caused it.
func (t *Tracker) Failed(taskID string, errorKind errkind.Kind, detail string) error {
	return t.transition(taskID, types.TaskFailed, string(errorKind), detail, 0)
}

// TimedOut transitions taskID to the terminal TIMEOUT state.
func (t *Tracker) TimedOut(taskID string) error {
	return t.transition(taskID, types.TaskTimeout, string(errkind.TaskTimeout), "task timeout exceeded", 0)
}

// Progress records an in-flight progress update without changing Kind.
// A no-op (returns nil) if the task has already reached a terminal state,
// since progress from a cancelled worker must never resurrect it.
func (t *Tracker) Progress(taskID string, percent int) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur, ok := t.statuses[taskID]
	if !ok {
		return errkind.New(errkind.NotFound)
	}
	if cur.Kind.Terminal() {
		return nil
	}
	cur.ProgressPercent = percent
	cur.UpdatedAt = t.now()
	t.statuses[taskID] = cur
	return nil
}

func (t *Tracker) transition(taskID string, next types.TaskStatusKind, errorKind, errorDetail string, progress int) error {
	t.mu.Lock()
	cur, ok := t.statuses[taskID]
	if !ok {
		t.mu.Unlock()
		return errkind.New(errkind.NotFound)
	}
	if cur.Kind.Terminal() {
		t.mu.Unlock()
		return errkind.Wrap(errkind.Internal, errAlreadyTerminal(taskID, cur.Kind))
	}

	updated := types.TaskStatus{
		TaskID:          taskID,
		Kind:            next,
		ProgressPercent: progress,
		ErrorKind:       errorKind,
		ErrorDetail:     errorDetail,
		UpdatedAt:       t.now(),
	}
	t.statuses[taskID] = updated
	t.mu.Unlock()

	if t.bus != nil {
		t.bus.TaskStatusChanged.Publish(events.TaskStatusChanged{
			TaskID: taskID,
			Kind:   next,
			At:     updated.UpdatedAt,
		})
	}
	return nil
}

func (t *Tracker) set(status types.TaskStatus) {
	t.mu.Lock()
	t.statuses[status.TaskID] = status
	t.mu.Unlock()

	if t.bus != nil {
		t.bus.TaskStatusChanged.Publish(events.TaskStatusChanged{
			TaskID: status.TaskID,
			Kind:   status.Kind,
			At:     status.UpdatedAt,
		})
	}
}

// Get returns the current status for taskID.
func (t *Tracker) Get(taskID string) (types.TaskStatus, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	s, ok := t.statuses[taskID]
	if !ok {
		return types.TaskStatus{}, errkind.New(errkind.NotFound)
	}
	return s, nil
}

func errAlreadyTerminal(taskID string, kind types.TaskStatusKind) error {
	return &terminalErr{taskID: taskID, kind: kind}
}

type terminalErr struct {
	taskID string
	kind   types.TaskStatusKind
}

func (e *terminalErr) Error() string {
	return "status: task " + e.taskID + " already terminal (" + string(e.kind) + ")"
}
