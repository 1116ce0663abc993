// Package command implements the agent's command execution engine:
// synchronous and asynchronous execution of dispatched operations, the
// single-slot concurrency gate, and pollable command records.
package command

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/openrack/metalagent/pkg/hardware"
)

// Status is a command's lifecycle state. RUNNING is the only
// non-terminal state; SUCCEEDED and FAILED are absorbing.
type Status string

const (
	StatusRunning   Status = "RUNNING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
)

// Terminal reports whether the status is absorbing.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed
}

// View is an immutable snapshot of a command record, safe to serialize
// and return to pollers while the command keeps running.
type View struct {
	ID           string             `json:"id"`
	Name         string             `json:"name"`
	Params       hardware.Params    `json:"params,omitempty"`
	Status       Status             `json:"status"`
	Result       any                `json:"result,omitempty"`
	ErrorCode    string             `json:"error_code,omitempty"`
	ErrorMessage string             `json:"error_message,omitempty"`
	Progress     *hardware.Progress `json:"progress,omitempty"`
	StartedAt    time.Time          `json:"started_at"`
	CompletedAt  *time.Time         `json:"completed_at,omitempty"`
}

// Record tracks one accepted command from start to terminal state. The
// executing worker is the only writer; pollers read consistent snapshots
// through View.
type Record struct {
	mu sync.Mutex

	id        string
	name      string
	params    hardware.Params
	status    Status
	result    any
	errCode   string
	errMsg    string
	progress  *hardware.Progress
	startedAt time.Time
	completed *time.Time

	done chan struct{}
}

func newRecord(name string, params hardware.Params) *Record {
	return &Record{
		id:        uuid.NewString(),
		name:      name,
		params:    params,
		status:    StatusRunning,
		startedAt: time.Now().UTC(),
		done:      make(chan struct{}),
	}
}

// ID returns the record's unique identifier.
func (r *Record) ID() string { return r.id }

// Name returns the command name.
func (r *Record) Name() string { return r.name }

// Done returns a channel closed when the command reaches a terminal
// state. Callers waiting for completion select on it; pollers use View.
func (r *Record) Done() <-chan struct{} { return r.done }

// View returns a consistent snapshot of the record.
func (r *Record) View() View {
	r.mu.Lock()
	defer r.mu.Unlock()

	v := View{
		ID:           r.id,
		Name:         r.name,
		Params:       r.params,
		Status:       r.status,
		Result:       r.result,
		ErrorCode:    r.errCode,
		ErrorMessage: r.errMsg,
		StartedAt:    r.startedAt,
	}
	if r.progress != nil {
		p := *r.progress
		v.Progress = &p
	}
	if r.completed != nil {
		c := *r.completed
		v.CompletedAt = &c
	}
	return v
}

// terminal reports whether the record has reached an absorbing state.
func (r *Record) terminal() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status.Terminal()
}

// setProgress records the latest provider progress report. Reports
// arriving after completion are dropped.
func (r *Record) setProgress(p hardware.Progress) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status.Terminal() {
		return
	}
	r.progress = &p
}

// succeed transitions the record to SUCCEEDED. A second transition is a
// no-op: terminal states absorb.
func (r *Record) succeed(result any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status.Terminal() {
		return
	}
	now := time.Now().UTC()
	r.status = StatusSucceeded
	r.result = result
	r.completed = &now
	close(r.done)
}

// fail transitions the record to FAILED, capturing the classified error.
func (r *Record) fail(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status.Terminal() {
		return
	}
	now := time.Now().UTC()
	r.status = StatusFailed
	r.errMsg = err.Error()
	if code := hardware.CodeOf(err); code != "" {
		r.errCode = code
	} else {
		r.errCode = hardware.CodeProviderFailed
	}
	r.completed = &now
	close(r.done)
}
