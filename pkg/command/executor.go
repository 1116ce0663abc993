package command

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/openrack/metalagent/pkg/hardware"
	"github.com/openrack/metalagent/pkg/telemetry"
)

// Event is one command lifecycle transition appended to the journal.
type Event struct {
	CommandID string
	Name      string
	Status    Status
	ErrorCode string
	Detail    string
	Time      time.Time
}

// Journal persists command lifecycle events for post-mortem inspection
// of the ramdisk. Append must be safe for concurrent use.
type Journal interface {
	Append(ctx context.Context, e Event) error
}

// Gate decides whether a destructive operation may run on this machine.
// A denial is returned as a POLICY_DENIED error.
type Gate interface {
	CheckOperation(ctx context.Context, name string, params hardware.Params) error
}

// Executor runs dispatched operations as tracked commands. Asynchronous
// commands occupy a single global slot: the agent mutates hardware one
// command at a time, and a submission arriving while the slot is held is
// rejected, never queued.
type Executor struct {
	dispatcher *hardware.Dispatcher
	logger     zerolog.Logger
	metrics    *telemetry.Metrics
	tracer     *telemetry.Tracer
	journal    Journal
	gate       Gate

	// onComplete is invoked after every async command reaches a terminal
	// state, outside the executor lock. The agent uses it to force an
	// immediate heartbeat.
	onComplete func(View)

	mu       chan struct{} // semaphore-style lock protecting the fields below
	records  map[string]*Record
	order    []string
	inFlight *Record
}

// Option configures an Executor.
type Option func(*Executor)

// WithJournal persists lifecycle events to j.
func WithJournal(j Journal) Option {
	return func(e *Executor) { e.journal = j }
}

// WithGate applies a policy gate to destructive operations.
func WithGate(g Gate) Option {
	return func(e *Executor) { e.gate = g }
}

// WithTelemetry wires metrics and tracing. Either may be nil.
func WithTelemetry(m *telemetry.Metrics, t *telemetry.Tracer) Option {
	return func(e *Executor) {
		e.metrics = m
		e.tracer = t
	}
}

// WithCompletionCallback registers fn to run after each async command
// completes.
func WithCompletionCallback(fn func(View)) Option {
	return func(e *Executor) { e.onComplete = fn }
}

// NewExecutor creates an executor over the dispatcher.
func NewExecutor(dispatcher *hardware.Dispatcher, logger zerolog.Logger, opts ...Option) *Executor {
	e := &Executor{
		dispatcher: dispatcher,
		logger:     logger.With().Str("component", "executor").Logger(),
		mu:         make(chan struct{}, 1),
		records:    make(map[string]*Record),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

func (e *Executor) lock()   { e.mu <- struct{}{} }
func (e *Executor) unlock() { <-e.mu }

// Submit routes a command by its declared execution mode: operations
// marked async run through the single-slot async path, everything else
// runs inline. The returned record is already terminal for sync
// commands.
func (e *Executor) Submit(ctx context.Context, name string, params hardware.Params) (*Record, error) {
	op, declared := e.dispatcher.Registry().OperationInfo(name)
	if !declared {
		e.recordRejected(name, hardware.CodeOperationNotFound)
		return nil, hardware.NewError(hardware.CodeOperationNotFound,
			"no active provider implements operation", nil).WithOperation(name)
	}

	if op.Destructive && e.gate != nil {
		if err := e.gate.CheckOperation(ctx, name, params); err != nil {
			e.recordRejected(name, hardware.CodeOf(err))
			e.logger.Warn().
				Str("command", name).
				Err(err).
				Msg("Destructive command denied by policy")
			return nil, err
		}
	}

	if op.Async {
		return e.runAsync(ctx, name, params)
	}
	return e.runSync(ctx, name, params)
}

// runSync executes the command inline and returns its terminal record.
// Synchronous commands do not occupy the async slot and may run while an
// async command is in flight.
func (e *Executor) runSync(ctx context.Context, name string, params hardware.Params) (*Record, error) {
	rec := newRecord(name, params)
	e.adopt(rec)

	if e.metrics != nil {
		e.metrics.RecordCommandAccepted(name, "sync")
	}
	e.journalEvent(ctx, rec, "")

	var span spanCloser = noopSpan
	if e.tracer != nil {
		var sctx context.Context
		sctx, span = e.startSpan(ctx, rec, "sync")
		ctx = sctx
	}

	result, err := e.dispatcher.Dispatch(ctx, name, params)
	if err != nil {
		rec.fail(err)
		e.finish(ctx, rec, span, err)
		return rec, err
	}
	rec.succeed(result)
	e.finish(ctx, rec, span, nil)
	return rec, nil
}

// runAsync claims the single async slot and starts the worker. The
// record is returned immediately in RUNNING state; callers poll it or
// wait on Done.
func (e *Executor) runAsync(ctx context.Context, name string, params hardware.Params) (*Record, error) {
	e.lock()
	if e.inFlight != nil && !e.inFlight.terminal() {
		busy := e.inFlight.Name()
		e.unlock()
		e.recordRejected(name, hardware.CodeAgentBusy)
		return nil, hardware.NewError(hardware.CodeAgentBusy,
			fmt.Sprintf("agent is busy executing command %q", busy), nil).
			WithOperation(name)
	}

	rec := newRecord(name, params)
	e.inFlight = rec
	e.adoptLocked(rec)
	e.unlock()

	if e.metrics != nil {
		e.metrics.RecordCommandAccepted(name, "async")
	}
	e.journalEvent(ctx, rec, "")

	e.logger.Info().
		Str("command_id", rec.ID()).
		Str("command", name).
		Msg("Async command accepted")

	// The worker must outlive the submitting request: a controller
	// disconnect does not abandon a hardware mutation in flight.
	workerCtx := context.WithoutCancel(ctx)
	workerCtx = hardware.WithProgress(workerCtx, rec.setProgress)

	go e.work(workerCtx, rec)
	return rec, nil
}

func (e *Executor) work(ctx context.Context, rec *Record) {
	var span spanCloser = noopSpan
	if e.tracer != nil {
		ctx, span = e.startSpan(ctx, rec, "async")
	}

	result, err := e.dispatcher.Dispatch(ctx, rec.Name(), rec.params)
	if err != nil {
		rec.fail(err)
	} else {
		rec.succeed(result)
	}

	e.lock()
	if e.inFlight == rec {
		e.inFlight = nil
	}
	e.unlock()

	e.finish(ctx, rec, span, err)

	view := rec.View()
	e.logger.Info().
		Str("command_id", rec.ID()).
		Str("command", rec.Name()).
		Str("status", string(view.Status)).
		Msg("Async command finished")

	if e.onComplete != nil {
		e.onComplete(view)
	}
}

// finish records terminal-state telemetry and journals the transition.
func (e *Executor) finish(ctx context.Context, rec *Record, span spanCloser, err error) {
	view := rec.View()
	if e.metrics != nil {
		duration := time.Since(view.StartedAt)
		if view.CompletedAt != nil {
			duration = view.CompletedAt.Sub(view.StartedAt)
		}
		e.metrics.RecordCommandCompleted(view.Name, string(view.Status), duration)
	}
	e.journalEvent(ctx, rec, view.ErrorMessage)
	span(err)
}

// Poll returns the snapshot of a tracked command. The ref is either a
// record ID or an operation name; a name resolves to its most recent
// record.
func (e *Executor) Poll(ref string) (View, error) {
	e.lock()
	rec, ok := e.records[ref]
	if !ok {
		for i := len(e.order) - 1; i >= 0; i-- {
			if cand := e.records[e.order[i]]; cand.Name() == ref {
				rec, ok = cand, true
				break
			}
		}
	}
	e.unlock()
	if !ok {
		return View{}, hardware.NewError(hardware.CodeNotFound,
			fmt.Sprintf("no command with id or name %q", ref), nil)
	}
	return rec.View(), nil
}

// List returns snapshots of every tracked command in submission order.
func (e *Executor) List() []View {
	e.lock()
	defer e.unlock()

	views := make([]View, 0, len(e.order))
	for _, id := range e.order {
		if rec, ok := e.records[id]; ok {
			views = append(views, rec.View())
		}
	}
	return views
}

// Busy reports whether the async slot is held.
func (e *Executor) Busy() bool {
	e.lock()
	defer e.unlock()
	return e.inFlight != nil && !e.inFlight.terminal()
}

// adopt tracks a record, evicting terminal records of the same name so a
// resubmitted command replaces its predecessor's result.
func (e *Executor) adopt(rec *Record) {
	e.lock()
	defer e.unlock()
	e.adoptLocked(rec)
}

func (e *Executor) adoptLocked(rec *Record) {
	kept := e.order[:0]
	for _, id := range e.order {
		old := e.records[id]
		if old.Name() == rec.Name() && old.terminal() {
			delete(e.records, id)
			continue
		}
		kept = append(kept, id)
	}
	e.order = append(kept, rec.ID())
	e.records[rec.ID()] = rec
}

func (e *Executor) recordRejected(name, code string) {
	if e.metrics != nil {
		e.metrics.RecordCommandRejected(name, code)
	}
}

func (e *Executor) journalEvent(ctx context.Context, rec *Record, detail string) {
	if e.journal == nil {
		return
	}
	view := rec.View()
	event := Event{
		CommandID: view.ID,
		Name:      view.Name,
		Status:    view.Status,
		ErrorCode: view.ErrorCode,
		Detail:    detail,
		Time:      time.Now().UTC(),
	}
	if err := e.journal.Append(ctx, event); err != nil {
		// The journal is diagnostics, not correctness. Log and move on.
		e.logger.Warn().Err(err).Str("command_id", view.ID).Msg("Failed to journal command event")
	}
}

// spanCloser finishes a command span with its outcome.
type spanCloser func(error)

func noopSpan(error) {}

func (e *Executor) startSpan(ctx context.Context, rec *Record, mode string) (context.Context, spanCloser) {
	sctx, span := e.tracer.StartCommandSpan(ctx, rec.ID(), rec.Name(), mode)
	return sctx, func(err error) {
		if err != nil && !hardware.IsNotApplicable(err) {
			telemetry.RecordError(span, err)
		} else {
			telemetry.RecordSuccess(span)
		}
		span.End()
	}
}
