package pipeline

import (
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/slotwise/slotwise/pkg/logging"
)

// State tracks the pipeline lifecycle
type State int

const (
	StateCreated State = iota
	StateRunning
	StateSuspended
	StateStopped
	StateDone
)

// Delegate receives pipeline notifications. ProcessingDone fires when the
// last action succeeds or when an action fails and halts the queue,
// carrying the final code. ProcessingStopped fires only on explicit
// StopProcessing. ActionCompleted fires once per finished action.
type Delegate interface {
	ProcessingDone(p *Processor, code Code)
	ProcessingStopped(p *Processor)
	ActionCompleted(p *Processor, action Action, code Code)
}

// pendingCompletion holds a completion that arrived while the pipeline
// was suspended; it is replayed on resume.
type pendingCompletion struct {
	action Action
	code   Code
}

// Processor owns an ordered queue of actions and runs them one at a time
type Processor struct {
	logger zerolog.Logger

	mu       sync.Mutex
	queue    []Action
	bonds    []bond
	delegate Delegate
	state    State
	current  Action
	next     int
	runID    string
	pending  *pendingCompletion
}

// NewProcessor creates an empty processor with an optional delegate
func NewProcessor(delegate Delegate) *Processor {
	return &Processor{
		logger:   logging.GetLogger("pipeline"),
		delegate: delegate,
		state:    StateCreated,
	}
}

// Enqueue appends an action to the queue. Only valid before starting.
func (p *Processor) Enqueue(actions ...Action) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state == StateCreated {
		p.queue = append(p.queue, actions...)
	}
}

// State returns the current pipeline state
func (p *Processor) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// RunID identifies this processing run in logs and checkpoint records
func (p *Processor) RunID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.runID
}

// IsRunning reports whether an action is active or suspended
func (p *Processor) IsRunning() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state == StateRunning || p.state == StateSuspended
}

// StartProcessing invokes the first action. An empty queue completes
// immediately with success.
func (p *Processor) StartProcessing() {
	p.mu.Lock()
	if p.state != StateCreated {
		p.mu.Unlock()
		return
	}
	p.state = StateRunning
	p.runID = uuid.NewString()
	p.logger.Info().Str("run_id", p.runID).Int("actions", len(p.queue)).Msg("Pipeline started")

	if len(p.queue) == 0 {
		p.state = StateDone
		delegate := p.delegate
		p.mu.Unlock()
		if delegate != nil {
			delegate.ProcessingDone(p, CodeSuccess)
		}
		return
	}
	p.mu.Unlock()
	p.startNext()
}

// startNext starts queue[next]; callers must NOT hold the mutex
func (p *Processor) startNext() {
	p.mu.Lock()
	if p.state != StateRunning || p.next >= len(p.queue) {
		p.mu.Unlock()
		return
	}
	action := p.queue[p.next]
	p.current = action
	p.next++
	p.mu.Unlock()

	p.logger.Debug().Str("run_id", p.runID).Str("action", action.Name()).Msg("Action started")

	done := newCompletion(func(code Code) {
		p.actionComplete(action, code)
	})
	action.Perform(done)
}

func (p *Processor) actionComplete(action Action, code Code) {
	p.mu.Lock()
	if p.state == StateStopped {
		// a terminated action's late completion carries no result
		p.mu.Unlock()
		return
	}
	if action != p.current {
		p.mu.Unlock()
		p.logger.Warn().
			Str("action", action.Name()).
			Msg("Dropping duplicate or stale completion signal")
		return
	}
	if p.state == StateSuspended {
		// the completion is held until resume, so the next action
		// never starts while the pipeline is suspended
		p.pending = &pendingCompletion{action: action, code: code}
		p.mu.Unlock()
		p.logger.Debug().
			Str("action", action.Name()).
			Msg("Completion deferred until resume")
		return
	}
	p.current = nil
	delegate := p.delegate
	more := code == CodeSuccess && p.next < len(p.queue)
	if !more {
		p.state = StateDone
	} else {
		// hand the finished action's output to its bonded consumers
		for _, b := range p.bonds {
			if b.from == action {
				b.transfer()
			}
		}
	}
	p.mu.Unlock()

	p.logger.Info().
		Str("run_id", p.runID).
		Str("action", action.Name()).
		Stringer("code", code).
		Msg("Action completed")

	if delegate != nil {
		delegate.ActionCompleted(p, action, code)
	}
	if more {
		p.startNext()
		return
	}
	if delegate != nil {
		delegate.ProcessingDone(p, code)
	}
}

// StopProcessing terminates the active action and halts the pipeline.
// The active action must release all resources before this returns via
// its Terminate contract. Safe to call more than once.
func (p *Processor) StopProcessing() {
	p.mu.Lock()
	if p.state != StateRunning && p.state != StateSuspended {
		p.mu.Unlock()
		return
	}
	p.state = StateStopped
	action := p.current
	p.current = nil
	p.pending = nil
	delegate := p.delegate
	p.mu.Unlock()

	if action != nil {
		action.Terminate()
	}
	p.logger.Info().Str("run_id", p.runID).Msg("Pipeline stopped")
	if delegate != nil {
		delegate.ProcessingStopped(p)
	}
}

// SuspendProcessing pauses the active action when it supports suspension;
// unsupported actions ignore the request but the pipeline still reports
// the suspended state and holds any completion until resume.
func (p *Processor) SuspendProcessing() {
	p.mu.Lock()
	if p.state != StateRunning {
		p.mu.Unlock()
		return
	}
	p.state = StateSuspended
	action := p.current
	p.mu.Unlock()

	if action != nil && action.CanSuspend() {
		action.Suspend()
	}
}

// ResumeProcessing resumes a suspended pipeline. A completion that
// arrived during suspension is replayed so the queue advances.
func (p *Processor) ResumeProcessing() {
	p.mu.Lock()
	if p.state != StateSuspended {
		p.mu.Unlock()
		return
	}
	p.state = StateRunning
	pending := p.pending
	p.pending = nil
	action := p.current
	p.mu.Unlock()

	if pending != nil {
		// the action already finished while suspended; no Resume signal
		p.actionComplete(pending.action, pending.code)
		return
	}
	if action != nil && action.CanSuspend() {
		action.Resume()
	}
}
