// Package pipeline implements the sequential, cancellable action pipeline
// the payload applier runs: an ordered queue of asynchronous work units,
// each completing exactly once, with typed value hand-off between
// adjacent actions.
package pipeline

import "sync"

// Action is a single asynchronous unit of pipeline work.
//
// Perform starts the action's work and may return before it finishes;
// the action signals completion exactly once through the Completion.
// Terminate requests the action to stop and release every resource it
// holds (child processes, descriptors, mounts); no completion signal is
// expected afterward. Suspend and Resume are optional capabilities
// gated by CanSuspend; actions that cannot suspend ignore them.
type Action interface {
	Name() string
	Perform(done *Completion)
	Terminate()
	CanSuspend() bool
	Suspend()
	Resume()
}

// Completion delivers an action's result code exactly once.
// Later calls are dropped, making completion safe to signal from
// multiple paths racing with cancellation.
type Completion struct {
	once sync.Once
	fn   func(Code)
}

func newCompletion(fn func(Code)) *Completion {
	return &Completion{fn: fn}
}

// Complete signals the result code. Only the first call has effect.
func (c *Completion) Complete(code Code) {
	c.once.Do(func() { c.fn(code) })
}

// BaseAction provides the no-op optional capabilities so actions only
// implement what they support.
type BaseAction struct{}

func (BaseAction) CanSuspend() bool { return false }
func (BaseAction) Suspend()         {}
func (BaseAction) Resume()          {}
func (BaseAction) Terminate()       {}
