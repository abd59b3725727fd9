package mode

import (
	"goa.design/loom/runtime/agent/message"
	"goa.design/loom/runtime/agent/middleware"
	"goa.design/loom/runtime/agent/state"
)

// Kind tags a pipeline result. Only KindContinue drives further steps; every
// other kind is terminal and passes through the rest of a pipeline unchanged.
type Kind string

const (
	// KindContinue hands the state to the next step.
	KindContinue Kind = "continue"
	// KindOK ends the run successfully.
	KindOK Kind = "ok"
	// KindPause ends the run at a resumable checkpoint.
	KindPause Kind = "pause"
	// KindInterrupt suspends the run pending human decisions.
	KindInterrupt Kind = "interrupt"
	// KindError ends the run with a failure.
	KindError Kind = "error"
)

// Result is the tagged value threaded through a mode's pipeline steps.
type Result struct {
	// Kind discriminates the variants.
	Kind Kind
	// State is the working state after the step.
	State *state.State
	// Extra carries the watched tool result that satisfied an
	// until_tool_used run. Nil otherwise.
	Extra *message.ToolResult
	// Interrupt carries the middleware interrupt data when Kind is
	// KindInterrupt.
	Interrupt *middleware.Interrupt
	// Err is the failure when Kind is KindError.
	Err error
}

// Continue hands state to the next step.
func Continue(st *state.State) Result { return Result{Kind: KindContinue, State: st} }

// OK ends the run successfully.
func OK(st *state.State) Result { return Result{Kind: KindOK, State: st} }

// OKWith ends the run successfully, carrying the tool result that satisfied
// the stop condition.
func OKWith(st *state.State, extra *message.ToolResult) Result {
	return Result{Kind: KindOK, State: st, Extra: extra}
}

// Pause ends the run at a resumable checkpoint.
func Pause(st *state.State) Result { return Result{Kind: KindPause, State: st} }

// Interrupted suspends the run with middleware interrupt data.
func Interrupted(st *state.State, data *middleware.Interrupt) Result {
	return Result{Kind: KindInterrupt, State: st, Interrupt: data}
}

// Fail ends the run with an error.
func Fail(st *state.State, err error) Result {
	return Result{Kind: KindError, State: st, Err: err}
}

// Terminal reports whether the result stops a pipeline.
func (r Result) Terminal() bool { return r.Kind != KindContinue }
