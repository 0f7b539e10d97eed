package workflow

import (
	"sync"

	"github.com/rs/zerolog"
)

// State represents a workflow orchestration state.
type State string

const (
	StateAwaitingRequest      State = "awaiting_request"
	StatePlanning             State = "planning"
	StateExecutingStep        State = "executing_step"
	StateVerifyingStep        State = "verifying_step"
	StateAwaitingUserApproval State = "awaiting_user_approval"
	StateHandlingError        State = "handling_error"
	StateFinalCheck           State = "final_check"
	StateDone                 State = "done"
	StatePaused               State = "paused"
)

// Condition tags the guard attached to a transition. Guards are evaluated
// against a Context snapshot supplied at each transition attempt.
type Condition int

const (
	Unconditional Condition = iota
	VerificationPassed
	VerificationFailed
	RetryAvailable
	RetryExhausted
	UserApproved
	UserCancelled
	AllStepsComplete
	FinalCheckPassed
	FinalCheckFailed
)

// Context carries the transient facts a guard may inspect. Fields are derived
// from session state at call time and are not persisted.
type Context struct {
	VerificationPassed bool
	RetryAvailable     bool
	UserApproved       bool
	UserCancelled      bool
	AllStepsComplete   bool
	FinalCheckPassed   bool
}

func (c Condition) holds(ctx Context) bool {
	switch c {
	case Unconditional:
		return true
	case VerificationPassed:
		return ctx.VerificationPassed
	case VerificationFailed:
		return !ctx.VerificationPassed
	case RetryAvailable:
		return ctx.RetryAvailable
	case RetryExhausted:
		return !ctx.RetryAvailable
	case UserApproved:
		return ctx.UserApproved
	case UserCancelled:
		return ctx.UserCancelled
	case AllStepsComplete:
		return ctx.AllStepsComplete
	case FinalCheckPassed:
		return ctx.FinalCheckPassed
	case FinalCheckFailed:
		return !ctx.FinalCheckPassed
	}
	return false
}

// Transition is one row of the fixed transition table.
type Transition struct {
	From        State
	To          State
	Guard       Condition
	Description string
}

// transitions is the complete transition table. The machine never moves
// between states through any path not listed here.
var transitions = []Transition{
	{StateAwaitingRequest, StatePlanning, Unconditional, "request received, starting planning"},

	{StatePlanning, StateExecutingStep, Unconditional, "plan ready, starting execution"},
	{StatePlanning, StateHandlingError, Unconditional, "planning failed"},

	{StateExecutingStep, StateVerifyingStep, Unconditional, "step execution returned, verifying result"},
	{StateExecutingStep, StateHandlingError, Unconditional, "step execution failed"},
	{StateExecutingStep, StatePaused, Unconditional, "pause requested"},
	{StateExecutingStep, StateFinalCheck, AllStepsComplete, "all steps complete, running final check"},

	{StateVerifyingStep, StateExecutingStep, VerificationPassed, "verification passed, advancing"},
	{StateVerifyingStep, StateHandlingError, VerificationFailed, "verification failed"},

	{StateHandlingError, StateExecutingStep, RetryAvailable, "retry budget remains, retrying step"},
	{StateHandlingError, StateAwaitingUserApproval, RetryExhausted, "retries exhausted, awaiting user decision"},

	{StateAwaitingUserApproval, StateExecutingStep, UserApproved, "user approved, resuming execution"},
	{StateAwaitingUserApproval, StateDone, UserCancelled, "user cancelled, ending workflow"},

	{StatePaused, StateExecutingStep, Unconditional, "resumed, continuing execution"},

	{StateFinalCheck, StateDone, FinalCheckPassed, "final check passed, workflow complete"},
	{StateFinalCheck, StateAwaitingUserApproval, FinalCheckFailed, "final check failed, awaiting user decision"},

	{StateDone, StateAwaitingRequest, Unconditional, "ready for next request"},
}

// Machine holds the current workflow state and validates every state change
// against the fixed transition table. Invalid attempts report false and leave
// the machine untouched; they are expected control flow, not errors.
type Machine struct {
	mu      sync.Mutex
	current State
	history []State
	logger  zerolog.Logger
}

// NewMachine creates a machine in the awaiting_request state.
func NewMachine(logger zerolog.Logger) *Machine {
	return &Machine{
		current: StateAwaitingRequest,
		logger:  logger,
	}
}

// Current returns the current state.
func (m *Machine) Current() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.current
}

// History returns the states the machine has left, oldest first.
func (m *Machine) History() []State {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]State, len(m.history))
	copy(out, m.history)
	return out
}

// CanTransition reports whether a move to target is permitted under ctx.
func (m *Machine) CanTransition(target State, ctx Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.find(target, ctx) != nil
}

func (m *Machine) find(target State, ctx Context) *Transition {
	for i := range transitions {
		t := &transitions[i]
		if t.From == m.current && t.To == target && t.Guard.holds(ctx) {
			return t
		}
	}
	return nil
}

// Transition attempts to move to target. On success the old state is pushed
// onto the history and true is returned. On an invalid attempt the machine is
// unchanged and false is returned.
func (m *Machine) Transition(target State, ctx Context) bool {
	m.mu.Lock()
	defer m.mu.Unlock()

	t := m.find(target, ctx)
	if t == nil {
		m.logger.Warn().
			Str("from", string(m.current)).
			Str("to", string(target)).
			Msg("Invalid state transition attempted")
		return false
	}

	old := m.current
	m.history = append(m.history, old)
	m.current = target

	m.logger.Debug().
		Str("from", string(old)).
		Str("to", string(target)).
		Str("reason", t.Description).
		Msg("State transition")

	return true
}

// ValidTransitions returns the states reachable from the current state under ctx.
func (m *Machine) ValidTransitions(ctx Context) []State {
	m.mu.Lock()
	defer m.mu.Unlock()

	var states []State
	for _, t := range transitions {
		if t.From == m.current && t.Guard.holds(ctx) {
			states = append(states, t.To)
		}
	}
	return states
}

// Reset returns the machine to awaiting_request and clears the history.
func (m *Machine) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = StateAwaitingRequest
	m.history = nil
}

// IsTerminal reports whether the current workflow instance has finished.
func (m *Machine) IsTerminal() bool {
	return m.Current() == StateDone
}

// IsWaitingForUser reports whether progress is blocked on user input.
func (m *Machine) IsWaitingForUser() bool {
	s := m.Current()
	return s == StateAwaitingUserApproval || s == StateAwaitingRequest
}
