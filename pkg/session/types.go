package session

import (
	"time"
)

// Status represents the overall state of a session.
type Status string

const (
	StatusAwaitingRequest Status = "awaiting_request"
	StatusPlanning        Status = "planning"
	StatusExecuting       Status = "executing"
	StatusPaused          Status = "paused"
	StatusCompleted       Status = "completed"
	StatusFailed          Status = "failed"
	StatusCancelled       Status = "cancelled"
)

// StepStatus represents the state of a single workflow step.
type StepStatus string

const (
	StepPending       StepStatus = "pending"
	StepRunning       StepStatus = "running"
	StepCompleted     StepStatus = "completed"
	StepFailed        StepStatus = "failed"
	StepVerified      StepStatus = "verified"
	StepNeedsApproval StepStatus = "needs_approval"
)

// WorkflowStep is one planned unit of tool work within a session.
type WorkflowStep struct {
	StepID      string                 `json:"step_id"`
	Description string                 `json:"description"`
	Tool        string                 `json:"tool"`
	Args        map[string]interface{} `json:"args"`
	Status      StepStatus             `json:"status"`
	RetryCount  int                    `json:"retry_count"`
	MaxRetries  int                    `json:"max_retries"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

// ToolOutput is the recorded result of one tool invocation. At most one is
// kept per step id; a retry overwrites the previous entry.
type ToolOutput struct {
	Tool               string                 `json:"tool"`
	StepID             string                 `json:"step_id"`
	Success            bool                   `json:"success"`
	Output             map[string]interface{} `json:"output,omitempty"`
	Error              string                 `json:"error,omitempty"`
	Duration           time.Duration          `json:"duration"`
	Timestamp          time.Time              `json:"timestamp"`
	VerificationPassed bool                   `json:"verification_passed"`
}

// UserApproval is a user decision tied to a step. The per-session list is
// append-only.
type UserApproval struct {
	StepID    string    `json:"step_id"`
	Approved  bool      `json:"approved"`
	Feedback  string    `json:"feedback,omitempty"`
	Timestamp time.Time `json:"timestamp"`
	UserID    string    `json:"user_id,omitempty"`
}

// Session is one end-to-end workflow instance for a single user request.
// While active it is owned by the Manager and mutated only through it.
type Session struct {
	ID            string                 `json:"id"`
	UserPrompt    string                 `json:"user_prompt"`
	CurrentStep   string                 `json:"current_step,omitempty"`
	WorkflowSteps []*WorkflowStep        `json:"workflow_steps"`
	ToolOutputs   map[string]*ToolOutput `json:"tool_outputs"`
	UserApprovals []UserApproval         `json:"user_approvals"`
	Status        Status                 `json:"status"`
	Context       map[string]interface{} `json:"context"`
	CreatedAt     time.Time              `json:"created_at"`
	UpdatedAt     time.Time              `json:"updated_at"`
	CompletedAt   *time.Time             `json:"completed_at,omitempty"`
	ErrorMessage  string                 `json:"error_message,omitempty"`
}

// AddStep appends a step to the workflow.
func (s *Session) AddStep(step *WorkflowStep) {
	now := time.Now()
	if step.CreatedAt.IsZero() {
		step.CreatedAt = now
	}
	if step.UpdatedAt.IsZero() {
		step.UpdatedAt = now
	}
	if step.Status == "" {
		step.Status = StepPending
	}
	s.WorkflowSteps = append(s.WorkflowSteps, step)
	s.UpdatedAt = now
}

// Step returns the step with the given id, or nil.
func (s *Session) Step(stepID string) *WorkflowStep {
	for _, step := range s.WorkflowSteps {
		if step.StepID == stepID {
			return step
		}
	}
	return nil
}

// SetStepStatus updates the status of a step.
func (s *Session) SetStepStatus(stepID string, status StepStatus) {
	if step := s.Step(stepID); step != nil {
		step.Status = status
		step.UpdatedAt = time.Now()
		s.UpdatedAt = step.UpdatedAt
	}
}

// RecordOutput stores a tool output, replacing any previous output for the
// same step.
func (s *Session) RecordOutput(out *ToolOutput) {
	if s.ToolOutputs == nil {
		s.ToolOutputs = make(map[string]*ToolOutput)
	}
	s.ToolOutputs[out.StepID] = out
	s.UpdatedAt = time.Now()
}

// RecordApproval appends a user approval record.
func (s *Session) RecordApproval(a UserApproval) {
	s.UserApprovals = append(s.UserApprovals, a)
	s.UpdatedAt = time.Now()
}

// NextPendingStep returns the first pending step in plan order, or nil.
func (s *Session) NextPendingStep() *WorkflowStep {
	for _, step := range s.WorkflowSteps {
		if step.Status == StepPending {
			return step
		}
	}
	return nil
}

// CompletedSteps returns the steps that have completed or verified.
func (s *Session) CompletedSteps() []*WorkflowStep {
	var out []*WorkflowStep
	for _, step := range s.WorkflowSteps {
		if step.Status == StepCompleted || step.Status == StepVerified {
			out = append(out, step)
		}
	}
	return out
}

// CanRetry reports whether the step has retry budget remaining.
func (s *Session) CanRetry(stepID string) bool {
	step := s.Step(stepID)
	return step != nil && step.RetryCount < step.MaxRetries
}

// IncrementRetry bumps the retry counter for a step.
func (s *Session) IncrementRetry(stepID string) {
	if step := s.Step(stepID); step != nil {
		step.RetryCount++
		step.UpdatedAt = time.Now()
		s.UpdatedAt = step.UpdatedAt
	}
}

// Progress returns the completion percentage over planned steps.
func (s *Session) Progress() int {
	if len(s.WorkflowSteps) == 0 {
		return 0
	}
	return len(s.CompletedSteps()) * 100 / len(s.WorkflowSteps)
}

// UserID returns the user id from the session context, if present.
func (s *Session) UserID() string {
	if v, ok := s.Context["user_id"].(string); ok {
		return v
	}
	return ""
}
