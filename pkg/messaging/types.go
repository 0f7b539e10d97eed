package messaging

import (
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
)

// Kind identifies the shape of a message payload.
type Kind string

const (
	KindAgentMessage     Kind = "agent_message"
	KindToolCall         Kind = "tool_call"
	KindToolResult       Kind = "tool_result"
	KindProgress         Kind = "progress"
	KindUserInputRequest Kind = "user_input_request"
	KindError            Kind = "error"
	KindProcessPaused    Kind = "process_paused"
	KindProcessResumed   Kind = "process_resumed"
	KindWorkflowComplete Kind = "workflow_complete"
	KindSessionUpdate    Kind = "session_update"
)

// Message is one outbound event on a session channel. Payload holds the
// kind-specific struct; downstream transports serialize it as they see fit.
type Message struct {
	ID        string      `json:"id"`
	Kind      Kind        `json:"kind"`
	SessionID string      `json:"session_id"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   interface{} `json:"payload"`
}

// AgentMessage is agent-facing text shown to the user.
type AgentMessage struct {
	Content string `json:"content"`
	StepID  string `json:"step_id,omitempty"`
}

// ToolCall announces that a tool is about to be invoked.
type ToolCall struct {
	Tool        string                 `json:"tool"`
	Args        map[string]interface{} `json:"args"`
	StepID      string                 `json:"step_id"`
	Description string                 `json:"description"`
}

// ToolResult carries the outcome of a tool invocation.
type ToolResult struct {
	Tool               string                 `json:"tool"`
	StepID             string                 `json:"step_id"`
	Success            bool                   `json:"success"`
	Output             map[string]interface{} `json:"output,omitempty"`
	Error              string                 `json:"error,omitempty"`
	VerificationPassed bool                   `json:"verification_passed"`
}

// Progress reports workflow progress.
type Progress struct {
	Step    string `json:"step"`
	Percent int    `json:"percent"`
	Status  string `json:"status"`
	Detail  string `json:"detail,omitempty"`
}

// UserInputRequest asks the user for a decision tied to a step.
type UserInputRequest struct {
	StepID   string   `json:"step_id"`
	Question string   `json:"question"`
	Options  []string `json:"options"`
	Timeout  int64    `json:"timeout_ms,omitempty"`
}

// ErrorNotice surfaces a failure to the user. It never carries a raw
// internal fault, only a recoverability flag and a suggested next action.
type ErrorNotice struct {
	Code            string `json:"code"`
	Message         string `json:"message"`
	StepID          string `json:"step_id,omitempty"`
	Recoverable     bool   `json:"recoverable"`
	RetryAvailable  bool   `json:"retry_available"`
	SuggestedAction string `json:"suggested_action,omitempty"`
}

// ProcessPaused notifies that execution is paused.
type ProcessPaused struct {
	StepID        string   `json:"step_id"`
	Reason        string   `json:"reason"`
	ResumeOptions []string `json:"resume_options,omitempty"`
}

// ProcessResumed notifies that execution continued after a pause.
type ProcessResumed struct {
	StepID string `json:"step_id"`
}

// WorkflowComplete notifies that the workflow finished.
type WorkflowComplete struct {
	Success        bool   `json:"success"`
	Summary        string `json:"summary"`
	TotalSteps     int    `json:"total_steps"`
	CompletedSteps int    `json:"completed_steps"`
}

// SessionUpdate mirrors session status changes to subscribers.
type SessionUpdate struct {
	Status      string `json:"status"`
	CurrentStep string `json:"current_step,omitempty"`
	Progress    int    `json:"progress"`
}

// New builds a message with a fresh id and the current timestamp.
func New(sessionID string, kind Kind, payload interface{}) Message {
	id, _ := gonanoid.New()
	return Message{
		ID:        id,
		Kind:      kind,
		SessionID: sessionID,
		Timestamp: time.Now(),
		Payload:   payload,
	}
}
