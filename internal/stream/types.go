package stream

// CreateSessionRequest starts a new workflow session.
type CreateSessionRequest struct {
	Prompt  string                 `json:"prompt"`
	Context map[string]interface{} `json:"context,omitempty"`
}

// CreateSessionResponse returns the allocated session id.
type CreateSessionResponse struct {
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
}

// InboundFrame is a client-to-server websocket frame.
type InboundFrame struct {
	Type   string      `json:"type"` // user_response, pause, resume, cancel
	StepID string      `json:"step_id,omitempty"`
	Value  interface{} `json:"value,omitempty"`
}

// ErrorResponse is the JSON error body for HTTP endpoints.
type ErrorResponse struct {
	Error string `json:"error"`
}
