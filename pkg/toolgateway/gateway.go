package toolgateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/xeipuuv/gojsonschema"
)

var (
	// ErrNotFound is returned when executing a tool that was never registered.
	ErrNotFound = errors.New("tool not found")
	// ErrDuplicate is returned when registering a tool under a name that is
	// already taken.
	ErrDuplicate = errors.New("tool already registered")
	// ErrValidationFailed is returned when the input does not satisfy the
	// tool's declared schema. The tool is never invoked.
	ErrValidationFailed = errors.New("tool input validation failed")
	// ErrOutputContract is returned when a tool produced a result without the
	// mandatory success flag. Treated as an execution failure for retries.
	ErrOutputContract = errors.New("tool output missing success flag")
	// ErrExecutionFailed is returned when a tool ran and reported failure.
	ErrExecutionFailed = errors.New("tool execution failed")
)

// Handler is the function signature every registered tool implements. The
// returned map must contain a boolean "success" field.
type Handler func(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error)

// Field declares one input or output field of a tool.
type Field struct {
	Name        string      `json:"name"`
	Type        string      `json:"type"`
	Description string      `json:"description"`
	Required    bool        `json:"required"`
	Default     interface{} `json:"default,omitempty"`
}

// Definition carries a tool's metadata and handler.
type Definition struct {
	Name        string  `json:"name"`
	Description string  `json:"description"`
	Category    string  `json:"category"`
	Version     string  `json:"version"`
	Inputs      []Field `json:"inputs"`
	Outputs     []Field `json:"outputs"`
	Handler     Handler `json:"-"`
}

// Stats holds per-tool execution counters. Average duration covers successful
// calls only and is updated incrementally.
type Stats struct {
	TotalCalls         int64         `json:"total_calls"`
	SuccessfulCalls    int64         `json:"successful_calls"`
	FailedCalls        int64         `json:"failed_calls"`
	ValidationFailures int64         `json:"validation_failures"`
	AverageDuration    time.Duration `json:"average_duration_ms"`
	LastUsed           time.Time     `json:"last_used"`
}

// Record is one entry in the bounded execution history.
type Record struct {
	Tool      string                 `json:"tool"`
	SessionID string                 `json:"session_id,omitempty"`
	Input     map[string]interface{} `json:"input"`
	Output    map[string]interface{} `json:"output,omitempty"`
	Error     string                 `json:"error,omitempty"`
	Duration  time.Duration          `json:"duration_ms"`
	Timestamp time.Time              `json:"timestamp"`
	Status    string                 `json:"status"`
}

// Recorder mirrors execution outcomes into an external metrics sink.
type Recorder interface {
	ObserveToolExecution(tool, status string, duration time.Duration)
}

const defaultHistoryLimit = 100

// Gateway is the single entry point for tool execution. It owns registration,
// schema validation, counters, and the execution history. Unrelated tool
// calls run concurrently; the registry lock is never held across a handler
// invocation.
type Gateway struct {
	logger       zerolog.Logger
	recorder     Recorder
	historyLimit int

	mu      sync.RWMutex
	tools   map[string]*Definition
	schemas map[string]*gojsonschema.Schema
	stats   map[string]*Stats
	history []Record
}

// Option configures a Gateway.
type Option func(*Gateway)

// WithRecorder mirrors execution outcomes into the given metrics sink.
func WithRecorder(r Recorder) Option {
	return func(g *Gateway) { g.recorder = r }
}

// WithHistoryLimit bounds the execution history to the most recent n entries.
func WithHistoryLimit(n int) Option {
	return func(g *Gateway) {
		if n > 0 {
			g.historyLimit = n
		}
	}
}

// New creates an empty Gateway.
func New(logger zerolog.Logger, opts ...Option) *Gateway {
	g := &Gateway{
		logger:       logger.With().Str("component", "toolgateway").Logger(),
		historyLimit: defaultHistoryLimit,
		tools:        make(map[string]*Definition),
		schemas:      make(map[string]*gojsonschema.Schema),
		stats:        make(map[string]*Stats),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Register adds a tool under a unique name and initializes its counters.
// Registering a second tool under an existing name fails.
func (g *Gateway) Register(def Definition) error {
	if err := validateDefinition(def); err != nil {
		return fmt.Errorf("invalid tool definition: %w", err)
	}

	schema, err := compileInputSchema(def)
	if err != nil {
		return fmt.Errorf("failed to compile schema for %s: %w", def.Name, err)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if _, exists := g.tools[def.Name]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicate, def.Name)
	}

	g.tools[def.Name] = &def
	g.schemas[def.Name] = schema
	g.stats[def.Name] = &Stats{}

	g.logger.Info().
		Str("tool", def.Name).
		Str("category", def.Category).
		Str("version", def.Version).
		Msg("Tool registered")

	return nil
}

// Execute runs a registered tool against the given input. Validation failures
// are recorded but never reach the handler; execution failures propagate to
// the caller after counters and history are updated so the orchestration
// layer can apply its retry policy.
func (g *Gateway) Execute(ctx context.Context, name string, input map[string]interface{}, sessionID string) (map[string]interface{}, error) {
	g.mu.RLock()
	def, ok := g.tools[name]
	schema := g.schemas[name]
	g.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}

	if err := validateInput(schema, input); err != nil {
		g.recordValidationFailure(name, sessionID, input, err)
		return nil, fmt.Errorf("%w: %s: %v", ErrValidationFailed, name, err)
	}

	start := time.Now()
	output, err := def.Handler(ctx, input)
	duration := time.Since(start)

	if err != nil {
		g.recordExecution(name, sessionID, input, nil, duration, err.Error(), false)
		g.logger.Error().Err(err).Str("tool", name).Dur("duration", duration).Msg("Tool execution failed")
		return nil, fmt.Errorf("%w: %s: %v", ErrExecutionFailed, name, err)
	}

	success, hasFlag := output["success"].(bool)
	if !hasFlag {
		contractErr := fmt.Errorf("%w: %s", ErrOutputContract, name)
		g.recordExecution(name, sessionID, input, output, duration, contractErr.Error(), false)
		g.logger.Error().Str("tool", name).Msg("Tool output violated contract")
		return nil, contractErr
	}

	if !success {
		toolErr, _ := output["error"].(string)
		g.recordExecution(name, sessionID, input, output, duration, toolErr, false)
		g.logger.Warn().Str("tool", name).Str("tool_error", toolErr).Dur("duration", duration).Msg("Tool reported failure")
		return output, fmt.Errorf("%w: %s: %s", ErrExecutionFailed, name, toolErr)
	}

	g.recordExecution(name, sessionID, input, output, duration, "", true)
	g.logger.Info().Str("tool", name).Dur("duration", duration).Msg("Tool executed")
	return output, nil
}

// Tool returns a registered definition, or nil.
func (g *Gateway) Tool(name string) *Definition {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.tools[name]
}

// ListTools returns the names of all registered tools.
func (g *Gateway) ListTools() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	names := make([]string, 0, len(g.tools))
	for name := range g.tools {
		names = append(names, name)
	}
	return names
}

// ToolsByCategory returns the names of tools registered under a category.
func (g *Gateway) ToolsByCategory(category string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var names []string
	for name, def := range g.tools {
		if def.Category == category {
			names = append(names, name)
		}
	}
	return names
}

// Stats returns a copy of a tool's counters.
func (g *Gateway) Stats(name string) (Stats, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	s, ok := g.stats[name]
	if !ok {
		return Stats{}, false
	}
	return *s, true
}

// History returns a copy of the bounded execution history, oldest first.
func (g *Gateway) History() []Record {
	g.mu.RLock()
	defer g.mu.RUnlock()

	out := make([]Record, len(g.history))
	copy(out, g.history)
	return out
}

// PerformanceSummary aggregates counters across all tools for monitoring.
func (g *Gateway) PerformanceSummary() map[string]interface{} {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var total, successful int64
	perTool := make(map[string]Stats, len(g.stats))
	for name, s := range g.stats {
		total += s.TotalCalls
		successful += s.SuccessfulCalls
		perTool[name] = *s
	}

	successRate := 1.0
	if total > 0 {
		successRate = float64(successful) / float64(total)
	}

	recent := g.history
	if len(recent) > 10 {
		recent = recent[len(recent)-10:]
	}
	recentCopy := make([]Record, len(recent))
	copy(recentCopy, recent)

	return map[string]interface{}{
		"total_tools":       len(g.tools),
		"total_executions":  total,
		"success_rate":      successRate,
		"tool_metrics":      perTool,
		"recent_executions": recentCopy,
	}
}

func (g *Gateway) recordValidationFailure(name, sessionID string, input map[string]interface{}, cause error) {
	now := time.Now()

	g.mu.Lock()
	s := g.stats[name]
	s.ValidationFailures++
	s.LastUsed = now
	g.appendHistory(Record{
		Tool:      name,
		SessionID: sessionID,
		Input:     input,
		Error:     cause.Error(),
		Timestamp: now,
		Status:    "validation_failed",
	})
	g.mu.Unlock()

	if g.recorder != nil {
		g.recorder.ObserveToolExecution(name, "validation_failed", 0)
	}
	g.logger.Warn().Err(cause).Str("tool", name).Msg("Tool input rejected")
}

func (g *Gateway) recordExecution(name, sessionID string, input, output map[string]interface{}, duration time.Duration, errMsg string, success bool) {
	now := time.Now()
	status := "failed"
	if success {
		status = "success"
	}

	g.mu.Lock()
	s := g.stats[name]
	s.TotalCalls++
	s.LastUsed = now
	if success {
		s.SuccessfulCalls++
		// Incremental rolling average over successful calls.
		n := s.SuccessfulCalls
		s.AverageDuration = time.Duration((int64(s.AverageDuration)*(n-1) + int64(duration)) / n)
	} else {
		s.FailedCalls++
	}
	g.appendHistory(Record{
		Tool:      name,
		SessionID: sessionID,
		Input:     input,
		Output:    output,
		Error:     errMsg,
		Duration:  duration,
		Timestamp: now,
		Status:    status,
	})
	g.mu.Unlock()

	if g.recorder != nil {
		g.recorder.ObserveToolExecution(name, status, duration)
	}
}

// appendHistory must be called with g.mu held.
func (g *Gateway) appendHistory(r Record) {
	g.history = append(g.history, r)
	if len(g.history) > g.historyLimit {
		g.history = g.history[len(g.history)-g.historyLimit:]
	}
}

func validateDefinition(def Definition) error {
	if def.Name == "" {
		return fmt.Errorf("tool name cannot be empty")
	}
	if def.Description == "" {
		return fmt.Errorf("tool description cannot be empty")
	}
	if def.Handler == nil {
		return fmt.Errorf("tool handler cannot be nil")
	}

	validTypes := map[string]bool{
		"string": true, "number": true, "boolean": true,
		"object": true, "array": true, "integer": true,
	}
	for _, f := range append(append([]Field{}, def.Inputs...), def.Outputs...) {
		if f.Name == "" {
			return fmt.Errorf("field name cannot be empty")
		}
		if !validTypes[f.Type] {
			return fmt.Errorf("invalid field type %s for %s", f.Type, f.Name)
		}
	}

	return nil
}

// compileInputSchema builds a JSON Schema from a tool's declared input fields.
func compileInputSchema(def Definition) (*gojsonschema.Schema, error) {
	properties := make(map[string]interface{}, len(def.Inputs))
	var required []string

	for _, f := range def.Inputs {
		fieldSchema := map[string]interface{}{
			"type":        f.Type,
			"description": f.Description,
		}
		if f.Default != nil {
			fieldSchema["default"] = f.Default
		}
		properties[f.Name] = fieldSchema

		if f.Required {
			required = append(required, f.Name)
		}
	}

	schemaMap := map[string]interface{}{
		"type":                 "object",
		"additionalProperties": false,
		"properties":           properties,
	}
	if len(required) > 0 {
		schemaMap["required"] = required
	}

	return gojsonschema.NewSchema(gojsonschema.NewGoLoader(schemaMap))
}

func validateInput(schema *gojsonschema.Schema, input map[string]interface{}) error {
	if schema == nil {
		return nil
	}
	if input == nil {
		input = map[string]interface{}{}
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(input))
	if err != nil {
		return err
	}
	if !result.Valid() {
		var msgs []string
		for _, e := range result.Errors() {
			msgs = append(msgs, e.String())
		}
		return fmt.Errorf("%d schema violation(s): %v", len(msgs), msgs)
	}
	return nil
}
