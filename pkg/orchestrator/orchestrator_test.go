package orchestrator

import (
	"context"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clipflow/clipflow/pkg/messaging"
	"github.com/clipflow/clipflow/pkg/session"
	"github.com/clipflow/clipflow/pkg/toolgateway"
	"github.com/clipflow/clipflow/pkg/workflow"
)

type fixture struct {
	orch     *Orchestrator
	sessions *session.Manager
	gateway  *toolgateway.Gateway
	hub      *messaging.Hub
}

func setupTest(t *testing.T, planner Planner, approvalTimeout time.Duration) *fixture {
	t.Helper()

	store, err := session.NewSQLiteStore(filepath.Join(t.TempDir(), "sessions.db"), zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	mgr, err := session.NewManager(session.Config{Store: store, Logger: zerolog.Nop()})
	require.NoError(t, err)

	gw := toolgateway.New(zerolog.Nop())
	hub := messaging.NewHub(zerolog.Nop())

	orch := New(Config{
		Sessions:        mgr,
		Gateway:         gw,
		Hub:             hub,
		Planner:         planner,
		Logger:          zerolog.Nop(),
		ApprovalTimeout: approvalTimeout,
	})

	return &fixture{orch: orch, sessions: mgr, gateway: gw, hub: hub}
}

// collector records every message published for a session.
type collector struct {
	mu       sync.Mutex
	messages []messaging.Message
}

func (c *collector) record(m messaging.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messages = append(c.messages, m)
}

func (c *collector) byKind(kind messaging.Kind) []messaging.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []messaging.Message
	for _, m := range c.messages {
		if m.Kind == kind {
			out = append(out, m)
		}
	}
	return out
}

func registerTool(t *testing.T, gw *toolgateway.Gateway, name, category string, handler toolgateway.Handler) {
	t.Helper()
	require.NoError(t, gw.Register(toolgateway.Definition{
		Name:        name,
		Description: name + " tool",
		Category:    category,
		Version:     "1.0.0",
		Inputs: []toolgateway.Field{
			{Name: "prompt", Type: "string", Description: "User request", Required: true},
		},
		Outputs: []toolgateway.Field{
			{Name: "success", Type: "boolean", Description: "Outcome flag"},
		},
		Handler: handler,
	}))
}

func promptArgs() map[string]interface{} {
	return map[string]interface{}{"prompt": PromptPlaceholder}
}

func succeed(extra map[string]interface{}) toolgateway.Handler {
	return func(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
		out := map[string]interface{}{"success": true}
		for k, v := range extra {
			out[k] = v
		}
		return out, nil
	}
}

func failWith(msg string) toolgateway.Handler {
	return func(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
		return map[string]interface{}{"success": false, "error": msg}, nil
	}
}

func TestOrchestrator_HappyPath(t *testing.T) {
	planner := NewStaticPlanner(
		PlannedStep{ID: "script_generation", Tool: "script_generation", Description: "Write the script", Args: promptArgs()},
		PlannedStep{ID: "voiceover", Tool: "voiceover", Description: "Record the voiceover", Args: promptArgs()},
	)
	f := setupTest(t, planner, time.Second)
	registerTool(t, f.gateway, "script_generation", "script_generation", succeed(map[string]interface{}{"script": "..."}))
	registerTool(t, f.gateway, "voiceover", "audio_processing", succeed(nil))

	ctx := context.Background()
	sess, err := f.sessions.Create(ctx, "Make a video about coral reefs", nil)
	require.NoError(t, err)

	col := &collector{}
	f.hub.Channel(sess.ID).Subscribe(col.record)

	require.NoError(t, f.orch.Run(ctx, sess.ID))

	sess, err = f.sessions.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, sess.Status)
	assert.NotNil(t, sess.CompletedAt)
	assert.Equal(t, 100, sess.Progress())
	for _, step := range sess.WorkflowSteps {
		assert.Equal(t, session.StepVerified, step.Status)
	}

	complete := col.byKind(messaging.KindWorkflowComplete)
	require.Len(t, complete, 1)
	payload := complete[0].Payload.(messaging.WorkflowComplete)
	assert.True(t, payload.Success)
	assert.Equal(t, 2, payload.TotalSteps)
	assert.Equal(t, 2, payload.CompletedSteps)

	assert.Len(t, col.byKind(messaging.KindToolCall), 2)
	assert.Len(t, col.byKind(messaging.KindToolResult), 2)
}

func TestOrchestrator_RetryThenSucceed(t *testing.T) {
	planner := NewStaticPlanner(
		PlannedStep{ID: "voiceover", Tool: "voiceover", Description: "Record the voiceover", Args: promptArgs(), MaxRetries: 1},
	)
	f := setupTest(t, planner, time.Second)

	calls := 0
	registerTool(t, f.gateway, "voiceover", "audio_processing", func(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
		calls++
		if calls == 1 {
			return map[string]interface{}{"success": false, "error": "voice model unavailable"}, nil
		}
		return map[string]interface{}{"success": true}, nil
	})

	ctx := context.Background()
	sess, err := f.sessions.Create(ctx, "Narrate this", nil)
	require.NoError(t, err)

	require.NoError(t, f.orch.Run(ctx, sess.ID))

	sess, err = f.sessions.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, sess.Status)
	assert.Equal(t, 2, calls)
	assert.Equal(t, 1, sess.Step("voiceover").RetryCount)

	// The retry overwrote the failed output.
	out := sess.ToolOutputs["voiceover"]
	require.NotNil(t, out)
	assert.True(t, out.Success)
}

// Exercises the escalation path end to end: plan two steps, let the second
// fail past its retry budget, and verify the workflow parks on user approval
// with a retry_available=false error before the user's decision ends it.
func TestOrchestrator_RetryExhaustionEscalates(t *testing.T) {
	planner := NewStaticPlanner(
		PlannedStep{ID: "script_generation", Tool: "script_generation", Description: "Write the script", Args: promptArgs()},
		PlannedStep{ID: "voiceover", Tool: "voiceover", Description: "Record the voiceover", Args: promptArgs(), MaxRetries: 1},
	)
	f := setupTest(t, planner, 5*time.Second)
	registerTool(t, f.gateway, "script_generation", "script_generation", succeed(map[string]interface{}{"script": "..."}))
	registerTool(t, f.gateway, "voiceover", "audio_processing", failWith("voice model unavailable"))

	ctx := context.Background()
	sess, err := f.sessions.Create(ctx, "Test video about climate change", nil)
	require.NoError(t, err)

	col := &collector{}
	ch := f.hub.Channel(sess.ID)
	ch.Subscribe(col.record)

	runDone := make(chan error, 1)
	go func() { runDone <- f.orch.Run(ctx, sess.ID) }()

	// Wait for the escalation: retries exhausted, user decision requested.
	require.Eventually(t, func() bool {
		for _, m := range col.byKind(messaging.KindError) {
			notice := m.Payload.(messaging.ErrorNotice)
			if notice.Code == "retries_exhausted" && !notice.RetryAvailable {
				return true
			}
		}
		return false
	}, 3*time.Second, 5*time.Millisecond)

	state, err := f.orch.State(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StateAwaitingUserApproval, state)

	// Both attempts ran: one initial, one automatic retry.
	require.Eventually(t, func() bool {
		stats, ok := f.gateway.Stats("voiceover")
		return ok && stats.TotalCalls == 2
	}, time.Second, 5*time.Millisecond)

	require.NoError(t, ch.DeliverResponse("voiceover", "cancel"))
	require.NoError(t, <-runDone)

	sess, err = f.sessions.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCancelled, sess.Status)
	assert.Equal(t, session.StepNeedsApproval, sess.Step("voiceover").Status)
	require.Len(t, sess.UserApprovals, 1)
	assert.False(t, sess.UserApprovals[0].Approved)

	complete := col.byKind(messaging.KindWorkflowComplete)
	require.Len(t, complete, 1)
	assert.False(t, complete[0].Payload.(messaging.WorkflowComplete).Success)
}

func TestOrchestrator_ApprovalGrantsFreshRetryBudget(t *testing.T) {
	planner := NewStaticPlanner(
		PlannedStep{ID: "voiceover", Tool: "voiceover", Description: "Record the voiceover", Args: promptArgs()},
	)
	f := setupTest(t, planner, 5*time.Second)

	calls := 0
	registerTool(t, f.gateway, "voiceover", "audio_processing", func(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
		calls++
		if calls == 1 {
			return map[string]interface{}{"success": false, "error": "transient"}, nil
		}
		return map[string]interface{}{"success": true}, nil
	})

	ctx := context.Background()
	sess, err := f.sessions.Create(ctx, "Narrate this", nil)
	require.NoError(t, err)

	ch := f.hub.Channel(sess.ID)
	ch.SubscribeAsync(func(m messaging.Message) {
		if m.Kind == messaging.KindUserInputRequest {
			_ = ch.DeliverResponse(m.Payload.(messaging.UserInputRequest).StepID, "retry")
		}
	})

	require.NoError(t, f.orch.Run(ctx, sess.ID))

	sess, err = f.sessions.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, sess.Status)
	assert.Equal(t, 2, calls)
	require.Len(t, sess.UserApprovals, 1)
	assert.True(t, sess.UserApprovals[0].Approved)
}

func TestOrchestrator_ApprovalTimeoutEndsWorkflow(t *testing.T) {
	planner := NewStaticPlanner(
		PlannedStep{ID: "voiceover", Tool: "voiceover", Description: "Record the voiceover", Args: promptArgs()},
	)
	f := setupTest(t, planner, 50*time.Millisecond)
	registerTool(t, f.gateway, "voiceover", "audio_processing", failWith("down"))

	ctx := context.Background()
	sess, err := f.sessions.Create(ctx, "Narrate this", nil)
	require.NoError(t, err)

	require.NoError(t, f.orch.Run(ctx, sess.ID))

	sess, err = f.sessions.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCancelled, sess.Status)
	require.Len(t, sess.UserApprovals, 1)
	assert.False(t, sess.UserApprovals[0].Approved)
	// No response arrived, so no feedback was recorded.
	assert.Empty(t, sess.UserApprovals[0].Feedback)
}

// A step whose args violate the tool's schema is rejected once: re-running the
// same call cannot change the outcome, so no retry budget is spent and the
// approval gate never opens.
func TestOrchestrator_ValidationFailureIsNotRetried(t *testing.T) {
	planner := NewStaticPlanner(
		PlannedStep{
			ID:          "voiceover",
			Tool:        "voiceover",
			Description: "Record the voiceover",
			Args:        map[string]interface{}{"prompt": PromptPlaceholder, "voice_model": "narrator-v2"},
			MaxRetries:  2,
		},
	)
	f := setupTest(t, planner, time.Second)
	registerTool(t, f.gateway, "voiceover", "audio_processing", succeed(nil))

	ctx := context.Background()
	sess, err := f.sessions.Create(ctx, "Narrate this", nil)
	require.NoError(t, err)

	col := &collector{}
	f.hub.Channel(sess.ID).Subscribe(col.record)

	err = f.orch.Run(ctx, sess.ID)
	require.ErrorIs(t, err, toolgateway.ErrValidationFailed)

	sess, err = f.sessions.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusFailed, sess.Status)
	assert.Equal(t, session.StepFailed, sess.Step("voiceover").Status)
	assert.Zero(t, sess.Step("voiceover").RetryCount)
	assert.Empty(t, sess.UserApprovals)

	// Exactly one rejected attempt and no handler invocation.
	stats, ok := f.gateway.Stats("voiceover")
	require.True(t, ok)
	assert.EqualValues(t, 1, stats.ValidationFailures)
	assert.Zero(t, stats.TotalCalls)

	notices := col.byKind(messaging.KindError)
	require.Len(t, notices, 1)
	notice := notices[0].Payload.(messaging.ErrorNotice)
	assert.Equal(t, "step_rejected", notice.Code)
	assert.False(t, notice.Recoverable)
	assert.False(t, notice.RetryAvailable)

	assert.Empty(t, col.byKind(messaging.KindUserInputRequest))

	complete := col.byKind(messaging.KindWorkflowComplete)
	require.Len(t, complete, 1)
	assert.False(t, complete[0].Payload.(messaging.WorkflowComplete).Success)
}

// Planning a step against a tool that was never registered ends the workflow
// on the first attempt instead of burning retries.
func TestOrchestrator_UnknownToolIsNotRetried(t *testing.T) {
	planner := NewStaticPlanner(
		PlannedStep{ID: "render", Tool: "video_render", Description: "Render the video", MaxRetries: 3},
	)
	f := setupTest(t, planner, time.Second)

	ctx := context.Background()
	sess, err := f.sessions.Create(ctx, "Render it", nil)
	require.NoError(t, err)

	err = f.orch.Run(ctx, sess.ID)
	require.ErrorIs(t, err, toolgateway.ErrNotFound)

	sess, err = f.sessions.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusFailed, sess.Status)
	assert.NotNil(t, sess.CompletedAt)
	assert.Zero(t, sess.Step("render").RetryCount)
	assert.Empty(t, sess.UserApprovals)
}

func TestOrchestrator_PauseAndResume(t *testing.T) {
	planner := NewStaticPlanner(
		PlannedStep{ID: "step_one", Tool: "first", Description: "First step", Args: promptArgs()},
		PlannedStep{ID: "step_two", Tool: "second", Description: "Second step", Args: promptArgs()},
	)
	f := setupTest(t, planner, time.Second)

	var sessID string
	registerTool(t, f.gateway, "first", "utility", func(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
		// Request a pause mid-flight; it takes effect at the next step boundary.
		require.NoError(t, f.orch.Pause(sessID))
		return map[string]interface{}{"success": true}, nil
	})
	registerTool(t, f.gateway, "second", "utility", succeed(nil))

	ctx := context.Background()
	sess, err := f.sessions.Create(ctx, "Two step run", nil)
	require.NoError(t, err)
	sessID = sess.ID

	col := &collector{}
	f.hub.Channel(sess.ID).Subscribe(col.record)

	runDone := make(chan error, 1)
	go func() { runDone <- f.orch.Run(ctx, sess.ID) }()

	require.Eventually(t, func() bool {
		return len(col.byKind(messaging.KindProcessPaused)) == 1
	}, 2*time.Second, 5*time.Millisecond)

	state, err := f.orch.State(sess.ID)
	require.NoError(t, err)
	assert.Equal(t, workflow.StatePaused, state)

	require.NoError(t, f.orch.Resume(sess.ID))
	require.NoError(t, <-runDone)

	assert.Len(t, col.byKind(messaging.KindProcessResumed), 1)

	sess, err = f.sessions.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, sess.Status)
}

func TestOrchestrator_Cancel(t *testing.T) {
	planner := NewStaticPlanner(
		PlannedStep{ID: "step_one", Tool: "first", Description: "First step", Args: promptArgs()},
		PlannedStep{ID: "step_two", Tool: "second", Description: "Second step", Args: promptArgs()},
	)
	f := setupTest(t, planner, time.Second)

	var sessID string
	registerTool(t, f.gateway, "first", "utility", func(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
		require.NoError(t, f.orch.Cancel(sessID))
		return map[string]interface{}{"success": true}, nil
	})
	secondRan := false
	registerTool(t, f.gateway, "second", "utility", func(ctx context.Context, input map[string]interface{}) (map[string]interface{}, error) {
		secondRan = true
		return map[string]interface{}{"success": true}, nil
	})

	ctx := context.Background()
	sess, err := f.sessions.Create(ctx, "Cancelled run", nil)
	require.NoError(t, err)
	sessID = sess.ID

	col := &collector{}
	f.hub.Channel(sess.ID).Subscribe(col.record)

	require.NoError(t, f.orch.Run(ctx, sess.ID))
	assert.False(t, secondRan)

	sess, err = f.sessions.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCancelled, sess.Status)

	complete := col.byKind(messaging.KindWorkflowComplete)
	require.Len(t, complete, 1)
	assert.False(t, complete[0].Payload.(messaging.WorkflowComplete).Success)
}

func TestOrchestrator_PlanningFailure(t *testing.T) {
	f := setupTest(t, NewStaticPlanner(), time.Second)

	ctx := context.Background()
	sess, err := f.sessions.Create(ctx, "No plan for this", nil)
	require.NoError(t, err)

	col := &collector{}
	f.hub.Channel(sess.ID).Subscribe(col.record)

	err = f.orch.Run(ctx, sess.ID)
	assert.ErrorIs(t, err, ErrEmptyPlan)

	sess, err = f.sessions.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusFailed, sess.Status)

	notices := col.byKind(messaging.KindError)
	require.Len(t, notices, 1)
	assert.False(t, notices[0].Payload.(messaging.ErrorNotice).Recoverable)
}

func TestOrchestrator_ControlCallsRequireRunningWorkflow(t *testing.T) {
	f := setupTest(t, NewStaticPlanner(PlannedStep{Tool: "noop"}), time.Second)

	assert.ErrorIs(t, f.orch.Pause("missing"), ErrNoRun)
	assert.ErrorIs(t, f.orch.Resume("missing"), ErrNoRun)
	assert.ErrorIs(t, f.orch.Cancel("missing"), ErrNoRun)
}

func TestStaticPlanner_AssignsIDsAndCopiesArgs(t *testing.T) {
	p := NewStaticPlanner(
		PlannedStep{Tool: "script_generation", Args: map[string]interface{}{"topic": PromptPlaceholder}},
		PlannedStep{Tool: "voiceover", Args: map[string]interface{}{"voice": "neutral"}},
	)

	first, err := p.Plan(context.Background(), "prompt one")
	require.NoError(t, err)
	second, err := p.Plan(context.Background(), "prompt two")
	require.NoError(t, err)

	assert.Equal(t, "step_1", first[0].ID)
	assert.Equal(t, "step_2", first[1].ID)
	assert.Equal(t, "prompt one", first[0].Args["topic"])
	assert.Equal(t, "prompt two", second[0].Args["topic"])
	assert.Equal(t, "neutral", second[1].Args["voice"])

	// No placeholder, no substitution: the step list is passed through with
	// exactly the declared keys.
	assert.NotContains(t, second[1].Args, "prompt")
	assert.NotContains(t, second[1].Args, "topic")

	// Mutating one plan's args must not leak into the next.
	first[1].Args["voice"] = "dramatic"
	third, err := p.Plan(context.Background(), "prompt three")
	require.NoError(t, err)
	assert.Equal(t, "neutral", third[1].Args["voice"])
}

// A tool whose schema declares no inputs must be callable under the default
// planner: undeclared keys are rejected at validation, so the planner must not
// add any of its own.
func TestStaticPlanner_AddsNoUndeclaredArgs(t *testing.T) {
	planner := NewStaticPlanner(
		PlannedStep{ID: "cleanup", Tool: "cleanup", Description: "Remove scratch files"},
	)
	f := setupTest(t, planner, time.Second)
	require.NoError(t, f.gateway.Register(toolgateway.Definition{
		Name:        "cleanup",
		Description: "cleanup tool",
		Category:    "utility",
		Version:     "1.0.0",
		Outputs: []toolgateway.Field{
			{Name: "success", Type: "boolean", Description: "Outcome flag"},
		},
		Handler: succeed(nil),
	}))

	ctx := context.Background()
	sess, err := f.sessions.Create(ctx, "Tidy the workspace", nil)
	require.NoError(t, err)

	require.NoError(t, f.orch.Run(ctx, sess.ID))

	sess, err = f.sessions.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusCompleted, sess.Status)

	stats, ok := f.gateway.Stats("cleanup")
	require.True(t, ok)
	assert.Zero(t, stats.ValidationFailures)
	assert.EqualValues(t, 1, stats.SuccessfulCalls)
}
