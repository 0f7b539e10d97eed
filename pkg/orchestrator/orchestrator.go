package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/clipflow/clipflow/pkg/messaging"
	"github.com/clipflow/clipflow/pkg/session"
	"github.com/clipflow/clipflow/pkg/toolgateway"
	"github.com/clipflow/clipflow/pkg/workflow"
)

var (
	// ErrNoRun is returned when a control call targets a session with no
	// running workflow.
	ErrNoRun = errors.New("no running workflow for session")
	// ErrAlreadyRunning is returned when a workflow is started twice for the
	// same session.
	ErrAlreadyRunning = errors.New("workflow already running for session")
)

// DefaultApprovalTimeout bounds how long a workflow waits for a user decision
// after a step exhausts its retries.
const DefaultApprovalTimeout = 5 * time.Minute

// Verifier checks a successful tool output before a step is accepted.
type Verifier func(step *session.WorkflowStep, output map[string]interface{}) bool

// Config wires an Orchestrator's collaborators.
type Config struct {
	Sessions *session.Manager
	Gateway  *toolgateway.Gateway
	Hub      *messaging.Hub
	Planner  Planner
	Logger   zerolog.Logger

	// ApprovalTimeout bounds the wait for a user decision. Zero means
	// DefaultApprovalTimeout.
	ApprovalTimeout time.Duration
	// Verify accepts or rejects a successful tool output. Nil accepts all.
	Verify Verifier
	// Observer receives workflow outcome notifications. Optional.
	Observer Observer
}

// Observer receives workflow lifecycle notifications, typically for metrics.
type Observer interface {
	WorkflowCompleted()
	WorkflowCancelled()
	WorkflowFailed()
	StepRetried()
}

// Orchestrator drives one workflow per session: plan, execute steps through
// the tool gateway, verify, retry on failure, and escalate to the user when
// the retry budget runs out. Sessions progress independently; the only
// blocking point is the wait for a user decision.
type Orchestrator struct {
	sessions        *session.Manager
	gateway         *toolgateway.Gateway
	hub             *messaging.Hub
	planner         Planner
	logger          zerolog.Logger
	approvalTimeout time.Duration
	verify          Verifier
	observer        Observer

	mu   sync.Mutex
	runs map[string]*run
}

// run is the in-flight control block for one session's workflow.
type run struct {
	machine *workflow.Machine
	cancel  context.CancelFunc

	mu        sync.Mutex
	paused    bool
	resumeCh  chan struct{}
	cancelled bool
}

// New creates an Orchestrator.
func New(cfg Config) *Orchestrator {
	o := &Orchestrator{
		sessions:        cfg.Sessions,
		gateway:         cfg.Gateway,
		hub:             cfg.Hub,
		planner:         cfg.Planner,
		logger:          cfg.Logger.With().Str("component", "orchestrator").Logger(),
		approvalTimeout: cfg.ApprovalTimeout,
		verify:          cfg.Verify,
		observer:        cfg.Observer,
		runs:            make(map[string]*run),
	}
	if o.approvalTimeout <= 0 {
		o.approvalTimeout = DefaultApprovalTimeout
	}
	if o.verify == nil {
		o.verify = func(*session.WorkflowStep, map[string]interface{}) bool { return true }
	}
	return o
}

// StartWorkflow creates a session for the prompt and drives its workflow on a
// background goroutine. The session is returned immediately.
func (o *Orchestrator) StartWorkflow(ctx context.Context, userPrompt string, userContext map[string]interface{}) (*session.Session, error) {
	sess, err := o.sessions.Create(ctx, userPrompt, userContext)
	if err != nil {
		return nil, err
	}

	go func() {
		if err := o.Run(context.Background(), sess.ID); err != nil {
			o.logger.Error().Err(err).Str("session_id", sess.ID).Msg("Workflow run ended with error")
		}
	}()

	return sess, nil
}

// Run drives the workflow for an existing session to completion. It returns
// when the workflow reaches done, is cancelled, or hits an unrecoverable
// fault. Run must be called at most once per session at a time.
func (o *Orchestrator) Run(ctx context.Context, sessionID string) error {
	sess, err := o.sessions.Get(ctx, sessionID)
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	r := &run{machine: workflow.NewMachine(o.logger), cancel: cancel}
	o.mu.Lock()
	if _, exists := o.runs[sessionID]; exists {
		o.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyRunning, sessionID)
	}
	o.runs[sessionID] = r
	o.mu.Unlock()

	defer func() {
		o.mu.Lock()
		delete(o.runs, sessionID)
		o.mu.Unlock()
	}()

	ch := o.hub.Channel(sessionID)
	logger := o.logger.With().Str("session_id", sessionID).Logger()

	if err := o.plan(runCtx, r, sess, ch, logger); err != nil {
		return err
	}

	r.machine.Transition(workflow.StateExecutingStep, workflow.Context{})
	sess.Status = session.StatusExecuting
	o.persist(runCtx, sess, ch, logger)

	for {
		step := sess.NextPendingStep()
		if step == nil {
			break
		}

		stop, err := o.checkpoint(runCtx, r, sess, ch, logger)
		if stop || err != nil {
			return err
		}

		done, err := o.runStep(runCtx, r, sess, ch, step, logger)
		if err != nil {
			return err
		}
		if done {
			// The user declined to continue; the workflow already ended.
			return nil
		}
	}

	return o.finish(runCtx, r, sess, ch, logger)
}

// Pause requests a pause at the next step boundary.
func (o *Orchestrator) Pause(sessionID string) error {
	r, err := o.runFor(sessionID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.paused {
		r.paused = true
		r.resumeCh = make(chan struct{})
	}
	return nil
}

// Resume releases a paused workflow.
func (o *Orchestrator) Resume(sessionID string) error {
	r, err := o.runFor(sessionID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.paused {
		r.paused = false
		close(r.resumeCh)
		r.resumeCh = nil
	}
	return nil
}

// Cancel stops a running workflow. In-flight waits are interrupted.
func (o *Orchestrator) Cancel(sessionID string) error {
	r, err := o.runFor(sessionID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.cancelled = true
	if r.paused {
		r.paused = false
		close(r.resumeCh)
		r.resumeCh = nil
	}
	r.mu.Unlock()

	r.cancel()
	return nil
}

// State returns the workflow state for a running session.
func (o *Orchestrator) State(sessionID string) (workflow.State, error) {
	r, err := o.runFor(sessionID)
	if err != nil {
		return "", err
	}
	return r.machine.Current(), nil
}

func (o *Orchestrator) runFor(sessionID string) (*run, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	r, ok := o.runs[sessionID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoRun, sessionID)
	}
	return r, nil
}

// plan moves the session through planning and materializes the step list.
func (o *Orchestrator) plan(ctx context.Context, r *run, sess *session.Session, ch *messaging.Channel, logger zerolog.Logger) error {
	r.machine.Transition(workflow.StatePlanning, workflow.Context{})
	sess.Status = session.StatusPlanning
	o.persist(ctx, sess, ch, logger)

	ch.Publish(messaging.New(sess.ID, messaging.KindAgentMessage, messaging.AgentMessage{
		Content: "Planning workflow for: " + sess.UserPrompt,
	}))

	steps, err := o.planner.Plan(ctx, sess.UserPrompt)
	if err != nil {
		r.machine.Transition(workflow.StateHandlingError, workflow.Context{})
		sess.Status = session.StatusFailed
		sess.ErrorMessage = "planning failed"
		o.persist(ctx, sess, ch, logger)
		ch.Publish(messaging.New(sess.ID, messaging.KindError, messaging.ErrorNotice{
			Code:            "planning_failed",
			Message:         "Could not build a workflow plan for this request",
			Recoverable:     false,
			SuggestedAction: "rephrase the request and start a new session",
		}))
		if o.observer != nil {
			o.observer.WorkflowFailed()
		}
		return fmt.Errorf("planning session %s: %w", sess.ID, err)
	}

	for _, ps := range steps {
		sess.AddStep(&session.WorkflowStep{
			StepID:      ps.ID,
			Description: ps.Description,
			Tool:        ps.Tool,
			Args:        ps.Args,
			MaxRetries:  ps.MaxRetries,
		})
	}
	o.persist(ctx, sess, ch, logger)

	return nil
}

// runStep executes one step to a settled outcome: verified, or ended by a
// user decision. It returns done=true when the workflow was terminated from
// inside the step (user cancelled or the approval wait timed out).
func (o *Orchestrator) runStep(ctx context.Context, r *run, sess *session.Session, ch *messaging.Channel, step *session.WorkflowStep, logger zerolog.Logger) (done bool, err error) {
	sess.CurrentStep = step.StepID

	for {
		if err := ctx.Err(); err != nil {
			o.markCancelled(ctx, sess, ch, logger)
			return true, nil
		}

		sess.SetStepStatus(step.StepID, session.StepRunning)
		o.persist(ctx, sess, ch, logger)

		ch.Publish(messaging.New(sess.ID, messaging.KindToolCall, messaging.ToolCall{
			Tool:        step.Tool,
			Args:        step.Args,
			StepID:      step.StepID,
			Description: step.Description,
		}))

		start := time.Now()
		output, execErr := o.gateway.Execute(ctx, step.Tool, step.Args, sess.ID)
		duration := time.Since(start)

		out := &session.ToolOutput{
			Tool:      step.Tool,
			StepID:    step.StepID,
			Success:   execErr == nil,
			Output:    output,
			Duration:  duration,
			Timestamp: time.Now(),
		}
		if execErr != nil {
			out.Error = execErr.Error()
		}
		sess.RecordOutput(out)

		r.machine.Transition(workflow.StateVerifyingStep, workflow.Context{})

		verified := execErr == nil && o.verify(step, output)
		out.VerificationPassed = verified

		ch.Publish(messaging.New(sess.ID, messaging.KindToolResult, messaging.ToolResult{
			Tool:               step.Tool,
			StepID:             step.StepID,
			Success:            execErr == nil,
			Output:             output,
			Error:              out.Error,
			VerificationPassed: verified,
		}))

		if verified {
			sess.SetStepStatus(step.StepID, session.StepVerified)
			r.machine.Transition(workflow.StateExecutingStep, workflow.Context{VerificationPassed: true})
			o.persist(ctx, sess, ch, logger)
			ch.Publish(messaging.New(sess.ID, messaging.KindProgress, messaging.Progress{
				Step:    step.StepID,
				Percent: sess.Progress(),
				Status:  "completed",
				Detail:  step.Description,
			}))
			return false, nil
		}

		sess.SetStepStatus(step.StepID, session.StepFailed)
		r.machine.Transition(workflow.StateHandlingError, workflow.Context{VerificationPassed: false})

		if execErr != nil && !retryable(execErr) {
			logger.Error().Err(execErr).Str("step_id", step.StepID).Msg("Step rejected with a non-retryable error")
			sess.Status = session.StatusFailed
			sess.ErrorMessage = execErr.Error()
			now := time.Now()
			sess.CompletedAt = &now
			o.persist(ctx, sess, ch, logger)
			ch.Publish(messaging.New(sess.ID, messaging.KindError, messaging.ErrorNotice{
				Code:            "step_rejected",
				Message:         fmt.Sprintf("Step %s was rejected: %v", step.StepID, execErr),
				StepID:          step.StepID,
				Recoverable:     false,
				RetryAvailable:  false,
				SuggestedAction: "fix the step's tool name or arguments and start a new session",
			}))
			ch.Publish(messaging.New(sess.ID, messaging.KindWorkflowComplete, messaging.WorkflowComplete{
				Success:        false,
				Summary:        fmt.Sprintf("Workflow stopped: step %s was rejected before execution", step.StepID),
				TotalSteps:     len(sess.WorkflowSteps),
				CompletedSteps: len(sess.CompletedSteps()),
			}))
			if o.observer != nil {
				o.observer.WorkflowFailed()
			}
			return true, fmt.Errorf("step %s: %w", step.StepID, execErr)
		}

		if sess.CanRetry(step.StepID) {
			sess.IncrementRetry(step.StepID)
			if o.observer != nil {
				o.observer.StepRetried()
			}
			o.persist(ctx, sess, ch, logger)
			logger.Warn().
				Str("step_id", step.StepID).
				Int("retry", step.RetryCount).
				Int("max_retries", step.MaxRetries).
				Msg("Step failed, retrying")
			ch.Publish(messaging.New(sess.ID, messaging.KindError, messaging.ErrorNotice{
				Code:            "step_failed",
				Message:         fmt.Sprintf("Step %s failed, retrying (%d/%d)", step.StepID, step.RetryCount, step.MaxRetries),
				StepID:          step.StepID,
				Recoverable:     true,
				RetryAvailable:  true,
				SuggestedAction: "no action needed, retrying automatically",
			}))
			r.machine.Transition(workflow.StateExecutingStep, workflow.Context{RetryAvailable: true})
			continue
		}

		// Retry budget exhausted; hand the decision to the user.
		ended, err := o.escalate(ctx, r, sess, ch, step, logger)
		if ended || err != nil {
			return ended, err
		}
	}
}

// escalate asks the user whether to retry an exhausted step. Approval grants
// a fresh retry budget; rejection, timeout, or cancellation ends the workflow.
func (o *Orchestrator) escalate(ctx context.Context, r *run, sess *session.Session, ch *messaging.Channel, step *session.WorkflowStep, logger zerolog.Logger) (ended bool, err error) {
	r.machine.Transition(workflow.StateAwaitingUserApproval, workflow.Context{RetryAvailable: false})
	sess.SetStepStatus(step.StepID, session.StepNeedsApproval)
	o.persist(ctx, sess, ch, logger)

	ch.Publish(messaging.New(sess.ID, messaging.KindError, messaging.ErrorNotice{
		Code:            "retries_exhausted",
		Message:         fmt.Sprintf("Step %s failed after %d attempt(s)", step.StepID, step.RetryCount+1),
		StepID:          step.StepID,
		Recoverable:     true,
		RetryAvailable:  false,
		SuggestedAction: "approve another retry or cancel the workflow",
	}))

	question := fmt.Sprintf("Step %q failed repeatedly. Retry it?", step.Description)
	resp, reqErr := ch.RequestUserInput(ctx, step.StepID, question, []string{"retry", "cancel"}, o.approvalTimeout)

	approved := reqErr == nil && isApproval(resp)
	var feedback string
	if resp != nil {
		feedback = fmt.Sprint(resp)
	}
	sess.RecordApproval(session.UserApproval{
		StepID:    step.StepID,
		Approved:  approved,
		Feedback:  feedback,
		Timestamp: time.Now(),
		UserID:    sess.UserID(),
	})

	switch {
	case approved:
		logger.Info().Str("step_id", step.StepID).Msg("User approved retry")
		step.RetryCount = 0
		r.machine.Transition(workflow.StateExecutingStep, workflow.Context{UserApproved: true})
		o.persist(ctx, sess, ch, logger)
		return false, nil

	case errors.Is(reqErr, context.Canceled):
		o.markCancelled(ctx, sess, ch, logger)
		return true, nil

	default:
		// Explicit rejection or an unanswered request both end the workflow.
		if errors.Is(reqErr, messaging.ErrNoResponse) {
			logger.Warn().Str("step_id", step.StepID).Msg("Approval request timed out, treating as rejection")
		}
		r.machine.Transition(workflow.StateDone, workflow.Context{UserCancelled: true})
		sess.Status = session.StatusCancelled
		now := time.Now()
		sess.CompletedAt = &now
		o.persist(ctx, sess, ch, logger)
		ch.Publish(messaging.New(sess.ID, messaging.KindWorkflowComplete, messaging.WorkflowComplete{
			Success:        false,
			Summary:        fmt.Sprintf("Workflow stopped after step %s failed", step.StepID),
			TotalSteps:     len(sess.WorkflowSteps),
			CompletedSteps: len(sess.CompletedSteps()),
		}))
		if o.observer != nil {
			o.observer.WorkflowCancelled()
		}
		return true, nil
	}
}

// finish runs the final check once every step has settled.
func (o *Orchestrator) finish(ctx context.Context, r *run, sess *session.Session, ch *messaging.Channel, logger zerolog.Logger) error {
	r.machine.Transition(workflow.StateFinalCheck, workflow.Context{AllStepsComplete: true})

	passed := len(sess.CompletedSteps()) == len(sess.WorkflowSteps)
	if !passed {
		r.machine.Transition(workflow.StateAwaitingUserApproval, workflow.Context{FinalCheckPassed: false})
		sess.Status = session.StatusFailed
		sess.ErrorMessage = "final check failed: not all steps completed"
		o.persist(ctx, sess, ch, logger)
		ch.Publish(messaging.New(sess.ID, messaging.KindError, messaging.ErrorNotice{
			Code:            "final_check_failed",
			Message:         "Workflow finished with incomplete steps",
			Recoverable:     false,
			SuggestedAction: "inspect the failed steps and start a new session",
		}))
		if o.observer != nil {
			o.observer.WorkflowFailed()
		}
		return fmt.Errorf("final check failed for session %s", sess.ID)
	}

	r.machine.Transition(workflow.StateDone, workflow.Context{FinalCheckPassed: true})
	sess.Status = session.StatusCompleted
	sess.CurrentStep = ""
	now := time.Now()
	sess.CompletedAt = &now
	o.persist(ctx, sess, ch, logger)

	ch.Publish(messaging.New(sess.ID, messaging.KindWorkflowComplete, messaging.WorkflowComplete{
		Success:        true,
		Summary:        fmt.Sprintf("Completed %d step(s)", len(sess.WorkflowSteps)),
		TotalSteps:     len(sess.WorkflowSteps),
		CompletedSteps: len(sess.CompletedSteps()),
	}))

	if o.observer != nil {
		o.observer.WorkflowCompleted()
	}
	logger.Info().Int("steps", len(sess.WorkflowSteps)).Msg("Workflow complete")
	return nil
}

// checkpoint honors pause and cancel requests at a step boundary. It blocks
// while paused and reports stop=true when the workflow should end.
func (o *Orchestrator) checkpoint(ctx context.Context, r *run, sess *session.Session, ch *messaging.Channel, logger zerolog.Logger) (stop bool, err error) {
	r.mu.Lock()
	cancelled := r.cancelled
	paused := r.paused
	resumeCh := r.resumeCh
	r.mu.Unlock()

	if cancelled || ctx.Err() != nil {
		o.markCancelled(ctx, sess, ch, logger)
		return true, nil
	}
	if !paused {
		return false, nil
	}

	r.machine.Transition(workflow.StatePaused, workflow.Context{})
	sess.Status = session.StatusPaused
	o.persist(ctx, sess, ch, logger)
	ch.Publish(messaging.New(sess.ID, messaging.KindProcessPaused, messaging.ProcessPaused{
		StepID:        sess.CurrentStep,
		Reason:        "pause requested",
		ResumeOptions: []string{"resume", "cancel"},
	}))

	select {
	case <-resumeCh:
	case <-ctx.Done():
		o.markCancelled(ctx, sess, ch, logger)
		return true, nil
	}

	r.mu.Lock()
	cancelled = r.cancelled
	r.mu.Unlock()
	if cancelled {
		o.markCancelled(ctx, sess, ch, logger)
		return true, nil
	}

	r.machine.Transition(workflow.StateExecutingStep, workflow.Context{})
	sess.Status = session.StatusExecuting
	o.persist(ctx, sess, ch, logger)
	ch.Publish(messaging.New(sess.ID, messaging.KindProcessResumed, messaging.ProcessResumed{
		StepID: sess.CurrentStep,
	}))
	return false, nil
}

func (o *Orchestrator) markCancelled(ctx context.Context, sess *session.Session, ch *messaging.Channel, logger zerolog.Logger) {
	sess.Status = session.StatusCancelled
	now := time.Now()
	sess.CompletedAt = &now
	// The run context is usually already cancelled here; the final state still
	// has to reach durable storage.
	o.persist(context.WithoutCancel(ctx), sess, ch, logger)
	ch.Publish(messaging.New(sess.ID, messaging.KindWorkflowComplete, messaging.WorkflowComplete{
		Success:        false,
		Summary:        "Workflow cancelled",
		TotalSteps:     len(sess.WorkflowSteps),
		CompletedSteps: len(sess.CompletedSteps()),
	}))
	if o.observer != nil {
		o.observer.WorkflowCancelled()
	}
	logger.Info().Msg("Workflow cancelled")
}

// persist saves the session and mirrors the status to subscribers. A failed
// save is logged and surfaced as a message; the in-memory session stays
// authoritative and the next persist retries the full graph.
func (o *Orchestrator) persist(ctx context.Context, sess *session.Session, ch *messaging.Channel, logger zerolog.Logger) {
	if err := o.sessions.Update(ctx, sess); err != nil {
		logger.Error().Err(err).Msg("Failed to persist session")
		ch.Publish(messaging.New(sess.ID, messaging.KindError, messaging.ErrorNotice{
			Code:            "persistence_failure",
			Message:         "Progress could not be saved; retrying on next update",
			Recoverable:     true,
			SuggestedAction: "no action needed",
		}))
		return
	}

	ch.Publish(messaging.New(sess.ID, messaging.KindSessionUpdate, messaging.SessionUpdate{
		Status:      string(sess.Status),
		CurrentStep: sess.CurrentStep,
		Progress:    sess.Progress(),
	}))
}

// retryable reports whether a gateway error is worth re-running. Validation
// and lookup failures are deterministic: the same call yields the same
// rejection, so they surface once and end the workflow.
func retryable(err error) bool {
	return !errors.Is(err, toolgateway.ErrValidationFailed) && !errors.Is(err, toolgateway.ErrNotFound)
}

func isApproval(resp interface{}) bool {
	switch v := resp.(type) {
	case bool:
		return v
	case string:
		return v == "retry" || v == "approve" || v == "yes"
	default:
		return false
	}
}
