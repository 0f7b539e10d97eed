package messaging

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrNoResponse is returned when a user input request times out.
	ErrNoResponse = errors.New("no user response received")
	// ErrDuplicateRequest is returned when a second input request is made for
	// a step whose first request has not resolved yet. This indicates a
	// caller bug, not a user-facing condition.
	ErrDuplicateRequest = errors.New("user input request already pending for step")
	// ErrNoPendingRequest is returned when a response arrives for a step with
	// no outstanding request.
	ErrNoPendingRequest = errors.New("no pending user input request for step")
)

// Handler receives every message published on a channel.
type Handler func(Message)

// Observer receives channel activity notifications, typically for metrics.
type Observer interface {
	MessagePublished(kind string)
	UserInputResolved(outcome string)
}

type subscriber struct {
	id      int
	handler Handler
	async   bool
}

// Channel is the per-session fan-out bus. Publish appends to an ordered
// history and delivers to all subscribers; one subscriber's failure never
// blocks the rest. It also correlates user-input requests with responses
// delivered by the inbound transport.
type Channel struct {
	sessionID string
	logger    zerolog.Logger
	observer  Observer

	mu          sync.Mutex
	nextSubID   int
	subscribers []subscriber
	history     []Message
	pending     map[string]chan interface{}
	responses   map[string]interface{}
}

// Option configures a Channel.
type Option func(*Channel)

// WithObserver attaches an activity observer.
func WithObserver(o Observer) Option {
	return func(c *Channel) { c.observer = o }
}

// NewChannel creates a message channel for a session.
func NewChannel(sessionID string, logger zerolog.Logger, opts ...Option) *Channel {
	c := &Channel{
		sessionID: sessionID,
		logger:    logger.With().Str("session_id", sessionID).Logger(),
		pending:   make(map[string]chan interface{}),
		responses: make(map[string]interface{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SessionID returns the session this channel belongs to.
func (c *Channel) SessionID() string {
	return c.sessionID
}

// Subscribe registers a synchronous handler and returns its id.
func (c *Channel) Subscribe(h Handler) int {
	return c.subscribe(h, false)
}

// SubscribeAsync registers a handler delivered on its own goroutine.
func (c *Channel) SubscribeAsync(h Handler) int {
	return c.subscribe(h, true)
}

func (c *Channel) subscribe(h Handler, async bool) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.nextSubID++
	c.subscribers = append(c.subscribers, subscriber{id: c.nextSubID, handler: h, async: async})
	c.logger.Debug().Int("subscribers", len(c.subscribers)).Msg("Subscriber added")
	return c.nextSubID
}

// Unsubscribe removes a subscriber by id.
func (c *Channel) Unsubscribe(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for i, sub := range c.subscribers {
		if sub.id == id {
			c.subscribers = append(c.subscribers[:i], c.subscribers[i+1:]...)
			break
		}
	}
	c.logger.Debug().Int("subscribers", len(c.subscribers)).Msg("Subscriber removed")
}

// Publish appends the message to the session history and fans it out. It
// returns after every synchronous subscriber ran and every asynchronous
// delivery has been scheduled.
func (c *Channel) Publish(msg Message) {
	if msg.SessionID == "" {
		msg.SessionID = c.sessionID
	}

	c.mu.Lock()
	c.history = append(c.history, msg)
	subs := make([]subscriber, len(c.subscribers))
	copy(subs, c.subscribers)
	c.mu.Unlock()

	if c.observer != nil {
		c.observer.MessagePublished(string(msg.Kind))
	}

	for _, sub := range subs {
		if sub.async {
			go c.deliver(sub, msg)
		} else {
			c.deliver(sub, msg)
		}
	}
}

// deliver invokes one handler, isolating panics so the rest of the fan-out
// proceeds.
func (c *Channel) deliver(sub subscriber, msg Message) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error().
				Interface("panic", r).
				Str("kind", string(msg.Kind)).
				Int("subscriber", sub.id).
				Msg("Subscriber panicked during delivery")
		}
	}()
	sub.handler(msg)
}

// RequestUserInput publishes a user-input-request and suspends the caller
// until DeliverResponse resolves it, the timeout elapses or ctx is
// cancelled. The wait handle is always discarded on exit, so a later request
// for the same step id does not conflict. Only one outstanding request per
// step id is permitted.
func (c *Channel) RequestUserInput(ctx context.Context, stepID, question string, options []string, timeout time.Duration) (interface{}, error) {
	c.mu.Lock()
	if _, exists := c.pending[stepID]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrDuplicateRequest, stepID)
	}
	wait := make(chan interface{}, 1)
	c.pending[stepID] = wait
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		if c.pending[stepID] == wait {
			delete(c.pending, stepID)
		}
		c.mu.Unlock()
	}()

	req := UserInputRequest{StepID: stepID, Question: question, Options: options}
	if timeout > 0 {
		req.Timeout = timeout.Milliseconds()
	}
	c.Publish(New(c.sessionID, KindUserInputRequest, req))

	var timeoutCh <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutCh = timer.C
	}

	select {
	case value := <-wait:
		c.resolved("answered")
		return value, nil
	case <-timeoutCh:
		c.logger.Warn().Str("step_id", stepID).Dur("timeout", timeout).Msg("User input request timed out")
		c.resolved("timeout")
		return nil, ErrNoResponse
	case <-ctx.Done():
		c.resolved("cancelled")
		return nil, ctx.Err()
	}
}

func (c *Channel) resolved(outcome string) {
	if c.observer != nil {
		c.observer.UserInputResolved(outcome)
	}
}

// DeliverResponse resolves the outstanding input request for stepID with the
// given value. Called by the inbound transport.
func (c *Channel) DeliverResponse(stepID string, value interface{}) error {
	c.mu.Lock()
	wait, ok := c.pending[stepID]
	if ok {
		delete(c.pending, stepID)
		c.responses[stepID] = value
	}
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrNoPendingRequest, stepID)
	}

	wait <- value
	c.logger.Debug().Str("step_id", stepID).Msg("User response delivered")
	return nil
}

// History returns a copy of all messages published on this channel.
func (c *Channel) History() []Message {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make([]Message, len(c.history))
	copy(out, c.history)
	return out
}

// LastMessage returns the most recently published message, if any.
func (c *Channel) LastMessage() (Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if len(c.history) == 0 {
		return Message{}, false
	}
	return c.history[len(c.history)-1], true
}

// Info returns a snapshot of channel state for diagnostics.
func (c *Channel) Info() map[string]interface{} {
	c.mu.Lock()
	defer c.mu.Unlock()

	pending := make([]string, 0, len(c.pending))
	for stepID := range c.pending {
		pending = append(pending, stepID)
	}
	return map[string]interface{}{
		"session_id":       c.sessionID,
		"message_count":    len(c.history),
		"subscriber_count": len(c.subscribers),
		"pending_requests": pending,
	}
}

// Hub hands out one channel per session id. It is the subscription entry
// point the host transport uses to forward outbound messages.
type Hub struct {
	logger   zerolog.Logger
	opts     []Option
	mu       sync.Mutex
	channels map[string]*Channel
}

// NewHub creates an empty channel hub. Options are applied to every channel
// it creates.
func NewHub(logger zerolog.Logger, opts ...Option) *Hub {
	return &Hub{
		logger:   logger,
		opts:     opts,
		channels: make(map[string]*Channel),
	}
}

// Channel returns the channel for a session, creating it on first use.
func (h *Hub) Channel(sessionID string) *Channel {
	h.mu.Lock()
	defer h.mu.Unlock()

	if ch, ok := h.channels[sessionID]; ok {
		return ch
	}
	ch := NewChannel(sessionID, h.logger, h.opts...)
	h.channels[sessionID] = ch
	return ch
}

// Remove drops the channel for a session.
func (h *Hub) Remove(sessionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.channels, sessionID)
}
