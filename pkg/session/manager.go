package session

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"
)

const (
	DefaultTTL           = time.Hour
	DefaultSweepInterval = 5 * time.Minute
	DefaultMaxActive     = 100
)

// Observer receives lifecycle notifications, typically for metrics.
type Observer interface {
	SessionCreated()
	SessionEvicted()
	ActiveSessions(n int)
}

// Config holds manager configuration.
type Config struct {
	Store         Store
	Logger        zerolog.Logger
	TTL           time.Duration // expiry renewed on every access
	SweepInterval time.Duration // eviction sweep period
	MaxActive     int           // bound on cache-resident sessions
	Observer      Observer      // optional
}

// Manager owns the authoritative in-memory map of active sessions, backed by
// a durable Store. Reads and writes for a given session id are serialized by
// a per-session lock; independent sessions proceed concurrently.
type Manager struct {
	store         Store
	logger        zerolog.Logger
	ttl           time.Duration
	sweepInterval time.Duration
	maxActive     int
	observer      Observer

	mu     sync.Mutex
	active map[string]*Session
	expiry map[string]time.Time
	locks  map[string]*sync.Mutex

	cron *cron.Cron

	// now is swappable for deterministic expiry tests.
	now func() time.Time
}

// NewManager creates a session manager over the given store.
func NewManager(cfg Config) (*Manager, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if cfg.TTL == 0 {
		cfg.TTL = DefaultTTL
	}
	if cfg.SweepInterval == 0 {
		cfg.SweepInterval = DefaultSweepInterval
	}
	if cfg.MaxActive == 0 {
		cfg.MaxActive = DefaultMaxActive
	}

	m := &Manager{
		store:         cfg.Store,
		logger:        cfg.Logger,
		ttl:           cfg.TTL,
		sweepInterval: cfg.SweepInterval,
		maxActive:     cfg.MaxActive,
		observer:      cfg.Observer,
		active:        make(map[string]*Session),
		expiry:        make(map[string]time.Time),
		locks:         make(map[string]*sync.Mutex),
		now:           time.Now,
	}

	m.logger.Info().
		Dur("ttl", m.ttl).
		Dur("sweep_interval", m.sweepInterval).
		Int("max_active", m.maxActive).
		Msg("Session manager initialized")

	return m, nil
}

// Start begins the periodic eviction sweep.
func (m *Manager) Start() error {
	if m.cron != nil {
		return fmt.Errorf("session manager already started")
	}

	m.cron = cron.New()
	if _, err := m.cron.AddFunc(fmt.Sprintf("@every %s", m.sweepInterval), m.Sweep); err != nil {
		m.cron = nil
		return fmt.Errorf("failed to schedule eviction sweep: %w", err)
	}
	m.cron.Start()

	m.logger.Info().Msg("Session eviction sweep started")
	return nil
}

// Stop halts the sweep and flushes every active session to the store.
func (m *Manager) Stop(ctx context.Context) error {
	if m.cron != nil {
		m.cron.Stop()
		m.cron = nil
	}

	m.mu.Lock()
	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	m.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		if err := m.persistByID(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}

	m.logger.Info().Int("flushed", len(ids)).Msg("Session manager stopped")
	return firstErr
}

// lockFor gets or creates the per-session write lock.
func (m *Manager) lockFor(id string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()

	if lock, ok := m.locks[id]; ok {
		return lock
	}
	lock := &sync.Mutex{}
	m.locks[id] = lock
	return lock
}

func (m *Manager) notifyActive() {
	if m.observer == nil {
		return
	}
	m.mu.Lock()
	n := len(m.active)
	m.mu.Unlock()
	m.observer.ActiveSessions(n)
}

// Create allocates a new session, admits it to the active map and persists it
// immediately. On persistence failure the in-memory session remains
// authoritative and the error is surfaced for the caller to retry.
func (m *Manager) Create(ctx context.Context, userPrompt string, userContext map[string]interface{}) (*Session, error) {
	if userContext == nil {
		userContext = make(map[string]interface{})
	}

	now := m.now()
	sess := &Session{
		ID:          uuid.NewString(),
		UserPrompt:  userPrompt,
		Status:      StatusAwaitingRequest,
		Context:     userContext,
		ToolOutputs: make(map[string]*ToolOutput),
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	if victim := m.admit(sess); victim != "" {
		m.evictOverflow(ctx, victim)
	}
	if m.observer != nil {
		m.observer.SessionCreated()
	}
	m.notifyActive()

	if err := m.store.Save(ctx, sess); err != nil {
		m.logger.Error().Err(err).Str("session_id", sess.ID).Msg("Failed to persist new session")
		return sess, fmt.Errorf("failed to persist session: %w", err)
	}

	m.logger.Info().Str("session_id", sess.ID).Msg("Session created")
	return sess, nil
}

// Get returns a session by id, checking the active map first and falling back
// to the durable store on a miss (cache-aside). Any hit renews the expiry.
func (m *Manager) Get(ctx context.Context, id string) (*Session, error) {
	m.mu.Lock()
	if sess, ok := m.active[id]; ok {
		m.expiry[id] = m.now().Add(m.ttl)
		m.mu.Unlock()
		return sess, nil
	}
	m.mu.Unlock()

	sess, err := m.store.Load(ctx, id)
	if err != nil {
		return nil, err
	}

	if victim := m.admit(sess); victim != "" {
		m.evictOverflow(ctx, victim)
	}
	m.notifyActive()

	m.logger.Debug().Str("session_id", id).Msg("Session reloaded from store")
	return sess, nil
}

// Update refreshes the session's updated_at, re-admits it to the active map
// and persists the full session graph.
func (m *Manager) Update(ctx context.Context, sess *Session) error {
	lock := m.lockFor(sess.ID)
	lock.Lock()
	defer lock.Unlock()

	sess.UpdatedAt = m.now()

	if victim := m.admit(sess); victim != "" {
		m.evictOverflow(ctx, victim)
	}

	if err := m.store.Save(ctx, sess); err != nil {
		m.logger.Error().Err(err).Str("session_id", sess.ID).Msg("Failed to persist session update")
		return fmt.Errorf("failed to persist session: %w", err)
	}

	m.logger.Debug().Str("session_id", sess.ID).Msg("Session updated")
	return nil
}

// Delete removes the session from both the active map and the durable store.
func (m *Manager) Delete(ctx context.Context, id string) error {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	delete(m.active, id)
	delete(m.expiry, id)
	delete(m.locks, id)
	m.mu.Unlock()

	if err := m.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	m.notifyActive()

	m.logger.Info().Str("session_id", id).Msg("Session deleted")
	return nil
}

// List returns active sessions, optionally filtered by user id, sorted most
// recently updated first.
func (m *Manager) List(userID string, limit int) []*Session {
	m.mu.Lock()
	sessions := make([]*Session, 0, len(m.active))
	for _, sess := range m.active {
		sessions = append(sessions, sess)
	}
	m.mu.Unlock()

	if userID != "" {
		filtered := sessions[:0]
		for _, sess := range sessions {
			if sess.UserID() == userID {
				filtered = append(filtered, sess)
			}
		}
		sessions = filtered
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].UpdatedAt.After(sessions[j].UpdatedAt)
	})

	if limit > 0 && len(sessions) > limit {
		sessions = sessions[:limit]
	}
	return sessions
}

// ActiveCount returns the number of cache-resident sessions.
func (m *Manager) ActiveCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.active)
}

// admit inserts the session into the active map with a fresh expiry. When the
// map is full it returns the least-recently-updated resident id; the caller
// must run that eviction outside the map lock.
func (m *Manager) admit(sess *Session) (victim string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, resident := m.active[sess.ID]; !resident && len(m.active) >= m.maxActive {
		var oldest time.Time
		for id, s := range m.active {
			if victim == "" || s.UpdatedAt.Before(oldest) {
				victim = id
				oldest = s.UpdatedAt
			}
		}
	}

	m.active[sess.ID] = sess
	m.expiry[sess.ID] = m.now().Add(m.ttl)
	return victim
}

// Sweep evicts sessions whose expiry has elapsed: each is persisted and then
// removed from the active map only. Eviction never deletes from durable
// storage, so an evicted session stays fetchable through Get.
func (m *Manager) Sweep() {
	now := m.now()

	m.mu.Lock()
	var expired []string
	for id, deadline := range m.expiry {
		if now.After(deadline) {
			expired = append(expired, id)
		}
	}
	m.mu.Unlock()

	for _, id := range expired {
		m.evict(context.Background(), id)
	}

	if len(expired) > 0 {
		m.logger.Info().Int("evicted", len(expired)).Msg("Expired sessions evicted")
	}
}

// evict persists a session and drops it from the active map, under the same
// per-session lock used by Update so it cannot race an in-flight mutation.
func (m *Manager) evict(ctx context.Context, id string) {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	sess, ok := m.active[id]
	m.mu.Unlock()
	if !ok {
		return
	}

	if err := m.store.Save(ctx, sess); err != nil {
		// Keep the session resident: dropping it now would lose the mutation.
		m.logger.Error().Err(err).Str("session_id", id).Msg("Failed to persist session before eviction")
		return
	}

	m.mu.Lock()
	delete(m.active, id)
	delete(m.expiry, id)
	delete(m.locks, id)
	m.mu.Unlock()

	if m.observer != nil {
		m.observer.SessionEvicted()
	}
	m.notifyActive()

	m.logger.Debug().Str("session_id", id).Msg("Session evicted")
}

// evictOverflow handles size-pressure eviction after admit reported a victim.
func (m *Manager) evictOverflow(ctx context.Context, id string) {
	m.logger.Debug().Str("session_id", id).Msg("Active session limit reached, evicting least recently updated")
	m.evict(ctx, id)
}

func (m *Manager) persistByID(ctx context.Context, id string) error {
	lock := m.lockFor(id)
	lock.Lock()
	defer lock.Unlock()

	m.mu.Lock()
	sess, ok := m.active[id]
	m.mu.Unlock()
	if !ok {
		return nil
	}
	return m.store.Save(ctx, sess)
}
