// Package lifecycle owns the authenticated session: it restores, establishes,
// refreshes and clears it, and publishes every state change to observers.
//
// All mutable state lives behind one mutex. Network calls are made without
// holding it; each call remembers the session generation it was issued under
// and its result is dropped if the generation moved on in the meantime.
package lifecycle

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jrsteele09/go-session-manager/credstore"
	"github.com/jrsteele09/go-session-manager/identity"
	"github.com/jrsteele09/go-session-manager/internal/config"
	"github.com/jrsteele09/go-session-manager/provider"
	"github.com/jrsteele09/go-session-manager/sessions"
	"github.com/jrsteele09/go-session-manager/token/refresh"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

const (
	defaultProfileTTL     = 5 * time.Minute
	defaultFallbackExpiry = time.Hour
	defaultRefreshTimeout = 30 * time.Second
)

var (
	// ErrSuperseded is returned when an operation finished after the session it
	// was started for had already been replaced or cleared. Its result is discarded.
	ErrSuperseded = errors.New("operation superseded by a newer session")
	// ErrNotAuthenticated is returned by operations that need an active session.
	ErrNotAuthenticated = errors.New("not authenticated")
	// ErrNoRefreshToken means a refresh was due but no refresh token is stored.
	ErrNoRefreshToken = errors.New("no refresh token stored")
)

// Observer receives every state transition, in order.
type Observer func(sessions.State)

type observerEntry struct {
	id uint64
	fn Observer
}

// Manager is the single owner of the session state machine.
type Manager struct {
	client    identity.Client
	vault     *credstore.Vault
	scheduler *refresh.Scheduler
	verifiers provider.Verifiers

	refreshBuffer  time.Duration
	profileTTL     time.Duration
	fallbackExpiry time.Duration
	refreshTimeout time.Duration
	nowFunc        func() time.Time
	afterFunc      refresh.AfterFunc
	log            zerolog.Logger

	mu         sync.Mutex
	state      sessions.State
	published  atomic.Pointer[sessions.State] // copy of state for readers that must not wait on mu
	session    *sessions.Session
	generation uint64
	lastErr    *identity.Error
	profile    profileCache
	closed     bool

	observers      []observerEntry
	nextObserverID uint64
	pending        []sessions.State
	notifyMu       sync.Mutex
}

// Option defines a function type to modify the Manager instance.
type Option func(*Manager)

// WithNowFunc sets the time source (primarily for testing)
func WithNowFunc(now func() time.Time) Option {
	return func(m *Manager) {
		m.nowFunc = now
	}
}

// WithAfterFunc sets the refresh timer factory (primarily for testing)
func WithAfterFunc(af refresh.AfterFunc) Option {
	return func(m *Manager) {
		m.afterFunc = af
	}
}

// WithLogger sets the logger used for state transitions and failures.
func WithLogger(logger zerolog.Logger) Option {
	return func(m *Manager) {
		m.log = logger
	}
}

// WithRefreshBuffer sets how long before expiry the access token is renewed.
func WithRefreshBuffer(d time.Duration) Option {
	return func(m *Manager) {
		m.refreshBuffer = d
	}
}

// WithProfileTTL sets how long a fetched profile is considered fresh.
func WithProfileTTL(d time.Duration) Option {
	return func(m *Manager) {
		m.profileTTL = d
	}
}

// WithFallbackExpiry sets the lifetime assumed when the backend's expiry cannot be parsed.
func WithFallbackExpiry(d time.Duration) Option {
	return func(m *Manager) {
		m.fallbackExpiry = d
	}
}

// WithRefreshTimeout bounds a scheduled or background network call.
func WithRefreshTimeout(d time.Duration) Option {
	return func(m *Manager) {
		m.refreshTimeout = d
	}
}

// WithVerifiers enables local id-token checks before provider exchanges.
func WithVerifiers(v provider.Verifiers) Option {
	return func(m *Manager) {
		m.verifiers = v
	}
}

// WithConfig applies the session timings from configuration.
func WithConfig(c config.SessionConfig) Option {
	return func(m *Manager) {
		m.refreshBuffer = c.GetRefreshBuffer()
		m.profileTTL = c.GetProfileTTL()
		m.fallbackExpiry = c.GetFallbackExpiry()
	}
}

// NewManager creates a Manager in the Loading state. Call Start to restore a
// stored session.
func NewManager(client identity.Client, store credstore.Store, options ...Option) (*Manager, error) {
	if client == nil {
		return nil, errors.New("[NewManager] identity client is required")
	}
	if store == nil {
		return nil, errors.New("[NewManager] credential store is required")
	}

	m := &Manager{
		client:         client,
		vault:          credstore.NewVault(store),
		refreshBuffer:  refresh.DefaultBuffer,
		profileTTL:     defaultProfileTTL,
		fallbackExpiry: defaultFallbackExpiry,
		refreshTimeout: defaultRefreshTimeout,
		nowFunc:        time.Now,
		log:            log.With().Str("component", "session_manager").Logger(),
		state:          sessions.LoadingState(),
	}
	m.replaceStateLocked(m.state)

	for _, opt := range options {
		opt(m)
	}

	schedulerOptions := []refresh.SchedulerOption{
		refresh.WithBuffer(m.refreshBuffer),
		refresh.WithNowFunc(m.nowFunc),
	}
	if m.afterFunc != nil {
		schedulerOptions = append(schedulerOptions, refresh.WithAfterFunc(m.afterFunc))
	}
	m.scheduler = refresh.NewScheduler(m.onRefreshDue, schedulerOptions...)
	m.profile.ttl = m.profileTTL

	return m, nil
}

// State returns the current session state. It never waits on the manager's
// lock, so it stays responsive while the credential store is being written.
func (m *Manager) State() sessions.State {
	return *m.published.Load()
}

// LastError returns the most recent classified failure, or nil after a
// successful operation.
func (m *Manager) LastError() *identity.Error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.lastErr == nil {
		return nil
	}
	c := *m.lastErr
	return &c
}

// Subscribe registers an observer for state transitions. Observers are called
// outside the manager's lock, in transition order, and may call back into the
// manager. The returned func removes the observer.
func (m *Manager) Subscribe(o Observer) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.nextObserverID++
	id := m.nextObserverID
	m.observers = append(m.observers, observerEntry{id: id, fn: o})

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, entry := range m.observers {
			if entry.id == id {
				m.observers = append(m.observers[:i:i], m.observers[i+1:]...)
				return
			}
		}
	}
}

// Close stops the refresh timer. The manager must not be used afterwards.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	m.scheduler.Cancel()
}

// Start restores the stored session: it enters Loading, then settles on
// Authenticated, Unauthenticated or Unreachable.
func (m *Manager) Start(ctx context.Context) error {
	defer m.flush()

	m.mu.Lock()
	m.setStateLocked(sessions.LoadingState())
	gen := m.generation

	stored, err := m.vault.Load(ctx)
	if err != nil {
		m.log.Warn().Err(err).Msg("Stored session unusable, clearing it")
		ce := identity.StorageError("restore", err)
		m.destroyLocked(ctx)
		m.lastErr = ce
		m.setStateLocked(sessions.UnauthenticatedState())
		m.mu.Unlock()
		return ce
	}
	if stored == nil {
		m.session = nil
		m.setStateLocked(sessions.UnauthenticatedState())
		m.mu.Unlock()
		return nil
	}

	m.session = stored
	// The stored user may be old; leaving FetchedAt zero makes the next read refetch it.
	m.profile.seed(stored.User, time.Time{})
	expired := stored.Expired(m.nowFunc())
	m.mu.Unlock()

	if !expired {
		validation, err := m.client.Validate(ctx, stored.AccessToken)
		ce := identity.Classify(identity.OpValidate, err)

		m.mu.Lock()
		if m.generation != gen {
			m.mu.Unlock()
			return ErrSuperseded
		}
		switch {
		case ce == nil && validation != nil && validation.IsValid:
			m.activateLocked(*stored)
			m.lastErr = nil
			m.mu.Unlock()
			return nil
		case ce != nil && ce.Kind.KeepsSession():
			m.log.Info().Err(err).Msg("Identity backend unreachable, using cached session")
			m.activateLocked(*stored)
			m.lastErr = ce
			m.mu.Unlock()
			return nil
		}
		m.mu.Unlock()
		m.log.Info().Msg("Stored access token no longer valid, refreshing")
	}

	return m.refreshSession(ctx, gen)
}

// Retry re-runs the start sequence from Unreachable. In any other state it does nothing.
func (m *Manager) Retry(ctx context.Context) error {
	m.mu.Lock()
	unreachable := m.state.Kind == sessions.Unreachable
	m.mu.Unlock()
	if !unreachable {
		return nil
	}
	return m.Start(ctx)
}

// SignOut clears the local session unconditionally, then tells the backend.
// A failed remote logout is only logged.
func (m *Manager) SignOut(ctx context.Context) error {
	defer m.flush()

	m.mu.Lock()
	var accessToken string
	if m.session != nil {
		accessToken = m.session.AccessToken
	}
	clearErr := m.destroyLocked(ctx)
	m.lastErr = nil
	if clearErr != nil {
		m.lastErr = identity.StorageError(identity.OpLogout, clearErr)
	}
	m.setStateLocked(sessions.UnauthenticatedState())
	result := m.lastErr
	m.mu.Unlock()

	if accessToken != "" {
		if err := m.client.Logout(ctx, accessToken); err != nil {
			m.log.Warn().Err(err).Msg("Remote logout failed, local session already cleared")
		}
	}

	if result != nil {
		return result
	}
	return nil
}

// activateLocked makes s the active session without persisting it.
func (m *Manager) activateLocked(s sessions.Session) {
	m.session = &s
	m.scheduler.Arm(s.ExpiresAt)
	m.setStateLocked(sessions.AuthenticatedState(s.User))
}

// commit persists s and makes it the active session. If persisting fails the
// session is rolled back and the state drops to Unauthenticated.
func (m *Manager) commit(ctx context.Context, gen uint64, op string, s sessions.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.generation != gen {
		m.log.Debug().Str("op", op).Msg("Discarding result for superseded session")
		return ErrSuperseded
	}

	if err := m.vault.Save(ctx, s); err != nil {
		m.log.Error().Err(err).Str("op", op).Msg("Failed to persist session, rolled back")
		ce := identity.StorageError(op, err)
		m.destroyLocked(ctx)
		m.lastErr = ce
		m.setStateLocked(sessions.UnauthenticatedState())
		return ce
	}

	m.generation++
	// A fetch from the previous generation will be discarded, so release its slot.
	m.profile.reset()
	m.profile.seed(s.User, m.nowFunc())
	m.activateLocked(s)
	m.lastErr = nil
	m.log.Info().Str("op", op).Str("user_id", s.User.ID).Time("expires_at", s.ExpiresAt).Msg("Session established")
	return nil
}

// destroyLocked drops the in-memory session, cancels the refresh timer and
// clears the store. It starts a new generation so in-flight results are ignored.
func (m *Manager) destroyLocked(ctx context.Context) error {
	m.generation++
	m.scheduler.Cancel()
	m.session = nil
	m.profile.reset()

	if err := m.vault.Clear(context.WithoutCancel(ctx)); err != nil {
		m.log.Error().Err(err).Msg("Failed to clear stored session")
		return err
	}
	return nil
}

func (m *Manager) setStateLocked(s sessions.State) {
	if m.state.Equal(s) {
		m.replaceStateLocked(s)
		return
	}
	m.log.Debug().Str("from", m.state.String()).Str("to", s.String()).Msg("Session state changed")
	m.replaceStateLocked(s)
	m.pending = append(m.pending, s)
}

// replaceStateLocked swaps the state without queueing a transition.
func (m *Manager) replaceStateLocked(s sessions.State) {
	m.state = s
	published := s
	m.published.Store(&published)
}

func (m *Manager) currentGeneration() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generation
}

// flush delivers queued transitions. Only one goroutine delivers at a time; a
// caller that finds delivery in progress leaves its transitions to that goroutine.
func (m *Manager) flush() {
	for {
		if !m.notifyMu.TryLock() {
			return
		}

		m.mu.Lock()
		batch := m.pending
		m.pending = nil
		observers := append([]observerEntry(nil), m.observers...)
		m.mu.Unlock()

		for _, s := range batch {
			for _, o := range observers {
				o.fn(s)
			}
		}
		m.notifyMu.Unlock()

		m.mu.Lock()
		more := len(m.pending) > 0
		m.mu.Unlock()
		if !more {
			return
		}
	}
}
