package lifecycle_test

import (
	"context"
	"errors"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/jrsteele09/go-session-manager/credstore"
	"github.com/jrsteele09/go-session-manager/credstore/storefake"
	"github.com/jrsteele09/go-session-manager/identity"
	"github.com/jrsteele09/go-session-manager/identity/identityfake"
	"github.com/jrsteele09/go-session-manager/lifecycle"
	"github.com/jrsteele09/go-session-manager/sessions"
	"github.com/jrsteele09/go-session-manager/token/refresh"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

var testStart = time.Date(2026, 10, 16, 9, 0, 0, 0, time.UTC)

type testClock struct {
	lock sync.Mutex
	now  time.Time
}

func (c *testClock) Now() time.Time {
	c.lock.Lock()
	defer c.lock.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.lock.Lock()
	defer c.lock.Unlock()
	c.now = c.now.Add(d)
}

// fakeTimer records a scheduled call; tests run it with fire.
type fakeTimer struct {
	lock    sync.Mutex
	delay   time.Duration
	f       func()
	stopped bool
}

func (ft *fakeTimer) Stop() bool {
	ft.lock.Lock()
	defer ft.lock.Unlock()
	wasActive := !ft.stopped
	ft.stopped = true
	return wasActive
}

// fire runs the scheduled call the way time.AfterFunc does: once it runs the
// timer is spent and no longer pending.
func (ft *fakeTimer) fire() {
	ft.lock.Lock()
	ft.stopped = true
	ft.lock.Unlock()
	ft.f()
}

func (ft *fakeTimer) isStopped() bool {
	ft.lock.Lock()
	defer ft.lock.Unlock()
	return ft.stopped
}

type fakeTimers struct {
	lock   sync.Mutex
	timers []*fakeTimer
}

func (ft *fakeTimers) afterFunc(d time.Duration, f func()) refresh.Timer {
	ft.lock.Lock()
	defer ft.lock.Unlock()
	t := &fakeTimer{delay: d, f: f}
	ft.timers = append(ft.timers, t)
	return t
}

func (ft *fakeTimers) active() []*fakeTimer {
	ft.lock.Lock()
	defer ft.lock.Unlock()
	var active []*fakeTimer
	for _, t := range ft.timers {
		if !t.isStopped() {
			active = append(active, t)
		}
	}
	return active
}

func (ft *fakeTimers) last() *fakeTimer {
	ft.lock.Lock()
	defer ft.lock.Unlock()
	return ft.timers[len(ft.timers)-1]
}

type stateRecorder struct {
	lock   sync.Mutex
	states []sessions.State
}

func (r *stateRecorder) record(s sessions.State) {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.states = append(r.states, s)
}

func (r *stateRecorder) kinds() []sessions.StateKind {
	r.lock.Lock()
	defer r.lock.Unlock()
	kinds := make([]sessions.StateKind, 0, len(r.states))
	for _, s := range r.states {
		kinds = append(kinds, s.Kind)
	}
	return kinds
}

type managerFixture struct {
	clock   *testClock
	client  *identityfake.FakeClient
	store   *storefake.FakeStore
	timers  *fakeTimers
	manager *lifecycle.Manager
	states  *stateRecorder
}

func setupManager(t *testing.T, options ...lifecycle.Option) *managerFixture {
	t.Helper()

	f := &managerFixture{
		clock:  &testClock{now: testStart},
		store:  storefake.NewFakeStore(),
		timers: &fakeTimers{},
		states: &stateRecorder{},
	}
	f.client = identityfake.NewFakeClient(f.clock.Now)

	opts := append([]lifecycle.Option{
		lifecycle.WithNowFunc(f.clock.Now),
		lifecycle.WithAfterFunc(f.timers.afterFunc),
		lifecycle.WithLogger(zerolog.Nop()),
	}, options...)

	m, err := lifecycle.NewManager(f.client, f.store, opts...)
	require.NoError(t, err)
	t.Cleanup(m.Close)
	m.Subscribe(f.states.record)
	f.manager = m
	return f
}

// storeSession writes a session directly to the store, as a previous run would have.
func (f *managerFixture) storeSession(t *testing.T, expiresAt time.Time) sessions.Session {
	t.Helper()
	s := sessions.Session{
		AccessToken:  "stored-access",
		RefreshToken: "stored-refresh",
		ExpiresAt:    expiresAt,
		User:         identityfake.DefaultUser,
	}
	require.NoError(t, credstore.NewVault(f.store).Save(context.Background(), s))
	return s
}

// signIn starts from an empty store and logs in with the default user.
func (f *managerFixture) signIn(t *testing.T) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, f.manager.Start(ctx))
	require.NoError(t, f.manager.Login(ctx, "rider@example.com", "secret"))
	require.Equal(t, sessions.Authenticated, f.manager.State().Kind)
}

func (f *managerFixture) storedAccessToken() string {
	return string(f.store.Snapshot()[credstore.KeyAccessToken])
}

func connectivityError() error {
	return &url.Error{Op: "Post", URL: "http://identity.local/auth/refresh", Err: errors.New("connection refused")}
}

// TestNewManager_RequiresCollaborators tests constructor validation
func TestNewManager_RequiresCollaborators(t *testing.T) {
	_, err := lifecycle.NewManager(nil, storefake.NewFakeStore())
	require.Error(t, err)

	_, err = lifecycle.NewManager(identityfake.NewFakeClient(nil), nil)
	require.Error(t, err)

	m, err := lifecycle.NewManager(identityfake.NewFakeClient(nil), storefake.NewFakeStore())
	require.NoError(t, err)
	require.Equal(t, sessions.Loading, m.State().Kind)
}

// TestStart_NothingStored tests that an empty store settles on Unauthenticated without network calls
func TestStart_NothingStored(t *testing.T) {
	f := setupManager(t)

	require.NoError(t, f.manager.Start(context.Background()))

	require.Equal(t, sessions.Unauthenticated, f.manager.State().Kind)
	require.Zero(t, f.client.TotalCalls())
	require.Empty(t, f.timers.active())
	require.Equal(t, []sessions.StateKind{sessions.Unauthenticated}, f.states.kinds())
}

// TestStart_ValidStoredSession tests restoring a session the backend confirms
func TestStart_ValidStoredSession(t *testing.T) {
	f := setupManager(t)
	f.storeSession(t, testStart.Add(time.Hour))

	require.NoError(t, f.manager.Start(context.Background()))

	state := f.manager.State()
	require.Equal(t, sessions.Authenticated, state.Kind)
	require.Equal(t, identityfake.DefaultUser.ID, state.User.ID)
	require.Equal(t, 1, f.client.Calls(identity.OpValidate))
	require.Zero(t, f.client.Calls(identity.OpRefresh))
	require.Len(t, f.timers.active(), 1)
	require.Equal(t, 55*time.Minute, f.timers.last().delay)
	require.Nil(t, f.manager.LastError())
}

// TestStart_ConnectivityFailsOpen tests that an unreachable backend keeps the cached session
func TestStart_ConnectivityFailsOpen(t *testing.T) {
	f := setupManager(t)
	stored := f.storeSession(t, testStart.Add(time.Hour))
	before := f.store.Snapshot()
	f.client.ValidateFunc = func(context.Context, string) (*identity.ValidationResult, error) {
		return nil, connectivityError()
	}

	require.NoError(t, f.manager.Start(context.Background()))

	require.Equal(t, sessions.Authenticated, f.manager.State().Kind)
	require.Equal(t, stored.User.ID, f.manager.State().User.ID)
	require.Equal(t, before, f.store.Snapshot())
	require.Len(t, f.timers.active(), 1)
	require.Equal(t, 55*time.Minute, f.timers.last().delay)

	lastErr := f.manager.LastError()
	require.NotNil(t, lastErr)
	require.Equal(t, identity.Connectivity, lastErr.Kind)
}

// TestStart_InvalidTokenOutcomes tests the refresh attempted when the backend rejects the stored token
func TestStart_InvalidTokenOutcomes(t *testing.T) {
	tests := []struct {
		name       string
		refreshErr error
		expected   sessions.StateKind
		storeKeys  int
	}{
		{"refresh succeeds", nil, sessions.Authenticated, 4},
		{"refresh rejected", &identity.StatusError{Status: 401}, sessions.Unauthenticated, 0},
		{"refresh malformed", identity.ErrMalformedResponse, sessions.Unauthenticated, 0},
		{"refresh unreachable", connectivityError(), sessions.Unreachable, 4},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setupManager(t)
			f.storeSession(t, testStart.Add(time.Hour))
			f.client.ValidateFunc = func(context.Context, string) (*identity.ValidationResult, error) {
				return &identity.ValidationResult{IsValid: false}, nil
			}
			if tt.refreshErr != nil {
				f.client.RefreshFunc = func(context.Context, string) (*identity.Grant, error) {
					return nil, tt.refreshErr
				}
			}

			err := f.manager.Start(context.Background())
			if tt.refreshErr == nil {
				require.NoError(t, err)
				require.Equal(t, "access-1", f.storedAccessToken())
			} else {
				require.Error(t, err)
			}

			require.Equal(t, tt.expected, f.manager.State().Kind)
			require.Equal(t, tt.storeKeys, f.store.Len())
			require.Equal(t, 1, f.client.Calls(identity.OpRefresh))
		})
	}
}

// TestStart_ExpiredSessionRefreshes tests that an expired session skips validation and refreshes
func TestStart_ExpiredSessionRefreshes(t *testing.T) {
	f := setupManager(t)
	f.storeSession(t, testStart.Add(-time.Minute))

	var usedToken string
	f.client.RefreshFunc = func(_ context.Context, refreshToken string) (*identity.Grant, error) {
		usedToken = refreshToken
		return f.client.NextGrant(time.Hour), nil
	}

	require.NoError(t, f.manager.Start(context.Background()))

	require.Equal(t, sessions.Authenticated, f.manager.State().Kind)
	require.Zero(t, f.client.Calls(identity.OpValidate))
	require.Equal(t, "stored-refresh", usedToken)
	require.Equal(t, "access-1", f.storedAccessToken())
}

// TestStart_PartialSessionIsCleared tests that leftover keys from a broken write are removed
func TestStart_PartialSessionIsCleared(t *testing.T) {
	f := setupManager(t)
	require.NoError(t, f.store.Save(context.Background(), credstore.KeyAccessToken, []byte("orphan")))

	err := f.manager.Start(context.Background())

	require.Equal(t, identity.StorageFailure, identity.KindOf(err))
	require.Equal(t, sessions.Unauthenticated, f.manager.State().Kind)
	require.Zero(t, f.store.Len())
	require.Zero(t, f.client.TotalCalls())
}

// TestStart_NearExpiryRefreshesImmediately tests a session inside the refresh buffer
func TestStart_NearExpiryRefreshesImmediately(t *testing.T) {
	f := setupManager(t)
	f.storeSession(t, testStart.Add(2*time.Second))

	require.NoError(t, f.manager.Start(context.Background()))
	timer := f.timers.last()
	require.Zero(t, timer.delay)

	timer.fire()

	require.Equal(t, 1, f.client.Calls(identity.OpRefresh))
	require.Equal(t, sessions.Authenticated, f.manager.State().Kind)
	require.Equal(t, "access-1", f.storedAccessToken())
	require.Len(t, f.timers.active(), 1)
	require.Equal(t, 55*time.Minute, f.timers.last().delay)
}

// TestRetry_FromUnreachable tests that retry re-runs the start sequence
func TestRetry_FromUnreachable(t *testing.T) {
	f := setupManager(t)
	f.storeSession(t, testStart.Add(-time.Minute))
	f.client.RefreshFunc = func(context.Context, string) (*identity.Grant, error) {
		return nil, connectivityError()
	}

	require.Error(t, f.manager.Start(context.Background()))
	state := f.manager.State()
	require.Equal(t, sessions.Unreachable, state.Kind)
	require.NotNil(t, state.User)
	require.Equal(t, identityfake.DefaultUser.ID, state.User.ID)

	f.client.RefreshFunc = nil
	require.NoError(t, f.manager.Retry(context.Background()))

	require.Equal(t, sessions.Authenticated, f.manager.State().Kind)
	require.Nil(t, f.manager.LastError())
	require.Equal(t, []sessions.StateKind{
		sessions.Unreachable,
		sessions.Loading,
		sessions.Authenticated,
	}, f.states.kinds())
}

// TestRetry_IgnoredOutsideUnreachable tests that retry does nothing in other states
func TestRetry_IgnoredOutsideUnreachable(t *testing.T) {
	f := setupManager(t)
	f.signIn(t)
	calls := f.client.TotalCalls()

	require.NoError(t, f.manager.Retry(context.Background()))

	require.Equal(t, calls, f.client.TotalCalls())
	require.Equal(t, sessions.Authenticated, f.manager.State().Kind)
}

// TestSignOut_ClearsEverything tests local invalidation and the remote logout call
func TestSignOut_ClearsEverything(t *testing.T) {
	f := setupManager(t)
	f.signIn(t)

	var loggedOut string
	f.client.LogoutFunc = func(_ context.Context, accessToken string) error {
		loggedOut = accessToken
		return errors.New("backend down")
	}

	require.NoError(t, f.manager.SignOut(context.Background()))

	require.Equal(t, sessions.Unauthenticated, f.manager.State().Kind)
	require.Zero(t, f.store.Len())
	require.Empty(t, f.timers.active())
	require.Equal(t, "access-1", loggedOut)
	require.Nil(t, f.manager.CurrentUser())
}

// slowStore holds the first Delete until released, like a keychain waiting on the OS.
type slowStore struct {
	credstore.Store
	hold     chan struct{}
	entered  chan struct{}
	release  chan struct{}
	holdOnce sync.Once
}

func newSlowStore(inner credstore.Store) *slowStore {
	return &slowStore{
		Store:   inner,
		hold:    make(chan struct{}),
		entered: make(chan struct{}),
		release: make(chan struct{}),
	}
}

func (s *slowStore) Delete(ctx context.Context, key credstore.Key) error {
	select {
	case <-s.hold:
		s.holdOnce.Do(func() {
			close(s.entered)
			<-s.release
		})
	default:
	}
	return s.Store.Delete(ctx, key)
}

// TestState_NotBlockedByStoreWrite tests that State answers while sign-out is clearing a slow store
func TestState_NotBlockedByStoreWrite(t *testing.T) {
	clock := &testClock{now: testStart}
	store := newSlowStore(storefake.NewFakeStore())
	m, err := lifecycle.NewManager(identityfake.NewFakeClient(clock.Now), store,
		lifecycle.WithNowFunc(clock.Now),
		lifecycle.WithAfterFunc((&fakeTimers{}).afterFunc),
		lifecycle.WithLogger(zerolog.Nop()),
	)
	require.NoError(t, err)
	t.Cleanup(m.Close)

	ctx := context.Background()
	require.NoError(t, m.Start(ctx))
	require.NoError(t, m.Login(ctx, "rider@example.com", "secret"))

	close(store.hold)
	signedOut := make(chan error, 1)
	go func() { signedOut <- m.SignOut(ctx) }()
	<-store.entered

	states := make(chan sessions.State, 1)
	go func() { states <- m.State() }()
	select {
	case s := <-states:
		require.Equal(t, sessions.Authenticated, s.Kind)
	case <-time.After(2 * time.Second):
		t.Fatal("State blocked behind the store write")
	}

	close(store.release)
	require.NoError(t, <-signedOut)
	require.Equal(t, sessions.Unauthenticated, m.State().Kind)
}

// TestSignOut_DuringInFlightRefresh tests that a refresh finishing after sign-out is discarded
func TestSignOut_DuringInFlightRefresh(t *testing.T) {
	tests := []struct {
		name string
		err  error
	}{
		{"refresh succeeds", nil},
		{"refresh rejected", &identity.StatusError{Status: 401}},
		{"refresh unreachable", connectivityError()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := setupManager(t)
			f.signIn(t)

			started := make(chan struct{})
			release := make(chan struct{})
			f.client.RefreshFunc = func(context.Context, string) (*identity.Grant, error) {
				close(started)
				<-release
				if tt.err != nil {
					return nil, tt.err
				}
				return f.client.NextGrant(time.Hour), nil
			}

			done := make(chan error, 1)
			go func() { done <- f.manager.RefreshNow(context.Background()) }()
			<-started

			require.NoError(t, f.manager.SignOut(context.Background()))
			close(release)

			require.ErrorIs(t, <-done, lifecycle.ErrSuperseded)
			require.Equal(t, sessions.Unauthenticated, f.manager.State().Kind)
			require.Zero(t, f.store.Len())
			require.Empty(t, f.timers.active())
		})
	}
}

// TestSubscribe_ObserverCanReenter tests that an observer may call back into the manager
func TestSubscribe_ObserverCanReenter(t *testing.T) {
	f := setupManager(t)
	require.NoError(t, f.manager.Start(context.Background()))

	ctx := context.Background()
	f.manager.Subscribe(func(s sessions.State) {
		if s.Kind == sessions.Authenticated {
			require.NoError(t, f.manager.SignOut(ctx))
		}
	})

	require.NoError(t, f.manager.Login(ctx, "rider@example.com", "secret"))

	require.Equal(t, sessions.Unauthenticated, f.manager.State().Kind)
	require.Equal(t, []sessions.StateKind{
		sessions.Unauthenticated,
		sessions.Authenticated,
		sessions.Unauthenticated,
	}, f.states.kinds())
}

// TestSubscribe_Unsubscribe tests that a removed observer gets no further transitions
func TestSubscribe_Unsubscribe(t *testing.T) {
	f := setupManager(t)

	var got []sessions.StateKind
	unsubscribe := f.manager.Subscribe(func(s sessions.State) { got = append(got, s.Kind) })
	require.NoError(t, f.manager.Start(context.Background()))
	unsubscribe()
	require.NoError(t, f.manager.Login(context.Background(), "rider@example.com", "secret"))

	require.Equal(t, []sessions.StateKind{sessions.Unauthenticated}, got)
	require.Equal(t, []sessions.StateKind{sessions.Unauthenticated, sessions.Authenticated}, f.states.kinds())
}

// TestClose_StopsTimer tests that closing cancels the pending refresh
func TestClose_StopsTimer(t *testing.T) {
	f := setupManager(t)
	f.signIn(t)
	require.Len(t, f.timers.active(), 1)

	f.manager.Close()

	require.Empty(t, f.timers.active())
}

// TestTokenSource tests the oauth2 adapter
func TestTokenSource(t *testing.T) {
	f := setupManager(t)
	ts := f.manager.TokenSource()

	_, err := ts.Token()
	require.ErrorIs(t, err, lifecycle.ErrNotAuthenticated)

	f.signIn(t)
	tok, err := ts.Token()
	require.NoError(t, err)
	require.Equal(t, "access-1", tok.AccessToken)
	require.Equal(t, "Bearer", tok.TokenType)
	require.True(t, testStart.Add(time.Hour).Equal(tok.Expiry))

	require.NoError(t, f.manager.SignOut(context.Background()))
	_, err = ts.Token()
	require.ErrorIs(t, err, lifecycle.ErrNotAuthenticated)
}

// TestWithConfig tests that configured timings reach the scheduler
func TestWithConfig(t *testing.T) {
	f := setupManager(t, lifecycle.WithConfig(sessionTimings{buffer: time.Minute, ttl: time.Minute, fallback: 10 * time.Minute}))
	f.client.LoginFunc = func(context.Context, string, string) (*identity.Grant, error) {
		g := f.client.NextGrant(time.Hour)
		g.ExpiresAt = "not a time"
		return g, nil
	}

	f.signIn(t)

	require.Equal(t, 9*time.Minute, f.timers.last().delay)
}

type sessionTimings struct {
	buffer, ttl, fallback time.Duration
}

func (s sessionTimings) GetRefreshBuffer() time.Duration  { return s.buffer }
func (s sessionTimings) GetProfileTTL() time.Duration     { return s.ttl }
func (s sessionTimings) GetFallbackExpiry() time.Duration { return s.fallback }
