package lifecycle

import (
	"context"
	"time"

	"github.com/jrsteele09/go-session-manager/identity"
	"github.com/jrsteele09/go-session-manager/sessions"
	"github.com/jrsteele09/go-session-manager/users"
	"github.com/pkg/errors"
)

// ProfileCacheEntry is the last fetched user profile.
type ProfileCacheEntry struct {
	User      users.User
	FetchedAt time.Time
}

type profileCache struct {
	ttl      time.Duration
	entry    *ProfileCacheEntry
	inFlight bool
}

func (c *profileCache) seed(u users.User, fetchedAt time.Time) {
	c.entry = &ProfileCacheEntry{User: u, FetchedAt: fetchedAt}
}

func (c *profileCache) reset() {
	c.entry = nil
	c.inFlight = false
}

func (c *profileCache) stale(now time.Time) bool {
	return c.entry == nil || now.Sub(c.entry.FetchedAt) > c.ttl
}

// begin claims the in-flight slot. It returns false if a fetch is already running.
func (c *profileCache) begin() bool {
	if c.inFlight {
		return false
	}
	c.inFlight = true
	return true
}

// CurrentUser returns the signed in user, or nil when there is none. While
// Authenticated it also starts a background profile fetch if the cached
// profile is stale.
func (m *Manager) CurrentUser() *users.User {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch m.state.Kind {
	case sessions.Authenticated:
		m.refreshProfileIfStaleLocked()
		return m.cachedUserLocked()
	case sessions.Unreachable:
		return m.cachedUserLocked()
	}
	return nil
}

// RefreshProfileIfStale starts a background profile fetch when the cached
// profile is older than the TTL and no fetch is running. It reports whether a
// fetch was started.
func (m *Manager) RefreshProfileIfStale() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.state.Kind != sessions.Authenticated {
		return false
	}
	return m.refreshProfileIfStaleLocked()
}

// ForceRefreshProfile fetches the profile now, ignoring the TTL. If a fetch is
// already running it returns nil without starting another.
func (m *Manager) ForceRefreshProfile(ctx context.Context) error {
	m.mu.Lock()
	if m.state.Kind != sessions.Authenticated || m.session == nil {
		m.mu.Unlock()
		return ErrNotAuthenticated
	}
	if !m.profile.begin() {
		m.mu.Unlock()
		return nil
	}
	gen, accessToken := m.generation, m.session.AccessToken
	m.mu.Unlock()

	return m.fetchProfile(ctx, gen, accessToken)
}

// Profile returns a copy of the cached profile entry, if any.
func (m *Manager) Profile() *ProfileCacheEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.profile.entry == nil {
		return nil
	}
	entry := *m.profile.entry
	return &entry
}

func (m *Manager) refreshProfileIfStaleLocked() bool {
	if m.session == nil || !m.profile.stale(m.nowFunc()) || !m.profile.begin() {
		return false
	}

	gen, accessToken := m.generation, m.session.AccessToken
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), m.refreshTimeout)
		defer cancel()
		_ = m.fetchProfile(ctx, gen, accessToken)
	}()
	return true
}

// fetchProfile never changes the session state. Failures are logged and
// reported through LastError only.
func (m *Manager) fetchProfile(ctx context.Context, gen uint64, accessToken string) error {
	u, err := m.client.FetchProfile(ctx, accessToken)
	if err == nil && (u == nil || u.ID == "") {
		err = errors.Wrap(identity.ErrMalformedResponse, "[Manager.fetchProfile] empty profile")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.generation != gen {
		return ErrSuperseded
	}
	m.profile.inFlight = false

	if err == nil && m.session != nil && u.ID != m.session.User.ID {
		err = errors.Wrapf(identity.ErrMalformedResponse, "[Manager.fetchProfile] profile for %s, session for %s", u.ID, m.session.User.ID)
	}
	if err != nil {
		ce := identity.Classify(identity.OpFetchProfile, err)
		m.log.Warn().Err(err).Str("kind", ce.Kind.String()).Msg("Profile refresh failed")
		m.lastErr = ce
		return ce
	}

	m.profile.seed(*u, m.nowFunc())
	if m.session != nil {
		updated := m.session.WithUser(*u)
		m.session = &updated
		if m.state.Kind == sessions.Authenticated {
			m.replaceStateLocked(sessions.AuthenticatedState(*u))
		}
	}

	if err := m.vault.SaveUser(ctx, *u); err != nil {
		ce := identity.StorageError(identity.OpFetchProfile, err)
		m.log.Warn().Err(err).Msg("Failed to persist refreshed profile")
		m.lastErr = ce
		return ce
	}

	m.lastErr = nil
	return nil
}

// cachedUserLocked prefers the profile cache over the user stored with the session.
func (m *Manager) cachedUserLocked() *users.User {
	if m.profile.entry != nil {
		return m.profile.entry.User.Clone()
	}
	if m.session != nil {
		return m.session.User.Clone()
	}
	return nil
}
