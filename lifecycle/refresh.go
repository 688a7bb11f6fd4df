package lifecycle

import (
	"context"

	"github.com/jrsteele09/go-session-manager/identity"
	"github.com/jrsteele09/go-session-manager/sessions"
)

// RefreshNow renews the access token immediately instead of waiting for the timer.
func (m *Manager) RefreshNow(ctx context.Context) error {
	defer m.flush()
	return m.refreshSession(ctx, m.currentGeneration())
}

// onRefreshDue runs on the scheduler's timer goroutine.
func (m *Manager) onRefreshDue() {
	defer m.flush()

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	gen := m.generation
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), m.refreshTimeout)
	defer cancel()

	if err := m.refreshSession(ctx, gen); err != nil && err != ErrSuperseded {
		m.log.Warn().Err(err).Msg("Scheduled token refresh failed")
	}
}

// refreshSession exchanges the stored refresh token for a new session.
// Connectivity failures keep the session and move to Unreachable; any other
// failure clears it.
func (m *Manager) refreshSession(ctx context.Context, gen uint64) error {
	m.mu.Lock()
	if m.generation != gen {
		m.mu.Unlock()
		return ErrSuperseded
	}

	refreshToken, ok, err := m.vault.RefreshToken(ctx)
	if err != nil || !ok {
		var ce *identity.Error
		if err != nil {
			ce = identity.StorageError(identity.OpRefresh, err)
		} else {
			ce = &identity.Error{
				Kind:    identity.Rejected,
				Op:      identity.OpRefresh,
				Message: identity.DefaultMessage(identity.Rejected),
				Err:     ErrNoRefreshToken,
			}
		}
		m.log.Info().Err(ce.Err).Msg("No usable refresh token, signing out")
		m.destroyLocked(ctx)
		m.lastErr = ce
		m.setStateLocked(sessions.UnauthenticatedState())
		m.mu.Unlock()
		return ce
	}
	m.mu.Unlock()

	grant, err := m.client.Refresh(ctx, refreshToken)
	var s sessions.Session
	if err == nil {
		s, err = m.sessionFromGrant(grant)
	}
	if err == nil {
		return m.commit(ctx, gen, identity.OpRefresh, s)
	}

	ce := identity.Classify(identity.OpRefresh, err)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.generation != gen {
		return ErrSuperseded
	}

	m.lastErr = ce
	switch {
	case ce.Kind.KeepsSession():
		m.log.Warn().Err(err).Msg("Token refresh could not reach the backend, keeping session")
		m.setStateLocked(sessions.UnreachableState(m.cachedUserLocked()))
	case ce.Kind.DestroysSession():
		m.log.Info().Err(err).Str("kind", ce.Kind.String()).Msg("Token refresh rejected, signing out")
		m.destroyLocked(ctx)
		m.setStateLocked(sessions.UnauthenticatedState())
	}
	return ce
}
