package lifecycle

import (
	"github.com/jrsteele09/go-session-manager/sessions"
	"golang.org/x/oauth2"
)

type tokenSource struct {
	m *Manager
}

var _ oauth2.TokenSource = tokenSource{}

// TokenSource exposes the current access token to oauth2 HTTP clients.
// Renewal stays with the manager's scheduler; the source only reads.
func (m *Manager) TokenSource() oauth2.TokenSource {
	return tokenSource{m: m}
}

// Token returns the active access token. While Unreachable the cached token is
// served until it expires.
func (ts tokenSource) Token() (*oauth2.Token, error) {
	m := ts.m
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.session == nil {
		return nil, ErrNotAuthenticated
	}
	switch m.state.Kind {
	case sessions.Authenticated:
	case sessions.Unreachable:
		if m.session.Expired(m.nowFunc()) {
			return nil, ErrNotAuthenticated
		}
	default:
		return nil, ErrNotAuthenticated
	}

	return &oauth2.Token{
		AccessToken: m.session.AccessToken,
		TokenType:   "Bearer",
		Expiry:      m.session.ExpiresAt,
	}, nil
}
