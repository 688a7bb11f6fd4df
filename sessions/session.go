package sessions

import (
	"time"

	"github.com/jrsteele09/go-session-manager/users"
)

// Session is the authenticated identity snapshot held by the client.
// All four fields are created, persisted and destroyed together; a session
// missing any of them is never a valid resting state.
type Session struct {
	AccessToken  string     // Bearer credential for API calls (secret)
	RefreshToken string     // Credential used only to renew AccessToken (secret)
	ExpiresAt    time.Time  // Absolute UTC expiry of AccessToken
	User         users.User // Identity the tokens were issued for
}

// Complete reports whether every field of the session is present.
func (s *Session) Complete() bool {
	return s != nil &&
		s.AccessToken != "" &&
		s.RefreshToken != "" &&
		!s.ExpiresAt.IsZero() &&
		s.User.ID != ""
}

// Expired reports whether the access token has expired at now.
func (s *Session) Expired(now time.Time) bool {
	return !now.Before(s.ExpiresAt)
}

// WithUser returns a copy of the session carrying an updated user record.
// Tokens and expiry are unchanged.
func (s Session) WithUser(u users.User) Session {
	s.User = u
	return s
}
