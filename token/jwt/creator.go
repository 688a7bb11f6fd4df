// Package jwt issues and inspects the id-tokens a sign-in provider hands to
// the app for exchange with the identity backend.
package jwt

import (
	"fmt"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jrsteele09/go-session-manager/token/keys"
	"github.com/jrsteele09/go-session-manager/users"
)

const defaultIDTokenExpiry = 10 * time.Minute

// Creator issues OpenID Connect id-tokens for one issuer.
type Creator struct {
	issuer  string
	signer  keys.Signer
	expiry  time.Duration
	nowFunc func() time.Time
}

// CreatorOption defines a function type to modify the Creator instance.
type CreatorOption func(*Creator)

// WithNowFunc sets the clock used for iat and exp (primarily for testing)
func WithNowFunc(now func() time.Time) CreatorOption {
	return func(c *Creator) {
		c.nowFunc = now
	}
}

func WithExpiry(d time.Duration) CreatorOption {
	return func(c *Creator) {
		if d > 0 {
			c.expiry = d
		}
	}
}

func NewCreator(issuer string, signer keys.Signer, options ...CreatorOption) *Creator {
	c := &Creator{
		issuer:  issuer,
		signer:  signer,
		expiry:  defaultIDTokenExpiry,
		nowFunc: time.Now,
	}
	for _, opt := range options {
		opt(c)
	}
	return c
}

// CreateIDToken creates an id-token for user addressed to clientID
func (c *Creator) CreateIDToken(user users.User, clientID, nonce string) (string, error) {
	// Identity claims only, the role stays with the backend's access token
	now := c.nowFunc()
	claims := jwtlib.MapClaims{
		"iss":   c.issuer,
		"sub":   user.ID,
		"aud":   clientID,
		"email": user.Email,
		"name":  user.DisplayName,
		"iat":   now.Unix(),
		"exp":   now.Add(c.expiry).Unix(),
		"jti":   uuid.New().String(),
	}

	if nonce != "" {
		claims["nonce"] = nonce
	}

	signed, err := c.signer.Sign(claims)
	if err != nil {
		return "", fmt.Errorf("failed to sign id token: %w", err)
	}
	return signed, nil
}
