package identity

import (
	"context"

	"github.com/jrsteele09/go-session-manager/users"
)

// Provider identifies a third-party id-token issuer accepted by the backend.
type Provider string

const (
	ProviderA Provider = "provider_a"
	ProviderB Provider = "provider_b"
)

// Operation names used in classified errors and call accounting.
const (
	OpLogin        = "login"
	OpRefresh      = "refresh"
	OpValidate     = "validate"
	OpLogout       = "logout"
	OpExchangeA    = "exchange_provider_a"
	OpExchangeB    = "exchange_provider_b"
	OpFetchProfile = "fetch_profile"
	OpReactivate   = "reactivate"
)

// ExchangeOp returns the operation name for an exchange with p.
func ExchangeOp(p Provider) string {
	if p == ProviderB {
		return OpExchangeB
	}
	return OpExchangeA
}

// Grant is the backend's answer to any operation that establishes a session.
// ExpiresAt is passed through as the server sent it; parsing it is the
// caller's job so that a bad timestamp never fails the call itself.
type Grant struct {
	AccessToken  string     `json:"access_token"`
	RefreshToken string     `json:"refresh_token"`
	ExpiresAt    string     `json:"expires_at"`
	User         users.User `json:"user"`
}

// ValidationResult is the result of checking an access token with the backend.
type ValidationResult struct {
	IsValid bool `json:"is_valid"`
}

// Client performs the remote identity operations the session manager depends on.
// Implementations return errors that Classify can reduce to a Kind.
type Client interface {
	Login(ctx context.Context, email, password string) (*Grant, error)
	Refresh(ctx context.Context, refreshToken string) (*Grant, error)
	Validate(ctx context.Context, accessToken string) (*ValidationResult, error)
	// Logout is best effort; callers invalidate local state regardless of the result.
	Logout(ctx context.Context, accessToken string) error
	ExchangeProviderA(ctx context.Context, idToken string) (*Grant, error)
	ExchangeProviderB(ctx context.Context, idToken string) (*Grant, error)
	FetchProfile(ctx context.Context, accessToken string) (*users.User, error)
	Reactivate(ctx context.Context, email string) error
}

// Exchange dispatches an id-token exchange to the client operation for p.
func Exchange(ctx context.Context, c Client, p Provider, idToken string) (*Grant, error) {
	switch p {
	case ProviderA:
		return c.ExchangeProviderA(ctx, idToken)
	case ProviderB:
		return c.ExchangeProviderB(ctx, idToken)
	}
	return nil, &Error{Kind: Validation, Op: "exchange", Message: "Unsupported sign-in provider.", Err: ErrValidation}
}

// DisplayName returns the provider name used in user facing messages.
func (p Provider) DisplayName() string {
	switch p {
	case ProviderA:
		return "Provider A"
	case ProviderB:
		return "Provider B"
	}
	return string(p)
}
