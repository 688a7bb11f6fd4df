package lifecycle

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/jrsteele09/go-session-manager/identity"
	"github.com/jrsteele09/go-session-manager/sessions"
	"github.com/pkg/errors"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

type credentials struct {
	Email    string `validate:"required,email"`
	Password string `validate:"required"`
}

type idTokenInput struct {
	IDToken string `validate:"required"`
}

type reactivation struct {
	Email string `validate:"required,email"`
}

// Accepted server expiry formats, tried in order. Unix seconds are also accepted.
var expiryLayouts = []string{
	time.RFC3339Nano,
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// Login signs in with email and password.
func (m *Manager) Login(ctx context.Context, email, password string) error {
	defer m.flush()

	email = strings.TrimSpace(email)
	if ce := validateInput(identity.OpLogin, credentials{Email: email, Password: password}); ce != nil {
		m.recordError(ce)
		return ce
	}

	gen := m.currentGeneration()
	grant, err := m.client.Login(ctx, email, password)
	return m.finishExchange(ctx, gen, identity.OpLogin, "", grant, err)
}

// ExchangeProviderA signs in with an id-token issued by provider A.
func (m *Manager) ExchangeProviderA(ctx context.Context, idToken string) error {
	return m.exchange(ctx, identity.ProviderA, idToken)
}

// ExchangeProviderB signs in with an id-token issued by provider B.
func (m *Manager) ExchangeProviderB(ctx context.Context, idToken string) error {
	return m.exchange(ctx, identity.ProviderB, idToken)
}

func (m *Manager) exchange(ctx context.Context, p identity.Provider, idToken string) error {
	defer m.flush()

	op := identity.ExchangeOp(p)
	idToken = strings.TrimSpace(idToken)
	if ce := validateInput(op, idTokenInput{IDToken: idToken}); ce != nil {
		m.recordError(ce)
		return ce
	}

	gen := m.currentGeneration()

	if v := m.verifiers[p]; v != nil {
		if _, err := v.Verify(ctx, idToken); err != nil {
			m.log.Warn().Err(err).Str("provider", string(p)).Msg("Id-token failed local verification")
			return m.finishExchange(ctx, gen, op, p, nil, err)
		}
	}

	grant, err := identity.Exchange(ctx, m.client, p, idToken)
	return m.finishExchange(ctx, gen, op, p, grant, err)
}

// Reactivate asks the backend to re-enable a deactivated account. It does not
// change the session state.
func (m *Manager) Reactivate(ctx context.Context, email string) error {
	email = strings.TrimSpace(email)
	if ce := validateInput(identity.OpReactivate, reactivation{Email: email}); ce != nil {
		m.recordError(ce)
		return ce
	}

	if err := m.client.Reactivate(ctx, email); err != nil {
		ce := identity.Classify(identity.OpReactivate, err)
		m.log.Warn().Err(err).Str("kind", ce.Kind.String()).Msg("Reactivation failed")
		m.recordError(ce)
		return ce
	}

	m.recordError(nil)
	return nil
}

// finishExchange turns the result of a login or exchange into a session, or
// applies the failure. A failure leaves any local session and its state
// (Authenticated or Unreachable) alone; only without one does the state
// settle on Unauthenticated.
func (m *Manager) finishExchange(ctx context.Context, gen uint64, op string, p identity.Provider, grant *identity.Grant, err error) error {
	var s sessions.Session
	if err == nil {
		s, err = m.sessionFromGrant(grant)
	}
	if err == nil {
		return m.commit(ctx, gen, op, s)
	}

	ce := identity.Classify(op, err)
	if p != "" {
		ce = ce.WithMessage(identity.ExchangeMessage(p, ce.Kind))
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.generation != gen {
		return ErrSuperseded
	}

	m.log.Warn().Err(err).Str("op", op).Str("kind", ce.Kind.String()).Msg("Sign in failed")
	m.lastErr = ce
	if m.session == nil {
		m.setStateLocked(sessions.UnauthenticatedState())
	}
	return ce
}

// sessionFromGrant builds a session from a backend grant. An unparseable
// expiry is replaced by the fallback expiry rather than failing.
func (m *Manager) sessionFromGrant(grant *identity.Grant) (sessions.Session, error) {
	if grant == nil || grant.AccessToken == "" || grant.RefreshToken == "" || grant.User.ID == "" {
		return sessions.Session{}, errors.Wrap(identity.ErrMalformedResponse, "[Manager.sessionFromGrant] incomplete grant")
	}
	return sessions.Session{
		AccessToken:  grant.AccessToken,
		RefreshToken: grant.RefreshToken,
		ExpiresAt:    m.parseExpiry(grant.ExpiresAt),
		User:         grant.User,
	}, nil
}

func (m *Manager) parseExpiry(raw string) time.Time {
	raw = strings.TrimSpace(raw)
	for _, layout := range expiryLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC()
		}
	}
	if secs, err := strconv.ParseInt(raw, 10, 64); err == nil && secs > 0 {
		return time.Unix(secs, 0).UTC()
	}

	fallback := m.nowFunc().Add(m.fallbackExpiry).UTC()
	m.log.Warn().Str("expires_at", raw).Time("fallback", fallback).Msg("Unparseable session expiry, using fallback")
	return fallback
}

func (m *Manager) recordError(ce *identity.Error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastErr = ce
}

func validateInput(op string, input any) *identity.Error {
	err := validate.Struct(input)
	if err == nil {
		return nil
	}

	ce := identity.Classify(op, err)
	var fieldErrs validator.ValidationErrors
	if errors.As(err, &fieldErrs) && len(fieldErrs) > 0 {
		ce = ce.WithMessage(fieldMessage(fieldErrs[0]))
	}
	return ce
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Field() {
	case "Email":
		if fe.Tag() == "required" {
			return "Please enter your email address."
		}
		return "Please enter a valid email address."
	case "Password":
		return "Please enter your password."
	case "IDToken":
		return "Sign in was cancelled. Please try again."
	}
	return identity.DefaultMessage(identity.Validation)
}
