// Package provider verifies third-party id-tokens locally before they are
// exchanged with the identity backend.
package provider

import (
	"context"
	"crypto"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"github.com/jrsteele09/go-session-manager/identity"
	"github.com/pkg/errors"
)

// Claims are the identity claims read from a verified id-token.
type Claims struct {
	Subject  string
	Issuer   string
	Audience []string
	Email    string
	Name     string
	Expiry   time.Time
}

// Verifier checks an id-token issued by a sign-in provider. A token that
// fails its checks wraps identity.ErrMalformedResponse; a key fetch that
// cannot reach the provider wraps the transport error instead.
type Verifier interface {
	Verify(ctx context.Context, rawIDToken string) (*Claims, error)
}

// Verifiers maps each provider to the verifier used for its tokens.
// Providers without an entry are not checked locally.
type Verifiers map[identity.Provider]Verifier

// OIDCVerifier verifies signature, issuer, audience and expiry with go-oidc.
type OIDCVerifier struct {
	verifier  *oidc.IDTokenVerifier
	transport *recordingTransport // nil for static keys
}

var _ Verifier = (*OIDCVerifier)(nil)

// Option customises the oidc.Config used by a verifier.
type Option func(*oidc.Config)

// WithNow sets the clock used for expiry checks (primarily for testing)
func WithNow(now func() time.Time) Option {
	return func(c *oidc.Config) {
		c.Now = now
	}
}

// WithSigningAlgs restricts the accepted signing algorithms.
func WithSigningAlgs(algs ...string) Option {
	return func(c *oidc.Config) {
		c.SupportedSigningAlgs = algs
	}
}

// NewRemote discovers the provider's keys from issuer's OpenID configuration.
// The keys themselves are fetched on first use.
func NewRemote(ctx context.Context, issuer, clientID string, options ...Option) (*OIDCVerifier, error) {
	transport := &recordingTransport{base: http.DefaultTransport}
	ctx = oidc.ClientContext(ctx, &http.Client{Transport: transport})

	p, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, errors.Wrapf(err, "[provider.NewRemote] discover %s", issuer)
	}
	return &OIDCVerifier{
		verifier:  p.Verifier(oidcConfig(clientID, options)),
		transport: transport,
	}, nil
}

// NewStatic verifies against a fixed set of public keys.
func NewStatic(issuer, clientID string, keys []crypto.PublicKey, options ...Option) *OIDCVerifier {
	keySet := &oidc.StaticKeySet{PublicKeys: keys}
	return &OIDCVerifier{verifier: oidc.NewVerifier(issuer, keySet, oidcConfig(clientID, options))}
}

func oidcConfig(clientID string, options []Option) *oidc.Config {
	c := &oidc.Config{ClientID: clientID}
	for _, opt := range options {
		opt(c)
	}
	return c
}

func (v *OIDCVerifier) Verify(ctx context.Context, rawIDToken string) (*Claims, error) {
	if v.transport != nil {
		v.transport.reset()
	}
	idToken, err := v.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		// go-oidc flattens key fetch failures into text, so the transport error is taken from the client.
		if v.transport != nil {
			if fetchErr := v.transport.lastError(); fetchErr != nil {
				return nil, fmt.Errorf("id token keys unavailable: %v: %w", err, fetchErr)
			}
		}
		return nil, fmt.Errorf("id token verification failed: %w: %w", err, identity.ErrMalformedResponse)
	}

	var extra struct {
		Email string `json:"email"`
		Name  string `json:"name"`
	}
	if err := idToken.Claims(&extra); err != nil {
		return nil, fmt.Errorf("id token claims: %w: %w", err, identity.ErrMalformedResponse)
	}

	return &Claims{
		Subject:  idToken.Subject,
		Issuer:   idToken.Issuer,
		Audience: idToken.Audience,
		Email:    extra.Email,
		Name:     extra.Name,
		Expiry:   idToken.Expiry,
	}, nil
}

// recordingTransport remembers the last failure reaching the provider: a
// transport error, or a 5xx answer from its discovery or key endpoints.
type recordingTransport struct {
	base http.RoundTripper

	lock sync.Mutex
	err  error
}

func (t *recordingTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	resp, err := t.base.RoundTrip(req)
	switch {
	case err != nil:
		t.record(err)
	case resp.StatusCode >= http.StatusInternalServerError:
		t.record(&identity.StatusError{Status: resp.StatusCode, Description: req.URL.Path})
	}
	return resp, err
}

func (t *recordingTransport) record(err error) {
	t.lock.Lock()
	defer t.lock.Unlock()
	t.err = err
}

func (t *recordingTransport) reset() {
	t.record(nil)
}

func (t *recordingTransport) lastError() error {
	t.lock.Lock()
	defer t.lock.Unlock()
	return t.err
}
