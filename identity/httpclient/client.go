// Package httpclient implements identity.Client against the identity backend's
// JSON API.
package httpclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jrsteele09/go-session-manager/identity"
	"github.com/jrsteele09/go-session-manager/internal/config"
	"github.com/jrsteele09/go-session-manager/users"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"
	"golang.org/x/oauth2"
)

const (
	pathLogin      = "/auth/login"
	pathRefresh    = "/auth/refresh"
	pathValidate   = "/auth/validate"
	pathLogout     = "/auth/logout"
	pathProviderA  = "/auth/provider-a"
	pathProviderB  = "/auth/provider-b"
	pathReactivate = "/auth/reactivate"
	pathProfile    = "/users/me"

	maxResponseBytes = 1 << 20

	defaultTimeout            = 15 * time.Second
	defaultBreakerMaxFailures = 5
	defaultBreakerOpenTimeout = 30 * time.Second
)

// Client talks to the identity backend over HTTP. Calls pass through a
// circuit breaker that only counts connectivity failures, so repeated wrong
// passwords never open it.
type Client struct {
	baseURL     string
	httpClient  *http.Client
	timeout     time.Duration
	maxFailures uint32
	openTimeout time.Duration
	breaker     *gobreaker.CircuitBreaker
	log         zerolog.Logger
}

var _ identity.Client = (*Client)(nil)

// Option defines a function type to modify the Client instance.
type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithTimeout bounds each request.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.timeout = d
	}
}

// WithBreaker sets how many consecutive connectivity failures open the
// breaker and how long it stays open.
func WithBreaker(maxFailures int, openTimeout time.Duration) Option {
	return func(c *Client) {
		if maxFailures > 0 {
			c.maxFailures = uint32(maxFailures)
		}
		c.openTimeout = openTimeout
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(c *Client) {
		c.log = logger
	}
}

// WithConfig applies timeout and breaker settings from configuration.
func WithConfig(cfg config.BackendConfig) Option {
	return func(c *Client) {
		c.timeout = cfg.GetIdentityTimeout()
		WithBreaker(cfg.GetBreakerMaxFailures(), cfg.GetBreakerOpenTimeout())(c)
	}
}

// New creates a client for the backend at baseURL.
func New(baseURL string, options ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, errors.Wrapf(err, "[httpclient.New] parse base url %q", baseURL)
	}
	if (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		return nil, errors.Errorf("[httpclient.New] base url %q must be an absolute http(s) url", baseURL)
	}

	c := &Client{
		baseURL:     strings.TrimRight(u.String(), "/"),
		httpClient:  http.DefaultClient,
		timeout:     defaultTimeout,
		maxFailures: defaultBreakerMaxFailures,
		openTimeout: defaultBreakerOpenTimeout,
		log:         log.With().Str("component", "identity_client").Logger(),
	}
	for _, opt := range options {
		opt(c)
	}

	c.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "identity",
		MaxRequests: 1,
		Timeout:     c.openTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= c.maxFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || identity.KindOf(err) != identity.Connectivity
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			c.log.Warn().Str("breaker", name).Str("from", from.String()).Str("to", to.String()).Msg("Circuit breaker state changed")
		},
	})

	return c, nil
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type exchangeRequest struct {
	IDToken string `json:"id_token"`
}

type reactivateRequest struct {
	Email string `json:"email"`
}

type errorResponse struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description"`
}

func (c *Client) Login(ctx context.Context, email, password string) (*identity.Grant, error) {
	var grant identity.Grant
	if err := c.do(ctx, http.MethodPost, pathLogin, "", loginRequest{Email: email, Password: password}, &grant); err != nil {
		return nil, err
	}
	return &grant, nil
}

func (c *Client) Refresh(ctx context.Context, refreshToken string) (*identity.Grant, error) {
	var grant identity.Grant
	if err := c.do(ctx, http.MethodPost, pathRefresh, "", refreshRequest{RefreshToken: refreshToken}, &grant); err != nil {
		return nil, err
	}
	return &grant, nil
}

func (c *Client) Validate(ctx context.Context, accessToken string) (*identity.ValidationResult, error) {
	var v identity.ValidationResult
	if err := c.do(ctx, http.MethodPost, pathValidate, accessToken, nil, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func (c *Client) Logout(ctx context.Context, accessToken string) error {
	return c.do(ctx, http.MethodPost, pathLogout, accessToken, nil, nil)
}

func (c *Client) ExchangeProviderA(ctx context.Context, idToken string) (*identity.Grant, error) {
	return c.exchange(ctx, pathProviderA, idToken)
}

func (c *Client) ExchangeProviderB(ctx context.Context, idToken string) (*identity.Grant, error) {
	return c.exchange(ctx, pathProviderB, idToken)
}

func (c *Client) exchange(ctx context.Context, path, idToken string) (*identity.Grant, error) {
	var grant identity.Grant
	if err := c.do(ctx, http.MethodPost, path, "", exchangeRequest{IDToken: idToken}, &grant); err != nil {
		return nil, err
	}
	return &grant, nil
}

func (c *Client) FetchProfile(ctx context.Context, accessToken string) (*users.User, error) {
	var u users.User
	if err := c.do(ctx, http.MethodGet, pathProfile, accessToken, nil, &u); err != nil {
		return nil, err
	}
	return &u, nil
}

func (c *Client) Reactivate(ctx context.Context, email string) error {
	return c.do(ctx, http.MethodPost, pathReactivate, "", reactivateRequest{Email: email}, nil)
}

// do runs one request through the breaker.
func (c *Client) do(ctx context.Context, method, path, accessToken string, body, out any) error {
	_, err := c.breaker.Execute(func() (interface{}, error) {
		return nil, c.roundTrip(ctx, method, path, accessToken, body, out)
	})
	if err != nil {
		c.log.Debug().Err(err).Str("method", method).Str("path", path).Msg("Identity request failed")
	}
	return err
}

func (c *Client) roundTrip(ctx context.Context, method, path, accessToken string, body, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return errors.Wrapf(err, "[Client.roundTrip] encode %s", path)
		}
		reader = bytes.NewReader(encoded)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return errors.Wrapf(err, "[Client.roundTrip] build %s", path)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-ID", uuid.NewString())
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.clientFor(ctx, accessToken).Do(req)
	if err != nil {
		return errors.Wrapf(err, "[Client.roundTrip] %s %s", method, path)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return errors.Wrapf(err, "[Client.roundTrip] read %s", path)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return statusError(resp.StatusCode, data)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s: %v: %w", path, err, identity.ErrMalformedResponse)
	}
	return nil
}

// clientFor returns an HTTP client that sends accessToken as a bearer token.
func (c *Client) clientFor(ctx context.Context, accessToken string) *http.Client {
	if accessToken == "" {
		return c.httpClient
	}
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	return oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "Bearer",
	}))
}

func statusError(status int, body []byte) error {
	se := &identity.StatusError{Status: status}
	var resp errorResponse
	if json.Unmarshal(body, &resp) == nil {
		se.Code = resp.Error
		se.Description = resp.ErrorDescription
	}
	return se
}
