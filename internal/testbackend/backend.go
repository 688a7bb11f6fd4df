// Package testbackend is an in-process identity backend speaking the same JSON
// API as the real one. It backs the HTTP client tests and the CLI demo.
package testbackend

import (
	"crypto/rand"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jrsteele09/go-session-manager/identity"
	interrors "github.com/jrsteele09/go-session-manager/internal/errors"
	"github.com/jrsteele09/go-session-manager/token/keys"
	"github.com/jrsteele09/go-session-manager/users"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/bcrypt"
)

// Routes served by the backend.
const (
	RouteLogin      = "/auth/login"
	RouteRefresh    = "/auth/refresh"
	RouteValidate   = "/auth/validate"
	RouteLogout     = "/auth/logout"
	RouteProviderA  = "/auth/provider-a"
	RouteProviderB  = "/auth/provider-b"
	RouteReactivate = "/auth/reactivate"
	RouteProfile    = "/users/me"
)

const defaultAccessTTL = time.Hour

type account struct {
	user         users.User
	passwordHash []byte
	deactivated  bool
}

// Backend holds accounts and issued tokens in memory.
type Backend struct {
	lock          sync.Mutex
	secret        []byte
	accounts      map[string]*account // by email
	refreshTokens map[string]string   // refresh token -> email
	revoked       map[string]bool     // access token jti
	idTokens      map[identity.Provider]map[string]string
	issuers       map[identity.Provider]*providerIssuer
	providerKeys  map[identity.Provider]*keys.KeyPair
	calls         map[string]int

	accessTTL     time.Duration
	expiryFormat  func(time.Time) string
	offline       bool
	malformed     bool
	lastRequestID string
	nowFunc       func() time.Time
	log           zerolog.Logger

	server *httptest.Server
}

// Option defines a function type to modify the Backend instance.
type Option func(*Backend)

// WithNowFunc sets the time source used for token lifetimes.
func WithNowFunc(now func() time.Time) Option {
	return func(b *Backend) {
		b.nowFunc = now
	}
}

// WithAccessTTL sets the lifetime of issued access tokens.
func WithAccessTTL(ttl time.Duration) Option {
	return func(b *Backend) {
		b.accessTTL = ttl
	}
}

func WithLogger(logger zerolog.Logger) Option {
	return func(b *Backend) {
		b.log = logger
	}
}

// WithProviderKey makes provider p sign its id-tokens with keyPair instead of
// a key generated on first use.
func WithProviderKey(p identity.Provider, keyPair *keys.KeyPair) Option {
	return func(b *Backend) {
		b.providerKeys[p] = keyPair
	}
}

// New creates an empty backend. Call Start to serve it.
func New(options ...Option) *Backend {
	secret := make([]byte, 32)
	_, _ = rand.Read(secret)

	b := &Backend{
		secret:        secret,
		accounts:      make(map[string]*account),
		refreshTokens: make(map[string]string),
		revoked:       make(map[string]bool),
		idTokens: map[identity.Provider]map[string]string{
			identity.ProviderA: {},
			identity.ProviderB: {},
		},
		issuers:      make(map[identity.Provider]*providerIssuer),
		providerKeys: make(map[identity.Provider]*keys.KeyPair),
		calls:        make(map[string]int),
		accessTTL:    defaultAccessTTL,
		expiryFormat: func(t time.Time) string { return t.UTC().Format(time.RFC3339) },
		nowFunc:      time.Now,
		log:          log.With().Str("component", "testbackend").Logger(),
	}
	for _, opt := range options {
		opt(b)
	}
	return b
}

// Start serves the backend on a local listener and returns its base URL.
func (b *Backend) Start() string {
	b.server = httptest.NewServer(b.Handler())
	return b.server.URL
}

// Close stops the server, if started.
func (b *Backend) Close() {
	if b.server != nil {
		b.server.Close()
	}
}

// AddUser registers an account and returns its user record.
func (b *Backend) AddUser(email, password, displayName string, role users.RoleType) (users.User, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		return users.User{}, errors.Wrap(err, "[Backend.AddUser] hash password")
	}

	u := users.User{
		ID:          uuid.NewString(),
		Email:       strings.ToLower(email),
		DisplayName: displayName,
		Role:        role,
	}

	b.lock.Lock()
	defer b.lock.Unlock()
	b.accounts[u.Email] = &account{user: u, passwordHash: hash}
	return u, nil
}

// RegisterIDToken makes idToken exchangeable with provider p for the account email.
func (b *Backend) RegisterIDToken(p identity.Provider, idToken, email string) {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.idTokens[p][idToken] = strings.ToLower(email)
}

// Deactivate disables an account until it is reactivated.
func (b *Backend) Deactivate(email string) error {
	b.lock.Lock()
	defer b.lock.Unlock()
	acc, ok := b.accounts[strings.ToLower(email)]
	if !ok {
		return interrors.ErrUserNotFound
	}
	acc.deactivated = true
	return nil
}

// RenameUser changes the display name returned by the profile endpoint.
func (b *Backend) RenameUser(email, displayName string) error {
	b.lock.Lock()
	defer b.lock.Unlock()
	acc, ok := b.accounts[strings.ToLower(email)]
	if !ok {
		return interrors.ErrUserNotFound
	}
	acc.user.DisplayName = displayName
	return nil
}

// RevokeAll invalidates every issued access and refresh token.
func (b *Backend) RevokeAll() {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.refreshTokens = make(map[string]string)
	// Rotating the secret invalidates every outstanding access token signature.
	_, _ = rand.Read(b.secret)
}

// SetOffline makes every endpoint answer 503.
func (b *Backend) SetOffline(offline bool) {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.offline = offline
}

// SetMalformed makes every endpoint answer 200 with a body that is not JSON.
func (b *Backend) SetMalformed(malformed bool) {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.malformed = malformed
}

// SetExpiryFormat controls how expires_at is rendered in grants.
func (b *Backend) SetExpiryFormat(format func(time.Time) string) {
	b.lock.Lock()
	defer b.lock.Unlock()
	b.expiryFormat = format
}

// Calls returns how many requests reached route.
func (b *Backend) Calls(route string) int {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.calls[route]
}

// LastRequestID returns the X-Request-ID of the most recent request.
func (b *Backend) LastRequestID() string {
	b.lock.Lock()
	defer b.lock.Unlock()
	return b.lastRequestID
}

// issueLocked creates a fresh access and refresh token pair for acc.
func (b *Backend) issueLocked(acc *account) (*identity.Grant, error) {
	now := b.nowFunc()
	expiresAt := now.Add(b.accessTTL)

	claims := jwt.MapClaims{
		"sub":   acc.user.ID,
		"email": acc.user.Email,
		"role":  string(acc.user.Role),
		"iat":   now.Unix(),
		"exp":   expiresAt.Unix(),
		"jti":   uuid.NewString(),
	}
	accessToken, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(b.secret)
	if err != nil {
		return nil, errors.Wrap(err, "failed to sign token with HMAC")
	}

	refreshToken, err := generateRefreshToken()
	if err != nil {
		return nil, err
	}
	b.refreshTokens[refreshToken] = acc.user.Email

	return &identity.Grant{
		AccessToken:  accessToken,
		RefreshToken: refreshToken,
		ExpiresAt:    b.expiryFormat(expiresAt),
		User:         acc.user,
	}, nil
}

// accountForTokenLocked returns the account an access token was issued to.
func (b *Backend) accountForTokenLocked(accessToken string) (*account, string, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(accessToken, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return b.secret, nil
	}, jwt.WithTimeFunc(b.nowFunc), jwt.WithExpirationRequired())
	if err != nil {
		return nil, "", interrors.Wrapf(interrors.ErrInvalidToken, "%v", err)
	}

	jti, _ := claims["jti"].(string)
	if b.revoked[jti] {
		return nil, "", interrors.ErrInvalidToken
	}
	email, _ := claims["email"].(string)
	acc, ok := b.accounts[email]
	if !ok {
		return nil, "", interrors.ErrUserNotFound
	}
	return acc, jti, nil
}

func generateRefreshToken() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", errors.Wrap(err, "failed to generate refresh token")
	}
	return hex.EncodeToString(raw), nil
}

// Handler returns the backend's routes.
func (b *Backend) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+RouteLogin, b.track(RouteLogin, b.loginHandler))
	mux.HandleFunc("POST "+RouteRefresh, b.track(RouteRefresh, b.refreshHandler))
	mux.HandleFunc("POST "+RouteValidate, b.track(RouteValidate, b.validateHandler))
	mux.HandleFunc("POST "+RouteLogout, b.track(RouteLogout, b.logoutHandler))
	mux.HandleFunc("POST "+RouteProviderA, b.track(RouteProviderA, b.exchangeHandler(identity.ProviderA)))
	mux.HandleFunc("POST "+RouteProviderB, b.track(RouteProviderB, b.exchangeHandler(identity.ProviderB)))
	mux.HandleFunc("POST "+RouteReactivate, b.track(RouteReactivate, b.reactivateHandler))
	mux.HandleFunc("GET "+RouteProfile, b.track(RouteProfile, b.profileHandler))
	mux.HandleFunc("GET /providers/{provider}/.well-known/openid-configuration", b.discoveryHandler)
	mux.HandleFunc("GET /providers/{provider}/jwks", b.jwksHandler)
	return mux
}
