package httpclient_test

import (
	"context"
	"testing"
	"time"

	"github.com/jrsteele09/go-session-manager/identity"
	"github.com/jrsteele09/go-session-manager/identity/httpclient"
	"github.com/jrsteele09/go-session-manager/internal/testbackend"
	"github.com/jrsteele09/go-session-manager/users"
	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/require"
)

const (
	testEmail    = "rider@example.com"
	testPassword = "correct horse"
)

type clientFixture struct {
	backend *testbackend.Backend
	client  *httpclient.Client
	user    users.User
}

func setupClient(t *testing.T, options ...httpclient.Option) *clientFixture {
	t.Helper()

	backend := testbackend.New(testbackend.WithLogger(zerolog.Nop()))
	baseURL := backend.Start()
	t.Cleanup(backend.Close)

	user, err := backend.AddUser(testEmail, testPassword, "Rider One", users.RoleStudent)
	require.NoError(t, err)

	opts := append([]httpclient.Option{httpclient.WithLogger(zerolog.Nop())}, options...)
	client, err := httpclient.New(baseURL, opts...)
	require.NoError(t, err)

	return &clientFixture{backend: backend, client: client, user: user}
}

func (f *clientFixture) login(t *testing.T) *identity.Grant {
	t.Helper()
	grant, err := f.client.Login(context.Background(), testEmail, testPassword)
	require.NoError(t, err)
	return grant
}

// TestNew_RejectsBadURL tests base url validation
func TestNew_RejectsBadURL(t *testing.T) {
	for _, raw := range []string{"", "localhost:8080", "ftp://id.example.com", "http://"} {
		_, err := httpclient.New(raw)
		require.Error(t, err, raw)
	}
}

// TestLogin tests a password login and its failure codes
func TestLogin(t *testing.T) {
	f := setupClient(t)

	grant := f.login(t)
	require.NotEmpty(t, grant.AccessToken)
	require.NotEmpty(t, grant.RefreshToken)
	require.Equal(t, f.user, grant.User)
	_, err := time.Parse(time.RFC3339, grant.ExpiresAt)
	require.NoError(t, err)
	require.NotEmpty(t, f.backend.LastRequestID())

	_, err = f.client.Login(context.Background(), testEmail, "wrong")
	var se *identity.StatusError
	require.ErrorAs(t, err, &se)
	require.Equal(t, 401, se.Status)
	require.Equal(t, "invalid_credentials", se.Code)
	require.Equal(t, identity.Rejected, identity.KindOf(err))

	require.NoError(t, f.backend.Deactivate(testEmail))
	_, err = f.client.Login(context.Background(), testEmail, testPassword)
	require.ErrorAs(t, err, &se)
	require.Equal(t, "user_deactivated", se.Code)
}

// TestRefresh tests that refresh tokens rotate and cannot be reused
func TestRefresh(t *testing.T) {
	f := setupClient(t)
	grant := f.login(t)

	renewed, err := f.client.Refresh(context.Background(), grant.RefreshToken)
	require.NoError(t, err)
	require.NotEqual(t, grant.RefreshToken, renewed.RefreshToken)

	_, err = f.client.Refresh(context.Background(), grant.RefreshToken)
	require.Equal(t, identity.Rejected, identity.KindOf(err))
}

// TestValidateAndLogout tests bearer-authenticated calls
func TestValidateAndLogout(t *testing.T) {
	f := setupClient(t)
	grant := f.login(t)
	ctx := context.Background()

	v, err := f.client.Validate(ctx, grant.AccessToken)
	require.NoError(t, err)
	require.True(t, v.IsValid)

	v, err = f.client.Validate(ctx, "not-a-token")
	require.NoError(t, err)
	require.False(t, v.IsValid)

	require.NoError(t, f.client.Logout(ctx, grant.AccessToken))

	v, err = f.client.Validate(ctx, grant.AccessToken)
	require.NoError(t, err)
	require.False(t, v.IsValid)

	_, err = f.client.Refresh(ctx, grant.RefreshToken)
	require.Equal(t, identity.Rejected, identity.KindOf(err))
}

// TestFetchProfile tests the profile endpoint
func TestFetchProfile(t *testing.T) {
	f := setupClient(t)
	grant := f.login(t)
	require.NoError(t, f.backend.RenameUser(testEmail, "Rider Renamed"))

	u, err := f.client.FetchProfile(context.Background(), grant.AccessToken)
	require.NoError(t, err)
	require.Equal(t, f.user.ID, u.ID)
	require.Equal(t, "Rider Renamed", u.DisplayName)

	f.backend.RevokeAll()
	_, err = f.client.FetchProfile(context.Background(), grant.AccessToken)
	require.Equal(t, identity.Rejected, identity.KindOf(err))
}

// TestExchange tests both provider endpoints
func TestExchange(t *testing.T) {
	f := setupClient(t)
	f.backend.RegisterIDToken(identity.ProviderA, "id-token-a", testEmail)
	f.backend.RegisterIDToken(identity.ProviderB, "id-token-b", testEmail)
	ctx := context.Background()

	grant, err := f.client.ExchangeProviderA(ctx, "id-token-a")
	require.NoError(t, err)
	require.Equal(t, f.user.ID, grant.User.ID)

	grant, err = identity.Exchange(ctx, f.client, identity.ProviderB, "id-token-b")
	require.NoError(t, err)
	require.Equal(t, f.user.ID, grant.User.ID)

	// A provider A token is not valid for provider B.
	_, err = f.client.ExchangeProviderB(ctx, "id-token-a")
	require.Equal(t, identity.Rejected, identity.KindOf(err))
	require.Equal(t, 1, f.backend.Calls(testbackend.RouteProviderA))
	require.Equal(t, 2, f.backend.Calls(testbackend.RouteProviderB))
}

// TestReactivate tests re-enabling a deactivated account
func TestReactivate(t *testing.T) {
	f := setupClient(t)
	ctx := context.Background()
	require.NoError(t, f.backend.Deactivate(testEmail))

	require.NoError(t, f.client.Reactivate(ctx, testEmail))
	f.login(t)

	err := f.client.Reactivate(ctx, "nobody@example.com")
	require.Equal(t, identity.Rejected, identity.KindOf(err))
}

// TestClassification tests how transport outcomes map to kinds
func TestClassification(t *testing.T) {
	t.Run("offline backend", func(t *testing.T) {
		f := setupClient(t)
		f.backend.SetOffline(true)
		_, err := f.client.Login(context.Background(), testEmail, testPassword)
		require.Equal(t, identity.Connectivity, identity.KindOf(err))
	})

	t.Run("undecodable body", func(t *testing.T) {
		f := setupClient(t)
		f.backend.SetMalformed(true)
		_, err := f.client.Login(context.Background(), testEmail, testPassword)
		require.ErrorIs(t, err, identity.ErrMalformedResponse)
		require.Equal(t, identity.Malformed, identity.KindOf(err))
	})

	t.Run("server gone", func(t *testing.T) {
		f := setupClient(t)
		f.backend.Close()
		_, err := f.client.Login(context.Background(), testEmail, testPassword)
		require.Equal(t, identity.Connectivity, identity.KindOf(err))
	})

	t.Run("cancelled context", func(t *testing.T) {
		f := setupClient(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		_, err := f.client.Login(ctx, testEmail, testPassword)
		require.Equal(t, identity.Connectivity, identity.KindOf(err))
	})
}

// TestBreaker tests that only connectivity failures open the breaker
func TestBreaker(t *testing.T) {
	f := setupClient(t, httpclient.WithBreaker(2, time.Minute))
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := f.client.Login(ctx, testEmail, "wrong")
		require.Equal(t, identity.Rejected, identity.KindOf(err))
	}
	f.login(t)

	f.backend.SetOffline(true)
	for i := 0; i < 2; i++ {
		_, err := f.client.Login(ctx, testEmail, testPassword)
		require.Equal(t, identity.Connectivity, identity.KindOf(err))
	}
	calls := f.backend.Calls(testbackend.RouteLogin)

	_, err := f.client.Login(ctx, testEmail, testPassword)
	require.ErrorIs(t, err, gobreaker.ErrOpenState)
	require.Equal(t, identity.Connectivity, identity.KindOf(err))
	require.Equal(t, calls, f.backend.Calls(testbackend.RouteLogin))
}

// TestExpiryFormatPassThrough tests that the raw expiry string reaches the caller
func TestExpiryFormatPassThrough(t *testing.T) {
	f := setupClient(t)
	f.backend.SetExpiryFormat(func(time.Time) string { return "sometime soon" })

	grant := f.login(t)

	require.Equal(t, "sometime soon", grant.ExpiresAt)
}
