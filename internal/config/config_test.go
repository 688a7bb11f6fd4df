package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/jrsteele09/go-session-manager/identity"
	"github.com/jrsteele09/go-session-manager/internal/config"
	"github.com/stretchr/testify/require"
)

const testConfigFile = `
app_name = "Campus Shuttle"
data_folder = "/var/lib/shuttle"

[identity]
base_url = "https://id.example.com"
timeout = "5s"
breaker_max_failures = 3

[session]
refresh_buffer = "2m"
profile_ttl = "10m"

[store]
backend = "redis"
redis_namespace = "device-42"

[providers.a]
issuer = "https://accounts.provider-a.example"
client_id = "client-a"
`

// TestNew_Defaults tests the built-in defaults
func TestNew_Defaults(t *testing.T) {
	c := config.New()

	require.Equal(t, 300*time.Second, c.GetRefreshBuffer())
	require.Equal(t, 5*time.Minute, c.GetProfileTTL())
	require.Equal(t, time.Hour, c.GetFallbackExpiry())
	require.Equal(t, 5, c.GetBreakerMaxFailures())
	require.Equal(t, config.StoreBackendFile, c.GetStoreBackend())
	require.Equal(t, filepath.Join("./data", "credentials"), c.GetStoreFolder())
	require.Empty(t, c.GetProviderIssuer(identity.ProviderA))
}

// TestLoad_FileValues tests that file values replace defaults
func TestLoad_FileValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.toml")
	require.NoError(t, os.WriteFile(path, []byte(testConfigFile), 0o600))

	c, err := config.Load(path)
	require.NoError(t, err)

	require.Equal(t, "Campus Shuttle", c.GetAppName())
	require.Equal(t, "https://id.example.com", c.GetIdentityBaseURL())
	require.Equal(t, 5*time.Second, c.GetIdentityTimeout())
	require.Equal(t, 3, c.GetBreakerMaxFailures())
	require.Equal(t, 2*time.Minute, c.GetRefreshBuffer())
	require.Equal(t, 10*time.Minute, c.GetProfileTTL())
	require.Equal(t, time.Hour, c.GetFallbackExpiry())
	require.Equal(t, config.StoreBackendRedis, c.GetStoreBackend())
	require.Equal(t, "device-42", c.GetRedisNamespace())
	require.Equal(t, filepath.Join("/var/lib/shuttle", "credentials"), c.GetStoreFolder())
	require.Equal(t, "https://accounts.provider-a.example", c.GetProviderIssuer(identity.ProviderA))
	require.Equal(t, "client-a", c.GetProviderClientID(identity.ProviderA))
	require.Empty(t, c.GetProviderClientID(identity.ProviderB))
}

// TestLoad_EnvOverridesFile tests that environment variables win over the file
func TestLoad_EnvOverridesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "session.toml")
	require.NoError(t, os.WriteFile(path, []byte(testConfigFile), 0o600))
	t.Setenv("PROFILE_TTL", "1m")
	t.Setenv("STORE_BACKEND", "memory")
	t.Setenv("BREAKER_MAX_FAILURES", "9")

	c, err := config.Load(path)
	require.NoError(t, err)

	require.Equal(t, time.Minute, c.GetProfileTTL())
	require.Equal(t, config.StoreBackendMemory, c.GetStoreBackend())
	require.Equal(t, 9, c.GetBreakerMaxFailures())
}

// TestLoad_InvalidValuesFallBack tests that bad values use defaults
func TestLoad_InvalidValuesFallBack(t *testing.T) {
	t.Setenv("REFRESH_BUFFER", "soon")
	t.Setenv("STORE_BACKEND", "floppy")

	c := config.New()
	require.Equal(t, 300*time.Second, c.GetRefreshBuffer())
	require.Equal(t, config.StoreBackendFile, c.GetStoreBackend())
}

// TestLoad_Errors tests missing and malformed files
func TestLoad_Errors(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "missing.toml"))
	require.Error(t, err)

	path := filepath.Join(t.TempDir(), "bad.toml")
	require.NoError(t, os.WriteFile(path, []byte("[identity\nbase_url = "), 0o600))
	_, err = config.Load(path)
	require.Error(t, err)

	c, err := config.Load("")
	require.NoError(t, err)
	require.NotNil(t, c)
}
