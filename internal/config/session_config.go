package config

import (
	"time"

	"github.com/jrsteele09/go-session-manager/identity"
)

type BackendConfig interface {
	GetIdentityBaseURL() string
	GetIdentityTimeout() time.Duration
	GetBreakerMaxFailures() int
	GetBreakerOpenTimeout() time.Duration
}

type SessionConfig interface {
	GetRefreshBuffer() time.Duration
	GetProfileTTL() time.Duration
	GetFallbackExpiry() time.Duration
}

type ProviderConfig interface {
	GetProviderIssuer(p identity.Provider) string
	GetProviderClientID(p identity.Provider) string
}

type Backend struct {
	file *FileValues
}

var _ BackendConfig = Backend{}

func (b Backend) GetIdentityBaseURL() string {
	return lookup("IDENTITY_BASE_URL", b.file.Identity.BaseURL, "http://localhost:8080")
}

func (b Backend) GetIdentityTimeout() time.Duration {
	return lookupDuration("IDENTITY_TIMEOUT", b.file.Identity.Timeout, 15*time.Second)
}

// GetBreakerMaxFailures is the number of consecutive connectivity failures that opens the breaker.
func (b Backend) GetBreakerMaxFailures() int {
	return lookupInt("BREAKER_MAX_FAILURES", b.file.Identity.BreakerMaxFailures, 5)
}

func (b Backend) GetBreakerOpenTimeout() time.Duration {
	return lookupDuration("BREAKER_OPEN_TIMEOUT", b.file.Identity.BreakerOpenTimeout, 30*time.Second)
}

type Session struct {
	file *FileValues
}

var _ SessionConfig = Session{}

func (s Session) GetRefreshBuffer() time.Duration {
	return lookupDuration("REFRESH_BUFFER", s.file.Session.RefreshBuffer, 300*time.Second)
}

func (s Session) GetProfileTTL() time.Duration {
	return lookupDuration("PROFILE_TTL", s.file.Session.ProfileTTL, 5*time.Minute)
}

// GetFallbackExpiry is used when the backend sends an expiry that cannot be parsed.
func (s Session) GetFallbackExpiry() time.Duration {
	return lookupDuration("FALLBACK_EXPIRY", s.file.Session.FallbackExpiry, time.Hour)
}

type Providers struct {
	file *FileValues
}

var _ ProviderConfig = Providers{}

func (p Providers) GetProviderIssuer(provider identity.Provider) string {
	switch provider {
	case identity.ProviderA:
		return lookup("PROVIDER_A_ISSUER", p.file.Providers.A.Issuer, "")
	case identity.ProviderB:
		return lookup("PROVIDER_B_ISSUER", p.file.Providers.B.Issuer, "")
	}
	return ""
}

func (p Providers) GetProviderClientID(provider identity.Provider) string {
	switch provider {
	case identity.ProviderA:
		return lookup("PROVIDER_A_CLIENT_ID", p.file.Providers.A.ClientID, "")
	case identity.ProviderB:
		return lookup("PROVIDER_B_CLIENT_ID", p.file.Providers.B.ClientID, "")
	}
	return ""
}
