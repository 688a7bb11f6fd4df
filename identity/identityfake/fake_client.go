package identityfake

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/jrsteele09/go-session-manager/identity"
	"github.com/jrsteele09/go-session-manager/users"
)

var _ identity.Client = (*FakeClient)(nil)

// FakeClient is a scriptable identity.Client. Each operation can be replaced
// by setting the matching func field; unset fields use a default that
// succeeds for DefaultUser. Every call is counted, including ones that fail.
type FakeClient struct {
	LoginFunc        func(ctx context.Context, email, password string) (*identity.Grant, error)
	RefreshFunc      func(ctx context.Context, refreshToken string) (*identity.Grant, error)
	ValidateFunc     func(ctx context.Context, accessToken string) (*identity.ValidationResult, error)
	LogoutFunc       func(ctx context.Context, accessToken string) error
	ExchangeAFunc    func(ctx context.Context, idToken string) (*identity.Grant, error)
	ExchangeBFunc    func(ctx context.Context, idToken string) (*identity.Grant, error)
	FetchProfileFunc func(ctx context.Context, accessToken string) (*users.User, error)
	ReactivateFunc   func(ctx context.Context, email string) error

	lock    sync.Mutex
	calls   map[string]int
	counter int
	now     func() time.Time
}

// DefaultUser is the user returned by the default implementations.
var DefaultUser = users.User{
	ID:          "user-1",
	Email:       "rider@example.com",
	DisplayName: "Rider One",
	Role:        users.RoleStudent,
}

// NewFakeClient creates a fake whose default grants expire one hour after now.
func NewFakeClient(now func() time.Time) *FakeClient {
	if now == nil {
		now = time.Now
	}
	return &FakeClient{
		calls: make(map[string]int),
		now:   now,
	}
}

// Calls returns how many times op was invoked.
func (f *FakeClient) Calls(op string) int {
	f.lock.Lock()
	defer f.lock.Unlock()
	return f.calls[op]
}

// TotalCalls returns the number of calls across all operations.
func (f *FakeClient) TotalCalls() int {
	f.lock.Lock()
	defer f.lock.Unlock()
	total := 0
	for _, n := range f.calls {
		total += n
	}
	return total
}

// NextGrant builds a fresh grant for DefaultUser with unique tokens.
func (f *FakeClient) NextGrant(expiresIn time.Duration) *identity.Grant {
	f.lock.Lock()
	f.counter++
	n := f.counter
	f.lock.Unlock()
	return &identity.Grant{
		AccessToken:  fmt.Sprintf("access-%d", n),
		RefreshToken: fmt.Sprintf("refresh-%d", n),
		ExpiresAt:    f.now().Add(expiresIn).UTC().Format(time.RFC3339),
		User:         DefaultUser,
	}
}

func (f *FakeClient) record(op string) {
	f.lock.Lock()
	defer f.lock.Unlock()
	f.calls[op]++
}

func (f *FakeClient) Login(ctx context.Context, email, password string) (*identity.Grant, error) {
	f.record(identity.OpLogin)
	if f.LoginFunc != nil {
		return f.LoginFunc(ctx, email, password)
	}
	return f.NextGrant(time.Hour), nil
}

func (f *FakeClient) Refresh(ctx context.Context, refreshToken string) (*identity.Grant, error) {
	f.record(identity.OpRefresh)
	if f.RefreshFunc != nil {
		return f.RefreshFunc(ctx, refreshToken)
	}
	return f.NextGrant(time.Hour), nil
}

func (f *FakeClient) Validate(ctx context.Context, accessToken string) (*identity.ValidationResult, error) {
	f.record(identity.OpValidate)
	if f.ValidateFunc != nil {
		return f.ValidateFunc(ctx, accessToken)
	}
	return &identity.ValidationResult{IsValid: true}, nil
}

func (f *FakeClient) Logout(ctx context.Context, accessToken string) error {
	f.record(identity.OpLogout)
	if f.LogoutFunc != nil {
		return f.LogoutFunc(ctx, accessToken)
	}
	return nil
}

func (f *FakeClient) ExchangeProviderA(ctx context.Context, idToken string) (*identity.Grant, error) {
	f.record(identity.OpExchangeA)
	if f.ExchangeAFunc != nil {
		return f.ExchangeAFunc(ctx, idToken)
	}
	return f.NextGrant(time.Hour), nil
}

func (f *FakeClient) ExchangeProviderB(ctx context.Context, idToken string) (*identity.Grant, error) {
	f.record(identity.OpExchangeB)
	if f.ExchangeBFunc != nil {
		return f.ExchangeBFunc(ctx, idToken)
	}
	return f.NextGrant(time.Hour), nil
}

func (f *FakeClient) FetchProfile(ctx context.Context, accessToken string) (*users.User, error) {
	f.record(identity.OpFetchProfile)
	if f.FetchProfileFunc != nil {
		return f.FetchProfileFunc(ctx, accessToken)
	}
	u := DefaultUser
	return &u, nil
}

func (f *FakeClient) Reactivate(ctx context.Context, email string) error {
	f.record(identity.OpReactivate)
	if f.ReactivateFunc != nil {
		return f.ReactivateFunc(ctx, email)
	}
	return nil
}
