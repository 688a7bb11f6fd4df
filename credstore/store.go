package credstore

import (
	"context"

	"github.com/jrsteele09/go-session-manager/internal/errors"
)

// Key names one secret slot in the store.
type Key string

const (
	KeyAccessToken  Key = "access_token"
	KeyRefreshToken Key = "refresh_token"
	KeyExpiresAt    Key = "expires_at"
	KeyUser         Key = "user"
)

// SessionKeys lists every slot that makes up a persisted session, in write order.
var SessionKeys = []Key{KeyAccessToken, KeyRefreshToken, KeyExpiresAt, KeyUser}

// ErrNotFound is returned by Get when a key holds no value.
var ErrNotFound = errors.ErrSecretNotFound

// Store is durable key/value storage for secrets. It must survive process
// restarts and give read-after-write consistency within one process.
type Store interface {
	// Save writes value under key, replacing any previous value.
	Save(ctx context.Context, key Key, value []byte) error
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key Key) ([]byte, error)
	// Delete removes key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key Key) error
}
