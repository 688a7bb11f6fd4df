package credstore

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	interrors "github.com/jrsteele09/go-session-manager/internal/errors"
	"github.com/jrsteele09/go-session-manager/sessions"
	"github.com/jrsteele09/go-session-manager/users"
	"github.com/pkg/errors"
)

// Vault reads and writes whole sessions on top of a Store.
// A session is only ever written or cleared as a unit: a failed write rolls
// back every key so no partial session is left behind.
type Vault struct {
	store Store
}

// NewVault creates a Vault over store
func NewVault(store Store) *Vault {
	return &Vault{store: store}
}

// Save persists all four session fields. If any write fails, every session
// key is deleted before the error is returned.
func (v *Vault) Save(ctx context.Context, s sessions.Session) error {
	if !s.Complete() {
		return errors.Wrap(interrors.ErrPartialSession, "[Vault.Save] refusing to persist incomplete session")
	}

	userBytes, err := json.Marshal(s.User)
	if err != nil {
		return errors.Wrap(err, "[Vault.Save] marshal user")
	}

	values := map[Key][]byte{
		KeyAccessToken:  []byte(s.AccessToken),
		KeyRefreshToken: []byte(s.RefreshToken),
		KeyExpiresAt:    []byte(s.ExpiresAt.UTC().Format(time.RFC3339Nano)),
		KeyUser:         userBytes,
	}

	for _, key := range SessionKeys {
		if err := v.store.Save(ctx, key, values[key]); err != nil {
			saveErr := errors.Wrapf(err, "[Vault.Save] save %s", key)
			if clearErr := v.Clear(ctx); clearErr != nil {
				return interrors.Join(saveErr, errors.Wrap(clearErr, "[Vault.Save] rollback"))
			}
			return saveErr
		}
	}
	return nil
}

// Load returns the stored session, or nil if nothing is stored.
// A session with only some keys present returns ErrPartialSession; a session
// whose values cannot be decoded returns ErrCorruptSession.
func (v *Vault) Load(ctx context.Context) (*sessions.Session, error) {
	values := make(map[Key][]byte, len(SessionKeys))
	for _, key := range SessionKeys {
		value, err := v.store.Get(ctx, key)
		if interrors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, errors.Wrapf(err, "[Vault.Load] get %s", key)
		}
		values[key] = value
	}

	if len(values) == 0 {
		return nil, nil
	}
	if len(values) != len(SessionKeys) {
		return nil, errors.Wrapf(interrors.ErrPartialSession, "[Vault.Load] %d of %d keys present", len(values), len(SessionKeys))
	}

	expiresAt, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(string(values[KeyExpiresAt])))
	if err != nil {
		return nil, errors.Wrap(interrors.ErrCorruptSession, "[Vault.Load] expiry: "+err.Error())
	}

	var user users.User
	if err := json.Unmarshal(values[KeyUser], &user); err != nil {
		return nil, errors.Wrap(interrors.ErrCorruptSession, "[Vault.Load] user: "+err.Error())
	}

	s := &sessions.Session{
		AccessToken:  string(values[KeyAccessToken]),
		RefreshToken: string(values[KeyRefreshToken]),
		ExpiresAt:    expiresAt,
		User:         user,
	}
	if !s.Complete() {
		return nil, errors.Wrap(interrors.ErrCorruptSession, "[Vault.Load] empty session field")
	}
	return s, nil
}

// RefreshToken returns the stored refresh token. ok is false when none is stored.
func (v *Vault) RefreshToken(ctx context.Context) (token string, ok bool, err error) {
	value, err := v.store.Get(ctx, KeyRefreshToken)
	if interrors.Is(err, ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrap(err, "[Vault.RefreshToken] get")
	}
	return string(value), len(value) > 0, nil
}

// Clear deletes every session key. All deletes are attempted even if some fail.
func (v *Vault) Clear(ctx context.Context) error {
	var errs []error
	for _, key := range SessionKeys {
		if err := v.store.Delete(ctx, key); err != nil && !interrors.Is(err, ErrNotFound) {
			errs = append(errs, errors.Wrapf(err, "[Vault.Clear] delete %s", key))
		}
	}
	return interrors.Join(errs...)
}

// SaveUser replaces only the stored user, leaving the tokens in place. It is
// used when a refreshed profile arrives for an already persisted session.
func (v *Vault) SaveUser(ctx context.Context, u users.User) error {
	userBytes, err := json.Marshal(u)
	if err != nil {
		return errors.Wrap(err, "[Vault.SaveUser] marshal user")
	}
	if err := v.store.Save(ctx, KeyUser, userBytes); err != nil {
		return errors.Wrap(err, "[Vault.SaveUser] save")
	}
	return nil
}
