package filestore

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/jrsteele09/go-session-manager/credstore"
	"github.com/pkg/errors"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/pbkdf2"
)

var _ credstore.Store = (*FileStore)(nil)

const (
	saltFile         = "store.salt"
	saltLength       = 16
	kdfIterations    = 210_000
	sealedFileSuffix = ".sealed"
)

// ErrDecrypt is returned when a sealed file cannot be opened, usually because
// the passphrase changed or the file was tampered with.
var ErrDecrypt = errors.New("unable to decrypt secret")

// FileStore keeps each secret in its own file, sealed with XChaCha20-Poly1305
// under a key derived from a passphrase. Files are written atomically with
// owner-only permissions.
type FileStore struct {
	dir  string
	aead cipherAEAD
	lock sync.RWMutex
}

type cipherAEAD interface {
	NonceSize() int
	Seal(dst, nonce, plaintext, additionalData []byte) []byte
	Open(dst, nonce, ciphertext, additionalData []byte) ([]byte, error)
}

// New opens (creating if needed) a store rooted at dir.
func New(dir, passphrase string) (*FileStore, error) {
	if passphrase == "" {
		return nil, errors.New("[filestore.New] passphrase is required")
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, errors.Wrap(err, "[filestore.New] create directory")
	}

	salt, err := loadOrCreateSalt(filepath.Join(dir, saltFile))
	if err != nil {
		return nil, err
	}

	key := pbkdf2.Key([]byte(passphrase), salt, kdfIterations, chacha20poly1305.KeySize, sha256.New)
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return nil, errors.Wrap(err, "[filestore.New] cipher")
	}

	return &FileStore{dir: dir, aead: aead}, nil
}

func loadOrCreateSalt(path string) ([]byte, error) {
	salt, err := os.ReadFile(path)
	if err == nil && len(salt) == saltLength {
		return salt, nil
	}
	if err != nil && !os.IsNotExist(err) {
		return nil, errors.Wrap(err, "[filestore] read salt")
	}

	salt = make([]byte, saltLength)
	if _, err := rand.Read(salt); err != nil {
		return nil, errors.Wrap(err, "[filestore] generate salt")
	}
	if err := atomicWriteFile(path, salt); err != nil {
		return nil, errors.Wrap(err, "[filestore] write salt")
	}
	return salt, nil
}

func (fs *FileStore) path(key credstore.Key) string {
	return filepath.Join(fs.dir, string(key)+sealedFileSuffix)
}

func (fs *FileStore) Save(_ context.Context, key credstore.Key, value []byte) error {
	nonce := make([]byte, fs.aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return errors.Wrap(err, "[FileStore.Save] nonce")
	}
	sealed := fs.aead.Seal(nonce, nonce, value, []byte(key))

	fs.lock.Lock()
	defer fs.lock.Unlock()
	if err := atomicWriteFile(fs.path(key), sealed); err != nil {
		return errors.Wrapf(err, "[FileStore.Save] write %s", key)
	}
	return nil
}

func (fs *FileStore) Get(_ context.Context, key credstore.Key) ([]byte, error) {
	fs.lock.RLock()
	sealed, err := os.ReadFile(fs.path(key))
	fs.lock.RUnlock()
	if os.IsNotExist(err) {
		return nil, credstore.ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrapf(err, "[FileStore.Get] read %s", key)
	}

	nonceSize := fs.aead.NonceSize()
	if len(sealed) < nonceSize {
		return nil, errors.Wrapf(ErrDecrypt, "[FileStore.Get] %s truncated", key)
	}
	value, err := fs.aead.Open(nil, sealed[:nonceSize], sealed[nonceSize:], []byte(key))
	if err != nil {
		return nil, errors.Wrapf(ErrDecrypt, "[FileStore.Get] %s", key)
	}
	return value, nil
}

func (fs *FileStore) Delete(_ context.Context, key credstore.Key) error {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	if err := os.Remove(fs.path(key)); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "[FileStore.Delete] remove %s", key)
	}
	return nil
}

// atomicWriteFile writes data to a temp file in the same directory, syncs it
// and renames it over path so readers never see a half written secret.
func atomicWriteFile(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	cleanup := func() { _ = os.Remove(tmpName) }

	if err := tmp.Chmod(0o600); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		cleanup()
		return err
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		cleanup()
		return fmt.Errorf("rename: %w", err)
	}
	return nil
}
