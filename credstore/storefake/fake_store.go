package storefake

import (
	"context"
	"errors"
	"sync"

	"github.com/jrsteele09/go-session-manager/credstore"
)

var _ credstore.Store = (*FakeStore)(nil)

// ErrInjected is returned by operations configured to fail.
var ErrInjected = errors.New("injected store failure")

// FakeStore is an in-memory credstore.Store with failure injection.
type FakeStore struct {
	lock        sync.RWMutex
	secrets     map[credstore.Key][]byte
	failSave    map[credstore.Key]error
	failGet     map[credstore.Key]error
	failDelete  map[credstore.Key]error
	saveCount   int
	deleteCount int
}

func NewFakeStore() *FakeStore {
	return &FakeStore{
		secrets:    make(map[credstore.Key][]byte),
		failSave:   make(map[credstore.Key]error),
		failGet:    make(map[credstore.Key]error),
		failDelete: make(map[credstore.Key]error),
	}
}

// FailSave makes every Save of key return err. A nil err uses ErrInjected.
func (fs *FakeStore) FailSave(key credstore.Key, err error) {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	if err == nil {
		err = ErrInjected
	}
	fs.failSave[key] = err
}

// FailGet makes every Get of key return err. A nil err uses ErrInjected.
func (fs *FakeStore) FailGet(key credstore.Key, err error) {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	if err == nil {
		err = ErrInjected
	}
	fs.failGet[key] = err
}

// FailDelete makes every Delete of key return err. A nil err uses ErrInjected.
func (fs *FakeStore) FailDelete(key credstore.Key, err error) {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	if err == nil {
		err = ErrInjected
	}
	fs.failDelete[key] = err
}

// Heal removes all injected failures.
func (fs *FakeStore) Heal() {
	fs.lock.Lock()
	defer fs.lock.Unlock()
	fs.failSave = make(map[credstore.Key]error)
	fs.failGet = make(map[credstore.Key]error)
	fs.failDelete = make(map[credstore.Key]error)
}

func (fs *FakeStore) Save(_ context.Context, key credstore.Key, value []byte) error {
	fs.lock.Lock()
	defer fs.lock.Unlock()

	if err, ok := fs.failSave[key]; ok {
		return err
	}
	fs.saveCount++
	fs.secrets[key] = append([]byte(nil), value...)
	return nil
}

func (fs *FakeStore) Get(_ context.Context, key credstore.Key) ([]byte, error) {
	fs.lock.RLock()
	defer fs.lock.RUnlock()

	if err, ok := fs.failGet[key]; ok {
		return nil, err
	}
	value, ok := fs.secrets[key]
	if !ok {
		return nil, credstore.ErrNotFound
	}
	return append([]byte(nil), value...), nil
}

func (fs *FakeStore) Delete(_ context.Context, key credstore.Key) error {
	fs.lock.Lock()
	defer fs.lock.Unlock()

	if err, ok := fs.failDelete[key]; ok {
		return err
	}
	fs.deleteCount++
	delete(fs.secrets, key)
	return nil
}

// Snapshot returns a copy of every stored secret.
func (fs *FakeStore) Snapshot() map[credstore.Key][]byte {
	fs.lock.RLock()
	defer fs.lock.RUnlock()

	snapshot := make(map[credstore.Key][]byte, len(fs.secrets))
	for k, v := range fs.secrets {
		snapshot[k] = append([]byte(nil), v...)
	}
	return snapshot
}

// Len returns the number of stored keys.
func (fs *FakeStore) Len() int {
	fs.lock.RLock()
	defer fs.lock.RUnlock()
	return len(fs.secrets)
}

// SaveCount returns the number of successful saves.
func (fs *FakeStore) SaveCount() int {
	fs.lock.RLock()
	defer fs.lock.RUnlock()
	return fs.saveCount
}
