package credstore

import (
	"context"
	"sync"
)

// MemoryStore keeps secrets in process memory. Nothing survives a restart.
type MemoryStore struct {
	lock    sync.RWMutex
	secrets map[Key][]byte
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{secrets: make(map[Key][]byte)}
}

func (ms *MemoryStore) Save(_ context.Context, key Key, value []byte) error {
	ms.lock.Lock()
	defer ms.lock.Unlock()
	ms.secrets[key] = append([]byte(nil), value...)
	return nil
}

func (ms *MemoryStore) Get(_ context.Context, key Key) ([]byte, error) {
	ms.lock.RLock()
	defer ms.lock.RUnlock()
	value, ok := ms.secrets[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), value...), nil
}

func (ms *MemoryStore) Delete(_ context.Context, key Key) error {
	ms.lock.Lock()
	defer ms.lock.Unlock()
	delete(ms.secrets, key)
	return nil
}
