package config

import "path/filepath"

type StoreBackend string

const (
	StoreBackendFile   StoreBackend = "file"
	StoreBackendRedis  StoreBackend = "redis"
	StoreBackendMemory StoreBackend = "memory"
)

type StoreConfig interface {
	GetStoreBackend() StoreBackend
	GetStorePassphrase() string
	GetStoreFolder() string
	GetRedisAddr() string
	GetRedisNamespace() string
}

type Store struct {
	file *FileValues
}

var _ StoreConfig = Store{}

func (s Store) GetStoreBackend() StoreBackend {
	switch backend := StoreBackend(lookup("STORE_BACKEND", s.file.Store.Backend, string(StoreBackendFile))); backend {
	case StoreBackendFile, StoreBackendRedis, StoreBackendMemory:
		return backend
	}
	return StoreBackendFile
}

// GetStorePassphrase returns the passphrase the file store derives its key from.
func (s Store) GetStorePassphrase() string {
	return lookup("STORE_PASSPHRASE", s.file.Store.Passphrase, "")
}

func (s Store) GetStoreFolder() string {
	return filepath.Join(lookup(folderEnvVar, s.file.DataFolder, defaultFolder), "credentials")
}

func (s Store) GetRedisAddr() string {
	return lookup("REDIS_ADDR", s.file.Store.RedisAddr, "localhost:6379")
}

func (s Store) GetRedisNamespace() string {
	return lookup("REDIS_NAMESPACE", s.file.Store.RedisNamespace, "default")
}
