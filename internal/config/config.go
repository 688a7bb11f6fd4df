package config

import (
	"os"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
)

type Config interface {
	EnvConfig
	BackendConfig
	SessionConfig
	StoreConfig
	ProviderConfig
}

type EnvConfig interface {
	GetAppName() string
	GetEnv() string
	GetLogLevel() string
	GetDataFolder() string
}

type mainConfig struct {
	EnvVars
	Backend
	Session
	Store
	Providers
}

// New returns a configuration read from environment variables and defaults.
func New() Config {
	return newMainConfig(&FileValues{})
}

// Load reads a TOML file and layers environment variables on top of it.
// An empty path behaves like New.
func Load(path string) (Config, error) {
	if path == "" {
		return New(), nil
	}
	if _, err := os.Stat(path); err != nil {
		return nil, errors.Wrapf(err, "[config.Load] %s", path)
	}

	var values FileValues
	if _, err := toml.DecodeFile(path, &values); err != nil {
		return nil, errors.Wrapf(err, "[config.Load] decode %s", path)
	}
	return newMainConfig(&values), nil
}

func newMainConfig(values *FileValues) mainConfig {
	return mainConfig{
		EnvVars:   EnvVars{file: values},
		Backend:   Backend{file: values},
		Session:   Session{file: values},
		Store:     Store{file: values},
		Providers: Providers{file: values},
	}
}
