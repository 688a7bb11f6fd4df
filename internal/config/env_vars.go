package config

import (
	"os"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	appNameVar    = "APP_NAME"
	envVar        = "ENV"
	logLevelVar   = "LOG_LEVEL"
	folderEnvVar  = "DATA_FOLDER"
	defaultFolder = "./data"
)

// FileValues mirrors the optional TOML configuration file.
// Durations are written as Go duration strings, e.g. "5m".
type FileValues struct {
	AppName    string `toml:"app_name"`
	Env        string `toml:"env"`
	LogLevel   string `toml:"log_level"`
	DataFolder string `toml:"data_folder"`

	Identity struct {
		BaseURL            string `toml:"base_url"`
		Timeout            string `toml:"timeout"`
		BreakerMaxFailures int    `toml:"breaker_max_failures"`
		BreakerOpenTimeout string `toml:"breaker_open_timeout"`
	} `toml:"identity"`

	Session struct {
		RefreshBuffer  string `toml:"refresh_buffer"`
		ProfileTTL     string `toml:"profile_ttl"`
		FallbackExpiry string `toml:"fallback_expiry"`
	} `toml:"session"`

	Store struct {
		Backend        string `toml:"backend"`
		Passphrase     string `toml:"passphrase"`
		RedisAddr      string `toml:"redis_addr"`
		RedisNamespace string `toml:"redis_namespace"`
	} `toml:"store"`

	Providers struct {
		A ProviderValues `toml:"a"`
		B ProviderValues `toml:"b"`
	} `toml:"providers"`
}

type ProviderValues struct {
	Issuer   string `toml:"issuer"`
	ClientID string `toml:"client_id"`
}

type EnvVars struct {
	file *FileValues
}

var _ EnvConfig = EnvVars{}

func (e EnvVars) GetAppName() string {
	return lookup(appNameVar, e.values().AppName, "Session Manager")
}

func (e EnvVars) GetEnv() string {
	return lookup(envVar, e.values().Env, "DEV")
}

func (e EnvVars) GetLogLevel() string {
	return lookup(logLevelVar, e.values().LogLevel, "info")
}

func (e EnvVars) GetDataFolder() string {
	return lookup(folderEnvVar, e.values().DataFolder, defaultFolder)
}

func (e EnvVars) values() *FileValues {
	if e.file == nil {
		return &FileValues{}
	}
	return e.file
}

// GetEnv returns the environment variable or defaultValue when unset.
func GetEnv(envVar, defaultValue string) string {
	value := os.Getenv(envVar)
	if value == "" {
		return defaultValue
	}
	return value
}

// lookup resolves a setting: environment first, then file, then default.
func lookup(envVar, fileValue, defaultValue string) string {
	if fileValue != "" {
		defaultValue = fileValue
	}
	return GetEnv(envVar, defaultValue)
}

func lookupDuration(envVar, fileValue string, defaultValue time.Duration) time.Duration {
	raw := lookup(envVar, fileValue, "")
	if raw == "" {
		return defaultValue
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		log.Warn().Str("setting", envVar).Str("value", raw).Msg("Invalid duration, using default")
		return defaultValue
	}
	return d
}

func lookupInt(envVar string, fileValue, defaultValue int) int {
	if fileValue != 0 {
		defaultValue = fileValue
	}
	raw := os.Getenv(envVar)
	if raw == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		log.Warn().Str("setting", envVar).Str("value", raw).Msg("Invalid integer, using default")
		return defaultValue
	}
	return n
}
