package main

import (
	"context"
	"os"
	"strings"

	"github.com/jrsteele09/go-session-manager/credstore"
	"github.com/jrsteele09/go-session-manager/credstore/filestore"
	"github.com/jrsteele09/go-session-manager/credstore/redisstore"
	"github.com/jrsteele09/go-session-manager/identity"
	"github.com/jrsteele09/go-session-manager/identity/httpclient"
	"github.com/jrsteele09/go-session-manager/internal/config"
	"github.com/jrsteele09/go-session-manager/lifecycle"
	"github.com/jrsteele09/go-session-manager/provider"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// app is a configured manager plus the resources it holds open.
type app struct {
	cfg     config.Config
	manager *lifecycle.Manager
	closers []func() error
}

func newApp(ctx context.Context, configFile string) (*app, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, err
	}
	setupLogging(cfg)

	a := &app{cfg: cfg}

	store, err := a.openStore(ctx)
	if err != nil {
		return nil, err
	}

	client, err := httpclient.New(cfg.GetIdentityBaseURL(), httpclient.WithConfig(cfg))
	if err != nil {
		return nil, err
	}

	a.manager, err = lifecycle.NewManager(client, store,
		lifecycle.WithConfig(cfg),
		lifecycle.WithVerifiers(providerVerifiers(ctx, cfg)),
	)
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, func() error { a.manager.Close(); return nil })

	return a, nil
}

// start restores the stored session, logging rather than failing on classified errors.
func (a *app) start(ctx context.Context) {
	if err := a.manager.Start(ctx); err != nil {
		log.Warn().Err(err).Msg("Session restore finished with an error")
	}
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			log.Warn().Err(err).Msg("Close failed")
		}
	}
}

func (a *app) openStore(ctx context.Context) (credstore.Store, error) {
	switch a.cfg.GetStoreBackend() {
	case config.StoreBackendMemory:
		return credstore.NewMemoryStore(), nil
	case config.StoreBackendRedis:
		store, err := redisstore.Dial(ctx, a.cfg.GetRedisAddr(), a.cfg.GetRedisNamespace())
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, store.Close)
		return store, nil
	default:
		passphrase := a.cfg.GetStorePassphrase()
		if passphrase == "" {
			return nil, errors.New("STORE_PASSPHRASE is required for the file store")
		}
		return filestore.New(a.cfg.GetStoreFolder(), passphrase)
	}
}

// providerVerifiers discovers a verifier for each provider with an issuer and
// client id configured. Providers that cannot be discovered are left unchecked.
func providerVerifiers(ctx context.Context, cfg config.ProviderConfig) provider.Verifiers {
	verifiers := provider.Verifiers{}
	for _, p := range []identity.Provider{identity.ProviderA, identity.ProviderB} {
		issuer, clientID := cfg.GetProviderIssuer(p), cfg.GetProviderClientID(p)
		if issuer == "" || clientID == "" {
			continue
		}
		v, err := provider.NewRemote(ctx, issuer, clientID)
		if err != nil {
			log.Warn().Err(err).Str("provider", string(p)).Msg("Provider discovery failed, id-tokens will not be checked locally")
			continue
		}
		verifiers[p] = v
	}
	return verifiers
}

func setupLogging(cfg config.EnvConfig) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.GetLogLevel()))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).With().Timestamp().Str("app", cfg.GetAppName()).Logger()
}
