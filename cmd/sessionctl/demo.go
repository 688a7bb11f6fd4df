package main

import (
	"context"
	"fmt"
	"os"

	"github.com/jrsteele09/go-session-manager/credstore"
	"github.com/jrsteele09/go-session-manager/identity"
	"github.com/jrsteele09/go-session-manager/identity/httpclient"
	"github.com/jrsteele09/go-session-manager/internal/testbackend"
	"github.com/jrsteele09/go-session-manager/lifecycle"
	"github.com/jrsteele09/go-session-manager/provider"
	"github.com/jrsteele09/go-session-manager/token/keys"
	"github.com/jrsteele09/go-session-manager/users"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const (
	demoEmail    = "demo@example.com"
	demoPassword = "demo-password"
)

func newDemoCommand() *cobra.Command {
	var providerKeyFile string

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Walk a session through its lifecycle against an in-process backend",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDemo(context.Background(), providerKeyFile)
		},
	}

	cmd.Flags().StringVar(&providerKeyFile, "provider-key", "", "PEM file holding provider A's signing key; written on first run, reused after")
	return cmd
}

func runDemo(ctx context.Context, providerKeyFile string) error {
	displayAppname("Session Demo")

	options := []testbackend.Option{testbackend.WithLogger(log.Logger)}
	reused, err := loadProviderKey(providerKeyFile)
	if err != nil {
		return err
	}
	if reused != nil {
		options = append(options, testbackend.WithProviderKey(identity.ProviderA, reused))
	}

	backend := testbackend.New(options...)
	baseURL := backend.Start()
	defer backend.Close()

	if providerKeyFile != "" && reused == nil {
		if err := saveProviderKey(backend, providerKeyFile); err != nil {
			return err
		}
	}

	if _, err := backend.AddUser(demoEmail, demoPassword, "Demo Rider", users.RoleStudent); err != nil {
		return err
	}
	idToken, err := backend.IssueIDToken(identity.ProviderA, demoEmail)
	if err != nil {
		return err
	}
	verifier, err := provider.NewRemote(ctx, backend.IssuerURL(identity.ProviderA), testbackend.ProviderClientID)
	if err != nil {
		return err
	}

	client, err := httpclient.New(baseURL)
	if err != nil {
		return err
	}
	m, err := lifecycle.NewManager(client, credstore.NewMemoryStore(),
		lifecycle.WithVerifiers(provider.Verifiers{identity.ProviderA: verifier}),
	)
	if err != nil {
		return err
	}
	defer m.Close()
	m.Subscribe(printTransition)

	steps := []struct {
		name string
		run  func() error
	}{
		{"restore", func() error { return m.Start(ctx) }},
		{"login", func() error { return m.Login(ctx, demoEmail, demoPassword) }},
		{"refresh", func() error { return m.RefreshNow(ctx) }},
		{"rename and refetch profile", func() error {
			if err := backend.RenameUser(demoEmail, "Demo Rider (renamed)"); err != nil {
				return err
			}
			return m.ForceRefreshProfile(ctx)
		}},
		{"backend offline", func() error {
			backend.SetOffline(true)
			return m.RefreshNow(ctx)
		}},
		{"backend back, retry", func() error {
			backend.SetOffline(false)
			return m.Retry(ctx)
		}},
		{"sign out", func() error { return m.SignOut(ctx) }},
		{"exchange provider A id-token", func() error { return m.ExchangeProviderA(ctx, idToken) }},
		{"sessions revoked, refresh", func() error {
			backend.RevokeAll()
			return m.RefreshNow(ctx)
		}},
	}

	for _, step := range steps {
		fmt.Printf("\n== %s\n", step.name)
		if err := step.run(); err != nil {
			fmt.Printf("   error: %v\n", userError(err))
		}
		printStatus(m)
	}
	return nil
}

// loadProviderKey reads provider A's key from path. A missing file or an
// empty path yields no key.
func loadProviderKey(path string) (*keys.KeyPair, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read provider key: %w", err)
	}
	keyPair, err := keys.LoadKeyPairFromPEM(string(identity.ProviderA)+"-1", string(data))
	if err != nil {
		return nil, fmt.Errorf("load provider key %s: %w", path, err)
	}
	log.Info().Str("file", path).Msg("Reusing provider key")
	return keyPair, nil
}

func saveProviderKey(backend *testbackend.Backend, path string) error {
	pemData, err := backend.ProviderKeyPEM(identity.ProviderA)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, []byte(pemData), 0o600); err != nil {
		return fmt.Errorf("write provider key: %w", err)
	}
	log.Info().Str("file", path).Msg("Saved provider key")
	return nil
}
