package main

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/jrsteele09/go-session-manager/identity"
	interrors "github.com/jrsteele09/go-session-manager/internal/errors"
	"github.com/jrsteele09/go-session-manager/internal/utils"
	"github.com/jrsteele09/go-session-manager/lifecycle"
	"github.com/jrsteele09/go-session-manager/sessions"
	"github.com/spf13/cobra"
)

// withApp builds the app, restores the session and runs fn.
func withApp(configFile string, fn func(ctx context.Context, a *app) error) error {
	ctx := context.Background()
	a, err := newApp(ctx, configFile)
	if err != nil {
		return err
	}
	defer a.Close()

	a.start(ctx)
	return fn(ctx, a)
}

func newStatusCommand(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Restore the stored session and print its state",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(*configFile, func(ctx context.Context, a *app) error {
				printStatus(a.manager)
				return nil
			})
		},
	}
}

func newLoginCommand(configFile *string) *cobra.Command {
	var email, password string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in with email and password",
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				password = os.Getenv("SESSIONCTL_PASSWORD")
			}
			return withApp(*configFile, func(ctx context.Context, a *app) error {
				if err := a.manager.Login(ctx, email, password); err != nil {
					return userError(err)
				}
				printStatus(a.manager)
				return nil
			})
		},
	}

	cmd.Flags().StringVarP(&email, "email", "e", "", "account email")
	cmd.Flags().StringVarP(&password, "password", "p", "", "account password (or SESSIONCTL_PASSWORD)")
	_ = cmd.MarkFlagRequired("email")
	return cmd
}

func newLogoutCommand(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and clear the stored session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(*configFile, func(ctx context.Context, a *app) error {
				if err := a.manager.SignOut(ctx); err != nil {
					return userError(err)
				}
				fmt.Println("Signed out")
				return nil
			})
		},
	}
}

func newWhoAmICommand(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Fetch and print the signed in user's profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(*configFile, func(ctx context.Context, a *app) error {
				if err := a.manager.ForceRefreshProfile(ctx); err != nil && !interrors.Is(err, lifecycle.ErrNotAuthenticated) {
					fmt.Fprintln(os.Stderr, "Profile refresh failed:", userError(err))
				}
				u := a.manager.CurrentUser()
				if u == nil {
					return lifecycle.ErrNotAuthenticated
				}
				fmt.Printf("ID:      %s\nEmail:   %s\nName:    %s\nRole:    %s\n", u.ID, u.Email, u.DisplayName, u.Role)
				return nil
			})
		},
	}
}

func newExchangeCommand(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "exchange [a|b] [id-token]",
		Short: "Sign in with an id-token from provider A or B",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(*configFile, func(ctx context.Context, a *app) error {
				var err error
				switch strings.ToLower(args[0]) {
				case "a", string(identity.ProviderA):
					err = a.manager.ExchangeProviderA(ctx, args[1])
				case "b", string(identity.ProviderB):
					err = a.manager.ExchangeProviderB(ctx, args[1])
				default:
					return fmt.Errorf("unknown provider %q, expected a or b", args[0])
				}
				if err != nil {
					return userError(err)
				}
				printStatus(a.manager)
				return nil
			})
		},
	}
}

func newReactivateCommand(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "reactivate [email]",
		Short: "Re-enable a deactivated account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(*configFile, func(ctx context.Context, a *app) error {
				if err := a.manager.Reactivate(ctx, args[0]); err != nil {
					return userError(err)
				}
				fmt.Println("Account reactivated, you can sign in again")
				return nil
			})
		},
	}
}

func newRefreshCommand(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Renew the access token now",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(*configFile, func(ctx context.Context, a *app) error {
				if err := a.manager.RefreshNow(ctx); err != nil {
					return userError(err)
				}
				printStatus(a.manager)
				return nil
			})
		},
	}
}

func newWatchCommand(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "watch",
		Short: "Keep the session alive and print every state change until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			a, err := newApp(ctx, *configFile)
			if err != nil {
				return err
			}
			defer a.Close()

			displayAppname(a.cfg.GetAppName())
			a.manager.Subscribe(printTransition)
			a.start(ctx)
			waitForStopSignal()
			return nil
		},
	}
}

func printTransition(s sessions.State) {
	fmt.Printf("-> %s\n", s)
}

func printStatus(m *lifecycle.Manager) {
	state := m.State()
	fmt.Printf("State:   %s\n", state.Kind)
	if u := utils.Value(state.User); u.ID != "" {
		fmt.Printf("User:    %s <%s>\n", u.DisplayName, u.Email)
	}
	if ts, err := m.TokenSource().Token(); err == nil {
		fmt.Printf("Expires: %s\n", ts.Expiry.Local().Format("2006-01-02 15:04:05"))
	}
	if lastErr := m.LastError(); lastErr != nil {
		fmt.Printf("Error:   %s (%s)\n", lastErr.Message, lastErr.Kind)
	}
}

// userError replaces a classified error with its user facing message.
func userError(err error) error {
	var ce *identity.Error
	if interrors.As(err, &ce) && ce.Message != "" {
		return fmt.Errorf("%s", ce.Message)
	}
	return err
}
