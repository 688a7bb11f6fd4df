package main

import (
	"errors"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"syscall"

	"github.com/common-nighthawk/go-figure"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func main() {
	if err := run(); err != nil {
		os.Exit(1)
	}
}

func run() (returnError error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("Recovered from panic")
			debug.PrintStack()
			returnError = errors.New("panic recovered")
		}
	}()

	return newRootCommand().Execute()
}

func newRootCommand() *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:           "sessionctl",
		Short:         "Manage the signed in session for the identity backend",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.PersistentFlags().StringVarP(&configFile, "config", "c", "", "TOML config file (environment variables override it)")

	root.AddCommand(
		newStatusCommand(&configFile),
		newLoginCommand(&configFile),
		newLogoutCommand(&configFile),
		newWhoAmICommand(&configFile),
		newExchangeCommand(&configFile),
		newReactivateCommand(&configFile),
		newRefreshCommand(&configFile),
		newWatchCommand(&configFile),
		newDemoCommand(),
	)
	return root
}

func waitForStopSignal() {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
}

func displayAppname(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}
