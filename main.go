package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"template-server/logging"
)

// terminationSignals are the signals that trigger a graceful shutdown.
var terminationSignals = []os.Signal{
	syscall.SIGINT,
	syscall.SIGTERM,
}

// rootMain loads the configuration, starts the server and blocks until a
// termination signal arrives or serving fails.
func rootMain(command *cobra.Command, arguments []string) error {
	flags := command.Flags()
	configFile, err := flags.GetString("config")
	if err != nil {
		return err
	}

	config, err := LoadConfig(configFile)
	if err != nil {
		return err
	}
	if err := config.ApplyFlags(flags); err != nil {
		return errors.Wrap(err, "unable to apply flags")
	}
	if err := config.Validate(); err != nil {
		return errors.Wrap(err, "invalid configuration")
	}

	logger := logging.NewLogger(config.Level())

	// Watch for signals before binding so none are lost during startup.
	signalTermination := make(chan os.Signal, 1)
	signal.Notify(signalTermination, terminationSignals...)
	defer signal.Stop(signalTermination)

	server, err := NewServer(config, logger.Sublogger("server"), command.OutOrStdout())
	if err != nil {
		return errors.Wrap(err, "unable to create server")
	}
	if err := server.Start(); err != nil {
		return err
	}

	select {
	case sig := <-signalTermination:
		logger.Infof("Received %s, shutting down", sig)
		ctx := context.Background()
		if timeout := config.ShutdownTimeoutDuration(); timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, timeout)
			defer cancel()
		}
		return server.Stop(ctx)
	case err := <-server.Errors():
		return errors.Wrap(err, "premature server termination")
	}
}

// newRootCommand creates the root command with its own flag set.
func newRootCommand() *cobra.Command {
	command := &cobra.Command{
		Use:           "template-server",
		Short:         "Serve static assets from a public directory",
		Args:          cobra.NoArgs,
		RunE:          rootMain,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	RegisterFlags(command.Flags())
	return command
}

// fatal prints an error message to standard error and then terminates the
// process with an error exit code.
func fatal(err error) {
	fmt.Fprintln(os.Stderr, color.RedString("Error:"), err)
	os.Exit(1)
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fatal(err)
	}
}
