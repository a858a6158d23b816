// Command commentwatch polls YouTube, VK and Reddit for new comments and
// forwards them to Telegram forum topics.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"commentwatch/internal/app"
	"commentwatch/internal/config"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "commentwatch",
		Short:        "Forward new YouTube, VK and Reddit comments to Telegram",
		Version:      version,
		SilenceUsage: true,
	}
	root.SetVersionTemplate("commentwatch version {{.Version}}\n")

	var opts app.Options
	root.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "path to config.yaml or config.json (optional)")
	root.PersistentFlags().StringVar(&opts.EnvFile, "env-file", config.DefaultEnvFile, "env file with credentials")
	opts.Version = version

	root.AddCommand(newRunCmd(&opts), newCheckCmd(&opts), newVersionCmd())
	return root
}

func newRunCmd(opts *app.Options) *cobra.Command {
	var stopTimeout time.Duration
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start polling until SIGINT or SIGTERM",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := app.New(*opts)
			if err != nil {
				return err
			}

			sigs := make(chan os.Signal, 1)
			signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)
			defer signal.Stop(sigs)

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			if err := a.Start(ctx); err != nil {
				stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
				defer stopCancel()
				_ = a.Stop(stopCtx, app.StopFatalError)
				return err
			}

			reason := app.StopAppStop
			select {
			case sig := <-sigs:
				reason = app.StopSIGTERM
				if sig == os.Interrupt {
					reason = app.StopSIGINT
				}
			case <-a.Done():
				reason = app.StopFatalError
			}
			cancel()

			stopCtx, stopCancel := context.WithTimeout(context.Background(), stopTimeout)
			defer stopCancel()
			stopErr := a.Stop(stopCtx, reason)
			if reason == app.StopFatalError {
				if err := a.Err(); err != nil {
					return err
				}
			}
			return stopErr
		},
	}
	cmd.Flags().DurationVar(&stopTimeout, "stop-timeout", 60*time.Second, "upper bound for graceful shutdown")
	return cmd
}

func newCheckCmd(opts *app.Options) *cobra.Command {
	var offline bool
	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate configuration, list sources and verify the bot token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := app.Check(*opts, offline, cmd.OutOrStdout()); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "ok")
			return nil
		},
	}
	cmd.Flags().BoolVar(&offline, "offline", false, "skip the Telegram getMe call")
	return cmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "commentwatch version %s\n", version)
		},
	}
}
