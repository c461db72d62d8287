package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/RevCBH/safewalk/internal/config"
	"github.com/RevCBH/safewalk/internal/daemon"
	"github.com/RevCBH/safewalk/internal/events"
)

// NewServeCmd creates the serve command, which runs the API server and
// the escalation scheduler in the foreground.
func NewServeCmd(a *App) *cobra.Command {
	var (
		listen  string
		memory  bool
		jsonLog bool
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the SafeWalk server in the foreground",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.loadConfig()
			if err != nil {
				return err
			}
			if listen != "" {
				cfg.Listen = listen
			}
			if memory {
				cfg.Store.Driver = config.StoreMemory
			}

			ctx, stop := signal.NotifyContext(contextOrBackground(cmd.Context()), os.Interrupt, syscall.SIGTERM)
			defer stop()

			d, err := daemon.New(ctx, cfg, daemon.Options{
				Version:    a.versionInfo.Version,
				LogWriter:  os.Stderr,
				JSONEvents: events.IsJSONMode(jsonLog),
			})
			if err != nil {
				return err
			}
			return d.Start(ctx)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "Override the listen address")
	cmd.Flags().BoolVar(&memory, "memory", false, "Keep sessions in memory only")
	cmd.Flags().BoolVar(&jsonLog, "json-events", false, "Log events as JSON lines (default when stderr is not a terminal)")

	return cmd
}

// contextOrBackground guards commands executed without ExecuteContext.
func contextOrBackground(ctx context.Context) context.Context {
	if ctx == nil {
		return context.Background()
	}
	return ctx
}
