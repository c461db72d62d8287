// Package cli implements the safewalk command line.
package cli

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/RevCBH/safewalk/internal/client"
	"github.com/RevCBH/safewalk/internal/config"
)

// VersionInfo holds build metadata.
type VersionInfo struct {
	Version string
	Commit  string
	Date    string
}

// App represents the CLI application with all wired dependencies
type App struct {
	rootCmd *cobra.Command

	// Persistent flags
	configPath string
	server     string
	jsonOut    bool
	timeout    time.Duration

	versionInfo VersionInfo

	// now is the clock used to resolve relative deadlines
	now func() time.Time
}

// New creates a new CLI application
func New() *App {
	app := &App{now: time.Now}
	app.setupRootCmd()
	return app
}

// Execute runs the CLI application
func (a *App) Execute() error {
	return a.rootCmd.Execute()
}

// ExecuteContext runs the CLI with ctx as the command context.
func (a *App) ExecuteContext(ctx context.Context) error {
	return a.rootCmd.ExecuteContext(ctx)
}

// SetVersion sets the version string for the version command
func (a *App) SetVersion(version, commit, date string) {
	a.versionInfo = VersionInfo{Version: version, Commit: commit, Date: date}
}

// setupRootCmd configures the root Cobra command
func (a *App) setupRootCmd() {
	a.rootCmd = &cobra.Command{
		Use:   "safewalk",
		Short: "Walk-home deadline and SMS escalation service",
		Long: `SafeWalk watches a return deadline. When it passes without a
confirmation, trusted contacts are alerted by SMS, then followed up.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := a.rootCmd.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "Config file (default ~/.safewalk/safewalk.yaml)")
	flags.StringVarP(&a.server, "server", "s", "", "Server address (default: listen address from config)")
	flags.BoolVar(&a.jsonOut, "json", false, "Print JSON instead of formatted output")
	flags.DurationVar(&a.timeout, "timeout", 30*time.Second, "Request timeout")

	a.rootCmd.AddCommand(
		NewServeCmd(a),
		NewStartCmd(a),
		NewStatusCmd(a),
		NewConfirmCmd(a),
		NewCancelCmd(a),
		NewExtendCmd(a),
		NewSosCmd(a),
		NewLocationCmd(a),
		NewAttemptsCmd(a),
		NewWatchCmd(a),
		NewTestSMSCmd(a),
		NewPhoneCmd(a),
		NewVersionCmd(a),
	)
}

// loadConfig reads the config selected by --config.
func (a *App) loadConfig() (*config.Config, error) {
	return config.Load(a.configPath)
}

// client connects to --server, or to the configured listen address.
func (a *App) client() (*client.Client, error) {
	addr := a.server
	if addr == "" {
		addr = os.Getenv("SAFEWALK_SERVER")
	}
	if addr == "" {
		cfg, err := a.loadConfig()
		if err != nil {
			return nil, err
		}
		addr = cfg.Listen
	}
	c, err := client.New(addr)
	if err != nil {
		return nil, err
	}
	return c, nil
}

// requestContext bounds one API call by --timeout.
func (a *App) requestContext(cmd *cobra.Command) (context.Context, context.CancelFunc) {
	return context.WithTimeout(contextOrBackground(cmd.Context()), a.timeout)
}

// explain turns transport errors into something a user can act on.
func explain(err error, server string) error {
	if client.IsUnavailable(err) {
		return fmt.Errorf("cannot reach safewalk server%s (is 'safewalk serve' running?): %w", at(server), err)
	}
	return err
}

func at(server string) string {
	if server == "" {
		return ""
	}
	return " at " + server
}
