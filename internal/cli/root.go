// Package cli implements reconctl, the operator command line for the sync
// scheduler and the matching configuration.
package cli

import (
	"context"
	"os"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/timmy/ledgerlink/internal/app"
	"github.com/timmy/ledgerlink/internal/config"
	"github.com/timmy/ledgerlink/internal/domain"
	"github.com/timmy/ledgerlink/internal/logger"
)

// RootCmd returns the reconctl command tree.
func RootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "reconctl",
		Short: "Operate transaction sync and receipt matching",
		Long: `reconctl inspects and drives the sync job queue and manages the
learned matching configuration of each organization.

It opens the same database as the API server, configured through
configs/config.yaml, CONFIG_PATH or --config.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("config", os.Getenv("CONFIG_PATH"), "Path to the config file")
	root.PersistentFlags().BoolP("verbose", "v", false, "Log at debug level")

	root.AddCommand(RefreshCmd())
	root.AddCommand(JobsCmd())
	root.AddCommand(PollCmd())
	root.AddCommand(ReapCmd())
	root.AddCommand(PruneCmd())
	root.AddCommand(WebhooksCmd())
	root.AddCommand(ConfigCmd())
	root.AddCommand(RulesCmd())
	root.AddCommand(MetricsCmd())
	root.AddCommand(ReconcileCmd())
	return root
}

// withApp loads the configuration, wires the application and runs fn
// against it. Logs go to stderr so command output stays parseable.
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	path, _ := cmd.Flags().GetString("config")
	verbose, _ := cmd.Flags().GetBool("verbose")

	cfg, err := config.Load(path)
	if err != nil {
		return err
	}

	level := "warn"
	if verbose {
		level = "debug"
	}
	log := logger.New(&logger.Options{
		Level:       level,
		Format:      "text",
		Output:      cmd.ErrOrStderr(),
		ServiceName: "reconctl",
	})
	logger.SetDefaultLogger(log)

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	ctx = logger.SetComponent(log.WithContext(ctx), "cli")

	a, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(ctx, a)
}

func jobStatus(s domain.JobStatus) string {
	switch s {
	case domain.JobStatusCompleted:
		return color.New(color.FgGreen).Sprint(s)
	case domain.JobStatusFailed:
		return color.New(color.FgRed).Sprint(s)
	case domain.JobStatusRunning:
		return color.New(color.FgYellow).Sprint(s)
	case domain.JobStatusPending:
		return color.New(color.FgBlue).Sprint(s)
	default:
		return color.New(color.Faint).Sprint(s)
	}
}
