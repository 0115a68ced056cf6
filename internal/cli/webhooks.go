package cli

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/timmy/ledgerlink/internal/app"
)

// WebhooksCmd returns the webhooks command
func WebhooksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "webhooks",
		Short: "Inspect and recover recorded webhook events",
	}
	cmd.AddCommand(webhooksReplayCmd())
	return cmd
}

func webhooksReplayCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "replay",
		Short: "Dispatch recorded events that never got an outcome",
		Long: `Dispatch webhook events that were recorded but never processed, for
example because the server stopped mid-delivery. Events younger than
--min-age are skipped so deliveries still in flight are not handled twice.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			minAge, _ := cmd.Flags().GetDuration("min-age")
			if limit < 1 {
				return fmt.Errorf("--limit must be positive")
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				stats, err := a.Webhooks.Replay(ctx, time.Now().UTC().Add(-minAge), limit)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "found=%d processed=%d linked=%d open=%d\n",
					stats.Found, stats.Processed, stats.Linked, stats.Open)
				return nil
			})
		},
	}
	cmd.Flags().IntP("limit", "n", 100, "Max events to replay")
	cmd.Flags().Duration("min-age", time.Minute, "Skip events received more recently than this")
	return cmd
}
