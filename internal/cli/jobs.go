package cli

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/timmy/ledgerlink/internal/app"
	"github.com/timmy/ledgerlink/internal/domain"
	"github.com/timmy/ledgerlink/internal/repository"
)

// RefreshCmd returns the refresh command
func RefreshCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "refresh <item-id>",
		Short: "Schedule a full refresh of an item",
		Long: `Schedule a full refresh: the item's cursor is cleared and its
transactions are replayed from the start. Nothing is scheduled when an
equivalent refresh is already pending.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			reason, _ := cmd.Flags().GetString("reason")
			by, _ := cmd.Flags().GetString("by")
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				job, created, err := a.Scheduler.ScheduleFullRefresh(ctx, args[0], reason, by)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if created {
					fmt.Fprintf(out, "%s full refresh %s for item %s\n", color.New(color.FgGreen).Sprint("SCHEDULED"), job.ID, job.ItemID)
				} else {
					fmt.Fprintf(out, "%s full refresh %s (%s) for item %s\n", color.New(color.FgBlue).Sprint("EXISTS"), job.ID, job.Status, job.ItemID)
				}
				return nil
			})
		},
	}
	cmd.Flags().String("reason", "manual", "Reason recorded on the job")
	cmd.Flags().String("by", "", "Operator requesting the refresh")
	return cmd
}

// JobsCmd returns the jobs command
func JobsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List recent sync jobs",
		Long: `List recent sync jobs, newest first.

Examples:
  reconctl jobs                          # latest 50 jobs
  reconctl jobs --item item-123          # one item
  reconctl jobs --status failed -n 200   # failures`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			itemID, _ := cmd.Flags().GetString("item")
			status, _ := cmd.Flags().GetString("status")
			limit, _ := cmd.Flags().GetInt("limit")
			if status != "" && !validJobStatus(domain.JobStatus(status)) {
				return fmt.Errorf("unknown job status %q", status)
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				jobs, err := a.Jobs.List(ctx, repository.JobFilter{
					ItemID: itemID,
					Status: domain.JobStatus(status),
					Limit:  limit,
				})
				if err != nil {
					return err
				}
				if len(jobs) == 0 {
					fmt.Fprintln(cmd.OutOrStdout(), "No jobs found.")
					return nil
				}
				printJobs(cmd, jobs)
				return nil
			})
		},
	}
	cmd.Flags().String("item", "", "Filter by item ID")
	cmd.Flags().String("status", "", "Filter by status (pending, running, completed, failed, cancelled)")
	cmd.Flags().IntP("limit", "n", 50, "Max jobs to list")
	return cmd
}

func validJobStatus(s domain.JobStatus) bool {
	switch s {
	case domain.JobStatusPending, domain.JobStatusRunning, domain.JobStatusCompleted,
		domain.JobStatusFailed, domain.JobStatusCancelled:
		return true
	}
	return false
}

func printJobs(cmd *cobra.Command, jobs []domain.SyncJob) {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tITEM\tTYPE\tSTATUS\tRETRIES\tSCHEDULED\tERROR")
	for _, j := range jobs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			j.ID, j.ItemID, j.JobType, jobStatus(j.Status), j.RetryCount,
			j.ScheduledAt.Format(time.RFC3339), truncate(j.LastError, 60))
	}
	w.Flush()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n-3] + "..."
}

// PollCmd returns the poll command
func PollCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "poll",
		Short: "Run one scheduler pass over due jobs",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				stats, err := a.Scheduler.RunOnce(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "due=%d claimed=%d completed=%d retrying=%d failed=%d\n",
					stats.Due, stats.Claimed, stats.Completed, stats.Retrying, stats.Failed)
				return nil
			})
		},
	}
}

// ReapCmd returns the reap command
func ReapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reap",
		Short: "Fail running jobs whose worker stopped reporting",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				n, err := a.Scheduler.Reap(ctx)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Reaped %d stale job(s)\n", n)
				return nil
			})
		},
	}
}

// PruneCmd returns the prune command
func PruneCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "prune",
		Short: "Archive and delete terminal jobs past retention",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				n, err := a.Scheduler.Prune(ctx)
				if err != nil {
					return err
				}
				archived := "without archiving"
				if a.Archiver != nil {
					archived = "after archiving"
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Pruned %d job(s) %s\n", n, archived)
				return nil
			})
		},
	}
}
