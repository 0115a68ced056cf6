package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/timmy/ledgerlink/internal/app"
	"github.com/timmy/ledgerlink/internal/matching"
)

// ConfigCmd returns the config command
func ConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Inspect and apply learned matching configuration",
	}
	cmd.AddCommand(configSuggestCmd())
	cmd.AddCommand(configApplyCmd())
	return cmd
}

func configSuggestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "suggest <org-id>",
		Short: "Show what the learning engine would change, without applying it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			asJSON, _ := cmd.Flags().GetBool("json")
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				advice, err := a.Advisor.Suggest(ctx, args[0])
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if asJSON {
					return writeJSON(out, advice)
				}
				fmt.Fprintf(out, "Organization %s, config version %d, %d feedback sample(s)\n\n",
					advice.OrganizationID, advice.Version, advice.FeedbackCount)
				if advice.Suggestion.Empty() {
					fmt.Fprintln(out, "No changes suggested.")
					return nil
				}
				printConfigDiff(out, advice.Current, advice.Proposed)
				if len(advice.Suggestion.Reasons) > 0 {
					fmt.Fprintln(out, "\nReasons:")
					for _, r := range advice.Suggestion.Reasons {
						fmt.Fprintf(out, "  - %s\n", r)
					}
				}
				return nil
			})
		},
	}
	cmd.Flags().Bool("json", false, "Print the raw suggestion as JSON")
	return cmd
}

func configApplyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apply <org-id>",
		Short: "Persist the current suggestion as a new config version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			by, _ := cmd.Flags().GetString("by")
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				res, err := a.Advisor.Apply(ctx, args[0], by)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if !res.Applied {
					fmt.Fprintf(out, "Nothing to apply; version %d stays in force\n", res.Version)
					return nil
				}
				fmt.Fprintf(out, "%s version %d for %s\n", color.New(color.FgGreen).Sprint("APPLIED"), res.Version, args[0])
				return nil
			})
		},
	}
	cmd.Flags().String("by", "", "Operator applying the change (required)")
	_ = cmd.MarkFlagRequired("by")
	return cmd
}

func printConfigDiff(out io.Writer, current, proposed matching.Config) {
	rows := []struct {
		name     string
		from, to any
	}{
		{"amount_tolerance_percentage", current.AmountTolerance, proposed.AmountTolerance},
		{"date_window_days", current.DateWindowDays, proposed.DateWindowDays},
		{"auto_match_threshold", current.AutoMatchThreshold, proposed.AutoMatchThreshold},
		{"suggest_threshold", current.SuggestThreshold, proposed.SuggestThreshold},
		{"weights.amount", current.Weights.Amount, proposed.Weights.Amount},
		{"weights.merchant", current.Weights.Merchant, proposed.Weights.Merchant},
		{"weights.date", current.Weights.Date, proposed.Weights.Date},
		{"weights.user", current.Weights.User, proposed.Weights.User},
		{"weights.location", current.Weights.Location, proposed.Weights.Location},
	}
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SETTING\tCURRENT\tPROPOSED")
	for _, r := range rows {
		to := fmt.Sprint(r.to)
		if r.from != r.to {
			to = color.New(color.FgYellow).Sprint(to)
		}
		fmt.Fprintf(w, "%s\t%v\t%s\n", r.name, r.from, to)
	}
	w.Flush()
}

// RulesCmd returns the rules command
func RulesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rules <org-id>",
		Short: "Show merchant rules derived from review feedback",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				// A fresh process only holds restored patterns, so rules are
				// always regenerated here.
				rules := a.Advisor.Rules(args[0], true)
				out := cmd.OutOrStdout()
				if len(rules) == 0 {
					fmt.Fprintln(out, "No rules.")
					return nil
				}
				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "MERCHANT\tCONFIDENCE\tSAMPLES\tAUTO-APPROVE\tEXPIRES")
				for _, r := range rules {
					auto := "no"
					if r.AutoApprove {
						auto = color.New(color.FgGreen).Sprint("yes")
					}
					fmt.Fprintf(w, "%s\t%.2f\t%d\t%s\t%s\n",
						r.MerchantPattern, r.Confidence, r.SampleSize, auto, r.ExpiresAt.Format(time.RFC3339))
				}
				return w.Flush()
			})
		},
	}
}

// MetricsCmd returns the metrics command
func MetricsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "metrics <org-id>",
		Short: "Summarize matching accuracy for an organization",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			days, _ := cmd.Flags().GetInt("days")
			asJSON, _ := cmd.Flags().GetBool("json")
			if days < 1 {
				return fmt.Errorf("--days must be positive")
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				m, err := a.Advisor.Metrics(ctx, args[0], time.Now().UTC().AddDate(0, 0, -days))
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				if asJSON {
					return writeJSON(out, m)
				}
				fmt.Fprintf(out, "Matching metrics for %s, last %d day(s)\n\n", m.OrganizationID, days)
				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintf(w, "total\t%d\n", m.TotalMatches)
				fmt.Fprintf(w, "auto / suggested / manual\t%d / %d / %d\n", m.AutoMatched, m.SuggestedMatched, m.ManualMatched)
				fmt.Fprintf(w, "confirmed / rejected / pending\t%d / %d / %d\n", m.Confirmed, m.Rejected, m.PendingReview)
				fmt.Fprintf(w, "accuracy\t%.1f%%\n", m.AccuracyRate*100)
				fmt.Fprintf(w, "average confidence\t%.3f\n", m.AverageConfidence)
				fmt.Fprintf(w, "feedback samples\t%d\n", m.FeedbackCount)
				return w.Flush()
			})
		},
	}
	cmd.Flags().Int("days", 30, "Lookback window in days")
	cmd.Flags().Bool("json", false, "Print metrics as JSON")
	return cmd
}

// ReconcileCmd returns the reconcile command
func ReconcileCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reconcile <org-id>",
		Short: "Re-run receipt matching for an organization's open transactions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			if limit < 1 {
				return fmt.Errorf("--limit must be positive")
			}
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				considered, stored, err := a.Reconciler.ReconcileOrganization(ctx, args[0], limit)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Reconciled %d transaction(s), %d candidate(s) stored\n", considered, stored)
				return nil
			})
		},
	}
	cmd.Flags().IntP("limit", "n", 500, "Max transactions to reconcile, newest first")
	return cmd
}

func writeJSON(out io.Writer, v any) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
