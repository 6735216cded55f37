package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

// activity flags
var (
	activityLimit      int
	activitySince      string
	activityOlderThan  string
	activityPruneDry   bool
	activityPruneForce bool
)

var activityCmd = &cobra.Command{
	Use:   "activity",
	Short: "Inspect the tamper-evident activity log",
}

var activityListCmd = &cobra.Command{
	Use:   "list",
	Short: "List activity events",
	RunE: func(cmd *cobra.Command, args []string) error {
		var since time.Time
		if activitySince != "" {
			d, err := parseDuration(activitySince)
			if err != nil {
				return fmt.Errorf("invalid since format: %w", err)
			}
			since = time.Now().Add(-d)
		}

		events, err := activity.List(activityLimit, since)
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		if len(events) == 0 {
			fmt.Fprintln(out, "No activity events found")
			return nil
		}
		for _, e := range events {
			// Format: SEQ TIMESTAMP SOURCE OPERATION RESULT [SUBJECT] [error:CODE]
			line := fmt.Sprintf("%6d %s %-4s %-22s %-7s", e.Sequence, formatTime(e.Timestamp), e.Source, e.Operation, e.Result)
			if e.Subject != "" {
				line += " " + e.Subject
			}
			if e.Error != nil && e.Error.Code != "" {
				line += " error:" + e.Error.Code
			}
			fmt.Fprintln(out, line)
		}
		fmt.Fprintf(out, "\nTotal: %d events\n", len(events))
		return nil
	},
}

var activityVerifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Verify the activity hash chain",
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := activity.Verify()
		if err != nil {
			return err
		}
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "Records: %d, verified: %d\n", result.RecordsTotal, result.RecordsVerified)
		if !result.Valid {
			for _, e := range result.Errors {
				fmt.Fprintf(out, "  %s\n", e)
			}
			return fmt.Errorf("activity chain broken at seq %d", result.FirstBrokenSeq)
		}
		fmt.Fprintln(out, "Activity chain is intact")
		return nil
	},
}

var activityPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete old activity events",
	RunE: func(cmd *cobra.Command, args []string) error {
		if activityOlderThan == "" {
			return fmt.Errorf("--older-than flag is required")
		}
		d, err := parseDuration(activityOlderThan)
		if err != nil {
			return fmt.Errorf("invalid older-than format: %w", err)
		}
		out := cmd.OutOrStdout()

		count, err := activity.PrunePreview(d)
		if err != nil {
			return fmt.Errorf("failed to preview prune: %w", err)
		}
		if activityPruneDry {
			fmt.Fprintf(out, "Would delete %d activity events older than %s\n", count, activityOlderThan)
			return nil
		}
		if count == 0 {
			fmt.Fprintln(out, "No activity events to delete")
			return nil
		}

		if !activityPruneForce {
			fmt.Fprintf(out, "This will delete %d activity events older than %s.\n", count, activityOlderThan)
			answer, err := readLine("Are you sure? [y/N]: ")
			if err != nil || (answer != "y" && answer != "Y") {
				fmt.Fprintln(out, "Aborted")
				return nil
			}
		}

		deleted, err := activity.Prune(d)
		if err != nil {
			return fmt.Errorf("failed to prune activity log: %w", err)
		}
		fmt.Fprintf(out, "Deleted %d activity events\n", deleted)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(activityCmd)
	activityCmd.AddCommand(activityListCmd)
	activityCmd.AddCommand(activityVerifyCmd)
	activityCmd.AddCommand(activityPruneCmd)

	activityListCmd.Flags().IntVar(&activityLimit, "limit", 100, "Maximum number of events to show (0 = all)")
	activityListCmd.Flags().StringVar(&activitySince, "since", "", "Show events since duration (e.g., 24h, 7d)")

	activityPruneCmd.Flags().StringVar(&activityOlderThan, "older-than", "", "Delete events older than duration (e.g., 90d, 12m for 12 months)")
	activityPruneCmd.Flags().BoolVar(&activityPruneDry, "dry-run", false, "Show what would be deleted without deleting")
	activityPruneCmd.Flags().BoolVarP(&activityPruneForce, "force", "f", false, "Skip confirmation prompt")
}
