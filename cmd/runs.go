package main

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"

	"github.com/sells-group/visibility-engine/internal/model"
	"github.com/sells-group/visibility-engine/internal/monitoring"
	"github.com/sells-group/visibility-engine/internal/store"
)

var runsCmd = &cobra.Command{
	Use:   "runs",
	Short: "Inspect visibility runs",
	Long:  "Commands for listing, viewing, and summarizing visibility runs.",
}

// -- runs list --

var runsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs, newest first",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")

		filter := store.RunFilter{Status: model.RunStatus(status), Limit: limit, Offset: offset}
		if filter.Status != "" && !filter.Status.Valid() {
			return eris.Errorf("invalid status %q (pending, running, completed, failed)", status)
		}

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		runs, err := st.ListRuns(ctx, filter)
		if err != nil {
			return eris.Wrap(err, "runs list")
		}

		if len(runs) == 0 {
			fmt.Fprintln(os.Stderr, "No runs found.")
			return nil
		}

		formatRunsList(cmd.OutOrStdout(), runs)
		return nil
	},
}

// -- runs show --

var runsShowCmd = &cobra.Command{
	Use:   "show <run-id>",
	Short: "Show a run with its brands, prompts and responses",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEngine(cmd.Context(), "runs")
		if err != nil {
			return err
		}
		defer env.Close()

		detail, err := env.Engine.GetRun(cmd.Context(), args[0])
		if err != nil {
			return eris.Wrap(err, "runs show")
		}
		return writeJSON(cmd.OutOrStdout(), detail)
	},
}

// -- runs summary --

var runsSummaryCmd = &cobra.Command{
	Use:   "summary <run-id>",
	Short: "Show brand visibility scores of a run",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		env, err := initEngine(cmd.Context(), "runs")
		if err != nil {
			return err
		}
		defer env.Close()

		summary, err := env.Engine.Summary(cmd.Context(), args[0])
		if err != nil {
			return eris.Wrap(err, "runs summary")
		}

		if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
			return writeJSON(cmd.OutOrStdout(), summary)
		}
		formatSummary(cmd.OutOrStdout(), summary)
		return nil
	},
}

// -- runs stats --

var runsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show run counts by status",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := openStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close() //nolint:errcheck

		snap, err := monitoring.NewCollector(st, nil).Collect(ctx)
		if err != nil {
			return eris.Wrap(err, "runs stats")
		}
		formatRunStats(cmd.OutOrStdout(), snap)
		return nil
	},
}

func init() {
	runsListCmd.Flags().String("status", "", "filter by run status (pending, running, completed, failed)")
	runsListCmd.Flags().Int("limit", 50, "max number of runs to display")
	runsListCmd.Flags().Int("offset", 0, "number of runs to skip")

	runsSummaryCmd.Flags().Bool("json", false, "print the summary as JSON")

	runsCmd.AddCommand(runsListCmd)
	runsCmd.AddCommand(runsShowCmd)
	runsCmd.AddCommand(runsSummaryCmd)
	runsCmd.AddCommand(runsStatsCmd)
	rootCmd.AddCommand(runsCmd)
}

// formatRunsList writes a tabular list of runs to w.
func formatRunsList(out io.Writer, runs []model.Run) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tSTATUS\tMODELS\tCREATED\tDURATION\tNOTES")
	_, _ = fmt.Fprintln(w, "--\t------\t------\t-------\t--------\t-----")

	for _, r := range runs {
		dur := ""
		if r.Status.Terminal() {
			dur = r.UpdatedAt.Sub(r.CreatedAt).Round(time.Second).String()
		}

		notes := r.Notes
		if len(notes) > 30 {
			notes = notes[:27] + "..."
		}

		_, _ = fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\n",
			truncateID(r.ID),
			r.Status,
			len(r.Models),
			r.CreatedAt.Format("2006-01-02 15:04"),
			dur,
			notes,
		)
	}
	_ = w.Flush()
}

// formatSummary writes a run summary with one row per brand.
func formatSummary(out io.Writer, s *model.RunSummary) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Run:\t%s (%s)\n", s.RunID, s.Status)
	_, _ = fmt.Fprintf(w, "Prompts:\t%d\n", s.TotalPrompts)
	_, _ = fmt.Fprintf(w, "Responses:\t%d (%d errors, %.1f%%)\n", s.TotalResponses, s.ErrorCount, s.ErrorRatio*100)
	_, _ = fmt.Fprintf(w, "Cost:\t$%.4f\n", s.TotalCostUSD)
	_, _ = fmt.Fprintln(w)
	_, _ = fmt.Fprintln(w, "BRAND\tMENTIONS\tOCCURRENCES\tVISIBILITY")
	for _, b := range s.Brands {
		_, _ = fmt.Fprintf(w, "%s\t%d\t%d\t%.1f%%\n", b.Name, b.Mentions, b.Occurrences, b.VisibilityScore)
	}
	_ = w.Flush()
}

// formatRunStats writes run counts to w.
func formatRunStats(out io.Writer, s *monitoring.MetricsSnapshot) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintf(w, "Total runs:\t%d\n", s.RunsTotal)
	_, _ = fmt.Fprintf(w, "Pending:\t%d\n", s.RunsPending)
	_, _ = fmt.Fprintf(w, "Running:\t%d\n", s.RunsRunning)
	_, _ = fmt.Fprintf(w, "Completed:\t%d\n", s.RunsCompleted)
	_, _ = fmt.Fprintf(w, "Failed:\t%d\n", s.RunsFailed)
	if s.RunsCompleted+s.RunsFailed > 0 {
		_, _ = fmt.Fprintf(w, "Failure rate:\t%.1f%%\n", s.RunFailRate*100)
	}
	_ = w.Flush()
}

// truncateID returns the first 8 characters of a UUID for compact display.
func truncateID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
