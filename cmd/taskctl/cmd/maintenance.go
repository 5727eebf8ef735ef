package cmd

import (
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/austindbirch/courier/internal/service"
	"github.com/austindbirch/courier/internal/task"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show task counts and attempt statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		detailed, _ := cmd.Flags().GetBool("detailed")
		since, _ := cmd.Flags().GetDuration("since")

		q := url.Values{}
		if detailed {
			q.Set("detailed", "true")
		}
		if since > 0 {
			q.Set("since", time.Now().Add(-since).UTC().Format(time.RFC3339))
		}
		path := "/v1/stats"
		if len(q) > 0 {
			path += "?" + q.Encode()
		}

		ctx, cancel := commandContext(cmd)
		defer cancel()

		var st service.Statistics
		if _, err := newClient().do(ctx, http.MethodGet, path, nil, &st); err != nil {
			return fmt.Errorf("failed to get statistics: %w", err)
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), st)
		}

		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "Tasks: %d\n", st.Total)
		for _, s := range task.Statuses {
			fmt.Fprintf(w, "  %-11s %d\n", s, st.Counts[s])
		}
		if st.Since != nil {
			fmt.Fprintf(w, "\nAttempts since %s:\n", st.Since.Format(timeFormat))
		} else if st.Results != nil {
			fmt.Fprintln(w, "\nAttempts:")
		}
		if st.AvgResponseTimeMs != nil {
			fmt.Fprintf(w, "  Avg response time: %.1fms\n", *st.AvgResponseTimeMs)
		}
		for _, r := range sortedKeys(st.Results) {
			fmt.Fprintf(w, "  %-11s %d\n", r, st.Results[r])
		}
		if len(st.ResponseCodes) > 0 {
			fmt.Fprintln(w, "  Response codes:")
			for _, code := range sortedKeys(st.ResponseCodes) {
				fmt.Fprintf(w, "    %d: %d\n", code, st.ResponseCodes[code])
			}
		}
		return nil
	},
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Delete old finished tasks and attempt logs",
	Long: `Delete finished tasks (completed, failed or cancelled) and attempt logs older
than --older-than days. Use --dry-run to see what would go first.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		days, _ := cmd.Flags().GetInt("older-than")
		dryRun, _ := cmd.Flags().GetBool("dry-run")
		tasksOnly, _ := cmd.Flags().GetBool("tasks-only")
		logsOnly, _ := cmd.Flags().GetBool("logs-only")
		if tasksOnly && logsOnly {
			return fmt.Errorf("--tasks-only and --logs-only are mutually exclusive")
		}

		ctx, cancel := commandContext(cmd)
		defer cancel()

		body := map[string]any{
			"older_than_days": days,
			"dry_run":         dryRun,
			"tasks_only":      tasksOnly,
			"logs_only":       logsOnly,
		}
		var rep service.CleanupReport
		if _, err := newClient().do(ctx, http.MethodPost, "/v1/maintenance/cleanup", body, &rep); err != nil {
			return fmt.Errorf("cleanup failed: %w", err)
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), rep)
		}

		w := cmd.OutOrStdout()
		verb := "Deleted"
		if rep.DryRun {
			verb = "Would delete"
		}
		fmt.Fprintf(w, "%s %d tasks and %d logs created before %s\n", verb, rep.Tasks, rep.Logs, rep.Before.Format(timeFormat))
		for _, t := range rep.TaskPreview {
			fmt.Fprintf(w, "  task %d %s %s\n", t.ID, t.Status, t.URL)
		}
		for _, l := range rep.LogPreview {
			fmt.Fprintf(w, "  log %d of task %d (%s)\n", l.ID, l.TaskID, l.Result)
		}
		return nil
	},
}

var recoverStaleCmd = &cobra.Command{
	Use:   "recover-stale",
	Short: "Recover tasks stuck in processing",
	Long: `Find tasks that stayed in processing past their timeout plus --grace, which
means the worker running them died. Tasks with attempts left are re-queued,
the rest are failed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		grace, _ := cmd.Flags().GetDuration("grace")
		limit, _ := cmd.Flags().GetInt("limit")

		ctx, cancel := commandContext(cmd)
		defer cancel()

		var rep service.RecoveryReport
		body := map[string]any{"grace": grace.String(), "limit": limit}
		if _, err := newClient().do(ctx, http.MethodPost, "/v1/maintenance/recover-stale", body, &rep); err != nil {
			return fmt.Errorf("stale recovery failed: %w", err)
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), rep)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Re-queued: %d  Failed: %d\n", rep.Requeued, rep.Failed)
		return nil
	},
}

func sortedKeys[K ~string | ~int, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}

func init() {
	rootCmd.AddCommand(statsCmd, cleanupCmd, recoverStaleCmd)

	statsCmd.Flags().Bool("detailed", false, "include attempt results and response codes")
	statsCmd.Flags().Duration("since", 0, "only count attempts in this window, e.g. 24h")

	cleanupCmd.Flags().Int("older-than", 30, "age in days")
	cleanupCmd.Flags().Bool("dry-run", false, "report without deleting")
	cleanupCmd.Flags().Bool("tasks-only", false, "only delete tasks")
	cleanupCmd.Flags().Bool("logs-only", false, "only delete logs")

	recoverStaleCmd.Flags().Duration("grace", time.Minute, "extra time past the task timeout")
	recoverStaleCmd.Flags().Int("limit", 50, "maximum tasks to recover")
}
