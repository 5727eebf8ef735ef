package cmd

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/austindbirch/courier/internal/service"
	"github.com/austindbirch/courier/internal/task"
)

const timeFormat = "2006-01-02 15:04:05"

// taskCmd represents the task command
var taskCmd = &cobra.Command{
	Use:   "task",
	Short: "Create and manage HTTP tasks",
	Long:  `Queue HTTP requests, inspect their status and attempt logs, and retry or cancel them.`,
}

var taskCreateCmd = &cobra.Command{
	Use:   "create",
	Short: "Queue an HTTP request",
	Long: `Queue an HTTP request for asynchronous execution.

Examples:
  taskctl task create --url https://example.com/hook --method POST --body '{"a":1}'
  taskctl task create --url https://example.com/report --in 10m --priority high
  taskctl task create --url https://api.example.com/x -H "X-Api-Key: secret" --max-attempts 5`,
	RunE: func(cmd *cobra.Command, args []string) error {
		req, err := createRequestFromFlags(cmd)
		if err != nil {
			return err
		}

		ctx, cancel := commandContext(cmd)
		defer cancel()

		var t task.Task
		_, err = newClient().do(ctx, http.MethodPost, "/v1/tasks", req, &t)
		var apiErr *APIError
		if errors.As(err, &apiErr) && apiErr.Task != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "Task %d was stored but not dispatched: %s\n", apiErr.Task.ID, apiErr.Message)
			return err
		}
		if err != nil {
			return fmt.Errorf("failed to create task: %w", err)
		}

		if outputJSON {
			return printJSON(cmd.OutOrStdout(), t)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Task created: %d (%s)\n", t.ID, t.UUID)
		printTask(cmd.OutOrStdout(), &t)
		return nil
	},
}

var taskGetCmd = &cobra.Command{
	Use:   "get [id|uuid]",
	Short: "Show a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()

		var t task.Task
		if _, err := newClient().do(ctx, http.MethodGet, "/v1/tasks/"+url.PathEscape(args[0]), nil, &t); err != nil {
			return fmt.Errorf("failed to get task: %w", err)
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), t)
		}
		printTask(cmd.OutOrStdout(), &t)
		return nil
	},
}

var taskListCmd = &cobra.Command{
	Use:   "list",
	Short: "List tasks",
	Long: `List tasks by status. Without --status the due pending tasks are listed;
--status retriable lists failed tasks that still have attempts left.

Example:
  taskctl task list --status failed --limit 20`,
	RunE: func(cmd *cobra.Command, args []string) error {
		status, _ := cmd.Flags().GetString("status")
		limit, _ := cmd.Flags().GetInt("limit")

		q := url.Values{}
		if status != "" {
			q.Set("status", status)
		}
		if limit > 0 {
			q.Set("limit", strconv.Itoa(limit))
		}
		path := "/v1/tasks"
		if len(q) > 0 {
			path += "?" + q.Encode()
		}

		ctx, cancel := commandContext(cmd)
		defer cancel()

		var resp struct {
			Tasks []*task.Task `json:"tasks"`
			Count int          `json:"count"`
		}
		if _, err := newClient().do(ctx, http.MethodGet, path, nil, &resp); err != nil {
			return fmt.Errorf("failed to list tasks: %w", err)
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), resp)
		}

		w := cmd.OutOrStdout()
		if resp.Count == 0 {
			fmt.Fprintln(w, "No tasks found")
			return nil
		}
		fmt.Fprintf(w, "%-8s %-11s %-7s %-9s %-6s %s\n", "ID", "STATUS", "METHOD", "ATTEMPTS", "PRIO", "URL")
		for _, t := range resp.Tasks {
			fmt.Fprintf(w, "%-8d %-11s %-7s %-9s %-6s %s\n",
				t.ID, t.Status, t.Method, fmt.Sprintf("%d/%d", t.Attempts, t.MaxAttempts), t.Priority, t.URL)
		}
		return nil
	},
}

var taskLogsCmd = &cobra.Command{
	Use:   "logs [id|uuid]",
	Short: "Show the attempt logs of a task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		latest, _ := cmd.Flags().GetBool("latest")
		ctx, cancel := commandContext(cmd)
		defer cancel()

		path := "/v1/tasks/" + url.PathEscape(args[0]) + "/logs"
		if latest {
			var l task.Log
			if _, err := newClient().do(ctx, http.MethodGet, path+"/latest", nil, &l); err != nil {
				return fmt.Errorf("failed to get latest log: %w", err)
			}
			if outputJSON {
				return printJSON(cmd.OutOrStdout(), l)
			}
			printLog(cmd.OutOrStdout(), &l)
			return nil
		}

		var resp struct {
			TaskID int64       `json:"task_id"`
			Logs   []*task.Log `json:"logs"`
		}
		if _, err := newClient().do(ctx, http.MethodGet, path, nil, &resp); err != nil {
			return fmt.Errorf("failed to get logs: %w", err)
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), resp)
		}
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "Attempt logs for task %d:\n", resp.TaskID)
		if len(resp.Logs) == 0 {
			fmt.Fprintln(w, "  No attempts yet")
			return nil
		}
		for _, l := range resp.Logs {
			printLog(w, l)
		}
		return nil
	},
}

var taskRetryCmd = &cobra.Command{
	Use:   "retry [id]",
	Short: "Retry a failed task",
	Long: `Re-queue a failed task. With --force a task that has used all its attempts
gets one more.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		force, _ := cmd.Flags().GetBool("force")
		ctx, cancel := commandContext(cmd)
		defer cancel()

		path := "/v1/tasks/" + url.PathEscape(args[0]) + "/retry"
		if force {
			path += "?force=true"
		}
		var t task.Task
		if _, err := newClient().do(ctx, http.MethodPost, path, nil, &t); err != nil {
			return fmt.Errorf("failed to retry task: %w", err)
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), t)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Task %d re-queued (%d/%d attempts used)\n", t.ID, t.Attempts, t.MaxAttempts)
		return nil
	},
}

var taskCancelCmd = &cobra.Command{
	Use:   "cancel [id]",
	Short: "Cancel a pending task",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()

		var t task.Task
		if _, err := newClient().do(ctx, http.MethodPost, "/v1/tasks/"+url.PathEscape(args[0])+"/cancel", nil, &t); err != nil {
			return fmt.Errorf("failed to cancel task: %w", err)
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), t)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Task %d cancelled\n", t.ID)
		return nil
	},
}

var taskWaitCmd = &cobra.Command{
	Use:   "wait [id|uuid]",
	Short: "Wait until a task finishes",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		interval, _ := cmd.Flags().GetDuration("interval")
		ctx, cancel := commandContext(cmd)
		defer cancel()

		client := newClient()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			var t task.Task
			if _, err := client.do(ctx, http.MethodGet, "/v1/tasks/"+url.PathEscape(args[0]), nil, &t); err != nil {
				return fmt.Errorf("failed to get task: %w", err)
			}
			if t.Terminal() {
				if outputJSON {
					return printJSON(cmd.OutOrStdout(), t)
				}
				printTask(cmd.OutOrStdout(), &t)
				return nil
			}
			select {
			case <-ctx.Done():
				return fmt.Errorf("task %s still %s: %w", args[0], t.Status, ctx.Err())
			case <-ticker.C:
			}
		}
	},
}

var retryFailedCmd = &cobra.Command{
	Use:   "retry-failed",
	Short: "Retry failed tasks in bulk",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		force, _ := cmd.Flags().GetBool("force")
		dryRun, _ := cmd.Flags().GetBool("dry-run")

		ctx, cancel := commandContext(cmd)
		defer cancel()

		body := map[string]any{"limit": limit, "force": force, "dry_run": dryRun}
		var rep service.RetryReport
		if _, err := newClient().do(ctx, http.MethodPost, "/v1/tasks/retry-failed", body, &rep); err != nil {
			return fmt.Errorf("failed to retry failed tasks: %w", err)
		}
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), rep)
		}

		w := cmd.OutOrStdout()
		if rep.DryRun {
			fmt.Fprintln(w, "Dry run, nothing was re-queued")
		}
		fmt.Fprintf(w, "Found: %d  Retried: %d  Skipped: %d  Errors: %d\n", rep.Found, rep.Retried, rep.Skipped, rep.Errors)
		for _, c := range rep.Candidates {
			line := fmt.Sprintf("  %d %s (%d/%d)", c.Task.ID, c.Result, c.Task.Attempts, c.Task.MaxAttempts)
			if c.Error != "" {
				line += ": " + c.Error
			}
			fmt.Fprintln(w, line)
		}
		return nil
	},
}

// createRequestFromFlags builds a creation request from the create command's flags
func createRequestFromFlags(cmd *cobra.Command) (service.CreateRequest, error) {
	f := cmd.Flags()
	var req service.CreateRequest

	req.URL, _ = f.GetString("url")
	if req.URL == "" {
		return req, fmt.Errorf("--url is required")
	}
	req.Method, _ = f.GetString("method")
	req.ContentType, _ = f.GetString("content-type")
	req.RateLimitKey, _ = f.GetString("rate-limit-key")

	rawHeaders, _ := f.GetStringArray("header")
	headers, err := parseHeaders(rawHeaders)
	if err != nil {
		return req, err
	}
	req.Headers = headers

	body, _ := f.GetString("body")
	bodyFile, _ := f.GetString("body-file")
	if body != "" && bodyFile != "" {
		return req, fmt.Errorf("--body and --body-file are mutually exclusive")
	}
	if bodyFile != "" {
		b, err := os.ReadFile(bodyFile)
		if err != nil {
			return req, fmt.Errorf("read body file: %w", err)
		}
		body = string(b)
	}
	if body != "" {
		req.Body = &body
	}

	if p, _ := f.GetString("priority"); p != "" {
		prio, err := task.ParsePriority(p)
		if err != nil {
			return req, err
		}
		req.Priority = &prio
	}
	if f.Changed("max-attempts") {
		v, _ := f.GetInt("max-attempts")
		req.MaxAttempts = &v
	}
	if f.Changed("timeout-seconds") {
		v, _ := f.GetInt("timeout-seconds")
		req.TimeoutSeconds = &v
	}
	if f.Changed("retry-delay-ms") {
		v, _ := f.GetInt("retry-delay-ms")
		req.RetryDelayMs = &v
	}
	if f.Changed("retry-multiplier") {
		v, _ := f.GetFloat64("retry-multiplier")
		req.RetryMultiplier = &v
	}
	if f.Changed("rate-limit") {
		v, _ := f.GetInt("rate-limit")
		req.RateLimitPerSecond = &v
	}

	at, _ := f.GetString("at")
	in, _ := f.GetDuration("in")
	switch {
	case at != "" && in > 0:
		return req, fmt.Errorf("--at and --in are mutually exclusive")
	case at != "":
		ts, err := time.Parse(time.RFC3339, at)
		if err != nil {
			return req, fmt.Errorf("failed to parse --at (expected RFC3339 format): %w", err)
		}
		req.ScheduledAt = &ts
	case in > 0:
		ts := time.Now().Add(in).UTC()
		req.ScheduledAt = &ts
	}

	if m, _ := f.GetString("metadata"); m != "" {
		meta, err := parseJSONObject(m)
		if err != nil {
			return req, fmt.Errorf("invalid --metadata: %w", err)
		}
		req.Metadata = meta
	}
	return req, nil
}

func printTask(w io.Writer, t *task.Task) {
	fmt.Fprintf(w, "  ID: %d\n", t.ID)
	fmt.Fprintf(w, "  UUID: %s\n", t.UUID)
	fmt.Fprintf(w, "  Status: %s\n", t.Status)
	fmt.Fprintf(w, "  Request: %s %s\n", t.Method, t.URL)
	fmt.Fprintf(w, "  Priority: %s\n", t.Priority)
	fmt.Fprintf(w, "  Attempts: %d/%d\n", t.Attempts, t.MaxAttempts)
	if t.ScheduledAt != nil {
		fmt.Fprintf(w, "  Scheduled: %s\n", t.ScheduledAt.Format(timeFormat))
	}
	if t.LastResponseCode != nil {
		fmt.Fprintf(w, "  Last status: %d\n", *t.LastResponseCode)
	}
	if t.LastErrorMessage != nil {
		fmt.Fprintf(w, "  Last error: %s\n", *t.LastErrorMessage)
	}
	if t.CompletedAt != nil {
		fmt.Fprintf(w, "  Completed: %s\n", t.CompletedAt.Format(timeFormat))
	}
	fmt.Fprintf(w, "  Created: %s\n", t.CreatedAt.Format(timeFormat))
}

func printLog(w io.Writer, l *task.Log) {
	fmt.Fprintf(w, "\n  Attempt %d (%s):\n", l.AttemptNumber, l.Result)
	fmt.Fprintf(w, "    Executed: %s\n", l.ExecutedAt.Format(timeFormat))
	if l.ResponseCode != nil {
		fmt.Fprintf(w, "    HTTP Status: %d\n", *l.ResponseCode)
	}
	fmt.Fprintf(w, "    Response time: %dms\n", l.ResponseTimeMs)
	if l.ErrorMessage != nil {
		fmt.Fprintf(w, "    Error: %s\n", *l.ErrorMessage)
	}
}

func init() {
	rootCmd.AddCommand(taskCmd)
	rootCmd.AddCommand(retryFailedCmd)
	taskCmd.AddCommand(taskCreateCmd, taskGetCmd, taskListCmd, taskLogsCmd, taskRetryCmd, taskCancelCmd, taskWaitCmd)

	// Flags for create command
	f := taskCreateCmd.Flags()
	f.String("url", "", "target URL (required)")
	f.StringP("method", "X", "GET", "HTTP method")
	f.StringArrayP("header", "H", nil, `request header as "Name: value" (repeatable)`)
	f.String("body", "", "request body")
	f.String("body-file", "", "read the request body from a file")
	f.String("content-type", "", "request content type")
	f.String("priority", "", "high, normal or low")
	f.Int("max-attempts", 0, "attempt budget")
	f.Int("timeout-seconds", 0, "per-attempt timeout in seconds")
	f.Int("retry-delay-ms", 0, "base retry delay in milliseconds")
	f.Float64("retry-multiplier", 0, "backoff multiplier")
	f.String("at", "", "run at this RFC3339 time")
	f.Duration("in", 0, "run after this delay, e.g. 10m")
	f.String("metadata", "", "metadata as a JSON object")
	f.String("rate-limit-key", "", "rate limit bucket key (defaults to the URL host)")
	f.Int("rate-limit", 0, "requests per second allowed for the bucket")

	taskListCmd.Flags().String("status", "", "pending, processing, completed, failed, cancelled or retriable")
	taskListCmd.Flags().Int("limit", 50, "maximum tasks to list")
	taskLogsCmd.Flags().Bool("latest", false, "show only the latest attempt")
	taskRetryCmd.Flags().Bool("force", false, "grant one more attempt when the budget is used up")
	taskWaitCmd.Flags().Duration("interval", time.Second, "polling interval")

	retryFailedCmd.Flags().Int("limit", 50, "maximum failed tasks to consider")
	retryFailedCmd.Flags().Bool("force", false, "also retry tasks with no attempts left")
	retryFailedCmd.Flags().Bool("dry-run", false, "report what would be retried")
}
