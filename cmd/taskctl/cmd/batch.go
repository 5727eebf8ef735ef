package cmd

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/austindbirch/courier/internal/service"
	"github.com/austindbirch/courier/internal/task"
)

type batchResult struct {
	Tasks []*task.Task `json:"tasks"`
	Count int          `json:"count"`
	Error string       `json:"error,omitempty"`
}

// batchCmd represents the batch command
var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Create many tasks at once",
}

var batchURLsCmd = &cobra.Command{
	Use:   "urls [url...]",
	Short: "Queue one GET per URL",
	Long: `Queue one request per URL. URLs come from the arguments or, with --file,
one per line from a file ("-" reads stdin). Blank lines and lines starting
with # are ignored.

Example:
  taskctl batch urls https://a.example.com https://b.example.com --priority low`,
	RunE: func(cmd *cobra.Command, args []string) error {
		urls := append([]string{}, args...)
		if file, _ := cmd.Flags().GetString("file"); file != "" {
			fromFile, err := readLines(cmd, file)
			if err != nil {
				return err
			}
			urls = append(urls, fromFile...)
		}
		if len(urls) == 0 {
			return fmt.Errorf("no URLs given")
		}

		common, err := commonFromFlags(cmd)
		if err != nil {
			return err
		}
		return postBatch(cmd, "/v1/tasks/batch/urls", map[string]any{"urls": urls, "common": common})
	},
}

var batchFileCmd = &cobra.Command{
	Use:   "file [path]",
	Short: "Create tasks from a JSON file",
	Long: `Create tasks from a JSON array of task requests, each shaped like the body
of POST /v1/tasks. All requests are validated before any is stored.`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		data, err := readInput(cmd, args[0])
		if err != nil {
			return err
		}
		var reqs []service.CreateRequest
		if err := json.Unmarshal(data, &reqs); err != nil {
			return fmt.Errorf("failed to parse %s: %w", args[0], err)
		}
		return postBatch(cmd, "/v1/tasks/batch", map[string]any{"requests": reqs})
	},
}

var batchScheduledCmd = &cobra.Command{
	Use:   "scheduled",
	Short: "Queue the same request at a fixed interval",
	Long: `Queue --count copies of one request, the first at --start and each next one
--interval later.

Example:
  taskctl batch scheduled --url https://example.com/ping --count 10 --interval 1m`,
	RunE: func(cmd *cobra.Command, args []string) error {
		target, _ := cmd.Flags().GetString("url")
		if target == "" {
			return fmt.Errorf("--url is required")
		}
		count, _ := cmd.Flags().GetInt("count")
		interval, _ := cmd.Flags().GetDuration("interval")
		rawStart, _ := cmd.Flags().GetString("start")

		start := time.Now().UTC()
		if rawStart != "" {
			ts, err := time.Parse(time.RFC3339, rawStart)
			if err != nil {
				return fmt.Errorf("failed to parse --start (expected RFC3339 format): %w", err)
			}
			start = ts
		}

		tmpl, err := commonFromFlags(cmd)
		if err != nil {
			return err
		}
		tmpl.URL = target
		tmpl.Method, _ = cmd.Flags().GetString("method")

		return postBatch(cmd, "/v1/tasks/batch/scheduled", map[string]any{
			"start":    start,
			"count":    count,
			"interval": interval.String(),
			"template": tmpl,
		})
	},
}

// commonFromFlags reads the options shared by every task of a batch
func commonFromFlags(cmd *cobra.Command) (service.CreateRequest, error) {
	var req service.CreateRequest
	f := cmd.Flags()

	rawHeaders, _ := f.GetStringArray("header")
	headers, err := parseHeaders(rawHeaders)
	if err != nil {
		return req, err
	}
	req.Headers = headers

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
	return req, nil
}

func postBatch(cmd *cobra.Command, path string, body any) error {
	ctx, cancel := commandContext(cmd)
	defer cancel()

	var res batchResult
	status, err := newClient().do(ctx, http.MethodPost, path, body, &res)
	if err != nil {
		return fmt.Errorf("failed to create batch: %w", err)
	}
	if outputJSON {
		if err := printJSON(cmd.OutOrStdout(), res); err != nil {
			return err
		}
	} else {
		w := cmd.OutOrStdout()
		fmt.Fprintf(w, "Created %d tasks\n", res.Count)
		for _, t := range res.Tasks {
			fmt.Fprintf(w, "  %d %s %s\n", t.ID, t.Method, t.URL)
		}
	}
	if status == http.StatusMultiStatus {
		return errors.New("batch partially created: " + res.Error)
	}
	return nil
}

func readInput(cmd *cobra.Command, path string) ([]byte, error) {
	var r io.Reader = cmd.InOrStdin()
	if path != "-" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", path, err)
		}
		defer f.Close()
		r = f
	}
	return io.ReadAll(r)
}

func readLines(cmd *cobra.Command, path string) ([]string, error) {
	data, err := readInput(cmd, path)
	if err != nil {
		return nil, err
	}
	var lines []string
	sc := bufio.NewScanner(strings.NewReader(string(data)))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		lines = append(lines, line)
	}
	return lines, sc.Err()
}

func init() {
	rootCmd.AddCommand(batchCmd)
	batchCmd.AddCommand(batchURLsCmd, batchFileCmd, batchScheduledCmd)

	for _, c := range []*cobra.Command{batchURLsCmd, batchScheduledCmd} {
		c.Flags().StringArrayP("header", "H", nil, `header for every task as "Name: value" (repeatable)`)
		c.Flags().String("priority", "", "high, normal or low")
		c.Flags().Int("max-attempts", 0, "attempt budget for every task")
	}
	batchURLsCmd.Flags().StringP("file", "f", "", `read URLs from a file, one per line ("-" for stdin)`)

	batchScheduledCmd.Flags().String("url", "", "target URL (required)")
	batchScheduledCmd.Flags().StringP("method", "X", "GET", "HTTP method")
	batchScheduledCmd.Flags().Int("count", 1, "number of tasks")
	batchScheduledCmd.Flags().Duration("interval", time.Minute, "spacing between tasks")
	batchScheduledCmd.Flags().String("start", "", "first run as RFC3339 (default now)")
}
