package cmd

import (
	"context"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/austindbirch/courier/internal/service"
	"github.com/austindbirch/courier/internal/task"
)

// TrafficConfig holds the configuration for traffic generation
type TrafficConfig struct {
	Duration    time.Duration `json:"duration"`
	Volume      int           `json:"volume"`       // tasks per second
	ReceiverURL string        `json:"receiver_url"` // base URL of the fake receiver
	FailureRate float64       `json:"failure_rate"` // percentage of tasks sent to a failing path (0-100)
	MaxAttempts int           `json:"max_attempts"`
}

// TrafficSummary holds the summary of generated traffic
type TrafficSummary struct {
	Created       int           `json:"created"`
	CreateErrors  int           `json:"create_errors"`
	GoodTargets   int           `json:"good_targets"`
	FailingTarget int           `json:"failing_targets"`
	Duration      time.Duration `json:"duration"`
	FirstTaskID   int64         `json:"first_task_id,omitempty"`
	LastTaskID    int64         `json:"last_task_id,omitempty"`
}

var trafficCmd = &cobra.Command{
	Use:   "traffic",
	Short: "Generate test traffic against the fake receiver",
	Long: `Create tasks at a steady rate that target the fake receiver. A share of the
tasks (--failure-rate) targets /status/500 so retries and exhaustion show up
in the metrics and logs.

Example:
  taskctl traffic --receiver http://fake-receiver:8081 --volume 10 --duration 2m --failure-rate 5`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := TrafficConfig{}
		cfg.Duration, _ = cmd.Flags().GetDuration("duration")
		cfg.Volume, _ = cmd.Flags().GetInt("volume")
		cfg.ReceiverURL, _ = cmd.Flags().GetString("receiver")
		cfg.FailureRate, _ = cmd.Flags().GetFloat64("failure-rate")
		cfg.MaxAttempts, _ = cmd.Flags().GetInt("max-attempts")
		if err := cfg.validate(); err != nil {
			return err
		}

		parent := cmd.Context()
		if parent == nil {
			parent = context.Background()
		}
		ctx, stop := context.WithTimeout(parent, cfg.Duration)
		defer stop()

		if !outputJSON {
			fmt.Fprintf(cmd.OutOrStdout(), "Generating %d tasks/s for %s (%.1f%% failing) against %s\n",
				cfg.Volume, cfg.Duration, cfg.FailureRate, cfg.ReceiverURL)
		}
		summary := generateTraffic(ctx, newClient(), cfg, rand.Float64, progressWriter(cmd))
		if outputJSON {
			return printJSON(cmd.OutOrStdout(), summary)
		}
		printTrafficSummary(cmd.OutOrStdout(), summary)
		return nil
	},
}

func (c TrafficConfig) validate() error {
	switch {
	case c.Duration <= 0:
		return fmt.Errorf("--duration must be positive")
	case c.Volume <= 0:
		return fmt.Errorf("--volume must be positive")
	case c.FailureRate < 0 || c.FailureRate > 100:
		return fmt.Errorf("--failure-rate must be between 0 and 100")
	case c.ReceiverURL == "":
		return fmt.Errorf("--receiver is required")
	}
	return nil
}

// target picks the good echo path or the failing one
func (c TrafficConfig) target(roll float64, seq int) (string, bool) {
	base := strings.TrimRight(c.ReceiverURL, "/")
	if roll*100 < c.FailureRate {
		return base + "/status/500", false
	}
	return fmt.Sprintf("%s/traffic/%d", base, seq), true
}

// generateTraffic creates tasks paced by a token bucket until ctx ends
func generateTraffic(ctx context.Context, client *apiClient, cfg TrafficConfig, roll func() float64, progress io.Writer) *TrafficSummary {
	limiter := rate.NewLimiter(rate.Limit(cfg.Volume), 1)
	start := time.Now()
	summary := &TrafficSummary{}

	for seq := 1; ; seq++ {
		if err := limiter.Wait(ctx); err != nil {
			break
		}
		url, good := cfg.target(roll(), seq)
		body := fmt.Sprintf(`{"seq":%d}`, seq)
		req := service.CreateRequest{Method: http.MethodPost, URL: url}
		req.Body = &body
		req.ContentType = "application/json"
		if cfg.MaxAttempts > 0 {
			attempts := cfg.MaxAttempts
			req.MaxAttempts = &attempts
		}

		var t task.Task
		if _, err := client.do(ctx, http.MethodPost, "/v1/tasks", req, &t); err != nil {
			if ctx.Err() != nil {
				break
			}
			summary.CreateErrors++
			fmt.Fprintf(progress, "task %d: %v\n", seq, err)
			continue
		}
		summary.Created++
		if good {
			summary.GoodTargets++
		} else {
			summary.FailingTarget++
		}
		if summary.FirstTaskID == 0 {
			summary.FirstTaskID = t.ID
		}
		summary.LastTaskID = t.ID
		if summary.Created%(cfg.Volume*10) == 0 {
			fmt.Fprintf(progress, "  %d tasks created\n", summary.Created)
		}
	}
	summary.Duration = time.Since(start).Round(time.Millisecond)
	return summary
}

func progressWriter(cmd *cobra.Command) io.Writer {
	if outputJSON {
		return io.Discard
	}
	return cmd.ErrOrStderr()
}

func printTrafficSummary(w io.Writer, s *TrafficSummary) {
	fmt.Fprintln(w, "\nTraffic summary:")
	fmt.Fprintf(w, "  Created: %d (%d good, %d failing)\n", s.Created, s.GoodTargets, s.FailingTarget)
	fmt.Fprintf(w, "  Create errors: %d\n", s.CreateErrors)
	fmt.Fprintf(w, "  Duration: %s\n", s.Duration)
	if s.Created > 0 {
		fmt.Fprintf(w, "  Task IDs: %d..%d\n", s.FirstTaskID, s.LastTaskID)
		fmt.Fprintf(w, "\nFollow progress with: taskctl stats --detailed\n")
	}
}

func init() {
	rootCmd.AddCommand(trafficCmd)
	trafficCmd.Flags().Duration("duration", 30*time.Second, "how long to generate traffic")
	trafficCmd.Flags().Int("volume", 5, "tasks per second")
	trafficCmd.Flags().String("receiver", "http://localhost:8081", "fake receiver base URL as seen by the worker")
	trafficCmd.Flags().Float64("failure-rate", 0, "percentage of tasks that target a failing path")
	trafficCmd.Flags().Int("max-attempts", 0, "attempt budget per task")
}
