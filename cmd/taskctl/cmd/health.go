package cmd

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/austindbirch/courier/internal/health"
)

var grpcAddr string

// healthCmd represents the health command
var healthCmd = &cobra.Command{
	Use:   "health",
	Short: "Check the health of the Courier API",
	Long: `Check the API's /healthz endpoint, which pings the store and the queue.
With --grpc the standard gRPC health service is queried as well.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, cancel := commandContext(cmd)
		defer cancel()

		w := cmd.OutOrStdout()
		var st health.Status
		code, err := newClient().do(ctx, http.MethodGet, "/healthz", nil, &st)
		var apiErr *APIError
		if errors.As(err, &apiErr) && code == http.StatusServiceUnavailable {
			// the body of an unhealthy answer is still a health.Status
			_ = json.Unmarshal([]byte(apiErr.Message), &st)
		} else if err != nil {
			return fmt.Errorf("HTTP health check failed: %w", err)
		}

		if outputJSON {
			if err := printJSON(w, st); err != nil {
				return err
			}
		} else {
			mark := "✓"
			if !st.OK {
				mark = "✗"
			}
			fmt.Fprintf(w, "%s Service is %s (HTTP %d)\n", mark, healthWord(st.OK), code)
			for _, name := range sortedKeys(st.Checks) {
				fmt.Fprintf(w, "  %s: %s\n", name, healthWord(st.Checks[name]))
			}
			if st.Message != "" {
				fmt.Fprintf(w, "  %s\n", st.Message)
			}
		}

		if grpcAddr != "" {
			serving, err := checkGRPC(cmd, grpcAddr)
			if err != nil {
				return fmt.Errorf("gRPC health check failed: %w", err)
			}
			if !outputJSON {
				fmt.Fprintf(w, "gRPC %s: %s\n", grpcAddr, serving)
			}
			if serving != healthpb.HealthCheckResponse_SERVING {
				return fmt.Errorf("gRPC health is %s", serving)
			}
		}

		if !st.OK {
			return fmt.Errorf("service is unhealthy")
		}
		return nil
	},
}

func checkGRPC(cmd *cobra.Command, addr string) (healthpb.HealthCheckResponse_ServingStatus, error) {
	conn, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, fmt.Errorf("failed to connect: %w", err)
	}
	defer conn.Close()

	ctx, cancel := commandContext(cmd)
	defer cancel()
	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{})
	if err != nil {
		return healthpb.HealthCheckResponse_UNKNOWN, err
	}
	return resp.GetStatus(), nil
}

func healthWord(ok bool) string {
	if ok {
		return "healthy"
	}
	return "unhealthy"
}

func init() {
	rootCmd.AddCommand(healthCmd)
	healthCmd.Flags().StringVar(&grpcAddr, "grpc", "", "also query the gRPC health service at this address, e.g. localhost:50051")
}
