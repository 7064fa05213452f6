package cli

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/defilantech/llmrund/internal/ipc"
)

type statusReport struct {
	Health ipc.HealthResponse    `json:"health"`
	Models ipc.ModelsResponse    `json:"models"`
	Points []ipc.MetricPointWire `json:"metrics"`
}

// NewStatusCommand fetches a full snapshot (health, loaded models,
// telemetry) and prints it as either a human-readable summary or raw
// JSON.
func NewStatusCommand(flags *globalFlags) *cobra.Command {
	var asJSON bool

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Print a snapshot of daemon health, models, and metrics",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dialFromFlags(flags)
			if err != nil {
				return err
			}
			defer c.Close()

			health, err := c.HealthCheck(ipc.HealthFull)
			if err != nil {
				return failureError(err)
			}
			models, err := c.Models()
			if err != nil {
				return failureError(err)
			}
			metrics, err := c.Metrics()
			if err != nil {
				return failureError(err)
			}

			report := statusReport{Health: health, Models: models, Points: metrics.Snapshot}

			if asJSON {
				enc := json.NewEncoder(cmd.OutOrStdout())
				enc.SetIndent("", "  ")
				return enc.Encode(report)
			}
			printStatusReport(report)
			return nil
		},
	}

	cmd.Flags().BoolVar(&asJSON, "json", false, "print the snapshot as JSON")
	return cmd
}

func printStatusReport(r statusReport) {
	fmt.Printf("health: ok=%v\n", r.Health.OK)
	if r.Health.Report != nil {
		fmt.Printf("  queue_depth: %d\n", r.Health.Report.QueueDepth)
	}
	fmt.Printf("models: %d loaded, %d bytes total\n", len(r.Models.Models), r.Models.TotalMemoryBytes)
	for _, m := range r.Models.Models {
		fmt.Printf("  - %-20s state=%-10s requests=%-6d memory=%d\n", m.ModelID, m.State, m.RequestCount, m.MemoryBytes)
	}
	fmt.Printf("metrics: %d points\n", len(r.Points))
}
