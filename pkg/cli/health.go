package cli

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/defilantech/llmrund/internal/ipc"
	"github.com/defilantech/llmrund/internal/ipcclient"
)

// dialFromFlags resolves the socket path and token per the flag/env
// precedence rules and connects, mapping any dial failure to
// ExitConnectionErr rather than a generic failure.
func dialFromFlags(flags *globalFlags) (*ipcclient.Client, error) {
	socketPath := resolveSocketPath(flags.socketPath)
	token := resolveAuthToken(flags.authToken)
	timeout := time.Duration(flags.timeoutMs) * time.Millisecond

	c, err := ipcclient.Dial(socketPath, token, timeout)
	if err != nil {
		return nil, connectionError(fmt.Errorf("connecting to %s: %w", socketPath, err))
	}
	return c, nil
}

func runHealthCheck(flags *globalFlags, checkType ipc.HealthCheckType, verbose bool) error {
	c, err := dialFromFlags(flags)
	if err != nil {
		return err
	}
	defer c.Close()

	resp, err := c.HealthCheck(checkType)
	if err != nil {
		return failureError(err)
	}

	if verbose {
		fmt.Printf("check: %s  ok: %v\n", resp.CheckType, resp.OK)
		if resp.Report != nil {
			fmt.Printf("  loaded_models: %d\n", resp.Report.LoadedModels)
			fmt.Printf("  queue_depth:   %d\n", resp.Report.QueueDepth)
			fmt.Printf("  uptime:        %ds\n", resp.Report.UptimeSeconds)
		}
	} else if resp.OK {
		fmt.Println("ok")
	} else {
		fmt.Println("not ok")
	}

	if !resp.OK {
		return &exitError{code: ExitFailure}
	}
	return nil
}

// NewHealthCommand runs a full health check (liveness + readiness +
// a status report).
func NewHealthCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "health",
		Short: "Run a full health check against the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHealthCheck(flags, ipc.HealthFull, true)
		},
	}
}

// NewLiveCommand runs a liveness probe only.
func NewLiveCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "live",
		Short: "Liveness probe: is the process up",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHealthCheck(flags, ipc.HealthLiveness, false)
		},
	}
}

// NewReadyCommand runs a readiness probe only.
func NewReadyCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "ready",
		Short: "Readiness probe: can the daemon accept requests",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHealthCheck(flags, ipc.HealthReadiness, false)
		},
	}
}
