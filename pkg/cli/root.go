package cli

import (
	"github.com/spf13/cobra"
)

// globalFlags holds the persistent flags every subcommand that talks
// to the daemon shares: which socket to dial and which bearer token
// to hand the handshake.
type globalFlags struct {
	socketPath string
	authToken  string
	timeoutMs  int
}

// NewRootCommand creates the root command for the llmrund CLI.
func NewRootCommand() *cobra.Command {
	flags := &globalFlags{}

	cmd := &cobra.Command{
		Use:   "llmrund",
		Short: "Sandboxed, offline LLM inference runtime",
		Long: `llmrund is a sandboxed, offline inference runtime: a model lifecycle
coordinator, an admission-controlled request queue, a multi-GPU
executor, and a local IPC server, all in one binary.

Run "llmrund serve" to start the daemon, then drive it with the
client subcommands below over its local Unix socket.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.PersistentFlags().StringVar(&flags.socketPath, "socket", "", "path to the daemon's local socket (default: "+envSocketPath+" or "+defaultSocketPath+")")
	cmd.PersistentFlags().StringVar(&flags.authToken, "token", "", "bearer token for the daemon (default: "+envAuthToken+")")
	cmd.PersistentFlags().IntVar(&flags.timeoutMs, "timeout-ms", 5000, "client connect/round-trip timeout in milliseconds")

	cmd.AddCommand(NewServeCommand())
	cmd.AddCommand(NewHealthCommand(flags))
	cmd.AddCommand(NewLiveCommand(flags))
	cmd.AddCommand(NewReadyCommand(flags))
	cmd.AddCommand(NewStatusCommand(flags))
	cmd.AddCommand(NewInferCommand(flags))
	cmd.AddCommand(NewModelsCommand(flags))
	cmd.AddCommand(NewBenchCommand(flags))
	cmd.AddCommand(NewVersionCommand())

	return cmd
}
