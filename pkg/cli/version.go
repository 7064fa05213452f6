package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Version is set during build via ldflags.
	Version = "0.1.0"
	// GitCommit is set during build.
	GitCommit = "unknown"
	// BuildDate is set during build.
	BuildDate = "unknown"
)

// NewVersionCommand prints build metadata. Unlike the teacher's
// version command, this one never phones home: the runtime's
// non-goals rule out outbound network I/O entirely.
func NewVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Long:  `Display version, git commit, and build date information.`,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("llmrund version %s\n", Version)
			fmt.Printf("  git commit: %s\n", GitCommit)
			fmt.Printf("  build date: %s\n", BuildDate)
		},
	}
}
