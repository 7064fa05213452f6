package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// NewModelsCommand lists models currently loaded in the daemon's
// lifecycle registry.
func NewModelsCommand(flags *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "models",
		Short: "List models loaded in the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := dialFromFlags(flags)
			if err != nil {
				return err
			}
			defer c.Close()

			resp, err := c.Models()
			if err != nil {
				return failureError(err)
			}

			if len(resp.Models) == 0 {
				fmt.Println("no models loaded")
				return nil
			}
			fmt.Printf("%-20s %-10s %-12s %-10s %s\n", "MODEL", "STATE", "MEMORY", "REQUESTS", "HANDLE")
			for _, m := range resp.Models {
				fmt.Printf("%-20s %-10s %-12d %-10d %d\n", m.ModelID, m.State, m.MemoryBytes, m.RequestCount, m.Handle)
			}
			return nil
		},
	}
}
