package cli

import (
	"fmt"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/defilantech/llmrund/internal/ipc"
)

// NewInferCommand sends a single inference request and prints the
// result, or streams tokens as they arrive.
func NewInferCommand(flags *globalFlags) *cobra.Command {
	var (
		modelID     string
		prompt      string
		stream      bool
		maxTokens   int
		temperature float64
		topP        float64
		topK        int
	)

	cmd := &cobra.Command{
		Use:   "infer",
		Short: "Run one inference request against the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			if modelID == "" || prompt == "" {
				return configError("--model and --prompt are required")
			}

			c, err := dialFromFlags(flags)
			if err != nil {
				return err
			}
			defer c.Close()

			req := ipc.InferenceRequest{
				RequestID: uuid.NewString(),
				ModelID:   modelID,
				Prompt:    prompt,
				Parameters: ipc.Parameters{
					MaxTokens:   maxTokens,
					Temperature: temperature,
					TopP:        topP,
					TopK:        topK,
				},
			}

			if stream {
				return runInferStream(c, req)
			}
			return runInferOneshot(c, req)
		},
	}

	cmd.Flags().StringVar(&modelID, "model", "", "model_id to run against (required)")
	cmd.Flags().StringVar(&prompt, "prompt", "", "prompt text (required)")
	cmd.Flags().BoolVar(&stream, "stream", false, "stream tokens as they are generated")
	cmd.Flags().IntVar(&maxTokens, "max-tokens", 128, "maximum tokens to generate")
	cmd.Flags().Float64Var(&temperature, "temperature", 0.7, "sampling temperature")
	cmd.Flags().Float64Var(&topP, "top-p", 1.0, "nucleus sampling threshold")
	cmd.Flags().IntVar(&topK, "top-k", 0, "top-k sampling cutoff (0 disables)")

	return cmd
}

func runInferOneshot(c interface {
	Infer(ipc.InferenceRequest) (ipc.InferenceResponse, error)
}, req ipc.InferenceRequest) error {
	resp, err := c.Infer(req)
	if err != nil {
		return failureError(err)
	}
	if resp.Error != "" {
		return failureError(fmt.Errorf("%s", resp.Error))
	}
	fmt.Println(resp.Output)
	fmt.Printf("(%d tokens)\n", resp.TokensGenerated)
	return nil
}

func runInferStream(c interface {
	InferStream(ipc.InferenceRequest, func(ipc.StreamChunk) error) error
}, req ipc.InferenceRequest) error {
	var streamErr string
	err := c.InferStream(req, func(chunk ipc.StreamChunk) error {
		if chunk.Error != "" {
			streamErr = chunk.Error
		}
		if chunk.Token != "" {
			fmt.Print(chunk.Token)
		}
		if chunk.IsFinal {
			fmt.Println()
		}
		return nil
	})
	if err != nil {
		return failureError(err)
	}
	if streamErr != "" {
		return failureError(fmt.Errorf("%s", streamErr))
	}
	return nil
}
