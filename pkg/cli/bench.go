package cli

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/defilantech/llmrund/internal/ipc"
	"github.com/defilantech/llmrund/internal/ipcclient"
	"github.com/defilantech/llmrund/internal/telemetry"
)

type benchOptions struct {
	modelID     string
	prompt      string
	concurrent  int
	iterations  int
	duration    time.Duration
	maxTokens   int
	warmup      int
	socketPath  string
	authToken   string
	timeout     time.Duration
}

// makeStopCondition returns a predicate a worker polls between
// requests: duration-bounded runs stop at a wall-clock deadline,
// iteration-bounded runs stop once the shared counter reaches the
// target.
func makeStopCondition(opts *benchOptions, iteration *int64) func() bool {
	if opts.duration > 0 {
		deadline := time.Now().Add(opts.duration)
		return func() bool {
			return time.Now().After(deadline)
		}
	}
	target := int64(opts.iterations)
	return func() bool {
		return atomic.LoadInt64(iteration) >= target
	}
}

type benchResult struct {
	latencyMs float64
	tokens    int
	err       error
}

// NewBenchCommand runs a local-socket load test against the daemon,
// adapted from the teacher's HTTP stress test: the same
// stop-condition/atomic-counter worker pool and percentile summary,
// retargeted at repeated `infer` calls over the Unix socket instead of
// HTTP requests to an inference endpoint.
func NewBenchCommand(flags *globalFlags) *cobra.Command {
	opts := &benchOptions{}

	cmd := &cobra.Command{
		Use:   "bench",
		Short: "Run a local inference load test against the daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			if opts.modelID == "" {
				return configError("--model is required")
			}
			if opts.concurrent < 1 {
				opts.concurrent = 1
			}
			if opts.iterations < 1 && opts.duration <= 0 {
				opts.iterations = 10
			}
			opts.socketPath = resolveSocketPath(flags.socketPath)
			opts.authToken = resolveAuthToken(flags.authToken)
			opts.timeout = time.Duration(flags.timeoutMs) * time.Millisecond

			return runBench(opts)
		},
	}

	cmd.Flags().StringVar(&opts.modelID, "model", "", "model_id to run against (required)")
	cmd.Flags().StringVar(&opts.prompt, "prompt", "benchmark prompt", "prompt text to repeat")
	cmd.Flags().IntVar(&opts.concurrent, "concurrency", 1, "number of concurrent workers")
	cmd.Flags().IntVar(&opts.iterations, "iterations", 0, "total requests to send (ignored if --duration is set)")
	cmd.Flags().DurationVar(&opts.duration, "duration", 0, "run for this long instead of a fixed iteration count")
	cmd.Flags().IntVar(&opts.maxTokens, "max-tokens", 64, "max_tokens per request")
	cmd.Flags().IntVar(&opts.warmup, "warmup", 0, "warmup requests to run before measuring")

	return cmd
}

func runBench(opts *benchOptions) error {
	fmt.Printf("model:       %s\n", opts.modelID)
	fmt.Printf("concurrency: %d\n", opts.concurrent)
	if opts.duration > 0 {
		fmt.Printf("duration:    %s\n", opts.duration)
	} else {
		fmt.Printf("iterations:  %d\n", opts.iterations)
	}
	fmt.Println()

	if opts.warmup > 0 {
		c, err := ipcclient.Dial(opts.socketPath, opts.authToken, opts.timeout)
		if err != nil {
			return connectionError(err)
		}
		for i := 0; i < opts.warmup; i++ {
			sendOne(c, opts)
		}
		c.Close()
	}

	var (
		results   []benchResult
		resultsMu sync.Mutex
		iteration int64
		wg        sync.WaitGroup
	)

	stopCondition := makeStopCondition(opts, &iteration)
	startTime := time.Now()

	for w := 0; w < opts.concurrent; w++ {
		c, err := ipcclient.Dial(opts.socketPath, opts.authToken, opts.timeout)
		if err != nil {
			return connectionError(err)
		}

		wg.Add(1)
		go func(conn *ipcclient.Client) {
			defer wg.Done()
			defer conn.Close()
			for !stopCondition() {
				atomic.AddInt64(&iteration, 1)
				r := sendOne(conn, opts)
				resultsMu.Lock()
				results = append(results, r)
				resultsMu.Unlock()
			}
		}(c)
	}

	wg.Wait()
	printBenchSummary(results, time.Since(startTime))
	return nil
}

func sendOne(c *ipcclient.Client, opts *benchOptions) benchResult {
	start := time.Now()
	resp, err := c.Infer(ipc.InferenceRequest{
		RequestID: uuid.NewString(),
		ModelID:   opts.modelID,
		Prompt:    opts.prompt,
		Parameters: ipc.Parameters{
			MaxTokens:   opts.maxTokens,
			Temperature: 0.7,
			TopP:        1.0,
		},
	})
	elapsed := float64(time.Since(start).Milliseconds())
	if err != nil {
		return benchResult{latencyMs: elapsed, err: err}
	}
	if resp.Error != "" {
		return benchResult{latencyMs: elapsed, err: fmt.Errorf("%s", resp.Error)}
	}
	return benchResult{latencyMs: elapsed, tokens: resp.TokensGenerated}
}

func printBenchSummary(results []benchResult, elapsed time.Duration) {
	latencies := make([]float64, 0, len(results))
	var errCount int
	var totalTokens int
	for _, r := range results {
		if r.err != nil {
			errCount++
			continue
		}
		latencies = append(latencies, r.latencyMs)
		totalTokens += r.tokens
	}

	stats := telemetry.SummarizeLatencies(latencies)
	seconds := elapsed.Seconds()

	fmt.Println()
	fmt.Printf("requests:     %d (%d errors)\n", len(results), errCount)
	fmt.Printf("duration:     %s\n", elapsed.Round(time.Millisecond))
	if seconds > 0 {
		fmt.Printf("throughput:   %.1f req/s, %.1f tok/s\n", float64(len(results))/seconds, float64(totalTokens)/seconds)
	}
	fmt.Printf("latency ms:   min=%.1f p50=%.1f p95=%.1f p99=%.1f max=%.1f\n",
		stats.Min, stats.P50, stats.P95, stats.P99, stats.Max)
}
