// Package engine implements the simulated inference engine: the
// run_cancellable/model_memory_usage/has_model contract the worker and
// lifecycle depend on (SPEC_FULL.md §10). The real decoder is an
// external collaborator out of scope for this core; this package
// stands in for it with a deterministic token-pacing loop dispatched
// through the multi-GPU partitioner and executor so those packages are
// exercised end-to-end from a request.
package engine

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/defilantech/llmrund/internal/apperr"
	"github.com/defilantech/llmrund/internal/gpu"
	"github.com/defilantech/llmrund/internal/lifecycle"
	"github.com/defilantech/llmrund/internal/queue"
)

// tokenInterval paces simulated generation; small enough that tests
// stay fast, large enough that cancellation has room to land between
// emissions.
const tokenInterval = 2 * time.Millisecond

// Telemetry is the narrow contract the engine needs to keep the
// per-device GPU memory gauge current. internal/telemetry.Store
// satisfies this structurally.
type Telemetry interface {
	SetGPUMemoryUsed(deviceIndex int, bytes int64)
}

type noopTelemetry struct{}

func (noopTelemetry) SetGPUMemoryUsed(int, int64) {}

// Engine resolves a model_id to a loaded handle via the lifecycle
// registry and simulates token generation against the partitioned
// device set the registry recorded at load time. It also owns one
// gpu.Pool per device, reserved against as models are loaded, so the
// memory-used gauge reflects real accounting rather than a recomputed
// estimate.
type Engine struct {
	registry  *lifecycle.Registry
	devices   []gpu.Device
	executor  *gpu.Executor
	numLayers int
	metrics   Telemetry

	poolsMu sync.Mutex
	pools   []*gpu.Pool
}

// New constructs an Engine bound to registry and the device table
// devices were detected from.
func New(registry *lifecycle.Registry, devices []gpu.Device, numLayers int) *Engine {
	pools := make([]*gpu.Pool, len(devices))
	for i, d := range devices {
		pools[i] = gpu.NewPool(d.TotalMemory)
	}
	return &Engine{
		registry:  registry,
		devices:   devices,
		executor:  gpu.NewExecutor(nil),
		numLayers: numLayers,
		metrics:   noopTelemetry{},
		pools:     pools,
	}
}

// SetTelemetry attaches a Telemetry sink. Calling it is optional; an
// Engine with none attached updates its pools silently.
func (e *Engine) SetTelemetry(t Telemetry) {
	e.metrics = t
}

// TrackModelLoaded reserves bytes against the least-loaded device's
// pool and republishes that device's gauge. A model too large for that
// pool's remaining budget is not tracked and no gauge is published:
// partitioning, not pool accounting, is what actually splits a model
// across devices, so this never blocks a load.
func (e *Engine) TrackModelLoaded(modelID string, bytes int64) {
	if bytes <= 0 || len(e.pools) == 0 {
		return
	}

	e.poolsMu.Lock()
	defer e.poolsMu.Unlock()

	idx := e.leastLoadedPoolIndex()
	if _, err := e.pools[idx].Allocate(bytes); err != nil {
		return
	}
	e.metrics.SetGPUMemoryUsed(e.devices[idx].Index, e.pools[idx].Allocated())
}

func (e *Engine) leastLoadedPoolIndex() int {
	best := 0
	for i, p := range e.pools {
		if p.Utilization() < e.pools[best].Utilization() {
			best = i
		}
	}
	return best
}

// HasModel reports whether modelID currently has a live registry
// entry, satisfying the invariant engine.has_model(id) ⇔
// registry.contains(handle(id)).
func (e *Engine) HasModel(modelID string) bool {
	_, ok := e.registry.HandleFor(modelID)
	return ok
}

// ModelMemoryUsage returns the recorded memory footprint for modelID.
func (e *Engine) ModelMemoryUsage(modelID string) (int64, bool) {
	entry, ok := e.registry.Entry(modelID)
	if !ok {
		return 0, false
	}
	return entry.MemoryBytes, true
}

// RunCancellable generates a simulated completion for prompt against
// modelID, emitting one StreamChunk per token via emit (nil for a
// non-streaming caller) and checking cancel between every emission and
// before the partitioned forward pass. Returns CodeModelNotLoaded if
// modelID has no live entry, CodeCancelled if cancel fires mid-run.
func (e *Engine) RunCancellable(
	ctx context.Context,
	modelID, prompt string,
	params queue.Params,
	cancel *queue.CancelToken,
	emit func(queue.StreamChunk),
) (string, int, error) {
	if !e.HasModel(modelID) {
		return "", 0, apperr.New(apperr.CodeModelNotLoaded, "model not loaded: "+modelID)
	}

	partitions, err := gpu.PartitionModel(e.devices, e.numLayers, 0, gpu.StrategyAuto)
	if err != nil {
		return "", 0, apperr.Wrap(apperr.CodeInternal, "partitioning model for inference", err)
	}

	if cancel.Cancelled() {
		return "", 0, apperr.New(apperr.CodeCancelled, "cancelled before forward pass")
	}

	input := gpu.Tensor{Data: []byte(prompt), Shape: []int{len(prompt)}}
	if _, err := e.executor.Execute(ctx, e.devices, partitions, input); err != nil {
		return "", 0, apperr.Wrap(apperr.CodeInternal, "forward pass failed", err)
	}

	tokens := simulateTokens(prompt, params.MaxTokens)
	var sb strings.Builder

	for i, tok := range tokens {
		select {
		case <-ctx.Done():
			return "", i, apperr.New(apperr.CodeCancelled, "context cancelled mid-generation")
		case <-cancel.Done():
			// No terminal StreamChunk here: Worker.process sends exactly one
			// terminal frame per request after RunCancellable returns, using
			// this error. Emitting one here too would double-send on
			// req.StreamChan.
			return "", i, apperr.New(apperr.CodeCancelled, "cancelled mid-generation")
		case <-time.After(tokenInterval):
		}

		sb.WriteString(tok)
		if emit != nil {
			emit(queue.StreamChunk{Token: tok})
		}
	}

	return sb.String(), len(tokens), nil
}

// simulateTokens deterministically derives a bounded-length token
// stream from prompt, standing in for the external decoder's output.
func simulateTokens(prompt string, maxTokens int) []string {
	words := strings.Fields(prompt)
	if len(words) == 0 {
		words = []string{"..."}
	}
	if maxTokens <= 0 {
		maxTokens = 1
	}

	tokens := make([]string, 0, maxTokens)
	for i := 0; i < maxTokens; i++ {
		tokens = append(tokens, fmt.Sprintf("%s#%d", words[i%len(words)], i))
	}
	return tokens
}
