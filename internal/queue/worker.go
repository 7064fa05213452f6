package queue

import (
	"context"
	"time"

	"github.com/defilantech/llmrund/internal/apperr"
	"github.com/defilantech/llmrund/internal/limits"
)

// defaultMemoryEstimate is used when the engine cannot report a
// model's memory footprint (spec.md §4.7 step 2).
const defaultMemoryEstimate = 256 * 1024 * 1024

// Engine is the narrow contract the worker needs from the inference
// engine. internal/engine.Engine satisfies this structurally.
type Engine interface {
	ModelMemoryUsage(modelID string) (int64, bool)
	RunCancellable(ctx context.Context, modelID, prompt string, params Params, cancel *CancelToken, emit func(StreamChunk)) (output string, tokens int, err error)
}

// Telemetry is the narrow contract the worker needs to record phase
// transitions. internal/telemetry.Store satisfies this structurally.
type Telemetry interface {
	RecordRequestSuccess(modelID string, latency time.Duration, tokens int)
	RecordRequestError(modelID string, errClass string)
	RecordAdmissionRejected(modelID string)
	RecordCancelled(modelID string)
	SetQueueDepth(n int)
}

// Registry is the narrow contract the worker needs to keep a model's
// registry entry's request bookkeeping current. internal/lifecycle.Registry
// satisfies this structurally.
type Registry interface {
	RequestCompleted(modelID string, latencyMs int64)
	RecordError(modelID string)
}

// Worker is the single consumer draining a Queue (spec.md §4.7). No
// concurrent dequeues ever happen: one Worker.Run goroutine per queue.
type Worker struct {
	queue    *Queue
	limits   *limits.Limits
	engine   Engine
	metrics  Telemetry
	registry Registry
}

// NewWorker constructs a Worker over the given collaborators.
func NewWorker(q *Queue, l *limits.Limits, e Engine, t Telemetry, r Registry) *Worker {
	return &Worker{queue: q, limits: l, engine: e, metrics: t, registry: r}
}

// Run drains the queue until ctx is cancelled, implementing the
// seven-step loop from spec.md §4.7 exactly, including the
// exactly-one-terminal-send guarantee under admission rejection and
// cancellation.
func (w *Worker) Run(ctx context.Context) {
	for {
		req, err := w.queue.Dequeue(ctx)
		if err != nil {
			return
		}
		w.metrics.SetQueueDepth(w.queue.Len())
		w.process(ctx, req)
	}
}

func (w *Worker) process(ctx context.Context, req *Request) {
	memEstimate, ok := w.engine.ModelMemoryUsage(req.ModelID)
	if !ok || memEstimate <= 0 {
		memEstimate = defaultMemoryEstimate
	}

	guard, err := w.limits.TryAcquire(memEstimate)
	if err != nil {
		w.metrics.RecordAdmissionRejected(req.ModelID)
		w.terminate(req, Result{Err: err}, StreamChunk{IsFinal: true, Err: err})
		return
	}
	defer guard.Release()

	if req.CancelToken.Cancelled() {
		w.metrics.RecordCancelled(req.ModelID)
		cancelErr := apperr.New(apperr.CodeCancelled, "request cancelled before dispatch")
		w.terminate(req, Result{Err: cancelErr}, StreamChunk{IsFinal: true, Err: cancelErr})
		return
	}

	start := time.Now()
	var emit func(StreamChunk)
	if req.IsStream() {
		emit = func(c StreamChunk) { req.StreamChan <- c }
	}

	output, tokens, runErr := w.engine.RunCancellable(ctx, req.ModelID, req.Prompt, req.Params, req.CancelToken, emit)
	latency := time.Since(start)

	switch {
	case runErr != nil && apperr.CodeOf(runErr) == apperr.CodeCancelled:
		w.metrics.RecordCancelled(req.ModelID)
	case runErr != nil:
		w.metrics.RecordRequestError(req.ModelID, string(apperr.CodeOf(runErr)))
		w.registry.RecordError(req.ModelID)
	default:
		w.metrics.RecordRequestSuccess(req.ModelID, latency, tokens)
		w.registry.RequestCompleted(req.ModelID, latency.Milliseconds())
	}

	if req.IsStream() {
		req.StreamChan <- StreamChunk{IsFinal: true, Err: runErr}
		return
	}
	req.ResponseChan <- Result{Output: output, TokensGenerated: tokens, Err: runErr}
}

// terminate sends exactly one terminal message down whichever of
// ResponseChan/StreamChan the request bound, per the queue's
// exactly-one-terminal-send invariant.
func (w *Worker) terminate(req *Request, result Result, chunk StreamChunk) {
	if req.IsStream() {
		req.StreamChan <- chunk
		return
	}
	req.ResponseChan <- result
}
