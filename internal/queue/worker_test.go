package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/defilantech/llmrund/internal/apperr"
	"github.com/defilantech/llmrund/internal/limits"
)

type fakeEngine struct {
	memUsage   int64
	hasMem     bool
	output     string
	tokens     int
	err        error
	chunks     []StreamChunk
	blockUntil <-chan struct{}
}

func (f *fakeEngine) ModelMemoryUsage(modelID string) (int64, bool) {
	return f.memUsage, f.hasMem
}

func (f *fakeEngine) RunCancellable(ctx context.Context, modelID, prompt string, params Params, cancel *CancelToken, emit func(StreamChunk)) (string, int, error) {
	if f.blockUntil != nil {
		select {
		case <-f.blockUntil:
		case <-cancel.Done():
			return "", 0, apperr.New(apperr.CodeCancelled, "cancelled mid-run")
		}
	}
	if emit != nil {
		for _, c := range f.chunks {
			emit(c)
		}
	}
	return f.output, f.tokens, f.err
}

type fakeTelemetry struct {
	mu         sync.Mutex
	successes  int
	errors     int
	rejected   int
	cancelled  int
	queueDepth int
}

func (f *fakeTelemetry) RecordRequestSuccess(modelID string, latency time.Duration, tokens int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.successes++
}
func (f *fakeTelemetry) RecordRequestError(modelID string, errClass string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errors++
}
func (f *fakeTelemetry) RecordAdmissionRejected(modelID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rejected++
}
func (f *fakeTelemetry) RecordCancelled(modelID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled++
}
func (f *fakeTelemetry) SetQueueDepth(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queueDepth = n
}

type fakeRegistry struct {
	mu        sync.Mutex
	completed int
	errored   int
	lastModel string
	lastMs    int64
}

func (f *fakeRegistry) RequestCompleted(modelID string, latencyMs int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.completed++
	f.lastModel = modelID
	f.lastMs = latencyMs
}
func (f *fakeRegistry) RecordError(modelID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.errored++
	f.lastModel = modelID
}

func newTestLimits() *limits.Limits {
	return limits.New(limits.Config{
		PerCallMemoryCap: 1 << 30,
		GlobalMemoryCap:  4 << 30,
		MaxConcurrent:    4,
	})
}

func TestWorker_SuccessfulNonStreamRequest(t *testing.T) {
	q := New(10)
	engine := &fakeEngine{hasMem: true, memUsage: 1024, output: "hello world", tokens: 3}
	telemetry := &fakeTelemetry{}
	registry := &fakeRegistry{}
	w := NewWorker(q, newTestLimits(), engine, telemetry, registry)

	req := newReq("r1", PriorityNormal)
	_ = q.Enqueue(req)

	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)
	defer cancel()

	select {
	case res := <-req.ResponseChan:
		if res.Output != "hello world" || res.TokensGenerated != 3 || res.Err != nil {
			t.Errorf("unexpected result: %+v", res)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for result")
	}

	if telemetry.successes != 1 {
		t.Errorf("expected 1 recorded success, got %d", telemetry.successes)
	}
	if registry.completed != 1 {
		t.Errorf("expected 1 RequestCompleted call, got %d", registry.completed)
	}
}

func TestWorker_EngineErrorRecordsRegistryError(t *testing.T) {
	q := New(10)
	engine := &fakeEngine{hasMem: true, memUsage: 1024, err: apperr.New(apperr.CodeInternal, "boom")}
	telemetry := &fakeTelemetry{}
	registry := &fakeRegistry{}
	w := NewWorker(q, newTestLimits(), engine, telemetry, registry)

	req := newReq("r-err", PriorityNormal)
	_ = q.Enqueue(req)

	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)
	defer cancel()

	select {
	case res := <-req.ResponseChan:
		if res.Err == nil {
			t.Error("expected an error result")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for result")
	}
	if registry.errored != 1 {
		t.Errorf("expected 1 RecordError call, got %d", registry.errored)
	}
	if registry.completed != 0 {
		t.Errorf("expected 0 RequestCompleted calls, got %d", registry.completed)
	}
}

func TestWorker_AdmissionRejected(t *testing.T) {
	q := New(10)
	engine := &fakeEngine{hasMem: true, memUsage: 1024}
	telemetry := &fakeTelemetry{}
	tightLimits := limits.New(limits.Config{PerCallMemoryCap: 100, GlobalMemoryCap: 100, MaxConcurrent: 1})
	w := NewWorker(q, tightLimits, engine, telemetry, &fakeRegistry{})

	req := newReq("too-big", PriorityNormal)
	req.Params = Params{MaxTokens: 1, TopP: 1}
	_ = q.Enqueue(req)
	engine.memUsage = 1000 // exceeds PerCallMemoryCap

	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)
	defer cancel()

	select {
	case res := <-req.ResponseChan:
		if res.Err == nil {
			t.Error("expected admission-rejected error")
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for result")
	}
	if telemetry.rejected != 1 {
		t.Errorf("expected 1 rejected, got %d", telemetry.rejected)
	}
}

func TestWorker_CancelledBeforeDispatch(t *testing.T) {
	q := New(10)
	engine := &fakeEngine{hasMem: true, memUsage: 1024}
	telemetry := &fakeTelemetry{}
	w := NewWorker(q, newTestLimits(), engine, telemetry, &fakeRegistry{})

	req := newReq("cancel-before", PriorityNormal)
	req.CancelToken.Cancel()
	_ = q.Enqueue(req)

	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)
	defer cancel()

	select {
	case res := <-req.ResponseChan:
		if apperr.CodeOf(res.Err) != apperr.CodeCancelled {
			t.Errorf("expected cancelled error, got %v", res.Err)
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for result")
	}
	if telemetry.cancelled != 1 {
		t.Errorf("expected 1 cancelled, got %d", telemetry.cancelled)
	}
}

func TestWorker_StreamingRequestAlwaysEndsWithFinalChunk(t *testing.T) {
	q := New(10)
	engine := &fakeEngine{
		hasMem: true, memUsage: 1024,
		chunks: []StreamChunk{{Token: "a"}, {Token: "b"}},
	}
	telemetry := &fakeTelemetry{}
	w := NewWorker(q, newTestLimits(), engine, telemetry, &fakeRegistry{})

	streamChan := make(chan StreamChunk, 8)
	req := &Request{
		ID:          "stream1",
		ModelID:     "m1",
		Prompt:      "hi",
		Params:      Params{MaxTokens: 1, TopP: 1},
		Priority:    PriorityNormal,
		CancelToken: NewCancelToken(),
		StreamChan:  streamChan,
		EnqueuedAt:  time.Now(),
	}
	_ = q.Enqueue(req)

	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)
	defer cancel()

	var chunks []StreamChunk
	timeout := time.After(time.Second)
	for {
		select {
		case c := <-streamChan:
			chunks = append(chunks, c)
			if c.IsFinal {
				goto done
			}
		case <-timeout:
			t.Fatal("timed out waiting for final chunk")
		}
	}
done:
	if len(chunks) != 3 {
		t.Fatalf("expected 2 token chunks + 1 final, got %d", len(chunks))
	}
	if !chunks[len(chunks)-1].IsFinal {
		t.Error("expected last chunk to be final")
	}
}

func TestWorker_RecordsQueueDepthOnDequeue(t *testing.T) {
	q := New(10)
	engine := &fakeEngine{hasMem: true, memUsage: 1024, output: "ok", tokens: 1}
	telemetry := &fakeTelemetry{}
	w := NewWorker(q, newTestLimits(), engine, telemetry, &fakeRegistry{})

	_ = q.Enqueue(newReq("r1", PriorityNormal))
	req2 := newReq("r2", PriorityNormal)
	_ = q.Enqueue(req2)

	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)
	defer cancel()

	select {
	case <-req2.ResponseChan:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for second result")
	}

	telemetry.mu.Lock()
	depth := telemetry.queueDepth
	telemetry.mu.Unlock()
	if depth != 0 {
		t.Errorf("expected queue depth 0 once both requests are dequeued, got %d", depth)
	}
}

func TestWorker_StreamingCancellationSendsExactlyOneTerminalChunk(t *testing.T) {
	block := make(chan struct{})
	q := New(10)
	engine := &fakeEngine{hasMem: true, memUsage: 1024, blockUntil: block}
	telemetry := &fakeTelemetry{}
	w := NewWorker(q, newTestLimits(), engine, telemetry, &fakeRegistry{})

	streamChan := make(chan StreamChunk, 8)
	req := &Request{
		ID:          "stream-cancel",
		ModelID:     "m1",
		Prompt:      "hi",
		Params:      Params{MaxTokens: 1000, TopP: 1},
		Priority:    PriorityNormal,
		CancelToken: NewCancelToken(),
		StreamChan:  streamChan,
		EnqueuedAt:  time.Now(),
	}
	_ = q.Enqueue(req)

	ctx, cancel := context.WithCancel(context.Background())
	go w.Run(ctx)
	defer cancel()

	time.Sleep(10 * time.Millisecond)
	req.CancelToken.Cancel()

	var chunks []StreamChunk
	timeout := time.After(time.Second)
loop:
	for {
		select {
		case c := <-streamChan:
			chunks = append(chunks, c)
			if c.IsFinal {
				break loop
			}
		case <-timeout:
			t.Fatal("timed out waiting for final chunk")
		}
	}

	// Confirm exactly one terminal chunk ever arrives: wait briefly for
	// a spurious second one rather than relying on the first being it.
	select {
	case c := <-streamChan:
		t.Fatalf("received unexpected chunk after terminal: %+v", c)
	case <-time.After(50 * time.Millisecond):
	}

	final := 0
	for _, c := range chunks {
		if c.IsFinal {
			final++
		}
	}
	if final != 1 {
		t.Errorf("expected exactly 1 terminal chunk, got %d", final)
	}
}
