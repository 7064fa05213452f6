package lifecycle

import (
	"sync"
	"testing"

	"github.com/defilantech/llmrund/internal/apperr"
)

func okOpener(format string, size int64) Opener {
	return func() (Model, Metadata, error) {
		return struct{}{}, Metadata{Format: format, SizeBytes: size, MemoryBytes: size}, nil
	}
}

func TestRegistry_LoadAndUnload(t *testing.T) {
	r := New()

	h, err := r.Load("llama-7b", Metadata{}, okOpener("gguf", 4<<30))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !r.Contains(h) {
		t.Error("expected handle to be present after load")
	}

	entry, ok := r.Entry("llama-7b")
	if !ok {
		t.Fatal("expected entry to exist")
	}
	if entry.State != StateReady {
		t.Errorf("expected ready state, got %v", entry.State)
	}
	if entry.Format != "gguf" || entry.SizeBytes != 4<<30 {
		t.Errorf("unexpected entry fields: %+v", entry)
	}

	unloaded, err := r.Unload("llama-7b")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if unloaded != h {
		t.Errorf("expected unload to return original handle %v, got %v", h, unloaded)
	}
	if r.Contains(h) {
		t.Error("expected handle to be gone after unload")
	}
}

func TestRegistry_LoadAlreadyLoaded(t *testing.T) {
	r := New()
	if _, err := r.Load("m1", Metadata{}, okOpener("gguf", 1024)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err := r.Load("m1", Metadata{}, okOpener("gguf", 1024))
	if apperr.CodeOf(err) != apperr.CodeAlreadyLoaded {
		t.Errorf("expected AlreadyLoaded, got %v", err)
	}
}

func TestRegistry_UnloadNotLoaded(t *testing.T) {
	r := New()
	_, err := r.Unload("ghost")
	if apperr.CodeOf(err) != apperr.CodeModelNotLoaded {
		t.Errorf("expected ModelNotLoaded, got %v", err)
	}
}

func TestRegistry_LoadRollsBackOnOpenerFailure(t *testing.T) {
	r := New()
	failing := func() (Model, Metadata, error) {
		return nil, Metadata{}, apperr.New(apperr.CodeModelLoadFailed, "boom")
	}
	_, err := r.Load("broken", Metadata{}, failing)
	if err == nil {
		t.Fatal("expected error")
	}
	if r.Contains(Handle(1)) {
		t.Error("expected no entry to remain after a failed open")
	}
	if _, ok := r.Entry("broken"); ok {
		t.Error("expected no entry to remain after a failed open")
	}
}

func TestRegistry_LoadRollsBackOnOpenerPanic(t *testing.T) {
	r := New()
	panicking := func() (Model, Metadata, error) {
		panic("kernel exploded")
	}
	_, err := r.Load("panicky", Metadata{}, panicking)
	if apperr.CodeOf(err) != apperr.CodeModelLoadFailed {
		t.Errorf("expected ModelLoadFailed after recovered panic, got %v", err)
	}
	if _, ok := r.Entry("panicky"); ok {
		t.Error("expected no entry to remain after a panicking open")
	}
}

func TestRegistry_ConcurrentLoadExactlyOneWins(t *testing.T) {
	r := New()
	const n = 20
	var wg sync.WaitGroup
	successes := make(chan struct{}, n)

	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := r.Load("contended", Metadata{}, okOpener("gguf", 1024)); err == nil {
				successes <- struct{}{}
			}
		}()
	}
	wg.Wait()
	close(successes)

	count := 0
	for range successes {
		count++
	}
	if count != 1 {
		t.Errorf("expected exactly 1 successful load, got %d", count)
	}
}

func TestRegistry_RequestCompletedAndRecordError(t *testing.T) {
	r := New()
	if _, err := r.Load("m1", Metadata{}, okOpener("gguf", 1024)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	r.RequestCompleted("m1", 120)
	r.RequestCompleted("m1", 80)
	entry, _ := r.Entry("m1")
	if entry.RequestCount != 2 || entry.TotalLatencyMs != 200 {
		t.Errorf("unexpected bookkeeping: %+v", entry)
	}

	r.RecordError("m1")
	entry, _ = r.Entry("m1")
	if entry.State != StateError {
		t.Errorf("expected error state, got %v", entry.State)
	}
}

type fakeTelemetry struct {
	mu           sync.Mutex
	loadedModels []int
}

func (f *fakeTelemetry) SetLoadedModels(n int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.loadedModels = append(f.loadedModels, n)
}

func TestRegistry_SetTelemetryTracksLoadAndUnload(t *testing.T) {
	r := New()
	metrics := &fakeTelemetry{}
	r.SetTelemetry(metrics)

	if _, err := r.Load("a", Metadata{}, okOpener("gguf", 1)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := r.Load("b", Metadata{}, okOpener("gguf", 1)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := r.Unload("a"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	metrics.mu.Lock()
	got := append([]int(nil), metrics.loadedModels...)
	metrics.mu.Unlock()
	want := []int{1, 2, 1}
	if len(got) != len(want) {
		t.Fatalf("expected %v, got %v", want, got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("expected %v, got %v", want, got)
			break
		}
	}
}

func TestRegistry_List(t *testing.T) {
	r := New()
	r.Load("a", Metadata{}, okOpener("gguf", 1))
	r.Load("b", Metadata{}, okOpener("gguf", 2))

	entries := r.List()
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
}
