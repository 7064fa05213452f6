// Package lifecycle implements the model registry: an atomic
// load/unload join of a bidirectional model_id/handle index with the
// engine's model mapping (spec.md §4.6).
package lifecycle

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/defilantech/llmrund/internal/apperr"
)

// Handle is a stable, never-reused identifier assigned at registration.
type Handle uint64

// State is the lifecycle state of a registry entry.
type State string

const (
	StateLoading   State = "loading"
	StateReady     State = "ready"
	StateUnloading State = "unloading"
	StateError     State = "error"
)

// Metadata is the caller-supplied subset of a registry entry's fields;
// the fields left zero are filled in by the opener (e.g. a GGUF probe).
type Metadata struct {
	Format      string
	SizeBytes   int64
	MemoryBytes int64
	AutoLoad    bool
}

// Entry is the Model Registry Entry record from spec.md §3.
type Entry struct {
	Handle         Handle
	ModelID        string
	Format         string
	SizeBytes      int64
	MemoryBytes    int64
	State          State
	LoadedAt       time.Time
	RequestCount   int64
	TotalLatencyMs int64
	AutoLoad       bool
}

// Model is the engine-side handle the registry keeps opaque; only the
// engine interprets it.
type Model interface{}

// Telemetry is the narrow contract the registry needs to keep the
// loaded-model gauge current. internal/telemetry.Store satisfies this
// structurally.
type Telemetry interface {
	SetLoadedModels(n int)
}

type noopTelemetry struct{}

func (noopTelemetry) SetLoadedModels(int) {}

// Opener loads a model's bytes into an engine-resident Model and
// returns whatever metadata it can determine (e.g. via pkg/gguf.ProbeFile),
// merged over the caller-supplied Metadata.
type Opener func() (Model, Metadata, error)

// Registry is the bidirectional model_id<->Handle index plus the
// engine-side model map, guarded by one write-exclusive lock spanning
// each load/unload body so a concurrent load of the same id cannot race
// past the contains-check (spec.md §4.6).
type Registry struct {
	mu              sync.RWMutex
	modelIDToHandle map[string]Handle
	entries         map[Handle]*Entry
	models          map[Handle]Model
	nextHandle      atomic.Uint64
	metrics         Telemetry
}

// New constructs an empty Registry.
func New() *Registry {
	return &Registry{
		modelIDToHandle: make(map[string]Handle),
		entries:         make(map[Handle]*Entry),
		models:          make(map[Handle]Model),
		metrics:         noopTelemetry{},
	}
}

// SetTelemetry attaches a Telemetry sink. Calling it is optional; a
// Registry with none attached updates its gauge silently.
func (r *Registry) SetTelemetry(t Telemetry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = t
}

// Load registers modelID, calling open() to obtain the engine-side
// model and any metadata it determines. The entire contains-check,
// open, and install sequence runs under the write lock: either both
// the registry entry and the engine mapping end up installed, or
// neither does.
func (r *Registry) Load(modelID string, meta Metadata, open Opener) (handle Handle, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.modelIDToHandle[modelID]; exists {
		return 0, apperr.New(apperr.CodeAlreadyLoaded, "model already loaded: "+modelID)
	}

	h := Handle(r.nextHandle.Add(1))
	entry := &Entry{
		Handle:   h,
		ModelID:  modelID,
		State:    StateLoading,
		LoadedAt: time.Time{},
		AutoLoad: meta.AutoLoad,
	}

	model, opened, openErr := r.safeOpen(open)
	if openErr != nil {
		return 0, apperr.Wrap(apperr.CodeModelLoadFailed, "loading model "+modelID, openErr)
	}

	entry.Format = firstNonEmpty(opened.Format, meta.Format)
	entry.SizeBytes = firstNonZero(opened.SizeBytes, meta.SizeBytes)
	entry.MemoryBytes = firstNonZero(opened.MemoryBytes, meta.MemoryBytes)
	entry.State = StateReady
	entry.LoadedAt = time.Now()

	r.modelIDToHandle[modelID] = h
	r.entries[h] = entry
	r.models[h] = model
	r.metrics.SetLoadedModels(len(r.entries))

	return h, nil
}

// safeOpen recovers a panicking Opener so that a mid-way engine
// registration failure rolls back cleanly instead of poisoning the
// registry's locked state.
func (r *Registry) safeOpen(open Opener) (model Model, meta Metadata, err error) {
	defer func() {
		if p := recover(); p != nil {
			err = apperr.New(apperr.CodeModelLoadFailed, "opener panicked")
		}
	}()
	return open()
}

// Unload removes modelID from both indices and drops the engine
// mapping. Symmetric with Load: either both are removed, or (if the
// model is unknown) neither is touched.
func (r *Registry) Unload(modelID string) (Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.modelIDToHandle[modelID]
	if !ok {
		return 0, apperr.New(apperr.CodeModelNotLoaded, "model not loaded: "+modelID)
	}

	entry := r.entries[h]
	entry.State = StateUnloading

	delete(r.modelIDToHandle, modelID)
	delete(r.entries, h)
	delete(r.models, h)
	r.metrics.SetLoadedModels(len(r.entries))

	return h, nil
}

// HandleFor returns the handle registered for modelID.
func (r *Registry) HandleFor(modelID string) (Handle, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.modelIDToHandle[modelID]
	return h, ok
}

// Contains reports whether handle currently has a live entry.
func (r *Registry) Contains(h Handle) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[h]
	return ok
}

// Entry returns a copy of the registry entry for modelID.
func (r *Registry) Entry(modelID string) (Entry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.modelIDToHandle[modelID]
	if !ok {
		return Entry{}, false
	}
	return *r.entries[h], true
}

// ModelFor returns the engine-side Model registered at handle h.
func (r *Registry) ModelFor(h Handle) (Model, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.models[h]
	return m, ok
}

// List returns a snapshot of every live registry entry.
func (r *Registry) List() []Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Entry, 0, len(r.entries))
	for _, e := range r.entries {
		out = append(out, *e)
	}
	return out
}

// RequestCompleted records a successful request's latency against
// modelID's entry, under the same lock the worker otherwise contends
// on for load/unload.
func (r *Registry) RequestCompleted(modelID string, latencyMs int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.modelIDToHandle[modelID]
	if !ok {
		return
	}
	entry := r.entries[h]
	entry.RequestCount++
	entry.TotalLatencyMs += latencyMs
}

// RecordError marks modelID's entry in the Error state. The entry is
// not removed; a subsequent Unload still applies normally.
func (r *Registry) RecordError(modelID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	h, ok := r.modelIDToHandle[modelID]
	if !ok {
		return
	}
	r.entries[h].State = StateError
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstNonZero(values ...int64) int64 {
	for _, v := range values {
		if v != 0 {
			return v
		}
	}
	return 0
}
