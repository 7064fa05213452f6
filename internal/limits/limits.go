// Package limits implements the admission-control gate described in
// spec.md §4.1: a per-call memory cap and a global concurrency cap,
// both reserved atomically and released together through a scoped
// Guard.
package limits

import (
	"sync"
	"sync/atomic"

	"github.com/defilantech/llmrund/internal/apperr"
)

// Limits enforces a per-call memory cap and a global concurrent
// in-flight cap. All bookkeeping is atomic; no lock is held across an
// acquire sequence.
type Limits struct {
	perCallMemoryCap int64
	globalMemoryCap  int64
	maxConcurrent    int64

	currentMemory     atomic.Int64
	currentConcurrent atomic.Int64
}

// Config configures a Limits instance.
type Config struct {
	PerCallMemoryCap int64
	GlobalMemoryCap  int64
	MaxConcurrent    int64
}

// New constructs a Limits gate.
func New(cfg Config) *Limits {
	return &Limits{
		perCallMemoryCap: cfg.PerCallMemoryCap,
		globalMemoryCap:  cfg.GlobalMemoryCap,
		maxConcurrent:    cfg.MaxConcurrent,
	}
}

// Guard is returned by a successful TryAcquire; its Release (safe to
// call more than once) returns the memory and concurrency slot.
type Guard struct {
	limits *Limits
	bytes  int64
	once   sync.Once
}

// Release returns the reserved memory and concurrency slot. Idempotent.
func (g *Guard) Release() {
	g.once.Do(func() {
		g.limits.currentMemory.Add(-g.bytes)
		g.limits.currentConcurrent.Add(-1)
	})
}

// TryAcquire reserves bytes of memory and one concurrency slot,
// all-or-nothing. The ordering is load-bearing: per-call cap checked
// first (no counter touched), then memory is added and rolled back on
// over-cap, only then is concurrency added and rolled back on
// over-cap — so neither counter is ever transiently over-reported to
// a racing observer beyond its own failed attempt.
func (l *Limits) TryAcquire(bytes int64) (*Guard, error) {
	if l.perCallMemoryCap > 0 && bytes > l.perCallMemoryCap {
		return nil, apperr.New(apperr.CodeMemoryExceeded, "per-call memory cap exceeded")
	}

	newMemory := l.currentMemory.Add(bytes)
	if l.globalMemoryCap > 0 && newMemory > l.globalMemoryCap {
		l.currentMemory.Add(-bytes)
		return nil, apperr.New(apperr.CodeMemoryExceeded, "global memory cap exceeded")
	}

	newConcurrent := l.currentConcurrent.Add(1)
	if l.maxConcurrent > 0 && newConcurrent > l.maxConcurrent {
		l.currentConcurrent.Add(-1)
		l.currentMemory.Add(-bytes)
		return nil, apperr.New(apperr.CodeQueueFull, "max concurrent requests exceeded")
	}

	return &Guard{limits: l, bytes: bytes}, nil
}

// CurrentMemory returns the current reserved memory total.
func (l *Limits) CurrentMemory() int64 { return l.currentMemory.Load() }

// CurrentConcurrent returns the current in-flight count.
func (l *Limits) CurrentConcurrent() int64 { return l.currentConcurrent.Load() }
