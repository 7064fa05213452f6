package gpu

import (
	"sync"

	"github.com/defilantech/llmrund/internal/apperr"
)

// Handle identifies a live allocation within a Pool.
type Handle uint64

// Pool is a bounded allocator over a single logical device (spec.md
// §4.3). Eviction policy is not implemented here — out-of-memory is
// surfaced to the caller, which decides whether to unload a model or
// retry smaller.
type Pool struct {
	mu        sync.Mutex
	budget    int64
	allocated int64
	nextID    uint64
	sizes     map[Handle]int64
}

// NewPool constructs a Pool with the given byte budget.
func NewPool(budget int64) *Pool {
	return &Pool{budget: budget, sizes: make(map[Handle]int64)}
}

// OutOfMemoryError carries the detail spec.md requires on allocation failure.
type OutOfMemoryError struct {
	Required  int64
	Available int64
}

func (e *OutOfMemoryError) Error() string {
	return apperr.New(apperr.CodeMemoryExceeded, "out of memory").Error()
}

// Allocate reserves bytes from the pool's budget.
func (p *Pool) Allocate(bytes int64) (Handle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	available := p.budget - p.allocated
	if bytes > available {
		return 0, &OutOfMemoryError{Required: bytes, Available: available}
	}

	p.nextID++
	h := Handle(p.nextID)
	p.sizes[h] = bytes
	p.allocated += bytes
	return h, nil
}

// Drop releases a previously allocated handle, returning its bytes to
// the pool. A no-op for handles that are not (or no longer) live.
func (p *Pool) Drop(h Handle) {
	p.mu.Lock()
	defer p.mu.Unlock()

	bytes, ok := p.sizes[h]
	if !ok {
		return
	}
	delete(p.sizes, h)
	p.allocated -= bytes
}

// Allocated returns the currently allocated byte count.
func (p *Pool) Allocated() int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.allocated
}

// Utilization returns the fraction of the budget currently allocated.
func (p *Pool) Utilization() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.budget <= 0 {
		return 0
	}
	return float64(p.allocated) / float64(p.budget)
}
