package gpu

import "testing"

func TestPool_AllocateWithinBudget(t *testing.T) {
	p := NewPool(1024)
	h, err := p.Allocate(512)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.Utilization() != 0.5 {
		t.Errorf("expected utilization 0.5, got %v", p.Utilization())
	}

	p.Drop(h)
	if p.Utilization() != 0 {
		t.Errorf("expected utilization 0 after drop, got %v", p.Utilization())
	}
}

func TestPool_OutOfMemory(t *testing.T) {
	p := NewPool(100)
	_, err := p.Allocate(200)
	oom, ok := err.(*OutOfMemoryError)
	if !ok {
		t.Fatalf("expected *OutOfMemoryError, got %v (%T)", err, err)
	}
	if oom.Required != 200 || oom.Available != 100 {
		t.Errorf("got required=%d available=%d", oom.Required, oom.Available)
	}
}

func TestPool_DropUnknownHandleIsNoop(t *testing.T) {
	p := NewPool(100)
	p.Drop(Handle(999))
	if p.Utilization() != 0 {
		t.Errorf("expected no effect, got utilization %v", p.Utilization())
	}
}

func TestPool_MultipleAllocationsIndependentHandles(t *testing.T) {
	p := NewPool(300)
	h1, err := p.Allocate(100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	h2, err := p.Allocate(100)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if h1 == h2 {
		t.Error("expected distinct handles")
	}

	p.Drop(h1)
	if p.Utilization() < 0.33 || p.Utilization() > 0.34 {
		t.Errorf("expected ~0.333 utilization after dropping one of two, got %v", p.Utilization())
	}
}
