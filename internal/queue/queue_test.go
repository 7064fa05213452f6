package queue

import (
	"context"
	"testing"
	"time"

	"github.com/defilantech/llmrund/internal/apperr"
)

func newReq(id string, pri Priority) *Request {
	return &Request{
		ID:           id,
		ModelID:      "m1",
		Prompt:       "hi",
		Params:       Params{MaxTokens: 1, TopP: 1},
		Priority:     pri,
		CancelToken:  NewCancelToken(),
		ResponseChan: make(chan Result, 1),
		EnqueuedAt:   time.Now(),
	}
}

func TestQueue_HigherPriorityDequeuesFirst(t *testing.T) {
	q := New(10)
	low := newReq("low", PriorityLow)
	high := newReq("high", PriorityHigh)
	normal := newReq("normal", PriorityNormal)

	_ = q.Enqueue(low)
	_ = q.Enqueue(high)
	_ = q.Enqueue(normal)

	ctx := context.Background()
	first, _ := q.Dequeue(ctx)
	second, _ := q.Dequeue(ctx)
	third, _ := q.Dequeue(ctx)

	if first.ID != "high" || second.ID != "normal" || third.ID != "low" {
		t.Errorf("expected order high,normal,low; got %s,%s,%s", first.ID, second.ID, third.ID)
	}
}

func TestQueue_FIFOWithinPriority(t *testing.T) {
	q := New(10)
	a := newReq("a", PriorityNormal)
	b := newReq("b", PriorityNormal)
	c := newReq("c", PriorityNormal)
	_ = q.Enqueue(a)
	_ = q.Enqueue(b)
	_ = q.Enqueue(c)

	ctx := context.Background()
	first, _ := q.Dequeue(ctx)
	second, _ := q.Dequeue(ctx)
	third, _ := q.Dequeue(ctx)
	if first.ID != "a" || second.ID != "b" || third.ID != "c" {
		t.Errorf("expected FIFO order a,b,c; got %s,%s,%s", first.ID, second.ID, third.ID)
	}
}

func TestQueue_EnqueueFullReturnsQueueFull(t *testing.T) {
	q := New(1)
	if err := q.Enqueue(newReq("one", PriorityNormal)); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err := q.Enqueue(newReq("two", PriorityNormal))
	if apperr.CodeOf(err) != apperr.CodeQueueFull {
		t.Errorf("expected QueueFull, got %v", err)
	}
}

func TestQueue_DequeueBlocksUntilContextCancelled(t *testing.T) {
	q := New(1)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := q.Dequeue(ctx)
	if err == nil {
		t.Error("expected context deadline error")
	}
}

func TestQueue_CancelLiveRequest(t *testing.T) {
	q := New(10)
	req := newReq("cancel-me", PriorityNormal)
	_ = q.Enqueue(req)

	if !q.Cancel("cancel-me") {
		t.Error("expected cancel to succeed on a live request")
	}
	if !req.CancelToken.Cancelled() {
		t.Error("expected token to be cancelled")
	}
	if q.Cancel("cancel-me") {
		t.Error("expected second cancel attempt to return false")
	}
}

func TestQueue_CancelUnknownReturnsFalse(t *testing.T) {
	q := New(10)
	if q.Cancel("nope") {
		t.Error("expected false for unknown request id")
	}
}

func TestQueue_Len(t *testing.T) {
	q := New(10)
	_ = q.Enqueue(newReq("a", PriorityLow))
	_ = q.Enqueue(newReq("b", PriorityLow))
	if q.Len() != 2 {
		t.Errorf("expected length 2, got %d", q.Len())
	}
	_, _ = q.Dequeue(context.Background())
	if q.Len() != 1 {
		t.Errorf("expected length 1 after dequeue, got %d", q.Len())
	}
}

func TestParams_Validate(t *testing.T) {
	cases := []struct {
		name string
		p    Params
		ok   bool
	}{
		{"valid", Params{MaxTokens: 1, TopP: 1}, true},
		{"zero max tokens", Params{MaxTokens: 0, TopP: 1}, false},
		{"negative temperature", Params{MaxTokens: 1, Temperature: -1, TopP: 1}, false},
		{"top_p zero", Params{MaxTokens: 1, TopP: 0}, false},
		{"top_p too high", Params{MaxTokens: 1, TopP: 1.5}, false},
		{"negative top_k", Params{MaxTokens: 1, TopP: 1, TopK: -1}, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.p.Validate()
			if tc.ok && err != nil {
				t.Errorf("expected valid, got %v", err)
			}
			if !tc.ok && err == nil {
				t.Error("expected validation error")
			}
		})
	}
}
