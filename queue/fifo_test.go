package queue

import (
	"context"
	"testing"
	"time"
)

func TestFIFOPushPopOrder(t *testing.T) {
	q := NewFIFO[int](4)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := q.Push(ctx, i); err != nil {
			t.Fatalf("push %d: %v", i, err)
		}
	}

	for i := 0; i < 3; i++ {
		v, err := q.Pop(ctx)
		if err != nil {
			t.Fatalf("pop: %v", err)
		}
		if v != i {
			t.Fatalf("expected FIFO order: got %d want %d", v, i)
		}
	}
}

func TestFIFOPushBlocksWhenFull(t *testing.T) {
	q := NewFIFO[int](1)
	ctx := context.Background()

	if err := q.Push(ctx, 1); err != nil {
		t.Fatalf("push: %v", err)
	}

	blockCtx, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()

	if err := q.Push(blockCtx, 2); err == nil {
		t.Fatalf("expected Push to block on a full queue until context deadline")
	}
}

func TestFIFOPopBlocksWhenEmpty(t *testing.T) {
	q := NewFIFO[int](1)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if _, err := q.Pop(ctx); err == nil {
		t.Fatalf("expected Pop to block on an empty queue until context deadline")
	}
}

func TestFIFOLen(t *testing.T) {
	q := NewFIFO[int](4)
	ctx := context.Background()
	q.Push(ctx, 1)
	q.Push(ctx, 2)
	if got := q.Len(); got != 2 {
		t.Fatalf("expected Len 2, got %d", got)
	}
}
