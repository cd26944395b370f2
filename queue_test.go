package mongomirror

import (
	"context"
	"testing"
	"time"
)

func TestQueueFIFO(t *testing.T) {
	q := newOpQueue()
	for _, id := range []string{"a", "b", "c"} {
		q.push(&queuedOp{id: id})
	}
	if q.len() != 3 {
		t.Fatalf("expected 3 queued, got %d", q.len())
	}

	ctx := context.Background()
	for _, want := range []string{"a", "b", "c"} {
		item, err := q.pop(ctx)
		if err != nil {
			t.Fatalf("pop: %v", err)
		}
		if item.id != want {
			t.Errorf("expected %s, got %s", want, item.id)
		}
	}
}

func TestQueuePopBlocksUntilPush(t *testing.T) {
	q := newOpQueue()
	got := make(chan *queuedOp, 1)
	go func() {
		item, err := q.pop(context.Background())
		if err != nil {
			return
		}
		got <- item
	}()

	time.Sleep(10 * time.Millisecond)
	q.push(&queuedOp{id: "late"})

	select {
	case item := <-got:
		if item.id != "late" {
			t.Errorf("expected late, got %s", item.id)
		}
	case <-time.After(time.Second):
		t.Fatal("pop did not wake after push")
	}
}

func TestQueuePopCancellation(t *testing.T) {
	q := newOpQueue()
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		_, err := q.pop(ctx)
		done <- err
	}()

	cancel()
	select {
	case err := <-done:
		if err == nil {
			t.Error("expected a cancellation error")
		}
	case <-time.After(time.Second):
		t.Fatal("pop did not return after cancel")
	}
}
