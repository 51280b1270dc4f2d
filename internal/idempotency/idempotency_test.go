package idempotency_test

import (
	"context"
	"testing"
	"time"

	"github.com/basket/drawproxy/internal/idempotency"
)

func TestLockerFailsFastWithoutWait(t *testing.T) {
	l := idempotency.NewLocker()
	release, ok := l.Acquire(context.Background(), "k1", false)
	if !ok {
		t.Fatalf("expected first acquire to succeed")
	}
	defer release()

	_, ok = l.Acquire(context.Background(), "k1", false)
	if ok {
		t.Fatalf("expected second acquire to fail fast")
	}
}

func TestLockerWaitsThenAcquires(t *testing.T) {
	l := idempotency.NewLocker()
	release, ok := l.Acquire(context.Background(), "k1", false)
	if !ok {
		t.Fatalf("expected first acquire to succeed")
	}

	done := make(chan struct{})
	go func() {
		r2, ok := l.Acquire(context.Background(), "k1", true)
		if !ok {
			t.Errorf("expected waiting acquire to eventually succeed")
		} else {
			r2()
		}
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	release()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("waiting acquire never completed")
	}
}

func TestSeenSetDedup(t *testing.T) {
	s := idempotency.NewSeenSet(2)
	if s.MarkSeen("a") {
		t.Fatalf("expected first mark to report unseen")
	}
	if !s.MarkSeen("a") {
		t.Fatalf("expected second mark to report already seen")
	}
}

func TestSeenSetEvictsOldest(t *testing.T) {
	s := idempotency.NewSeenSet(2)
	s.MarkSeen("a")
	s.MarkSeen("b")
	s.MarkSeen("c") // evicts "a"

	if s.MarkSeen("a") {
		t.Fatalf("expected a to have been evicted")
	}
}
