package command

import (
	"context"
	"testing"
	"time"
)

func TestQueueAndPollPendingIsSingleDelivery(t *testing.T) {
	t.Parallel()

	repo := NewMemoryRepository()
	ctx := context.Background()

	if _, err := repo.Queue(ctx, "device-1", TypeSyncApps, nil); err != nil {
		t.Fatalf("Queue: %v", err)
	}
	if _, err := repo.Queue(ctx, "device-1", TypeSyncPolicy, nil); err != nil {
		t.Fatalf("Queue: %v", err)
	}

	now := time.Now().UTC()
	first, err := repo.PollPending(ctx, "device-1", now)
	if err != nil {
		t.Fatalf("first PollPending: %v", err)
	}
	if len(first) != 2 {
		t.Fatalf("len(first) = %d, want 2", len(first))
	}

	second, err := repo.PollPending(ctx, "device-1", now)
	if err != nil {
		t.Fatalf("second PollPending: %v", err)
	}
	if len(second) != 0 {
		t.Fatalf("a concurrent poll must not return the same command twice, got %d", len(second))
	}
}

func TestAcknowledgeRejectsInvalidTransition(t *testing.T) {
	t.Parallel()

	repo := NewMemoryRepository()
	ctx := context.Background()

	c, err := repo.Queue(ctx, "device-1", TypeSyncApps, nil)
	if err != nil {
		t.Fatalf("Queue: %v", err)
	}

	if _, err := repo.Acknowledge(ctx, c.ID, StatusPending, nil, time.Now()); err != ErrInvalidStatus {
		t.Fatalf("acknowledge with target pending = %v, want ErrInvalidStatus", err)
	}

	if _, err := repo.Acknowledge(ctx, c.ID, StatusCompleted, nil, time.Now()); err != nil {
		t.Fatalf("acknowledge from pending to completed: %v", err)
	}
}

func TestAcknowledgeIsIdempotentOnTerminalState(t *testing.T) {
	t.Parallel()

	repo := NewMemoryRepository()
	ctx := context.Background()

	c, err := repo.Queue(ctx, "device-1", TypeSyncApps, nil)
	if err != nil {
		t.Fatalf("Queue: %v", err)
	}

	first, err := repo.Acknowledge(ctx, c.ID, StatusCompleted, nil, time.Now())
	if err != nil {
		t.Fatalf("first Acknowledge: %v", err)
	}
	if first.NoOp {
		t.Fatal("first acknowledge should not be a no-op")
	}

	second, err := repo.Acknowledge(ctx, c.ID, StatusCompleted, nil, time.Now())
	if err != nil {
		t.Fatalf("second Acknowledge: %v", err)
	}
	if !second.NoOp {
		t.Fatal("repeated acknowledge of a terminal command must report NoOp")
	}
	if second.Command.CompletedAt.UnixNano() != first.Command.CompletedAt.UnixNano() {
		t.Fatal("stored row must be unchanged after the first ack")
	}
}

func TestCancelOnlyWhilePending(t *testing.T) {
	t.Parallel()

	repo := NewMemoryRepository()
	ctx := context.Background()

	c, err := repo.Queue(ctx, "device-1", TypeSyncApps, nil)
	if err != nil {
		t.Fatalf("Queue: %v", err)
	}
	if _, err := repo.Acknowledge(ctx, c.ID, StatusExecuting, nil, time.Now()); err != nil {
		t.Fatalf("Acknowledge: %v", err)
	}

	if err := repo.Cancel(ctx, c.ID); err != ErrNotPending {
		t.Fatalf("Cancel on executing command = %v, want ErrNotPending", err)
	}
}

func TestFIFOOrderWithinDevice(t *testing.T) {
	t.Parallel()

	repo := NewMemoryRepository()
	ctx := context.Background()

	first, _ := repo.Queue(ctx, "device-1", TypeSyncApps, nil)
	time.Sleep(time.Millisecond)
	second, _ := repo.Queue(ctx, "device-1", TypeSyncPolicy, nil)

	polled, err := repo.PollPending(ctx, "device-1", time.Now())
	if err != nil {
		t.Fatalf("PollPending: %v", err)
	}
	if len(polled) != 2 || polled[0].ID != first.ID || polled[1].ID != second.ID {
		t.Fatalf("expected FIFO order [%v, %v], got %+v", first.ID, second.ID, polled)
	}
}
