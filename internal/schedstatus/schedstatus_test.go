package schedstatus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
)

func newTestTracker(t *testing.T) *Tracker {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis.Run: %v", err)
	}
	t.Cleanup(mr.Close)

	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	return NewTracker(client)
}

func TestEvaluationStartedAndListRunning(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	tr.EvaluationStarted(ctx, "eval-1", "solutions/a.cpp", "case01")

	running, err := tr.ListRunning(ctx)
	if err != nil {
		t.Fatalf("ListRunning: %v", err)
	}
	if len(running) != 1 {
		t.Fatalf("ListRunning returned %d entries, want 1", len(running))
	}
	if running[0].EvaluationID != "eval-1" || running[0].SolutionPath != "solutions/a.cpp" {
		t.Fatalf("unexpected heartbeat: %+v", running[0])
	}
}

func TestEvaluationFinishedRemovesHeartbeat(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	tr.EvaluationStarted(ctx, "eval-2", "solutions/b.cpp", "case01")
	tr.EvaluationFinished(ctx, "eval-2")

	running, err := tr.ListRunning(ctx)
	if err != nil {
		t.Fatalf("ListRunning: %v", err)
	}
	if len(running) != 0 {
		t.Fatalf("ListRunning returned %d entries after finish, want 0", len(running))
	}
}

func TestAcquireCacheKeyLockIsExclusive(t *testing.T) {
	tr := newTestTracker(t)
	ctx := context.Background()

	release, ok, err := tr.AcquireCacheKeyLock(ctx, "deadbeef", 5*time.Second)
	if err != nil {
		t.Fatalf("AcquireCacheKeyLock: %v", err)
	}
	if !ok {
		t.Fatalf("expected first lock acquisition to succeed")
	}

	_, ok2, err := tr.AcquireCacheKeyLock(ctx, "deadbeef", 5*time.Second)
	if err != nil {
		t.Fatalf("AcquireCacheKeyLock (second): %v", err)
	}
	if ok2 {
		t.Fatalf("second lock acquisition on the same key should fail while held")
	}

	release(ctx)

	_, ok3, err := tr.AcquireCacheKeyLock(ctx, "deadbeef", 5*time.Second)
	if err != nil {
		t.Fatalf("AcquireCacheKeyLock (after release): %v", err)
	}
	if !ok3 {
		t.Fatalf("expected lock acquisition to succeed after release")
	}
}
