package cache

import (
	"context"
	"testing"
	"time"

	"github.com/adred-codev/dispatchd/internal/domain"
)

func TestMemoryCoordinator_LoadNeverNegative(t *testing.T) {
	m := newMemoryCoordinator()
	ctx := context.Background()

	if v, err := m.DecrLoad(ctx, "w1", 3); err != nil || v != 0 {
		t.Fatalf("decr below zero should clamp to 0, got %d, err %v", v, err)
	}

	if v, err := m.IncrLoad(ctx, "w1", 2); err != nil || v != 2 {
		t.Fatalf("expected load 2, got %d", v)
	}

	if v, err := m.DecrLoad(ctx, "w1", 5); err != nil || v != 0 {
		t.Fatalf("expected clamp to 0, got %d", v)
	}
}

func TestMemoryCoordinator_PresenceExpires(t *testing.T) {
	m := newMemoryCoordinator()
	ctx := context.Background()

	if err := m.WorkerOnline(ctx, "w1", domain.WorkerInfo{ServerName: "w1", Ready: true}); err != nil {
		t.Fatal(err)
	}
	m.workers["w1"] = memoryWorker{
		info:    m.workers["w1"].info,
		expires: time.Now().Add(-time.Second),
	}

	ids, err := m.OnlineWorkers(ctx, false)
	if err != nil {
		t.Fatal(err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected expired worker to be excluded, got %v", ids)
	}
}

func TestMemoryCoordinator_ReadyFilter(t *testing.T) {
	m := newMemoryCoordinator()
	ctx := context.Background()

	_ = m.WorkerOnline(ctx, "ready1", domain.WorkerInfo{Ready: true})
	_ = m.WorkerOnline(ctx, "notready", domain.WorkerInfo{Ready: false})

	all, _ := m.OnlineWorkers(ctx, false)
	if len(all) != 2 {
		t.Fatalf("expected 2 online workers, got %d", len(all))
	}

	ready, _ := m.OnlineWorkers(ctx, true)
	if len(ready) != 1 || ready[0] != "ready1" {
		t.Fatalf("expected only ready1, got %v", ready)
	}
}

func TestMemoryCoordinator_AcquireLeaseOnce(t *testing.T) {
	m := newMemoryCoordinator()
	ctx := context.Background()

	ok, err := m.AcquireLease(ctx, "shard-sweep", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected first acquire to succeed, got ok=%v err=%v", ok, err)
	}

	ok, err = m.AcquireLease(ctx, "shard-sweep", time.Minute)
	if err != nil || ok {
		t.Fatalf("expected second acquire to fail while held, got ok=%v err=%v", ok, err)
	}

	if err := m.ReleaseLease(ctx, "shard-sweep"); err != nil {
		t.Fatal(err)
	}

	ok, err = m.AcquireLease(ctx, "shard-sweep", time.Minute)
	if err != nil || !ok {
		t.Fatalf("expected acquire after release to succeed, got ok=%v err=%v", ok, err)
	}
}

func TestMemoryCoordinator_TaskProgressRoundTrip(t *testing.T) {
	m := newMemoryCoordinator()
	ctx := context.Background()

	if err := m.CacheTaskProgress(ctx, "t1", []byte(`{"status":"running"}`), time.Minute); err != nil {
		t.Fatal(err)
	}

	data, ok, err := m.GetTaskProgress(ctx, "t1")
	if err != nil || !ok {
		t.Fatalf("expected cached progress, ok=%v err=%v", ok, err)
	}
	if string(data) != `{"status":"running"}` {
		t.Fatalf("unexpected payload: %s", data)
	}

	if _, ok, _ := m.GetTaskProgress(ctx, "missing"); ok {
		t.Fatal("expected miss for unknown task")
	}
}
