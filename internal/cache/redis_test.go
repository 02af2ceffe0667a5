package cache

import (
	"context"
	"testing"
	"time"

	"github.com/adred-codev/dispatchd/internal/domain"
	"github.com/alicebob/miniredis/v2"
)

func newTestRedisCoordinator(t *testing.T) (*redisCoordinator, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	return newRedisCoordinator(mr.Addr(), "", 0), mr
}

func TestRedisCoordinator_WorkerOnlineOfflineRoundtrip(t *testing.T) {
	rc, _ := newTestRedisCoordinator(t)
	ctx := context.Background()

	if err := rc.WorkerOnline(ctx, "srv1", domain.WorkerInfo{ServerName: "srv1", Ready: true, ClientsCount: 3}); err != nil {
		t.Fatalf("WorkerOnline: %v", err)
	}

	ids, err := rc.OnlineWorkers(ctx, false)
	if err != nil {
		t.Fatalf("OnlineWorkers: %v", err)
	}
	if len(ids) != 1 || ids[0] != "srv1" {
		t.Fatalf("expected [srv1], got %v", ids)
	}

	ready, err := rc.OnlineWorkers(ctx, true)
	if err != nil {
		t.Fatalf("OnlineWorkers(ready): %v", err)
	}
	if len(ready) != 1 {
		t.Fatalf("expected srv1 in ready set, got %v", ready)
	}

	info, err := rc.WorkerInfo(ctx, "srv1")
	if err != nil {
		t.Fatalf("WorkerInfo: %v", err)
	}
	if info == nil || info.ServerName != "srv1" || info.ClientsCount != 3 {
		t.Fatalf("unexpected worker info: %+v", info)
	}

	if err := rc.WorkerOffline(ctx, "srv1"); err != nil {
		t.Fatalf("WorkerOffline: %v", err)
	}
	ids, err = rc.OnlineWorkers(ctx, false)
	if err != nil {
		t.Fatalf("OnlineWorkers after offline: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected no online workers after offline, got %v", ids)
	}
}

func TestRedisCoordinator_LoadIncrDecrNeverNegative(t *testing.T) {
	rc, _ := newTestRedisCoordinator(t)
	ctx := context.Background()

	if _, err := rc.IncrLoad(ctx, "srv1", 5); err != nil {
		t.Fatalf("IncrLoad: %v", err)
	}
	v, err := rc.DecrLoad(ctx, "srv1", 10)
	if err != nil {
		t.Fatalf("DecrLoad: %v", err)
	}
	if v != 0 {
		t.Fatalf("expected load clamped to 0, got %d", v)
	}
	load, err := rc.Load(ctx, "srv1")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if load != 0 {
		t.Fatalf("expected stored load 0, got %d", load)
	}
}

func TestRedisCoordinator_AcquireLeaseIsExclusive(t *testing.T) {
	rc, _ := newTestRedisCoordinator(t)
	ctx := context.Background()

	ok, err := rc.AcquireLease(ctx, "reclaim", 5*time.Second)
	if err != nil || !ok {
		t.Fatalf("expected first acquire to succeed, got ok=%v err=%v", ok, err)
	}

	ok, err = rc.AcquireLease(ctx, "reclaim", 5*time.Second)
	if err != nil {
		t.Fatalf("AcquireLease: %v", err)
	}
	if ok {
		t.Fatal("expected second acquire to fail while lease held")
	}

	if err := rc.ReleaseLease(ctx, "reclaim"); err != nil {
		t.Fatalf("ReleaseLease: %v", err)
	}
	ok, err = rc.AcquireLease(ctx, "reclaim", 5*time.Second)
	if err != nil || !ok {
		t.Fatalf("expected acquire to succeed after release, got ok=%v err=%v", ok, err)
	}
}

func TestRedisCoordinator_TaskProgressRoundtrip(t *testing.T) {
	rc, _ := newTestRedisCoordinator(t)
	ctx := context.Background()

	payload := []byte(`{"pending":2,"running":1,"done":3}`)
	if err := rc.CacheTaskProgress(ctx, "task1", payload, 10*time.Second); err != nil {
		t.Fatalf("CacheTaskProgress: %v", err)
	}

	got, ok, err := rc.GetTaskProgress(ctx, "task1")
	if err != nil {
		t.Fatalf("GetTaskProgress: %v", err)
	}
	if !ok {
		t.Fatal("expected task progress entry to exist")
	}
	if string(got) != string(payload) {
		t.Fatalf("expected %s, got %s", payload, got)
	}

	_, ok, err = rc.GetTaskProgress(ctx, "missing-task")
	if err != nil {
		t.Fatalf("GetTaskProgress(missing): %v", err)
	}
	if ok {
		t.Fatal("expected ok=false for unknown task")
	}
}
