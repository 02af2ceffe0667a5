package limits

import "testing"

func TestConnGuard_BoundsConcurrentAcquires(t *testing.T) {
	g := NewConnGuard(2)

	if !g.TryAcquire() || !g.TryAcquire() {
		t.Fatal("expected first two acquires to succeed")
	}
	if g.TryAcquire() {
		t.Fatal("expected third acquire to fail once at capacity")
	}
	if g.Current() != 2 {
		t.Fatalf("expected current=2, got %d", g.Current())
	}

	g.Release()
	if g.Current() != 1 {
		t.Fatalf("expected current=1 after release, got %d", g.Current())
	}
	if !g.TryAcquire() {
		t.Fatal("expected acquire to succeed again after release")
	}
}

func TestConnGuard_ReleaseBelowZeroIsNoop(t *testing.T) {
	g := NewConnGuard(1)
	g.Release()
	if g.Current() != 0 {
		t.Fatalf("expected current to stay at 0, got %d", g.Current())
	}
}
