package limits

import "testing"

func TestClientLimiter_AllowsBurstThenThrottles(t *testing.T) {
	l := NewClientLimiter(1, 2)

	if !l.Allow("a") || !l.Allow("a") {
		t.Fatal("expected burst of 2 to be allowed")
	}
	if l.Allow("a") {
		t.Fatal("expected third call within the same instant to be throttled")
	}
}

func TestClientLimiter_KeysAreIndependent(t *testing.T) {
	l := NewClientLimiter(1, 1)

	if !l.Allow("a") {
		t.Fatal("expected first call for a to be allowed")
	}
	if !l.Allow("b") {
		t.Fatal("expected first call for b to be allowed independently of a")
	}
}

func TestClientLimiter_Forget(t *testing.T) {
	l := NewClientLimiter(1, 1)
	l.Allow("a")
	l.Forget("a")

	if _, ok := l.limiters["a"]; ok {
		t.Fatal("expected bucket to be removed after Forget")
	}
}
