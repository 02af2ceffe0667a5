package subhub

import "testing"

func TestSubscriptionIndex_AddGetRemove(t *testing.T) {
	idx := newSubscriptionIndex()
	c1 := &Client{}
	c2 := &Client{}

	idx.Add("task1", c1)
	idx.Add("task1", c2)

	got := idx.Get("task1")
	if len(got) != 2 {
		t.Fatalf("expected 2 subscribers, got %d", len(got))
	}

	idx.Remove("task1", c1)
	got = idx.Get("task1")
	if len(got) != 1 || got[0] != c2 {
		t.Fatalf("expected only c2 remaining, got %v", got)
	}
}

func TestSubscriptionIndex_GetOnUnknownKeyReturnsNil(t *testing.T) {
	idx := newSubscriptionIndex()
	if got := idx.Get("missing"); got != nil {
		t.Fatalf("expected nil for unknown key, got %v", got)
	}
}

func TestSubscriptionIndex_RemoveFromAll(t *testing.T) {
	idx := newSubscriptionIndex()
	c := &Client{}
	idx.Add("t1", c)
	idx.Add("t2", c)

	idx.RemoveFromAll(c, []string{"t1", "t2"})

	if len(idx.Get("t1")) != 0 || len(idx.Get("t2")) != 0 {
		t.Fatal("expected client removed from all keys")
	}
}
