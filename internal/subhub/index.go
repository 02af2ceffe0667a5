package subhub

import (
	"sync"
	"sync/atomic"
)

// subscriptionIndex maps a key (user_id or task_id) to the set of
// observer clients subscribed to it. Reads (the hot path, one per
// broadcast) take a lock-free snapshot via atomic.Value; writes
// (subscribe/unsubscribe, rare by comparison) copy-on-write so readers
// never see a torn slice.
type subscriptionIndex struct {
	m sync.Map // key -> *atomic.Value holding []*Client
}

func newSubscriptionIndex() *subscriptionIndex {
	return &subscriptionIndex{}
}

func (idx *subscriptionIndex) Get(key string) []*Client {
	v, ok := idx.m.Load(key)
	if !ok {
		return nil
	}
	cur, _ := v.(*atomic.Value).Load().([]*Client)
	return cur
}

func (idx *subscriptionIndex) Add(key string, c *Client) {
	slot, _ := idx.m.LoadOrStore(key, &atomic.Value{})
	av := slot.(*atomic.Value)

	cur, _ := av.Load().([]*Client)
	next := make([]*Client, 0, len(cur)+1)
	next = append(next, cur...)
	next = append(next, c)
	av.Store(next)
}

func (idx *subscriptionIndex) Remove(key string, c *Client) {
	slot, ok := idx.m.Load(key)
	if !ok {
		return
	}
	av := slot.(*atomic.Value)
	cur, _ := av.Load().([]*Client)

	next := make([]*Client, 0, len(cur))
	for _, existing := range cur {
		if existing != c {
			next = append(next, existing)
		}
	}
	av.Store(next)
}

// RemoveFromAll drops c from every key it might be registered under;
// called once on disconnect rather than tracking per-client membership
// separately.
func (idx *subscriptionIndex) RemoveFromAll(c *Client, keys []string) {
	for _, k := range keys {
		idx.Remove(k, c)
	}
}
