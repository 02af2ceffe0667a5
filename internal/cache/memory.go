package cache

import (
	"context"
	"sync"
	"time"

	"github.com/adred-codev/dispatchd/internal/domain"
)

// memoryCoordinator is the process-local fallback Coordinator used when
// Redis is unavailable, and the only Coordinator for a deployment with
// no cache configured at all. It preserves the same TTL semantics as
// the Redis implementation by storing an explicit expiry alongside each
// entry and lazily evicting on access, matching RedisManager's
// in-process `_memory_store` degrade path.
type memoryCoordinator struct {
	mu sync.Mutex

	workers map[string]memoryWorker
	loads   map[string]memoryLoad
	leases  map[string]time.Time
	progress map[string]memoryProgress
}

type memoryWorker struct {
	info    domain.WorkerInfo
	expires time.Time
}

type memoryLoad struct {
	value   int
	expires time.Time
}

type memoryProgress struct {
	payload []byte
	expires time.Time
}

func newMemoryCoordinator() *memoryCoordinator {
	return &memoryCoordinator{
		workers:  make(map[string]memoryWorker),
		loads:    make(map[string]memoryLoad),
		leases:   make(map[string]time.Time),
		progress: make(map[string]memoryProgress),
	}
}

func (m *memoryCoordinator) Mode() string { return "memory" }

func (m *memoryCoordinator) WorkerOnline(ctx context.Context, id string, info domain.WorkerInfo) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	info.ServerID = id
	info.LastSeen = time.Now()
	m.workers[id] = memoryWorker{info: info, expires: time.Now().Add(presenceTTL)}
	return nil
}

func (m *memoryCoordinator) UpdateHeartbeat(ctx context.Context, id string, clientsCount int) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.workers[id]
	if !ok || time.Now().After(w.expires) {
		m.workers[id] = memoryWorker{
			info:    domain.WorkerInfo{ServerID: id, ClientsCount: clientsCount, LastSeen: time.Now()},
			expires: time.Now().Add(presenceTTL),
		}
		return nil
	}

	w.info.ClientsCount = clientsCount
	w.info.LastSeen = time.Now()
	w.expires = time.Now().Add(presenceTTL)
	m.workers[id] = w
	return nil
}

func (m *memoryCoordinator) WorkerOffline(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.workers, id)
	delete(m.loads, id)
	return nil
}

func (m *memoryCoordinator) OnlineWorkers(ctx context.Context, readyOnly bool) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	ids := make([]string, 0, len(m.workers))
	for id, w := range m.workers {
		if now.After(w.expires) {
			continue
		}
		if readyOnly && !w.info.Ready {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (m *memoryCoordinator) WorkerInfo(ctx context.Context, id string) (*domain.WorkerInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.workers[id]
	if !ok || time.Now().After(w.expires) {
		return nil, nil
	}
	info := w.info
	info.Load = m.loadLocked(id)
	return &info, nil
}

func (m *memoryCoordinator) loadLocked(id string) int {
	l, ok := m.loads[id]
	if !ok || time.Now().After(l.expires) {
		return 0
	}
	return l.value
}

func (m *memoryCoordinator) IncrLoad(ctx context.Context, id string, n int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.loadLocked(id)
	cur += n
	m.loads[id] = memoryLoad{value: cur, expires: time.Now().Add(loadTTL)}
	return cur, nil
}

func (m *memoryCoordinator) DecrLoad(ctx context.Context, id string, n int) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	cur := m.loadLocked(id)
	cur -= n
	if cur < 0 {
		cur = 0
	}
	m.loads[id] = memoryLoad{value: cur, expires: time.Now().Add(loadTTL)}
	return cur, nil
}

func (m *memoryCoordinator) Load(ctx context.Context, id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loadLocked(id), nil
}

func (m *memoryCoordinator) AcquireLease(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if exp, ok := m.leases[name]; ok && time.Now().Before(exp) {
		return false, nil
	}
	m.leases[name] = time.Now().Add(ttl)
	return true, nil
}

func (m *memoryCoordinator) ReleaseLease(ctx context.Context, name string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.leases, name)
	return nil
}

func (m *memoryCoordinator) CacheTaskProgress(ctx context.Context, taskID string, payload []byte, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.progress[taskID] = memoryProgress{payload: payload, expires: time.Now().Add(ttl)}
	return nil
}

func (m *memoryCoordinator) GetTaskProgress(ctx context.Context, taskID string) ([]byte, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.progress[taskID]
	if !ok || time.Now().After(p.expires) {
		return nil, false, nil
	}
	return p.payload, true, nil
}

// cleanupExpired opportunistically evicts stale entries. Redis expires
// keys itself; the memory peer needs an explicit periodic sweep so
// long-running deployments in permanent memory mode don't leak entries
// for workers/leases that were never explicitly released.
func (m *memoryCoordinator) cleanupExpired() {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now()
	for id, w := range m.workers {
		if now.After(w.expires) {
			delete(m.workers, id)
		}
	}
	for id, l := range m.loads {
		if now.After(l.expires) {
			delete(m.loads, id)
		}
	}
	for name, exp := range m.leases {
		if now.After(exp) {
			delete(m.leases, name)
		}
	}
	for id, p := range m.progress {
		if now.After(p.expires) {
			delete(m.progress, id)
		}
	}
}

// StartCleanup runs cleanupExpired on an interval until ctx is
// cancelled, mirroring RedisManager's start_cleanup_thread.
func (m *memoryCoordinator) StartCleanup(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.cleanupExpired()
			}
		}
	}()
}
