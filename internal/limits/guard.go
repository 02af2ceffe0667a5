package limits

import (
	"sync/atomic"
)

// ConnGuard bounds the number of concurrently accepted connections
// with a buffered-channel semaphore, the cheapest admission control
// that still applies backpressure instead of letting goroutines pile
// up unbounded. Only the worker hub takes a slot per upgrade; observer
// sockets are not counted.
type ConnGuard struct {
	sem     chan struct{}
	current int64
}

func NewConnGuard(max int) *ConnGuard {
	return &ConnGuard{sem: make(chan struct{}, max)}
}

// TryAcquire reports whether a connection slot was available.
func (g *ConnGuard) TryAcquire() bool {
	select {
	case g.sem <- struct{}{}:
		atomic.AddInt64(&g.current, 1)
		return true
	default:
		return false
	}
}

func (g *ConnGuard) Release() {
	select {
	case <-g.sem:
		atomic.AddInt64(&g.current, -1)
	default:
	}
}

func (g *ConnGuard) Current() int64 { return atomic.LoadInt64(&g.current) }
func (g *ConnGuard) Max() int       { return cap(g.sem) }
