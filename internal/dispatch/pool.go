package dispatch

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
)

// pool bounds the number of concurrent shard pushes so a task with
// thousands of shards can't spawn thousands of goroutines at once; a
// full queue drops the task, logging the count, rather than blocking
// the caller or growing unbounded.
type pool struct {
	tasks   chan func()
	workers int
	logger  zerolog.Logger

	wg      sync.WaitGroup
	dropped int64
}

func newPool(workers, queueSize int, logger zerolog.Logger) *pool {
	return &pool{
		tasks:   make(chan func(), queueSize),
		workers: workers,
		logger:  logger,
	}
}

func (p *pool) start(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.run(ctx)
	}
}

func (p *pool) run(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case task, ok := <-p.tasks:
			if !ok {
				return
			}
			p.safeRun(task)
		}
	}
}

func (p *pool) safeRun(task func()) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error().Interface("panic", r).Msg("recovered from panic in shard push worker")
		}
	}()
	task()
}

func (p *pool) submit(task func()) bool {
	select {
	case p.tasks <- task:
		return true
	default:
		atomic.AddInt64(&p.dropped, 1)
		p.logger.Warn().Int64("dropped_total", atomic.LoadInt64(&p.dropped)).Msg("shard push queue full, dropping")
		return false
	}
}

func (p *pool) Dropped() int64 { return atomic.LoadInt64(&p.dropped) }
