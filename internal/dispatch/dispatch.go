// Package dispatch implements the Shard Dispatcher (SD): splitting a
// task's phone list into shards sized to the current ready-worker
// count, assigning shards round-robin, and reclaiming shards whose
// worker went silent mid-push.
package dispatch

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/adred-codev/dispatchd/internal/cache"
	"github.com/adred-codev/dispatchd/internal/domain"
	"github.com/adred-codev/dispatchd/internal/eventbus"
	"github.com/adred-codev/dispatchd/internal/hub"
	"github.com/adred-codev/dispatchd/internal/store"
	"github.com/rs/zerolog"
)

const defaultShardSize = 50

// ErrInsufficientCredits is returned by CreateTaskAndShards when the
// owning user's balance can't cover the task's estimated cost at
// today's send rate. The task is never created in this case.
var ErrInsufficientCredits = errors.New("dispatch: insufficient credits")

// Pusher is the narrow slice of internal/hub the dispatcher drives.
type Pusher interface {
	Push(shard hub.ShardAssignPayload, serverID string) bool
	Connected(serverID string) bool
}

// RatesResolver is the narrow slice of internal/rates the dispatcher
// needs to pre-flight a task's estimated cost against the owner's
// balance before committing any task/shard rows.
type RatesResolver interface {
	Resolve(ctx context.Context, userID string) (domain.Rates, error)
}

type Config struct {
	DefaultShardSize  int
	PoolWorkers       int
	PoolQueueSize     int
	StaleThreshold    time.Duration
	ReclaimInterval   time.Duration
}

type Dispatcher struct {
	logger zerolog.Logger
	store  *store.Store
	cc     cache.Coordinator
	bus    *eventbus.Bus
	pusher Pusher
	rates  RatesResolver
	cfg    Config

	pool *pool
}

func New(logger zerolog.Logger, st *store.Store, cc cache.Coordinator, bus *eventbus.Bus, pusher Pusher, rates RatesResolver, cfg Config) *Dispatcher {
	if cfg.DefaultShardSize <= 0 {
		cfg.DefaultShardSize = defaultShardSize
	}
	if cfg.PoolWorkers <= 0 {
		cfg.PoolWorkers = 8
	}
	if cfg.PoolQueueSize <= 0 {
		cfg.PoolQueueSize = 256
	}
	if cfg.StaleThreshold <= 0 {
		cfg.StaleThreshold = 600 * time.Second
	}
	if cfg.ReclaimInterval <= 0 {
		cfg.ReclaimInterval = 60 * time.Second
	}

	d := &Dispatcher{
		logger: logger.With().Str("component", "dispatch").Logger(),
		store:  st,
		cc:     cc,
		bus:    bus,
		pusher: pusher,
		rates:  rates,
		cfg:    cfg,
	}
	d.pool = newPool(cfg.PoolWorkers, cfg.PoolQueueSize, d.logger)
	return d
}

func (d *Dispatcher) Start(ctx context.Context) {
	d.pool.start(ctx)
	d.startReclaimTicker(ctx)
}

// CreateTaskAndShards persists the task and its shards, then spawns the
// shard-assignment work in the background so the HTTP handler can
// respond to the caller immediately instead of blocking on however
// many ready workers happen to be online right now.
func (d *Dispatcher) CreateTaskAndShards(ctx context.Context, userID, message string, phones []string, override int) (*domain.Task, error) {
	if len(phones) > 0 && d.rates != nil {
		rr, err := d.rates.Resolve(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("dispatch: resolve rates for %s: %w", userID, err)
		}
		user, err := d.store.GetUser(ctx, userID)
		if err != nil {
			return nil, fmt.Errorf("dispatch: load user %s: %w", userID, err)
		}
		estimated := float64(len(phones)) * rr.Send
		if user.Credits < estimated {
			return nil, ErrInsufficientCredits
		}
	}

	task := &domain.Task{
		TaskID:  newID("task"),
		OwnerID: userID,
		Message: message,
		Total:   len(phones),
		Status:  domain.TaskPending,
	}
	if err := d.store.CreateTask(ctx, task); err != nil {
		return nil, fmt.Errorf("dispatch: create task: %w", err)
	}
	if len(phones) == 0 {
		return task, nil
	}

	readyCount, err := d.readyWorkerCount(ctx)
	if err != nil {
		return nil, fmt.Errorf("dispatch: ready worker count: %w", err)
	}

	batches := splitPhones(phones, override, readyCount, d.cfg.DefaultShardSize)
	shards := make([]*domain.Shard, 0, len(batches))
	for _, phonesBatch := range batches {
		shards = append(shards, &domain.Shard{
			ShardID: newID("shard"),
			TaskID:  task.TaskID,
			Phones:  phonesBatch,
			Status:  domain.ShardPending,
		})
	}
	if err := d.store.CreateShards(ctx, shards); err != nil {
		return nil, fmt.Errorf("dispatch: create shards: %w", err)
	}

	go d.assignShards(context.Background(), task.TaskID)

	return task, nil
}

// splitPhones computes shard sizing per the priority chain: an explicit
// override wins outright; otherwise a task that fits one shard per
// ready worker gets exactly one shard each; otherwise phones are spread
// evenly across ready workers; and with no ready workers at all (or an
// override/computed size of zero) the configured default size applies.
func splitPhones(phones []string, override, readyWorkers, defaultSize int) [][]string {
	size := 0
	switch {
	case override > 0:
		size = override
	case readyWorkers > 0 && len(phones) <= readyWorkers:
		size = 1
	case readyWorkers > 0:
		size = (len(phones) + readyWorkers - 1) / readyWorkers
	default:
		size = defaultSize
	}
	if size <= 0 {
		size = defaultSize
	}

	var batches [][]string
	for i := 0; i < len(phones); i += size {
		end := i + size
		if end > len(phones) {
			end = len(phones)
		}
		batches = append(batches, phones[i:end])
	}
	return batches
}

func (d *Dispatcher) readyWorkerCount(ctx context.Context) (int, error) {
	ids, err := d.cc.OnlineWorkers(ctx, true)
	if err != nil {
		return 0, err
	}
	return len(ids), nil
}

// assignShards first runs the opportunistic stale-shard sweep, then
// pushes every pending shard for a task round-robin
// across the currently ready workers, submitting each push through the
// bounded pool so a burst of large tasks can't spawn unbounded
// goroutines.
func (d *Dispatcher) assignShards(ctx context.Context, taskID string) {
	d.ReclaimStale(ctx)

	shards, err := d.store.PendingShards(ctx, taskID)
	if err != nil {
		d.logger.Error().Err(err).Str("task_id", taskID).Msg("failed to load pending shards")
		return
	}
	if len(shards) == 0 {
		return
	}

	task, err := d.store.GetTask(ctx, taskID)
	if err != nil {
		d.logger.Error().Err(err).Str("task_id", taskID).Msg("failed to load task for shard assignment")
		return
	}

	ready, err := d.cc.OnlineWorkers(ctx, true)
	if err != nil || len(ready) == 0 {
		d.logger.Warn().Str("task_id", taskID).Msg("no ready workers, shards remain pending for next sweep")
		return
	}
	sort.Strings(ready)

	for i, sh := range shards {
		serverID := ready[i%len(ready)]
		shard := sh
		target := serverID
		d.pool.submit(func() {
			d.pushOne(context.Background(), shard, target, task)
		})
	}
}

// pushOne attempts the wire push before claiming the shard. A shard
// that fails to push is never marked running, so it stays pending and
// is picked up again on the next dispatch pass without any rollback.
func (d *Dispatcher) pushOne(ctx context.Context, sh *domain.Shard, serverID string, task *domain.Task) {
	if !d.pusher.Connected(serverID) {
		return
	}

	traceID := newID("trace")
	ok := d.pusher.Push(hub.ShardAssignPayload{
		ShardID: sh.ShardID,
		TaskID:  sh.TaskID,
		UserID:  task.OwnerID,
		TraceID: traceID,
		Message: task.Message,
		Phones:  sh.Phones,
	}, serverID)
	if !ok {
		d.logger.Warn().Str("shard_id", sh.ShardID).Str("server_id", serverID).Msg("push failed, shard remains pending")
		return
	}

	if err := d.store.MarkShardRunning(ctx, sh.ShardID, serverID, traceID); err != nil {
		// Another push already claimed it or it was reclaimed between the
		// push above and this claim; the worker got a duplicate push it
		// will simply re-report once, hitting the billing idempotency gate.
		d.logger.Warn().Err(err).Str("shard_id", sh.ShardID).Msg("failed to claim shard after successful push")
		return
	}

	if _, err := d.cc.IncrLoad(ctx, serverID, len(sh.Phones)); err != nil {
		d.logger.Warn().Err(err).Str("server_id", serverID).Msg("failed to record worker load")
	}
}

// startReclaimTicker runs the stale-shard sweep on an interval in
// addition to the opportunistic sweep a task creation can trigger
// (neither alone is sufficient: the ticker catches shards whose task
// sees no further activity, the opportunistic path catches backlog
// building up between ticks).
func (d *Dispatcher) startReclaimTicker(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.ReclaimInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				d.ReclaimStale(ctx)
			}
		}
	}()
}

// ReclaimStale resets shards stuck running past the threshold back to
// pending, guarded by a coordinator lease so only one process instance
// runs the sweep at a time in a multi-replica deployment.
func (d *Dispatcher) ReclaimStale(ctx context.Context) {
	ok, err := d.cc.AcquireLease(ctx, "shard-reclaim-sweep", 30*time.Second)
	if err != nil || !ok {
		return
	}
	defer d.cc.ReleaseLease(ctx, "shard-reclaim-sweep")

	n, err := d.store.ReclaimStaleShards(ctx, d.cfg.StaleThreshold)
	if err != nil {
		d.logger.Error().Err(err).Msg("stale shard reclaim failed")
		return
	}
	if n > 0 {
		d.logger.Info().Int("count", n).Msg("reclaimed stale shards")
	}
}

func newID(prefix string) string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return prefix + "_" + hex.EncodeToString(buf)
}
