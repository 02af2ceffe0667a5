// Package cache implements the Cache/Coordinator (CC): the distributed
// presence/load/lease layer backing worker registration, load
// tracking, and dispatch locking. A Redis-backed implementation is the
// default; it demotes itself to a process-local in-memory
// implementation when Redis is unreachable, and callers never see a
// different error shape across the two: unavailability always
// degrades rather than propagates.
//
// Key schema: worker:{id} hash (30s TTL), worker:{id}:load counter
// (60s TTL), lock:{name} (SET NX EX), online_workers set, and
// task:{id}:progress cache entries.
package cache

import (
	"context"
	"time"

	"github.com/adred-codev/dispatchd/internal/domain"
	"github.com/rs/zerolog"
)

const (
	presenceTTL    = 30 * time.Second
	loadTTL        = 60 * time.Second
	reconnectCooldown = 15 * time.Second
	maxReconnects  = 5
)

// Coordinator is the operational contract shared by worker presence,
// load tracking, dispatch locking, and task progress caching. Both the
// Redis-backed and memory-backed implementations satisfy it.
type Coordinator interface {
	WorkerOnline(ctx context.Context, id string, info domain.WorkerInfo) error
	UpdateHeartbeat(ctx context.Context, id string, clientsCount int) error
	WorkerOffline(ctx context.Context, id string) error
	OnlineWorkers(ctx context.Context, readyOnly bool) ([]string, error)
	WorkerInfo(ctx context.Context, id string) (*domain.WorkerInfo, error)
	IncrLoad(ctx context.Context, id string, n int) (int, error)
	DecrLoad(ctx context.Context, id string, n int) (int, error)
	Load(ctx context.Context, id string) (int, error)
	AcquireLease(ctx context.Context, name string, ttl time.Duration) (bool, error)
	ReleaseLease(ctx context.Context, name string) error
	CacheTaskProgress(ctx context.Context, taskID string, payload []byte, ttl time.Duration) error
	GetTaskProgress(ctx context.Context, taskID string) ([]byte, bool, error)

	// Mode reports whether the coordinator is currently backed by Redis
	// or has degraded to the in-memory fallback. Observability only.
	Mode() string
}

// Coordinated wraps a Redis-backed Coordinator with automatic fallback
// to an in-memory peer on sustained connection failure, mirroring
// RedisManager's reconnect-cooldown/max-attempts degrade policy. It is
// itself a Coordinator, so callers never branch on which mode is active.
type Coordinated struct {
	logger zerolog.Logger

	redis  *redisCoordinator
	memory *memoryCoordinator

	useRedis          bool
	reconnectAttempts int
	lastAttempt       time.Time
}

// NewCoordinated constructs the degrading coordinator. If redisAddr is
// empty, it starts in memory mode permanently (no reconnect attempts
// are made, matching a deployment with no Redis configured at all).
func NewCoordinated(redisAddr, redisPassword string, redisDB int, logger zerolog.Logger) *Coordinated {
	mem := newMemoryCoordinator()

	c := &Coordinated{
		logger: logger,
		memory: mem,
	}

	if redisAddr == "" {
		logger.Warn().Msg("no REDIS_URL configured, coordinator running in memory-only mode")
		return c
	}

	rc := newRedisCoordinator(redisAddr, redisPassword, redisDB)
	c.redis = rc

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := rc.ping(ctx); err != nil {
		logger.Warn().Err(err).Msg("redis unavailable at startup, degrading to memory mode")
		c.useRedis = false
		c.lastAttempt = time.Now()
	} else {
		c.useRedis = true
		logger.Info().Msg("coordinator connected to redis")
	}

	return c
}

// active returns the Coordinator to route this call to, attempting a
// cooldown-bounded reconnect to Redis when currently degraded.
func (c *Coordinated) active(ctx context.Context) Coordinator {
	if c.useRedis {
		return c.redis
	}
	if c.redis == nil {
		return c.memory
	}
	if c.reconnectAttempts >= maxReconnects {
		return c.memory
	}
	if time.Since(c.lastAttempt) < reconnectCooldown {
		return c.memory
	}

	c.lastAttempt = time.Now()
	c.reconnectAttempts++
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := c.redis.ping(pingCtx); err != nil {
		c.logger.Warn().Err(err).Int("attempt", c.reconnectAttempts).Msg("redis reconnect failed")
		return c.memory
	}

	c.logger.Info().Msg("redis reconnected, leaving memory mode")
	c.useRedis = true
	c.reconnectAttempts = 0
	return c.redis
}

// degrade marks the coordinator as fallen back to memory mode after an
// operational failure on an otherwise-healthy connection (e.g. the
// connection drops mid-session rather than at a ping check).
func (c *Coordinated) degrade(err error) {
	if c.useRedis {
		c.logger.Warn().Err(err).Msg("redis operation failed, degrading to memory mode")
	}
	c.useRedis = false
	c.lastAttempt = time.Now()
}

// StartCleanup starts the memory peer's periodic eviction sweep; safe
// to call even when currently backed by Redis (the peer is idle but
// kept warm for instant fallback).
func (c *Coordinated) StartCleanup(ctx context.Context, interval time.Duration) {
	c.memory.StartCleanup(ctx, interval)
}

func (c *Coordinated) Mode() string {
	if c.useRedis {
		return "redis"
	}
	return "memory"
}

func (c *Coordinated) WorkerOnline(ctx context.Context, id string, info domain.WorkerInfo) error {
	active := c.active(ctx)
	if err := active.WorkerOnline(ctx, id, info); err != nil && active == Coordinator(c.redis) {
		c.degrade(err)
		return c.memory.WorkerOnline(ctx, id, info)
	} else if err != nil {
		return err
	}
	return nil
}

func (c *Coordinated) UpdateHeartbeat(ctx context.Context, id string, clientsCount int) error {
	active := c.active(ctx)
	if err := active.UpdateHeartbeat(ctx, id, clientsCount); err != nil && active == Coordinator(c.redis) {
		c.degrade(err)
		return c.memory.UpdateHeartbeat(ctx, id, clientsCount)
	} else if err != nil {
		return err
	}
	return nil
}

func (c *Coordinated) WorkerOffline(ctx context.Context, id string) error {
	active := c.active(ctx)
	if err := active.WorkerOffline(ctx, id); err != nil && active == Coordinator(c.redis) {
		c.degrade(err)
		return c.memory.WorkerOffline(ctx, id)
	} else if err != nil {
		return err
	}
	return nil
}

func (c *Coordinated) OnlineWorkers(ctx context.Context, readyOnly bool) ([]string, error) {
	active := c.active(ctx)
	ids, err := active.OnlineWorkers(ctx, readyOnly)
	if err != nil && active == Coordinator(c.redis) {
		c.degrade(err)
		return c.memory.OnlineWorkers(ctx, readyOnly)
	}
	if err != nil {
		// Reads degrade to empty rather than surfacing an error to callers.
		return nil, nil
	}
	return ids, nil
}

func (c *Coordinated) WorkerInfo(ctx context.Context, id string) (*domain.WorkerInfo, error) {
	active := c.active(ctx)
	info, err := active.WorkerInfo(ctx, id)
	if err != nil && active == Coordinator(c.redis) {
		c.degrade(err)
		return c.memory.WorkerInfo(ctx, id)
	}
	if err != nil {
		return nil, nil
	}
	return info, nil
}

func (c *Coordinated) IncrLoad(ctx context.Context, id string, n int) (int, error) {
	active := c.active(ctx)
	v, err := active.IncrLoad(ctx, id, n)
	if err != nil && active == Coordinator(c.redis) {
		c.degrade(err)
		return c.memory.IncrLoad(ctx, id, n)
	}
	return v, err
}

func (c *Coordinated) DecrLoad(ctx context.Context, id string, n int) (int, error) {
	active := c.active(ctx)
	v, err := active.DecrLoad(ctx, id, n)
	if err != nil && active == Coordinator(c.redis) {
		c.degrade(err)
		return c.memory.DecrLoad(ctx, id, n)
	}
	return v, err
}

func (c *Coordinated) Load(ctx context.Context, id string) (int, error) {
	active := c.active(ctx)
	v, err := active.Load(ctx, id)
	if err != nil {
		// Never throws on read miss/error; 0 on failure.
		return 0, nil
	}
	return v, nil
}

func (c *Coordinated) AcquireLease(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	active := c.active(ctx)
	ok, err := active.AcquireLease(ctx, name, ttl)
	if err != nil && active == Coordinator(c.redis) {
		c.degrade(err)
		return c.memory.AcquireLease(ctx, name, ttl)
	}
	return ok, err
}

func (c *Coordinated) ReleaseLease(ctx context.Context, name string) error {
	active := c.active(ctx)
	if err := active.ReleaseLease(ctx, name); err != nil && active == Coordinator(c.redis) {
		c.degrade(err)
		return c.memory.ReleaseLease(ctx, name)
	}
	return nil
}

func (c *Coordinated) CacheTaskProgress(ctx context.Context, taskID string, payload []byte, ttl time.Duration) error {
	active := c.active(ctx)
	if err := active.CacheTaskProgress(ctx, taskID, payload, ttl); err != nil && active == Coordinator(c.redis) {
		c.degrade(err)
		return c.memory.CacheTaskProgress(ctx, taskID, payload, ttl)
	}
	return nil
}

func (c *Coordinated) GetTaskProgress(ctx context.Context, taskID string) ([]byte, bool, error) {
	active := c.active(ctx)
	data, ok, err := active.GetTaskProgress(ctx, taskID)
	if err != nil {
		return nil, false, nil
	}
	return data, ok, nil
}
