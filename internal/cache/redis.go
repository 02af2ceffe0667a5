package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/adred-codev/dispatchd/internal/domain"
	"github.com/redis/go-redis/v9"
)

// redisCoordinator implements Coordinator directly against Redis using
// the following key schema:
//
//	worker:{server_id}         hash{server_name, ready, clients_count, last_seen}        EX 30
//	worker:{server_id}:load    int                                                        EX 60
//	online_workers             set of server_id
//	lock:{name}                "1"                                                        NX EX ttl
//	task:{task_id}:progress    json                                                       EX ttl
type redisCoordinator struct {
	client *redis.Client
}

func newRedisCoordinator(addr, password string, db int) *redisCoordinator {
	return &redisCoordinator{
		client: redis.NewClient(&redis.Options{
			Addr:     addr,
			Password: password,
			DB:       db,
		}),
	}
}

func (r *redisCoordinator) ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *redisCoordinator) Mode() string { return "redis" }

func workerKey(id string) string     { return "worker:" + id }
func workerLoadKey(id string) string { return "worker:" + id + ":load" }
func lockKey(name string) string     { return "lock:" + name }
func progressKey(taskID string) string { return "task:" + taskID + ":progress" }

func (r *redisCoordinator) WorkerOnline(ctx context.Context, id string, info domain.WorkerInfo) error {
	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, workerKey(id), map[string]any{
		"server_name":   info.ServerName,
		"ready":         boolToStr(info.Ready),
		"clients_count": info.ClientsCount,
		"last_seen":     time.Now().Unix(),
	})
	pipe.Expire(ctx, workerKey(id), presenceTTL)
	pipe.SAdd(ctx, "online_workers", id)
	_, err := pipe.Exec(ctx)
	return err
}

func (r *redisCoordinator) UpdateHeartbeat(ctx context.Context, id string, clientsCount int) error {
	exists, err := r.client.Exists(ctx, workerKey(id)).Result()
	if err != nil {
		return err
	}
	if exists == 0 {
		// Presence already expired; heartbeat re-registers from scratch.
		return r.WorkerOnline(ctx, id, domain.WorkerInfo{ServerID: id, ClientsCount: clientsCount})
	}

	pipe := r.client.TxPipeline()
	pipe.HSet(ctx, workerKey(id), map[string]any{
		"clients_count": clientsCount,
		"last_seen":     time.Now().Unix(),
	})
	pipe.Expire(ctx, workerKey(id), presenceTTL)
	pipe.SAdd(ctx, "online_workers", id)
	_, err = pipe.Exec(ctx)
	return err
}

func (r *redisCoordinator) WorkerOffline(ctx context.Context, id string) error {
	pipe := r.client.TxPipeline()
	pipe.Del(ctx, workerKey(id))
	pipe.SRem(ctx, "online_workers", id)
	pipe.Del(ctx, workerLoadKey(id))
	_, err := pipe.Exec(ctx)
	return err
}

func (r *redisCoordinator) OnlineWorkers(ctx context.Context, readyOnly bool) ([]string, error) {
	ids, err := r.client.SMembers(ctx, "online_workers").Result()
	if err != nil {
		return nil, err
	}
	if !readyOnly {
		return ids, nil
	}

	ready := make([]string, 0, len(ids))
	pipe := r.client.Pipeline()
	cmds := make(map[string]*redis.StringCmd, len(ids))
	for _, id := range ids {
		cmds[id] = pipe.HGet(ctx, workerKey(id), "ready")
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}
	for id, cmd := range cmds {
		v, err := cmd.Result()
		if err == nil && isTruthy(v) {
			ready = append(ready, id)
		}
	}
	return ready, nil
}

func (r *redisCoordinator) WorkerInfo(ctx context.Context, id string) (*domain.WorkerInfo, error) {
	vals, err := r.client.HGetAll(ctx, workerKey(id)).Result()
	if err != nil {
		return nil, err
	}
	if len(vals) == 0 {
		return nil, nil
	}

	info := &domain.WorkerInfo{ServerID: id}
	info.ServerName = vals["server_name"]
	info.Ready = isTruthy(vals["ready"])
	if n, err := strconv.Atoi(vals["clients_count"]); err == nil {
		info.ClientsCount = n
	}
	if ts, err := strconv.ParseInt(vals["last_seen"], 10, 64); err == nil {
		info.LastSeen = time.Unix(ts, 0)
	}
	load, err := r.Load(ctx, id)
	if err == nil {
		info.Load = load
	}
	return info, nil
}

func (r *redisCoordinator) IncrLoad(ctx context.Context, id string, n int) (int, error) {
	pipe := r.client.TxPipeline()
	incr := pipe.IncrBy(ctx, workerLoadKey(id), int64(n))
	pipe.Expire(ctx, workerLoadKey(id), loadTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return int(incr.Val()), nil
}

func (r *redisCoordinator) DecrLoad(ctx context.Context, id string, n int) (int, error) {
	pipe := r.client.TxPipeline()
	decr := pipe.DecrBy(ctx, workerLoadKey(id), int64(n))
	pipe.Expire(ctx, workerLoadKey(id), loadTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	v := int(decr.Val())
	if v < 0 {
		if err := r.client.Set(ctx, workerLoadKey(id), 0, loadTTL).Err(); err != nil {
			return 0, err
		}
		v = 0
	}
	return v, nil
}

func (r *redisCoordinator) Load(ctx context.Context, id string) (int, error) {
	v, err := r.client.Get(ctx, workerLoadKey(id)).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	n, _ := strconv.Atoi(v)
	return n, nil
}

func (r *redisCoordinator) AcquireLease(ctx context.Context, name string, ttl time.Duration) (bool, error) {
	ok, err := r.client.SetNX(ctx, lockKey(name), "1", ttl).Result()
	if err != nil {
		return false, err
	}
	return ok, nil
}

func (r *redisCoordinator) ReleaseLease(ctx context.Context, name string) error {
	return r.client.Del(ctx, lockKey(name)).Err()
}

func (r *redisCoordinator) CacheTaskProgress(ctx context.Context, taskID string, payload []byte, ttl time.Duration) error {
	return r.client.Set(ctx, progressKey(taskID), payload, ttl).Err()
}

func (r *redisCoordinator) GetTaskProgress(ctx context.Context, taskID string) ([]byte, bool, error) {
	v, err := r.client.Get(ctx, progressKey(taskID)).Bytes()
	if err == redis.Nil {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	var probe json.RawMessage
	if err := json.Unmarshal(v, &probe); err != nil {
		return nil, false, fmt.Errorf("corrupt task progress cache entry for %s: %w", taskID, err)
	}
	return v, true, nil
}

func boolToStr(b bool) string {
	if b {
		return "1"
	}
	return "0"
}

func isTruthy(v string) bool {
	return v == "1" || v == "true" || v == "True"
}
