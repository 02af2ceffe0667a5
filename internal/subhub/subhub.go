// Package subhub implements the Subscriber Hub (SH): observer sockets
// that receive task progress, billing, server, and inbox pushes. Two
// indexes keep fan-out O(subscribers) rather than O(all observers):
// one keyed by user_id (an observer watching "everything for this
// user"), one keyed by task_id (an observer watching one task). A
// client not subscribed to a specific task_id but subscribed to the
// task's owning user still receives that task's updates — the
// user-level subscription is a fallback, not an alternative that
// excludes task-level ones.
package subhub

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adred-codev/dispatchd/internal/domain"
	"github.com/adred-codev/dispatchd/internal/eventbus"
	"github.com/adred-codev/dispatchd/internal/limits"
	"github.com/adred-codev/dispatchd/internal/store"
	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
	"github.com/rs/zerolog"
)

const (
	sendQueueSize  = 64
	writeTimeout   = 10 * time.Second
	pingInterval   = 20 * time.Second
	pongGrace      = 45 * time.Second
	maxSlowStrikes = 3
)

// TaskLookup resolves a task's owning user so subhub can decide whether
// a task-progress event also belongs to that user's fallback feed.
type TaskLookup interface {
	OwnerOf(ctx context.Context, taskID string) (string, error)
}

type Hub struct {
	logger  zerolog.Logger
	bus     *eventbus.Bus
	tasks   TaskLookup
	store   *store.Store
	limiter *limits.ClientLimiter

	byUser *subscriptionIndex
	byTask *subscriptionIndex

	mu      sync.RWMutex
	clients map[*Client]struct{}
}

func New(logger zerolog.Logger, bus *eventbus.Bus, tasks TaskLookup, st *store.Store, limiter *limits.ClientLimiter) *Hub {
	h := &Hub{
		logger:  logger.With().Str("component", "subhub").Logger(),
		bus:     bus,
		tasks:   tasks,
		store:   st,
		limiter: limiter,
		byUser:  newSubscriptionIndex(),
		byTask:  newSubscriptionIndex(),
		clients: make(map[*Client]struct{}),
	}
	h.listen()
	return h
}

// listen wires every event bus subject SH cares about to the matching
// broadcast, decoupling the billing/hub/dispatch producers from this
// package.
func (h *Hub) listen() {
	if h.bus == nil {
		return
	}
	h.subscribeTaskProgress()
	h.subscribeReports()
	h.subscribeServerList()
	h.subscribeServerUpdates()
	h.subscribeInbox()
}

func (h *Hub) subscribeTaskProgress() {
	sub, err := h.bus.Subscribe(eventbus.SubjectTaskProgress)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to subscribe to task progress events")
		return
	}
	go func() {
		for payload := range sub.C {
			var ev eventbus.TaskProgressEvent
			if err := json.Unmarshal(payload, &ev); err != nil {
				continue
			}
			h.broadcastTaskUpdate(context.Background(), TaskUpdatePayload{
				TaskID:    ev.TaskID,
				Status:    ev.Status,
				Counts:    ev.Counts,
				Result:    ev.Result,
				Credits:   ev.Credits,
				Completed: ev.Completed,
				TraceID:   ev.TraceID,
			})
		}
	}()
}

func (h *Hub) subscribeReports() {
	sub, err := h.bus.Subscribe(eventbus.SubjectReport)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to subscribe to report events")
		return
	}
	go func() {
		for payload := range sub.C {
			var ev eventbus.ReportEvent
			if err := json.Unmarshal(payload, &ev); err != nil || ev.Report == nil {
				continue
			}
			h.broadcastReport(ev.Report)
		}
	}()
}

func (h *Hub) subscribeServerList() {
	sub, err := h.bus.Subscribe(eventbus.SubjectServerList)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to subscribe to server list events")
		return
	}
	go func() {
		for payload := range sub.C {
			var ev eventbus.ServerListEvent
			if err := json.Unmarshal(payload, &ev); err != nil {
				continue
			}
			out, err := encode(KindServersListUpdate, ServersListUpdatePayload{Servers: ev.Servers})
			if err != nil {
				continue
			}
			h.broadcastAll(out)
		}
	}()
}

func (h *Hub) subscribeServerUpdates() {
	sub, err := h.bus.Subscribe(eventbus.SubjectServerUpdate)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to subscribe to server update events")
		return
	}
	go func() {
		for payload := range sub.C {
			var ev eventbus.ServerUpdateEvent
			if err := json.Unmarshal(payload, &ev); err != nil || ev.Server == nil {
				continue
			}
			out, err := encode(KindServerUpdate, ServerUpdatePayload{Server: ev.Server})
			if err != nil {
				continue
			}
			h.broadcastAll(out)
		}
	}()
}

func (h *Hub) subscribeInbox() {
	sub, err := h.bus.Subscribe(eventbus.SubjectInbox)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to subscribe to inbox events")
		return
	}
	go func() {
		for payload := range sub.C {
			var ev eventbus.InboxEvent
			if err := json.Unmarshal(payload, &ev); err != nil || ev.UserID == "" {
				continue
			}
			out, err := encode(KindInboxUpdate, InboxUpdatePayload{UserID: ev.UserID, Message: ev.Message})
			if err != nil {
				continue
			}
			h.deliverToUser(ev.UserID, out)
		}
	}()
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		h.logger.Warn().Err(err).Msg("observer upgrade failed")
		return
	}

	c := &Client{
		hub:     h,
		conn:    conn,
		send:    make(chan []byte, sendQueueSize),
		ip:      remoteIP(r),
		userIDs: make(map[string]struct{}),
		taskIDs: make(map[string]struct{}),
	}
	h.mu.Lock()
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go c.writePump()
	go c.readPump()
}

func remoteIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func (h *Hub) subscribeUser(c *Client, userID string) {
	h.byUser.Add(userID, c)
	c.mu.Lock()
	c.userIDs[userID] = struct{}{}
	c.mu.Unlock()
}

func (h *Hub) subscribeTask(c *Client, taskID string) {
	h.byTask.Add(taskID, c)
	c.mu.Lock()
	c.taskIDs[taskID] = struct{}{}
	c.mu.Unlock()
}

func (h *Hub) unsubscribeTask(c *Client, taskID string) {
	h.byTask.Remove(taskID, c)
	c.mu.Lock()
	delete(c.taskIDs, taskID)
	c.mu.Unlock()
}

func (h *Hub) forget(c *Client) {
	c.mu.Lock()
	users := keysOf(c.userIDs)
	tasks := keysOf(c.taskIDs)
	c.mu.Unlock()

	h.byUser.RemoveFromAll(c, users)
	h.byTask.RemoveFromAll(c, tasks)

	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()

	if h.limiter != nil {
		h.limiter.Forget(c.ip)
	}
}

func keysOf(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

// broadcastTaskUpdate delivers a task's settled view to every client
// subscribed to that task_id, plus every client subscribed to the
// task's owning user that isn't already receiving it via the task_id
// subscription (the fallback rule from the package doc).
func (h *Hub) broadcastTaskUpdate(ctx context.Context, p TaskUpdatePayload) {
	payload, err := encode(KindTaskUpdate, p)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to encode task update")
		return
	}

	seen := make(map[*Client]struct{})
	for _, c := range h.byTask.Get(p.TaskID) {
		seen[c] = struct{}{}
		h.deliver(c, payload)
	}

	if h.tasks == nil {
		return
	}
	owner, err := h.tasks.OwnerOf(ctx, p.TaskID)
	if err != nil || owner == "" {
		return
	}
	for _, c := range h.byUser.Get(owner) {
		if _, already := seen[c]; already {
			continue
		}
		h.deliver(c, payload)
	}
}

// broadcastReport fans a settled shard report out to its owning user as
// a balance_update plus a usage_update, the pair an observer needs to
// render a live ledger without a second query.
func (h *Hub) broadcastReport(rep *domain.Report) {
	if rep.UserID == "" {
		return
	}
	balance, err := encode(KindBalanceUpdate, BalanceUpdatePayload{UserID: rep.UserID, Credits: rep.NewCredits})
	if err == nil {
		h.deliverToUser(rep.UserID, balance)
	}
	usage, err := encode(KindUsageUpdate, UsageUpdatePayload{
		UserID:     rep.UserID,
		ShardID:    rep.ShardID,
		ServerID:   rep.ServerID,
		Success:    rep.Success,
		Fail:       rep.Fail,
		Sent:       rep.Sent,
		Amount:     -rep.Credits,
		NewCredits: rep.NewCredits,
	})
	if err == nil {
		h.deliverToUser(rep.UserID, usage)
	}
}

func (h *Hub) deliverToUser(userID string, payload []byte) {
	for _, c := range h.byUser.Get(userID) {
		h.deliver(c, payload)
	}
}

func (h *Hub) broadcastAll(payload []byte) {
	h.mu.RLock()
	clients := make([]*Client, 0, len(h.clients))
	for c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.RUnlock()
	for _, c := range clients {
		h.deliver(c, payload)
	}
}

func (h *Hub) deliver(c *Client, payload []byte) {
	select {
	case c.send <- payload:
		atomic.StoreInt32(&c.slowStrikes, 0)
	default:
		strikes := atomic.AddInt32(&c.slowStrikes, 1)
		if strikes >= maxSlowStrikes {
			h.logger.Warn().Msg("observer send queue full for too many consecutive broadcasts, disconnecting")
			c.close()
		}
	}
}

// Client is one observer's connection.
type Client struct {
	hub  *Hub
	conn net.Conn
	send chan []byte
	ip   string

	mu      sync.Mutex
	userIDs map[string]struct{}
	taskIDs map[string]struct{}

	slowStrikes int32
	closeOnce   bool
}

func (c *Client) readPump() {
	defer c.shutdown()
	_ = c.conn.SetReadDeadline(time.Now().Add(pongGrace))

	for {
		data, op, err := wsutil.ReadClientData(c.conn)
		if err != nil {
			return
		}
		switch op {
		case ws.OpClose:
			return
		case ws.OpPing:
			_ = wsutil.WriteServerMessage(c.conn, ws.OpPong, nil)
			continue
		case ws.OpText, ws.OpBinary:
			_ = c.conn.SetReadDeadline(time.Now().Add(pongGrace))
			c.handleMessage(data)
		}
	}
}

func (c *Client) handleMessage(data []byte) {
	if c.hub.limiter != nil && !c.hub.limiter.Allow(c.ip) {
		c.hub.logger.Warn().Str("ip", c.ip).Msg("observer message rate exceeded")
		return
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return
	}

	switch env.Type {
	case KindSubscribeUser:
		var p SubscribeUserPayload
		if err := json.Unmarshal(env.Data, &p); err == nil {
			c.hub.subscribeUser(c, p.UserID)
		}

	case KindSubscribeTask:
		var p SubscribeTaskPayload
		if err := json.Unmarshal(env.Data, &p); err == nil {
			c.hub.subscribeTask(c, p.TaskID)
			c.sendSnapshot(p.TaskID)
		}

	case KindUnsubscribeTask:
		var p SubscribeTaskPayload
		if err := json.Unmarshal(env.Data, &p); err == nil {
			c.hub.unsubscribeTask(c, p.TaskID)
		}

	case KindGetServers:
		c.sendServerList()

	case KindPing:
		payload, _ := encode(KindPong, struct{}{})
		c.enqueue(payload)
	}
}

// sendSnapshot pushes the current state immediately on subscribe_task
// rather than waiting for the next event, so a client that subscribes
// to an already-finished task still sees its terminal state instead of
// waiting indefinitely for an update that will never come.
func (c *Client) sendSnapshot(taskID string) {
	if c.hub.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()

	task, err := c.hub.store.GetTask(ctx, taskID)
	if err != nil {
		return
	}
	counts, err := c.hub.store.ShardCounts(ctx, c.hub.store.DB(), taskID)
	if err != nil {
		return
	}
	result, err := c.hub.store.ReportAggregate(ctx, c.hub.store.DB(), taskID)
	if err != nil {
		return
	}

	payload, err := encode(KindTaskUpdate, TaskUpdatePayload{
		TaskID:    taskID,
		Status:    task.Status,
		Counts:    counts,
		Result:    result,
		Completed: counts.Pending == 0 && counts.Running == 0,
	})
	if err != nil {
		return
	}
	c.enqueue(payload)
}

func (c *Client) sendServerList() {
	if c.hub.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	servers, err := c.hub.store.ListServers(ctx)
	if err != nil {
		return
	}
	payload, err := encode(KindServersListUpdate, ServersListUpdatePayload{Servers: servers})
	if err != nil {
		return
	}
	c.enqueue(payload)
}

func (c *Client) enqueue(payload []byte) {
	select {
	case c.send <- payload:
	default:
	}
}

func (c *Client) writePump() {
	w := bufio.NewWriter(c.conn)
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	defer c.shutdown()

	for {
		select {
		case payload, ok := <-c.send:
			if !ok {
				return
			}
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := wsutil.WriteServerMessage(w, ws.OpText, payload); err != nil {
				return
			}
			if err := w.Flush(); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := wsutil.WriteServerMessage(w, ws.OpPing, nil); err != nil {
				return
			}
			_ = w.Flush()
		}
	}
}

func (c *Client) close() {
	_ = c.conn.SetWriteDeadline(time.Now())
	_ = wsutil.WriteServerMessage(c.conn, ws.OpClose, ws.NewCloseFrameBody(ws.StatusPolicyViolation, "slow consumer"))
	_ = c.conn.Close()
}

func (c *Client) shutdown() {
	if c.closeOnce {
		return
	}
	c.closeOnce = true
	c.hub.forget(c)
	_ = c.conn.Close()
}
