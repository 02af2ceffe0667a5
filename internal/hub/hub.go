// Package hub implements the Worker Channel Hub (WCH): the registry of
// connected worker sockets, presence bookkeeping against the
// coordinator, and the push path that hands a shard to a specific
// worker's send queue.
package hub

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/adred-codev/dispatchd/internal/cache"
	"github.com/adred-codev/dispatchd/internal/domain"
	"github.com/adred-codev/dispatchd/internal/limits"
	"github.com/gobwas/ws"
	"github.com/rs/zerolog"
)

// Bus is the narrow slice of internal/eventbus the hub uses to announce
// a worker coming online, changing readiness, or disconnecting, so SH
// can push servers_list_update/server_update to observers without the
// hub importing the subscriber package.
type Bus interface {
	PublishServerList(servers []*domain.Server)
	PublishServerUpdate(srv *domain.Server)
}

const (
	sendQueueSize = 64
	writeTimeout  = 10 * time.Second
	pingInterval  = 20 * time.Second
	pongGrace     = 45 * time.Second
)

// ResultHandler receives a completed shard_result for billing. Hub
// itself knows nothing about rates or credits; it only parses the wire
// message and hands it off. The returned bool reports whether this
// call performed a fresh debit, echoed back on shard_result_ack.
type ResultHandler interface {
	HandleShardResult(ctx context.Context, serverID string, p ShardResultPayload) (bool, error)
}

type Hub struct {
	logger  zerolog.Logger
	cc      cache.Coordinator
	results ResultHandler
	guard   *limits.ConnGuard
	bus     Bus
	limiter *limits.ClientLimiter

	mu      sync.RWMutex
	clients map[string]*Client
}

func New(logger zerolog.Logger, cc cache.Coordinator, results ResultHandler, guard *limits.ConnGuard, bus Bus, limiter *limits.ClientLimiter) *Hub {
	return &Hub{
		logger:  logger.With().Str("component", "hub").Logger(),
		cc:      cc,
		results: results,
		guard:   guard,
		bus:     bus,
		limiter: limiter,
		clients: make(map[string]*Client),
	}
}

// ServeHTTP upgrades an incoming worker connection. Admission control
// (connection-slot guard) runs before the handshake, matching the
// teacher's admit-before-upgrade ordering: a rejected connection never
// ties up a goroutine or a socket.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.guard != nil && !h.guard.TryAcquire() {
		http.Error(w, "server busy", http.StatusServiceUnavailable)
		return
	}

	conn, _, _, err := ws.UpgradeHTTP(r, w)
	if err != nil {
		if h.guard != nil {
			h.guard.Release()
		}
		h.logger.Warn().Err(err).Msg("worker upgrade failed")
		return
	}

	c := &Client{
		hub:  h,
		conn: conn,
		send: make(chan []byte, sendQueueSize),
		ip:   remoteIP(r),
	}
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

func (h *Hub) register(c *Client, p RegisterPayload) {
	h.mu.Lock()
	if old, ok := h.clients[p.ServerID]; ok {
		old.close("superseded by new registration")
	}
	c.serverID = p.ServerID
	c.serverName = p.ServerName
	c.serverURL = p.ServerURL
	h.clients[p.ServerID] = c
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.cc.WorkerOnline(ctx, p.ServerID, domain.WorkerInfo{
		ServerID:   p.ServerID,
		ServerName: p.ServerName,
		Ready:      false,
	}); err != nil {
		h.logger.Warn().Err(err).Str("server_id", p.ServerID).Msg("failed to record worker presence")
	}

	h.publishServerUpdate(c)
	h.publishServerList()
}

func (h *Hub) unregister(c *Client) {
	if c.serverID == "" {
		return
	}
	h.mu.Lock()
	if cur, ok := h.clients[c.serverID]; ok && cur == c {
		delete(h.clients, c.serverID)
	}
	h.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.cc.WorkerOffline(ctx, c.serverID); err != nil {
		h.logger.Warn().Err(err).Str("server_id", c.serverID).Msg("failed to clear worker presence")
	}
	if h.limiter != nil {
		h.limiter.Forget(c.ip)
	}

	h.publishServerList()
}

func (h *Hub) setReady(c *Client, ready bool) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c.ready = ready
	if err := h.cc.WorkerOnline(ctx, c.serverID, domain.WorkerInfo{
		ServerID:   c.serverID,
		ServerName: c.serverName,
		Ready:      ready,
	}); err != nil {
		h.logger.Warn().Err(err).Str("server_id", c.serverID).Msg("failed to update worker readiness")
	}

	h.publishServerUpdate(c)
	h.publishServerList()
}

func (h *Hub) heartbeat(c *Client, clientsCount int) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	c.clientsCount = clientsCount
	if err := h.cc.UpdateHeartbeat(ctx, c.serverID, clientsCount); err != nil {
		h.logger.Warn().Err(err).Str("server_id", c.serverID).Msg("heartbeat update failed")
	}
}

// publishServerUpdate fans out a single server's current state, cheaper
// than a full roster refresh on every readiness flip or heartbeat.
func (h *Hub) publishServerUpdate(c *Client) {
	if h.bus == nil {
		return
	}
	h.bus.PublishServerUpdate(clientToServer(c))
}

// publishServerList rebuilds the roster purely from the hub's own
// connected-client table and fans it out as a servers_list_update. No
// store dependency is needed: register/ready/heartbeat already keep
// every field a snapshot needs on the Client itself.
func (h *Hub) publishServerList() {
	if h.bus == nil {
		return
	}
	h.mu.RLock()
	servers := make([]*domain.Server, 0, len(h.clients))
	for _, c := range h.clients {
		servers = append(servers, clientToServer(c))
	}
	h.mu.RUnlock()
	h.bus.PublishServerList(servers)
}

func clientToServer(c *Client) *domain.Server {
	status := domain.ServerConnected
	if c.ready {
		status = domain.ServerAvailable
	}
	return &domain.Server{
		ServerID:     c.serverID,
		ServerName:   c.serverName,
		ServerURL:    c.serverURL,
		ClientsCount: c.clientsCount,
		Status:       status,
		LastSeen:     nowFunc(),
	}
}

// Push enqueues a shard assignment on serverID's send channel. It
// returns false if the worker is not currently connected or its queue
// is full, in which case the caller (SD) should reassign the shard.
func (h *Hub) Push(shard ShardAssignPayload, serverID string) bool {
	h.mu.RLock()
	c, ok := h.clients[serverID]
	h.mu.RUnlock()
	if !ok {
		return false
	}

	payload, err := encode(KindShardAssign, shard)
	if err != nil {
		h.logger.Error().Err(err).Msg("failed to encode shard assignment")
		return false
	}

	select {
	case c.send <- payload:
		return true
	default:
		h.logger.Warn().Str("server_id", serverID).Msg("worker send queue full, dropping push")
		return false
	}
}

// Connected reports whether serverID currently has a live socket,
// independent of the coordinator's presence TTL (used by SD to avoid
// pushing to a worker whose socket died but whose Redis key hasn't
// expired yet).
func (h *Hub) Connected(serverID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[serverID]
	return ok
}

func (h *Hub) ConnectionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

var errUnknownKind = fmt.Errorf("hub: unknown message kind")
