package hub

import (
	"bufio"
	"context"
	"encoding/json"
	"net"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"
)

// Client is one worker's connection: a read goroutine parsing incoming
// frames and dispatching by message kind, and a write goroutine
// draining the send channel so a slow worker never blocks the hub's
// push path.
type Client struct {
	hub  *Hub
	conn net.Conn
	send chan []byte
	ip   string

	serverID     string
	serverName   string
	serverURL    string
	ready        bool
	clientsCount int

	closeOnce bool
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
		c.hub.logger.Warn().Str("ip", c.ip).Str("server_id", c.serverID).Msg("worker message rate exceeded")
		return
	}

	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.hub.logger.Warn().Err(err).Str("server_id", c.serverID).Msg("malformed worker message")
		return
	}

	switch env.Type {
	case KindRegister:
		var p RegisterPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return
		}
		c.hub.register(c, p)
		_ = c.sendEnvelope(KindRegistered, RegisteredPayload{ServerID: p.ServerID})

	case KindReady:
		var p ReadyPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return
		}
		c.hub.setReady(c, p.Ready)
		_ = c.sendEnvelope(KindReadyAck, ReadyAckPayload{Ready: p.Ready})

	case KindHeartbeat:
		var p HeartbeatPayload
		_ = json.Unmarshal(env.Data, &p)
		c.hub.heartbeat(c, p.ClientsCount)
		_ = c.sendEnvelope(KindHeartbeatAck, HeartbeatAckPayload{ClientsCount: p.ClientsCount})

	case KindShardRunAck:
		var p ShardRunAckPayload
		if err := json.Unmarshal(env.Data, &p); err == nil && !p.Ok {
			c.hub.logger.Warn().Str("server_id", c.serverID).Str("shard_id", p.ShardID).
				Str("reason", p.Reason).Msg("worker rejected shard assignment")
		}

	case KindShardResult:
		var p ShardResultPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		deducted, err := c.hub.results.HandleShardResult(ctx, c.serverID, p)
		ack := ShardResultAckPayload{ShardID: p.ShardID, Ok: err == nil, Deducted: deducted}
		if err != nil {
			c.hub.logger.Error().Err(err).Str("shard_id", p.ShardID).Msg("shard result handling failed")
			ack.Reason = err.Error()
		}
		_ = c.sendEnvelope(KindShardResultAck, ack)

	case KindPing:
		_ = c.sendEnvelope(KindPong, struct{}{})

	default:
		c.hub.logger.Warn().Str("type", env.Type).Msg("unrecognized worker message type")
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

func (c *Client) sendEnvelope(kind string, data any) error {
	payload, err := encode(kind, data)
	if err != nil {
		return err
	}
	select {
	case c.send <- payload:
		return nil
	default:
		return errUnknownKind
	}
}

func (c *Client) close(reason string) {
	c.hub.logger.Info().Str("server_id", c.serverID).Str("reason", reason).Msg("closing worker connection")
	_ = c.conn.Close()
}

func (c *Client) shutdown() {
	if c.closeOnce {
		return
	}
	c.closeOnce = true
	c.hub.unregister(c)
	_ = c.conn.Close()
	if c.hub.guard != nil {
		c.hub.guard.Release()
	}
}
