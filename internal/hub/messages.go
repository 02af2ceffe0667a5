package hub

import (
	"encoding/json"
	"time"

	"github.com/adred-codev/dispatchd/internal/domain"
)

// Message kinds exchanged between a worker and the hub.
// Worker -> hub: Register, Ready, Heartbeat, ShardResult, ShardRunAck.
// Hub -> worker: ShardAssign, Pong, and an ack for each of the first
// four worker messages above.
const (
	KindRegister    = "register"
	KindReady       = "ready"
	KindHeartbeat   = "heartbeat"
	KindShardResult = "shard_result"
	KindShardRunAck = "shard_run_ack"
	KindPing        = "ping"

	KindShardAssign    = "shard_assign"
	KindPong           = "pong"
	KindError          = "error"
	KindRegistered     = "registered"
	KindReadyAck       = "ready_ack"
	KindHeartbeatAck   = "heartbeat_ack"
	KindShardResultAck = "shard_result_ack"
)

// Envelope is the wire shape for every message in either direction; Data
// is dispatched to a kind-specific struct by the handler.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type RegisterPayload struct {
	ServerID   string `json:"server_id"`
	ServerName string `json:"server_name"`
	ServerURL  string `json:"server_url"`
}

type ReadyPayload struct {
	Ready bool `json:"ready"`
}

type HeartbeatPayload struct {
	ClientsCount int `json:"clients_count"`
}

type ShardResultPayload struct {
	ShardID string               `json:"shard_id"`
	Success int                  `json:"success"`
	Fail    int                  `json:"fail"`
	Sent    int                  `json:"sent"`
	Failed  []domain.FailedPhone `json:"failed,omitempty"`
}

type ShardRunAckPayload struct {
	ShardID string `json:"shard_id"`
	Ok      bool   `json:"ok"`
	Reason  string `json:"reason,omitempty"`
}

type ShardAssignPayload struct {
	ShardID string   `json:"shard_id"`
	TaskID  string   `json:"task_id"`
	UserID  string   `json:"user_id"`
	TraceID string   `json:"trace_id"`
	Message string   `json:"message"`
	Phones  []string `json:"phones"`
}

// RegisteredPayload acks a register message once the worker has been
// added to the hub's client table and recorded present in CC.
type RegisteredPayload struct {
	ServerID string `json:"server_id"`
}

// ReadyAckPayload acks a ready message, echoing back the state CC now
// holds for this worker.
type ReadyAckPayload struct {
	Ready bool `json:"ready"`
}

// HeartbeatAckPayload acks a heartbeat, letting a worker detect a
// silently-dropped connection (no ack within its heartbeat interval)
// before the coordinator's presence TTL would.
type HeartbeatAckPayload struct {
	ClientsCount int `json:"clients_count"`
}

// ShardResultAckPayload acks a shard_result. Deducted distinguishes a
// fresh debit from a replayed report that hit the idempotency gate, so
// a worker retrying after a dropped ack can tell the two apart.
type ShardResultAckPayload struct {
	ShardID  string `json:"shard_id"`
	Ok       bool   `json:"ok"`
	Deducted bool   `json:"deducted"`
	Reason   string `json:"reason,omitempty"`
}

func encode(kind string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: kind, Data: raw})
}

// timestamp helper kept distinct from json encoding so tests can stub it.
var nowFunc = time.Now
