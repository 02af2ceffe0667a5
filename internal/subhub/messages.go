package subhub

import (
	"encoding/json"

	"github.com/adred-codev/dispatchd/internal/domain"
)

const (
	KindSubscribeUser   = "subscribe_user"
	KindSubscribeTask   = "subscribe_task"
	KindUnsubscribeTask = "unsubscribe_task"
	KindGetServers      = "get_servers"
	KindPing            = "ping"

	KindTaskUpdate        = "task_update"
	KindBalanceUpdate     = "balance_update"
	KindUsageUpdate       = "usage_update"
	KindInboxUpdate       = "inbox_update"
	KindServerUpdate      = "server_update"
	KindServersListUpdate = "servers_list_update"
	KindPong              = "pong"
)

type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

type SubscribeUserPayload struct {
	UserID string `json:"user_id"`
}

type SubscribeTaskPayload struct {
	TaskID string `json:"task_id"`
}

// TaskUpdatePayload is the settled view of a task pushed on every
// progress event and on subscribe_task snapshot: shard counts plus the
// success/fail/sent totals summed over every report for the task.
type TaskUpdatePayload struct {
	TaskID    string             `json:"task_id"`
	Status    domain.TaskStatus  `json:"status"`
	Counts    domain.ShardCounts `json:"counts"`
	Result    domain.ShardResult `json:"result"`
	Credits   float64            `json:"credits"`
	Completed bool               `json:"completed"`
	TraceID   string             `json:"trace_id,omitempty"`
}

// BalanceUpdatePayload carries a user's new balance after a debit or a
// manual adjustment.
type BalanceUpdatePayload struct {
	UserID  string  `json:"user_id"`
	Credits float64 `json:"credits"`
}

// UsageUpdatePayload mirrors one usage-log entry, pushed alongside
// balance_update so a client can render a running ledger without
// polling the usage endpoint.
type UsageUpdatePayload struct {
	UserID     string  `json:"user_id"`
	ShardID    string  `json:"shard_id,omitempty"`
	ServerID   string  `json:"server_id,omitempty"`
	Success    int     `json:"success"`
	Fail       int     `json:"fail"`
	Sent       int     `json:"sent"`
	Amount     float64 `json:"amount"`
	NewCredits float64 `json:"new_credits"`
}

// InboxUpdatePayload carries an out-of-band message pushed to a user.
type InboxUpdatePayload struct {
	UserID  string `json:"user_id"`
	Message string `json:"message"`
}

// ServerUpdatePayload carries one server's state delta.
type ServerUpdatePayload struct {
	Server *domain.Server `json:"server"`
}

// ServersListUpdatePayload carries a full worker roster snapshot,
// returned for get_servers and pushed on every register/ready/
// disconnect transition.
type ServersListUpdatePayload struct {
	Servers []*domain.Server `json:"servers"`
}

func encode(kind string, data any) ([]byte, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return nil, err
	}
	return json.Marshal(Envelope{Type: kind, Data: raw})
}
