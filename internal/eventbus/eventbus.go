// Package eventbus decouples the Result & Billing Pipeline and the
// Worker Channel Hub, which produce state changes, from the Subscriber
// Hub, which fans them out to observers. A thin NATS wrapper gives the
// in-process pub/sub a transport that could be split across processes
// later without touching caller code.
package eventbus

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/adred-codev/dispatchd/internal/domain"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog"
)

const (
	SubjectTaskProgress = "dispatchd.task.progress"
	SubjectReport       = "dispatchd.report"
	SubjectServerList   = "dispatchd.servers"
	SubjectServerUpdate = "dispatchd.servers.update"
	SubjectInbox        = "dispatchd.inbox"
)

// TaskProgressEvent is the payload published whenever a task's state
// changes, consumed by SH and rendered to observers as a task_update.
// It carries the full settled view, not just the shard counts, so a
// subscriber never has to cross-reference a separate report feed to
// learn what changed.
type TaskProgressEvent struct {
	TaskID    string             `json:"task_id"`
	Status    domain.TaskStatus  `json:"status"`
	Counts    domain.ShardCounts `json:"counts"`
	Result    domain.ShardResult `json:"result"`
	Credits   float64            `json:"credits"`
	Completed bool               `json:"completed"`
	TraceID   string             `json:"trace_id,omitempty"`
}

// ReportEvent wraps a single shard's settled result, consumed by SH to
// fan out balance_update/usage_update to the report's owning user.
type ReportEvent struct {
	Report *domain.Report `json:"report"`
}

// ServerListEvent carries a refreshed worker roster snapshot.
type ServerListEvent struct {
	Servers []*domain.Server `json:"servers"`
}

// ServerUpdateEvent carries one server's state delta, cheaper to fan
// out than a full roster refresh on every readiness flip or heartbeat.
type ServerUpdateEvent struct {
	Server *domain.Server `json:"server"`
}

// InboxEvent carries an out-of-band message pushed to one user's inbox.
type InboxEvent struct {
	UserID  string `json:"user_id"`
	Message string `json:"message"`
}

// Bus is a process-local or NATS-backed publish layer. When no NATS
// URL is configured it falls back to an in-process fan-out so a single
// binary deployment never needs an external broker.
type Bus struct {
	logger zerolog.Logger
	nc     *nats.Conn

	mu    sync.Mutex
	local map[string][]chan []byte
}

// Connect dials NATS if natsURL is non-empty; an empty URL runs the bus
// entirely in-process.
func Connect(natsURL string, logger zerolog.Logger) (*Bus, error) {
	b := &Bus{logger: logger, local: make(map[string][]chan []byte)}
	if natsURL == "" {
		logger.Info().Msg("no NATS_URL configured, eventbus running in-process")
		return b, nil
	}

	nc, err := nats.Connect(natsURL, nats.Name("dispatchd"), nats.MaxReconnects(-1))
	if err != nil {
		return nil, fmt.Errorf("eventbus: connect: %w", err)
	}
	b.nc = nc
	logger.Info().Str("url", natsURL).Msg("eventbus connected to nats")
	return b, nil
}

func (b *Bus) Close() {
	if b.nc != nil {
		b.nc.Close()
	}
}

func (b *Bus) publish(subject string, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		b.logger.Error().Err(err).Str("subject", subject).Msg("failed to marshal event")
		return
	}
	if b.nc != nil {
		if err := b.nc.Publish(subject, payload); err != nil {
			b.logger.Warn().Err(err).Str("subject", subject).Msg("nats publish failed")
		}
		return
	}
	b.mu.Lock()
	subs := append([]chan []byte(nil), b.local[subject]...)
	b.mu.Unlock()
	for _, ch := range subs {
		select {
		case ch <- payload:
		default:
			b.logger.Warn().Str("subject", subject).Msg("local subscriber channel full, dropping event")
		}
	}
}

func (b *Bus) PublishTaskProgress(taskID string, status domain.TaskStatus, counts domain.ShardCounts, result domain.ShardResult, credits float64, completed bool, traceID string) {
	b.publish(SubjectTaskProgress, TaskProgressEvent{
		TaskID: taskID, Status: status, Counts: counts, Result: result,
		Credits: credits, Completed: completed, TraceID: traceID,
	})
}

func (b *Bus) PublishReport(rep *domain.Report) {
	b.publish(SubjectReport, ReportEvent{Report: rep})
}

func (b *Bus) PublishServerList(servers []*domain.Server) {
	b.publish(SubjectServerList, ServerListEvent{Servers: servers})
}

func (b *Bus) PublishServerUpdate(srv *domain.Server) {
	b.publish(SubjectServerUpdate, ServerUpdateEvent{Server: srv})
}

func (b *Bus) PublishInbox(userID, message string) {
	b.publish(SubjectInbox, InboxEvent{UserID: userID, Message: message})
}

// Subscription hands the caller a channel of raw JSON payloads and an
// unsubscribe func. Bus only deals in raw JSON; decoding each payload
// is left to the caller.
type Subscription struct {
	C      <-chan []byte
	Cancel func()
}

// Subscribe returns a channel receiving raw JSON payloads for subject.
func (b *Bus) Subscribe(subject string) (*Subscription, error) {
	if b.nc != nil {
		ch := make(chan []byte, 64)
		sub, err := b.nc.Subscribe(subject, func(msg *nats.Msg) {
			select {
			case ch <- msg.Data:
			default:
				b.logger.Warn().Str("subject", subject).Msg("nats subscriber channel full, dropping event")
			}
		})
		if err != nil {
			return nil, fmt.Errorf("eventbus: subscribe: %w", err)
		}
		return &Subscription{C: ch, Cancel: func() { _ = sub.Unsubscribe(); close(ch) }}, nil
	}

	ch := make(chan []byte, 64)
	b.mu.Lock()
	b.local[subject] = append(b.local[subject], ch)
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		chans := b.local[subject]
		for i, c := range chans {
			if c == ch {
				b.local[subject] = append(chans[:i], chans[i+1:]...)
				break
			}
		}
		b.mu.Unlock()
		close(ch)
	}
	return &Subscription{C: ch, Cancel: cancel}, nil
}
