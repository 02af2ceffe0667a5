// Package audit records security- and billing-relevant events
// (credit adjustments, rate overrides, worker registration/eviction)
// to a structured log sink with an optional alert hook for events that
// warrant paging rather than just logging.
package audit

import (
	"github.com/rs/zerolog"
)

type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alerter is notified of Critical-severity events only. A no-op
// implementation is fine for deployments with no paging integration.
type Alerter interface {
	Alert(event string, fields map[string]any)
}

type NoopAlerter struct{}

func (NoopAlerter) Alert(string, map[string]any) {}

type Logger struct {
	log     zerolog.Logger
	alerter Alerter
}

func New(log zerolog.Logger, alerter Alerter) *Logger {
	if alerter == nil {
		alerter = NoopAlerter{}
	}
	return &Logger{log: log.With().Str("component", "audit").Logger(), alerter: alerter}
}

func (l *Logger) Record(severity Severity, event string, fields map[string]any) {
	ev := l.log.Info()
	switch severity {
	case SeverityWarning:
		ev = l.log.Warn()
	case SeverityCritical:
		ev = l.log.Error()
	}
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	ev.Str("event", event).Msg("audit")

	if severity == SeverityCritical {
		l.alerter.Alert(event, fields)
	}
}

func (l *Logger) CreditAdjusted(userID, shardID string, delta, newBalance float64) {
	l.Record(SeverityInfo, "credit_adjusted", map[string]any{
		"user_id": userID, "shard_id": shardID, "delta": delta, "new_balance": newBalance,
	})
}

func (l *Logger) DuplicateShardReport(shardID, serverID string) {
	l.Record(SeverityWarning, "duplicate_shard_report", map[string]any{
		"shard_id": shardID, "server_id": serverID,
	})
}

func (l *Logger) RateOverride(userID, setBy string, send, fail float64) {
	l.Record(SeverityWarning, "rate_override", map[string]any{
		"user_id": userID, "set_by": setBy, "send": send, "fail": fail,
	})
}

func (l *Logger) WorkerEvicted(serverID, reason string) {
	l.Record(SeverityWarning, "worker_evicted", map[string]any{
		"server_id": serverID, "reason": reason,
	})
}

func (l *Logger) InsufficientCredits(userID string, balance, required float64) {
	l.Record(SeverityCritical, "insufficient_credits", map[string]any{
		"user_id": userID, "balance": balance, "required": required,
	})
}
