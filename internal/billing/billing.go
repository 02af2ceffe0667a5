// Package billing implements the Result & Billing Pipeline (RBP): the
// single place a shard result becomes a durable report and a credit
// adjustment. The at-most-once debit guarantee rests entirely on the
// reports.shard_id primary key - a worker that redelivers the same
// shard result (after a dropped ack, a reconnect, a retry) hits a
// unique-constraint violation instead of a second charge.
package billing

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/adred-codev/dispatchd/internal/audit"
	"github.com/adred-codev/dispatchd/internal/domain"
	"github.com/adred-codev/dispatchd/internal/hub"
	"github.com/adred-codev/dispatchd/internal/store"
)

// RatesResolver is the narrow slice of internal/rates that billing
// depends on.
type RatesResolver interface {
	Resolve(ctx context.Context, userID string) (domain.Rates, error)
}

// Publisher is the narrow slice of internal/eventbus billing uses to
// announce a report, decoupling it from the transport fan-out in SH.
// The parameters are declared individually rather than as a struct so
// that *eventbus.Bus's identically-shaped method continues to satisfy
// this interface without either package importing the other's types.
type Publisher interface {
	PublishTaskProgress(taskID string, status domain.TaskStatus, counts domain.ShardCounts, result domain.ShardResult, credits float64, completed bool, traceID string)
	PublishReport(rep *domain.Report)
}

type Pipeline struct {
	store *store.Store
	rates RatesResolver
	bus   Publisher
	audit *audit.Logger
}

func New(st *store.Store, rates RatesResolver, bus Publisher, auditLog *audit.Logger) *Pipeline {
	return &Pipeline{store: st, rates: rates, bus: bus, audit: auditLog}
}

// Input is the worker-reported shard_result payload, already decoded
// and schema-validated by the caller.
type Input struct {
	ShardID  string
	ServerID string
	Success  int
	Fail     int
	Sent     int
	Failed   []domain.FailedPhone
}

// ErrDuplicate is returned when the shard was already reported; callers
// should ack the worker and move on rather than retry.
var ErrDuplicate = store.ErrAlreadyReported

// Report runs the full idempotent-debit transaction: look up the
// owning shard and task, resolve rates, insert the report row (the
// idempotency gate), mark the shard done, and adjust the user's
// credits — all inside one transaction so a crash between steps never
// leaves a report without a matching credit adjustment or vice versa.
func (p *Pipeline) Report(ctx context.Context, in Input) (*domain.Report, error) {
	sh, err := p.store.GetShard(ctx, in.ShardID)
	if err != nil {
		return nil, fmt.Errorf("billing: load shard %s: %w", in.ShardID, err)
	}
	task, err := p.store.GetTask(ctx, sh.TaskID)
	if err != nil {
		return nil, fmt.Errorf("billing: load task %s: %w", sh.TaskID, err)
	}

	rr, err := p.rates.Resolve(ctx, task.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("billing: resolve rates for %s: %w", task.OwnerID, err)
	}
	credits := float64(in.Success)*rr.Send + float64(in.Fail)*rr.Fail

	rep := &domain.Report{
		ShardID:  in.ShardID,
		ServerID: in.ServerID,
		UserID:   task.OwnerID,
		Success:  in.Success,
		Fail:     in.Fail,
		Sent:     in.Sent,
		Credits:  credits,
		Failed:   in.Failed,
		TraceID:  sh.TraceID,
		Ts:       time.Now(),
	}

	tx, err := p.store.BeginTx(ctx)
	if err != nil {
		return nil, fmt.Errorf("billing: begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := p.store.InsertReportIfAbsent(ctx, tx, rep); err != nil {
		if errors.Is(err, store.ErrAlreadyReported) {
			if p.audit != nil {
				p.audit.DuplicateShardReport(in.ShardID, in.ServerID)
			}
			return nil, ErrDuplicate
		}
		return nil, fmt.Errorf("billing: insert report: %w", err)
	}

	result := domain.ShardResult{Success: in.Success, Fail: in.Fail, Sent: in.Sent}
	if err := p.store.MarkShardDone(ctx, tx, in.ShardID, result); err != nil {
		return nil, fmt.Errorf("billing: mark shard done: %w", err)
	}

	newCredits, err := p.store.AdjustCredits(ctx, tx, task.OwnerID, -credits, domain.UsageEntry{
		Action:    "deduct",
		ShardID:   in.ShardID,
		ServerID:  in.ServerID,
		Success:   in.Success,
		Fail:      in.Fail,
		Sent:      in.Sent,
		Amount:    -credits,
		Timestamp: rep.Ts,
	})
	if err != nil {
		return nil, fmt.Errorf("billing: adjust credits: %w", err)
	}
	rep.Credits = credits
	rep.NewCredits = newCredits
	if p.audit != nil {
		p.audit.CreditAdjusted(task.OwnerID, in.ShardID, -credits, newCredits)
	}
	if newCredits < 0 && p.audit != nil {
		p.audit.InsufficientCredits(task.OwnerID, newCredits, credits)
	}

	counts, err := p.store.ShardCounts(ctx, txQueryer{tx}, sh.TaskID)
	if err != nil {
		return nil, fmt.Errorf("billing: shard counts: %w", err)
	}
	aggregate, err := p.store.ReportAggregate(ctx, txQueryer{tx}, sh.TaskID)
	if err != nil {
		return nil, fmt.Errorf("billing: report aggregate: %w", err)
	}
	completed := counts.Pending == 0 && counts.Running == 0
	status := domain.TaskRunning
	if completed {
		status = domain.TaskDone
		if err := p.store.SetTaskStatus(ctx, tx, sh.TaskID, domain.TaskDone); err != nil {
			return nil, fmt.Errorf("billing: finalize task status: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("billing: commit: %w", err)
	}

	if p.bus != nil {
		p.bus.PublishReport(rep)
		p.bus.PublishTaskProgress(sh.TaskID, status, counts, aggregate, newCredits, completed, sh.TraceID)
	}

	return rep, nil
}

// HandleShardResult adapts the hub's worker wire payload to Report,
// satisfying hub.ResultHandler so the hub can hand off a decoded
// shard_result without importing the billing package itself. The
// returned bool tells the caller whether this call actually performed
// the debit (false for a replayed/duplicate report), so the hub can
// populate shard_result_ack.deducted accurately.
func (p *Pipeline) HandleShardResult(ctx context.Context, serverID string, payload hub.ShardResultPayload) (bool, error) {
	_, err := p.Report(ctx, Input{
		ShardID:  payload.ShardID,
		ServerID: serverID,
		Success:  payload.Success,
		Fail:     payload.Fail,
		Sent:     payload.Sent,
		Failed:   payload.Failed,
	})
	if errors.Is(err, ErrDuplicate) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// txQueryer adapts *sql.Tx to the store package's internal queryer
// contract without exporting it.
type txQueryer struct{ tx *sql.Tx }

func (t txQueryer) QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return t.tx.QueryContext(ctx, query, args...)
}
func (t txQueryer) QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row {
	return t.tx.QueryRowContext(ctx, query, args...)
}
