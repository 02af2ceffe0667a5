// Package store implements the durable relational store holding users,
// tasks, shards, reports, servers, and rates: explicit transactions,
// parameterized queries, no ORM.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/adred-codev/dispatchd/internal/domain"
	"github.com/lib/pq"
)

var (
	ErrNotFound       = errors.New("store: not found")
	ErrAlreadyReported = errors.New("store: shard already reported")
)

// Store wraps a pooled *sql.DB. One unit of work takes a connection
// from the pool, commits or rolls back, and returns it; a transaction
// left non-idle on return is always rolled back before the connection
// goes back to the pool (database/sql does this for us as long as
// every Tx is Committed or Rolled back, which every method here does
// via defer).
type Store struct {
	db *sql.DB
}

// Open connects to Postgres via lib/pq and applies the schema inline at
// startup rather than shipping a separate migration binary.
func Open(ctx context.Context, dsn string) (*Store, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(ctx); err != nil {
		return nil, fmt.Errorf("store: migrate: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

const schema = `
CREATE TABLE IF NOT EXISTS user_data (
	user_id          TEXT PRIMARY KEY,
	username         TEXT UNIQUE NOT NULL,
	credits          DOUBLE PRECISION NOT NULL DEFAULT 0,
	usage            JSONB NOT NULL DEFAULT '[]',
	rates            JSONB,
	admin_rate_set_by TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS tasks (
	task_id    TEXT PRIMARY KEY,
	user_id    TEXT NOT NULL REFERENCES user_data(user_id),
	message    TEXT NOT NULL,
	total      INTEGER NOT NULL,
	status     TEXT NOT NULL,
	created    TIMESTAMPTZ NOT NULL DEFAULT now(),
	updated    TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS shards (
	shard_id   TEXT PRIMARY KEY,
	task_id    TEXT NOT NULL REFERENCES tasks(task_id),
	server_id  TEXT,
	phones     JSONB NOT NULL,
	status     TEXT NOT NULL,
	attempts   INTEGER NOT NULL DEFAULT 0,
	locked_at  TIMESTAMPTZ,
	trace_id   TEXT NOT NULL DEFAULT '',
	updated    TIMESTAMPTZ NOT NULL DEFAULT now(),
	result     JSONB
);
CREATE INDEX IF NOT EXISTS idx_shards_task_id ON shards(task_id);
CREATE INDEX IF NOT EXISTS idx_shards_status_locked ON shards(status, locked_at);

CREATE TABLE IF NOT EXISTS reports (
	shard_id   TEXT PRIMARY KEY,
	server_id  TEXT NOT NULL,
	user_id    TEXT NOT NULL,
	success    INTEGER NOT NULL,
	fail       INTEGER NOT NULL,
	sent       INTEGER NOT NULL,
	credits    DOUBLE PRECISION NOT NULL,
	detail     JSONB,
	trace_id   TEXT NOT NULL DEFAULT '',
	ts         TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE TABLE IF NOT EXISTS servers (
	server_id     TEXT PRIMARY KEY,
	server_name   TEXT NOT NULL,
	server_url    TEXT NOT NULL DEFAULT '',
	clients_count INTEGER NOT NULL DEFAULT 0,
	status        TEXT NOT NULL,
	last_seen     TIMESTAMPTZ NOT NULL DEFAULT now(),
	assigned_user TEXT,
	meta          JSONB
);

CREATE TABLE IF NOT EXISTS admin_configs (
	admin_id        TEXT PRIMARY KEY,
	selected_servers JSONB NOT NULL DEFAULT '[]',
	user_groups     JSONB NOT NULL DEFAULT '[]',
	rates           JSONB,
	rate_range      JSONB
);
`

func (s *Store) migrate(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, schema)
	return err
}

// --- users ---------------------------------------------------------

func (s *Store) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT user_id, username, credits, usage, rates, admin_rate_set_by
		FROM user_data WHERE user_id = $1`, userID)
	return scanUser(row)
}

func scanUser(row *sql.Row) (*domain.User, error) {
	var (
		u          domain.User
		usageJSON  []byte
		ratesJSON  []byte
	)
	if err := row.Scan(&u.UserID, &u.Username, &u.Credits, &usageJSON, &ratesJSON, &u.AdminRateSetBy); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if len(usageJSON) > 0 {
		if err := json.Unmarshal(usageJSON, &u.Usage); err != nil {
			return nil, fmt.Errorf("store: decode usage: %w", err)
		}
	}
	if len(ratesJSON) > 0 {
		var r domain.Rates
		if err := json.Unmarshal(ratesJSON, &r); err != nil {
			return nil, fmt.Errorf("store: decode rates: %w", err)
		}
		u.Rates = &r
	}
	return &u, nil
}

// --- tasks -----------------------------------------------------------

// CreateTask persists a new task row. A zero-phone task has nothing to
// dispatch, so it is created already in the done state rather than
// passing through pending.
func (s *Store) CreateTask(ctx context.Context, t *domain.Task) error {
	status := t.Status
	if t.Total == 0 {
		status = domain.TaskDone
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO tasks (task_id, user_id, message, total, status, created, updated)
		VALUES ($1, $2, $3, $4, $5, now(), now())`,
		t.TaskID, t.OwnerID, t.Message, t.Total, status)
	t.Status = status
	return err
}

func (s *Store) GetTask(ctx context.Context, taskID string) (*domain.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT task_id, user_id, message, total, status, created, updated
		FROM tasks WHERE task_id = $1`, taskID)
	var t domain.Task
	if err := row.Scan(&t.TaskID, &t.OwnerID, &t.Message, &t.Total, &t.Status, &t.CreatedAt, &t.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &t, nil
}

func (s *Store) SetTaskStatus(ctx context.Context, execer execer, taskID string, status domain.TaskStatus) error {
	_, err := execer.ExecContext(ctx, `UPDATE tasks SET status = $1, updated = now() WHERE task_id = $2`, status, taskID)
	return err
}

// --- shards ------------------------------------------------------------

func (s *Store) CreateShards(ctx context.Context, shards []*domain.Shard) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO shards (shard_id, task_id, phones, status, attempts, updated)
		VALUES ($1, $2, $3, $4, 0, now())`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, sh := range shards {
		phonesJSON, err := json.Marshal(sh.Phones)
		if err != nil {
			return err
		}
		if _, err := stmt.ExecContext(ctx, sh.ShardID, sh.TaskID, string(phonesJSON), sh.Status); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *Store) PendingShards(ctx context.Context, taskID string) ([]*domain.Shard, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT shard_id, task_id, phones, status, attempts
		FROM shards WHERE task_id = $1 AND status = 'pending'
		ORDER BY shard_id`, taskID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Shard
	for rows.Next() {
		var sh domain.Shard
		var phonesJSON []byte
		if err := rows.Scan(&sh.ShardID, &sh.TaskID, &phonesJSON, &sh.Status, &sh.Attempts); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(phonesJSON, &sh.Phones); err != nil {
			return nil, err
		}
		out = append(out, &sh)
	}
	return out, rows.Err()
}

// MarkShardRunning transitions a shard pending->running in a short
// dedicated statement, never nested inside the cross-shard dispatch
// loop's bookkeeping. Called only after a push has already succeeded,
// so a shard that fails to push is never claimed and stays pending,
// immediately eligible for the next dispatch pass.
func (s *Store) MarkShardRunning(ctx context.Context, shardID, serverID, traceID string) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE shards SET server_id = $1, status = 'running', locked_at = now(), trace_id = $2, updated = now()
		WHERE shard_id = $3 AND status = 'pending'`, serverID, traceID, shardID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("store: shard %s was not pending", shardID)
	}
	return nil
}

// ReclaimStaleShards resets shards stuck in running past the threshold
// back to pending, incrementing attempts and clearing the lock.
func (s *Store) ReclaimStaleShards(ctx context.Context, olderThan time.Duration) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE shards SET status = 'pending', locked_at = NULL, server_id = NULL,
			attempts = attempts + 1, updated = now()
		WHERE status = 'running' AND locked_at IS NOT NULL AND locked_at < now() - $1::interval`,
		fmt.Sprintf("%d seconds", int(olderThan.Seconds())))
	if err != nil {
		return 0, err
	}
	n, err := res.RowsAffected()
	return int(n), err
}

func (s *Store) ShardCounts(ctx context.Context, execer queryer, taskID string) (domain.ShardCounts, error) {
	rows, err := execer.QueryContext(ctx, `
		SELECT status, count(*) FROM shards WHERE task_id = $1 GROUP BY status`, taskID)
	if err != nil {
		return domain.ShardCounts{}, err
	}
	defer rows.Close()

	var counts domain.ShardCounts
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return domain.ShardCounts{}, err
		}
		counts.Total += n
		switch domain.ShardStatus(status) {
		case domain.ShardPending:
			counts.Pending = n
		case domain.ShardRunning:
			counts.Running = n
		case domain.ShardDone:
			counts.Done = n
		}
	}
	return counts, rows.Err()
}

func (s *Store) ReportAggregate(ctx context.Context, execer queryer, taskID string) (domain.ShardResult, error) {
	row := execer.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(r.success),0), COALESCE(SUM(r.fail),0), COALESCE(SUM(r.sent),0)
		FROM reports r JOIN shards s ON s.shard_id = r.shard_id
		WHERE s.task_id = $1`, taskID)
	var res domain.ShardResult
	if err := row.Scan(&res.Success, &res.Fail, &res.Sent); err != nil {
		return domain.ShardResult{}, err
	}
	return res, nil
}

// --- rates -------------------------------------------------------------

func (s *Store) GetGlobalRates(ctx context.Context) (*domain.Rates, error) {
	u, err := s.GetUser(ctx, domain.GlobalRatesKey)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return u.Rates, nil
}

func (s *Store) GetAdminRateRange(ctx context.Context, adminID string) (*domain.AdminRateRange, error) {
	row := s.db.QueryRowContext(ctx, `SELECT rate_range FROM admin_configs WHERE admin_id = $1`, adminID)
	var rangeJSON []byte
	if err := row.Scan(&rangeJSON); err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	if len(rangeJSON) == 0 {
		return nil, nil
	}
	var rr domain.AdminRateRange
	if err := json.Unmarshal(rangeJSON, &rr); err != nil {
		return nil, fmt.Errorf("store: decode rate range: %w", err)
	}
	rr.AdminID = adminID
	return &rr, nil
}

// SetUserRates records rates set by setBy (either "super_admin" or an
// admin's user id) on behalf of userID, creating the user row if absent.
func (s *Store) SetUserRates(ctx context.Context, userID string, r domain.Rates, setBy string) error {
	ratesJSON, err := json.Marshal(r)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO user_data (user_id, username, rates, admin_rate_set_by)
		VALUES ($1, $1, $2, $3)
		ON CONFLICT (user_id) DO UPDATE SET rates = $2, admin_rate_set_by = $3`,
		userID, string(ratesJSON), setBy)
	return err
}

func (s *Store) SetAdminRateRange(ctx context.Context, adminID string, rr domain.AdminRateRange) error {
	rangeJSON, err := json.Marshal(rr)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO admin_configs (admin_id, rate_range)
		VALUES ($1, $2)
		ON CONFLICT (admin_id) DO UPDATE SET rate_range = $2`, adminID, string(rangeJSON))
	return err
}

// --- reports & billing --------------------------------------------------

// InsertReportIfAbsent is the idempotency gate for shard billing: the
// reports.shard_id primary key means a second delivery of the same
// shard result is rejected here rather than double-billing the user.
func (s *Store) InsertReportIfAbsent(ctx context.Context, tx *sql.Tx, rep *domain.Report) error {
	detailJSON, err := json.Marshal(rep.Failed)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO reports (shard_id, server_id, user_id, success, fail, sent, credits, detail, trace_id, ts)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, now())`,
		rep.ShardID, rep.ServerID, rep.UserID, rep.Success, rep.Fail, rep.Sent, rep.Credits, string(detailJSON), rep.TraceID)
	if err != nil {
		if isUniqueViolation(err) {
			return ErrAlreadyReported
		}
		return err
	}
	return nil
}

func (s *Store) MarkShardDone(ctx context.Context, tx *sql.Tx, shardID string, result domain.ShardResult) error {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE shards SET status = 'done', result = $1, updated = now() WHERE shard_id = $2`,
		string(resultJSON), shardID)
	return err
}

// AdjustCredits applies delta to userID's balance, floored at zero so a
// debit that exceeds the pre-flight estimate never drives a user
// negative, and appends entry to the usage log in the same statement.
func (s *Store) AdjustCredits(ctx context.Context, tx *sql.Tx, userID string, delta float64, entry domain.UsageEntry) (float64, error) {
	row := tx.QueryRowContext(ctx, `
		UPDATE user_data SET credits = GREATEST(0, credits + $1), usage = usage || $2::jsonb
		WHERE user_id = $3 RETURNING credits`, delta, string(mustJSON([]domain.UsageEntry{entry})), userID)
	var newCredits float64
	if err := row.Scan(&newCredits); err != nil {
		return 0, err
	}
	return newCredits, nil
}

// BeginTx exposes transaction creation to billing, which needs to group
// the report insert, shard update, and credit adjustment atomically.
func (s *Store) BeginTx(ctx context.Context) (*sql.Tx, error) {
	return s.db.BeginTx(ctx, nil)
}

func (s *Store) GetShard(ctx context.Context, shardID string) (*domain.Shard, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT shard_id, task_id, server_id, phones, status, attempts, trace_id
		FROM shards WHERE shard_id = $1`, shardID)
	var sh domain.Shard
	var phonesJSON []byte
	if err := row.Scan(&sh.ShardID, &sh.TaskID, &sh.ServerID, &phonesJSON, &sh.Status, &sh.Attempts, &sh.TraceID); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(phonesJSON, &sh.Phones); err != nil {
		return nil, err
	}
	return &sh, nil
}

func mustJSON(v any) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func isUniqueViolation(err error) bool {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return pqErr.Code.Name() == "unique_violation"
	}
	return false
}

// --- servers -------------------------------------------------------------

// UpsertServer persists the durable projection of a worker's identity;
// live presence/load lives in the cache package, not here.
func (s *Store) UpsertServer(ctx context.Context, srv *domain.Server) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO servers (server_id, server_name, server_url, clients_count, status, last_seen, assigned_user)
		VALUES ($1, $2, $3, $4, $5, now(), $6)
		ON CONFLICT (server_id) DO UPDATE SET
			server_name = $2, server_url = $3, clients_count = $4, status = $5, last_seen = now(), assigned_user = $6`,
		srv.ServerID, srv.ServerName, srv.ServerURL, srv.ClientsCount, srv.Status, srv.AssignedUser)
	return err
}

func (s *Store) ListServers(ctx context.Context) ([]*domain.Server, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT server_id, server_name, server_url, clients_count, status, last_seen, assigned_user
		FROM servers ORDER BY server_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*domain.Server
	for rows.Next() {
		var srv domain.Server
		if err := rows.Scan(&srv.ServerID, &srv.ServerName, &srv.ServerURL, &srv.ClientsCount, &srv.Status, &srv.LastSeen, &srv.AssignedUser); err != nil {
			return nil, err
		}
		out = append(out, &srv)
	}
	return out, rows.Err()
}

// --- execer / queryer narrow interfaces -------------------------------
// Narrow interfaces let billing.go and dispatch.go drive either *sql.DB
// or *sql.Tx through the same methods, and let tests substitute a small
// hand-written fake instead of pulling in a mocking library for simple
// query shapes.

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// DB exposes the underlying pool so callers outside a transaction
// (httpapi, subhub) can pass it to read helpers such as ShardCounts.
func (s *Store) DB() *sql.DB { return s.db }
