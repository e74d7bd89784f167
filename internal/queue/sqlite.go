// SPDX-License-Identifier: MIT

package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/harmonyhub/harmony/internal/log"
	"github.com/harmonyhub/harmony/internal/metrics"
	"github.com/harmonyhub/harmony/internal/retrypolicy"
)

// sqliteSchemaVersion tracks applied migrations via PRAGMA user_version.
const sqliteSchemaVersion = 1

// SQLiteStore is the single-node queue backend. The pool must be opened
// with _txlock=immediate so claim transactions take the write lock up
// front; WAL keeps readers unblocked while a claim is in flight.
type SQLiteStore struct {
	db     *sql.DB
	opts   Options
	logger zerolog.Logger
	now    func() time.Time
}

// NewSQLiteStore migrates the schema and returns a ready store.
func NewSQLiteStore(db *sql.DB, opts Options) (*SQLiteStore, error) {
	s := &SQLiteStore{
		db:     db,
		opts:   opts,
		logger: log.WithComponent("queue"),
		now:    time.Now,
	}
	if err := s.migrate(); err != nil {
		return nil, fmt.Errorf("queue: sqlite migrate: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) migrate() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version >= sqliteSchemaVersion {
		return nil
	}

	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("begin migration: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if version < 1 {
		stmts := []string{
			`CREATE TABLE IF NOT EXISTS queue_jobs (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				type TEXT NOT NULL,
				payload TEXT NOT NULL DEFAULT '{}',
				priority INTEGER NOT NULL DEFAULT 0,
				state TEXT NOT NULL DEFAULT 'pending',
				attempts INTEGER NOT NULL DEFAULT 0,
				available_at_ms INTEGER NOT NULL,
				lease_until_ms INTEGER,
				lease_token TEXT,
				last_heartbeat_ms INTEGER,
				last_error TEXT,
				idempotency_key TEXT,
				created_at_ms INTEGER NOT NULL,
				updated_at_ms INTEGER NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_queue_jobs_claim
				ON queue_jobs (state, priority DESC, available_at_ms ASC, id ASC)`,
			`CREATE INDEX IF NOT EXISTS idx_queue_jobs_lease_expiry
				ON queue_jobs (state, lease_until_ms)`,
			`CREATE UNIQUE INDEX IF NOT EXISTS idx_queue_jobs_idem
				ON queue_jobs (type, idempotency_key)
				WHERE idempotency_key IS NOT NULL AND state IN ('pending','leased')`,
			`CREATE TABLE IF NOT EXISTS dead_letters (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				job_id INTEGER NOT NULL,
				type TEXT NOT NULL,
				payload TEXT NOT NULL,
				priority INTEGER NOT NULL DEFAULT 0,
				attempts INTEGER NOT NULL,
				reason TEXT NOT NULL,
				idempotency_key TEXT,
				failed_at_ms INTEGER NOT NULL
			)`,
			`CREATE INDEX IF NOT EXISTS idx_dead_letters_failed_at
				ON dead_letters (failed_at_ms)`,
		}
		for _, stmt := range stmts {
			if _, err := tx.Exec(stmt); err != nil {
				return fmt.Errorf("apply schema: %w", err)
			}
		}
	}

	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", sqliteSchemaVersion)); err != nil {
		return fmt.Errorf("set schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration: %w", err)
	}

	s.logger.Debug().
		Int("from", version).
		Int("to", sqliteSchemaVersion).
		Msg("queue schema migrated")
	return nil
}

func (s *SQLiteStore) Enqueue(ctx context.Context, req EnqueueRequest) (EnqueueResult, error) {
	if err := req.validate(); err != nil {
		return EnqueueResult{}, err
	}

	now := s.now()
	availableAt := req.AvailableAt
	if availableAt.IsZero() {
		availableAt = now
	}
	priority := s.opts.priorityFor(req.Type)
	if req.Priority != nil {
		priority = *req.Priority
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("queue: begin enqueue: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if req.IdempotencyKey != "" {
		var existing int64
		err := tx.QueryRowContext(ctx,
			`SELECT id FROM queue_jobs
			 WHERE type = ? AND idempotency_key = ? AND state IN ('pending','leased')
			 ORDER BY id LIMIT 1`,
			req.Type, req.IdempotencyKey,
		).Scan(&existing)
		switch {
		case err == nil:
			if err := tx.Commit(); err != nil {
				return EnqueueResult{}, fmt.Errorf("queue: commit enqueue: %w", err)
			}
			metrics.IncJobsEnqueued(req.Type, true)
			return EnqueueResult{JobID: existing, Deduplicated: true}, nil
		case !errors.Is(err, sql.ErrNoRows):
			return EnqueueResult{}, fmt.Errorf("queue: idempotency lookup: %w", err)
		}
	}

	res, err := tx.ExecContext(ctx,
		`INSERT INTO queue_jobs
			(type, payload, priority, state, attempts, available_at_ms, idempotency_key, created_at_ms, updated_at_ms)
		 VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?)`,
		req.Type, string(req.Payload), priority, StatePending,
		availableAt.UnixMilli(), nullString(req.IdempotencyKey),
		now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("queue: insert job: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("queue: job id: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return EnqueueResult{}, fmt.Errorf("queue: commit enqueue: %w", err)
	}

	metrics.IncJobsEnqueued(req.Type, false)
	return EnqueueResult{JobID: id}, nil
}

func (s *SQLiteStore) Lease(ctx context.Context, opts LeaseOptions) ([]*Job, error) {
	if opts.Limit <= 0 {
		return nil, nil
	}
	if opts.LeaseFor <= 0 {
		return nil, fmt.Errorf("queue: lease duration must be positive")
	}
	now := opts.Now
	if now.IsZero() {
		now = s.now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("queue: begin lease: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	query := `SELECT id, type, payload, priority, attempts, available_at_ms, idempotency_key, created_at_ms
		FROM queue_jobs
		WHERE state = 'pending' AND available_at_ms <= ?`
	args := []any{now.UnixMilli()}
	if len(opts.Types) > 0 {
		query += ` AND type IN (` + placeholders(len(opts.Types)) + `)`
		for _, t := range opts.Types {
			args = append(args, t)
		}
	}
	query += ` ORDER BY priority DESC, available_at_ms ASC, id ASC LIMIT ?`
	args = append(args, opts.Limit)

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("queue: select claimable: %w", err)
	}

	type candidate struct {
		id        int64
		jobType   string
		payload   string
		priority  int
		attempts  int
		availMS   int64
		idemKey   sql.NullString
		createdMS int64
	}
	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.id, &c.jobType, &c.payload, &c.priority, &c.attempts, &c.availMS, &c.idemKey, &c.createdMS); err != nil {
			rows.Close()
			return nil, fmt.Errorf("queue: scan claimable: %w", err)
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("queue: iterate claimable: %w", err)
	}
	rows.Close()

	leaseUntil := now.Add(opts.LeaseFor)
	jobs := make([]*Job, 0, len(candidates))
	for _, c := range candidates {
		token := uuid.NewString()
		res, err := tx.ExecContext(ctx,
			`UPDATE queue_jobs
			 SET state = 'leased', attempts = attempts + 1,
			     lease_until_ms = ?, lease_token = ?, last_heartbeat_ms = ?, updated_at_ms = ?
			 WHERE id = ? AND state = 'pending'`,
			leaseUntil.UnixMilli(), token, now.UnixMilli(), now.UnixMilli(), c.id,
		)
		if err != nil {
			return nil, fmt.Errorf("queue: claim job %d: %w", c.id, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, fmt.Errorf("queue: claim job %d: %w", c.id, err)
		}
		if n == 0 {
			continue
		}
		jobs = append(jobs, &Job{
			ID:             c.id,
			Type:           c.jobType,
			Payload:        []byte(c.payload),
			Priority:       c.priority,
			State:          StateLeased,
			Attempts:       c.attempts + 1,
			AvailableAt:    msToTime(c.availMS),
			LeaseUntil:     leaseUntil,
			LeaseToken:     token,
			LastHeartbeat:  now,
			IdempotencyKey: c.idemKey.String,
			CreatedAt:      msToTime(c.createdMS),
			UpdatedAt:      now,
		})
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("queue: commit lease: %w", err)
	}

	for _, j := range jobs {
		metrics.IncJobsLeased(j.Type)
	}
	return jobs, nil
}

func (s *SQLiteStore) Heartbeat(ctx context.Context, jobID int64, token string, leaseUntil time.Time) error {
	now := s.now()
	res, err := s.db.ExecContext(ctx,
		`UPDATE queue_jobs
		 SET lease_until_ms = ?, last_heartbeat_ms = ?, updated_at_ms = ?
		 WHERE id = ? AND state = 'leased' AND lease_token = ?`,
		leaseUntil.UnixMilli(), now.UnixMilli(), now.UnixMilli(), jobID, token,
	)
	if err != nil {
		return fmt.Errorf("queue: heartbeat: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("queue: heartbeat: %w", err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

// Defer returns a leased job to pending and refunds the attempt the
// lease charged. The dispatcher uses it when a type pool has no free
// slot, so a crowded pool never eats into the retry budget.
func (s *SQLiteStore) Defer(ctx context.Context, jobID int64, token string, until time.Time) error {
	now := s.now()
	if until.IsZero() {
		until = now
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE queue_jobs
		 SET state = 'pending', attempts = MAX(attempts - 1, 0), available_at_ms = ?,
		     lease_until_ms = NULL, lease_token = NULL, updated_at_ms = ?
		 WHERE id = ? AND state = 'leased' AND lease_token = ?`,
		until.UnixMilli(), now.UnixMilli(), jobID, token,
	)
	if err != nil {
		return fmt.Errorf("queue: defer: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("queue: defer: %w", err)
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (s *SQLiteStore) Commit(ctx context.Context, jobID int64, token string) error {
	now := s.now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("queue: begin commit: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var jobType string
	err = tx.QueryRowContext(ctx,
		`SELECT type FROM queue_jobs WHERE id = ? AND state = 'leased' AND lease_token = ?`,
		jobID, token,
	).Scan(&jobType)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrLeaseLost
	}
	if err != nil {
		return fmt.Errorf("queue: commit lookup: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE queue_jobs
		 SET state = 'succeeded', lease_until_ms = NULL, lease_token = NULL, updated_at_ms = ?
		 WHERE id = ?`,
		now.UnixMilli(), jobID,
	); err != nil {
		return fmt.Errorf("queue: commit job: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("queue: commit tx: %w", err)
	}

	metrics.IncJobsCommitted(jobType)
	return nil
}

func (s *SQLiteStore) Fail(ctx context.Context, jobID int64, token string, cause string, retryable bool) (FailOutcome, error) {
	now := s.now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return FailOutcome{}, fmt.Errorf("queue: begin fail: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var jobType, payload string
	var attempts, priority int
	var idemKey sql.NullString
	err = tx.QueryRowContext(ctx,
		`SELECT type, attempts, payload, priority, idempotency_key
		 FROM queue_jobs WHERE id = ? AND state = 'leased' AND lease_token = ?`,
		jobID, token,
	).Scan(&jobType, &attempts, &payload, &priority, &idemKey)
	if errors.Is(err, sql.ErrNoRows) {
		return FailOutcome{}, ErrLeaseLost
	}
	if err != nil {
		return FailOutcome{}, fmt.Errorf("queue: fail lookup: %w", err)
	}

	policy := s.opts.policyFor(jobType)
	if retryable && attempts < policy.MaxAttempts {
		backoff := retrypolicy.Backoff(policy, attempts)
		next := now.Add(backoff)
		if _, err := tx.ExecContext(ctx,
			`UPDATE queue_jobs
			 SET state = 'pending', available_at_ms = ?, lease_until_ms = NULL,
			     lease_token = NULL, last_error = ?, updated_at_ms = ?
			 WHERE id = ?`,
			next.UnixMilli(), cause, now.UnixMilli(), jobID,
		); err != nil {
			return FailOutcome{}, fmt.Errorf("queue: schedule retry: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return FailOutcome{}, fmt.Errorf("queue: commit fail: %w", err)
		}
		metrics.IncJobsRetried(jobType)
		return FailOutcome{
			State:           StatePending,
			Attempts:        attempts,
			RetryIn:         backoff,
			NextAvailableAt: next,
		}, nil
	}

	// Retries exhausted (or the error is permanent): the job goes dead and
	// the dead letter is written in the same transaction.
	if _, err := tx.ExecContext(ctx,
		`UPDATE queue_jobs
		 SET state = 'dead', lease_until_ms = NULL, lease_token = NULL,
		     last_error = ?, updated_at_ms = ?
		 WHERE id = ?`,
		cause, now.UnixMilli(), jobID,
	); err != nil {
		return FailOutcome{}, fmt.Errorf("queue: mark dead: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO dead_letters (job_id, type, payload, priority, attempts, reason, idempotency_key, failed_at_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		jobID, jobType, payload, priority, attempts, cause, idemKey, now.UnixMilli(),
	); err != nil {
		return FailOutcome{}, fmt.Errorf("queue: insert dead letter: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return FailOutcome{}, fmt.Errorf("queue: commit fail: %w", err)
	}

	metrics.IncJobsDead(jobType)
	return FailOutcome{State: StateDead, Attempts: attempts}, nil
}

func (s *SQLiteStore) Reap(ctx context.Context, now time.Time) ([]ReapedJob, error) {
	if now.IsZero() {
		now = s.now()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("queue: begin reap: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		`SELECT id, type FROM queue_jobs WHERE state = 'leased' AND lease_until_ms < ?`,
		now.UnixMilli(),
	)
	if err != nil {
		return nil, fmt.Errorf("queue: select expired: %w", err)
	}
	var reaped []ReapedJob
	for rows.Next() {
		var r ReapedJob
		if err := rows.Scan(&r.ID, &r.Type); err != nil {
			rows.Close()
			return nil, fmt.Errorf("queue: scan expired: %w", err)
		}
		reaped = append(reaped, r)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("queue: iterate expired: %w", err)
	}
	rows.Close()

	if len(reaped) == 0 {
		return nil, tx.Commit()
	}

	// Expired leases return to pending without touching the attempt
	// counter; the claim already charged the attempt.
	if _, err := tx.ExecContext(ctx,
		`UPDATE queue_jobs
		 SET state = 'pending', lease_until_ms = NULL, lease_token = NULL, updated_at_ms = ?
		 WHERE state = 'leased' AND lease_until_ms < ?`,
		now.UnixMilli(), now.UnixMilli(),
	); err != nil {
		return nil, fmt.Errorf("queue: reap expired: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("queue: commit reap: %w", err)
	}

	metrics.AddJobsReaped(len(reaped))
	return reaped, nil
}

func (s *SQLiteStore) GetJob(ctx context.Context, id int64) (*Job, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+jobColumns+` FROM queue_jobs WHERE id = ?`, id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("queue: get job: %w", err)
	}
	return job, nil
}

func (s *SQLiteStore) ListJobs(ctx context.Context, filter JobFilter) ([]*Job, error) {
	query := `SELECT ` + jobColumns + ` FROM queue_jobs`
	var (
		conds []string
		args  []any
	)
	if len(filter.Types) > 0 {
		conds = append(conds, `type IN (`+placeholders(len(filter.Types))+`)`)
		for _, t := range filter.Types {
			args = append(args, t)
		}
	}
	if len(filter.States) > 0 {
		conds = append(conds, `state IN (`+placeholders(len(filter.States))+`)`)
		for _, st := range filter.States {
			args = append(args, string(st))
		}
	}
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, ` AND `)
	}
	order := "DESC"
	if filter.OldestFirst {
		order = "ASC"
	}
	query += ` ORDER BY id ` + order + ` LIMIT ? OFFSET ?`
	args = append(args, normalizeLimit(filter.Limit), max(filter.Offset, 0))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("queue: list jobs: %w", err)
	}
	defer rows.Close()
	return scanJobs(rows)
}

// CountJobs counts jobs matching the filter's type and state sets. The
// filter's paging fields are ignored.
func (s *SQLiteStore) CountJobs(ctx context.Context, filter JobFilter) (int64, error) {
	query := `SELECT COUNT(*) FROM queue_jobs`
	var (
		conds []string
		args  []any
	)
	if len(filter.Types) > 0 {
		conds = append(conds, `type IN (`+placeholders(len(filter.Types))+`)`)
		for _, t := range filter.Types {
			args = append(args, t)
		}
	}
	if len(filter.States) > 0 {
		conds = append(conds, `state IN (`+placeholders(len(filter.States))+`)`)
		for _, st := range filter.States {
			args = append(args, string(st))
		}
	}
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, ` AND `)
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, fmt.Errorf("queue: count jobs: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) CountByState(ctx context.Context) (map[JobState]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM queue_jobs GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("queue: count by state: %w", err)
	}
	defer rows.Close()

	counts := make(map[JobState]int64)
	for rows.Next() {
		var state string
		var n int64
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("queue: scan count: %w", err)
		}
		counts[JobState(state)] = n
	}
	return counts, rows.Err()
}

func (s *SQLiteStore) ListDeadLetters(ctx context.Context, page Page) ([]*DeadLetter, error) {
	order := "DESC"
	if page.OldestFirst {
		order = "ASC"
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, job_id, type, payload, priority, attempts, reason, idempotency_key, failed_at_ms
		 FROM dead_letters ORDER BY id `+order+` LIMIT ? OFFSET ?`,
		normalizeLimit(page.Limit), max(page.Offset, 0),
	)
	if err != nil {
		return nil, fmt.Errorf("queue: list dead letters: %w", err)
	}
	defer rows.Close()
	return scanDeadLetters(rows)
}

func (s *SQLiteStore) RequeueDeadLetters(ctx context.Context, limit int) (int64, error) {
	if limit <= 0 {
		return 0, nil
	}
	now := s.now()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("queue: begin requeue: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		`SELECT id, type, payload, priority, idempotency_key
		 FROM dead_letters ORDER BY id ASC LIMIT ?`, limit)
	if err != nil {
		return 0, fmt.Errorf("queue: select dead letters: %w", err)
	}
	type dl struct {
		id       int64
		jobType  string
		payload  string
		priority int
		idemKey  sql.NullString
	}
	var letters []dl
	for rows.Next() {
		var d dl
		if err := rows.Scan(&d.id, &d.jobType, &d.payload, &d.priority, &d.idemKey); err != nil {
			rows.Close()
			return 0, fmt.Errorf("queue: scan dead letter: %w", err)
		}
		letters = append(letters, d)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return 0, fmt.Errorf("queue: iterate dead letters: %w", err)
	}
	rows.Close()

	var requeued int64
	for _, d := range letters {
		insert := true
		if d.idemKey.Valid && d.idemKey.String != "" {
			var existing int64
			err := tx.QueryRowContext(ctx,
				`SELECT id FROM queue_jobs
				 WHERE type = ? AND idempotency_key = ? AND state IN ('pending','leased')
				 LIMIT 1`,
				d.jobType, d.idemKey.String,
			).Scan(&existing)
			switch {
			case err == nil:
				insert = false
			case !errors.Is(err, sql.ErrNoRows):
				return 0, fmt.Errorf("queue: requeue dedup check: %w", err)
			}
		}
		if insert {
			if _, err := tx.ExecContext(ctx,
				`INSERT INTO queue_jobs
					(type, payload, priority, state, attempts, available_at_ms, idempotency_key, created_at_ms, updated_at_ms)
				 VALUES (?, ?, ?, 'pending', 0, ?, ?, ?, ?)`,
				d.jobType, d.payload, d.priority,
				now.UnixMilli(), d.idemKey, now.UnixMilli(), now.UnixMilli(),
			); err != nil {
				return 0, fmt.Errorf("queue: requeue insert: %w", err)
			}
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM dead_letters WHERE id = ?`, d.id); err != nil {
			return 0, fmt.Errorf("queue: requeue delete: %w", err)
		}
		requeued++
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("queue: commit requeue: %w", err)
	}

	metrics.AddDLQRequeued(int(requeued))
	return requeued, nil
}

func (s *SQLiteStore) DeleteDeadLetters(ctx context.Context, ids []int64) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM dead_letters WHERE id IN (`+placeholders(len(ids))+`)`, args...)
	if err != nil {
		return 0, fmt.Errorf("queue: delete dead letters: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("queue: delete dead letters: %w", err)
	}
	return n, nil
}

func (s *SQLiteStore) DeleteSucceededBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	if limit <= 0 {
		return 0, nil
	}
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM queue_jobs WHERE id IN (
			SELECT id FROM queue_jobs
			WHERE state = 'succeeded' AND updated_at_ms < ?
			ORDER BY id ASC LIMIT ?
		)`,
		cutoff.UnixMilli(), limit,
	)
	if err != nil {
		return 0, fmt.Errorf("queue: retention sweep: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("queue: retention sweep: %w", err)
	}
	metrics.AddRetentionDeleted(int(n))
	return n, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
