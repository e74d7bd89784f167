// SPDX-License-Identifier: MIT

package queue

import (
	"database/sql"
	"fmt"
	"strings"
)

const jobColumns = `id, type, payload, priority, state, attempts, available_at_ms,
	lease_until_ms, lease_token, last_heartbeat_ms, last_error, idempotency_key,
	created_at_ms, updated_at_ms`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*Job, error) {
	var j Job
	var payload, state string
	var availMS, createdMS, updatedMS int64
	var leaseUntilMS, hbMS sql.NullInt64
	var token, lastErr, idemKey sql.NullString

	err := row.Scan(
		&j.ID, &j.Type, &payload, &j.Priority, &state, &j.Attempts, &availMS,
		&leaseUntilMS, &token, &hbMS, &lastErr, &idemKey,
		&createdMS, &updatedMS,
	)
	if err != nil {
		return nil, err
	}
	j.Payload = []byte(payload)
	j.State = JobState(state)
	j.AvailableAt = msToTime(availMS)
	j.LeaseUntil = msToTime(leaseUntilMS.Int64)
	j.LeaseToken = token.String
	j.LastHeartbeat = msToTime(hbMS.Int64)
	j.LastError = lastErr.String
	j.IdempotencyKey = idemKey.String
	j.CreatedAt = msToTime(createdMS)
	j.UpdatedAt = msToTime(updatedMS)
	return &j, nil
}

func scanJobs(rows *sql.Rows) ([]*Job, error) {
	var jobs []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("queue: scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

func scanDeadLetters(rows *sql.Rows) ([]*DeadLetter, error) {
	var letters []*DeadLetter
	for rows.Next() {
		var d DeadLetter
		var payload string
		var idemKey sql.NullString
		var failedMS int64
		if err := rows.Scan(&d.ID, &d.JobID, &d.Type, &payload, &d.Priority, &d.Attempts, &d.Reason, &idemKey, &failedMS); err != nil {
			return nil, fmt.Errorf("queue: scan dead letter: %w", err)
		}
		d.Payload = []byte(payload)
		d.IdempotencyKey = idemKey.String
		d.FailedAt = msToTime(failedMS)
		letters = append(letters, &d)
	}
	return letters, rows.Err()
}

// placeholders returns n comma-separated "?" markers.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}

// pgPlaceholders returns n comma-separated "$k" markers starting at start.
func pgPlaceholders(start, n int) string {
	var b strings.Builder
	for i := 0; i < n; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		fmt.Fprintf(&b, "$%d", start+i)
	}
	return b.String()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func normalizeLimit(limit int) int {
	if limit <= 0 {
		return 50
	}
	return limit
}
