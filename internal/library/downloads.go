// SPDX-License-Identifier: MIT

package library

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/harmonyhub/harmony/internal/metrics"
)

// CreateDownloads inserts the per-file download plan for one sync job
// in a single transaction and returns the entries with ids assigned.
func (s *Store) CreateDownloads(ctx context.Context, entries []DownloadEntry) ([]DownloadEntry, error) {
	if len(entries) == 0 {
		return nil, nil
	}
	out := make([]DownloadEntry, 0, len(entries))
	err := s.WithTx(ctx, func(t *Tx) error {
		for _, e := range entries {
			if e.State == "" {
				e.State = DownloadQueued
			}
			res, err := t.tx.ExecContext(ctx,
				`INSERT INTO download_entries
					(job_id, artist_key, username, filename, size_bytes, ticket_id, state, retry_count, created_at_ms, updated_at_ms)
				 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
				e.JobID, nullString(e.ArtistKey), e.Username, e.Filename, e.SizeBytes,
				nullString(e.TicketID), e.State.String(), e.RetryCount,
				t.now.UnixMilli(), t.now.UnixMilli(),
			)
			if err != nil {
				return fmt.Errorf("library: insert download: %w", err)
			}
			id, err := res.LastInsertId()
			if err != nil {
				return fmt.Errorf("library: download id: %w", err)
			}
			e.ID = id
			e.CreatedAt = t.now
			e.UpdatedAt = t.now
			out = append(out, e)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	for _, e := range out {
		metrics.IncDownload(e.State.String())
	}
	return out, nil
}

// GetDownload returns one entry by id, ErrNotFound when absent.
func (s *Store) GetDownload(ctx context.Context, id int64) (DownloadEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+downloadColumns+` FROM download_entries WHERE id = ?`, id)
	entry, err := scanDownload(row)
	if errors.Is(err, sql.ErrNoRows) {
		return DownloadEntry{}, ErrNotFound
	}
	if err != nil {
		return DownloadEntry{}, fmt.Errorf("library: get download: %w", err)
	}
	return entry, nil
}

// ListDownloadsByJob returns the entries created by one sync job.
func (s *Store) ListDownloadsByJob(ctx context.Context, jobID int64) ([]DownloadEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+downloadColumns+` FROM download_entries WHERE job_id = ? ORDER BY id ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("library: list downloads: %w", err)
	}
	defer rows.Close()
	return scanDownloads(rows)
}

// MarkDownloadRunning records the peer ticket once the transfer is
// handed to the daemon.
func (s *Store) MarkDownloadRunning(ctx context.Context, id int64, ticketID string) error {
	return s.setDownloadState(ctx, id, DownloadRunning,
		`UPDATE download_entries
		 SET state = ?, ticket_id = ?, updated_at_ms = ?
		 WHERE id = ?`,
		string(DownloadRunning), nullString(ticketID))
}

// MarkDownloadCompleted finishes an entry.
func (s *Store) MarkDownloadCompleted(ctx context.Context, id int64) error {
	return s.setDownloadState(ctx, id, DownloadCompleted,
		`UPDATE download_entries
		 SET state = ?, last_error = NULL, next_retry_at_ms = NULL, updated_at_ms = ?
		 WHERE id = ?`,
		string(DownloadCompleted))
}

// MarkDownloadFailed records the failure cause, charges one retry, and
// schedules the next attempt when nextRetryAt is set.
func (s *Store) MarkDownloadFailed(ctx context.Context, id int64, cause string, nextRetryAt *time.Time) error {
	return s.setDownloadState(ctx, id, DownloadFailed,
		`UPDATE download_entries
		 SET state = ?, retry_count = retry_count + 1, last_error = ?, next_retry_at_ms = ?, updated_at_ms = ?
		 WHERE id = ?`,
		string(DownloadFailed), cause, nullTimeMS(nextRetryAt))
}

// RequeueDownload returns a failed entry to queued for another attempt.
// The retry count is kept; the retry scanner compares it against the
// policy budget before calling this.
func (s *Store) RequeueDownload(ctx context.Context, id int64) error {
	return s.setDownloadState(ctx, id, DownloadQueued,
		`UPDATE download_entries
		 SET state = ?, ticket_id = NULL, next_retry_at_ms = NULL, updated_at_ms = ?
		 WHERE id = ? AND state = 'failed'`,
		string(DownloadQueued))
}

// ListRetryableDownloads returns failed entries whose next retry time
// has passed and whose retry count is still under maxRetries, oldest
// first. The retry handler scans these in bounded batches.
func (s *Store) ListRetryableDownloads(ctx context.Context, now time.Time, maxRetries, limit int) ([]DownloadEntry, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+downloadColumns+` FROM download_entries
		 WHERE state = 'failed' AND retry_count < ?
		   AND (next_retry_at_ms IS NULL OR next_retry_at_ms <= ?)
		 ORDER BY next_retry_at_ms ASC, id ASC LIMIT ?`,
		maxRetries, now.UnixMilli(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("library: list retryable: %w", err)
	}
	defer rows.Close()
	return scanDownloads(rows)
}

// CountDownloadsByState returns entry counts per state for readiness
// and gauges.
func (s *Store) CountDownloadsByState(ctx context.Context) (map[DownloadState]int64, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT state, COUNT(*) FROM download_entries GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("library: count downloads: %w", err)
	}
	defer rows.Close()

	counts := make(map[DownloadState]int64)
	for rows.Next() {
		var state string
		var n int64
		if err := rows.Scan(&state, &n); err != nil {
			return nil, fmt.Errorf("library: scan count: %w", err)
		}
		counts[DownloadState(state)] = n
	}
	return counts, rows.Err()
}

// setDownloadState runs an update whose final bind values are always
// (updated_at_ms, id) and reports the transition to metrics.
func (s *Store) setDownloadState(ctx context.Context, id int64, to DownloadState, query string, args ...any) error {
	args = append(args, s.now().UTC().UnixMilli(), id)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("library: download %s: %w", to, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("library: download %s: %w", to, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	metrics.IncDownload(to.String())
	return nil
}

const downloadColumns = `id, job_id, artist_key, username, filename, size_bytes, ticket_id,
	state, retry_count, next_retry_at_ms, last_error, created_at_ms, updated_at_ms`

func scanDownload(row rowScanner) (DownloadEntry, error) {
	var (
		e         DownloadEntry
		artistKey sql.NullString
		ticket    sql.NullString
		state     string
		retryMS   sql.NullInt64
		lastErr   sql.NullString
		createdMS int64
		updatedMS int64
	)
	err := row.Scan(&e.ID, &e.JobID, &artistKey, &e.Username, &e.Filename, &e.SizeBytes,
		&ticket, &state, &e.RetryCount, &retryMS, &lastErr, &createdMS, &updatedMS)
	if err != nil {
		return DownloadEntry{}, err
	}
	e.ArtistKey = artistKey.String
	e.TicketID = ticket.String
	e.State = DownloadState(state)
	e.NextRetryAt = msToTimePtr(retryMS)
	e.LastError = lastErr.String
	e.CreatedAt = msToTime(createdMS)
	e.UpdatedAt = msToTime(updatedMS)
	return e, nil
}

func scanDownloads(rows *sql.Rows) ([]DownloadEntry, error) {
	var entries []DownloadEntry
	for rows.Next() {
		e, err := scanDownload(rows)
		if err != nil {
			return nil, fmt.Errorf("library: scan download: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}
