// SPDX-License-Identifier: MIT

package library

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// UpsertWatchlist adds an artist to the watchlist or updates its
// priority. New entries start with the given retry budget; existing
// entries keep their budget and sync bookkeeping.
func (s *Store) UpsertWatchlist(ctx context.Context, artistKey string, priority, retryBudget int) (WatchlistEntry, error) {
	now := s.now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO watchlist_artists (artist_key, priority, retry_budget_remaining, created_at_ms, updated_at_ms)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(artist_key) DO UPDATE SET
			priority = excluded.priority,
			updated_at_ms = excluded.updated_at_ms`,
		artistKey, priority, retryBudget, now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return WatchlistEntry{}, fmt.Errorf("library: upsert watchlist: %w", err)
	}
	return s.GetWatchlist(ctx, artistKey)
}

// GetWatchlist returns one entry, ErrNotFound when absent.
func (s *Store) GetWatchlist(ctx context.Context, artistKey string) (WatchlistEntry, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+watchlistColumns+` FROM watchlist_artists WHERE artist_key = ?`, artistKey)
	entry, err := scanWatchlist(row)
	if errors.Is(err, sql.ErrNoRows) {
		return WatchlistEntry{}, ErrNotFound
	}
	if err != nil {
		return WatchlistEntry{}, fmt.Errorf("library: get watchlist: %w", err)
	}
	return entry, nil
}

// ListWatchlist returns entries ordered by priority for the ops API.
func (s *Store) ListWatchlist(ctx context.Context, limit, offset int) ([]WatchlistEntry, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+watchlistColumns+` FROM watchlist_artists
		 ORDER BY priority DESC, artist_key ASC LIMIT ? OFFSET ?`,
		limit, max(offset, 0),
	)
	if err != nil {
		return nil, fmt.Errorf("library: list watchlist: %w", err)
	}
	defer rows.Close()

	var entries []WatchlistEntry
	for rows.Next() {
		entry, err := scanWatchlist(rows)
		if err != nil {
			return nil, fmt.Errorf("library: scan watchlist: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// CountWatchlist returns the number of watched artists.
func (s *Store) CountWatchlist(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM watchlist_artists`).Scan(&n); err != nil {
		return 0, fmt.Errorf("library: count watchlist: %w", err)
	}
	return n, nil
}

// PauseWatchlist pauses an entry, optionally until resumeAt.
func (s *Store) PauseWatchlist(ctx context.Context, artistKey, reason string, resumeAt *time.Time) error {
	return s.touchWatchlist(ctx, artistKey,
		`UPDATE watchlist_artists
		 SET paused = 1, pause_reason = ?, resume_at_ms = ?, updated_at_ms = ?
		 WHERE artist_key = ?`,
		nullString(reason), nullTimeMS(resumeAt))
}

// ResumeWatchlist clears a pause.
func (s *Store) ResumeWatchlist(ctx context.Context, artistKey string) error {
	return s.touchWatchlist(ctx, artistKey,
		`UPDATE watchlist_artists
		 SET paused = 0, pause_reason = NULL, resume_at_ms = NULL, updated_at_ms = ?
		 WHERE artist_key = ?`)
}

// AutoResumeWatchlist clears pauses whose resume time has passed and
// returns how many entries it woke. The timer runs this before
// selecting eligible entries.
func (s *Store) AutoResumeWatchlist(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE watchlist_artists
		 SET paused = 0, pause_reason = NULL, resume_at_ms = NULL, updated_at_ms = ?
		 WHERE paused = 1 AND resume_at_ms IS NOT NULL AND resume_at_ms <= ?`,
		now.UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return 0, fmt.Errorf("library: auto resume: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("library: auto resume: %w", err)
	}
	return int(n), nil
}

// EligibleWatchlist returns up to limit entries due for a sync, highest
// priority first and least recently enqueued within a priority. Paused
// entries and entries still cooling down are excluded.
func (s *Store) EligibleWatchlist(ctx context.Context, now time.Time, limit int) ([]WatchlistEntry, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+watchlistColumns+` FROM watchlist_artists
		 WHERE paused = 0 AND (cooldown_until_ms IS NULL OR cooldown_until_ms <= ?)
		 ORDER BY priority DESC, last_enqueued_at_ms ASC, artist_key ASC
		 LIMIT ?`,
		now.UnixMilli(), limit,
	)
	if err != nil {
		return nil, fmt.Errorf("library: eligible watchlist: %w", err)
	}
	defer rows.Close()

	var entries []WatchlistEntry
	for rows.Next() {
		entry, err := scanWatchlist(rows)
		if err != nil {
			return nil, fmt.Errorf("library: scan watchlist: %w", err)
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// MarkEnqueued stamps the last enqueue time after the timer hands an
// artist to the queue.
func (s *Store) MarkEnqueued(ctx context.Context, artistKey string, at time.Time) error {
	return s.touchWatchlist(ctx, artistKey,
		`UPDATE watchlist_artists SET last_enqueued_at_ms = ?, updated_at_ms = ? WHERE artist_key = ?`,
		at.UnixMilli())
}

// StampSynced records a successful sync, clears the cooldown, and
// restores the retry budget.
func (s *Store) StampSynced(ctx context.Context, artistKey string, at time.Time, retryBudget int) error {
	return s.touchWatchlist(ctx, artistKey,
		`UPDATE watchlist_artists
		 SET last_synced_at_ms = ?, cooldown_until_ms = NULL, retry_budget_remaining = ?, updated_at_ms = ?
		 WHERE artist_key = ?`,
		at.UnixMilli(), retryBudget)
}

// MarkSynced stamps last_synced_at alone, recording that a sync was
// dispatched. StampSynced is the full post-sync stamp that also clears
// the cooldown and restores the budget.
func (s *Store) MarkSynced(ctx context.Context, artistKey string, at time.Time) error {
	return s.touchWatchlist(ctx, artistKey,
		`UPDATE watchlist_artists SET last_synced_at_ms = ?, updated_at_ms = ? WHERE artist_key = ?`,
		at.UnixMilli())
}

// SetCooldown blocks further syncs for the artist until the given time.
func (s *Store) SetCooldown(ctx context.Context, artistKey string, until time.Time) error {
	return s.touchWatchlist(ctx, artistKey,
		`UPDATE watchlist_artists SET cooldown_until_ms = ?, updated_at_ms = ? WHERE artist_key = ?`,
		until.UnixMilli())
}

// ResetBudget restores the retry budget and pushes the next sync behind
// a cooldown. The watchlist handler calls it when an entry arrives with
// its budget already spent.
func (s *Store) ResetBudget(ctx context.Context, artistKey string, budget int, cooldownUntil time.Time) error {
	return s.touchWatchlist(ctx, artistKey,
		`UPDATE watchlist_artists
		 SET retry_budget_remaining = ?, cooldown_until_ms = ?, updated_at_ms = ?
		 WHERE artist_key = ?`,
		budget, cooldownUntil.UnixMilli())
}

// SpendRetryBudget decrements the retry budget and reports what is
// left, clamping at zero. An exhausted entry stays eligible: the next
// watchlist job finds the zero budget, starts a cooldown, and restocks
// it via ResetBudget.
func (s *Store) SpendRetryBudget(ctx context.Context, artistKey string) (int, error) {
	var remaining int
	err := s.WithTx(ctx, func(t *Tx) error {
		if _, err := t.tx.ExecContext(ctx,
			`UPDATE watchlist_artists
			 SET retry_budget_remaining = MAX(retry_budget_remaining - 1, 0), updated_at_ms = ?
			 WHERE artist_key = ?`,
			t.now.UnixMilli(), artistKey,
		); err != nil {
			return fmt.Errorf("library: spend retry budget: %w", err)
		}
		err := t.tx.QueryRowContext(ctx,
			`SELECT retry_budget_remaining FROM watchlist_artists WHERE artist_key = ?`,
			artistKey,
		).Scan(&remaining)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("library: read retry budget: %w", err)
		}
		return nil
	})
	return remaining, err
}

// touchWatchlist runs an update whose final bind values are always
// (updated_at_ms, artist_key). ErrNotFound reports a missing entry.
func (s *Store) touchWatchlist(ctx context.Context, artistKey, query string, args ...any) error {
	args = append(args, s.now().UTC().UnixMilli(), artistKey)
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("library: update watchlist: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("library: update watchlist: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

const watchlistColumns = `artist_key, priority, paused, pause_reason, resume_at_ms,
	last_enqueued_at_ms, last_synced_at_ms, cooldown_until_ms, retry_budget_remaining,
	created_at_ms, updated_at_ms`

func scanWatchlist(row rowScanner) (WatchlistEntry, error) {
	var (
		e          WatchlistEntry
		paused     int
		reason     sql.NullString
		resumeMS   sql.NullInt64
		enqueuedMS sql.NullInt64
		syncedMS   sql.NullInt64
		cooldownMS sql.NullInt64
		createdMS  int64
		updatedMS  int64
	)
	err := row.Scan(&e.ArtistKey, &e.Priority, &paused, &reason, &resumeMS,
		&enqueuedMS, &syncedMS, &cooldownMS, &e.RetryBudgetRemaining,
		&createdMS, &updatedMS)
	if err != nil {
		return WatchlistEntry{}, err
	}
	e.Paused = paused != 0
	e.PauseReason = reason.String
	e.ResumeAt = msToTimePtr(resumeMS)
	e.LastEnqueuedAt = msToTimePtr(enqueuedMS)
	e.LastSyncedAt = msToTimePtr(syncedMS)
	e.CooldownUntil = msToTimePtr(cooldownMS)
	e.CreatedAt = msToTime(createdMS)
	e.UpdatedAt = msToTime(updatedMS)
	return e, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}
