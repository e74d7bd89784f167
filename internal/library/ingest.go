// SPDX-License-Identifier: MIT

package library

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ingestRankCase mirrors IngestState.rank for in-database monotonicity
// guards. Both terminal states share the top rank.
const ingestRankCase = `CASE state
	WHEN 'registered' THEN 0
	WHEN 'normalized' THEN 1
	WHEN 'queued' THEN 2
	ELSE 3 END`

// CreateIngestJob persists one submission and its items in a single
// transaction. The store assigns the job id and item ids; states and
// counts are taken as given.
func (s *Store) CreateIngestJob(ctx context.Context, job IngestJob, items []IngestItem) (IngestJob, []IngestItem, error) {
	if job.ID == "" {
		job.ID = uuid.NewString()
	}
	if job.State == "" {
		job.State = IngestRegistered
	}
	out := make([]IngestItem, 0, len(items))
	err := s.WithTx(ctx, func(t *Tx) error {
		if _, err := t.tx.ExecContext(ctx,
			`INSERT INTO ingest_jobs (id, mode, state, accepted, skipped, created_at_ms, updated_at_ms)
			 VALUES (?, ?, ?, ?, ?, ?, ?)`,
			job.ID, job.Mode, job.State.String(), job.Accepted, job.Skipped,
			t.now.UnixMilli(), t.now.UnixMilli(),
		); err != nil {
			return fmt.Errorf("library: insert ingest job: %w", err)
		}
		job.CreatedAt = t.now
		job.UpdatedAt = t.now

		for _, item := range items {
			item.IngestJobID = job.ID
			if item.State == "" {
				item.State = IngestRegistered
			}
			inserted, err := insertIngestItem(ctx, t, item)
			if err != nil {
				return err
			}
			out = append(out, inserted)
		}
		return nil
	})
	if err != nil {
		return IngestJob{}, nil, err
	}
	return job, out, nil
}

// GetIngestJob returns one job by id, ErrNotFound when absent.
func (s *Store) GetIngestJob(ctx context.Context, id string) (IngestJob, error) {
	var (
		job       IngestJob
		state     string
		createdMS int64
		updatedMS int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, mode, state, accepted, skipped, created_at_ms, updated_at_ms
		 FROM ingest_jobs WHERE id = ?`, id,
	).Scan(&job.ID, &job.Mode, &state, &job.Accepted, &job.Skipped, &createdMS, &updatedMS)
	if errors.Is(err, sql.ErrNoRows) {
		return IngestJob{}, ErrNotFound
	}
	if err != nil {
		return IngestJob{}, fmt.Errorf("library: get ingest job: %w", err)
	}
	job.State = IngestState(state)
	job.CreatedAt = msToTime(createdMS)
	job.UpdatedAt = msToTime(updatedMS)
	return job, nil
}

// GetIngestItem returns one item by id, ErrNotFound when absent.
func (s *Store) GetIngestItem(ctx context.Context, id int64) (IngestItem, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+ingestItemColumns+` FROM ingest_items WHERE id = ?`, id)
	item, err := scanIngestItem(row)
	if errors.Is(err, sql.ErrNoRows) {
		return IngestItem{}, ErrNotFound
	}
	if err != nil {
		return IngestItem{}, fmt.Errorf("library: get ingest item: %w", err)
	}
	return item, nil
}

// ListIngestItems returns a job's items in insertion order.
func (s *Store) ListIngestItems(ctx context.Context, jobID string) ([]IngestItem, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+ingestItemColumns+` FROM ingest_items WHERE ingest_job_id = ? ORDER BY id ASC`, jobID)
	if err != nil {
		return nil, fmt.Errorf("library: list ingest items: %w", err)
	}
	defer rows.Close()

	var items []IngestItem
	for rows.Next() {
		item, err := scanIngestItem(rows)
		if err != nil {
			return nil, fmt.Errorf("library: scan ingest item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// AdvanceIngestItems moves items forward to the given state and
// reports how many rows moved. States only advance; items already at
// or past the target, including terminal ones, are left untouched.
func (s *Store) AdvanceIngestItems(ctx context.Context, ids []int64, to IngestState) (int, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	rank := to.rank()
	if rank < 0 {
		return 0, fmt.Errorf("library: unknown ingest state %q", to)
	}
	args := make([]any, 0, len(ids)+2)
	args = append(args, to.String())
	for _, id := range ids {
		args = append(args, id)
	}
	args = append(args, rank)
	res, err := s.db.ExecContext(ctx,
		`UPDATE ingest_items SET state = ?
		 WHERE id IN (`+placeholders(len(ids))+`) AND `+ingestRankCase+` < ?`,
		args...,
	)
	if err != nil {
		return 0, fmt.Errorf("library: advance ingest items: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("library: advance ingest items: %w", err)
	}
	return int(n), nil
}

// MarkIngestItemFailed terminates one item with a reason. Items already
// terminal are left untouched.
func (s *Store) MarkIngestItemFailed(ctx context.Context, id int64, reason string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE ingest_items SET state = ?, skip_reason = ?
		 WHERE id = ? AND `+ingestRankCase+` < 3`,
		IngestFailed.String(), reason, id,
	)
	if err != nil {
		return fmt.Errorf("library: fail ingest item: %w", err)
	}
	return nil
}

// BindItemDownloadJob links an item to the download job that will carry
// its track and advances the item to queued.
func (s *Store) BindItemDownloadJob(ctx context.Context, itemID, downloadJobID int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE ingest_items SET download_job_id = ?,
			state = CASE WHEN `+ingestRankCase+` < 2 THEN 'queued' ELSE state END
		 WHERE id = ?`,
		downloadJobID, itemID,
	)
	if err != nil {
		return fmt.Errorf("library: bind download job: %w", err)
	}
	return nil
}

// AppendExpansionItems adds the tracks fetched for a playlist link,
// marks the link item completed, and grows the job's accepted count,
// all in one transaction. The parent must be a LINK item.
func (s *Store) AppendExpansionItems(ctx context.Context, parentID int64, items []IngestItem) ([]IngestItem, error) {
	out := make([]IngestItem, 0, len(items))
	err := s.WithTx(ctx, func(t *Tx) error {
		var jobID, sourceType string
		err := t.tx.QueryRowContext(ctx,
			`SELECT ingest_job_id, source_type FROM ingest_items WHERE id = ?`, parentID,
		).Scan(&jobID, &sourceType)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("library: expansion parent: %w", err)
		}
		if sourceType != SourceLink {
			return fmt.Errorf("library: item %d is %s, not %s", parentID, sourceType, SourceLink)
		}

		for _, item := range items {
			item.IngestJobID = jobID
			item.SourceType = SourceLinkExpansion
			if item.State == "" {
				item.State = IngestNormalized
			}
			inserted, err := insertIngestItem(ctx, t, item)
			if err != nil {
				return err
			}
			out = append(out, inserted)
		}

		if _, err := t.tx.ExecContext(ctx,
			`UPDATE ingest_items SET state = 'completed' WHERE id = ? AND `+ingestRankCase+` < 3`,
			parentID,
		); err != nil {
			return fmt.Errorf("library: complete link item: %w", err)
		}
		if _, err := t.tx.ExecContext(ctx,
			`UPDATE ingest_jobs SET accepted = accepted + ?, updated_at_ms = ? WHERE id = ?`,
			len(items), t.now.UnixMilli(), jobID,
		); err != nil {
			return fmt.Errorf("library: grow accepted count: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SettleIngestJob finalizes the job once every item is terminal. It
// reports whether the job is now terminal; jobs with at least one
// completed item settle as completed, all-failed jobs as failed.
func (s *Store) SettleIngestJob(ctx context.Context, jobID string) (bool, error) {
	settled := false
	err := s.WithTx(ctx, func(t *Tx) error {
		var open, completed int
		err := t.tx.QueryRowContext(ctx,
			`SELECT
				COUNT(*) FILTER (WHERE state NOT IN ('completed','failed')),
				COUNT(*) FILTER (WHERE state = 'completed')
			 FROM ingest_items WHERE ingest_job_id = ?`, jobID,
		).Scan(&open, &completed)
		if err != nil {
			return fmt.Errorf("library: settle counts: %w", err)
		}
		if open > 0 {
			return nil
		}
		state := IngestCompleted
		if completed == 0 {
			state = IngestFailed
		}
		if _, err := t.tx.ExecContext(ctx,
			`UPDATE ingest_jobs SET state = ?, updated_at_ms = ?
			 WHERE id = ? AND `+ingestRankCase+` < 3`,
			state.String(), t.now.UnixMilli(), jobID,
		); err != nil {
			return fmt.Errorf("library: settle job: %w", err)
		}
		settled = true
		return nil
	})
	return settled, err
}

// AdvanceIngestJob moves the job forward, never backward.
func (s *Store) AdvanceIngestJob(ctx context.Context, jobID string, to IngestState) error {
	rank := to.rank()
	if rank < 0 {
		return fmt.Errorf("library: unknown ingest state %q", to)
	}
	_, err := s.db.ExecContext(ctx,
		`UPDATE ingest_jobs SET state = ?, updated_at_ms = ?
		 WHERE id = ? AND `+ingestRankCase+` < ?`,
		to.String(), s.now().UTC().UnixMilli(), jobID, rank,
	)
	if err != nil {
		return fmt.Errorf("library: advance ingest job: %w", err)
	}
	return nil
}

func insertIngestItem(ctx context.Context, t *Tx, item IngestItem) (IngestItem, error) {
	var downloadJobID sql.NullInt64
	if item.DownloadJobID != nil {
		downloadJobID = sql.NullInt64{Int64: *item.DownloadJobID, Valid: true}
	}
	res, err := t.tx.ExecContext(ctx,
		`INSERT INTO ingest_items
			(ingest_job_id, source_type, raw, artist, title, album, playlist_id, state, skip_reason, download_job_id)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		item.IngestJobID, item.SourceType, item.Raw, item.Artist, item.Title, item.Album,
		item.PlaylistID, item.State.String(), item.SkipReason, downloadJobID,
	)
	if err != nil {
		return IngestItem{}, fmt.Errorf("library: insert ingest item: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return IngestItem{}, fmt.Errorf("library: ingest item id: %w", err)
	}
	item.ID = id
	return item, nil
}

func scanIngestItem(row rowScanner) (IngestItem, error) {
	var (
		item          IngestItem
		state         string
		downloadJobID sql.NullInt64
	)
	err := row.Scan(&item.ID, &item.IngestJobID, &item.SourceType, &item.Raw, &item.Artist,
		&item.Title, &item.Album, &item.PlaylistID, &state, &item.SkipReason, &downloadJobID)
	if err != nil {
		return IngestItem{}, err
	}
	item.State = IngestState(state)
	if downloadJobID.Valid {
		item.DownloadJobID = &downloadJobID.Int64
	}
	return item, nil
}

const ingestItemColumns = `id, ingest_job_id, source_type, raw, artist, title, album,
	playlist_id, state, skip_reason, download_job_id`

// placeholders returns n comma-separated "?" markers.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}
