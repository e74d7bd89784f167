// SPDX-License-Identifier: MIT

package library

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/harmonyhub/harmony/internal/metrics"
)

// GetArtist returns one artist by key, ErrNotFound when absent.
func (s *Store) GetArtist(ctx context.Context, key string) (Artist, error) {
	var (
		a         Artist
		ids       string
		createdMS int64
		updatedMS int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT key, name, source, external_ids, etag_fingerprint, created_at_ms, updated_at_ms
		 FROM artists WHERE key = ?`, key,
	).Scan(&a.Key, &a.Name, &a.Source, &ids, &a.ETagFingerprint, &createdMS, &updatedMS)
	if errors.Is(err, sql.ErrNoRows) {
		return Artist{}, ErrNotFound
	}
	if err != nil {
		return Artist{}, fmt.Errorf("library: get artist: %w", err)
	}
	if err := json.Unmarshal([]byte(ids), &a.ExternalIDs); err != nil {
		return Artist{}, fmt.Errorf("library: decode external ids: %w", err)
	}
	if len(a.ExternalIDs) == 0 {
		a.ExternalIDs = nil
	}
	a.CreatedAt = msToTime(createdMS)
	a.UpdatedAt = msToTime(updatedMS)
	return a, nil
}

// ListReleases returns an artist's releases ordered newest first.
// Inactive releases are excluded unless includeInactive is set; the
// delta engine needs them so prior prunes reactivate instead of
// re-creating.
func (s *Store) ListReleases(ctx context.Context, artistKey string, includeInactive bool) ([]Release, error) {
	query := `SELECT id, artist_key, source, source_id, title, release_type, release_date,
			track_count, inactive_at_ms, inactive_reason
		FROM releases WHERE artist_key = ?`
	if !includeInactive {
		query += ` AND inactive_at_ms IS NULL`
	}
	query += ` ORDER BY release_date DESC, title ASC, id ASC`

	rows, err := s.db.QueryContext(ctx, query, artistKey)
	if err != nil {
		return nil, fmt.Errorf("library: list releases: %w", err)
	}
	defer rows.Close()

	var releases []Release
	for rows.Next() {
		var (
			r          Release
			inactiveMS sql.NullInt64
			reason     sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.ArtistKey, &r.Source, &r.SourceID, &r.Title,
			&r.ReleaseType, &r.ReleaseDate, &r.TrackCount, &inactiveMS, &reason); err != nil {
			return nil, fmt.Errorf("library: scan release: %w", err)
		}
		r.InactiveAt = msToTimePtr(inactiveMS)
		r.InactiveReason = reason.String
		releases = append(releases, r)
	}
	return releases, rows.Err()
}

// ListAudit returns the audit trail for one artist in total order
// (at, id), oldest first.
func (s *Store) ListAudit(ctx context.Context, artistKey string, limit, offset int) ([]AuditEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, artist_key, job_id, event, entity_type, entity_id, before_json, after_json, at_ms
		 FROM artist_audit WHERE artist_key = ?
		 ORDER BY at_ms ASC, id ASC LIMIT ? OFFSET ?`,
		artistKey, limit, max(offset, 0),
	)
	if err != nil {
		return nil, fmt.Errorf("library: list audit: %w", err)
	}
	defer rows.Close()

	var events []AuditEvent
	for rows.Next() {
		var (
			ev     AuditEvent
			jobID  sql.NullInt64
			before sql.NullString
			after  sql.NullString
			atMS   int64
		)
		if err := rows.Scan(&ev.ID, &ev.ArtistKey, &jobID, &ev.Event, &ev.EntityType,
			&ev.EntityID, &before, &after, &atMS); err != nil {
			return nil, fmt.Errorf("library: scan audit: %w", err)
		}
		ev.JobID = jobID.Int64
		if before.Valid {
			ev.Before = json.RawMessage(before.String)
		}
		if after.Valid {
			ev.After = json.RawMessage(after.String)
		}
		ev.At = msToTime(atMS)
		events = append(events, ev)
	}
	return events, rows.Err()
}

// UpsertArtist inserts or updates the artist row. The creation
// timestamp survives updates.
func (t *Tx) UpsertArtist(ctx context.Context, a Artist) error {
	ids := []byte("{}")
	if len(a.ExternalIDs) > 0 {
		var err error
		if ids, err = json.Marshal(a.ExternalIDs); err != nil {
			return fmt.Errorf("library: encode external ids: %w", err)
		}
	}
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO artists (key, name, source, external_ids, etag_fingerprint, created_at_ms, updated_at_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(key) DO UPDATE SET
			name = excluded.name,
			source = excluded.source,
			external_ids = excluded.external_ids,
			updated_at_ms = excluded.updated_at_ms`,
		a.Key, a.Name, a.Source, string(ids), a.ETagFingerprint,
		t.now.UnixMilli(), t.now.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("library: upsert artist: %w", err)
	}
	return nil
}

// SetArtistFingerprint records the provider payload fingerprint used to
// short-circuit unchanged syncs.
func (t *Tx) SetArtistFingerprint(ctx context.Context, key, fingerprint string) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE artists SET etag_fingerprint = ?, updated_at_ms = ? WHERE key = ?`,
		fingerprint, t.now.UnixMilli(), key,
	)
	if err != nil {
		return fmt.Errorf("library: set fingerprint: %w", err)
	}
	return nil
}

// InsertRelease writes a new active release and returns its id,
// generating one when the row carries none.
func (t *Tx) InsertRelease(ctx context.Context, r Release) (string, error) {
	id := r.ID
	if id == "" {
		id = uuid.NewString()
	}
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO releases (id, artist_key, source, source_id, title, release_type, release_date, track_count)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		id, r.ArtistKey, r.Source, r.SourceID, r.Title, r.ReleaseType, r.ReleaseDate, r.TrackCount,
	)
	if err != nil {
		return "", fmt.Errorf("library: insert release: %w", err)
	}
	return id, nil
}

// UpdateRelease overwrites the material fields of an existing release.
// Clearing InactiveAt on the way in reactivates a soft-deleted row.
func (t *Tx) UpdateRelease(ctx context.Context, r Release) error {
	res, err := t.tx.ExecContext(ctx,
		`UPDATE releases
		 SET source = ?, source_id = ?, title = ?, release_type = ?, release_date = ?,
		     track_count = ?, inactive_at_ms = ?, inactive_reason = ?
		 WHERE id = ?`,
		r.Source, r.SourceID, r.Title, r.ReleaseType, r.ReleaseDate,
		r.TrackCount, nullTimeMS(r.InactiveAt), nullString(r.InactiveReason), r.ID,
	)
	if err != nil {
		return fmt.Errorf("library: update release: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("library: update release: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SoftDeleteRelease marks a release inactive. Already inactive rows are
// left untouched so re-applied syncs stay idempotent.
func (t *Tx) SoftDeleteRelease(ctx context.Context, id, reason string) error {
	_, err := t.tx.ExecContext(ctx,
		`UPDATE releases SET inactive_at_ms = ?, inactive_reason = ?
		 WHERE id = ? AND inactive_at_ms IS NULL`,
		t.now.UnixMilli(), reason, id,
	)
	if err != nil {
		return fmt.Errorf("library: soft delete release: %w", err)
	}
	return nil
}

// HardDeleteRelease removes the row. Its audit trail stays.
func (t *Tx) HardDeleteRelease(ctx context.Context, id string) error {
	if _, err := t.tx.ExecContext(ctx, `DELETE FROM releases WHERE id = ?`, id); err != nil {
		return fmt.Errorf("library: hard delete release: %w", err)
	}
	return nil
}

// AppendAudit writes one audit row, stamping the transaction timestamp.
// Rows are never updated afterwards.
func (t *Tx) AppendAudit(ctx context.Context, ev AuditEvent) error {
	var jobID sql.NullInt64
	if ev.JobID != 0 {
		jobID = sql.NullInt64{Int64: ev.JobID, Valid: true}
	}
	_, err := t.tx.ExecContext(ctx,
		`INSERT INTO artist_audit (artist_key, job_id, event, entity_type, entity_id, before_json, after_json, at_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ArtistKey, jobID, ev.Event, ev.EntityType, ev.EntityID,
		nullString(string(ev.Before)), nullString(string(ev.After)), t.now.UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("library: append audit: %w", err)
	}
	metrics.IncAuditEvent(ev.Event)
	return nil
}
