// SPDX-License-Identifier: MIT

package library

import (
	"context"
	"fmt"
	"time"
)

// ArtistLease names the advisory lease serializing syncs of one artist.
func ArtistLease(artistKey string) string {
	return "artist_sync:" + artistKey
}

// AcquireLease takes or renews the named advisory lease. It returns
// false while another holder owns the lease and it has not expired.
func (s *Store) AcquireLease(ctx context.Context, name, holder string, ttl time.Duration) (bool, error) {
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO leases (name, holder, expires_at_ms) VALUES (?, ?, ?)
		 ON CONFLICT(name) DO UPDATE SET
			holder = excluded.holder,
			expires_at_ms = excluded.expires_at_ms
		 WHERE leases.expires_at_ms <= ? OR leases.holder = excluded.holder`,
		name, holder, now.Add(ttl).UnixMilli(), now.UnixMilli(),
	)
	if err != nil {
		return false, fmt.Errorf("library: acquire lease: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("library: acquire lease: %w", err)
	}
	return n > 0, nil
}

// ReleaseLease drops the lease if the holder still owns it. Releasing
// a lease someone else took over is a no-op.
func (s *Store) ReleaseLease(ctx context.Context, name, holder string) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM leases WHERE name = ? AND holder = ?`, name, holder,
	); err != nil {
		return fmt.Errorf("library: release lease: %w", err)
	}
	return nil
}

// SweepLeases removes expired lease rows and returns how many went.
// Acquire overwrites expired rows on its own; the sweep only keeps the
// table from accumulating rows for artists that never sync again.
func (s *Store) SweepLeases(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM leases WHERE expires_at_ms <= ?`, now.UnixMilli())
	if err != nil {
		return 0, fmt.Errorf("library: sweep leases: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("library: sweep leases: %w", err)
	}
	return int(n), nil
}
