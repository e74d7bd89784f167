// SPDX-License-Identifier: MIT

package queue

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/harmonyhub/harmony/internal/fsutil"
	"github.com/harmonyhub/harmony/internal/metrics"
)

// PurgeResult reports one archive-and-purge pass over the dead letters.
type PurgeResult struct {
	Purged      int64  `json:"purged"`
	ArchivePath string `json:"archive_path,omitempty"`
}

// ArchiveAndPurge removes up to limit of the oldest dead letters. When
// archiveDir is non-empty the rows are written there as a JSONL file
// before deletion, so the purge never destroys the only copy.
func ArchiveAndPurge(ctx context.Context, store Store, limit int, archiveDir string) (PurgeResult, error) {
	if limit <= 0 {
		return PurgeResult{}, nil
	}

	letters, err := store.ListDeadLetters(ctx, Page{Limit: limit, OldestFirst: true})
	if err != nil {
		return PurgeResult{}, fmt.Errorf("queue: list for purge: %w", err)
	}
	if len(letters) == 0 {
		return PurgeResult{}, nil
	}

	var archivePath string
	if archiveDir != "" {
		archivePath = filepath.Join(archiveDir,
			fmt.Sprintf("dead-letters-%s.jsonl", time.Now().UTC().Format("20060102T150405Z")))
		if err := fsutil.WriteJSONLines(archivePath, letters); err != nil {
			return PurgeResult{}, fmt.Errorf("queue: archive before purge: %w", err)
		}
	}

	ids := make([]int64, len(letters))
	for i, d := range letters {
		ids[i] = d.ID
	}
	purged, err := store.DeleteDeadLetters(ctx, ids)
	if err != nil {
		return PurgeResult{}, fmt.Errorf("queue: purge dead letters: %w", err)
	}

	metrics.AddDLQPurged(int(purged))
	return PurgeResult{Purged: purged, ArchivePath: archivePath}, nil
}
