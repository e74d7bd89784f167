// SPDX-License-Identifier: MIT

package queue

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestArchiveAndPurge(t *testing.T) {
	store := newTestStore(t, stubPolicies{TypeSync: {MaxAttempts: 1, Base: time.Second}})
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		id := mustEnqueue(t, store, EnqueueRequest{Type: TypeSync})
		jobs, err := store.Lease(ctx, LeaseOptions{Limit: 1, LeaseFor: time.Minute})
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		_, err = store.Fail(ctx, id, jobs[0].LeaseToken, "peer unreachable", true)
		require.NoError(t, err)
	}

	archiveDir := t.TempDir()
	res, err := ArchiveAndPurge(ctx, store, 2, archiveDir)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.Purged)
	require.NotEmpty(t, res.ArchivePath)

	// The archive holds exactly the purged rows, one JSON document per line.
	f, err := os.Open(res.ArchivePath)
	require.NoError(t, err)
	defer f.Close()

	var archived []DeadLetter
	dec := json.NewDecoder(f)
	for dec.More() {
		var d DeadLetter
		require.NoError(t, dec.Decode(&d))
		archived = append(archived, d)
	}
	assert.Len(t, archived, 2)

	remaining, err := store.ListDeadLetters(ctx, Page{Limit: 10})
	require.NoError(t, err)
	assert.Len(t, remaining, 1)
}

func TestArchiveAndPurgeEmptyQueue(t *testing.T) {
	store := newTestStore(t, nil)

	res, err := ArchiveAndPurge(context.Background(), store, 10, t.TempDir())
	require.NoError(t, err)
	assert.Zero(t, res.Purged)
	assert.Empty(t, res.ArchivePath)
}
