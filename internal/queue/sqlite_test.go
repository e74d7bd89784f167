// SPDX-License-Identifier: MIT

package queue

import (
	"context"
	"encoding/json"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	hsqlite "github.com/harmonyhub/harmony/internal/persistence/sqlite"
	"github.com/harmonyhub/harmony/internal/retrypolicy"
)

type stubPolicies map[string]retrypolicy.Policy

func (s stubPolicies) Get(jobType string) retrypolicy.Policy {
	if p, ok := s[jobType]; ok {
		return p
	}
	return retrypolicy.Policy{MaxAttempts: 3, Base: time.Second}
}

var testPriorities = map[string]int{
	TypeSync:      100,
	TypeMatching:  90,
	TypeRetry:     80,
	TypeWatchlist: 50,
}

func newTestStore(t *testing.T, policies PolicyProvider) *SQLiteStore {
	t.Helper()

	cfg := hsqlite.DefaultConfig()
	cfg.TxLock = "immediate"
	db, err := hsqlite.Open(filepath.Join(t.TempDir(), "queue.db"), cfg)
	require.NoError(t, err)

	if policies == nil {
		policies = stubPolicies{}
	}
	store, err := NewSQLiteStore(db, Options{Priorities: testPriorities, Policies: policies})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func mustEnqueue(t *testing.T, store Store, req EnqueueRequest) int64 {
	t.Helper()
	res, err := store.Enqueue(context.Background(), req)
	require.NoError(t, err)
	return res.JobID
}

func TestEnqueueValidation(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()

	_, err := store.Enqueue(ctx, EnqueueRequest{})
	assert.ErrorIs(t, err, ErrInvalidJob)

	_, err = store.Enqueue(ctx, EnqueueRequest{Type: TypeSync, Payload: json.RawMessage(`{broken`)})
	assert.ErrorIs(t, err, ErrInvalidJob)
}

func TestEnqueueAppliesDefaultPriority(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()

	id := mustEnqueue(t, store, EnqueueRequest{Type: TypeSync})
	job, err := store.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 100, job.Priority)
	assert.Equal(t, StatePending, job.State)
	assert.Equal(t, 0, job.Attempts)

	p := 7
	id = mustEnqueue(t, store, EnqueueRequest{Type: TypeSync, Priority: &p})
	job, err = store.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 7, job.Priority)
}

func TestEnqueueIdempotency(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()

	first, err := store.Enqueue(ctx, EnqueueRequest{Type: TypeSync, IdempotencyKey: "track:42"})
	require.NoError(t, err)
	assert.False(t, first.Deduplicated)

	// Same type and key while non-terminal: same job, no duplicate.
	second, err := store.Enqueue(ctx, EnqueueRequest{Type: TypeSync, IdempotencyKey: "track:42"})
	require.NoError(t, err)
	assert.True(t, second.Deduplicated)
	assert.Equal(t, first.JobID, second.JobID)

	// A different type may reuse the key.
	other, err := store.Enqueue(ctx, EnqueueRequest{Type: TypeMatching, IdempotencyKey: "track:42"})
	require.NoError(t, err)
	assert.False(t, other.Deduplicated)
	assert.NotEqual(t, first.JobID, other.JobID)

	// Deduplication still applies while the job is leased.
	jobs, err := store.Lease(ctx, LeaseOptions{Types: []string{TypeSync}, Limit: 1, LeaseFor: time.Minute})
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	third, err := store.Enqueue(ctx, EnqueueRequest{Type: TypeSync, IdempotencyKey: "track:42"})
	require.NoError(t, err)
	assert.True(t, third.Deduplicated)
	assert.Equal(t, first.JobID, third.JobID)

	// Once terminal, the key is free again.
	require.NoError(t, store.Commit(ctx, jobs[0].ID, jobs[0].LeaseToken))
	fresh, err := store.Enqueue(ctx, EnqueueRequest{Type: TypeSync, IdempotencyKey: "track:42"})
	require.NoError(t, err)
	assert.False(t, fresh.Deduplicated)
	assert.NotEqual(t, first.JobID, fresh.JobID)
}

func TestLeasePriorityWeighting(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()

	mustEnqueue(t, store, EnqueueRequest{Type: TypeSync})
	mustEnqueue(t, store, EnqueueRequest{Type: TypeWatchlist})
	mustEnqueue(t, store, EnqueueRequest{Type: TypeMatching})

	var order []string
	for i := 0; i < 3; i++ {
		jobs, err := store.Lease(ctx, LeaseOptions{Limit: 1, LeaseFor: time.Minute})
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		order = append(order, jobs[0].Type)
	}
	assert.Equal(t, []string{TypeSync, TypeMatching, TypeWatchlist}, order)
}

func TestLeaseOrdering(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()
	base := time.Now().Add(-time.Hour)

	p50 := 50
	// Same priority, staggered availability; ids break the final tie.
	late := mustEnqueue(t, store, EnqueueRequest{Type: TypeSync, Priority: &p50, AvailableAt: base.Add(time.Minute)})
	early := mustEnqueue(t, store, EnqueueRequest{Type: TypeSync, Priority: &p50, AvailableAt: base})
	tieA := mustEnqueue(t, store, EnqueueRequest{Type: TypeSync, Priority: &p50, AvailableAt: base.Add(2 * time.Minute)})
	tieB := mustEnqueue(t, store, EnqueueRequest{Type: TypeSync, Priority: &p50, AvailableAt: base.Add(2 * time.Minute)})
	p90 := 90
	top := mustEnqueue(t, store, EnqueueRequest{Type: TypeSync, Priority: &p90, AvailableAt: base.Add(3 * time.Minute)})

	jobs, err := store.Lease(ctx, LeaseOptions{Limit: 10, LeaseFor: time.Minute})
	require.NoError(t, err)
	require.Len(t, jobs, 5)

	got := make([]int64, len(jobs))
	for i, j := range jobs {
		got[i] = j.ID
	}
	assert.Equal(t, []int64{top, early, late, tieA, tieB}, got)
}

func TestLeaseSkipsFutureJobs(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()

	mustEnqueue(t, store, EnqueueRequest{Type: TypeSync, AvailableAt: time.Now().Add(time.Hour)})

	jobs, err := store.Lease(ctx, LeaseOptions{Limit: 10, LeaseFor: time.Minute})
	require.NoError(t, err)
	assert.Empty(t, jobs)

	// Time travel: the delayed job is claimable once now passes available_at.
	jobs, err = store.Lease(ctx, LeaseOptions{Limit: 10, LeaseFor: time.Minute, Now: time.Now().Add(2 * time.Hour)})
	require.NoError(t, err)
	assert.Len(t, jobs, 1)
}

func TestLeaseFiltersTypes(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()

	mustEnqueue(t, store, EnqueueRequest{Type: TypeSync})
	mustEnqueue(t, store, EnqueueRequest{Type: TypeWatchlist})

	jobs, err := store.Lease(ctx, LeaseOptions{Types: []string{TypeWatchlist}, Limit: 10, LeaseFor: time.Minute})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, TypeWatchlist, jobs[0].Type)
}

func TestConcurrentLeasersNeverShareAJob(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()

	const jobCount = 60
	for i := 0; i < jobCount; i++ {
		mustEnqueue(t, store, EnqueueRequest{Type: TypeSync})
	}

	var mu sync.Mutex
	seen := make(map[int64]int)

	var g errgroup.Group
	for w := 0; w < 6; w++ {
		g.Go(func() error {
			for {
				jobs, err := store.Lease(ctx, LeaseOptions{Limit: 5, LeaseFor: time.Minute})
				if err != nil {
					return err
				}
				if len(jobs) == 0 {
					return nil
				}
				mu.Lock()
				for _, j := range jobs {
					seen[j.ID]++
				}
				mu.Unlock()
			}
		})
	}
	require.NoError(t, g.Wait())

	assert.Len(t, seen, jobCount)
	for id, n := range seen {
		assert.Equalf(t, 1, n, "job %d leased %d times", id, n)
	}
}

func TestHeartbeatExtendsLeaseAndVerifiesToken(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()

	mustEnqueue(t, store, EnqueueRequest{Type: TypeSync})
	jobs, err := store.Lease(ctx, LeaseOptions{Limit: 1, LeaseFor: time.Minute})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	job := jobs[0]

	next := time.Now().Add(2 * time.Minute)
	require.NoError(t, store.Heartbeat(ctx, job.ID, job.LeaseToken, next))

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.WithinDuration(t, next, got.LeaseUntil, time.Millisecond)
	assert.True(t, got.LeaseUntil.After(got.LastHeartbeat))

	err = store.Heartbeat(ctx, job.ID, "not-the-token", next)
	assert.ErrorIs(t, err, ErrLeaseLost)
}

func TestDeferRefundsAttempt(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()

	mustEnqueue(t, store, EnqueueRequest{Type: TypeSync})
	jobs, err := store.Lease(ctx, LeaseOptions{Limit: 1, LeaseFor: time.Minute})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	job := jobs[0]
	assert.Equal(t, 1, job.Attempts)

	assert.ErrorIs(t, store.Defer(ctx, job.ID, "stale-token", time.Time{}), ErrLeaseLost)

	until := time.Now().Add(time.Minute)
	require.NoError(t, store.Defer(ctx, job.ID, job.LeaseToken, until))

	got, err := store.GetJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatePending, got.State)
	assert.Equal(t, 0, got.Attempts)
	assert.WithinDuration(t, until, got.AvailableAt, time.Millisecond)
	assert.True(t, got.LeaseUntil.IsZero())

	// Not claimable until the deferral window passes.
	jobs, err = store.Lease(ctx, LeaseOptions{Limit: 1, LeaseFor: time.Minute})
	require.NoError(t, err)
	assert.Empty(t, jobs)

	jobs, err = store.Lease(ctx, LeaseOptions{Limit: 1, LeaseFor: time.Minute, Now: until.Add(time.Second)})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, 1, jobs[0].Attempts)
}

func TestCommitRequiresLiveLease(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()

	id := mustEnqueue(t, store, EnqueueRequest{Type: TypeSync})
	jobs, err := store.Lease(ctx, LeaseOptions{Limit: 1, LeaseFor: time.Minute})
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	assert.ErrorIs(t, store.Commit(ctx, id, "stale-token"), ErrLeaseLost)

	require.NoError(t, store.Commit(ctx, id, jobs[0].LeaseToken))
	job, err := store.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, job.State)
	assert.True(t, job.LeaseUntil.IsZero())

	// A second commit with the same token finds no live lease.
	assert.ErrorIs(t, store.Commit(ctx, id, jobs[0].LeaseToken), ErrLeaseLost)
}

func TestRetryThenSuccess(t *testing.T) {
	policies := stubPolicies{
		TypeSync: {MaxAttempts: 3, Base: time.Second, JitterPct: 0},
	}
	store := newTestStore(t, policies)
	ctx := context.Background()

	id := mustEnqueue(t, store, EnqueueRequest{Type: TypeSync})

	// Attempt 1 fails: retry in base*2^0 = 1s.
	jobs, err := store.Lease(ctx, LeaseOptions{Limit: 1, LeaseFor: time.Minute})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, 1, jobs[0].Attempts)

	outcome, err := store.Fail(ctx, id, jobs[0].LeaseToken, "provider timeout", true)
	require.NoError(t, err)
	assert.Equal(t, StatePending, outcome.State)
	assert.Equal(t, time.Second, outcome.RetryIn)

	job, err := store.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatePending, job.State)
	assert.Equal(t, "provider timeout", job.LastError)
	assert.WithinDuration(t, outcome.NextAvailableAt, job.AvailableAt, time.Millisecond)

	// Attempt 2 fails: retry in base*2^1 = 2s.
	jobs, err = store.Lease(ctx, LeaseOptions{Limit: 1, LeaseFor: time.Minute, Now: time.Now().Add(1500 * time.Millisecond)})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, 2, jobs[0].Attempts)

	outcome, err = store.Fail(ctx, id, jobs[0].LeaseToken, "provider timeout", true)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, outcome.RetryIn)

	// Attempt 3 succeeds.
	jobs, err = store.Lease(ctx, LeaseOptions{Limit: 1, LeaseFor: time.Minute, Now: time.Now().Add(4 * time.Second)})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.NoError(t, store.Commit(ctx, id, jobs[0].LeaseToken))

	job, err = store.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateSucceeded, job.State)
	assert.Equal(t, 3, job.Attempts)
}

func TestDeadLetterAfterExhaustion(t *testing.T) {
	policies := stubPolicies{
		TypeSync: {MaxAttempts: 2, Base: time.Second, JitterPct: 0},
	}
	store := newTestStore(t, policies)
	ctx := context.Background()

	id := mustEnqueue(t, store, EnqueueRequest{Type: TypeSync, Payload: json.RawMessage(`{"artist_key":"spotify:1"}`)})

	jobs, err := store.Lease(ctx, LeaseOptions{Limit: 1, LeaseFor: time.Minute})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	outcome, err := store.Fail(ctx, id, jobs[0].LeaseToken, "first failure", true)
	require.NoError(t, err)
	require.Equal(t, StatePending, outcome.State)

	// Second failure exhausts max_attempts=2: dead, letter written, and
	// no third attempt is ever claimable.
	jobs, err = store.Lease(ctx, LeaseOptions{Limit: 1, LeaseFor: time.Minute, Now: time.Now().Add(2 * time.Second)})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	outcome, err = store.Fail(ctx, id, jobs[0].LeaseToken, "second failure", true)
	require.NoError(t, err)
	assert.Equal(t, StateDead, outcome.State)
	assert.Equal(t, 2, outcome.Attempts)

	job, err := store.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StateDead, job.State)

	letters, err := store.ListDeadLetters(ctx, Page{Limit: 10})
	require.NoError(t, err)
	require.Len(t, letters, 1)
	assert.Equal(t, id, letters[0].JobID)
	assert.Equal(t, "second failure", letters[0].Reason)
	assert.Equal(t, 2, letters[0].Attempts)
	assert.JSONEq(t, `{"artist_key":"spotify:1"}`, string(letters[0].Payload))

	jobs, err = store.Lease(ctx, LeaseOptions{Limit: 10, LeaseFor: time.Minute, Now: time.Now().Add(time.Hour)})
	require.NoError(t, err)
	assert.Empty(t, jobs)
}

func TestPermanentFailureGoesStraightToDead(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()

	id := mustEnqueue(t, store, EnqueueRequest{Type: TypeSync})
	jobs, err := store.Lease(ctx, LeaseOptions{Limit: 1, LeaseFor: time.Minute})
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	outcome, err := store.Fail(ctx, id, jobs[0].LeaseToken, "schema violation", false)
	require.NoError(t, err)
	assert.Equal(t, StateDead, outcome.State)

	letters, err := store.ListDeadLetters(ctx, Page{Limit: 10})
	require.NoError(t, err)
	require.Len(t, letters, 1)
}

func TestFailRequiresLiveLease(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()

	id := mustEnqueue(t, store, EnqueueRequest{Type: TypeSync})
	_, err := store.Fail(ctx, id, "no-token", "boom", true)
	assert.ErrorIs(t, err, ErrLeaseLost)
}

func TestReapReturnsExpiredLeases(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()

	id := mustEnqueue(t, store, EnqueueRequest{Type: TypeSync})
	jobs, err := store.Lease(ctx, LeaseOptions{Limit: 1, LeaseFor: time.Minute})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	token := jobs[0].LeaseToken

	// Before expiry nothing is reaped.
	reaped, err := store.Reap(ctx, time.Now())
	require.NoError(t, err)
	assert.Empty(t, reaped)

	// Past lease_until the job returns to pending with attempts untouched.
	reaped, err = store.Reap(ctx, time.Now().Add(2*time.Minute))
	require.NoError(t, err)
	require.Len(t, reaped, 1)
	assert.Equal(t, id, reaped[0].ID)
	assert.Equal(t, TypeSync, reaped[0].Type)

	job, err := store.GetJob(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, StatePending, job.State)
	assert.Equal(t, 1, job.Attempts)

	// The crashed worker's token is dead.
	assert.ErrorIs(t, store.Commit(ctx, id, token), ErrLeaseLost)
	assert.ErrorIs(t, store.Heartbeat(ctx, id, token, time.Now().Add(time.Minute)), ErrLeaseLost)

	// The next claim charges the second attempt.
	jobs, err = store.Lease(ctx, LeaseOptions{Limit: 1, LeaseFor: time.Minute})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, 2, jobs[0].Attempts)
}

func TestRequeueDeadLetters(t *testing.T) {
	store := newTestStore(t, stubPolicies{TypeSync: {MaxAttempts: 1, Base: time.Second}})
	ctx := context.Background()

	id := mustEnqueue(t, store, EnqueueRequest{Type: TypeSync, IdempotencyKey: "artist:9"})
	jobs, err := store.Lease(ctx, LeaseOptions{Limit: 1, LeaseFor: time.Minute})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	_, err = store.Fail(ctx, id, jobs[0].LeaseToken, "boom", true)
	require.NoError(t, err)

	n, err := store.RequeueDeadLetters(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	letters, err := store.ListDeadLetters(ctx, Page{Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, letters)

	// The requeued job is a fresh pending job with a reset attempt budget.
	pending, err := store.ListJobs(ctx, JobFilter{States: []JobState{StatePending}})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, TypeSync, pending[0].Type)
	assert.Equal(t, 0, pending[0].Attempts)
	assert.Equal(t, "artist:9", pending[0].IdempotencyKey)
}

func TestListJobsFilters(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()

	mustEnqueue(t, store, EnqueueRequest{Type: TypeSync})
	mustEnqueue(t, store, EnqueueRequest{Type: TypeMatching})
	jobs, err := store.Lease(ctx, LeaseOptions{Types: []string{TypeSync}, Limit: 1, LeaseFor: time.Minute})
	require.NoError(t, err)
	require.Len(t, jobs, 1)

	leased, err := store.ListJobs(ctx, JobFilter{States: []JobState{StateLeased}})
	require.NoError(t, err)
	require.Len(t, leased, 1)
	assert.Equal(t, TypeSync, leased[0].Type)

	matching, err := store.ListJobs(ctx, JobFilter{Types: []string{TypeMatching}})
	require.NoError(t, err)
	require.Len(t, matching, 1)
	assert.Equal(t, StatePending, matching[0].State)

	counts, err := store.CountByState(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), counts[StatePending])
	assert.Equal(t, int64(1), counts[StateLeased])
}

func TestRetentionSweepDeletesOldSucceeded(t *testing.T) {
	store := newTestStore(t, nil)
	ctx := context.Background()

	id := mustEnqueue(t, store, EnqueueRequest{Type: TypeSync})
	jobs, err := store.Lease(ctx, LeaseOptions{Limit: 1, LeaseFor: time.Minute})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	require.NoError(t, store.Commit(ctx, id, jobs[0].LeaseToken))

	// A cutoff in the past keeps the fresh row.
	n, err := store.DeleteSucceededBefore(ctx, time.Now().Add(-time.Hour), 100)
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = store.DeleteSucceededBefore(ctx, time.Now().Add(time.Hour), 100)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = store.GetJob(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
}
