package store

import (
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fastnear/near-outlayer-sub001/pkg/chain"
)

type fakeCache struct{ has bool }

func (f fakeCache) Has(string) bool { return f.has }

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

// TestClaim_Atomicity exercises spec §8 property 5: under N concurrent claim
// calls for the same request_id, exactly one caller receives non-empty jobs.
func TestClaim_Atomicity(t *testing.T) {
	s := openTestStore(t)
	const n = 32
	var wg sync.WaitGroup
	successes := make(chan int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := s.Claim("worker", 1, "data", "checksum", fakeCache{has: false})
			if err == nil && len(res.Jobs) > 0 {
				successes <- i
			}
		}(i)
	}
	wg.Wait()
	close(successes)
	count := 0
	for range successes {
		count++
	}
	assert.Equal(t, 1, count)
}

func TestClaim_CacheHitSkipsCompile(t *testing.T) {
	s := openTestStore(t)
	res, err := s.Claim("worker", 2, "data", "checksum", fakeCache{has: true})
	require.NoError(t, err)
	require.Len(t, res.Jobs, 1)
	assert.Equal(t, chain.JobExecute, res.Jobs[0].JobType)
}

func TestClaim_CacheMissCreatesBoth(t *testing.T) {
	s := openTestStore(t)
	res, err := s.Claim("worker", 3, "data", "checksum", fakeCache{has: false})
	require.NoError(t, err)
	require.Len(t, res.Jobs, 2)
}

func TestComplete_AppendsHistory(t *testing.T) {
	s := openTestStore(t)
	res, err := s.Claim("worker", 4, "data", "checksum", fakeCache{has: true})
	require.NoError(t, err)
	job := res.Jobs[0]

	require.NoError(t, s.Complete(job.JobID, chain.JobCompleted, HistoryEntry{
		RequestID: 4, JobID: job.JobID, Outcome: "success", TimeMs: 10, Instructions: 100, Cost: "5",
	}))

	updated, err := s.GetJob(job.JobID)
	require.NoError(t, err)
	assert.Equal(t, chain.JobCompleted, updated.Status)

	hist, err := s.History(4)
	require.NoError(t, err)
	require.Len(t, hist, 1)
	assert.Equal(t, "success", hist[0].Outcome)
}

func TestLock_TTLAndContention(t *testing.T) {
	s := openTestStore(t)
	require.NoError(t, s.AcquireLock("compile:a:b", "worker-1", 50*time.Millisecond))
	err := s.AcquireLock("compile:a:b", "worker-2", 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrLockHeld)

	time.Sleep(60 * time.Millisecond)
	require.NoError(t, s.AcquireLock("compile:a:b", "worker-2", 50*time.Millisecond))
}

func TestIdempotency_RoundTrip(t *testing.T) {
	s := openTestStore(t)
	_, ok := s.IdempotencyGet("key-1", time.Minute)
	assert.False(t, ok)

	require.NoError(t, s.IdempotencyPut("key-1", 200, []byte(`{"ok":true}`)))
	entry, ok := s.IdempotencyGet("key-1", time.Minute)
	require.True(t, ok)
	assert.Equal(t, 200, entry.Status)
	assert.Equal(t, `{"ok":true}`, string(entry.Body))
}
