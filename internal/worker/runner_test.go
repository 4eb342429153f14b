package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cuongbtq/index-queue/internal/testutil"
	"github.com/cuongbtq/index-queue/internal/worker/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestRunner(store JobStore, registry *Registry) *Runner {
	return NewRunner(RunnerConfig{
		Logger:         testutil.DiscardLogger(),
		Store:          store,
		Registry:       registry,
		WorkerID:       "worker-test",
		StaleThreshold: 10 * time.Minute,
	})
}

func succeed() Handler {
	return HandlerFunc(func(context.Context, json.RawMessage) error { return nil })
}

func TestRunner_CompletesJobs(t *testing.T) {
	store := newMemoryStore()
	a := store.add(domain.JobTypeEmbedChunk, `{"post_id":1}`, 3)
	b := store.add(domain.JobTypeEmbedChunk, `{"post_id":2}`, 3)

	var seen []string
	registry := NewRegistry()
	registry.Register(domain.JobTypeEmbedChunk, HandlerFunc(func(_ context.Context, payload json.RawMessage) error {
		seen = append(seen, string(payload))
		return nil
	}))

	result, err := newTestRunner(store, registry).Run(context.Background(), 0)
	require.NoError(t, err)

	assert.Equal(t, Result{Processed: 2, Completed: 2}, result)
	assert.Equal(t, []string{`{"post_id":1}`, `{"post_id":2}`}, seen)
	assert.Equal(t, domain.JobStatusCompleted, store.job(a).Status)
	assert.Equal(t, domain.JobStatusCompleted, store.job(b).Status)
	assert.False(t, store.job(a).Locked)
}

func TestRunner_RespectsLimit(t *testing.T) {
	store := newMemoryStore()
	for i := 0; i < 5; i++ {
		store.add(domain.JobTypeEmbedChunk, `{}`, 3)
	}
	registry := NewRegistry()
	registry.Register(domain.JobTypeEmbedChunk, succeed())

	result, err := newTestRunner(store, registry).Run(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, 2, result.Processed)
}

func TestRunner_HandlerFailureRequeues(t *testing.T) {
	store := newMemoryStore()
	id := store.add(domain.JobTypeEmbedChunk, `{"post_id":42,"chunk_index":0}`, 3)

	registry := NewRegistry()
	registry.Register(domain.JobTypeEmbedChunk, HandlerFunc(func(context.Context, json.RawMessage) error {
		return errors.New("provider timeout")
	}))

	result, err := newTestRunner(store, registry).Run(context.Background(), 0)
	require.NoError(t, err)

	// Delayed job is not claimable in the same invocation
	assert.Equal(t, Result{Processed: 1, Failed: 1}, result)

	job := store.job(id)
	assert.Equal(t, domain.JobStatusQueued, job.Status)
	assert.Equal(t, 1, job.Attempts)
	require.NotNil(t, job.LastError)
	assert.Equal(t, "provider timeout", *job.LastError)
	require.NotNil(t, job.RunAfter)
	assert.Equal(t, 2*time.Second, job.RunAfter.Sub(store.now))
}

func TestRunner_EndToEndRetryThenSuccess(t *testing.T) {
	store := newMemoryStore()
	id := store.add(domain.JobTypeEmbedChunk, `{"post_id":42,"chunk_index":0}`, 3)

	var calls atomic.Int32
	registry := NewRegistry()
	registry.Register(domain.JobTypeEmbedChunk, HandlerFunc(func(context.Context, json.RawMessage) error {
		if calls.Add(1) == 1 {
			return errors.New("provider timeout")
		}
		return nil
	}))
	runner := newTestRunner(store, registry)

	_, err := runner.Run(context.Background(), 0)
	require.NoError(t, err)

	store.advance(2 * time.Second)

	result, err := runner.Run(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Completed)

	job := store.job(id)
	assert.Equal(t, domain.JobStatusCompleted, job.Status)
	assert.False(t, job.Locked)
	assert.Empty(t, store.deadLetters)
}

func TestRunner_DeadLetterOnThirdFailure(t *testing.T) {
	store := newMemoryStore()
	id := store.add(domain.JobTypeEmbedSnippet, `{"snippet_id":5}`, 3)

	registry := NewRegistry()
	registry.Register(domain.JobTypeEmbedSnippet, HandlerFunc(func(context.Context, json.RawMessage) error {
		return errors.New("bad input")
	}))
	runner := newTestRunner(store, registry)

	for i := 1; i <= 3; i++ {
		result, err := runner.Run(context.Background(), 0)
		require.NoError(t, err)
		require.Equal(t, 1, result.Processed, "failure %d", i)

		if i < 3 {
			assert.Equal(t, 0, result.DeadLettered)
			assert.Empty(t, store.deadLetters)
		} else {
			assert.Equal(t, 1, result.DeadLettered)
		}
		store.advance(time.Hour)
	}

	job := store.job(id)
	assert.Equal(t, domain.JobStatusFailed, job.Status)
	assert.Equal(t, 3, job.Attempts)
	require.Len(t, store.deadLetters, 1)
	assert.Equal(t, id, store.deadLetters[0].OriginalJobID)
}

func TestRunner_PanicIsFailure(t *testing.T) {
	store := newMemoryStore()
	id := store.add(domain.JobTypeChunkContent, `{}`, 3)

	registry := NewRegistry()
	registry.Register(domain.JobTypeChunkContent, HandlerFunc(func(context.Context, json.RawMessage) error {
		panic("nil map write")
	}))

	result, err := newTestRunner(store, registry).Run(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Failed)

	job := store.job(id)
	require.NotNil(t, job.LastError)
	assert.Contains(t, *job.LastError, "handler panic: nil map write")
}

func TestRunner_MissingHandlerIsFailure(t *testing.T) {
	store := newMemoryStore()
	id := store.add(domain.JobTypeRegenerateSitemap, `{}`, 1)

	result, err := newTestRunner(store, NewRegistry()).Run(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, 1, result.DeadLettered)

	job := store.job(id)
	require.NotNil(t, job.LastError)
	assert.Contains(t, *job.LastError, domain.ErrNoHandler.Error())
}

func TestRunner_StoreFailureHalts(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(s *memoryStore)
		wantOp string
	}{
		{
			name:   "claim fails",
			setup:  func(s *memoryStore) { s.claimErr = errStoreDown },
			wantOp: "claim",
		},
		{
			name:   "complete fails",
			setup:  func(s *memoryStore) { s.completeErr = errStoreDown },
			wantOp: "complete",
		},
		{
			name:   "reap fails",
			setup:  func(s *memoryStore) { s.reapErr = errStoreDown },
			wantOp: "reap",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemoryStore()
			store.add(domain.JobTypeEmbedChunk, `{}`, 3)
			store.add(domain.JobTypeEmbedChunk, `{}`, 3)
			tt.setup(store)

			registry := NewRegistry()
			registry.Register(domain.JobTypeEmbedChunk, succeed())

			result, err := newTestRunner(store, registry).Run(context.Background(), 0)
			require.Error(t, err)

			var integrityErr *domain.StoreIntegrityError
			require.ErrorAs(t, err, &integrityErr)
			assert.Equal(t, tt.wantOp, integrityErr.Op)
			assert.ErrorIs(t, err, errStoreDown)
			assert.Equal(t, 0, result.Completed)
		})
	}
}

func TestRunner_CancelDoesNotInterruptRunningHandler(t *testing.T) {
	store := newMemoryStore()
	first := store.add(domain.JobTypeEmbedChunk, `{"post_id":1}`, 1)
	second := store.add(domain.JobTypeEmbedChunk, `{"post_id":2}`, 1)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	registry := NewRegistry()
	registry.Register(domain.JobTypeEmbedChunk, HandlerFunc(func(jobCtx context.Context, _ json.RawMessage) error {
		// Shutdown arrives while the handler is running
		cancel()
		return jobCtx.Err()
	}))

	result, err := newTestRunner(store, registry).Run(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, Result{Processed: 1, Completed: 1}, result)

	job := store.job(first)
	assert.Equal(t, domain.JobStatusCompleted, job.Status)
	assert.Equal(t, 0, job.Attempts)
	assert.Empty(t, store.deadLetters)

	// No new claims after cancellation
	assert.Equal(t, domain.JobStatusQueued, store.job(second).Status)
}

func TestRunner_LockLostDuringHandler(t *testing.T) {
	tests := []struct {
		name       string
		handlerErr error
	}{
		{name: "late complete", handlerErr: nil},
		{name: "late fail", handlerErr: errors.New("provider timeout")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			store := newMemoryStore()
			id := store.add(domain.JobTypeEmbedChunk, `{}`, 1)

			registry := NewRegistry()
			registry.Register(domain.JobTypeEmbedChunk, HandlerFunc(func(ctx context.Context, _ json.RawMessage) error {
				// The handler outlives the stale threshold; another worker reaps and reclaims it
				store.advance(11 * time.Minute)
				reaped, err := store.ReapStale(ctx, 10*time.Minute)
				require.NoError(t, err)
				require.Equal(t, int64(1), reaped)
				reclaimed, err := store.ClaimNext(ctx, "worker-other")
				require.NoError(t, err)
				require.NotNil(t, reclaimed)
				return tt.handlerErr
			}))

			result, err := newTestRunner(store, registry).Run(context.Background(), 0)
			require.NoError(t, err)
			assert.Equal(t, Result{}, result)

			job := store.job(id)
			assert.Equal(t, domain.JobStatusRunning, job.Status)
			require.NotNil(t, job.Runner)
			assert.Equal(t, "worker-other", *job.Runner)
			assert.Equal(t, 0, job.Attempts)
			assert.Empty(t, store.deadLetters)
		})
	}
}

func TestRunner_ReapsStaleLocksWithoutAttempts(t *testing.T) {
	store := newMemoryStore()
	id := store.add(domain.JobTypeEmbedChunk, `{}`, 3)

	claimed, err := store.ClaimNext(context.Background(), "crashed")
	require.NoError(t, err)
	require.NotNil(t, claimed)

	store.advance(11 * time.Minute)

	registry := NewRegistry()
	registry.Register(domain.JobTypeEmbedChunk, succeed())

	result, err := newTestRunner(store, registry).Run(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), result.Reaped)
	assert.Equal(t, 1, result.Completed)
	assert.Equal(t, 0, store.job(id).Attempts)
}

func TestRunner_PausesBetweenJobs(t *testing.T) {
	store := newMemoryStore()
	store.add(domain.JobTypeEmbedChunk, `{}`, 3)
	store.add(domain.JobTypeEmbedChunk, `{}`, 3)

	registry := NewRegistry()
	registry.Register(domain.JobTypeEmbedChunk, succeed())

	runner := NewRunner(RunnerConfig{
		Logger:   testutil.DiscardLogger(),
		Store:    store,
		Registry: registry,
		WorkerID: "worker-test",
		Pause:    250 * time.Millisecond,
	})
	var pauses []time.Duration
	runner.sleep = func(_ context.Context, d time.Duration) error {
		pauses = append(pauses, d)
		return nil
	}

	_, err := runner.Run(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{250 * time.Millisecond, 250 * time.Millisecond}, pauses)
}

func TestPool_ClaimsEachJobOnce(t *testing.T) {
	store := newMemoryStore()
	const jobs = 30
	for i := 0; i < jobs; i++ {
		store.add(domain.JobTypeEmbedChunk, fmt.Sprintf(`{"post_id":%d}`, i), 3)
	}

	var mu sync.Mutex
	counts := make(map[string]int)
	registry := NewRegistry()
	registry.Register(domain.JobTypeEmbedChunk, HandlerFunc(func(_ context.Context, payload json.RawMessage) error {
		mu.Lock()
		counts[string(payload)]++
		mu.Unlock()
		return nil
	}))

	pool := NewPool(PoolConfig{
		RunnerConfig: RunnerConfig{
			Logger:   testutil.DiscardLogger(),
			Store:    store,
			Registry: registry,
		},
		Concurrency: 4,
	})
	assert.Equal(t, 4, pool.Size())

	result, err := pool.Run(context.Background(), 0)
	require.NoError(t, err)
	assert.Equal(t, jobs, result.Completed)
	assert.Len(t, counts, jobs)
	for payload, n := range counts {
		assert.Equal(t, 1, n, payload)
	}
}

func TestPool_SharedLimit(t *testing.T) {
	store := newMemoryStore()
	for i := 0; i < 20; i++ {
		store.add(domain.JobTypeEmbedChunk, `{}`, 3)
	}
	registry := NewRegistry()
	registry.Register(domain.JobTypeEmbedChunk, succeed())

	pool := NewPool(PoolConfig{
		RunnerConfig: RunnerConfig{Logger: testutil.DiscardLogger(), Store: store, Registry: registry},
		Concurrency:  3,
	})

	result, err := pool.Run(context.Background(), 7)
	require.NoError(t, err)
	assert.Equal(t, 7, result.Processed)
}

func TestPool_DistinctWorkerIDs(t *testing.T) {
	pool := NewPool(PoolConfig{
		RunnerConfig: RunnerConfig{Logger: testutil.DiscardLogger(), WorkerID: "host-a"},
		Concurrency:  3,
	})

	ids := map[string]bool{}
	for _, r := range pool.runners {
		ids[r.WorkerID()] = true
	}
	assert.Equal(t, map[string]bool{"host-a-0": true, "host-a-1": true, "host-a-2": true}, ids)
}

func TestRegistry(t *testing.T) {
	registry := NewRegistry()
	registry.Register(domain.JobTypeEmbedSnippet, succeed())
	registry.Register(domain.JobTypeEmbedChunk, succeed())

	_, ok := registry.Lookup(domain.JobTypeEmbedChunk)
	assert.True(t, ok)
	_, ok = registry.Lookup(domain.JobTypeChunkContent)
	assert.False(t, ok)

	assert.Equal(t, []domain.JobType{domain.JobTypeEmbedChunk, domain.JobTypeEmbedSnippet}, registry.Types())
	assert.Equal(t, []domain.JobType{domain.JobTypeChunkContent, domain.JobTypeRegenerateSitemap}, registry.Missing())
}
