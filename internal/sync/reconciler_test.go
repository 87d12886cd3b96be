package sync

import (
	"context"
	"errors"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"encounterd/internal/ledger"
	"encounterd/internal/presence"
	"encounterd/internal/remote"
)

// Test helpers

func newTestLedger(t *testing.T) *ledger.Ledger {
	t.Helper()
	led, err := ledger.Open(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	t.Cleanup(func() { led.Close() })
	return led
}

func recordPending(t *testing.T, led *ledger.Ledger, id, name string) *ledger.Interaction {
	t.Helper()
	in, err := led.RecordOne(context.Background(), presence.Peer{ID: id, DisplayName: name})
	require.NoError(t, err)
	return in
}

// capturingStore records the batches it receives on top of the memory fake.
type capturingStore struct {
	*remote.MemoryStore
	batches [][]string
}

func newCapturingStore() *capturingStore {
	return &capturingStore{MemoryStore: remote.NewMemoryStore()}
}

func (c *capturingStore) PushBatch(ctx context.Context, ins []ledger.Interaction) ([]string, error) {
	ids := make([]string, 0, len(ins))
	for _, in := range ins {
		ids = append(ids, in.ID)
	}
	c.batches = append(c.batches, ids)
	return c.MemoryStore.PushBatch(ctx, ins)
}

// panicStore blows up on every push.
type panicStore struct{}

func (panicStore) Name() string { return "panic" }
func (panicStore) Push(context.Context, ledger.Interaction) error {
	panic("transport exploded")
}
func (panicStore) PushBatch(context.Context, []ledger.Interaction) ([]string, error) {
	panic("transport exploded")
}

// =============================================================================
// RetryFailed Tests
// =============================================================================

func TestRetryFailedAllSucceed(t *testing.T) {
	led := newTestLedger(t)
	store := remote.NewMemoryStore()
	r := New(led, store, Config{}, slog.Default())
	ctx := context.Background()

	a := recordPending(t, led, "aa11", "Alice")
	b := recordPending(t, led, "bb22", "Bob")

	result, err := r.RetryFailed(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, result.SuccessCount)
	assert.Equal(t, 0, result.FailureCount)
	assert.Empty(t, result.FailedIDs)

	assert.True(t, store.Contains(a.ID))
	assert.True(t, store.Contains(b.ID))
	assert.Equal(t, 0, r.PendingCount(ctx))
}

func TestRetryFailedNothingPending(t *testing.T) {
	led := newTestLedger(t)
	store := remote.NewMemoryStore()
	r := New(led, store, Config{}, slog.Default())

	result, err := r.RetryFailed(context.Background())
	require.NoError(t, err)

	assert.Zero(t, result.SuccessCount)
	assert.Zero(t, result.FailureCount)
	assert.Equal(t, 0, store.BatchCalls(), "no push without pending records")
}

func TestRetryFailedPartialFailure(t *testing.T) {
	led := newTestLedger(t)
	store := remote.NewMemoryStore()
	r := New(led, store, Config{}, slog.Default())
	ctx := context.Background()

	ok1 := recordPending(t, led, "aa11", "Alice")
	bad := recordPending(t, led, "bb22", "Bob")
	ok2 := recordPending(t, led, "cc33", "Carol")
	store.FailID(bad.ID)

	result, err := r.RetryFailed(ctx)
	require.NoError(t, err)

	assert.Equal(t, 2, result.SuccessCount)
	assert.Equal(t, 1, result.FailureCount)
	assert.Equal(t, []string{bad.ID}, result.FailedIDs)

	assert.True(t, store.Contains(ok1.ID))
	assert.True(t, store.Contains(ok2.ID))

	// The failed record stays pending for the next pass.
	pending, err := led.Unsynced(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, bad.ID, pending[0].ID)
}

func TestRetryFailedTransportErrorAbsorbed(t *testing.T) {
	led := newTestLedger(t)
	store := remote.NewMemoryStore()
	store.SetError(errors.New("remote down"))
	r := New(led, store, Config{}, slog.Default())
	ctx := context.Background()

	a := recordPending(t, led, "aa11", "Alice")
	b := recordPending(t, led, "bb22", "Bob")

	result, err := r.RetryFailed(ctx)
	require.NoError(t, err, "transport failures must not propagate")

	assert.Equal(t, 0, result.SuccessCount)
	assert.Equal(t, 2, result.FailureCount)
	assert.ElementsMatch(t, []string{a.ID, b.ID}, result.FailedIDs)
	assert.Equal(t, 2, r.PendingCount(ctx), "nothing may be marked synced on transport failure")
}

func TestRetryFailedPanicAbsorbed(t *testing.T) {
	led := newTestLedger(t)
	r := New(led, panicStore{}, Config{}, slog.Default())
	ctx := context.Background()

	recordPending(t, led, "aa11", "Alice")

	var result Result
	var err error
	require.NotPanics(t, func() {
		result, err = r.RetryFailed(ctx)
	})
	require.NoError(t, err)
	assert.Equal(t, 1, result.FailureCount)
}

func TestRetryFailedNeverRepushesSynced(t *testing.T) {
	led := newTestLedger(t)
	store := newCapturingStore()
	r := New(led, store, Config{}, slog.Default())
	ctx := context.Background()

	recordPending(t, led, "aa11", "Alice")
	recordPending(t, led, "bb22", "Bob")

	_, err := r.RetryFailed(ctx)
	require.NoError(t, err)

	fresh := recordPending(t, led, "cc33", "Carol")
	result, err := r.RetryFailed(ctx)
	require.NoError(t, err)

	assert.Equal(t, 1, result.SuccessCount)
	require.Len(t, store.batches, 2)
	assert.Equal(t, []string{fresh.ID}, store.batches[1], "synced records must never be pushed again")
}

func TestRetryFailedIdempotent(t *testing.T) {
	led := newTestLedger(t)
	store := remote.NewMemoryStore()
	r := New(led, store, Config{}, slog.Default())
	ctx := context.Background()

	recordPending(t, led, "aa11", "Alice")

	first, err := r.RetryFailed(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, first.SuccessCount)

	second, err := r.RetryFailed(ctx)
	require.NoError(t, err)
	assert.Zero(t, second.SuccessCount)
	assert.Zero(t, second.FailureCount)
}

// =============================================================================
// Pending Observability Tests
// =============================================================================

func TestPendingCountDegrades(t *testing.T) {
	led := newTestLedger(t)
	r := New(led, remote.NewMemoryStore(), Config{}, slog.Default())
	ctx := context.Background()

	recordPending(t, led, "aa11", "Alice")
	assert.Equal(t, 1, r.PendingCount(ctx))
	assert.True(t, r.HasPending(ctx))

	// A broken ledger degrades to zero rather than erroring.
	led.Close()
	assert.Equal(t, 0, r.PendingCount(ctx))
	assert.False(t, r.HasPending(ctx))
}

// =============================================================================
// Worker Tests
// =============================================================================

func TestWorkerPushesEnqueued(t *testing.T) {
	led := newTestLedger(t)
	store := remote.NewMemoryStore()
	r := New(led, store, Config{RatePerMin: 600, Burst: 10}, slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r.Start(ctx)
	defer r.Stop()

	in := recordPending(t, led, "aa11", "Alice")
	r.Enqueue([]string{in.ID})

	assert.Eventually(t, func() bool {
		return store.Contains(in.ID) && r.PendingCount(context.Background()) == 0
	}, 2*time.Second, 10*time.Millisecond, "worker should deliver the enqueued record")
}

func TestWorkerSkipsAlreadySynced(t *testing.T) {
	led := newTestLedger(t)
	store := remote.NewMemoryStore()
	r := New(led, store, Config{RatePerMin: 600, Burst: 10}, slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	in := recordPending(t, led, "aa11", "Alice")
	_, err := led.MarkSynced(ctx, []string{in.ID})
	require.NoError(t, err)

	r.Start(ctx)
	defer r.Stop()

	r.Enqueue([]string{in.ID})
	time.Sleep(100 * time.Millisecond)

	assert.Equal(t, 0, store.BatchCalls(), "synced records must not be re-pushed")
}

func TestEnqueueDropsWhenFull(t *testing.T) {
	led := newTestLedger(t)
	r := New(led, remote.NewMemoryStore(), Config{QueueSize: 1}, slog.Default())

	// Worker not started; the queue fills and later submissions drop.
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Enqueue([]string{"a"})
		r.Enqueue([]string{"b"})
		r.Enqueue([]string{"c"})
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Enqueue blocked on a full queue")
	}
}

func TestQueueDepth(t *testing.T) {
	led := newTestLedger(t)
	r := New(led, remote.NewMemoryStore(), Config{QueueSize: 4}, slog.Default())

	depth, capacity := r.QueueDepth()
	assert.Equal(t, 0, depth)
	assert.Equal(t, 4, capacity)

	// Worker not started, so submissions sit in the queue.
	r.Enqueue([]string{"a"})
	r.Enqueue([]string{"b"})

	depth, capacity = r.QueueDepth()
	assert.Equal(t, 2, depth)
	assert.Equal(t, 4, capacity)
}

func TestStartStopIdempotent(t *testing.T) {
	led := newTestLedger(t)
	r := New(led, remote.NewMemoryStore(), Config{}, slog.Default())
	ctx := context.Background()

	r.Start(ctx)
	r.Start(ctx) // no-op
	r.Stop()
	r.Stop() // no-op

	// Restart works.
	r.Start(ctx)
	r.Stop()
}

func TestWorkerAndRetryInterleave(t *testing.T) {
	led := newTestLedger(t)
	store := remote.NewMemoryStore()
	r := New(led, store, Config{RatePerMin: 600, Burst: 10}, slog.Default())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r.Start(ctx)
	defer r.Stop()

	var ids []string
	for _, p := range []struct{ id, name string }{
		{"aa11", "Alice"}, {"bb22", "Bob"}, {"cc33", "Carol"},
	} {
		in := recordPending(t, led, p.id, p.name)
		ids = append(ids, in.ID)
	}

	// Race the worker against an explicit retry pass.
	r.Enqueue(ids)
	_, err := r.RetryFailed(ctx)
	require.NoError(t, err)

	assert.Eventually(t, func() bool {
		return r.PendingCount(context.Background()) == 0
	}, 2*time.Second, 10*time.Millisecond)

	for _, id := range ids {
		assert.True(t, store.Contains(id))
	}
	assert.Equal(t, 3, store.Len())
}
