// Package sync reconciles the local interaction ledger with the remote
// store. Delivery is at-least-once and per-record idempotent: a record is
// pushed until its status flips to synced, and never again after.
package sync

import (
	"context"
	"log/slog"
	stdsync "sync"
	"sync/atomic"

	"golang.org/x/time/rate"

	"encounterd/internal/ledger"
	"encounterd/internal/remote"
)

// Config controls the opportunistic sync worker.
type Config struct {
	// QueueSize bounds the worker submission channel.
	QueueSize int `json:"queue_size"`

	// RatePerMin budgets opportunistic pushes per minute.
	RatePerMin int `json:"rate_per_min"`

	// Burst allows short bursts above the per-minute rate.
	Burst int `json:"burst"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		QueueSize:  64,
		RatePerMin: 30,
		Burst:      5,
	}
}

// Result summarizes a retry pass over the pending set.
type Result struct {
	SuccessCount int      `json:"success_count"`
	FailureCount int      `json:"failure_count"`
	FailedIDs    []string `json:"failed_ids,omitempty"`
}

// Reconciler pushes pending interactions to the remote store. It never
// reports spurious success: a record only counts as synced once the ledger
// says so.
type Reconciler struct {
	ledger  *ledger.Ledger
	store   remote.Store
	logger  *slog.Logger
	limiter *rate.Limiter

	queue   chan []string
	done    chan struct{}
	wg      stdsync.WaitGroup
	running atomic.Bool
}

// New creates a reconciler over the given ledger and remote store.
func New(led *ledger.Ledger, store remote.Store, cfg Config, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	def := DefaultConfig()
	if cfg.QueueSize < 1 {
		cfg.QueueSize = def.QueueSize
	}
	if cfg.RatePerMin < 1 {
		cfg.RatePerMin = def.RatePerMin
	}
	if cfg.Burst < 1 {
		cfg.Burst = def.Burst
	}

	return &Reconciler{
		ledger: led,
		store:  store,
		logger: logger,
		// RatePerMin spread over 60 seconds
		limiter: rate.NewLimiter(rate.Limit(cfg.RatePerMin)/60.0, cfg.Burst),
		queue:   make(chan []string, cfg.QueueSize),
	}
}

// RetryFailed pushes the whole pending set and reports the outcome. Success
// is computed by re-reading the ledger: an interaction succeeded only if it
// was pending before the pass and is not pending after. Transport failures
// never propagate; every record still pending afterwards is reported as a
// failure. Ledger errors are persistence failures and do propagate.
func (r *Reconciler) RetryFailed(ctx context.Context) (Result, error) {
	before, err := r.ledger.Unsynced(ctx)
	if err != nil {
		return Result{}, err
	}
	if len(before) == 0 {
		return Result{}, nil
	}

	delivered := r.transportPush(ctx, before)
	if len(delivered) > 0 {
		if _, err := r.ledger.MarkSynced(ctx, delivered); err != nil {
			return Result{}, err
		}
	}

	after, err := r.ledger.Unsynced(ctx)
	if err != nil {
		return Result{}, err
	}

	stillPending := make(map[string]bool, len(after))
	for _, in := range after {
		stillPending[in.ID] = true
	}

	var result Result
	for _, in := range before {
		if stillPending[in.ID] {
			result.FailureCount++
			result.FailedIDs = append(result.FailedIDs, in.ID)
		} else {
			result.SuccessCount++
		}
	}
	return result, nil
}

// PendingCount returns the number of interactions awaiting sync, degrading
// to zero when the count cannot be read.
func (r *Reconciler) PendingCount(ctx context.Context) int {
	n, err := r.ledger.PendingCount(ctx)
	if err != nil {
		r.logger.Debug("pending count unavailable", "error", err)
		return 0
	}
	return n
}

// HasPending reports whether any interaction awaits sync, degrading to
// false when the ledger cannot be read.
func (r *Reconciler) HasPending(ctx context.Context) bool {
	return r.PendingCount(ctx) > 0
}

// Enqueue submits freshly recorded interaction ids to the opportunistic
// worker. Never blocks: when the queue is full the ids are dropped, and the
// next retry pass covers them.
func (r *Reconciler) Enqueue(ids []string) {
	if len(ids) == 0 {
		return
	}
	select {
	case r.queue <- ids:
	default:
		r.logger.Debug("sync queue full, dropping submission", "count", len(ids))
	}
}

// QueueDepth returns the current and maximum depth of the submission queue.
func (r *Reconciler) QueueDepth() (depth, capacity int) {
	return len(r.queue), cap(r.queue)
}

// Start launches the opportunistic worker. Calling Start on a running
// reconciler is a no-op.
func (r *Reconciler) Start(ctx context.Context) {
	if !r.running.CompareAndSwap(false, true) {
		return
	}

	r.done = make(chan struct{})
	r.wg.Add(1)
	go r.worker(ctx, r.done)
}

// Stop shuts the worker down and waits for an in-flight push to finish.
// Queued submissions that never started are dropped; retry covers them.
func (r *Reconciler) Stop() {
	if !r.running.CompareAndSwap(true, false) {
		return
	}
	close(r.done)
	r.wg.Wait()
}

// worker drains the submission queue, pacing pushes with the rate limiter.
func (r *Reconciler) worker(ctx context.Context, done <-chan struct{}) {
	defer r.wg.Done()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case ids := <-r.queue:
			if err := r.limiter.Wait(ctx); err != nil {
				return
			}
			// Detached context: a push that already started finishes
			// even while the daemon shuts down. Idempotence makes a
			// completed-but-unobserved push harmless.
			r.pushIDs(context.WithoutCancel(ctx), ids)
		}
	}
}

// pushIDs pushes the still-pending records among ids. Errors are logged,
// never returned: this is the fire-and-forget path.
func (r *Reconciler) pushIDs(ctx context.Context, ids []string) {
	var batch []ledger.Interaction
	for _, id := range ids {
		in, err := r.ledger.Get(ctx, id)
		if err != nil {
			r.logger.Warn("load interaction for sync", "id", id, "error", err)
			continue
		}
		if in == nil || in.Status != ledger.StatusPending {
			continue
		}
		batch = append(batch, *in)
	}
	if len(batch) == 0 {
		return
	}

	delivered := r.transportPush(ctx, batch)
	if len(delivered) == 0 {
		return
	}
	if _, err := r.ledger.MarkSynced(ctx, delivered); err != nil {
		r.logger.Error("mark synced after push", "error", err)
	}
}

// transportPush delivers a batch and returns the ids the remote accepted.
// Transport errors and panics are absorbed here; an absorbed failure just
// leaves records pending for the next pass.
func (r *Reconciler) transportPush(ctx context.Context, batch []ledger.Interaction) (delivered []string) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("remote store panicked", "store", r.store.Name(), "panic", rec)
			delivered = nil
		}
	}()

	failed, err := r.store.PushBatch(ctx, batch)
	if err != nil {
		r.logger.Warn("push batch failed",
			"store", r.store.Name(),
			"count", len(batch),
			"error", err,
		)
		return nil
	}

	failedSet := make(map[string]bool, len(failed))
	for _, id := range failed {
		failedSet[id] = true
	}
	for _, in := range batch {
		if !failedSet[in.ID] {
			delivered = append(delivered, in.ID)
		}
	}
	return delivered
}
