// Package engine orchestrates the drain of the sync queue: priority order,
// backoff, idempotency and conflict handling, one item at a time.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"possync/internal/config"
	"possync/internal/conflict"
	"possync/internal/idempotency"
	"possync/internal/log"
	"possync/internal/metrics"
	"possync/internal/offline"
	"possync/internal/priority"
	"possync/internal/report"
	"possync/internal/retry"
	"possync/internal/store"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// State is the engine's cycle status.
type State string

const (
	StateIdle     State = "idle"
	StateSyncing  State = "syncing"
	StateComplete State = "complete"
	StateError    State = "error"
)

// ApplyResult is what a remote apply function reports on success.
type ApplyResult struct {
	ServerID string
	Version  int64
}

// ApplyFunc applies one queued mutation against the remote system of record.
// A transient failure is an ordinary error; a divergence is reported by
// returning *ConflictError.
type ApplyFunc func(ctx context.Context, item store.Item) (ApplyResult, error)

// ConflictError signals that the remote entity changed since the local copy
// was taken. It carries the remote state captured at apply time.
type ConflictError struct {
	Remote conflict.RemoteState
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("remote conflict on entity %s (remote version %d)", e.Remote.EntityID, e.Remote.Version)
}

// CycleSummary is the outcome of one drain cycle.
type CycleSummary struct {
	Processed int
	Synced    int
	Failed    int
	Conflicts int
	Skipped   int
	Aborted   bool
}

// Status is a snapshot of the engine for read APIs.
type Status struct {
	State      State      `json:"state"`
	Running    bool       `json:"running"`
	AutoSync   bool       `json:"auto_sync"`
	Online     bool       `json:"online"`
	LastSyncAt *time.Time `json:"last_sync_at,omitempty"`
}

// Engine is the single sync orchestrator. It is a plain instance owned by the
// composition root; nothing here is package-level state.
type Engine struct {
	cfg       *config.Config
	logger    *log.Logger
	queue     *store.QueueStore
	policy    *retry.Policy
	guard     *idempotency.Guard
	conflicts *conflict.Store
	tracker   *offline.Tracker
	metrics   *metrics.SyncMetrics
	reports   *report.Writer
	conn      *ConnSignal
	breaker   *gobreaker.CircuitBreaker

	appliers map[store.ItemType]ApplyFunc

	running  atomic.Bool
	autoSync atomic.Bool

	mu         sync.Mutex
	state      State
	lastSyncAt time.Time
	periodID   string
	debounce   *time.Timer
	runCtx     context.Context
}

func New(cfg *config.Config, logger *log.Logger, queue *store.QueueStore, policy *retry.Policy,
	guard *idempotency.Guard, conflicts *conflict.Store, tracker *offline.Tracker,
	m *metrics.SyncMetrics, reports *report.Writer, conn *ConnSignal) *Engine {

	e := &Engine{
		cfg:       cfg,
		logger:    logger,
		queue:     queue,
		policy:    policy,
		guard:     guard,
		conflicts: conflicts,
		tracker:   tracker,
		metrics:   m,
		reports:   reports,
		conn:      conn,
		appliers:  make(map[store.ItemType]ApplyFunc),
		state:     StateIdle,
		runCtx:    context.Background(),
	}
	e.autoSync.Store(true)
	e.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "remote-apply",
		MaxRequests: 3,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures > 5
		},
	})
	return e
}

// RegisterApplier installs the remote apply function for an item type. Items
// without a registered applier fail permanently instead of looping.
func (e *Engine) RegisterApplier(t store.ItemType, fn ApplyFunc) {
	e.appliers[t] = fn
}

func (e *Engine) SetAutoSync(enabled bool) {
	e.autoSync.Store(enabled)
	e.logger.Info("Auto-sync toggled", zap.Bool("enabled", enabled))
}

func (e *Engine) AutoSync() bool { return e.autoSync.Load() }

// Status returns a read-only snapshot of the engine.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := Status{
		State:    e.state,
		Running:  e.running.Load(),
		AutoSync: e.autoSync.Load(),
		Online:   e.conn.Online(),
	}
	if !e.lastSyncAt.IsZero() {
		t := e.lastSyncAt
		st.LastSyncAt = &t
	}
	return st
}

// Run wires the engine to its triggers and blocks until ctx is canceled:
// orphan recovery at startup, a connectivity subscription driving the offline
// tracker and the debounced start, and the background ticker.
func (e *Engine) Run(ctx context.Context) {
	e.mu.Lock()
	e.runCtx = ctx
	e.mu.Unlock()

	if _, err := e.queue.RecoverOrphans(ctx); err != nil {
		e.logger.Error("Failed to recover orphaned items", zap.Error(err))
	}

	e.conn.Subscribe(func(online bool) {
		if online {
			e.metrics.Online.Set(1)
			e.onOnline(ctx)
		} else {
			e.metrics.Online.Set(0)
			e.onOffline(ctx)
		}
	})
	if e.conn.Online() {
		e.metrics.Online.Set(1)
	}

	ticker := time.NewTicker(e.cfg.BackgroundPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			e.logger.Info("Sync engine shutting down")
			e.Stop()
			return
		case <-ticker.C:
			if !e.conn.Online() || !e.autoSync.Load() || e.running.Load() {
				continue
			}
			has, err := e.queue.HasItemsToSync(ctx)
			if err != nil {
				e.logger.Error("Failed to check queue", zap.Error(err))
				continue
			}
			if !has {
				continue
			}
			if _, err := e.runCycle(ctx, false); err != nil && !errors.Is(err, errAlreadyRunning) {
				e.logger.Error("Background sync failed", zap.Error(err))
			}
		}
	}
}

// Stop cancels the pending debounce timer. Safe to call more than once.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.debounce != nil {
		e.debounce.Stop()
		e.debounce = nil
	}
}

func (e *Engine) onOffline(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.periodID != "" {
		return
	}
	id, err := e.tracker.Start(ctx)
	if err != nil {
		e.logger.Error("Failed to start offline period", zap.Error(err))
		return
	}
	e.periodID = id
}

// onOnline ends the offline period and debounce-starts a drain cycle. Rapid
// online/offline flapping keeps resetting the timer so only one cycle starts.
func (e *Engine) onOnline(ctx context.Context) {
	e.mu.Lock()
	if e.periodID != "" {
		if err := e.tracker.End(ctx, e.periodID); err != nil {
			e.logger.Error("Failed to end offline period", zap.Error(err))
		}
		e.periodID = ""
	}
	if e.debounce != nil {
		e.debounce.Stop()
	}
	e.logger.Info("Connectivity restored, scheduling sync", zap.Duration("delay", e.cfg.SyncStartDelay))
	e.debounce = time.AfterFunc(e.cfg.SyncStartDelay, func() {
		e.mu.Lock()
		runCtx := e.runCtx
		e.mu.Unlock()
		if !e.autoSync.Load() {
			return
		}
		if _, err := e.runCycle(runCtx, false); err != nil && !errors.Is(err, errAlreadyRunning) {
			e.logger.Error("Post-reconnect sync failed", zap.Error(err))
		}
	})
	e.mu.Unlock()
}

var (
	errAlreadyRunning = errors.New("sync already in progress")
	errOffline        = errors.New("not connected")
)

// SyncNow runs a drain cycle immediately. Manual invocations also reach items
// that have exhausted their automatic retry budget.
func (e *Engine) SyncNow(ctx context.Context) (CycleSummary, error) {
	return e.runCycle(ctx, true)
}

func (e *Engine) runCycle(ctx context.Context, includeExhausted bool) (CycleSummary, error) {
	if !e.running.CompareAndSwap(false, true) {
		return CycleSummary{}, errAlreadyRunning
	}
	defer e.running.Store(false)

	if !e.conn.Online() {
		return CycleSummary{}, errOffline
	}

	e.mu.Lock()
	e.state = StateSyncing
	e.mu.Unlock()
	start := time.Now()

	summary, err := e.drain(ctx, includeExhausted)

	finished := time.Now()
	e.mu.Lock()
	e.lastSyncAt = finished
	if err != nil || summary.Failed > 0 || summary.Conflicts > 0 {
		e.state = StateError
	} else {
		e.state = StateComplete
	}
	state := e.state
	e.mu.Unlock()

	e.metrics.CycleDuration.Observe(finished.Sub(start).Seconds())
	e.finishCycle(ctx, state, summary, finished.Sub(start))
	if err != nil {
		return summary, err
	}

	e.logger.Info("Sync cycle finished",
		zap.String("state", string(state)),
		zap.Int("processed", summary.Processed),
		zap.Int("synced", summary.Synced),
		zap.Int("failed", summary.Failed),
		zap.Int("conflicts", summary.Conflicts),
		zap.Int("skipped", summary.Skipped),
		zap.Bool("aborted", summary.Aborted))
	return summary, nil
}

func (e *Engine) drain(ctx context.Context, includeExhausted bool) (CycleSummary, error) {
	var summary CycleSummary

	pending, err := e.queue.List(ctx, store.StatusPending)
	if err != nil {
		return summary, fmt.Errorf("list pending items: %w", err)
	}
	retryable, err := e.policy.RetryableItems(ctx)
	if err != nil {
		return summary, fmt.Errorf("list retryable items: %w", err)
	}

	candidates := make([]store.Item, 0, len(pending)+len(retryable))
	candidates = append(candidates, pending...)
	for _, item := range retryable {
		if !includeExhausted && e.policy.Exhausted(item) {
			continue
		}
		candidates = append(candidates, item)
	}
	if len(candidates) == 0 {
		return summary, nil
	}

	// Sequential by design: priority-then-FIFO order must survive, and the
	// backend must not be hammered in parallel right after an outage.
	for _, item := range priority.Sort(candidates) {
		if ctx.Err() != nil {
			summary.Aborted = true
			break
		}
		if !e.conn.Online() {
			e.logger.Warn("Connectivity lost mid-cycle, aborting remaining items")
			summary.Aborted = true
			break
		}

		summary.Processed++
		abort := e.processItem(ctx, item, &summary)
		if abort {
			summary.Aborted = true
			break
		}
	}
	return summary, nil
}

// processItem runs one item through the idempotency guard, the breaker and the
// conflict detector. The returned bool asks the caller to abort the cycle.
func (e *Engine) processItem(ctx context.Context, item store.Item, summary *CycleSummary) bool {
	if err := e.policy.MarkSyncing(ctx, item.ID); err != nil {
		e.logger.Error("Failed to mark item syncing", zap.Error(err), zap.String("id", item.ID))
		summary.Failed++
		return false
	}

	apply, ok := e.appliers[item.Type]
	if !ok {
		e.failItem(ctx, item, fmt.Sprintf("no applier registered for type %s", item.Type), summary)
		return false
	}

	entityID := item.EntityID
	if entityID == "" {
		entityID = item.ID
	}
	key := idempotency.Key(string(item.Type), entityID, item.Operation)

	res, err := e.guard.Do(ctx, key, string(item.Type), entityID, func(ctx context.Context) error {
		callCtx, cancel := context.WithTimeout(ctx, e.cfg.RemoteTimeout)
		defer cancel()
		_, err := e.breaker.Execute(func() (interface{}, error) {
			return apply(callCtx, item)
		})
		return err
	})

	switch {
	case err == nil && res.Skipped:
		// Already applied in an earlier cycle; no network side effect needed.
		if err := e.policy.MarkSynced(ctx, item.ID); err != nil {
			e.logger.Error("Failed to mark skipped item synced", zap.Error(err), zap.String("id", item.ID))
		}
		summary.Skipped++
		summary.Synced++
		e.metrics.SkippedTotal.Inc()
		e.metrics.SyncedTotal.Inc()
		return false

	case err == nil:
		if err := e.policy.MarkSynced(ctx, item.ID); err != nil {
			e.logger.Error("Failed to mark item synced", zap.Error(err), zap.String("id", item.ID))
		}
		summary.Synced++
		e.metrics.SyncedTotal.Inc()
		return false
	}

	var confErr *ConflictError
	if errors.As(err, &confErr) {
		e.handleConflict(ctx, item, confErr.Remote, summary)
		return false
	}

	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		// The backend is down; retrying the rest of the batch now would only
		// extend the outage window.
		e.failItem(ctx, item, "remote unavailable: circuit breaker open", summary)
		return true
	}

	e.failItem(ctx, item, err.Error(), summary)
	return false
}

func (e *Engine) failItem(ctx context.Context, item store.Item, cause string, summary *CycleSummary) {
	if err := e.policy.MarkFailed(ctx, item.ID, cause); err != nil {
		e.logger.Error("Failed to mark item failed", zap.Error(err), zap.String("id", item.ID))
	}
	summary.Failed++
	e.metrics.FailedTotal.Inc()
}

// handleConflict stores the divergence and parks the item in conflict status,
// outside both the synced set and the retry rotation.
func (e *Engine) handleConflict(ctx context.Context, item store.Item, remote conflict.RemoteState, summary *CycleSummary) {
	rec := conflict.Detect(item, remote)
	if rec == nil {
		// The backend rejected the mutation even though we hold no version
		// evidence; record it anyway, the divergence is real.
		rec = conflict.NewRecord(item, remote)
	}
	if err := e.conflicts.Save(ctx, rec); err != nil {
		e.logger.Error("Failed to store conflict", zap.Error(err), zap.String("item_id", item.ID))
		e.failItem(ctx, item, "conflict detected but could not be recorded", summary)
		return
	}
	if err := e.queue.UpdateStatus(ctx, item.ID, store.StatusConflict, store.Update{}); err != nil {
		e.logger.Error("Failed to park conflicted item", zap.Error(err), zap.String("id", item.ID))
	}
	summary.Conflicts++
	e.metrics.ConflictTotal.Inc()
}

// finishCycle handles post-pass bookkeeping: offline period stats, the report
// line, retention and opportunistic queue cleanup.
func (e *Engine) finishCycle(ctx context.Context, state State, summary CycleSummary, took time.Duration) {
	periodID := ""
	period, err := e.tracker.LatestUnreported(ctx)
	if err == nil && period.EndTime != nil {
		synced, serr := e.queue.CountStatusCreatedBetween(ctx, store.StatusSynced, period.StartTime, *period.EndTime)
		failed, ferr := e.queue.CountStatusCreatedBetween(ctx, store.StatusFailed, period.StartTime, *period.EndTime)
		if serr == nil && ferr == nil {
			if err := e.tracker.UpdateSyncStats(ctx, period.ID, synced, failed); err != nil {
				e.logger.Error("Failed to update period sync stats", zap.Error(err), zap.String("period_id", period.ID))
			} else {
				periodID = period.ID
			}
		}
	} else if err != nil && !errors.Is(err, offline.ErrNotFound) {
		e.logger.Error("Failed to look up unreported period", zap.Error(err))
	}

	if _, err := e.tracker.CleanupOld(ctx, e.cfg.PeriodRetention); err != nil {
		e.logger.Error("Failed to prune offline periods", zap.Error(err))
	}

	rep := report.CycleReport{
		CompletedAt: time.Now(),
		Status:      string(state),
		Processed:   summary.Processed,
		Synced:      summary.Synced,
		Failed:      summary.Failed,
		Conflicts:   summary.Conflicts,
		Skipped:     summary.Skipped,
		Aborted:     summary.Aborted,
		PeriodID:    periodID,
		DurationMS:  took.Milliseconds(),
	}
	if err := e.reports.Append(rep); err != nil {
		e.logger.Error("Failed to append sync report", zap.Error(err))
	}
	if err := e.reports.Cleanup(e.cfg.ReportRetention); err != nil {
		e.logger.Error("Failed to clean up report logs", zap.Error(err))
	}

	// Reclaim capacity last so period stats above still see synced rows.
	if _, err := e.queue.CleanupSynced(ctx); err != nil {
		e.logger.Error("Failed to clean up synced items", zap.Error(err))
	}
}

// ResolveConflict closes a conflict record. With requeue the originating item
// returns to pending (the caller re-based its payload); without it the remote
// version wins and the item is removed.
func (e *Engine) ResolveConflict(ctx context.Context, conflictID string, requeue bool) error {
	rec, err := e.conflicts.Get(ctx, conflictID)
	if err != nil {
		return err
	}
	if err := e.conflicts.MarkResolved(ctx, conflictID); err != nil {
		return err
	}
	if requeue {
		if err := e.queue.UpdateStatus(ctx, rec.ItemID, store.StatusPending, store.Update{ClearError: true}); err != nil {
			return fmt.Errorf("requeue conflicted item: %w", err)
		}
	} else {
		if err := e.queue.Remove(ctx, rec.ItemID); err != nil && !errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("remove conflicted item: %w", err)
		}
	}
	e.logger.Info("Conflict resolved", zap.String("conflict_id", conflictID), zap.Bool("requeued", requeue))
	return nil
}
