package engine

import (
	"context"
	"encoding/json"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"possync/internal/config"
	"possync/internal/conflict"
	"possync/internal/idempotency"
	"possync/internal/log"
	"possync/internal/metrics"
	"possync/internal/offline"
	"possync/internal/report"
	"possync/internal/retry"
	"possync/internal/store"
)

type testRig struct {
	engine    *Engine
	queue     *store.QueueStore
	conflicts *conflict.Store
	guard     *idempotency.Guard
	tracker   *offline.Tracker
	conn      *ConnSignal
	reports   *report.Writer
}

func newRig(t *testing.T, online bool) *testRig {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "sync.db"))
	if err != nil {
		t.Fatalf("open store failed: %s", err)
	}
	t.Cleanup(func() { db.Close() })

	cfg := &config.Config{
		MaxQueueSize:     500,
		MaxSyncAttempts:  5,
		SyncStartDelay:   10 * time.Millisecond,
		BackgroundPeriod: time.Hour,
		RemoteTimeout:    5 * time.Second,
		PeriodRetention:  50,
		ReportRetention:  24 * time.Hour,
	}
	logger := log.NewNop()
	queue := store.NewQueueStore(db, cfg, logger)
	policy := retry.NewPolicy(queue, cfg, logger)
	guard := idempotency.NewGuard(db, logger)
	conflicts := conflict.NewStore(db, logger)
	tracker := offline.NewTracker(db, queue, logger)
	m := metrics.NewSyncMetrics(queue, logger)
	reports, err := report.NewWriter(t.TempDir(), 1<<20)
	if err != nil {
		t.Fatalf("new report writer failed: %s", err)
	}
	t.Cleanup(func() { reports.Close() })
	conn := NewConnSignal(online)

	return &testRig{
		engine:    New(cfg, logger, queue, policy, guard, conflicts, tracker, m, reports, conn),
		queue:     queue,
		conflicts: conflicts,
		guard:     guard,
		tracker:   tracker,
		conn:      conn,
		reports:   reports,
	}
}

func (r *testRig) enqueue(t *testing.T, typ store.ItemType, entityID string, opts *store.EnqueueOptions) string {
	t.Helper()
	payloads := map[store.ItemType]string{
		store.TypeOrder:   `{"order_number":"ORD-1","items":[]}`,
		store.TypePayment: `{"order_id":"o1","amount":10,"method":"cash"}`,
		store.TypeProduct: `{"name":"Espresso"}`,
	}
	id, err := r.queue.Enqueue(context.Background(), typ, entityID, "create",
		json.RawMessage(payloads[typ]), opts)
	if err != nil {
		t.Fatalf("enqueue failed: %s", err)
	}
	return id
}

func okApplier(version int64) ApplyFunc {
	return func(ctx context.Context, item store.Item) (ApplyResult, error) {
		return ApplyResult{ServerID: "srv-" + item.EntityID, Version: version}, nil
	}
}

func TestSyncNowDrainsPendingItems(t *testing.T) {
	r := newRig(t, true)
	ctx := context.Background()

	var mu sync.Mutex
	var applied []string
	r.engine.RegisterApplier(store.TypeOrder, func(ctx context.Context, item store.Item) (ApplyResult, error) {
		mu.Lock()
		applied = append(applied, item.EntityID)
		mu.Unlock()
		return ApplyResult{Version: 1}, nil
	})

	r.enqueue(t, store.TypeOrder, "a", nil)
	r.enqueue(t, store.TypeOrder, "b", nil)

	summary, err := r.engine.SyncNow(ctx)
	if err != nil {
		t.Fatalf("sync failed: %s", err)
	}
	if summary.Processed != 2 || summary.Synced != 2 || summary.Failed != 0 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if len(applied) != 2 {
		t.Fatalf("expected 2 applies, got %d", len(applied))
	}
	if st := r.engine.Status(); st.State != StateComplete {
		t.Errorf("expected complete state, got %s", st.State)
	}
	if st := r.engine.Status(); st.LastSyncAt == nil {
		t.Error("last sync time not recorded")
	}
}

func TestSyncNowOfflineRefused(t *testing.T) {
	r := newRig(t, false)
	r.engine.RegisterApplier(store.TypeOrder, okApplier(1))
	r.enqueue(t, store.TypeOrder, "a", nil)

	_, err := r.engine.SyncNow(context.Background())
	if !errors.Is(err, errOffline) {
		t.Fatalf("expected offline error, got %v", err)
	}

	item, _ := r.queue.List(context.Background(), store.StatusPending)
	if len(item) != 1 {
		t.Fatal("offline refusal must not touch the queue")
	}
}

func TestCyclesMutuallyExclusive(t *testing.T) {
	r := newRig(t, true)
	ctx := context.Background()

	release := make(chan struct{})
	started := make(chan struct{})
	r.engine.RegisterApplier(store.TypeOrder, func(ctx context.Context, item store.Item) (ApplyResult, error) {
		close(started)
		<-release
		return ApplyResult{}, nil
	})
	r.enqueue(t, store.TypeOrder, "a", nil)

	done := make(chan struct{})
	go func() {
		defer close(done)
		r.engine.SyncNow(ctx)
	}()

	<-started
	_, err := r.engine.SyncNow(ctx)
	if !errors.Is(err, errAlreadyRunning) {
		t.Fatalf("expected already-running error, got %v", err)
	}

	close(release)
	<-done
}

func TestPriorityOrderInDrain(t *testing.T) {
	r := newRig(t, true)
	ctx := context.Background()

	var mu sync.Mutex
	var order []store.ItemType
	record := func(ctx context.Context, item store.Item) (ApplyResult, error) {
		mu.Lock()
		order = append(order, item.Type)
		mu.Unlock()
		return ApplyResult{}, nil
	}
	r.engine.RegisterApplier(store.TypeOrder, record)
	r.engine.RegisterApplier(store.TypePayment, record)
	r.engine.RegisterApplier(store.TypeProduct, record)

	// Enqueued low priority first; the drain must still lead with the payment.
	r.enqueue(t, store.TypeProduct, "p", nil)
	r.enqueue(t, store.TypeOrder, "o", nil)
	r.enqueue(t, store.TypePayment, "pay", nil)

	if _, err := r.engine.SyncNow(ctx); err != nil {
		t.Fatalf("sync failed: %s", err)
	}

	want := []store.ItemType{store.TypePayment, store.TypeOrder, store.TypeProduct}
	for i, w := range want {
		if order[i] != w {
			t.Fatalf("position %d: got %s, want %s (full order %v)", i, order[i], w, order)
		}
	}
}

func TestFailureMarksFailedAndState(t *testing.T) {
	r := newRig(t, true)
	ctx := context.Background()

	r.engine.RegisterApplier(store.TypeOrder, func(ctx context.Context, item store.Item) (ApplyResult, error) {
		return ApplyResult{}, errors.New("remote 500")
	})
	id := r.enqueue(t, store.TypeOrder, "a", nil)

	summary, err := r.engine.SyncNow(ctx)
	if err != nil {
		t.Fatalf("cycle itself should not error: %s", err)
	}
	if summary.Failed != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	item, _ := r.queue.Get(ctx, id)
	if item.Status != store.StatusFailed || item.Attempts != 1 {
		t.Errorf("item not failed correctly: status=%s attempts=%d", item.Status, item.Attempts)
	}
	if item.LastError == nil || *item.LastError == "" {
		t.Error("failure cause not recorded")
	}
	if st := r.engine.Status(); st.State != StateError {
		t.Errorf("expected error state, got %s", st.State)
	}
}

func TestMissingApplierFailsItem(t *testing.T) {
	r := newRig(t, true)
	id := r.enqueue(t, store.TypeProduct, "p", nil)

	summary, err := r.engine.SyncNow(context.Background())
	if err != nil {
		t.Fatalf("sync failed: %s", err)
	}
	if summary.Failed != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	item, _ := r.queue.Get(context.Background(), id)
	if item.Status != store.StatusFailed {
		t.Errorf("expected failed, got %s", item.Status)
	}
}

func TestMidCycleOfflineAborts(t *testing.T) {
	r := newRig(t, true)
	ctx := context.Background()

	applied := 0
	r.engine.RegisterApplier(store.TypeOrder, func(ctx context.Context, item store.Item) (ApplyResult, error) {
		applied++
		r.conn.SetOnline(false)
		return ApplyResult{}, nil
	})
	r.enqueue(t, store.TypeOrder, "a", nil)
	r.enqueue(t, store.TypeOrder, "b", nil)
	r.enqueue(t, store.TypeOrder, "c", nil)

	summary, err := r.engine.SyncNow(ctx)
	if err != nil {
		t.Fatalf("sync failed: %s", err)
	}
	if !summary.Aborted {
		t.Fatal("expected aborted cycle")
	}
	if applied != 1 {
		t.Fatalf("expected exactly 1 apply before abort, got %d", applied)
	}

	// The untouched items stay pending for the next cycle.
	pending, _ := r.queue.List(ctx, store.StatusPending)
	if len(pending) != 2 {
		t.Errorf("expected 2 items left pending, got %d", len(pending))
	}
}

func TestConflictParksItem(t *testing.T) {
	r := newRig(t, true)
	ctx := context.Background()

	r.engine.RegisterApplier(store.TypeProduct, func(ctx context.Context, item store.Item) (ApplyResult, error) {
		return ApplyResult{}, &ConflictError{Remote: conflict.RemoteState{
			EntityID: item.EntityID,
			Version:  7,
			Payload:  json.RawMessage(`{"name":"Espresso","price":4}`),
		}}
	})
	base := int64(3)
	id := r.enqueue(t, store.TypeProduct, "prod-1", &store.EnqueueOptions{BaseVersion: base})

	summary, err := r.engine.SyncNow(ctx)
	if err != nil {
		t.Fatalf("sync failed: %s", err)
	}
	if summary.Conflicts != 1 || summary.Failed != 0 {
		t.Fatalf("unexpected summary: %+v", summary)
	}

	item, _ := r.queue.Get(ctx, id)
	if item.Status != store.StatusConflict {
		t.Fatalf("expected conflict status, got %s", item.Status)
	}

	recs, _ := r.conflicts.List(ctx, 10)
	if len(recs) != 1 {
		t.Fatalf("expected 1 conflict record, got %d", len(recs))
	}
	if recs[0].LocalVersion != base || recs[0].RemoteVersion != 7 {
		t.Errorf("versions not captured: %+v", recs[0])
	}

	// A parked item must not reappear in the next drain.
	r.engine.RegisterApplier(store.TypeProduct, okApplier(1))
	summary, _ = r.engine.SyncNow(ctx)
	if summary.Processed != 0 {
		t.Errorf("conflicted item re-entered the drain: %+v", summary)
	}
}

func TestIdempotentSkip(t *testing.T) {
	r := newRig(t, true)
	ctx := context.Background()

	calls := 0
	r.engine.RegisterApplier(store.TypeOrder, func(ctx context.Context, item store.Item) (ApplyResult, error) {
		calls++
		return ApplyResult{}, nil
	})

	id := r.enqueue(t, store.TypeOrder, "ord-1", nil)
	r.guard.Register(ctx, idempotency.Key("order", "ord-1", "create"), "order", "ord-1")

	summary, err := r.engine.SyncNow(ctx)
	if err != nil {
		t.Fatalf("sync failed: %s", err)
	}
	if summary.Skipped != 1 || summary.Synced != 1 {
		t.Fatalf("unexpected summary: %+v", summary)
	}
	if calls != 0 {
		t.Fatalf("applier must not run for an applied key, ran %d times", calls)
	}

	// The skipped item still left the queue as synced (and was then evicted).
	if _, err := r.queue.Get(ctx, id); !errors.Is(err, store.ErrNotFound) {
		item, _ := r.queue.Get(ctx, id)
		if item.Status != store.StatusSynced {
			t.Errorf("expected synced or evicted, got %s", item.Status)
		}
	}
}

func TestExhaustedItemsOnlyInManualSync(t *testing.T) {
	r := newRig(t, true)
	ctx := context.Background()

	r.engine.RegisterApplier(store.TypeOrder, okApplier(1))
	id := r.enqueue(t, store.TypeOrder, "a", nil)

	// Burn through the automatic retry budget.
	exhaust(t, r.queue, id, 6)

	summary, err := r.engine.runCycle(ctx, false)
	if err != nil {
		t.Fatalf("automatic cycle failed: %s", err)
	}
	if summary.Processed != 0 {
		t.Fatalf("automatic cycle must skip exhausted items: %+v", summary)
	}

	summary, err = r.engine.SyncNow(ctx)
	if err != nil {
		t.Fatalf("manual sync failed: %s", err)
	}
	if summary.Processed != 1 || summary.Synced != 1 {
		t.Fatalf("manual sync must reach exhausted items: %+v", summary)
	}
}

func TestResolveConflictRequeue(t *testing.T) {
	r := newRig(t, true)
	ctx := context.Background()

	r.engine.RegisterApplier(store.TypeProduct, func(ctx context.Context, item store.Item) (ApplyResult, error) {
		return ApplyResult{}, &ConflictError{Remote: conflict.RemoteState{EntityID: item.EntityID, Version: 9}}
	})
	id := r.enqueue(t, store.TypeProduct, "prod-1", &store.EnqueueOptions{BaseVersion: 2})
	r.engine.SyncNow(ctx)

	recs, _ := r.conflicts.List(ctx, 1)
	if len(recs) != 1 {
		t.Fatal("conflict record missing")
	}

	if err := r.engine.ResolveConflict(ctx, recs[0].ID, true); err != nil {
		t.Fatalf("resolve failed: %s", err)
	}
	item, _ := r.queue.Get(ctx, id)
	if item.Status != store.StatusPending {
		t.Errorf("requeued item should be pending, got %s", item.Status)
	}
	if n, _ := r.conflicts.PendingCount(ctx); n != 0 {
		t.Errorf("conflict still pending after resolve")
	}
}

func TestResolveConflictDiscard(t *testing.T) {
	r := newRig(t, true)
	ctx := context.Background()

	r.engine.RegisterApplier(store.TypeProduct, func(ctx context.Context, item store.Item) (ApplyResult, error) {
		return ApplyResult{}, &ConflictError{Remote: conflict.RemoteState{EntityID: item.EntityID, Version: 9}}
	})
	id := r.enqueue(t, store.TypeProduct, "prod-1", &store.EnqueueOptions{BaseVersion: 2})
	r.engine.SyncNow(ctx)

	recs, _ := r.conflicts.List(ctx, 1)
	if err := r.engine.ResolveConflict(ctx, recs[0].ID, false); err != nil {
		t.Fatalf("resolve failed: %s", err)
	}
	if _, err := r.queue.Get(ctx, id); !errors.Is(err, store.ErrNotFound) {
		t.Error("discarded item should be removed from the queue")
	}
}

func TestOfflinePeriodLifecycleThroughRun(t *testing.T) {
	r := newRig(t, true)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	r.engine.RegisterApplier(store.TypeOrder, okApplier(1))

	go r.engine.Run(ctx)
	time.Sleep(20 * time.Millisecond) // let Run subscribe

	r.conn.SetOnline(false)
	r.enqueue(t, store.TypeOrder, "offline-order", nil)
	time.Sleep(20 * time.Millisecond)

	periods, _ := r.tracker.Periods(ctx, 10)
	if len(periods) != 1 || periods[0].EndTime != nil {
		t.Fatalf("expected one ongoing period, got %+v", periods)
	}

	r.conn.SetOnline(true)
	// SyncStartDelay is 10ms in the rig; wait out the debounce plus the cycle.
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if st := r.engine.Status(); st.State == StateComplete {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	if st := r.engine.Status(); st.State != StateComplete {
		t.Fatalf("debounced sync did not complete, state=%s", st.State)
	}
	periods, _ = r.tracker.Periods(ctx, 10)
	if len(periods) != 1 || periods[0].EndTime == nil {
		t.Fatalf("period not ended: %+v", periods)
	}
	if periods[0].TransactionsCreated != 1 {
		t.Errorf("expected 1 transaction in period, got %d", periods[0].TransactionsCreated)
	}
	if !periods[0].SyncReportGenerated {
		t.Error("period report not generated by the cycle")
	}

	reports, _ := r.reports.Recent(1)
	if len(reports) != 1 || reports[0].PeriodID != periods[0].ID {
		t.Errorf("cycle report not linked to period: %+v", reports)
	}
}

func TestDebounceCollapsesFlapping(t *testing.T) {
	r := newRig(t, true)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	cycles := 0
	r.engine.RegisterApplier(store.TypeOrder, func(ctx context.Context, item store.Item) (ApplyResult, error) {
		mu.Lock()
		cycles++
		mu.Unlock()
		return ApplyResult{}, nil
	})

	go r.engine.Run(ctx)
	time.Sleep(20 * time.Millisecond)

	r.conn.SetOnline(false)
	r.enqueue(t, store.TypeOrder, "a", nil)

	// Flap quickly; each restore resets the debounce timer.
	for i := 0; i < 3; i++ {
		r.conn.SetOnline(true)
		r.conn.SetOnline(false)
	}
	r.conn.SetOnline(true)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		n := cycles
		mu.Unlock()
		if n > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if cycles != 1 {
		t.Fatalf("flapping should collapse into one apply, got %d", cycles)
	}
}

func TestSetAutoSyncDisablesDebouncedStart(t *testing.T) {
	r := newRig(t, true)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	applied := false
	r.engine.RegisterApplier(store.TypeOrder, func(ctx context.Context, item store.Item) (ApplyResult, error) {
		applied = true
		return ApplyResult{}, nil
	})
	r.engine.SetAutoSync(false)

	go r.engine.Run(ctx)
	time.Sleep(20 * time.Millisecond)

	r.conn.SetOnline(false)
	r.enqueue(t, store.TypeOrder, "a", nil)
	r.conn.SetOnline(true)
	time.Sleep(100 * time.Millisecond)

	if applied {
		t.Fatal("auto-sync off must suppress the debounced cycle")
	}
	if st := r.engine.Status(); st.AutoSync {
		t.Error("status should reflect auto-sync off")
	}
}

// exhaust drives an item through n failed attempts and backdates the last
// attempt so backoff is elapsed.
func exhaust(t *testing.T, q *store.QueueStore, id string, n int) {
	t.Helper()
	ctx := context.Background()
	cause := "remote unreachable"
	for i := 0; i < n; i++ {
		if err := q.UpdateStatus(ctx, id, store.StatusSyncing, store.Update{TouchAttempt: true}); err != nil {
			t.Fatalf("mark syncing failed: %s", err)
		}
		if err := q.UpdateStatus(ctx, id, store.StatusFailed, store.Update{LastError: &cause, BumpAttempts: true, TouchAttempt: true}); err != nil {
			t.Fatalf("mark failed failed: %s", err)
		}
	}
	past := time.Now().Add(-time.Hour).UnixMilli()
	if _, err := q.DB().Exec(`UPDATE sync_queue SET last_attempt_at = ? WHERE id = ?`, past, id); err != nil {
		t.Fatalf("backdate failed: %s", err)
	}
}
