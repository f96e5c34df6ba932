package offline

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"possync/internal/config"
	"possync/internal/log"
	"possync/internal/store"
)

func testTracker(t *testing.T) (*Tracker, *store.QueueStore, *sql.DB) {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "sync.db"))
	if err != nil {
		t.Fatalf("open store failed: %s", err)
	}
	t.Cleanup(func() { db.Close() })
	cfg := &config.Config{MaxQueueSize: 500, MaxSyncAttempts: 5}
	q := store.NewQueueStore(db, cfg, log.NewNop())
	return NewTracker(db, q, log.NewNop()), q, db
}

func TestStartAndEndPeriod(t *testing.T) {
	tr, q, _ := testTracker(t)
	ctx := context.Background()

	id, err := tr.Start(ctx)
	if err != nil {
		t.Fatalf("start failed: %s", err)
	}

	// Three orders land while offline.
	payload := json.RawMessage(`{"order_number":"ORD-1","items":[]}`)
	for i := 0; i < 3; i++ {
		if _, err := q.Enqueue(ctx, store.TypeOrder, "ord", "create", payload, nil); err != nil {
			t.Fatalf("enqueue failed: %s", err)
		}
	}

	if err := tr.End(ctx, id); err != nil {
		t.Fatalf("end failed: %s", err)
	}

	periods, err := tr.Periods(ctx, 10)
	if err != nil {
		t.Fatalf("list failed: %s", err)
	}
	if len(periods) != 1 {
		t.Fatalf("expected 1 period, got %d", len(periods))
	}
	p := periods[0]
	if p.EndTime == nil || p.DurationMS == nil {
		t.Fatal("ended period missing end time or duration")
	}
	if p.TransactionsCreated != 3 {
		t.Errorf("expected 3 transactions created, got %d", p.TransactionsCreated)
	}
	if p.SyncReportGenerated {
		t.Error("report should not be flagged yet")
	}
}

func TestEndUnknownPeriod(t *testing.T) {
	tr, _, _ := testTracker(t)
	err := tr.End(context.Background(), "nope")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestEndTwice(t *testing.T) {
	tr, _, _ := testTracker(t)
	ctx := context.Background()

	id, _ := tr.Start(ctx)
	if err := tr.End(ctx, id); err != nil {
		t.Fatalf("first end failed: %s", err)
	}
	err := tr.End(ctx, id)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("ending an ended period should report not found, got %v", err)
	}
}

func TestUpdateSyncStatsAndLatestUnreported(t *testing.T) {
	tr, _, _ := testTracker(t)
	ctx := context.Background()

	id, _ := tr.Start(ctx)
	tr.End(ctx, id)

	p, err := tr.LatestUnreported(ctx)
	if err != nil {
		t.Fatalf("latest unreported failed: %s", err)
	}
	if p.ID != id {
		t.Fatalf("expected period %s, got %s", id, p.ID)
	}

	if err := tr.UpdateSyncStats(ctx, id, 2, 1); err != nil {
		t.Fatalf("update stats failed: %s", err)
	}

	_, err = tr.LatestUnreported(ctx)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("reported period should not come back, got %v", err)
	}

	periods, _ := tr.Periods(ctx, 10)
	if periods[0].TransactionsSynced != 2 || periods[0].TransactionsFailed != 1 {
		t.Errorf("stats not persisted: %+v", periods[0])
	}
	if !periods[0].SyncReportGenerated {
		t.Error("report flag not set")
	}
}

func TestLatestUnreportedSkipsOngoing(t *testing.T) {
	tr, _, _ := testTracker(t)
	ctx := context.Background()

	tr.Start(ctx) // never ended

	_, err := tr.LatestUnreported(ctx)
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("ongoing period must not be reported, got %v", err)
	}
}

func TestAggregateStats(t *testing.T) {
	tr, _, db := testTracker(t)
	ctx := context.Background()

	// Two ended periods with known durations, one ongoing.
	insertPeriod(t, db, "p1", -time.Hour, 10*time.Minute, 5, 4, 1)
	insertPeriod(t, db, "p2", -30*time.Minute, 20*time.Minute, 3, 3, 0)
	tr.Start(ctx)

	s, err := tr.AggregateStats(ctx)
	if err != nil {
		t.Fatalf("aggregate failed: %s", err)
	}
	if s.TotalPeriods != 3 {
		t.Errorf("expected 3 periods, got %d", s.TotalPeriods)
	}
	if s.TotalDurationMS != (30 * time.Minute).Milliseconds() {
		t.Errorf("unexpected total duration: %d", s.TotalDurationMS)
	}
	if s.AverageDurationMS != (15 * time.Minute).Milliseconds() {
		t.Errorf("average over ended periods wrong: %d", s.AverageDurationMS)
	}
	if s.TotalTransactions != 8 || s.TotalSynced != 7 || s.TotalFailed != 1 {
		t.Errorf("unexpected transaction totals: %+v", s)
	}
	if !s.OngoingPeriod {
		t.Error("ongoing period not flagged")
	}
}

func TestCleanupOldKeepsNewest(t *testing.T) {
	tr, _, db := testTracker(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		insertPeriod(t, db, string(rune('a'+i)), -time.Duration(10-i)*time.Hour, time.Minute, 0, 0, 0)
	}

	removed, err := tr.CleanupOld(ctx, 2)
	if err != nil {
		t.Fatalf("cleanup failed: %s", err)
	}
	if removed != 3 {
		t.Fatalf("expected 3 removed, got %d", removed)
	}

	periods, _ := tr.Periods(ctx, 10)
	if len(periods) != 2 {
		t.Fatalf("expected 2 kept, got %d", len(periods))
	}
	// Newest two survive.
	if periods[0].ID != "e" || periods[1].ID != "d" {
		t.Errorf("wrong periods kept: %s, %s", periods[0].ID, periods[1].ID)
	}
}

func insertPeriod(t *testing.T, db *sql.DB, id string, startOffset, duration time.Duration, created, synced, failed int) {
	t.Helper()
	start := time.Now().Add(startOffset)
	end := start.Add(duration)
	_, err := db.Exec(`
        INSERT INTO offline_periods (id, start_time, end_time, duration_ms, transactions_created, transactions_synced, transactions_failed, sync_report_generated)
        VALUES (?, ?, ?, ?, ?, ?, ?, 1)
    `, id, start.UnixMilli(), end.UnixMilli(), duration.Milliseconds(), created, synced, failed)
	if err != nil {
		t.Fatalf("insert period failed: %s", err)
	}
}
