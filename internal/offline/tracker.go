// Package offline records intervals of disconnection and what happened to the
// transactions created inside them.
package offline

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"possync/internal/log"
	"possync/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrNotFound = errors.New("offline period not found")

// Period is one tracked interval during which connectivity was unavailable.
type Period struct {
	ID                  string     `json:"id"`
	StartTime           time.Time  `json:"start_time"`
	EndTime             *time.Time `json:"end_time,omitempty"`
	DurationMS          *int64     `json:"duration_ms,omitempty"`
	TransactionsCreated int        `json:"transactions_created"`
	TransactionsSynced  int        `json:"transactions_synced"`
	TransactionsFailed  int        `json:"transactions_failed"`
	SyncReportGenerated bool       `json:"sync_report_generated"`
}

// Stats aggregates all recorded periods.
type Stats struct {
	TotalPeriods      int   `json:"total_periods"`
	TotalDurationMS   int64 `json:"total_duration_ms"`
	AverageDurationMS int64 `json:"average_duration_ms"`
	TotalTransactions int   `json:"total_transactions"`
	TotalSynced       int   `json:"total_synced"`
	TotalFailed       int   `json:"total_failed"`
	OngoingPeriod     bool  `json:"ongoing_period"`
}

// Tracker manages offline period lifecycle and retention.
type Tracker struct {
	db     *sql.DB
	queue  *store.QueueStore
	logger *log.Logger
}

func NewTracker(db *sql.DB, queue *store.QueueStore, logger *log.Logger) *Tracker {
	return &Tracker{db: db, queue: queue, logger: logger}
}

// Start opens a new offline period at connectivity loss and returns its id.
func (t *Tracker) Start(ctx context.Context) (string, error) {
	id := uuid.NewString()
	_, err := t.db.ExecContext(ctx, `
        INSERT INTO offline_periods (id, start_time) VALUES (?, ?)
    `, id, time.Now().UnixMilli())
	if err != nil {
		return "", fmt.Errorf("start offline period: %w", err)
	}
	t.logger.Info("Offline period started", zap.String("period_id", id))
	return id, nil
}

// End closes the period at connectivity restore: it stamps the end time,
// computes the duration and counts the transactions created inside the
// interval.
func (t *Tracker) End(ctx context.Context, id string) error {
	var startMS int64
	err := t.db.QueryRowContext(ctx, `
        SELECT start_time FROM offline_periods WHERE id = ? AND end_time IS NULL
    `, id).Scan(&startMS)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read offline period: %w", err)
	}

	start := time.UnixMilli(startMS)
	end := time.Now()
	created, err := t.queue.CountCreatedBetween(ctx, start, end)
	if err != nil {
		return fmt.Errorf("count created transactions: %w", err)
	}

	_, err = t.db.ExecContext(ctx, `
        UPDATE offline_periods
        SET end_time = ?, duration_ms = ?, transactions_created = ?
        WHERE id = ?
    `, end.UnixMilli(), end.Sub(start).Milliseconds(), created, id)
	if err != nil {
		return fmt.Errorf("end offline period: %w", err)
	}
	t.logger.Info("Offline period ended",
		zap.String("period_id", id),
		zap.Duration("duration", end.Sub(start)),
		zap.Int("transactions_created", created))
	return nil
}

// UpdateSyncStats records the outcome of the sync cycle covering this period
// and marks its report as generated.
func (t *Tracker) UpdateSyncStats(ctx context.Context, id string, synced, failed int) error {
	res, err := t.db.ExecContext(ctx, `
        UPDATE offline_periods
        SET transactions_synced = ?, transactions_failed = ?, sync_report_generated = 1
        WHERE id = ?
    `, synced, failed, id)
	if err != nil {
		return fmt.Errorf("update period sync stats: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// LatestUnreported returns the most recent ended period whose sync report has
// not been generated yet, or ErrNotFound.
func (t *Tracker) LatestUnreported(ctx context.Context) (Period, error) {
	rows, err := t.db.QueryContext(ctx, `
        SELECT `+periodColumns+` FROM offline_periods
        WHERE end_time IS NOT NULL AND sync_report_generated = 0
        ORDER BY start_time DESC
        LIMIT 1
    `)
	if err != nil {
		return Period{}, fmt.Errorf("query unreported period: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return Period{}, ErrNotFound
	}
	return scanPeriod(rows.Scan)
}

const periodColumns = `id, start_time, end_time, duration_ms, transactions_created, transactions_synced, transactions_failed, sync_report_generated`

func scanPeriod(scan func(...any) error) (Period, error) {
	var (
		p        Period
		startMS  int64
		endMS    sql.NullInt64
		duration sql.NullInt64
		reported int
	)
	err := scan(&p.ID, &startMS, &endMS, &duration, &p.TransactionsCreated,
		&p.TransactionsSynced, &p.TransactionsFailed, &reported)
	if err != nil {
		return Period{}, err
	}
	p.StartTime = time.UnixMilli(startMS)
	if endMS.Valid {
		e := time.UnixMilli(endMS.Int64)
		p.EndTime = &e
	}
	if duration.Valid {
		d := duration.Int64
		p.DurationMS = &d
	}
	p.SyncReportGenerated = reported != 0
	return p, nil
}

// Periods returns recorded periods newest-first.
func (t *Tracker) Periods(ctx context.Context, limit int) ([]Period, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := t.db.QueryContext(ctx, `
        SELECT `+periodColumns+` FROM offline_periods
        ORDER BY start_time DESC
        LIMIT ?
    `, limit)
	if err != nil {
		return nil, fmt.Errorf("list offline periods: %w", err)
	}
	defer rows.Close()

	var periods []Period
	for rows.Next() {
		p, err := scanPeriod(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan offline period: %w", err)
		}
		periods = append(periods, p)
	}
	return periods, rows.Err()
}

// AggregateStats summarizes every recorded period.
func (t *Tracker) AggregateStats(ctx context.Context) (Stats, error) {
	var s Stats
	var totalDuration sql.NullInt64
	err := t.db.QueryRowContext(ctx, `
        SELECT COUNT(*),
               COALESCE(SUM(duration_ms), 0),
               COALESCE(SUM(transactions_created), 0),
               COALESCE(SUM(transactions_synced), 0),
               COALESCE(SUM(transactions_failed), 0)
        FROM offline_periods
    `).Scan(&s.TotalPeriods, &totalDuration, &s.TotalTransactions, &s.TotalSynced, &s.TotalFailed)
	if err != nil {
		return Stats{}, fmt.Errorf("aggregate period stats: %w", err)
	}
	if totalDuration.Valid {
		s.TotalDurationMS = totalDuration.Int64
	}

	var ended int
	if err := t.db.QueryRowContext(ctx, `
        SELECT COUNT(*) FROM offline_periods WHERE end_time IS NOT NULL
    `).Scan(&ended); err != nil {
		return Stats{}, fmt.Errorf("count ended periods: %w", err)
	}
	if ended > 0 {
		s.AverageDurationMS = s.TotalDurationMS / int64(ended)
	}
	s.OngoingPeriod = s.TotalPeriods > ended
	return s, nil
}

// CleanupOld prunes the oldest periods so that at most keep remain.
func (t *Tracker) CleanupOld(ctx context.Context, keep int) (int, error) {
	if keep <= 0 {
		return 0, nil
	}
	res, err := t.db.ExecContext(ctx, `
        DELETE FROM offline_periods WHERE id NOT IN (
            SELECT id FROM offline_periods ORDER BY start_time DESC LIMIT ?
        )
    `, keep)
	if err != nil {
		return 0, fmt.Errorf("cleanup old periods: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		t.logger.Debug("Pruned old offline periods", zap.Int64("count", n))
	}
	return int(n), nil
}
