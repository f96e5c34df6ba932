package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"possync/internal/config"
	"possync/internal/log"

	"github.com/google/uuid"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS sync_queue (
    id              TEXT PRIMARY KEY,
    type            TEXT NOT NULL,
    entity_id       TEXT NOT NULL DEFAULT '',
    operation       TEXT NOT NULL DEFAULT 'create',
    payload         TEXT NOT NULL,
    base_version    INTEGER NOT NULL DEFAULT 0,
    status          TEXT NOT NULL,
    priority        INTEGER,
    attempts        INTEGER NOT NULL DEFAULT 0,
    last_error      TEXT,
    created_at      INTEGER NOT NULL,
    last_attempt_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_sync_queue_status ON sync_queue(status);
CREATE INDEX IF NOT EXISTS idx_sync_queue_created ON sync_queue(created_at);

CREATE TABLE IF NOT EXISTS idempotency_keys (
    key         TEXT PRIMARY KEY,
    entity_type TEXT NOT NULL,
    entity_id   TEXT NOT NULL,
    status      TEXT NOT NULL,
    created_at  INTEGER NOT NULL,
    applied_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS sync_conflicts (
    id             TEXT PRIMARY KEY,
    item_id        TEXT NOT NULL,
    item_type      TEXT NOT NULL,
    entity_id      TEXT NOT NULL,
    local_payload  TEXT NOT NULL,
    remote_payload TEXT,
    local_version  INTEGER NOT NULL,
    remote_version INTEGER NOT NULL,
    detected_at    INTEGER NOT NULL,
    resolution     TEXT NOT NULL DEFAULT 'pending',
    resolved_at    INTEGER
);
CREATE INDEX IF NOT EXISTS idx_conflicts_resolution ON sync_conflicts(resolution);

CREATE TABLE IF NOT EXISTS offline_periods (
    id                    TEXT PRIMARY KEY,
    start_time            INTEGER NOT NULL,
    end_time              INTEGER,
    duration_ms           INTEGER,
    transactions_created  INTEGER NOT NULL DEFAULT 0,
    transactions_synced   INTEGER NOT NULL DEFAULT 0,
    transactions_failed   INTEGER NOT NULL DEFAULT 0,
    sync_report_generated INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_offline_periods_start ON offline_periods(start_time);
`

// Open opens (or creates) the local durable store and applies the schema.
// The returned handle is shared by every component; SQLite serializes writes.
func Open(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// Single logical writer: one connection avoids SQLITE_BUSY between the
	// engine, the API and the metrics collector.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA journal_mode=WAL; PRAGMA foreign_keys=ON;`); err != nil {
		db.Close()
		return nil, fmt.Errorf("set pragmas: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return db, nil
}

// QueueStore is capacity-bounded CRUD over the sync_queue table. Ordering is
// not its concern; the priority package orders what it returns.
type QueueStore struct {
	db       *sql.DB
	cfg      *config.Config
	logger   *log.Logger
	notifier *Notifier
}

func NewQueueStore(db *sql.DB, cfg *config.Config, logger *log.Logger) *QueueStore {
	return &QueueStore{
		db:       db,
		cfg:      cfg,
		logger:   logger,
		notifier: NewNotifier(),
	}
}

func (s *QueueStore) DB() *sql.DB { return s.db }

// Notifier exposes the change feed published after every mutation.
func (s *QueueStore) Notifier() *Notifier { return s.notifier }

// EnqueueOptions carries the optional parts of an enqueue.
type EnqueueOptions struct {
	// Priority overrides the class derived from the item type.
	Priority *int
	// BaseVersion is the remote entity version this mutation was computed
	// against. 0 means unknown (new entity or caller does not track versions).
	BaseVersion int64
}

// Enqueue validates the payload, enforces the capacity bound and inserts a
// pending item. When the queue is full it first evicts synced items; if that
// is not enough the caller gets ErrQueueFull.
func (s *QueueStore) Enqueue(ctx context.Context, t ItemType, entityID, operation string, payload json.RawMessage, opts *EnqueueOptions) (string, error) {
	if err := ValidatePayload(t, payload); err != nil {
		return "", err
	}
	if operation == "" {
		operation = "create"
	}

	counts, err := s.Counts(ctx)
	if err != nil {
		return "", fmt.Errorf("count queue: %w", err)
	}
	if counts.Total >= s.cfg.MaxQueueSize {
		removed, err := s.CleanupSynced(ctx)
		if err != nil {
			return "", fmt.Errorf("cleanup synced: %w", err)
		}
		counts, err = s.Counts(ctx)
		if err != nil {
			return "", fmt.Errorf("recount queue: %w", err)
		}
		if counts.Total >= s.cfg.MaxQueueSize {
			return "", fmt.Errorf("%w (max: %d)", ErrQueueFull, s.cfg.MaxQueueSize)
		}
		s.logger.Debug("Evicted synced items to make room", zap.Int("removed", removed), zap.Int("total", counts.Total))
	}

	item := Item{
		ID:        uuid.NewString(),
		Type:      t,
		EntityID:  entityID,
		Operation: operation,
		Payload:   payload,
		Status:    StatusPending,
		CreatedAt: time.Now(),
	}
	var priority sql.NullInt64
	if opts != nil {
		item.BaseVersion = opts.BaseVersion
		if opts.Priority != nil {
			priority = sql.NullInt64{Int64: int64(*opts.Priority), Valid: true}
		}
	}

	_, err = s.db.ExecContext(ctx, `
        INSERT INTO sync_queue (id, type, entity_id, operation, payload, base_version, status, priority, attempts, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, ?)
    `, item.ID, string(item.Type), item.EntityID, item.Operation, string(item.Payload),
		item.BaseVersion, string(item.Status), priority, item.CreatedAt.UnixMilli())
	if err != nil {
		return "", fmt.Errorf("insert queue item: %w", err)
	}

	s.notifier.Publish(Event{Op: OpEnqueued, ItemID: item.ID, Status: StatusPending})
	s.logger.Debug("Enqueued item", zap.String("id", item.ID), zap.String("type", string(t)))
	return item.ID, nil
}

const itemColumns = `id, type, entity_id, operation, payload, base_version, status, priority, attempts, last_error, created_at, last_attempt_at`

func scanItem(scan func(...any) error) (Item, error) {
	var (
		item      Item
		typ       string
		status    string
		payload   string
		priority  sql.NullInt64
		lastErr   sql.NullString
		createdAt int64
		attemptAt sql.NullInt64
	)
	err := scan(&item.ID, &typ, &item.EntityID, &item.Operation, &payload, &item.BaseVersion,
		&status, &priority, &item.Attempts, &lastErr, &createdAt, &attemptAt)
	if err != nil {
		return Item{}, err
	}
	item.Type = ItemType(typ)
	item.Status = Status(status)
	item.Payload = json.RawMessage(payload)
	if priority.Valid {
		p := int(priority.Int64)
		item.Priority = &p
	}
	if lastErr.Valid {
		e := lastErr.String
		item.LastError = &e
	}
	item.CreatedAt = time.UnixMilli(createdAt)
	if attemptAt.Valid {
		t := time.UnixMilli(attemptAt.Int64)
		item.LastAttemptAt = &t
	}
	return item, nil
}

func (s *QueueStore) Get(ctx context.Context, id string) (Item, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+itemColumns+` FROM sync_queue WHERE id = ?`, id)
	item, err := scanItem(row.Scan)
	if err == sql.ErrNoRows {
		return Item{}, ErrNotFound
	}
	if err != nil {
		return Item{}, fmt.Errorf("get queue item: %w", err)
	}
	return item, nil
}

// List returns queue items ordered by creation time, optionally filtered by
// status.
func (s *QueueStore) List(ctx context.Context, statuses ...Status) ([]Item, error) {
	query := `SELECT ` + itemColumns + ` FROM sync_queue`
	var args []any
	if len(statuses) > 0 {
		query += ` WHERE status IN (?` + strings.Repeat(",?", len(statuses)-1) + `)`
		for _, st := range statuses {
			args = append(args, string(st))
		}
	}
	query += ` ORDER BY created_at`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list queue items: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		item, err := scanItem(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan queue item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// Update carries the optional field changes attached to a status transition.
type Update struct {
	LastError     *string
	ClearError    bool
	BumpAttempts  bool
	ResetAttempts bool
	TouchAttempt  bool
}

// UpdateStatus applies a transition-checked status change plus the requested
// field updates in one transaction.
func (s *QueueStore) UpdateStatus(ctx context.Context, id string, next Status, upd Update) error {
	if !next.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalidTransition, next)
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var current string
	err = tx.QueryRowContext(ctx, `SELECT status FROM sync_queue WHERE id = ?`, id).Scan(&current)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read status: %w", err)
	}
	if !Status(current).CanTransition(next) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, next)
	}

	query := `UPDATE sync_queue SET status = ?`
	args := []any{string(next)}
	if upd.BumpAttempts {
		query += `, attempts = attempts + 1`
	}
	if upd.ResetAttempts {
		query += `, attempts = 0`
	}
	if upd.LastError != nil {
		query += `, last_error = ?`
		args = append(args, *upd.LastError)
	}
	if upd.ClearError {
		query += `, last_error = NULL`
	}
	if upd.TouchAttempt {
		query += `, last_attempt_at = ?`
		args = append(args, time.Now().UnixMilli())
	}
	query += ` WHERE id = ?`
	args = append(args, id)

	if _, err := tx.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("update queue item: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}

	s.notifier.Publish(Event{Op: OpUpdated, ItemID: id, Status: next})
	return nil
}

func (s *QueueStore) Remove(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("remove queue item: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	s.notifier.Publish(Event{Op: OpRemoved, ItemID: id})
	return nil
}

func (s *QueueStore) Counts(ctx context.Context) (Counts, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM sync_queue GROUP BY status`)
	if err != nil {
		return Counts{}, fmt.Errorf("count queue items: %w", err)
	}
	defer rows.Close()

	var c Counts
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return Counts{}, fmt.Errorf("scan count: %w", err)
		}
		switch Status(status) {
		case StatusPending:
			c.Pending = n
		case StatusSyncing:
			c.Syncing = n
		case StatusFailed:
			c.Failed = n
		case StatusSynced:
			c.Synced = n
		case StatusConflict:
			c.Conflict = n
		}
		c.Total += n
	}
	return c, rows.Err()
}

func (s *QueueStore) Clear(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM sync_queue`); err != nil {
		return fmt.Errorf("clear queue: %w", err)
	}
	s.notifier.Publish(Event{Op: OpRemoved})
	return nil
}

// CleanupSynced evicts items that have already been applied remotely and
// returns how many were removed.
func (s *QueueStore) CleanupSynced(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM sync_queue WHERE status = ?`, string(StatusSynced))
	if err != nil {
		return 0, fmt.Errorf("cleanup synced items: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("rows affected: %w", err)
	}
	if n > 0 {
		s.notifier.Publish(Event{Op: OpRemoved})
		s.logger.Debug("Cleaned up synced items", zap.Int64("count", n))
	}
	return int(n), nil
}

// HasItemsToSync reports whether any pending or failed items exist.
func (s *QueueStore) HasItemsToSync(ctx context.Context) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
        SELECT COUNT(*) FROM sync_queue WHERE status IN (?, ?)
    `, string(StatusPending), string(StatusFailed)).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("count unsynced items: %w", err)
	}
	return n > 0, nil
}

// CountCreatedBetween counts items created within [start, end]. The offline
// tracker uses it to attribute transactions to a disconnection interval.
func (s *QueueStore) CountCreatedBetween(ctx context.Context, start, end time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
        SELECT COUNT(*) FROM sync_queue WHERE created_at >= ? AND created_at <= ?
    `, start.UnixMilli(), end.UnixMilli()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count created items: %w", err)
	}
	return n, nil
}

// CountStatusCreatedBetween counts items with the given status among those
// created within [start, end].
func (s *QueueStore) CountStatusCreatedBetween(ctx context.Context, status Status, start, end time.Time) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
        SELECT COUNT(*) FROM sync_queue WHERE status = ? AND created_at >= ? AND created_at <= ?
    `, string(status), start.UnixMilli(), end.UnixMilli()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count %s items: %w", status, err)
	}
	return n, nil
}

// ListExhausted returns failed items whose attempts have reached maxAttempts.
// They are never deleted automatically; operators reset them manually.
func (s *QueueStore) ListExhausted(ctx context.Context, maxAttempts int) ([]Item, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT `+itemColumns+` FROM sync_queue
        WHERE status = ? AND attempts >= ?
        ORDER BY created_at
    `, string(StatusFailed), maxAttempts)
	if err != nil {
		return nil, fmt.Errorf("list exhausted items: %w", err)
	}
	defer rows.Close()

	var items []Item
	for rows.Next() {
		item, err := scanItem(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan exhausted item: %w", err)
		}
		items = append(items, item)
	}
	return items, rows.Err()
}

// RecoverOrphans resets items stuck in 'syncing' back to 'pending'. Called once
// at startup; a crash mid-cycle leaves them behind. This bypasses the normal
// transition check deliberately.
func (s *QueueStore) RecoverOrphans(ctx context.Context) (int, error) {
	res, err := s.db.ExecContext(ctx, `
        UPDATE sync_queue SET status = ? WHERE status = ?
    `, string(StatusPending), string(StatusSyncing))
	if err != nil {
		return 0, fmt.Errorf("recover orphaned items: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.notifier.Publish(Event{Op: OpUpdated, Status: StatusPending})
		s.logger.Info("Recovered orphaned syncing items", zap.Int64("count", n))
	}
	return int(n), nil
}
