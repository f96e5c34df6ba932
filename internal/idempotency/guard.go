// Package idempotency makes retried remote applications safe. A key is
// registered only after the remote call succeeded; its presence means
// "already applied, do not run again".
package idempotency

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"possync/internal/log"

	"go.uber.org/zap"
)

// Guard tracks which logical operations have already been applied remotely.
type Guard struct {
	db     *sql.DB
	logger *log.Logger
}

func NewGuard(db *sql.DB, logger *log.Logger) *Guard {
	return &Guard{db: db, logger: logger}
}

// Key builds the deterministic idempotency key for a logical operation.
// Distinct triples never collide because the parts are colon-joined in a fixed
// order.
func Key(entityType, entityID, operation string) string {
	return fmt.Sprintf("%s:%s:%s", entityType, entityID, operation)
}

// Check reports whether the operation behind key has already been applied.
//
// It fails OPEN: if the check itself errors (e.g. a transient I/O problem) it
// returns false so the sync cycle is never blocked. This trades a possible
// duplicate remote application for availability; remote operations should be
// designed to tolerate at-least-once delivery. Do not change this to fail
// closed without revisiting the whole retry path.
func (g *Guard) Check(ctx context.Context, key string) bool {
	var status string
	err := g.db.QueryRowContext(ctx, `
        SELECT status FROM idempotency_keys WHERE key = ?
    `, key).Scan(&status)
	if err == sql.ErrNoRows {
		return false
	}
	if err != nil {
		g.logger.Warn("Idempotency check failed, treating as not applied", zap.Error(err), zap.String("key", key))
		return false
	}
	return status == "success"
}

// Register upserts a success record for key. Failures are logged and swallowed:
// the remote mutation already happened, so the worst case is a skipped
// dedup on a future retry, which the remote side must tolerate anyway.
func (g *Guard) Register(ctx context.Context, key, entityType, entityID string) {
	now := time.Now().UnixMilli()
	_, err := g.db.ExecContext(ctx, `
        INSERT INTO idempotency_keys (key, entity_type, entity_id, status, created_at, applied_at)
        VALUES (?, ?, ?, 'success', ?, ?)
        ON CONFLICT (key) DO UPDATE SET status = 'success', applied_at = excluded.applied_at
    `, key, entityType, entityID, now, now)
	if err != nil {
		g.logger.Error("Failed to register idempotency key", zap.Error(err), zap.String("key", key))
	}
}

// Result reports what Do did with the wrapped function.
type Result struct {
	Skipped bool
}

// Do runs fn at most once per key. When the key is already registered, fn is
// skipped entirely. On success the key is registered; when fn errors the key is
// NOT registered, so a future retry attempts the operation again.
func (g *Guard) Do(ctx context.Context, key, entityType, entityID string, fn func(ctx context.Context) error) (Result, error) {
	if g.Check(ctx, key) {
		g.logger.Debug("Skipping already-applied operation", zap.String("key", key))
		return Result{Skipped: true}, nil
	}
	if err := fn(ctx); err != nil {
		return Result{}, err
	}
	g.Register(ctx, key, entityType, entityID)
	return Result{Skipped: false}, nil
}
