package retry

import (
	"context"
	"fmt"
	"time"

	"possync/internal/config"
	"possync/internal/log"
	"possync/internal/store"

	"go.uber.org/zap"
)

// backoffDelays is the fixed retry schedule: 5s, 10s, 30s, 1min, 5min.
// The index clamps at the last entry for any higher attempt count.
var backoffDelays = []time.Duration{
	5 * time.Second,
	10 * time.Second,
	30 * time.Second,
	60 * time.Second,
	300 * time.Second,
}

// BackoffDelay returns the wait before the next attempt for an item that has
// already failed `attempts` times.
func BackoffDelay(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts >= len(backoffDelays) {
		attempts = len(backoffDelays) - 1
	}
	return backoffDelays[attempts]
}

// Policy owns attempt tracking and retry eligibility for failed items. Items
// that exhaust MaxSyncAttempts are never deleted here; they stay failed and
// visible until an operator resets them.
type Policy struct {
	queue  *store.QueueStore
	cfg    *config.Config
	logger *log.Logger
}

func NewPolicy(queue *store.QueueStore, cfg *config.Config, logger *log.Logger) *Policy {
	return &Policy{queue: queue, cfg: cfg, logger: logger}
}

func (p *Policy) MarkSyncing(ctx context.Context, id string) error {
	if err := p.queue.UpdateStatus(ctx, id, store.StatusSyncing, store.Update{TouchAttempt: true}); err != nil {
		return fmt.Errorf("mark syncing: %w", err)
	}
	return nil
}

func (p *Policy) MarkSynced(ctx context.Context, id string) error {
	if err := p.queue.UpdateStatus(ctx, id, store.StatusSynced, store.Update{ClearError: true}); err != nil {
		return fmt.Errorf("mark synced: %w", err)
	}
	p.logger.Debug("Item synced", zap.String("id", id))
	return nil
}

// MarkFailed records the failure, bumps the attempt counter and stamps the
// attempt time used for backoff eligibility.
func (p *Policy) MarkFailed(ctx context.Context, id string, cause string) error {
	err := p.queue.UpdateStatus(ctx, id, store.StatusFailed, store.Update{
		LastError:    &cause,
		BumpAttempts: true,
		TouchAttempt: true,
	})
	if err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	p.logger.Debug("Item failed", zap.String("id", id), zap.String("error", cause))
	return nil
}

// RetryableItems returns failed items whose backoff window has elapsed. It does
// not gate on MaxSyncAttempts: exhausted items remain retrievable so operators
// and manual syncs can still reach them. The engine applies the attempt cap for
// automatic drains.
func (p *Policy) RetryableItems(ctx context.Context) ([]store.Item, error) {
	failed, err := p.queue.List(ctx, store.StatusFailed)
	if err != nil {
		return nil, fmt.Errorf("list failed items: %w", err)
	}
	now := time.Now()
	var out []store.Item
	for _, item := range failed {
		last := item.CreatedAt
		if item.LastAttemptAt != nil {
			last = *item.LastAttemptAt
		}
		if now.Sub(last) >= BackoffDelay(item.Attempts) {
			out = append(out, item)
		}
	}
	return out, nil
}

// Exhausted reports whether the item has used up its automatic retry budget.
func (p *Policy) Exhausted(item store.Item) bool {
	return item.Attempts >= p.cfg.MaxSyncAttempts
}

// ResetToPending puts a failed (or conflicted) item back into the normal
// rotation. Attempts are kept unless resetAttempts is set, so the backoff
// history survives an ordinary reset.
func (p *Policy) ResetToPending(ctx context.Context, id string, resetAttempts bool) error {
	upd := store.Update{ClearError: true}
	if resetAttempts {
		upd.ResetAttempts = true
	}
	if err := p.queue.UpdateStatus(ctx, id, store.StatusPending, upd); err != nil {
		return fmt.Errorf("reset to pending: %w", err)
	}
	p.logger.Info("Item reset to pending", zap.String("id", id), zap.Bool("attempts_reset", resetAttempts))
	return nil
}
