// Package conflict flags divergence between a queued local mutation and the
// remote entity it assumed, instead of blindly overwriting. Detection uses a
// monotonic version counter per entity: the remote having moved past the
// version the local mutation was based on is a conflict. Resolution is never
// automatic; it is an explicit external decision.
package conflict

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"possync/internal/log"
	"possync/internal/store"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrNotFound = errors.New("conflict record not found")

// RemoteState is the backend's view of an entity at apply time.
type RemoteState struct {
	EntityID  string          `json:"entity_id"`
	Version   int64           `json:"version"`
	UpdatedAt time.Time       `json:"updated_at"`
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// Record captures one detected divergence for later manual resolution.
type Record struct {
	ID            string          `json:"id"`
	ItemID        string          `json:"item_id"`
	ItemType      store.ItemType  `json:"item_type"`
	EntityID      string          `json:"entity_id"`
	LocalPayload  json.RawMessage `json:"local_payload"`
	RemotePayload json.RawMessage `json:"remote_payload,omitempty"`
	LocalVersion  int64           `json:"local_version"`
	RemoteVersion int64           `json:"remote_version"`
	DetectedAt    time.Time       `json:"detected_at"`
	Resolution    string          `json:"resolution"`
	ResolvedAt    *time.Time      `json:"resolved_at,omitempty"`
}

// Detect compares the remote entity state against the version the local
// mutation assumed. Returns nil when there is no divergence. A BaseVersion of
// zero means the caller tracked no version (e.g. a freshly created entity), so
// nothing can diverge.
func Detect(item store.Item, remote RemoteState) *Record {
	if item.BaseVersion == 0 || remote.Version <= item.BaseVersion {
		return nil
	}
	return NewRecord(item, remote)
}

// NewRecord builds a pending conflict record from a local item and the remote
// state captured at apply time, without judging divergence. Detect is the
// normal entry point; this exists for callers that already know the backend
// rejected the mutation.
func NewRecord(item store.Item, remote RemoteState) *Record {
	return &Record{
		ID:            uuid.NewString(),
		ItemID:        item.ID,
		ItemType:      item.Type,
		EntityID:      item.EntityID,
		LocalPayload:  item.Payload,
		RemotePayload: remote.Payload,
		LocalVersion:  item.BaseVersion,
		RemoteVersion: remote.Version,
		DetectedAt:    time.Now(),
		Resolution:    "pending",
	}
}

// Store persists conflict records in the local database.
type Store struct {
	db     *sql.DB
	logger *log.Logger
}

func NewStore(db *sql.DB, logger *log.Logger) *Store {
	return &Store{db: db, logger: logger}
}

func (s *Store) Save(ctx context.Context, rec *Record) error {
	_, err := s.db.ExecContext(ctx, `
        INSERT INTO sync_conflicts (id, item_id, item_type, entity_id, local_payload, remote_payload, local_version, remote_version, detected_at, resolution)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 'pending')
    `, rec.ID, rec.ItemID, string(rec.ItemType), rec.EntityID, string(rec.LocalPayload),
		nullableJSON(rec.RemotePayload), rec.LocalVersion, rec.RemoteVersion, rec.DetectedAt.UnixMilli())
	if err != nil {
		return fmt.Errorf("save conflict: %w", err)
	}
	s.logger.Warn("Sync conflict detected",
		zap.String("item_id", rec.ItemID),
		zap.String("entity_id", rec.EntityID),
		zap.Int64("local_version", rec.LocalVersion),
		zap.Int64("remote_version", rec.RemoteVersion))
	return nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

// PendingCount returns how many conflicts still await resolution.
func (s *Store) PendingCount(ctx context.Context) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
        SELECT COUNT(*) FROM sync_conflicts WHERE resolution = 'pending'
    `).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending conflicts: %w", err)
	}
	return n, nil
}

// List returns conflict records newest-first.
func (s *Store) List(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, item_id, item_type, entity_id, local_payload, remote_payload, local_version, remote_version, detected_at, resolution, resolved_at
        FROM sync_conflicts
        ORDER BY detected_at DESC
        LIMIT ?
    `, limit)
	if err != nil {
		return nil, fmt.Errorf("list conflicts: %w", err)
	}
	defer rows.Close()

	var recs []Record
	for rows.Next() {
		var (
			rec        Record
			itemType   string
			local      string
			remote     sql.NullString
			detectedAt int64
			resolvedAt sql.NullInt64
		)
		err := rows.Scan(&rec.ID, &rec.ItemID, &itemType, &rec.EntityID, &local, &remote,
			&rec.LocalVersion, &rec.RemoteVersion, &detectedAt, &rec.Resolution, &resolvedAt)
		if err != nil {
			return nil, fmt.Errorf("scan conflict: %w", err)
		}
		rec.ItemType = store.ItemType(itemType)
		rec.LocalPayload = json.RawMessage(local)
		if remote.Valid {
			rec.RemotePayload = json.RawMessage(remote.String)
		}
		rec.DetectedAt = time.UnixMilli(detectedAt)
		if resolvedAt.Valid {
			t := time.UnixMilli(resolvedAt.Int64)
			rec.ResolvedAt = &t
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

func (s *Store) Get(ctx context.Context, id string) (Record, error) {
	rows, err := s.db.QueryContext(ctx, `
        SELECT id, item_id, item_type, entity_id, local_payload, remote_payload, local_version, remote_version, detected_at, resolution, resolved_at
        FROM sync_conflicts WHERE id = ?
    `, id)
	if err != nil {
		return Record{}, fmt.Errorf("get conflict: %w", err)
	}
	defer rows.Close()
	if !rows.Next() {
		return Record{}, ErrNotFound
	}
	var (
		rec        Record
		itemType   string
		local      string
		remote     sql.NullString
		detectedAt int64
		resolvedAt sql.NullInt64
	)
	err = rows.Scan(&rec.ID, &rec.ItemID, &itemType, &rec.EntityID, &local, &remote,
		&rec.LocalVersion, &rec.RemoteVersion, &detectedAt, &rec.Resolution, &resolvedAt)
	if err != nil {
		return Record{}, fmt.Errorf("scan conflict: %w", err)
	}
	rec.ItemType = store.ItemType(itemType)
	rec.LocalPayload = json.RawMessage(local)
	if remote.Valid {
		rec.RemotePayload = json.RawMessage(remote.String)
	}
	rec.DetectedAt = time.UnixMilli(detectedAt)
	if resolvedAt.Valid {
		t := time.UnixMilli(resolvedAt.Int64)
		rec.ResolvedAt = &t
	}
	return rec, nil
}

// MarkResolved closes a conflict record. The caller decides what happens to the
// originating queue item (requeue or removal); this only flips the record.
func (s *Store) MarkResolved(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `
        UPDATE sync_conflicts SET resolution = 'resolved', resolved_at = ? WHERE id = ? AND resolution = 'pending'
    `, time.Now().UnixMilli(), id)
	if err != nil {
		return fmt.Errorf("resolve conflict: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
