package store

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ItemType identifies what kind of local mutation an item carries. The set is
// closed: Enqueue rejects anything not listed here.
type ItemType string

const (
	TypeOrder         ItemType = "order"
	TypeOrderUpdate   ItemType = "order_update"
	TypePayment       ItemType = "payment"
	TypeVoid          ItemType = "void"
	TypeRefund        ItemType = "refund"
	TypeSessionClose  ItemType = "session_close"
	TypeProduct       ItemType = "product"
	TypeStockMovement ItemType = "stock_movement"
	TypeCustomer      ItemType = "customer"
	TypeCategory      ItemType = "category"
	TypeSettings      ItemType = "settings"
	TypeAuditLog      ItemType = "audit_log"
)

// Status is the lifecycle state of a queue item.
type Status string

const (
	StatusPending  Status = "pending"
	StatusSyncing  Status = "syncing"
	StatusSynced   Status = "synced"
	StatusFailed   Status = "failed"
	StatusConflict Status = "conflict"
)

// transitions is the allowed status state machine. failed->pending and
// conflict->pending are the manual reset/resolution paths.
var transitions = map[Status][]Status{
	StatusPending:  {StatusSyncing},
	StatusSyncing:  {StatusSynced, StatusFailed, StatusConflict},
	StatusFailed:   {StatusSyncing, StatusPending},
	StatusConflict: {StatusPending},
	StatusSynced:   {},
}

func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

// CanTransition reports whether moving from s to next is a legal status change.
func (s Status) CanTransition(next Status) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Item is one pending local mutation awaiting remote application.
type Item struct {
	ID            string
	Type          ItemType
	EntityID      string
	Operation     string
	Payload       json.RawMessage
	BaseVersion   int64
	Status        Status
	Priority      *int
	Attempts      int
	LastError     *string
	CreatedAt     time.Time
	LastAttemptAt *time.Time
}

// Counts is the per-status breakdown of the queue.
type Counts struct {
	Pending  int `json:"pending"`
	Syncing  int `json:"syncing"`
	Failed   int `json:"failed"`
	Synced   int `json:"synced"`
	Conflict int `json:"conflict"`
	Total    int `json:"total"`
}

var (
	// ErrQueueFull is returned by Enqueue when the queue is at capacity even
	// after evicting synced items. It must reach the caller: a transaction
	// that cannot be queued cannot be silently dropped.
	ErrQueueFull = errors.New("sync queue full")

	// ErrUnknownType is returned by Enqueue for a type outside the closed set.
	ErrUnknownType = errors.New("unknown queue item type")

	ErrNotFound = errors.New("queue item not found")

	ErrInvalidTransition = errors.New("invalid status transition")
)

// requiredFields lists the top-level JSON keys each payload variant must carry.
// The payload stays owned by the caller; this is shape validation, not business
// validation.
var requiredFields = map[ItemType][]string{
	TypeOrder:         {"order_number", "items"},
	TypeOrderUpdate:   {"order_id"},
	TypePayment:       {"order_id", "amount", "method"},
	TypeVoid:          {"order_id", "reason"},
	TypeRefund:        {"order_id", "amount", "reason"},
	TypeSessionClose:  {"session_id"},
	TypeProduct:       {"name"},
	TypeStockMovement: {"product_id", "quantity"},
	TypeCustomer:      {"name"},
	TypeCategory:      {"name"},
	TypeSettings:      {"key"},
	TypeAuditLog:      {"action"},
}

// ValidatePayload checks that payload is a JSON object carrying the required
// fields for the given type.
func ValidatePayload(t ItemType, payload json.RawMessage) error {
	fields, ok := requiredFields[t]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownType, t)
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(payload, &obj); err != nil {
		return fmt.Errorf("payload for %s is not a JSON object: %w", t, err)
	}
	for _, f := range fields {
		if _, ok := obj[f]; !ok {
			return fmt.Errorf("payload for %s missing required field %q", t, f)
		}
	}
	return nil
}
