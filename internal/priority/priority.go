// Package priority derives the drain order of queued items. Everything here is
// pure: no I/O, no mutation of inputs.
package priority

import (
	"sort"

	"possync/internal/store"
)

// Class is a priority band. Lower values drain first.
type Class int

const (
	Critical Class = iota
	High
	Normal
	Low
)

func (c Class) String() string {
	switch c {
	case Critical:
		return "critical"
	case High:
		return "high"
	case Normal:
		return "normal"
	case Low:
		return "low"
	}
	return "unknown"
}

// byType maps item types to their band. Financial mutations and session
// closings cannot wait behind catalog edits.
var byType = map[store.ItemType]Class{
	store.TypePayment:       Critical,
	store.TypeVoid:          Critical,
	store.TypeRefund:        Critical,
	store.TypeSessionClose:  Critical,
	store.TypeOrder:         High,
	store.TypeOrderUpdate:   High,
	store.TypeProduct:       Normal,
	store.TypeStockMovement: Normal,
	store.TypeCustomer:      Normal,
	store.TypeCategory:      Normal,
	store.TypeSettings:      Low,
	store.TypeAuditLog:      Low,
}

// Assign resolves the priority class for an item type. An explicit override
// always wins; unknown types default to Normal.
func Assign(t store.ItemType, override *int) Class {
	if override != nil {
		c := Class(*override)
		if c >= Critical && c <= Low {
			return c
		}
	}
	if c, ok := byType[t]; ok {
		return c
	}
	return Normal
}

// Compare gives a total order over classes: negative when a drains before b.
func Compare(a, b Class) int {
	return int(a) - int(b)
}

// Sort returns a new slice ordered by priority class ascending, ties broken by
// creation time ascending (FIFO within a band). The input is never mutated.
func Sort(items []store.Item) []store.Item {
	out := make([]store.Item, len(items))
	copy(out, items)
	sort.SliceStable(out, func(i, j int) bool {
		ci := Assign(out[i].Type, out[i].Priority)
		cj := Assign(out[j].Type, out[j].Priority)
		if ci != cj {
			return Compare(ci, cj) < 0
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}
