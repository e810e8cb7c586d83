package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type MDUpdateAction uint8

const (
	MDUpdateActionNone MDUpdateAction = iota
	MDUpdateActionNew
	MDUpdateActionChange
	MDUpdateActionDelete
)

func (a MDUpdateAction) String() string {
	switch a {
	case MDUpdateActionNew:
		return "New"
	case MDUpdateActionChange:
		return "Change"
	case MDUpdateActionDelete:
		return "Delete"
	default:
		return "None"
	}
}

// ParseMDUpdateAction accepts the lower or title case action names; anything else is None.
func ParseMDUpdateAction(s string) MDUpdateAction {
	switch s {
	case "new", "New", "NEW":
		return MDUpdateActionNew
	case "change", "Change", "CHANGE", "update":
		return MDUpdateActionChange
	case "delete", "Delete", "DELETE":
		return MDUpdateActionDelete
	default:
		return MDUpdateActionNone
	}
}

// DeltaBookItem is one exchange-reported change to exactly one price level.
// The level is identified by EntryID when present, otherwise by exact Price.
type DeltaBookItem struct {
	Symbol         string
	IsBid          bool
	EntryID        string
	Price          decimal.NullDecimal
	Size           decimal.NullDecimal
	MDUpdateAction MDUpdateAction
	// Sequence 0 marks an unsequenced delta.
	Sequence int64
	// FirstSequence is the first update id of the exchange event the delta came from,
	// for feeds that number events by range. 0 means the same as Sequence.
	FirstSequence int64

	LocalTimestamp  time.Time
	ServerTimestamp time.Time
}

// Reset clears the delta so it can be handed out again by a pool.
func (d *DeltaBookItem) Reset() {
	*d = DeltaBookItem{}
}

func (d *DeltaBookItem) toBookItem() BookItem {
	local := d.LocalTimestamp
	if local.IsZero() {
		local = time.Now()
	}
	return BookItem{
		Symbol:          d.Symbol,
		EntryID:         d.EntryID,
		IsBid:           d.IsBid,
		Price:           d.Price,
		Size:            d.Size,
		LocalTimestamp:  local,
		ServerTimestamp: d.ServerTimestamp,
	}
}
