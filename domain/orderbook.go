package domain

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

type OrderBookSource string
type OrderBookStatus string

const (
	OrderBookSource_Provider       OrderBookSource = "Provider"
	OrderBookSource_LocalOrderBook OrderBookSource = "LocalOrderBook"

	OrderBookStatus_Ok      OrderBookStatus = "Ok"
	OrderBookStatus_Oudated OrderBookStatus = "Outdated"
)

var two = decimal.NewFromInt(2)

// OrderBookSnapshot is a detached copy of both sides. Sequence 0 means the source
// did not report one.
type OrderBookSnapshot struct {
	Source     OrderBookSource
	Symbol     string
	ProviderID int
	Sequence   int64
	Bids       []BookItem
	Asks       []BookItem
	Timestamp  time.Time
}

// OrderBook is the per symbol and provider book. Exactly one connector goroutine
// mutates it; every accessor takes the book lock so subscribers can read while the
// owner keeps applying deltas.
//
// The identity and depth fields must be set before the book is shared.
type OrderBook struct {
	Symbol             string
	ProviderID         int
	ProviderName       string
	PriceDecimalPlaces int32
	SizeDecimalPlaces  int32
	SymbolMultiplier   float64
	// MaxDepth 0 means unlimited.
	MaxDepth int
	// FilterBidAskByMaxDepth truncates the stored levels, otherwise only views are truncated.
	FilterBidAskByMaxDepth bool

	asks        *BookSide
	bids        *BookSide
	sequence    int64
	lastUpdated time.Time
	status      OrderBookStatus
	validator   IDepthUpdateValidator

	mu sync.RWMutex
}

func NewOrderBook(symbol string, providerID int, maxDepth int) *OrderBook {
	return &OrderBook{
		Symbol:           symbol,
		ProviderID:       providerID,
		MaxDepth:         maxDepth,
		SymbolMultiplier: 1,

		asks:        NewBookSide(false),
		bids:        NewBookSide(true),
		lastUpdated: time.Now(),
		status:      OrderBookStatus_Ok,
		validator:   StrictSequenceValidator{},
	}
}

// SetValidator swaps the sequence validator, for exchanges with looser numbering.
func (ob *OrderBook) SetValidator(v IDepthUpdateValidator) {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	ob.validator = v
}

func (ob *OrderBook) Sequence() int64 {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.sequence
}

func (ob *OrderBook) LastUpdated() time.Time {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.lastUpdated
}

func (ob *OrderBook) Status() OrderBookStatus {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.status
}

// Stop marks the book as outdated, it stays readable until a snapshot reloads it.
func (ob *OrderBook) Stop() {
	ob.mu.Lock()
	defer ob.mu.Unlock()
	ob.status = OrderBookStatus_Oudated
}

func (ob *OrderBook) side(isBid bool) *BookSide {
	if isBid {
		return ob.bids
	}
	return ob.asks
}

// LoadData replaces both sides with a snapshot and reports whether any level was
// added, changed or removed. A positive sequence resets the book sequence.
func (ob *OrderBook) LoadData(asks, bids []BookItem, sequence int64) bool {
	newAsks := ob.buildSide(false, asks)
	newBids := ob.buildSide(true, bids)

	ob.mu.Lock()
	defer ob.mu.Unlock()

	changed := !ob.asks.sameLevels(newAsks) || !ob.bids.sameLevels(newBids)
	ob.asks = newAsks
	ob.bids = newBids
	if sequence > 0 {
		ob.sequence = sequence
	}
	ob.status = OrderBookStatus_Ok
	ob.lastUpdated = time.Now()
	return changed
}

// LoadSnapshot is LoadData fed from a detached snapshot.
func (ob *OrderBook) LoadSnapshot(snapshot *OrderBookSnapshot) bool {
	if snapshot == nil {
		return false
	}
	return ob.LoadData(snapshot.Asks, snapshot.Bids, snapshot.Sequence)
}

func (ob *OrderBook) buildSide(isBid bool, items []BookItem) *BookSide {
	side := NewBookSide(isBid)
	for _, item := range items {
		ob.stamp(&item)
		side.Upsert(item)
	}
	if ob.FilterBidAskByMaxDepth {
		side.EnforceDepth(ob.MaxDepth)
	}
	return side
}

func (ob *OrderBook) stamp(item *BookItem) {
	item.Symbol = ob.Symbol
	item.ProviderID = ob.ProviderID
	item.PriceDecimalPlaces = ob.PriceDecimalPlaces
	item.SizeDecimalPlaces = ob.SizeDecimalPlaces
}

// AddOrUpdateLevel applies one delta. Deltas for another symbol and stale sequences are
// ignored; a sequence gap returns a *SequenceGapError and leaves the book untouched.
// The bool reports whether a level changed.
func (ob *OrderBook) AddOrUpdateLevel(delta *DeltaBookItem) (bool, error) {
	return ob.applyOne(delta, false)
}

// DeleteLevel removes the level the delta names regardless of its update action.
func (ob *OrderBook) DeleteLevel(delta *DeltaBookItem) (bool, error) {
	return ob.applyOne(delta, true)
}

func (ob *OrderBook) applyOne(delta *DeltaBookItem, deleteOnly bool) (bool, error) {
	if delta == nil || delta.Symbol != ob.Symbol {
		return false, nil
	}

	ob.mu.Lock()
	defer ob.mu.Unlock()

	if err := ob.validate(delta, ob.sequence); err != nil {
		if ob.validator.IsErrOutdated(err) {
			return false, nil
		}
		return false, err
	}

	changed := ob.applyLocked(delta, delta.IsBid, deleteOnly)
	if delta.Sequence != 0 {
		ob.sequence = delta.Sequence
	}
	ob.lastUpdated = time.Now()
	return changed, nil
}

func (ob *OrderBook) validate(delta *DeltaBookItem, lastSeq int64) error {
	err := ob.validator.IsValidUpd(delta, lastSeq)
	var gap *SequenceGapError
	if errors.As(err, &gap) {
		gap.Symbol = ob.Symbol
		gap.ProviderID = ob.ProviderID
	}
	return err
}

type sidedDelta struct {
	delta *DeltaBookItem
	isBid bool
	stale bool
}

// ApplyDeltas applies a batch of bid and ask deltas in sequence order. The whole
// chain is validated before anything is applied, so a gap anywhere leaves the book
// exactly as it was. Deltas with equal sequences are treated as one exchange event.
func (ob *OrderBook) ApplyDeltas(bidDeltas, askDeltas []*DeltaBookItem) (bool, error) {
	batch := make([]sidedDelta, 0, len(bidDeltas)+len(askDeltas))
	for _, d := range bidDeltas {
		if d != nil && d.Symbol == ob.Symbol {
			batch = append(batch, sidedDelta{delta: d, isBid: true})
		}
	}
	for _, d := range askDeltas {
		if d != nil && d.Symbol == ob.Symbol {
			batch = append(batch, sidedDelta{delta: d, isBid: false})
		}
	}
	if len(batch) == 0 {
		return false, nil
	}
	// unsequenced deltas sort first and keep their arrival order
	sort.SliceStable(batch, func(i, j int) bool {
		return batch[i].delta.Sequence < batch[j].delta.Sequence
	})

	ob.mu.Lock()
	defer ob.mu.Unlock()

	last := ob.sequence
	// deltas sharing a sequence come from one exchange event and are validated once
	var groupSeq int64
	groupStale := false
	for i := range batch {
		s := batch[i].delta.Sequence
		if s != 0 && s == groupSeq {
			batch[i].stale = groupStale
			continue
		}

		err := ob.validate(batch[i].delta, last)
		switch {
		case err == nil:
			if s != 0 {
				last = s
			}
		case ob.validator.IsErrOutdated(err):
			batch[i].stale = true
		default:
			return false, err
		}
		groupSeq, groupStale = s, batch[i].stale
	}

	changed := false
	for _, sd := range batch {
		if sd.stale {
			continue
		}
		if ob.applyLocked(sd.delta, sd.isBid, false) {
			changed = true
		}
	}
	ob.sequence = last
	ob.lastUpdated = time.Now()
	return changed, nil
}

func (ob *OrderBook) applyLocked(delta *DeltaBookItem, isBid bool, deleteOnly bool) bool {
	side := ob.side(isBid)
	if deleteOnly || delta.MDUpdateAction == MDUpdateActionDelete {
		return side.Delete(delta.EntryID, delta.Price)
	}

	item := delta.toBookItem()
	ob.stamp(&item)
	if !item.Price.Valid {
		// sequence only update
		return false
	}

	moved := false
	if delta.EntryID != "" {
		if lvl, ok := side.byEntryID[delta.EntryID]; ok && !lvl.Price.Decimal.Equal(item.Price.Decimal) {
			side.DeleteByEntryID(delta.EntryID)
			moved = true
		}
	}

	filter := ob.FilterBidAskByMaxDepth && ob.MaxDepth > 0
	if filter && side.find(item.Price.Decimal) == nil &&
		side.Len() >= ob.MaxDepth && side.Rank(item.Price.Decimal) >= ob.MaxDepth {
		return moved
	}

	changed := side.Upsert(item)
	if filter {
		side.EnforceDepth(ob.MaxDepth)
	}
	return changed || moved
}

// UpdateActiveSize overlays the size of the user's own resting orders on a level.
func (ob *OrderBook) UpdateActiveSize(isBid bool, price decimal.Decimal, size decimal.NullDecimal) bool {
	ob.mu.Lock()
	defer ob.mu.Unlock()

	lvl := ob.side(isBid).find(price)
	if lvl == nil || nullEqual(lvl.ActiveSize, size) {
		return false
	}
	lvl.ActiveSize = size
	return true
}

// GetTOB returns the best level of a side or an empty sentinel.
func (ob *OrderBook) GetTOB(isBid bool) BookItem {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.side(isBid).TopOfBook()
}

func (ob *OrderBook) tobPrices() (bid, ask decimal.NullDecimal) {
	b := ob.bids.TopOfBook()
	a := ob.asks.TopOfBook()
	return b.Price, a.Price
}

// MidPrice is invalid when either side is empty.
func (ob *OrderBook) MidPrice() decimal.NullDecimal {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	bid, ask := ob.tobPrices()
	if !bid.Valid || !ask.Valid {
		return decimal.NullDecimal{}
	}
	return Decimal(bid.Decimal.Add(ask.Decimal).Div(two))
}

// Spread is invalid when either side is empty.
func (ob *OrderBook) Spread() decimal.NullDecimal {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	bid, ask := ob.tobPrices()
	if !bid.Valid || !ask.Valid {
		return decimal.NullDecimal{}
	}
	return Decimal(ask.Decimal.Sub(bid.Decimal))
}

// IsCrossed reports a best bid at or above the best ask.
func (ob *OrderBook) IsCrossed() bool {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	bid, ask := ob.tobPrices()
	return bid.Valid && ask.Valid && bid.Decimal.GreaterThanOrEqual(ask.Decimal)
}

// ImbalanceValue is (bid - ask) / (bid + ask) over top of book sizes, in [-1, 1].
// Positive values lean to the bid side, 0 when both sizes are zero.
func (ob *OrderBook) ImbalanceValue() float64 {
	return ob.DepthImbalance(1)
}

// DepthImbalance is ImbalanceValue over the first levels of each side, levels <= 0
// uses the whole book.
func (ob *OrderBook) DepthImbalance(levels int) float64 {
	ob.mu.RLock()
	bid := ob.bids.TotalSize(levels)
	ask := ob.asks.TotalSize(levels)
	ob.mu.RUnlock()

	total := bid.Add(ask)
	if total.IsZero() {
		return 0
	}
	return bid.Sub(ask).Div(total).InexactFloat64()
}

// GetMinMaxSizes returns the size range across both sides, (0, 0) on an empty book.
func (ob *OrderBook) GetMinMaxSizes() (decimal.Decimal, decimal.Decimal) {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	bLo, bHi, bOk := ob.bids.MinMaxSize()
	aLo, aHi, aOk := ob.asks.MinMaxSize()
	switch {
	case bOk && aOk:
		return decimal.Min(bLo, aLo), decimal.Max(bHi, aHi)
	case bOk:
		return bLo, bHi
	case aOk:
		return aLo, aHi
	default:
		return decimal.Zero, decimal.Zero
	}
}

// CumulativeSizes returns the running size sum of the visible levels of a side.
func (ob *OrderBook) CumulativeSizes(isBid bool) []decimal.Decimal {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	sizes := ob.side(isBid).CumulativeSizes()
	return ob.limitDepth(sizes, ob.MaxDepth)
}

func (ob *OrderBook) Asks() []BookItem {
	return ob.Levels(false, 0)
}

func (ob *OrderBook) Bids() []BookItem {
	return ob.Levels(true, 0)
}

// Levels copies the visible levels of a side: at most MaxDepth, and at most limit when
// limit > 0.
func (ob *OrderBook) Levels(isBid bool, limit int) []BookItem {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	if ob.MaxDepth > 0 && (limit <= 0 || limit > ob.MaxDepth) {
		limit = ob.MaxDepth
	}
	return ob.side(isBid).Levels(limit)
}

// LevelCount is the number of stored levels of a side.
func (ob *OrderBook) LevelCount(isBid bool) int {
	ob.mu.RLock()
	defer ob.mu.RUnlock()
	return ob.side(isBid).Len()
}

func (ob *OrderBook) TakeSnapshot(limit int) *OrderBookSnapshot {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	if ob.MaxDepth > 0 && (limit <= 0 || limit > ob.MaxDepth) {
		limit = ob.MaxDepth
	}
	return &OrderBookSnapshot{
		Source:     OrderBookSource_LocalOrderBook,
		Symbol:     ob.Symbol,
		ProviderID: ob.ProviderID,
		Sequence:   ob.sequence,
		Bids:       ob.bids.Levels(limit),
		Asks:       ob.asks.Levels(limit),
		Timestamp:  ob.lastUpdated,
	}
}

func (ob *OrderBook) limitDepth(depth []decimal.Decimal, limit int) []decimal.Decimal {
	if limit > 0 && len(depth) > limit {
		return depth[:limit]
	}
	return depth
}

// Clone returns a detached copy that later mutations of ob do not affect.
func (ob *OrderBook) Clone() *OrderBook {
	ob.mu.RLock()
	defer ob.mu.RUnlock()

	return &OrderBook{
		Symbol:                 ob.Symbol,
		ProviderID:             ob.ProviderID,
		ProviderName:           ob.ProviderName,
		PriceDecimalPlaces:     ob.PriceDecimalPlaces,
		SizeDecimalPlaces:      ob.SizeDecimalPlaces,
		SymbolMultiplier:       ob.SymbolMultiplier,
		MaxDepth:               ob.MaxDepth,
		FilterBidAskByMaxDepth: ob.FilterBidAskByMaxDepth,

		asks:        ob.asks.Clone(),
		bids:        ob.bids.Clone(),
		sequence:    ob.sequence,
		lastUpdated: ob.lastUpdated,
		status:      ob.status,
		validator:   ob.validator,
	}
}
