package domain

import (
	"sort"

	"github.com/shopspring/decimal"
)

// BookSide keeps the price levels of one side ordered best first: asks ascending,
// bids descending. Prices are unique within a side.
//
// BookSide is not safe for concurrent use, OrderBook guards it with its own lock.
type BookSide struct {
	isBid     bool
	levels    []*BookItem
	byEntryID map[string]*BookItem
}

func NewBookSide(isBid bool) *BookSide {
	return &BookSide{
		isBid:     isBid,
		levels:    make([]*BookItem, 0, 32),
		byEntryID: make(map[string]*BookItem),
	}
}

func (s *BookSide) IsBid() bool { return s.isBid }

func (s *BookSide) Len() int { return len(s.levels) }

// better reports whether price a ranks ahead of price b on this side.
func (s *BookSide) better(a, b decimal.Decimal) bool {
	if s.isBid {
		return a.GreaterThan(b)
	}
	return a.LessThan(b)
}

// search returns the rank the price has, or would have once inserted.
func (s *BookSide) search(price decimal.Decimal) (int, bool) {
	i := sort.Search(len(s.levels), func(i int) bool {
		return !s.better(s.levels[i].Price.Decimal, price)
	})
	return i, i < len(s.levels) && s.levels[i].Price.Decimal.Equal(price)
}

// Rank returns the zero based position the price holds or would take.
func (s *BookSide) Rank(price decimal.Decimal) int {
	i, _ := s.search(price)
	return i
}

// Upsert updates the level at item.Price in place or inserts a new one.
// Sizes are replaced, never summed. It returns false when nothing observable changed.
func (s *BookSide) Upsert(item BookItem) bool {
	if !item.Price.Valid {
		return false
	}
	item.IsBid = s.isBid

	i, found := s.search(item.Price.Decimal)
	if found {
		return s.updateLevel(s.levels[i], &item)
	}

	lvl := new(BookItem)
	*lvl = item
	s.levels = append(s.levels, nil)
	copy(s.levels[i+1:], s.levels[i:])
	s.levels[i] = lvl
	if lvl.EntryID != "" {
		s.indexEntry(lvl, lvl.EntryID)
	}
	return true
}

func (s *BookSide) updateLevel(lvl *BookItem, item *BookItem) bool {
	changed := !nullEqual(lvl.Size, item.Size)
	lvl.Size = item.Size

	if item.ActiveSize.Valid {
		changed = changed || !nullEqual(lvl.ActiveSize, item.ActiveSize)
		lvl.ActiveSize = item.ActiveSize
	}
	if item.EntryID != "" && item.EntryID != lvl.EntryID {
		s.indexEntry(lvl, item.EntryID)
		changed = true
	}

	lvl.LocalTimestamp = item.LocalTimestamp
	lvl.ServerTimestamp = item.ServerTimestamp
	if item.PriceDecimalPlaces != 0 {
		lvl.PriceDecimalPlaces = item.PriceDecimalPlaces
	}
	if item.SizeDecimalPlaces != 0 {
		lvl.SizeDecimalPlaces = item.SizeDecimalPlaces
	}
	return changed
}

func (s *BookSide) indexEntry(lvl *BookItem, entryID string) {
	if lvl.EntryID != "" && s.byEntryID[lvl.EntryID] == lvl {
		delete(s.byEntryID, lvl.EntryID)
	}
	// an entry id names a single level, a stale holder loses it
	if prev, ok := s.byEntryID[entryID]; ok && prev != lvl {
		prev.EntryID = ""
	}
	lvl.EntryID = entryID
	s.byEntryID[entryID] = lvl
}

// DeleteByPrice removes the level at price. Missing levels are not an error.
func (s *BookSide) DeleteByPrice(price decimal.Decimal) bool {
	i, found := s.search(price)
	if !found {
		return false
	}
	s.removeAt(i)
	return true
}

// DeleteByEntryID removes the level carrying entryID. Missing levels are not an error.
func (s *BookSide) DeleteByEntryID(entryID string) bool {
	lvl, ok := s.byEntryID[entryID]
	if !ok {
		return false
	}
	i, found := s.search(lvl.Price.Decimal)
	if !found {
		delete(s.byEntryID, entryID)
		return false
	}
	s.removeAt(i)
	return true
}

// Delete resolves the level by entry id first and falls back to the exact price.
func (s *BookSide) Delete(entryID string, price decimal.NullDecimal) bool {
	if entryID != "" && s.DeleteByEntryID(entryID) {
		return true
	}
	if price.Valid {
		return s.DeleteByPrice(price.Decimal)
	}
	return false
}

func (s *BookSide) removeAt(i int) {
	lvl := s.levels[i]
	if lvl.EntryID != "" && s.byEntryID[lvl.EntryID] == lvl {
		delete(s.byEntryID, lvl.EntryID)
	}
	copy(s.levels[i:], s.levels[i+1:])
	s.levels[len(s.levels)-1] = nil
	s.levels = s.levels[:len(s.levels)-1]
}

func (s *BookSide) find(price decimal.Decimal) *BookItem {
	i, found := s.search(price)
	if !found {
		return nil
	}
	return s.levels[i]
}

func (s *BookSide) FindByPrice(price decimal.Decimal) (BookItem, bool) {
	if lvl := s.find(price); lvl != nil {
		return *lvl, true
	}
	return BookItem{}, false
}

func (s *BookSide) FindByEntryID(entryID string) (BookItem, bool) {
	if lvl, ok := s.byEntryID[entryID]; ok {
		return *lvl, true
	}
	return BookItem{}, false
}

// TopOfBook returns the best level or an empty sentinel when the side is empty.
func (s *BookSide) TopOfBook() BookItem {
	if len(s.levels) == 0 {
		return BookItem{IsBid: s.isBid}
	}
	return *s.levels[0]
}

// Worst returns the worst kept level or an empty sentinel.
func (s *BookSide) Worst() BookItem {
	if len(s.levels) == 0 {
		return BookItem{IsBid: s.isBid}
	}
	return *s.levels[len(s.levels)-1]
}

// EnforceDepth evicts the worst ranked levels above maxDepth and returns them.
func (s *BookSide) EnforceDepth(maxDepth int) []BookItem {
	if maxDepth <= 0 || len(s.levels) <= maxDepth {
		return nil
	}
	evicted := make([]BookItem, 0, len(s.levels)-maxDepth)
	for len(s.levels) > maxDepth {
		i := len(s.levels) - 1
		evicted = append(evicted, *s.levels[i])
		s.removeAt(i)
	}
	return evicted
}

// Levels copies up to limit levels in rank order, limit <= 0 copies all.
func (s *BookSide) Levels(limit int) []BookItem {
	n := len(s.levels)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]BookItem, n)
	for i := 0; i < n; i++ {
		out[i] = *s.levels[i]
	}
	return out
}

// CumulativeSizes returns the running sum of sizes in rank order.
func (s *BookSide) CumulativeSizes() []decimal.Decimal {
	out := make([]decimal.Decimal, len(s.levels))
	total := decimal.Zero
	for i, lvl := range s.levels {
		total = total.Add(sizeOrZero(lvl.Size))
		out[i] = total
	}
	return out
}

// TotalSize sums the sizes of the first levels, levels <= 0 sums the whole side.
func (s *BookSide) TotalSize(levels int) decimal.Decimal {
	total := decimal.Zero
	for i, lvl := range s.levels {
		if levels > 0 && i >= levels {
			break
		}
		total = total.Add(sizeOrZero(lvl.Size))
	}
	return total
}

// MinMaxSize returns the smallest and largest level size; ok is false for an empty side.
func (s *BookSide) MinMaxSize() (lo, hi decimal.Decimal, ok bool) {
	for _, lvl := range s.levels {
		if !lvl.Size.Valid {
			continue
		}
		if !ok {
			lo, hi, ok = lvl.Size.Decimal, lvl.Size.Decimal, true
			continue
		}
		if lvl.Size.Decimal.LessThan(lo) {
			lo = lvl.Size.Decimal
		}
		if lvl.Size.Decimal.GreaterThan(hi) {
			hi = lvl.Size.Decimal
		}
	}
	return lo, hi, ok
}

func (s *BookSide) Clear() {
	for i := range s.levels {
		s.levels[i] = nil
	}
	s.levels = s.levels[:0]
	s.byEntryID = make(map[string]*BookItem)
}

func (s *BookSide) Clone() *BookSide {
	c := &BookSide{
		isBid:     s.isBid,
		levels:    make([]*BookItem, len(s.levels)),
		byEntryID: make(map[string]*BookItem, len(s.byEntryID)),
	}
	for i, lvl := range s.levels {
		cp := *lvl
		c.levels[i] = &cp
		if cp.EntryID != "" {
			c.byEntryID[cp.EntryID] = &cp
		}
	}
	return c
}

// sameLevels compares two sides level by level.
func (s *BookSide) sameLevels(other *BookSide) bool {
	if len(s.levels) != len(other.levels) {
		return false
	}
	for i := range s.levels {
		if !s.levels[i].SameLevel(other.levels[i]) {
			return false
		}
	}
	return true
}
