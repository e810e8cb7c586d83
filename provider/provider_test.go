package provider

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spooky-finn/go-marketbook/domain"
)

const (
	testProviderID = 3
	testProvider   = "kucoin"
	eurusd         = "EUR/USD"
)

func dec(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

// eurusdSnapshot holds five asks with entry ids 5..1 and five bids with ids 10..6.
func eurusdSnapshot(seq int64) *domain.OrderBookSnapshot {
	snap := &domain.OrderBookSnapshot{
		Source:     domain.OrderBookSource_Provider,
		Symbol:     eurusd,
		ProviderID: testProviderID,
		Sequence:   seq,
	}
	for i, p := range []string{"1.00006", "1.00007", "1.00008", "1.00009", "1.00010"} {
		item := domain.NewBookItem(false, dec(p), dec("1"))
		item.EntryID = strconv.Itoa(5 - i)
		snap.Asks = append(snap.Asks, item)
	}
	for i, p := range []string{"1.00001", "1.00002", "1.00003", "1.00004", "1.00005"} {
		item := domain.NewBookItem(true, dec(p), dec("1"))
		item.EntryID = strconv.Itoa(10 - i)
		snap.Bids = append(snap.Bids, item)
	}
	return snap
}

func eurusdBook(seq int64) *domain.OrderBook {
	snap := eurusdSnapshot(seq)
	ob := domain.NewOrderBook(eurusd, testProviderID, 0)
	ob.LoadSnapshot(snap)
	return ob
}

func deleteByEntry(isBid bool, entryID string, seq int64) *domain.DeltaBookItem {
	return &domain.DeltaBookItem{
		Symbol:         eurusd,
		IsBid:          isBid,
		EntryID:        entryID,
		MDUpdateAction: domain.MDUpdateActionDelete,
		Sequence:       seq,
	}
}

type fakeSyncAPI struct {
	mu        sync.Mutex
	calls     int
	snapshots []*domain.OrderBookSnapshot
	err       error
}

func (f *fakeSyncAPI) OrderBookSnapshot(_ context.Context, symbol string, _ int) (*domain.OrderBookSnapshot, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	snap := f.snapshots[0]
	if len(f.snapshots) > 1 {
		f.snapshots = f.snapshots[1:]
	}
	return snap, nil
}

func (f *fakeSyncAPI) Calls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type statusChange struct {
	status domain.SessionStatus
	reason string
}

type statusRecorder struct {
	mu      sync.Mutex
	changes []statusChange
}

func (r *statusRecorder) SetStatus(_ int, _ string, status domain.SessionStatus, reason string) {
	r.mu.Lock()
	r.changes = append(r.changes, statusChange{status: status, reason: reason})
	r.mu.Unlock()
}

func (r *statusRecorder) statuses() []domain.SessionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]domain.SessionStatus, len(r.changes))
	for i, c := range r.changes {
		out[i] = c.status
	}
	return out
}

func (r *statusRecorder) last() domain.SessionStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.changes) == 0 {
		return domain.SessionStatusConnecting
	}
	return r.changes[len(r.changes)-1].status
}

func waitFor(cond func() bool) bool {
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(2 * time.Millisecond)
	}
	return false
}
