package provider

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/spooky-finn/go-marketbook/domain"
	"github.com/spooky-finn/go-marketbook/hub"
	"github.com/spooky-finn/go-marketbook/pool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type routerFixture struct {
	router     *Router
	maintainer *OrderbookMaintainer
	monitor    *ProviderMonitor
	storage    *domain.OrderBookStorage
	deltaPool  *pool.ObjectPool[domain.DeltaBookItem]
	tradePool  *pool.ObjectPool[domain.Trade]

	mu     sync.Mutex
	trades []domain.Trade
}

func newRouterFixture(t *testing.T) *routerFixture {
	t.Helper()
	logger := zaptest.NewLogger(t)

	f := &routerFixture{
		storage:   domain.NewOrderBookStorage(),
		deltaPool: pool.New[domain.DeltaBookItem](nil, (*domain.DeltaBookItem).Reset, 64),
		tradePool: pool.New[domain.Trade](nil, (*domain.Trade).Reset, 64),
	}
	trades := hub.New[domain.Trade](hub.Config{Name: "trades"}, logger)
	t.Cleanup(func() { trades.Close() })
	_, err := trades.Subscribe(func(tr domain.Trade) {
		f.mu.Lock()
		f.trades = append(f.trades, tr)
		f.mu.Unlock()
	})
	require.NoError(t, err)

	f.monitor = NewProviderMonitor(nil, time.Minute, time.Second, logger)
	f.router = NewRouter(RouterDeps{
		Trades:    trades,
		TradePool: f.tradePool,
		DeltaPool: f.deltaPool,
		Monitor:   f.monitor,
		Storage:   f.storage,
	}, logger)

	f.maintainer = newTestMaintainer(t, MaintainerDeps{Deltas: f.deltaPool, Status: f.monitor})
	f.router.Register(f.maintainer)
	return f
}

func (f *routerFixture) tradeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.trades)
}

func TestRouter_RegisterStoresBook(t *testing.T) {
	f := newRouterFixture(t)

	ob, err := f.storage.Get(testProvider, eurusd)
	require.NoError(t, err)
	assert.Same(t, f.maintainer.OrderBook(), ob)

	m, ok := f.router.Maintainer(testProviderID, eurusd)
	assert.True(t, ok)
	assert.Same(t, f.maintainer, m)
	assert.Len(t, f.router.Maintainers(), 1)
}

func TestRouter_SnapshotAndDeltas(t *testing.T) {
	f := newRouterFixture(t)
	ctx := context.Background()

	require.NoError(t, f.router.Route(ctx, domain.MarketMessage{
		Kind:       domain.MessageKindSnapshot,
		ProviderID: testProviderID,
		Provider:   testProvider,
		Symbol:     eurusd,
		Snapshot:   eurusdSnapshot(1),
	}))

	d := f.deltaPool.Get()
	*d = *deleteByEntry(false, "1", 2)
	require.NoError(t, f.router.Route(ctx, domain.MarketMessage{
		Kind:       domain.MessageKindDelta,
		ProviderID: testProviderID,
		Provider:   testProvider,
		Symbol:     eurusd,
		AskDeltas:  []*domain.DeltaBookItem{d},
	}))

	ob := f.maintainer.OrderBook()
	assert.Eventually(t, func() bool { return ob.Sequence() == 2 }, time.Second, 2*time.Millisecond)
	assert.Equal(t, 4, ob.LevelCount(false))

	p, ok := f.monitor.Get(testProviderID)
	require.True(t, ok)
	assert.Equal(t, domain.SessionStatusConnected, p.Status)
}

func TestRouter_UnknownSymbolIsDropped(t *testing.T) {
	f := newRouterFixture(t)

	d := f.deltaPool.Get()
	d.Symbol = "GBP/USD"
	err := f.router.Route(context.Background(), domain.MarketMessage{
		Kind:       domain.MessageKindDelta,
		ProviderID: testProviderID,
		Provider:   testProvider,
		Symbol:     "GBP/USD",
		BidDeltas:  []*domain.DeltaBookItem{d},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, f.deltaPool.Stats().Idle, "dropped deltas return to the pool")
}

func TestRouter_TradesReachHubAndPool(t *testing.T) {
	f := newRouterFixture(t)

	tr := f.tradePool.Get()
	tr.Symbol = eurusd
	tr.Price = dec("1.00005")
	tr.Size = dec("2")
	tr.Side = domain.TradeSideBuy

	require.NoError(t, f.router.Route(context.Background(), domain.MarketMessage{
		Kind:       domain.MessageKindTrade,
		ProviderID: testProviderID,
		Provider:   testProvider,
		Symbol:     eurusd,
		Trade:      tr,
	}))

	assert.Eventually(t, func() bool { return f.tradeCount() == 1 }, time.Second, 2*time.Millisecond)
	f.mu.Lock()
	got := f.trades[0]
	f.mu.Unlock()
	assert.Equal(t, eurusd, got.Symbol, "the hub gets a copy taken before the pool reset")
	assert.Equal(t, "2", got.Size.String())
	assert.Equal(t, 1, f.tradePool.Stats().Idle)
}

func TestRouter_RunStopsWhenInputCloses(t *testing.T) {
	f := newRouterFixture(t)
	in := make(chan domain.MarketMessage, 2)
	in <- domain.MarketMessage{Kind: domain.MessageKindHeartbeat, ProviderID: 11, Provider: "ws"}
	in <- domain.MarketMessage{Kind: domain.MessageKindUnknown, ProviderID: 11, Provider: "ws"}
	close(in)

	require.NoError(t, f.router.Run(context.Background(), in))

	p, ok := f.monitor.Get(11)
	require.True(t, ok)
	assert.Equal(t, domain.SessionStatusConnected, p.Status)
	assert.False(t, p.LastUpdated.IsZero())
}
