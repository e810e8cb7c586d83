package provider

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/spooky-finn/go-marketbook/domain"
	"github.com/spooky-finn/go-marketbook/hub"
	promclient "github.com/spooky-finn/go-marketbook/infrastructure/prometheus"
	"github.com/spooky-finn/go-marketbook/pool"
	"go.uber.org/zap"
)

type bookKey struct {
	providerID int
	symbol     string
}

// Router dispatches decoded market messages by kind: book messages to the maintainer
// of their symbol, trades to the trade hub, and every message counts as provider liveness.
type Router struct {
	logger  *zap.Logger
	trades  *hub.Hub[domain.Trade]
	tPool   *pool.ObjectPool[domain.Trade]
	dPool   *pool.ObjectPool[domain.DeltaBookItem]
	monitor *ProviderMonitor
	storage *domain.OrderBookStorage

	mu          sync.RWMutex
	maintainers map[bookKey]*OrderbookMaintainer
}

type RouterDeps struct {
	Trades    *hub.Hub[domain.Trade]
	TradePool *pool.ObjectPool[domain.Trade]
	DeltaPool *pool.ObjectPool[domain.DeltaBookItem]
	Monitor   *ProviderMonitor
	Storage   *domain.OrderBookStorage
}

func NewRouter(deps RouterDeps, logger *zap.Logger) *Router {
	return &Router{
		logger:      logger.Named("router"),
		trades:      deps.Trades,
		tPool:       deps.TradePool,
		dPool:       deps.DeltaPool,
		monitor:     deps.Monitor,
		storage:     deps.Storage,
		maintainers: make(map[bookKey]*OrderbookMaintainer),
	}
}

func (r *Router) Register(m *OrderbookMaintainer) {
	key := bookKey{providerID: m.ProviderID(), symbol: m.Symbol()}

	r.mu.Lock()
	r.maintainers[key] = m
	r.mu.Unlock()

	if r.storage != nil {
		provider := m.OrderBook().ProviderName
		r.storage.Add(provider, m.OrderBook())
		promclient.OpenOrderBookGauge.WithLabelValues(provider).Set(float64(r.storage.OrderBookCount(provider)))
	}
}

func (r *Router) Maintainer(providerID int, symbol string) (*OrderbookMaintainer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	m, ok := r.maintainers[bookKey{providerID: providerID, symbol: symbol}]
	return m, ok
}

func (r *Router) Maintainers() []*OrderbookMaintainer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*OrderbookMaintainer, 0, len(r.maintainers))
	for _, m := range r.maintainers {
		out = append(out, m)
	}
	return out
}

// Route handles one message. Messages for books nobody maintains are dropped.
func (r *Router) Route(ctx context.Context, msg domain.MarketMessage) error {
	if r.monitor != nil && msg.ProviderID != 0 {
		r.monitor.Heartbeat(msg.ProviderID, msg.Provider, msg.Received)
	}

	switch msg.Kind {
	case domain.MessageKindSnapshot:
		m, ok := r.Maintainer(msg.ProviderID, msg.Symbol)
		if !ok {
			r.drop(msg, "unknown_symbol")
			return nil
		}
		m.LoadSnapshot(msg.Snapshot)
	case domain.MessageKindDelta:
		m, ok := r.Maintainer(msg.ProviderID, msg.Symbol)
		if !ok {
			r.releaseDeltas(msg)
			r.drop(msg, "unknown_symbol")
			return nil
		}
		if err := m.Enqueue(ctx, msg.BidDeltas, msg.AskDeltas); err != nil {
			r.releaseDeltas(msg)
			return fmt.Errorf("enqueue deltas for %s: %w", msg.Symbol, err)
		}
	case domain.MessageKindTrade:
		if msg.Trade == nil {
			return nil
		}
		trade := *msg.Trade
		if r.tPool != nil {
			r.tPool.Return(msg.Trade)
		}
		if r.trades != nil {
			if err := r.trades.PublishContext(ctx, trade); err != nil {
				return fmt.Errorf("publish trade: %w", err)
			}
		}
	case domain.MessageKindHeartbeat:
	default:
		r.drop(msg, "unknown_kind")
	}
	return nil
}

// Run routes messages from in until ctx is cancelled or in is closed.
func (r *Router) Run(ctx context.Context, in <-chan domain.MarketMessage) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-in:
			if !ok {
				return nil
			}
			if msg.Received.IsZero() {
				msg.Received = time.Now()
			}
			if err := r.Route(ctx, msg); err != nil {
				r.logger.Warn("failed to route message", zap.Error(err),
					zap.Stringer("kind", msg.Kind), zap.String("symbol", msg.Symbol))
			}
		}
	}
}

func (r *Router) releaseDeltas(msg domain.MarketMessage) {
	if r.dPool == nil {
		return
	}
	for _, d := range msg.BidDeltas {
		r.dPool.Return(d)
	}
	for _, d := range msg.AskDeltas {
		r.dPool.Return(d)
	}
}

func (r *Router) drop(msg domain.MarketMessage, reason string) {
	promclient.DroppedMessageCounter.WithLabelValues(msg.Provider, reason).Inc()
	r.logger.Debug("message dropped", zap.String("reason", reason),
		zap.Stringer("kind", msg.Kind), zap.String("symbol", msg.Symbol))
}
