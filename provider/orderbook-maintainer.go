package provider

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/spooky-finn/go-marketbook/domain"
	"github.com/spooky-finn/go-marketbook/hub"
	promclient "github.com/spooky-finn/go-marketbook/infrastructure/prometheus"
	"github.com/spooky-finn/go-marketbook/pool"
	"github.com/spooky-finn/go-marketbook/queue"
	"go.uber.org/zap"
)

var ErrResyncFailed = errors.New("order book resync failed")

// StatusSink receives provider status changes raised by maintainers.
type StatusSink interface {
	SetStatus(providerID int, code string, status domain.SessionStatus, reason string)
}

type MaintainerConfig struct {
	ProviderID             int
	ProviderName           string
	Symbol                 string
	MaxDepth               int
	FilterBidAskByMaxDepth bool
	PriceDecimalPlaces     int32
	SizeDecimalPlaces      int32
	// SnapshotDepth is the level count requested from the sync api, 0 asks for the full book.
	SnapshotDepth      int
	MaxResyncAttempts  int
	ResyncBackoff      time.Duration
	QueueCapacity      int
	QueueWarnThreshold int
	// Validator replaces the strict per delta sequence check.
	Validator domain.IDepthUpdateValidator
}

type deltaBatch struct {
	bids []*domain.DeltaBookItem
	asks []*domain.DeltaBookItem
}

// OrderbookMaintainer owns one order book. Deltas are buffered in a queue that stays
// paused until a snapshot is loaded, so nothing that arrives while the snapshot is
// fetched gets lost or applied out of order. A sequence gap triggers a resync.
type OrderbookMaintainer struct {
	cfg    MaintainerConfig
	logger *zap.Logger

	orderBook *domain.OrderBook
	syncAPI   domain.ProviderSyncAPI
	books     *hub.Hub[*domain.OrderBook]
	deltas    *pool.ObjectPool[domain.DeltaBookItem]
	status    StatusSink

	depthUpdateQueue *queue.CustomQueue[deltaBatch]

	mu      sync.Mutex
	ctx     context.Context
	failed  bool
	crossed bool
}

type MaintainerDeps struct {
	SyncAPI domain.ProviderSyncAPI
	Books   *hub.Hub[*domain.OrderBook]
	Deltas  *pool.ObjectPool[domain.DeltaBookItem]
	Status  StatusSink
}

func NewOrderBookMaintainer(cfg MaintainerConfig, deps MaintainerDeps, logger *zap.Logger) *OrderbookMaintainer {
	if cfg.MaxResyncAttempts <= 0 {
		cfg.MaxResyncAttempts = 3
	}
	if cfg.ResyncBackoff <= 0 {
		cfg.ResyncBackoff = time.Second
	}

	ob := domain.NewOrderBook(cfg.Symbol, cfg.ProviderID, cfg.MaxDepth)
	ob.ProviderName = cfg.ProviderName
	ob.FilterBidAskByMaxDepth = cfg.FilterBidAskByMaxDepth
	ob.PriceDecimalPlaces = cfg.PriceDecimalPlaces
	ob.SizeDecimalPlaces = cfg.SizeDecimalPlaces
	if cfg.Validator != nil {
		ob.SetValidator(cfg.Validator)
	}

	m := &OrderbookMaintainer{
		cfg:       cfg,
		logger:    logger.Named("orderbook-maintainer").With(zap.String("provider", cfg.ProviderName), zap.String("symbol", cfg.Symbol)),
		orderBook: ob,
		syncAPI:   deps.SyncAPI,
		books:     deps.Books,
		deltas:    deps.Deltas,
		status:    deps.Status,
		ctx:       context.Background(),
	}
	m.depthUpdateQueue = queue.New(queue.Config[deltaBatch]{
		Name:          fmt.Sprintf("deltas.%s.%s", cfg.ProviderName, cfg.Symbol),
		Capacity:      cfg.QueueCapacity,
		WarnThreshold: cfg.QueueWarnThreshold,
		OnDiscard:     m.release,
		Logger:        logger,
	}, m.queueReader)
	m.depthUpdateQueue.PauseConsumer()
	return m
}

func (m *OrderbookMaintainer) OrderBook() *domain.OrderBook {
	return m.orderBook
}

func (m *OrderbookMaintainer) Symbol() string {
	return m.cfg.Symbol
}

func (m *OrderbookMaintainer) ProviderID() int {
	return m.cfg.ProviderID
}

// Start loads the initial snapshot from the sync api. Without a sync api the book waits
// for InjectSnapshot.
func (m *OrderbookMaintainer) Start(ctx context.Context) error {
	m.mu.Lock()
	m.ctx = ctx
	m.mu.Unlock()

	if m.syncAPI == nil {
		return nil
	}
	return m.Resync(ctx)
}

// Enqueue buffers a delta batch for the consumer goroutine.
func (m *OrderbookMaintainer) Enqueue(ctx context.Context, bidDeltas, askDeltas []*domain.DeltaBookItem) error {
	return m.depthUpdateQueue.AddContext(ctx, deltaBatch{bids: bidDeltas, asks: askDeltas})
}

// InjectSnapshot replaces the book with the levels of snapshot and resets the sequence.
func (m *OrderbookMaintainer) InjectSnapshot(snapshot *domain.OrderBook, sequence int64) {
	if snapshot == nil {
		return
	}
	m.load(snapshot.Asks(), snapshot.Bids(), sequence)
}

func (m *OrderbookMaintainer) LoadSnapshot(snapshot *domain.OrderBookSnapshot) {
	if snapshot == nil {
		return
	}
	m.load(snapshot.Asks, snapshot.Bids, snapshot.Sequence)
}

func (m *OrderbookMaintainer) load(asks, bids []domain.BookItem, sequence int64) {
	changed := m.orderBook.LoadData(asks, bids, sequence)

	m.mu.Lock()
	m.failed = false
	m.mu.Unlock()

	m.setStatus(domain.SessionStatusConnected, "snapshot loaded")
	m.depthUpdateQueue.ResumeConsumer()
	m.logger.Info("snapshot loaded", zap.Int64("sequence", sequence),
		zap.Int("asks", len(asks)), zap.Int("bids", len(bids)))

	if changed {
		m.publish()
	}
}

// InjectDeltaModel applies a batch synchronously. A sequence gap is returned to the
// caller after the resync it triggered.
func (m *OrderbookMaintainer) InjectDeltaModel(bidDeltas, askDeltas []*domain.DeltaBookItem) error {
	return m.apply(deltaBatch{bids: bidDeltas, asks: askDeltas})
}

func (m *OrderbookMaintainer) queueReader(batch deltaBatch) {
	if err := m.apply(batch); err != nil && !domain.IsSequenceGap(err) {
		m.logger.Error("failed to apply deltas", zap.Error(err))
	}
}

func (m *OrderbookMaintainer) apply(batch deltaBatch) error {
	defer m.release(batch)

	m.mu.Lock()
	failed := m.failed
	m.mu.Unlock()
	if failed {
		return nil
	}

	changed, err := m.orderBook.ApplyDeltas(batch.bids, batch.asks)
	if err != nil {
		if domain.IsSequenceGap(err) {
			m.onSequenceGap(err)
		}
		return err
	}
	if changed {
		m.checkCrossed()
		m.publish()
	}
	return nil
}

func (m *OrderbookMaintainer) onSequenceGap(err error) {
	promclient.SequenceGapCounter.WithLabelValues(m.cfg.ProviderName, m.cfg.Symbol).Inc()
	m.logger.Warn("sequence gap, book is out of sync", zap.Error(err))
	m.orderBook.Stop()
	m.setStatus(domain.SessionStatusConnectedWithWarnings, err.Error())

	if m.syncAPI == nil {
		// buffer until the next injected snapshot
		m.depthUpdateQueue.PauseConsumer()
		return
	}

	m.mu.Lock()
	ctx := m.ctx
	m.mu.Unlock()
	if rerr := m.Resync(ctx); rerr != nil {
		m.logger.Error("resync failed", zap.Error(rerr))
	}
}

// Resync fetches a fresh snapshot and reloads the book, retrying up to
// MaxResyncAttempts times before the provider is marked DisconnectedFailed.
func (m *OrderbookMaintainer) Resync(ctx context.Context) error {
	if m.syncAPI == nil {
		return fmt.Errorf("%w: no sync api for %s", ErrResyncFailed, m.cfg.ProviderName)
	}

	var lastErr error
	for attempt := 1; attempt <= m.cfg.MaxResyncAttempts; attempt++ {
		snapshot, err := m.syncAPI.OrderBookSnapshot(ctx, m.cfg.Symbol, m.cfg.SnapshotDepth)
		if err == nil {
			promclient.ResyncCounter.WithLabelValues(m.cfg.ProviderName, m.cfg.Symbol, "ok").Inc()
			m.LoadSnapshot(snapshot)
			return nil
		}

		lastErr = err
		promclient.ResyncCounter.WithLabelValues(m.cfg.ProviderName, m.cfg.Symbol, "error").Inc()
		m.logger.Warn("snapshot request failed", zap.Int("attempt", attempt), zap.Error(err))

		if attempt == m.cfg.MaxResyncAttempts {
			break
		}
		select {
		case <-ctx.Done():
			lastErr = ctx.Err()
			attempt = m.cfg.MaxResyncAttempts
		case <-time.After(m.cfg.ResyncBackoff * time.Duration(attempt)):
		}
	}

	m.mu.Lock()
	m.failed = true
	m.mu.Unlock()
	m.setStatus(domain.SessionStatusDisconnectedFailed, lastErr.Error())
	return fmt.Errorf("%w: %s %s: %w", ErrResyncFailed, m.cfg.ProviderName, m.cfg.Symbol, lastErr)
}

func (m *OrderbookMaintainer) checkCrossed() {
	crossed := m.orderBook.IsCrossed()

	m.mu.Lock()
	entered := crossed && !m.crossed
	m.crossed = crossed
	m.mu.Unlock()

	if entered {
		bid := m.orderBook.GetTOB(true)
		ask := m.orderBook.GetTOB(false)
		m.logger.Warn("crossed book",
			zap.String("bid", bid.FormattedPrice()),
			zap.String("ask", ask.FormattedPrice()),
			zap.Int64("sequence", m.orderBook.Sequence()),
		)
	}
}

func (m *OrderbookMaintainer) publish() {
	if m.books == nil {
		return
	}
	if err := m.books.Publish(m.orderBook); err != nil {
		m.logger.Debug("order book not published", zap.Error(err))
	}
}

func (m *OrderbookMaintainer) setStatus(status domain.SessionStatus, reason string) {
	if m.status != nil {
		m.status.SetStatus(m.cfg.ProviderID, m.cfg.ProviderName, status, reason)
	}
}

func (m *OrderbookMaintainer) release(batch deltaBatch) {
	if m.deltas == nil {
		return
	}
	for _, d := range batch.bids {
		m.deltas.Return(d)
	}
	for _, d := range batch.asks {
		m.deltas.Return(d)
	}
}

// Stop drains buffered deltas and marks the book outdated.
func (m *OrderbookMaintainer) Stop() error {
	err := m.depthUpdateQueue.Close()
	m.orderBook.Stop()
	return err
}
