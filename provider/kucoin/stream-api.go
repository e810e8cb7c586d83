package kucoin

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/Kucoin/kucoin-go-sdk"
	"github.com/spooky-finn/go-marketbook/domain"
	"github.com/spooky-finn/go-marketbook/helpers"
	promclient "github.com/spooky-finn/go-marketbook/infrastructure/prometheus"
	"github.com/spooky-finn/go-marketbook/pool"
	"go.uber.org/zap"
)

const (
	level2TopicPrefix = "/market/level2:"
	matchTopicPrefix  = "/market/match:"
	// kucoin accepts at most 100 symbols per topic
	maxSymbolsPerTopic = 100
	errorMessage       = "error"
)

type DepthUpdateModel struct {
	Changes       OrderBookChanges `json:"changes"`
	SequenceEnd   int64            `json:"sequenceEnd"`
	SequenceStart int64            `json:"sequenceStart"`
	Symbol        string           `json:"symbol"`
	Time          int64            `json:"time"`
}

// OrderBookChanges holds [price, size, sequence] triples.
type OrderBookChanges struct {
	Asks [][]string `json:"asks"`
	Bids [][]string `json:"bids"`
}

type MatchModel struct {
	Sequence string `json:"sequence"`
	Symbol   string `json:"symbol"`
	Side     string `json:"side"`
	Price    string `json:"price"`
	Size     string `json:"size"`
	TradeID  string `json:"tradeId"`
	// nanoseconds
	Time string `json:"time"`
}

// Decoder turns kucoin downstream frames into market messages.
type Decoder struct {
	ProviderID int
	Provider   string
	Deltas     *pool.ObjectPool[domain.DeltaBookItem]
	Trades     *pool.ObjectPool[domain.Trade]
}

// Decode returns false for control frames that carry nothing for the books.
func (d *Decoder) Decode(data []byte, received time.Time) (domain.MarketMessage, bool, error) {
	frame := &kucoin.WebSocketDownstreamMessage{}
	if err := json.Unmarshal(data, frame); err != nil {
		return domain.MarketMessage{}, false, fmt.Errorf("failed to unmarshal kucoin frame: %w", err)
	}

	msg := domain.MarketMessage{
		ProviderID: d.ProviderID,
		Provider:   d.Provider,
		Received:   received,
	}

	switch frame.Type {
	case kucoin.PongMessage:
		msg.Kind = domain.MessageKindHeartbeat
		return msg, true, nil
	case kucoin.Message:
	case errorMessage:
		return msg, false, fmt.Errorf("kucoin error frame: %s", frame.RawData)
	default:
		// welcome and ack
		return msg, false, nil
	}

	var err error
	switch {
	case strings.HasPrefix(frame.Topic, level2TopicPrefix):
		msg.Kind = domain.MessageKindDelta
		err = d.depthUpdate(frame.RawData, &msg)
	case strings.HasPrefix(frame.Topic, matchTopicPrefix):
		msg.Kind = domain.MessageKindTrade
		err = d.match(frame.RawData, &msg)
	default:
		return msg, false, nil
	}
	if err != nil {
		return domain.MarketMessage{}, false, err
	}
	return msg, true, nil
}

func (d *Decoder) depthUpdate(raw []byte, msg *domain.MarketMessage) error {
	update := &DepthUpdateModel{}
	if err := json.Unmarshal(raw, update); err != nil {
		return fmt.Errorf("failed to unmarshal depth update: %w", err)
	}
	symbol, err := displaySymbol(update.Symbol)
	if err != nil {
		return err
	}
	msg.Symbol = symbol

	serverTime := helpers.UnixMilli(update.Time)
	if msg.BidDeltas, err = d.changes(update.Changes.Bids, symbol, true, msg.Received, serverTime); err != nil {
		return err
	}
	if msg.AskDeltas, err = d.changes(update.Changes.Asks, symbol, false, msg.Received, serverTime); err != nil {
		d.Release(*msg)
		msg.BidDeltas = nil
		return err
	}
	return nil
}

// changes maps level2 triples onto deltas. Size 0 deletes the level, price 0 only
// advances the sequence.
func (d *Decoder) changes(in [][]string, symbol string, isBid bool, received, serverTime time.Time) ([]*domain.DeltaBookItem, error) {
	out := make([]*domain.DeltaBookItem, 0, len(in))
	for _, change := range in {
		if len(change) < 3 {
			d.release(out)
			return nil, fmt.Errorf("level2 change %v: expected price, size and sequence", change)
		}
		price, size, err := helpers.ParseDecimalPair(change)
		if err != nil {
			d.release(out)
			return nil, err
		}
		seq, err := strconv.ParseInt(change[2], 10, 64)
		if err != nil {
			d.release(out)
			return nil, fmt.Errorf("level2 change %v: sequence: %w", change, err)
		}

		delta := d.newDelta()
		delta.Symbol = symbol
		delta.IsBid = isBid
		delta.Sequence = seq
		delta.LocalTimestamp = received
		delta.ServerTimestamp = serverTime
		switch {
		case price.IsZero():
			delta.MDUpdateAction = domain.MDUpdateActionNone
		case size.IsZero():
			delta.Price = domain.Decimal(price)
			delta.Size = domain.Decimal(size)
			delta.MDUpdateAction = domain.MDUpdateActionDelete
		default:
			delta.Price = domain.Decimal(price)
			delta.Size = domain.Decimal(size)
			delta.MDUpdateAction = domain.MDUpdateActionChange
		}
		out = append(out, delta)
	}
	return out, nil
}

func (d *Decoder) match(raw []byte, msg *domain.MarketMessage) error {
	m := &MatchModel{}
	if err := json.Unmarshal(raw, m); err != nil {
		return fmt.Errorf("failed to unmarshal match: %w", err)
	}
	symbol, err := displaySymbol(m.Symbol)
	if err != nil {
		return err
	}
	price, size, err := helpers.ParseDecimalPair([]string{m.Price, m.Size})
	if err != nil {
		return err
	}
	msg.Symbol = symbol

	t := d.newTrade()
	t.Symbol = symbol
	t.Price = price
	t.Size = size
	t.Side = domain.ParseTradeSide(m.Side)
	t.ProviderID = d.ProviderID
	t.ProviderName = d.Provider
	t.TradeID = m.TradeID
	t.Timestamp = msg.Received
	if ns, err := strconv.ParseInt(m.Time, 10, 64); err == nil && ns > 0 {
		t.Timestamp = time.Unix(0, ns)
	}
	msg.Trade = t
	return nil
}

// Release hands pooled deltas and trades of an undelivered message back.
func (d *Decoder) Release(msg domain.MarketMessage) {
	d.release(msg.BidDeltas)
	d.release(msg.AskDeltas)
	if msg.Trade != nil && d.Trades != nil {
		d.Trades.Return(msg.Trade)
	}
}

func (d *Decoder) release(deltas []*domain.DeltaBookItem) {
	if d.Deltas == nil {
		return
	}
	for _, delta := range deltas {
		d.Deltas.Return(delta)
	}
}

func (d *Decoder) newDelta() *domain.DeltaBookItem {
	if d.Deltas != nil {
		return d.Deltas.Get()
	}
	return &domain.DeltaBookItem{}
}

func (d *Decoder) newTrade() *domain.Trade {
	if d.Trades != nil {
		return d.Trades.Get()
	}
	return &domain.Trade{}
}

func displaySymbol(exchangeSymbol string) (string, error) {
	ms, err := domain.NewMarketSymbolFromString(exchangeSymbol)
	if err != nil {
		return "", err
	}
	return ms.Display(), nil
}

// Topics builds the level2 and match subscriptions for symbols, batching them the way
// kucoin allows.
func Topics(symbols []string, trades bool) ([]string, error) {
	exchange := make([]string, 0, len(symbols))
	for _, s := range symbols {
		ms, err := domain.NewMarketSymbolFromString(s)
		if err != nil {
			return nil, err
		}
		exchange = append(exchange, ExchangeSymbol(ms))
	}

	var topics []string
	for start := 0; start < len(exchange); start += maxSymbolsPerTopic {
		end := min(start+maxSymbolsPerTopic, len(exchange))
		batch := strings.Join(exchange[start:end], ",")
		topics = append(topics, level2TopicPrefix+batch)
		if trades {
			topics = append(topics, matchTopicPrefix+batch)
		}
	}
	return topics, nil
}

type StreamConfig struct {
	ProviderID int
	Provider   string
	Symbols    []string
	Trades     bool
}

// KucoinStreamAPI streams level2 deltas and matches for a fixed set of symbols.
type KucoinStreamAPI struct {
	cfg     StreamConfig
	client  *KucoinStreamClient
	decoder *Decoder
	logger  *zap.Logger
}

func NewKucoinStreamAPI(
	cfg StreamConfig,
	client *KucoinStreamClient,
	deltas *pool.ObjectPool[domain.DeltaBookItem],
	trades *pool.ObjectPool[domain.Trade],
	logger *zap.Logger,
) *KucoinStreamAPI {
	return &KucoinStreamAPI{
		cfg:    cfg,
		client: client,
		decoder: &Decoder{
			ProviderID: cfg.ProviderID,
			Provider:   cfg.Provider,
			Deltas:     deltas,
			Trades:     trades,
		},
		logger: logger.Named("kucoin-stream-api").With(zap.String("provider", cfg.Provider)),
	}
}

func (s *KucoinStreamAPI) Run(ctx context.Context, out chan<- domain.MarketMessage) error {
	topics, err := Topics(s.cfg.Symbols, s.cfg.Trades)
	if err != nil {
		return err
	}
	if err := s.client.Connect(ctx); err != nil {
		return err
	}
	defer s.client.Close()

	for _, topic := range topics {
		if err := s.client.Subscribe(topic); err != nil {
			return fmt.Errorf("failed to subscribe %s: %w", topic, err)
		}
	}
	go s.client.KeepAlive(ctx)

	for {
		data, err := s.client.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		msg, ok, err := s.decoder.Decode(data, time.Now())
		if err != nil {
			promclient.DroppedMessageCounter.WithLabelValues(s.cfg.Provider, "decode").Inc()
			s.logger.Warn("failed to decode message", zap.Error(err))
			continue
		}
		if !ok {
			continue
		}

		select {
		case out <- msg:
		case <-ctx.Done():
			s.decoder.Release(msg)
			return nil
		}
	}
}

var _ domain.ProviderStreamAPI = (*KucoinStreamAPI)(nil)
var _ domain.ProviderSyncAPI = (*KucoinSyncAPI)(nil)
