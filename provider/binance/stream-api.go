package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/spooky-finn/go-marketbook/domain"
	"github.com/spooky-finn/go-marketbook/helpers"
	promclient "github.com/spooky-finn/go-marketbook/infrastructure/prometheus"
	"github.com/spooky-finn/go-marketbook/pool"
	"go.uber.org/zap"
)

type DepthUpdateData struct {
	Event         string     `json:"e"`
	EventTime     int64      `json:"E"`
	Symbol        string     `json:"s"`
	FirstUpdateId int64      `json:"U"`
	FinalUpdateId int64      `json:"u"`
	Bids          [][]string `json:"b"`
	Asks          [][]string `json:"a"`
}

type TradeData struct {
	Event        string `json:"e"`
	EventTime    int64  `json:"E"`
	Symbol       string `json:"s"`
	TradeId      int64  `json:"t"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	TradeTime    int64  `json:"T"`
	BuyerIsMaker bool   `json:"m"`
}

// Decoder turns combined stream frames into market messages. Binance symbols carry no
// separator, so only symbols registered through NewDecoder are recognized.
type Decoder struct {
	ProviderID int
	Provider   string
	Deltas     *pool.ObjectPool[domain.DeltaBookItem]
	Trades     *pool.ObjectPool[domain.Trade]

	symbols map[string]string
}

func NewDecoder(symbols []string) (*Decoder, error) {
	d := &Decoder{symbols: make(map[string]string, len(symbols))}
	for _, s := range symbols {
		ms, err := domain.NewMarketSymbolFromString(s)
		if err != nil {
			return nil, err
		}
		d.symbols[ExchangeSymbol(ms)] = ms.Display()
	}
	return d, nil
}

// Decode returns false for subscription acks and unknown streams.
func (d *Decoder) Decode(data []byte, received time.Time) (domain.MarketMessage, bool, error) {
	var frame Message[json.RawMessage]
	if err := json.Unmarshal(data, &frame); err != nil {
		return domain.MarketMessage{}, false, fmt.Errorf("failed to unmarshal binance frame: %w", err)
	}

	msg := domain.MarketMessage{
		ProviderID: d.ProviderID,
		Provider:   d.Provider,
		Received:   received,
	}

	var err error
	switch {
	case frame.Stream == "":
		// subscription ack
		return msg, false, nil
	case strings.Contains(frame.Stream, "@depth"):
		msg.Kind = domain.MessageKindDelta
		err = d.depthUpdate(frame.Data, &msg)
	case strings.HasSuffix(frame.Stream, "@trade"):
		msg.Kind = domain.MessageKindTrade
		err = d.trade(frame.Data, &msg)
	default:
		return msg, false, nil
	}
	if err != nil {
		return domain.MarketMessage{}, false, err
	}
	return msg, true, nil
}

func (d *Decoder) symbol(exchangeSymbol string) (string, error) {
	s, ok := d.symbols[strings.ToUpper(exchangeSymbol)]
	if !ok {
		return "", fmt.Errorf("unknown binance symbol %q", exchangeSymbol)
	}
	return s, nil
}

func (d *Decoder) depthUpdate(raw []byte, msg *domain.MarketMessage) error {
	update := &DepthUpdateData{}
	if err := json.Unmarshal(raw, update); err != nil {
		return fmt.Errorf("failed to unmarshal depth update: %w", err)
	}
	symbol, err := d.symbol(update.Symbol)
	if err != nil {
		return err
	}
	msg.Symbol = symbol

	serverTime := helpers.UnixMilli(update.EventTime)
	if msg.BidDeltas, err = d.levels(update, update.Bids, true, msg.Received, serverTime); err != nil {
		return err
	}
	if msg.AskDeltas, err = d.levels(update, update.Asks, false, msg.Received, serverTime); err != nil {
		d.Release(*msg)
		msg.BidDeltas = nil
		return err
	}
	return nil
}

// levels maps [price, quantity] pairs onto deltas; quantity 0 removes the level.
func (d *Decoder) levels(update *DepthUpdateData, in [][]string, isBid bool, received, serverTime time.Time) ([]*domain.DeltaBookItem, error) {
	out := make([]*domain.DeltaBookItem, 0, len(in))
	for _, level := range in {
		price, size, err := helpers.ParseDecimalPair(level)
		if err != nil {
			d.release(out)
			return nil, err
		}

		delta := d.newDelta()
		delta.Symbol = d.symbols[strings.ToUpper(update.Symbol)]
		delta.IsBid = isBid
		delta.Price = domain.Decimal(price)
		delta.Size = domain.Decimal(size)
		delta.MDUpdateAction = domain.MDUpdateActionChange
		if size.IsZero() {
			delta.MDUpdateAction = domain.MDUpdateActionDelete
		}
		delta.FirstSequence = update.FirstUpdateId
		delta.Sequence = update.FinalUpdateId
		delta.LocalTimestamp = received
		delta.ServerTimestamp = serverTime
		out = append(out, delta)
	}
	return out, nil
}

func (d *Decoder) trade(raw []byte, msg *domain.MarketMessage) error {
	data := &TradeData{}
	if err := json.Unmarshal(raw, data); err != nil {
		return fmt.Errorf("failed to unmarshal trade: %w", err)
	}
	symbol, err := d.symbol(data.Symbol)
	if err != nil {
		return err
	}
	price, size, err := helpers.ParseDecimalPair([]string{data.Price, data.Quantity})
	if err != nil {
		return err
	}
	msg.Symbol = symbol

	t := d.newTrade()
	t.Symbol = symbol
	t.Price = price
	t.Size = size
	// m is set when the buyer was the maker, the aggressor then sold
	t.Side = domain.TradeSideBuy
	if data.BuyerIsMaker {
		t.Side = domain.TradeSideSell
	}
	t.ProviderID = d.ProviderID
	t.ProviderName = d.Provider
	t.TradeID = helpers.IntToString(data.TradeId)
	t.Timestamp = helpers.UnixMilli(data.TradeTime)
	if t.Timestamp.IsZero() {
		t.Timestamp = msg.Received
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

// Topics lists the diff depth and trade streams of symbols.
func Topics(symbols []string, trades bool) ([]string, error) {
	var topics []string
	for _, s := range symbols {
		ms, err := domain.NewMarketSymbolFromString(s)
		if err != nil {
			return nil, err
		}
		name := ms.Join("")
		topics = append(topics, fmt.Sprintf("%s@depth@100ms", name))
		if trades {
			topics = append(topics, fmt.Sprintf("%s@trade", name))
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

type BinanceStreamAPI struct {
	cfg          StreamConfig
	streamClient *BinanceStreamClient
	decoder      *Decoder
	logger       *zap.Logger
}

func NewBinanceStreamAPI(
	cfg StreamConfig,
	client *BinanceStreamClient,
	deltas *pool.ObjectPool[domain.DeltaBookItem],
	trades *pool.ObjectPool[domain.Trade],
	logger *zap.Logger,
) (*BinanceStreamAPI, error) {
	decoder, err := NewDecoder(cfg.Symbols)
	if err != nil {
		return nil, err
	}
	decoder.ProviderID = cfg.ProviderID
	decoder.Provider = cfg.Provider
	decoder.Deltas = deltas
	decoder.Trades = trades
	return &BinanceStreamAPI{
		cfg:          cfg,
		streamClient: client,
		decoder:      decoder,
		logger:       logger.Named("binance-stream-api").With(zap.String("provider", cfg.Provider)),
	}, nil
}

func (bs *BinanceStreamAPI) Run(ctx context.Context, out chan<- domain.MarketMessage) error {
	topics, err := Topics(bs.cfg.Symbols, bs.cfg.Trades)
	if err != nil {
		return err
	}
	bs.streamClient.Connect()
	defer bs.streamClient.Close()

	if err := bs.streamClient.Subscribe(topics...); err != nil {
		return fmt.Errorf("failed to send subscribe msg: %w", err)
	}

	for {
		data, err := bs.streamClient.ReadMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		msg, ok, err := bs.decoder.Decode(data, time.Now())
		if err != nil {
			promclient.DroppedMessageCounter.WithLabelValues(bs.cfg.Provider, "decode").Inc()
			bs.logger.Warn("failed to decode message", zap.Error(err))
			continue
		}
		if !ok {
			continue
		}

		select {
		case out <- msg:
		case <-ctx.Done():
			bs.decoder.Release(msg)
			return nil
		}
	}
}

var _ domain.ProviderStreamAPI = (*BinanceStreamAPI)(nil)
