package provider

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spooky-finn/go-marketbook/domain"
	"github.com/spooky-finn/go-marketbook/helpers"
	"github.com/spooky-finn/go-marketbook/pool"
)

var ErrUnknownMessageKind = errors.New("unknown message kind")

// FeedEnvelope is the normalized JSON frame carried by the generic websocket and kafka
// feeds. Prices and sizes are strings so no precision is lost on the way.
type FeedEnvelope struct {
	Type       string      `json:"type"`
	Provider   string      `json:"provider"`
	ProviderID int         `json:"providerId"`
	Symbol     string      `json:"symbol"`
	Sequence   int64       `json:"sequence"`
	Timestamp  int64       `json:"ts"`
	Bids       []FeedLevel `json:"bids,omitempty"`
	Asks       []FeedLevel `json:"asks,omitempty"`
	Trade      *FeedTrade  `json:"trade,omitempty"`
}

type FeedLevel struct {
	Price    string `json:"price"`
	Size     string `json:"size"`
	Action   string `json:"action,omitempty"`
	EntryID  string `json:"entryId,omitempty"`
	Sequence int64  `json:"sequence,omitempty"`
}

type FeedTrade struct {
	ID    string `json:"id,omitempty"`
	Price string `json:"price"`
	Size  string `json:"size"`
	Side  string `json:"side"`
}

// FeedCodec turns envelopes into market messages, taking deltas and trades from pools
// when they are set.
type FeedCodec struct {
	ProviderID int
	Provider   string
	Deltas     *pool.ObjectPool[domain.DeltaBookItem]
	Trades     *pool.ObjectPool[domain.Trade]
}

func (c *FeedCodec) Decode(data []byte, received time.Time) (domain.MarketMessage, error) {
	var env FeedEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		return domain.MarketMessage{}, fmt.Errorf("failed to unmarshal feed message: %w", err)
	}
	return c.FromEnvelope(&env, received)
}

func (c *FeedCodec) FromEnvelope(env *FeedEnvelope, received time.Time) (domain.MarketMessage, error) {
	msg := domain.MarketMessage{
		Kind:       domain.ParseMessageKind(env.Type),
		ProviderID: env.ProviderID,
		Provider:   env.Provider,
		Symbol:     env.Symbol,
		Received:   received,
	}
	if msg.ProviderID == 0 {
		msg.ProviderID = c.ProviderID
	}
	if msg.Provider == "" {
		msg.Provider = c.Provider
	}
	serverTime := helpers.UnixMilli(env.Timestamp)

	var err error
	switch msg.Kind {
	case domain.MessageKindSnapshot:
		msg.Snapshot, err = c.snapshot(env, serverTime)
	case domain.MessageKindDelta:
		if msg.BidDeltas, err = c.deltas(env, env.Bids, true, received, serverTime); err != nil {
			break
		}
		msg.AskDeltas, err = c.deltas(env, env.Asks, false, received, serverTime)
		if err != nil {
			c.release(msg.BidDeltas)
			msg.BidDeltas = nil
		}
	case domain.MessageKindTrade:
		msg.Trade, err = c.trade(env, &msg, serverTime)
	case domain.MessageKindHeartbeat:
	default:
		err = fmt.Errorf("%w: %q", ErrUnknownMessageKind, env.Type)
	}
	if err != nil {
		return domain.MarketMessage{}, err
	}
	return msg, nil
}

func (c *FeedCodec) snapshot(env *FeedEnvelope, serverTime time.Time) (*domain.OrderBookSnapshot, error) {
	snap := &domain.OrderBookSnapshot{
		Source:     domain.OrderBookSource_Provider,
		Symbol:     env.Symbol,
		ProviderID: env.ProviderID,
		Sequence:   env.Sequence,
		Timestamp:  serverTime,
	}
	var err error
	if snap.Bids, err = levels(env.Bids, true, serverTime); err != nil {
		return nil, err
	}
	if snap.Asks, err = levels(env.Asks, false, serverTime); err != nil {
		return nil, err
	}
	return snap, nil
}

func levels(in []FeedLevel, isBid bool, serverTime time.Time) ([]domain.BookItem, error) {
	out := make([]domain.BookItem, 0, len(in))
	for _, l := range in {
		price, err := helpers.ParseNullDecimal(l.Price)
		if err != nil {
			return nil, err
		}
		size, err := helpers.ParseNullDecimal(l.Size)
		if err != nil {
			return nil, err
		}
		out = append(out, domain.BookItem{
			IsBid:           isBid,
			EntryID:         l.EntryID,
			Price:           price,
			Size:            size,
			ServerTimestamp: serverTime,
		})
	}
	return out, nil
}

func (c *FeedCodec) deltas(env *FeedEnvelope, in []FeedLevel, isBid bool, received, serverTime time.Time) ([]*domain.DeltaBookItem, error) {
	out := make([]*domain.DeltaBookItem, 0, len(in))
	for _, l := range in {
		price, err := helpers.ParseNullDecimal(l.Price)
		if err != nil {
			c.release(out)
			return nil, err
		}
		size, err := helpers.ParseNullDecimal(l.Size)
		if err != nil {
			c.release(out)
			return nil, err
		}

		d := c.newDelta()
		d.Symbol = env.Symbol
		d.IsBid = isBid
		d.EntryID = l.EntryID
		d.Price = price
		d.Size = size
		d.MDUpdateAction = action(l.Action, size)
		d.Sequence = l.Sequence
		if d.Sequence == 0 {
			d.Sequence = env.Sequence
		}
		d.LocalTimestamp = received
		d.ServerTimestamp = serverTime
		out = append(out, d)
	}
	return out, nil
}

// action falls back to the aggregated depth convention: size 0 deletes the level.
func action(s string, size decimal.NullDecimal) domain.MDUpdateAction {
	if s != "" {
		return domain.ParseMDUpdateAction(s)
	}
	if size.Valid && size.Decimal.IsZero() {
		return domain.MDUpdateActionDelete
	}
	return domain.MDUpdateActionChange
}

func (c *FeedCodec) trade(env *FeedEnvelope, msg *domain.MarketMessage, serverTime time.Time) (*domain.Trade, error) {
	if env.Trade == nil {
		return nil, fmt.Errorf("trade message without trade body")
	}
	price, size, err := helpers.ParseDecimalPair([]string{env.Trade.Price, env.Trade.Size})
	if err != nil {
		return nil, err
	}

	t := c.newTrade()
	t.Symbol = env.Symbol
	t.Price = price
	t.Size = size
	t.Side = domain.ParseTradeSide(env.Trade.Side)
	t.ProviderID = msg.ProviderID
	t.ProviderName = msg.Provider
	t.TradeID = env.Trade.ID
	t.Timestamp = serverTime
	if t.Timestamp.IsZero() {
		t.Timestamp = msg.Received
	}
	return t, nil
}

func (c *FeedCodec) newDelta() *domain.DeltaBookItem {
	if c.Deltas != nil {
		return c.Deltas.Get()
	}
	return &domain.DeltaBookItem{}
}

func (c *FeedCodec) newTrade() *domain.Trade {
	if c.Trades != nil {
		return c.Trades.Get()
	}
	return &domain.Trade{}
}

// Release hands pooled deltas and trades of an undelivered message back.
func (c *FeedCodec) Release(msg domain.MarketMessage) {
	c.release(msg.BidDeltas)
	c.release(msg.AskDeltas)
	if msg.Trade != nil && c.Trades != nil {
		c.Trades.Return(msg.Trade)
	}
}

func (c *FeedCodec) release(deltas []*domain.DeltaBookItem) {
	if c.Deltas == nil {
		return
	}
	for _, d := range deltas {
		c.Deltas.Return(d)
	}
}
