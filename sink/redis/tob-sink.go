package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
	"github.com/spooky-finn/go-marketbook/domain"
	"go.uber.org/zap"
)

type Config struct {
	Addr     string
	Password string
	DB       int
	// KeyPrefix namespaces the hashes, keys look like prefix:tob:provider:symbol.
	KeyPrefix string
	// Channel receives every top of book as json, empty disables publishing.
	Channel string
	// Levels adds that many levels per side to the hash, 0 writes the top only.
	Levels       int
	WriteTimeout time.Duration
}

type Level struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// TopOfBook is the flattened view written to redis.
type TopOfBook struct {
	Provider   string  `json:"provider"`
	ProviderID int     `json:"providerId"`
	Symbol     string  `json:"symbol"`
	Sequence   int64   `json:"sequence"`
	BidPrice   string  `json:"bidPrice"`
	BidSize    string  `json:"bidSize"`
	AskPrice   string  `json:"askPrice"`
	AskSize    string  `json:"askSize"`
	Mid        string  `json:"mid"`
	Spread     string  `json:"spread"`
	Imbalance  float64 `json:"imbalance"`
	Timestamp  int64   `json:"ts"`
	Bids       []Level `json:"bids,omitempty"`
	Asks       []Level `json:"asks,omitempty"`
}

func nullString(d decimal.NullDecimal) string {
	if !d.Valid {
		return ""
	}
	return d.Decimal.String()
}

func levels(items []domain.BookItem) []Level {
	out := make([]Level, 0, len(items))
	for _, item := range items {
		out = append(out, Level{Price: nullString(item.Price), Size: nullString(item.Size)})
	}
	return out
}

// NewTopOfBook reads the derived values of ob, plus the first depth levels per side.
func NewTopOfBook(ob *domain.OrderBook, depth int) TopOfBook {
	bid := ob.GetTOB(true)
	ask := ob.GetTOB(false)
	tob := TopOfBook{
		Provider:   ob.ProviderName,
		ProviderID: ob.ProviderID,
		Symbol:     ob.Symbol,
		Sequence:   ob.Sequence(),
		BidPrice:   nullString(bid.Price),
		BidSize:    nullString(bid.Size),
		AskPrice:   nullString(ask.Price),
		AskSize:    nullString(ask.Size),
		Mid:        nullString(ob.MidPrice()),
		Spread:     nullString(ob.Spread()),
		Imbalance:  ob.ImbalanceValue(),
		Timestamp:  ob.LastUpdated().UnixMilli(),
	}
	if depth > 0 {
		tob.Bids = levels(ob.Levels(true, depth))
		tob.Asks = levels(ob.Levels(false, depth))
	}
	return tob
}

// Fields flattens the view into hash fields. Depth levels are stored as json.
func (t TopOfBook) Fields() (map[string]interface{}, error) {
	fields := map[string]interface{}{
		"provider":  t.Provider,
		"symbol":    t.Symbol,
		"sequence":  t.Sequence,
		"bidPrice":  t.BidPrice,
		"bidSize":   t.BidSize,
		"askPrice":  t.AskPrice,
		"askSize":   t.AskSize,
		"mid":       t.Mid,
		"spread":    t.Spread,
		"imbalance": t.Imbalance,
		"ts":        t.Timestamp,
	}
	if t.Bids != nil || t.Asks != nil {
		bids, err := json.Marshal(t.Bids)
		if err != nil {
			return nil, err
		}
		asks, err := json.Marshal(t.Asks)
		if err != nil {
			return nil, err
		}
		fields["bids"] = string(bids)
		fields["asks"] = string(asks)
	}
	return fields, nil
}

func Key(prefix, provider, symbol string) string {
	return fmt.Sprintf("%s:tob:%s:%s", prefix, provider, symbol)
}

// TOBSink mirrors every published order book into redis. It is meant to be
// subscribed to the order book hub, so a slow redis only delays its own buffer.
type TOBSink struct {
	rdb    redis.Cmdable
	cfg    Config
	logger *zap.Logger
}

func NewClient(cfg Config) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
}

func NewTOBSink(rdb redis.Cmdable, cfg Config, logger *zap.Logger) *TOBSink {
	if cfg.KeyPrefix == "" {
		cfg.KeyPrefix = "marketbook"
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = time.Second
	}
	return &TOBSink{
		rdb:    rdb,
		cfg:    cfg,
		logger: logger.Named("redis-tob-sink"),
	}
}

// Write stores the book view in one pipeline and publishes it to the channel.
func (s *TOBSink) Write(ctx context.Context, ob *domain.OrderBook) error {
	tob := NewTopOfBook(ob, s.cfg.Levels)
	fields, err := tob.Fields()
	if err != nil {
		return err
	}

	pipe := s.rdb.Pipeline()
	pipe.HSet(ctx, Key(s.cfg.KeyPrefix, tob.Provider, tob.Symbol), fields)
	if s.cfg.Channel != "" {
		payload, err := json.Marshal(tob)
		if err != nil {
			return err
		}
		pipe.Publish(ctx, s.cfg.Channel, payload)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: write top of book %s %s: %w", tob.Provider, tob.Symbol, err)
	}
	return nil
}

// Handle is the hub callback.
func (s *TOBSink) Handle(ob *domain.OrderBook) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.WriteTimeout)
	defer cancel()

	if err := s.Write(ctx, ob); err != nil {
		s.logger.Warn("failed to write top of book", zap.String("symbol", ob.Symbol), zap.Error(err))
	}
}
