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
	"go.uber.org/zap"
)

const DefaultBaseURL = "https://api.kucoin.com"

type Credentials struct {
	BaseURL    string
	ApiKey     string
	ApiSecret  string
	PassPhrase string
}

type KucoinSyncAPI struct {
	providerID int
	apiService *kucoin.ApiService
	logger     *zap.Logger
}

func NewKucoinSyncAPI(providerID int, creds Credentials, logger *zap.Logger) *KucoinSyncAPI {
	if creds.BaseURL == "" {
		creds.BaseURL = DefaultBaseURL
	}
	return &KucoinSyncAPI{
		providerID: providerID,
		apiService: kucoin.NewApiService(
			kucoin.ApiBaseURIOption(creds.BaseURL),
			kucoin.ApiKeyOption(creds.ApiKey),
			kucoin.ApiSecretOption(creds.ApiSecret),
			kucoin.ApiPassPhraseOption(creds.PassPhrase),
		),
		logger: logger.Named("kucoin-sync-api"),
	}
}

type OrderBookSnapshot struct {
	Sequence string     `json:"sequence"`
	Time     int64      `json:"time"`
	Bids     [][]string `json:"bids"`
	Asks     [][]string `json:"asks"`
}

func (api *KucoinSyncAPI) WsConnOpts(ctx context.Context) (*kucoin.WebSocketTokenModel, error) {
	resp, err := call(ctx, api.apiService.WebSocketPublicToken)
	if err != nil {
		return nil, fmt.Errorf("failed to get ws connection options: %w", err)
	}

	data := &kucoin.WebSocketTokenModel{}
	if err = json.Unmarshal(resp.RawData, data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response body: %w, response: %s", err, resp.Message)
	}
	if len(data.Servers) == 0 {
		return nil, fmt.Errorf("kucoin returned no instance servers")
	}
	return data, nil
}

// OrderBookSnapshot fetches the full aggregated book for symbol (any BASE/QUOTE form)
// and keeps the best limit levels of each side, 0 keeps all.
func (api *KucoinSyncAPI) OrderBookSnapshot(ctx context.Context, symbol string, limit int) (*domain.OrderBookSnapshot, error) {
	ms, err := domain.NewMarketSymbolFromString(symbol)
	if err != nil {
		return nil, err
	}

	resp, err := call(ctx, func() (*kucoin.ApiResponse, error) {
		return api.apiService.AggregatedFullOrderBookV3(ExchangeSymbol(ms))
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get order book snapshot: %w", err)
	}
	if !resp.ApiSuccessful() {
		return nil, fmt.Errorf("failed to get order book snapshot: code %s: %s", resp.Code, resp.Message)
	}

	snapshot, err := ParseSnapshot(resp.RawData, ms.Display(), api.providerID, limit)
	if err != nil {
		return nil, err
	}
	api.logger.Debug("snapshot loaded",
		zap.String("symbol", snapshot.Symbol),
		zap.Int64("sequence", snapshot.Sequence),
		zap.Int("bids", len(snapshot.Bids)),
		zap.Int("asks", len(snapshot.Asks)),
	)
	return snapshot, nil
}

// ParseSnapshot decodes the data part of a level2 snapshot response.
func ParseSnapshot(raw []byte, symbol string, providerID int, limit int) (*domain.OrderBookSnapshot, error) {
	data := &OrderBookSnapshot{}
	if err := json.Unmarshal(raw, data); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response body: %w, response: %s", err, raw)
	}

	seq, err := strconv.ParseInt(data.Sequence, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("failed to convert sequence to int: %w, response: %s", err, raw)
	}

	ts := helpers.UnixMilli(data.Time)
	bids, err := snapshotLevels(data.Bids, true, limit, ts)
	if err != nil {
		return nil, err
	}
	asks, err := snapshotLevels(data.Asks, false, limit, ts)
	if err != nil {
		return nil, err
	}

	return &domain.OrderBookSnapshot{
		Source:     domain.OrderBookSource_Provider,
		Symbol:     symbol,
		ProviderID: providerID,
		Sequence:   seq,
		Bids:       bids,
		Asks:       asks,
		Timestamp:  ts,
	}, nil
}

func snapshotLevels(in [][]string, isBid bool, limit int, ts time.Time) ([]domain.BookItem, error) {
	if limit > 0 && len(in) > limit {
		in = in[:limit]
	}
	out := make([]domain.BookItem, 0, len(in))
	for _, level := range in {
		price, size, err := helpers.ParseDecimalPair(level)
		if err != nil {
			return nil, err
		}
		item := domain.NewBookItem(isBid, price, size)
		item.ServerTimestamp = ts
		out = append(out, item)
	}
	return out, nil
}

// ExchangeSymbol renders the BASE-QUOTE form kucoin topics and endpoints expect.
func ExchangeSymbol(ms *domain.MarketSymbol) string {
	return strings.ToUpper(ms.Join("-"))
}

// call runs a blocking sdk request and gives up when ctx is done first.
func call(ctx context.Context, fn func() (*kucoin.ApiResponse, error)) (*kucoin.ApiResponse, error) {
	type result struct {
		resp *kucoin.ApiResponse
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		resp, err := fn()
		ch <- result{resp, err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-ch:
		return r.resp, r.err
	}
}
