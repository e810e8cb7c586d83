package binance

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spooky-finn/go-marketbook/domain"
	"github.com/spooky-finn/go-marketbook/helpers"
	"go.uber.org/zap"
)

const DefaultWsAPIEndpoint = "wss://ws-api.binance.com:443/ws-api/v3"

var (
	ErrTimeout          = errors.New("timeout error")
	ErrConnectionClosed = errors.New("binance ws api connection closed")
)

type GenericMessage[T any] struct {
	ID     int            `json:"id"`
	Status int            `json:"status"`
	Result T              `json:"result"`
	Error  *ResponseError `json:"error,omitempty"`
}

type ResponseError struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
}

type DepthResult struct {
	LastUpdateId int64      `json:"lastUpdateId"`
	Bids         [][]string `json:"bids"`
	Asks         [][]string `json:"asks"`
}

// BinanceSyncAPI requests order book snapshots over the binance websocket api. One
// connection is shared by all requests and dialed lazily.
type BinanceSyncAPI struct {
	providerID     int
	endpoint       string
	requestTimeout time.Duration
	dialer         websocket.Dialer
	logger         *zap.Logger

	writeMutex sync.Mutex
	mu         sync.Mutex
	conn       *websocket.Conn
	pending    map[int]chan []byte
}

func NewBinanceSyncAPI(providerID int, endpoint string, logger *zap.Logger) *BinanceSyncAPI {
	if endpoint == "" {
		endpoint = DefaultWsAPIEndpoint
	}
	return &BinanceSyncAPI{
		providerID:     providerID,
		endpoint:       endpoint,
		requestTimeout: 10 * time.Second,
		dialer: websocket.Dialer{
			Proxy:            http.ProxyFromEnvironment,
			HandshakeTimeout: 5 * time.Second,
		},
		logger:  logger.Named("binance-sync-api"),
		pending: make(map[int]chan []byte),
	}
}

func (api *BinanceSyncAPI) OrderBookSnapshot(ctx context.Context, symbol string, limit int) (*domain.OrderBookSnapshot, error) {
	ms, err := domain.NewMarketSymbolFromString(symbol)
	if err != nil {
		return nil, err
	}

	params := map[string]interface{}{
		"symbol": ExchangeSymbol(ms),
	}
	if limit > 0 {
		params["limit"] = limit
	}

	msg, err := api.request(ctx, "depth", params)
	if err != nil {
		return nil, err
	}

	var response GenericMessage[DepthResult]
	if err := json.Unmarshal(msg, &response); err != nil {
		return nil, fmt.Errorf("failed to unmarshal depth response: %w", err)
	}
	if response.Status != http.StatusOK {
		if response.Error != nil {
			return nil, fmt.Errorf("depth request failed: status %d: %s", response.Status, response.Error.Msg)
		}
		return nil, fmt.Errorf("depth request failed: status %d", response.Status)
	}

	now := time.Now()
	bids, err := snapshotLevels(response.Result.Bids, true, now)
	if err != nil {
		return nil, err
	}
	asks, err := snapshotLevels(response.Result.Asks, false, now)
	if err != nil {
		return nil, err
	}
	return &domain.OrderBookSnapshot{
		Source:     domain.OrderBookSource_Provider,
		Symbol:     ms.Display(),
		ProviderID: api.providerID,
		Sequence:   response.Result.LastUpdateId,
		Bids:       bids,
		Asks:       asks,
		Timestamp:  now,
	}, nil
}

func snapshotLevels(in [][]string, isBid bool, ts time.Time) ([]domain.BookItem, error) {
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

func (api *BinanceSyncAPI) request(ctx context.Context, method string, params map[string]interface{}) ([]byte, error) {
	conn, err := api.connect(ctx)
	if err != nil {
		return nil, err
	}

	reqId := getRandomReqID()
	ch := make(chan []byte, 1)
	api.mu.Lock()
	api.pending[reqId] = ch
	api.mu.Unlock()
	defer func() {
		api.mu.Lock()
		delete(api.pending, reqId)
		api.mu.Unlock()
	}()

	api.writeMutex.Lock()
	err = conn.WriteJSON(map[string]interface{}{
		"method": method,
		"params": params,
		"id":     reqId,
	})
	api.writeMutex.Unlock()
	if err != nil {
		return nil, err
	}

	timer := time.NewTimer(api.requestTimeout)
	defer timer.Stop()

	select {
	case msg, ok := <-ch:
		if !ok {
			return nil, ErrConnectionClosed
		}
		return msg, nil
	case <-timer.C:
		return nil, ErrTimeout
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (api *BinanceSyncAPI) connect(ctx context.Context) (*websocket.Conn, error) {
	api.mu.Lock()
	defer api.mu.Unlock()

	if api.conn != nil {
		return api.conn, nil
	}
	conn, _, err := api.dialer.DialContext(ctx, api.endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("error dialing binance sync ws api: %w", err)
	}
	api.conn = conn
	go api.listener(conn)
	api.logger.Info("connected to the binance ws api", zap.String("endpoint", api.endpoint))
	return conn, nil
}

// listener routes responses to waiting requests by id. When the connection breaks
// every pending request fails and the next request dials again.
func (api *BinanceSyncAPI) listener(conn *websocket.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			api.logger.Debug("ws api connection closed", zap.Error(err))
			api.mu.Lock()
			if api.conn == conn {
				api.conn = nil
			}
			for id, ch := range api.pending {
				close(ch)
				delete(api.pending, id)
			}
			api.mu.Unlock()
			return
		}

		var head struct {
			ID int `json:"id"`
		}
		if err := json.Unmarshal(message, &head); err != nil {
			api.logger.Warn("unexpected ws api message", zap.ByteString("message", message))
			continue
		}

		api.mu.Lock()
		ch, ok := api.pending[head.ID]
		delete(api.pending, head.ID)
		api.mu.Unlock()
		if ok {
			ch <- message
		}
	}
}

func (api *BinanceSyncAPI) Close() error {
	api.mu.Lock()
	conn := api.conn
	api.conn = nil
	api.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Close()
}

// ExchangeSymbol renders the upper case BASEQUOTE form binance expects.
func ExchangeSymbol(ms *domain.MarketSymbol) string {
	return strings.ToUpper(ms.Join(""))
}

func getRandomReqID() int {
	min := 10000
	max := 9999999
	return min + rand.Intn(max-min)
}

var _ domain.ProviderSyncAPI = (*BinanceSyncAPI)(nil)
