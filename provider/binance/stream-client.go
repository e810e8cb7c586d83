package binance

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/recws-org/recws"
	"go.uber.org/zap"
)

const (
	DefaultStreamEndpoint = "wss://stream.binance.com:9443/stream"
	pingDelay             = time.Minute * 9
	notConnectedBackoff   = 500 * time.Millisecond
)

type Message[T any] struct {
	Stream string `json:"stream"`
	Data   T      `json:"data"`
}

type WebSocketRequestModel struct {
	ReqId  int      `json:"id"`
	Params []string `json:"params"`
	Method string   `json:"method"`
}

// BinanceStreamClient is a reconnecting combined stream connection. Topics are
// subscribed again after every reconnect.
type BinanceStreamClient struct {
	endpoint string
	logger   *zap.Logger

	conn *recws.RecConn

	mu     sync.Mutex
	topics []string
}

func NewBinanceStreamClient(endpoint string, logger *zap.Logger) *BinanceStreamClient {
	if endpoint == "" {
		endpoint = DefaultStreamEndpoint
	}
	return &BinanceStreamClient{
		endpoint: endpoint,
		logger:   logger.Named("binance-stream-client"),
	}
}

func (c *BinanceStreamClient) Connect() {
	c.conn = &recws.RecConn{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 5 * time.Second,
		KeepAliveTimeout: pingDelay,
		NonVerbose:       true,
		SubscribeHandler: c.resubscribe,
	}
	c.conn.Dial(c.endpoint, nil)
	c.logger.Info("connecting to the binance stream websocket", zap.String("endpoint", c.endpoint))
}

func (c *BinanceStreamClient) Subscribe(topics ...string) error {
	c.mu.Lock()
	c.topics = append(c.topics, topics...)
	c.mu.Unlock()

	if !c.conn.IsConnected() {
		return nil
	}
	return c.conn.WriteJSON(WebSocketRequestModel{
		Method: "SUBSCRIBE",
		ReqId:  getRandomReqID(),
		Params: topics,
	})
}

// resubscribe never returns an error: recws exits the process on one.
func (c *BinanceStreamClient) resubscribe() error {
	c.mu.Lock()
	topics := append([]string(nil), c.topics...)
	c.mu.Unlock()

	if len(topics) == 0 {
		return nil
	}
	err := c.conn.WriteJSON(WebSocketRequestModel{
		Method: "SUBSCRIBE",
		ReqId:  getRandomReqID(),
		Params: topics,
	})
	if err != nil {
		c.logger.Warn("failed to subscribe", zap.Strings("topics", topics), zap.Error(err))
		return nil
	}
	c.logger.Debug("subscribing to the topics", zap.Strings("topics", topics))
	return nil
}

func (c *BinanceStreamClient) ReadMessage(ctx context.Context) ([]byte, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		_, msg, err := c.conn.ReadMessage()
		if err == nil {
			return msg, nil
		}
		if !errors.Is(err, recws.ErrNotConnected) {
			c.logger.Warn("error while reading from connection", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(notConnectedBackoff):
		}
	}
}

func (c *BinanceStreamClient) Close() {
	if c.conn != nil {
		c.conn.Close()
	}
}
