package kucoin

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/Kucoin/kucoin-go-sdk"
	"github.com/google/uuid"
	"github.com/recws-org/recws"
	"go.uber.org/zap"
)

const (
	defaultPingInterval = 18 * time.Second
	notConnectedBackoff = 500 * time.Millisecond
)

// KucoinStreamClient keeps one reconnecting websocket to a kucoin instance server and
// replays the subscriptions after every reconnect.
type KucoinStreamClient struct {
	syncAPI *KucoinSyncAPI
	logger  *zap.Logger

	conn         *recws.RecConn
	pingInterval time.Duration

	mu     sync.Mutex
	topics []string
}

func NewKucoinStreamClient(syncAPI *KucoinSyncAPI, logger *zap.Logger) *KucoinStreamClient {
	return &KucoinStreamClient{
		syncAPI: syncAPI,
		logger:  logger.Named("kucoin-stream-client"),
	}
}

func (c *KucoinStreamClient) Connect(ctx context.Context) error {
	opts, err := c.syncAPI.WsConnOpts(ctx)
	if err != nil {
		return err
	}

	server := opts.Servers[0]
	c.pingInterval = time.Duration(server.PingInterval) * time.Millisecond
	if c.pingInterval <= 0 {
		c.pingInterval = defaultPingInterval
	}

	url := fmt.Sprintf("%s?token=%s&connectId=%s", server.Endpoint, opts.Token, uuid.NewString())
	c.conn = &recws.RecConn{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 5 * time.Second,
		NonVerbose:       true,
		SubscribeHandler: c.resubscribe,
	}
	c.conn.Dial(url, nil)
	c.logger.Info("connecting to the kucoin stream websocket", zap.String("endpoint", server.Endpoint))
	return nil
}

// Subscribe sends the subscribe request now and after every reconnect.
func (c *KucoinStreamClient) Subscribe(topic string) error {
	c.mu.Lock()
	c.topics = append(c.topics, topic)
	c.mu.Unlock()

	if !c.conn.IsConnected() {
		// SubscribeHandler picks it up once the dial completes
		return nil
	}
	return c.conn.WriteJSON(kucoin.NewSubscribeMessage(topic, false))
}

// resubscribe never returns an error: recws exits the process on one.
func (c *KucoinStreamClient) resubscribe() error {
	c.mu.Lock()
	topics := append([]string(nil), c.topics...)
	c.mu.Unlock()

	for _, topic := range topics {
		if err := c.conn.WriteJSON(kucoin.NewSubscribeMessage(topic, false)); err != nil {
			c.logger.Warn("failed to subscribe", zap.String("topic", topic), zap.Error(err))
			return nil
		}
	}
	c.logger.Debug("subscriptions sent", zap.Strings("topics", topics))
	return nil
}

// ReadMessage blocks until a frame arrives or ctx is done. A not yet reconnected
// socket is polled instead of treated as fatal.
func (c *KucoinStreamClient) ReadMessage(ctx context.Context) ([]byte, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		_, data, err := c.conn.ReadMessage()
		if err == nil {
			return data, nil
		}
		if !errors.Is(err, recws.ErrNotConnected) {
			c.logger.Warn("read failed, reconnecting", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(notConnectedBackoff):
		}
	}
}

// KeepAlive pings the server until ctx is done.
func (c *KucoinStreamClient) KeepAlive(ctx context.Context) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !c.conn.IsConnected() {
				continue
			}
			if err := c.conn.WriteJSON(kucoin.NewPingMessage()); err != nil {
				c.logger.Debug("ping failed", zap.Error(err))
			}
		}
	}
}

func (c *KucoinStreamClient) Close() {
	if c.conn != nil {
		c.conn.Close()
	}
}
