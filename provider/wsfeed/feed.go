package wsfeed

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/recws-org/recws"
	"github.com/spooky-finn/go-marketbook/domain"
	promclient "github.com/spooky-finn/go-marketbook/infrastructure/prometheus"
	"github.com/spooky-finn/go-marketbook/provider"
	"go.uber.org/zap"
)

const notConnectedBackoff = 200 * time.Millisecond

type Config struct {
	URL string
	// Subscribe frames are written as is after every (re)connect.
	Subscribe        []string
	HandshakeTimeout time.Duration
	ReconnectMin     time.Duration
	ReconnectMax     time.Duration
}

// WebSocketFeed reads normalized feed envelopes from a reconnecting websocket.
type WebSocketFeed struct {
	cfg    Config
	codec  *provider.FeedCodec
	logger *zap.Logger

	mu   sync.Mutex
	conn *recws.RecConn
}

func NewWebSocketFeed(cfg Config, codec *provider.FeedCodec, logger *zap.Logger) *WebSocketFeed {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 5 * time.Second
	}
	return &WebSocketFeed{
		cfg:    cfg,
		codec:  codec,
		logger: logger.Named("wsfeed").With(zap.String("provider", codec.Provider)),
	}
}

func (f *WebSocketFeed) connect() *recws.RecConn {
	conn := &recws.RecConn{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: f.cfg.HandshakeTimeout,
		RecIntvlMin:      f.cfg.ReconnectMin,
		RecIntvlMax:      f.cfg.ReconnectMax,
		NonVerbose:       true,
	}
	// recws exits the process on a handler error, so failures are only logged and the
	// next read error reconnects
	conn.SubscribeHandler = func() error {
		for _, frame := range f.cfg.Subscribe {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(frame)); err != nil {
				f.logger.Warn("failed to send subscribe frame", zap.Error(err))
				return nil
			}
		}
		f.logger.Info("websocket feed connected", zap.String("url", f.cfg.URL))
		return nil
	}
	conn.Dial(f.cfg.URL, nil)

	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()
	return conn
}

// Run pushes decoded messages to out until ctx is cancelled. Undecodable frames are
// counted and skipped.
func (f *WebSocketFeed) Run(ctx context.Context, out chan<- domain.MarketMessage) error {
	conn := f.connect()
	defer conn.Close()

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		if ctx.Err() != nil {
			return nil
		}
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !errors.Is(err, recws.ErrNotConnected) {
				f.logger.Debug("read failed", zap.Error(err))
			}
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(notConnectedBackoff):
			}
			continue
		}

		msg, err := f.codec.Decode(data, time.Now())
		if err != nil {
			promclient.DroppedMessageCounter.WithLabelValues(f.codec.Provider, "decode").Inc()
			f.logger.Warn("failed to decode message", zap.Error(err))
			continue
		}

		select {
		case out <- msg:
		case <-ctx.Done():
			f.codec.Release(msg)
			return nil
		}
	}
}

func (f *WebSocketFeed) IsConnected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.conn != nil && f.conn.IsConnected()
}

var _ domain.ProviderStreamAPI = (*WebSocketFeed)(nil)
