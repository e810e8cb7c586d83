package wsfeed

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/spooky-finn/go-marketbook/domain"
	"github.com/spooky-finn/go-marketbook/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var upgrader = websocket.Upgrader{}

// feedServer answers every subscribe frame with the given frames.
func feedServer(t *testing.T, subscribed chan<- string, frames ...string) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		_, sub, err := conn.ReadMessage()
		if err != nil {
			return
		}
		subscribed <- string(sub)

		for _, f := range frames {
			if err := conn.WriteMessage(websocket.TextMessage, []byte(f)); err != nil {
				return
			}
		}
		// hold the connection open until the client leaves
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
}

func wsURL(s *httptest.Server) string {
	return "ws" + strings.TrimPrefix(s.URL, "http")
}

func TestWebSocketFeed_DecodesFrames(t *testing.T) {
	subscribed := make(chan string, 1)
	srv := feedServer(t, subscribed,
		`{"type":"snapshot","symbol":"EUR/USD","sequence":10,"bids":[{"price":"1.1","size":"5"}],"asks":[{"price":"1.2","size":"3"}]}`,
		`not json`,
		`{"type":"delta","symbol":"EUR/USD","sequence":11,"bids":[{"price":"1.1","size":"0"}]}`,
		`{"type":"trade","symbol":"EUR/USD","trade":{"price":"1.15","size":"2","side":"sell"}}`,
	)
	defer srv.Close()

	feed := NewWebSocketFeed(Config{
		URL:       wsURL(srv),
		Subscribe: []string{`{"op":"subscribe","channel":"book"}`},
	}, &provider.FeedCodec{ProviderID: 3, Provider: "fx"}, zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan domain.MarketMessage, 8)
	done := make(chan error, 1)
	go func() { done <- feed.Run(ctx, out) }()

	select {
	case sub := <-subscribed:
		assert.Equal(t, `{"op":"subscribe","channel":"book"}`, sub)
	case <-time.After(5 * time.Second):
		t.Fatal("no subscribe frame received")
	}

	var got []domain.MarketMessage
	for len(got) < 3 {
		select {
		case msg := <-out:
			got = append(got, msg)
		case <-time.After(5 * time.Second):
			t.Fatalf("received %d of 3 messages", len(got))
		}
	}
	assert.True(t, feed.IsConnected())

	require.Equal(t, domain.MessageKindSnapshot, got[0].Kind)
	assert.Equal(t, int64(10), got[0].Snapshot.Sequence)
	assert.Equal(t, 3, got[0].ProviderID)

	require.Equal(t, domain.MessageKindDelta, got[1].Kind)
	require.Len(t, got[1].BidDeltas, 1)
	assert.Equal(t, domain.MDUpdateActionDelete, got[1].BidDeltas[0].MDUpdateAction)

	require.Equal(t, domain.MessageKindTrade, got[2].Kind)
	assert.Equal(t, domain.TradeSideSell, got[2].Trade.Side)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("feed did not stop")
	}
}
