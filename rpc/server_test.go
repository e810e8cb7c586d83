package rpc

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/spooky-finn/go-marketbook/domain"
	"github.com/spooky-finn/go-marketbook/hub"
	"github.com/spooky-finn/go-marketbook/usecase"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"
)

type fixture struct {
	client *Client
	books  *hub.Hub[*domain.OrderBook]
	book   *domain.OrderBook
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := zaptest.NewLogger(t)

	ob := domain.NewOrderBook("BTC/USDT", 1, 0)
	ob.ProviderName = "kucoin"
	ob.LoadData(
		[]domain.BookItem{
			domain.NewBookItem(false, decimal.RequireFromString("101"), decimal.NewFromInt(2)),
			domain.NewBookItem(false, decimal.RequireFromString("102"), decimal.NewFromInt(3)),
		},
		[]domain.BookItem{
			domain.NewBookItem(true, decimal.RequireFromString("100"), decimal.NewFromInt(1)),
		},
		11,
	)
	storage := domain.NewOrderBookStorage()
	storage.Add("kucoin", ob)

	books := hub.New[*domain.OrderBook](hub.Config{Name: "orderbooks"}, logger)
	impl := NewServer(
		usecase.NewOrderBookSnapshotUseCase(storage, nil, logger),
		&ValidationServiceConfig{AvailableProviders: []string{"kucoin"}},
		books,
		logger,
	)
	srv := NewGRPCServer("", impl, logger)

	lis := bufconn.Listen(1 << 20)
	go srv.Serve(lis)

	conn, err := grpc.DialContext(context.Background(), "bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
			return lis.DialContext(ctx)
		}),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		conn.Close()
		srv.Stop()
		books.Close()
	})
	return &fixture{client: NewClient(conn), books: books, book: ob}
}

func TestGetOrderBookSnapshot(t *testing.T) {
	f := newFixture(t)

	resp, err := f.client.GetOrderBookSnapshot(context.Background(), "kucoin", "btc/usdt", 1)
	require.NoError(t, err)

	fields := resp.GetFields()
	assert.Equal(t, "LocalOrderBook", fields["source"].GetStringValue())
	assert.Equal(t, "BTC/USDT", fields["symbol"].GetStringValue())
	assert.Equal(t, float64(11), fields["sequence"].GetNumberValue())

	asks := fields["asks"].GetListValue().GetValues()
	require.Len(t, asks, 1)
	assert.Equal(t, "101", asks[0].GetStructValue().GetFields()["price"].GetStringValue())
	assert.Equal(t, "2", asks[0].GetStructValue().GetFields()["qty"].GetStringValue())
}

func TestGetOrderBookSnapshot_Errors(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name     string
		provider string
		market   string
		code     codes.Code
	}{
		{name: "unsupported provider", provider: "kraken", market: "BTC/USDT", code: codes.InvalidArgument},
		{name: "invalid market", provider: "kucoin", market: "BTCUSDT", code: codes.InvalidArgument},
		{name: "unknown book", provider: "kucoin", market: "ETH/USDT", code: codes.NotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.client.GetOrderBookSnapshot(context.Background(), tt.provider, tt.market, 0)
			assert.Equal(t, tt.code, status.Code(err))
		})
	}
}

func TestStreamTopOfBook(t *testing.T) {
	f := newFixture(t)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	received := make(chan *structpb.Struct, 1)
	errCh := make(chan error, 1)
	go func() {
		errCh <- f.client.StreamTopOfBook(ctx, "kucoin", "BTC/USDT", func(msg *structpb.Struct) bool {
			received <- msg
			return false
		})
	}()

	require.Eventually(t, func() bool { return f.books.SubscriberCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	other := domain.NewOrderBook("ETH/USDT", 1, 0)
	other.ProviderName = "kucoin"
	require.NoError(t, f.books.Publish(other))
	require.NoError(t, f.books.Publish(f.book))

	select {
	case msg := <-received:
		fields := msg.GetFields()
		assert.Equal(t, "BTC/USDT", fields["symbol"].GetStringValue())
		assert.Equal(t, "100", fields["bidPrice"].GetStringValue())
		assert.Equal(t, "101", fields["askPrice"].GetStringValue())
		assert.Equal(t, "100.5", fields["mid"].GetStringValue())
	case <-ctx.Done():
		t.Fatal("no top of book received")
	}
	require.NoError(t, <-errCh)

	// the server side subscription goes away with the stream
	assert.Eventually(t, func() bool { return f.books.SubscriberCount() == 0 }, 2*time.Second, 5*time.Millisecond)
}

func TestStreamTopOfBook_UnsupportedProvider(t *testing.T) {
	f := newFixture(t)

	err := f.client.StreamTopOfBook(context.Background(), "kraken", "", func(*structpb.Struct) bool { return true })
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}
