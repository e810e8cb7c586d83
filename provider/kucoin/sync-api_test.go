package kucoin

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Kucoin/kucoin-go-sdk"
	"github.com/shopspring/decimal"
	"github.com/spooky-finn/go-marketbook/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const snapshotData = `{
	"sequence": "3262786978",
	"time": 1550653727731,
	"bids": [["6500.12", "0.45054140"], ["6500.11", "0.45054140"], ["6500.10", "1"]],
	"asks": [["6500.16", "0.57753524"], ["6500.15", "0.57753524"]]
}`

func TestParseSnapshot(t *testing.T) {
	snap, err := ParseSnapshot([]byte(snapshotData), "BTC/USDT", 7, 2)
	require.NoError(t, err)

	assert.Equal(t, domain.OrderBookSource_Provider, snap.Source)
	assert.Equal(t, "BTC/USDT", snap.Symbol)
	assert.Equal(t, 7, snap.ProviderID)
	assert.Equal(t, int64(3262786978), snap.Sequence)
	assert.Equal(t, time.UnixMilli(1550653727731), snap.Timestamp)
	assert.Len(t, snap.Bids, 2)
	assert.Len(t, snap.Asks, 2)
	assert.True(t, snap.Bids[0].IsBid)
	assert.False(t, snap.Asks[0].IsBid)
	assert.True(t, snap.Bids[0].Price.Decimal.Equal(decimal.RequireFromString("6500.12")))

	ob := domain.NewOrderBook("BTC/USDT", 7, 0)
	assert.True(t, ob.LoadSnapshot(snap))
	assert.True(t, ob.GetTOB(false).Price.Decimal.Equal(decimal.RequireFromString("6500.15")))
}

func TestParseSnapshot_Errors(t *testing.T) {
	tests := []struct {
		name string
		raw  string
	}{
		{name: "not json", raw: `nope`},
		{name: "bad sequence", raw: `{"sequence":"x","bids":[],"asks":[]}`},
		{name: "bad level", raw: `{"sequence":"1","bids":[["1"]],"asks":[]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseSnapshot([]byte(tt.raw), "BTC/USDT", 7, 0)
			assert.Error(t, err)
		})
	}
}

func TestExchangeSymbol(t *testing.T) {
	ms, err := domain.NewMarketSymbolFromString("btc/usdt")
	require.NoError(t, err)
	assert.Equal(t, "BTC-USDT", ExchangeSymbol(ms))
}

func TestCall_ContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	release := make(chan struct{})
	defer close(release)
	_, err := call(ctx, func() (*kucoin.ApiResponse, error) {
		<-release
		return nil, nil
	})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestCall_ReturnsResult(t *testing.T) {
	boom := errors.New("boom")
	_, err := call(context.Background(), func() (*kucoin.ApiResponse, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
}
