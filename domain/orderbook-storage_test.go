package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrderBookStorage(t *testing.T) {
	storage := NewOrderBookStorage()
	ob := NewOrderBook("BTC/USDT", 1, 0)

	_, err := storage.Get("kucoin", "BTC/USDT")
	assert.ErrorIs(t, err, ErrProviderNotFound)
	assert.Equal(t, -1, storage.OrderBookCount("kucoin"))

	storage.Add("kucoin", ob)
	got, err := storage.Get("kucoin", "BTC/USDT")
	require.NoError(t, err)
	assert.Same(t, ob, got)
	assert.Equal(t, 1, storage.OrderBookCount("kucoin"))
	assert.Equal(t, []string{"kucoin"}, storage.Providers())

	_, err = storage.Get("kucoin", "ETH/USDT")
	assert.ErrorIs(t, err, ErrOrderBookNotFound)

	assert.True(t, storage.Remove("kucoin", "BTC/USDT"))
	assert.False(t, storage.Remove("kucoin", "BTC/USDT"))
	assert.Equal(t, -1, storage.OrderBookCount("kucoin"))
}
