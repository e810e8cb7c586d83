package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type TradeSide uint8

const (
	TradeSideUnknown TradeSide = iota
	TradeSideBuy
	TradeSideSell
)

func (s TradeSide) String() string {
	switch s {
	case TradeSideBuy:
		return "buy"
	case TradeSideSell:
		return "sell"
	default:
		return "unknown"
	}
}

func ParseTradeSide(s string) TradeSide {
	switch s {
	case "buy", "Buy", "BUY", "b":
		return TradeSideBuy
	case "sell", "Sell", "SELL", "s":
		return TradeSideSell
	default:
		return TradeSideUnknown
	}
}

// Trade is a single print. It is handed out by a pool, so consumers copy the value
// and never keep the pointer after delivery.
type Trade struct {
	Symbol       string
	Price        decimal.Decimal
	Size         decimal.Decimal
	Side         TradeSide
	ProviderID   int
	ProviderName string
	TradeID      string
	Timestamp    time.Time
}

func (t *Trade) Reset() {
	*t = Trade{}
}

// Notional is price times size.
func (t Trade) Notional() decimal.Decimal {
	return t.Price.Mul(t.Size)
}
