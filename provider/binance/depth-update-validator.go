package binance

import (
	"errors"

	"github.com/spooky-finn/go-marketbook/domain"
)

// BinanceDepthUpdateValidator checks diff depth events numbered by the range U..u.
// Every delta of an event carries u as Sequence and U as FirstSequence.
type BinanceDepthUpdateValidator struct{}

func (v BinanceDepthUpdateValidator) IsValidUpd(update *domain.DeltaBookItem, orderBookLastUpdId int64) error {
	if update.Sequence == 0 {
		return nil
	}
	// Drop any event where u is <= lastUpdateId
	if update.Sequence <= orderBookLastUpdId {
		return domain.ErrOrderBookUpdateIsOutdated
	}

	first := update.FirstSequence
	if first == 0 {
		first = update.Sequence
	}
	// The first processed event should have U <= lastUpdateId+1 AND u >= lastUpdateId+1
	if first > orderBookLastUpdId+1 {
		return &domain.SequenceGapError{
			Symbol:   update.Symbol,
			Expected: orderBookLastUpdId + 1,
			Received: first,
		}
	}
	return nil
}

func (v BinanceDepthUpdateValidator) IsErrOutOfSequence(err error) bool {
	return errors.Is(err, domain.ErrOrderBookUpdateIsOutOfSequence)
}

func (v BinanceDepthUpdateValidator) IsErrOutdated(err error) bool {
	return errors.Is(err, domain.ErrOrderBookUpdateIsOutdated)
}
