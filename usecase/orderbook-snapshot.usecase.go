package usecase

import (
	"context"
	"errors"
	"fmt"

	"github.com/spooky-finn/go-marketbook/domain"
	"go.uber.org/zap"
)

type OrderBookSnapshotUseCase struct {
	connManager domain.ConnManager
	storage     *domain.OrderBookStorage
	logger      *zap.Logger
}

// NewOrderBookSnapshotUseCase reads live books from storage. connManager may be nil,
// then books that are missing or resyncing are reported as not found.
func NewOrderBookSnapshotUseCase(
	storage *domain.OrderBookStorage,
	connManager domain.ConnManager,
	logger *zap.Logger,
) *OrderBookSnapshotUseCase {
	return &OrderBookSnapshotUseCase{
		connManager: connManager,
		storage:     storage,
		logger:      logger.Named("orderbook-snapshot-usecase"),
	}
}

// GetOrderBookSnapshot returns the orderbook snapshot from the runtime storage or from
// the provider api while the local book is missing or outdated.
func (o *OrderBookSnapshotUseCase) GetOrderBookSnapshot(
	ctx context.Context, provider string, symbol string, limit int,
) (*domain.OrderBookSnapshot, error) {
	marketSymbol, err := domain.NewMarketSymbolFromString(symbol)
	if err != nil {
		return nil, err
	}
	key := marketSymbol.Display()

	orderbook, err := o.storage.Get(provider, key)
	switch {
	case err == nil && orderbook.Status() == domain.OrderBookStatus_Ok:
		return orderbook.TakeSnapshot(limit), nil
	case err == nil:
		o.logger.Debug("orderbook is outdated, provider snapshot returned",
			zap.String("provider", provider), zap.String("symbol", key))
	case !errors.Is(err, domain.ErrOrderBookNotFound) && !errors.Is(err, domain.ErrProviderNotFound):
		return nil, err
	}

	if o.connManager == nil {
		if err == nil {
			// outdated but still the best there is
			return orderbook.TakeSnapshot(limit), nil
		}
		return nil, err
	}

	syncAPI, apiErr := o.connManager.SyncAPI(provider)
	if apiErr != nil {
		if err != nil {
			return nil, fmt.Errorf("%w: %s", err, apiErr)
		}
		return orderbook.TakeSnapshot(limit), nil
	}
	return syncAPI.OrderBookSnapshot(ctx, key, limit)
}
