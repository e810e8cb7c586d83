package domain

import "context"

// ProviderSyncAPI fetches full books over a request/response channel, used for the
// initial load and every resync.
type ProviderSyncAPI interface {
	OrderBookSnapshot(ctx context.Context, symbol string, limit int) (*OrderBookSnapshot, error)
}

// ProviderStreamAPI pushes decoded market messages until ctx is cancelled.
type ProviderStreamAPI interface {
	Run(ctx context.Context, out chan<- MarketMessage) error
}

type ConnManager interface {
	SyncAPI(provider string) (ProviderSyncAPI, error)
}
