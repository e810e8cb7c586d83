package rpc

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"
	"github.com/spooky-finn/go-marketbook/domain"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// GetOrderBookSnapshot expects {provider, market, maxDepth} and answers
// {source, symbol, sequence, bids: [{price, qty}], asks}.
func (s *server) GetOrderBookSnapshot(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	provider := stringField(in, "provider")
	if !s.validationService.IsSupportedProvider(provider) {
		return nil, status.Errorf(codes.InvalidArgument, "provider %s is not supported", provider)
	}
	market, err := s.validationService.MarketSymbol(stringField(in, "market"))
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	snapshot, err := s.orderbookSnapshotUseCase.GetOrderBookSnapshot(ctx, provider, market, int(numberField(in, "maxDepth")))
	switch {
	case errors.Is(err, domain.ErrOrderBookNotFound), errors.Is(err, domain.ErrProviderNotFound):
		return nil, status.Error(codes.NotFound, err.Error())
	case err != nil:
		return nil, status.Error(codes.Unavailable, err.Error())
	}

	return structpb.NewStruct(map[string]interface{}{
		"source":   selectOrderBookSource(snapshot.Source),
		"symbol":   snapshot.Symbol,
		"sequence": snapshot.Sequence,
		"bids":     levels(snapshot.Bids),
		"asks":     levels(snapshot.Asks),
	})
}

// StreamTopOfBook expects {provider, market} and sends one top of book message per
// order book update. An empty market streams every book of the provider.
func (s *server) StreamTopOfBook(in *structpb.Struct, stream grpc.ServerStream) error {
	if s.books == nil {
		return status.Error(codes.Unimplemented, "top of book streaming is disabled")
	}
	provider := stringField(in, "provider")
	if !s.validationService.IsSupportedProvider(provider) {
		return status.Errorf(codes.InvalidArgument, "provider %s is not supported", provider)
	}
	market := ""
	if m := stringField(in, "market"); m != "" {
		var err error
		if market, err = s.validationService.MarketSymbol(m); err != nil {
			return status.Error(codes.InvalidArgument, err.Error())
		}
	}

	ctx := stream.Context()
	updates := make(chan *structpb.Struct, 64)
	done := make(chan struct{})
	sub, err := s.books.Subscribe(func(ob *domain.OrderBook) {
		if ob.ProviderName != provider || (market != "" && ob.Symbol != market) {
			return
		}
		msg, err := topOfBook(ob)
		if err != nil {
			return
		}
		select {
		case updates <- msg:
		case <-done:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return status.Error(codes.Unavailable, err.Error())
	}
	defer func() {
		// unblocks the callback before Unsubscribe waits for it
		close(done)
		s.books.Unsubscribe(sub.ID)
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg := <-updates:
			if err := stream.SendMsg(msg); err != nil {
				return err
			}
		}
	}
}

func topOfBook(ob *domain.OrderBook) (*structpb.Struct, error) {
	bid := ob.GetTOB(true)
	ask := ob.GetTOB(false)
	return structpb.NewStruct(map[string]interface{}{
		"provider":  ob.ProviderName,
		"symbol":    ob.Symbol,
		"sequence":  ob.Sequence(),
		"bidPrice":  nullString(bid.Price),
		"bidQty":    nullString(bid.Size),
		"askPrice":  nullString(ask.Price),
		"askQty":    nullString(ask.Size),
		"mid":       nullString(ob.MidPrice()),
		"imbalance": ob.ImbalanceValue(),
	})
}

func levels(items []domain.BookItem) []interface{} {
	out := make([]interface{}, 0, len(items))
	for _, item := range items {
		out = append(out, map[string]interface{}{
			"price": nullString(item.Price),
			"qty":   nullString(item.Size),
		})
	}
	return out
}

func nullString(d decimal.NullDecimal) string {
	if !d.Valid {
		return ""
	}
	return d.Decimal.String()
}

func selectOrderBookSource(source domain.OrderBookSource) string {
	switch source {
	case domain.OrderBookSource_LocalOrderBook, domain.OrderBookSource_Provider:
		return string(source)
	default:
		return "Unknown"
	}
}

func stringField(in *structpb.Struct, name string) string {
	if v, ok := in.GetFields()[name]; ok {
		return v.GetStringValue()
	}
	return ""
}

func numberField(in *structpb.Struct, name string) float64 {
	if v, ok := in.GetFields()[name]; ok {
		return v.GetNumberValue()
	}
	return 0
}
