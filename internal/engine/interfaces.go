package engine

import (
	"context"

	"shortbot/pkg/types"
)

// Gateway is the slice of the exchange client the engine drives. It is an
// interface so lifecycle tests can run against a fake exchange.
type Gateway interface {
	SymbolInfo(ctx context.Context, pair string) (types.SymbolInfo, error)
	BestBid(ctx context.Context, pair string) (float64, error)
	BestAsk(ctx context.Context, pair string) (float64, error)
	Quantity(ctx context.Context, pair string, price float64) (float64, error)

	OpenShort(ctx context.Context, pair string, qty, price float64, match types.PriceMatch) (types.OrderResult, error)
	OpenShortMarket(ctx context.Context, pair string, qty float64) (types.OrderResult, error)
	PlaceTP(ctx context.Context, pair string, qty, entryPrice float64) (types.OrderResult, error)
	PlaceSL(ctx context.Context, pair string, qty, entryPrice float64) (types.OrderResult, error)
	CloseLimit(ctx context.Context, pair string, qty, price float64) (types.OrderResult, error)
	CloseBBO(ctx context.Context, pair string, qty float64) (types.OrderResult, error)
	CloseMarket(ctx context.Context, pair string, qty float64) (types.OrderResult, error)

	Cancel(ctx context.Context, pair, orderID string) error
	GetOrder(ctx context.Context, pair, orderID string) (types.OrderResult, error)
	OpenOrders(ctx context.Context, pair string) ([]types.OpenOrder, error)
	OpenAlgoOrders(ctx context.Context, pair string) ([]types.OpenOrder, error)
	Positions(ctx context.Context) ([]types.PositionInfo, error)
}

// Stream registers order ids with the user-data stream so their fills come
// back through the engine callbacks.
type Stream interface {
	RegisterEntry(id int64)
	RegisterTP(id int64)
	RegisterSL(id int64)
	Unregister(id int64)
}

// Store is the slice of the state store the engine writes through.
type Store interface {
	SaveTrade(*types.Trade) error
	SaveEvent(*types.Event) error
}

// EventSink receives every emitted event after it is persisted (dashboard
// broadcast). May be nil.
type EventSink func(*types.Event)
