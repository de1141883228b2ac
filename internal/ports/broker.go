package ports

import (
	"context"
	"time"

	"github.com/shopspring/decimal"

	"github.com/betbot/atomicexec/internal/domain"
)

// Small capability interfaces shared across layers (execution/gateway/stream).

// FillStatus is one observation of an order's state at the broker.
type FillStatus struct {
	State          domain.FillState
	FillPrice      *decimal.Decimal
	FilledQuantity int64      // cumulative filled quantity (may be >0 for CANCELED)
	FilledAt       *time.Time // broker-side fill time, when reported
}

type OrderPlacer interface {
	// PlaceOrder submits one forward leg and returns the broker order reference.
	PlaceOrder(ctx context.Context, leg domain.Leg) (string, error)
}

type OrderCanceler interface {
	CancelOrder(ctx context.Context, orderRef string) error
}

type FillStatusGetter interface {
	GetFillStatus(ctx context.Context, orderRef string) (FillStatus, error)
}

type MarketOrderPlacer interface {
	// PlaceMarketOrder is used only by rollback.
	PlaceMarketOrder(ctx context.Context, clientOrderID, instrument string, side domain.Side, quantity int64) (string, error)
}

// BrokerGateway is the whole broker surface the executor depends on.
type BrokerGateway interface {
	OrderPlacer
	OrderCanceler
	FillStatusGetter
	MarketOrderPlacer
}

// OrderLookup is optional: resolves an order reference from the client order id.
// Used by recovery when a crash happened between placement and persisting the reference.
type OrderLookup interface {
	LookupOrder(ctx context.Context, clientOrderID string) (orderRef string, found bool, err error)
}

// Tradability is optional: reports whether an instrument can currently be traded.
type Tradability interface {
	IsTradable(ctx context.Context, instrument string) (bool, error)
}

// FillEvent is a pushed fill notification (websocket, paper gateway).
type FillEvent struct {
	OrderRef string
	Status   FillStatus
}

// FillEventHandler receives pushed fill notifications (serial delivery recommended).
type FillEventHandler interface {
	OnFillEvent(ctx context.Context, ev FillEvent)
}
