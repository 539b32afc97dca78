package common

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
)

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// OrderType denotes basic order types.
type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

// OrderStatus normalizes exchange status into a small set.
type OrderStatus string

const (
	StatusNew      OrderStatus = "NEW"
	StatusPartial  OrderStatus = "PARTIAL"
	StatusFilled   OrderStatus = "FILLED"
	StatusCanceled OrderStatus = "CANCELED"
	StatusRejected OrderStatus = "REJECTED"
	StatusExpired  OrderStatus = "EXPIRED"
	StatusUnknown  OrderStatus = "UNKNOWN"
)

// Adapter abstracts a trading venue. Implementations may block and are
// always called off the event loop.
type Adapter interface {
	Submit(ctx context.Context, req SubmitRequest) (SubmitResult, error)
	Cancel(ctx context.Context, exchangeOrderID string) error
	Query(ctx context.Context, clientOrderID string) (QueryResult, error)
}

// SubmitRequest captures an order intent to be sent to an exchange.
type SubmitRequest struct {
	ClientOrderID string
	Symbol        string
	Side          Side
	Type          OrderType
	Qty           decimal.Decimal
	Price         decimal.Decimal // required for LIMIT
}

// SubmitResult returns the exchange ack.
type SubmitResult struct {
	ExchangeOrderID string
}

// QueryResult is the remote view of an order. Found is false when the
// exchange has no record of the client order id.
type QueryResult struct {
	Found           bool
	Status          OrderStatus
	FilledQty       decimal.Decimal
	ExchangeOrderID string
}

// RejectedError is a definitive refusal by the exchange, as opposed to a
// transport failure where the outcome is unknown.
type RejectedError struct {
	Reason string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("exchange rejected order: %s", e.Reason)
}
