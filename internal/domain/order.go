package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of an order.
type Status string

const (
	StatusPending         Status = "PENDING"
	StatusSubmitting      Status = "SUBMITTING"
	StatusSubmitted       Status = "SUBMITTED"
	StatusAccepted        Status = "ACCEPTED"
	StatusPartiallyFilled Status = "PARTIALLY_FILLED"
	StatusFilled          Status = "FILLED"
	StatusCancelled       Status = "CANCELLED"
	StatusRejected        Status = "REJECTED"
	StatusExpired         Status = "EXPIRED"
)

// IsTerminal reports whether no further transition can occur.
func (s Status) IsTerminal() bool {
	switch s {
	case StatusFilled, StatusCancelled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusSubmitting, StatusSubmitted, StatusAccepted, StatusPartiallyFilled,
		StatusFilled, StatusCancelled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// Rank orders statuses along the lifecycle. All terminal statuses share the top rank.
// An update carrying a lower rank than the current status is stale.
func (s Status) Rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusSubmitting:
		return 1
	case StatusSubmitted:
		return 2
	case StatusAccepted:
		return 3
	case StatusPartiallyFilled:
		return 4
	case StatusFilled, StatusCancelled, StatusRejected, StatusExpired:
		return 5
	}
	return -1
}

type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

func (s Side) Valid() bool { return s == SideBuy || s == SideSell }

func (s Side) Opposite() Side {
	if s == SideBuy {
		return SideSell
	}
	return SideBuy
}

type OrderType string

const (
	OrderTypeMarket OrderType = "MARKET"
	OrderTypeLimit  OrderType = "LIMIT"
)

func (t OrderType) Valid() bool { return t == OrderTypeMarket || t == OrderTypeLimit }

// Order is identified by ClientOrderID from creation on. ExchangeOrderID is
// only known once the exchange has confirmed receipt.
type Order struct {
	ClientOrderID   string              `json:"client_order_id"`
	ExchangeOrderID string              `json:"exchange_order_id,omitempty"`
	InstrumentID    string              `json:"instrument_id"`
	Side            Side                `json:"side"`
	Type            OrderType           `json:"type"`
	Quantity        decimal.Decimal     `json:"quantity"`
	FilledQuantity  decimal.Decimal     `json:"filled_quantity"`
	Price           decimal.NullDecimal `json:"price"`
	Status          Status              `json:"status"`
	Reason          string              `json:"reason,omitempty"`
	CreatedAt       time.Time           `json:"created_at"`
	UpdatedAt       time.Time           `json:"updated_at"`
}

// RemainingQuantity returns the unfilled quantity.
func (o Order) RemainingQuantity() decimal.Decimal {
	return o.Quantity.Sub(o.FilledQuantity)
}

func (o Order) IsFullyFilled() bool {
	return o.FilledQuantity.GreaterThanOrEqual(o.Quantity)
}

func (o Order) IsOpen() bool {
	return !o.Status.IsTerminal()
}
