package events

import (
	"time"

	"execution-core/internal/domain"

	"github.com/shopspring/decimal"
)

// Event is the closed set of payloads carried by the Router. The unexported
// marker keeps the set sealed; consumers switch over the concrete types below.
type Event interface {
	event()
}

// MarketData is a top-of-book / last trade update for one instrument.
type MarketData struct {
	InstrumentID string
	Bid          decimal.Decimal
	Ask          decimal.Decimal
	Last         decimal.Decimal
	Time         time.Time
}

type PriceLevel struct {
	Price    decimal.Decimal
	Quantity decimal.Decimal
}

type BookUpdateKind string

const (
	BookSnapshot BookUpdateKind = "snapshot"
	BookDelta    BookUpdateKind = "delta"
)

type OrderbookUpdate struct {
	InstrumentID string
	Kind         BookUpdateKind
	Bids         []PriceLevel
	Asks         []PriceLevel
	Time         time.Time
}

// OrderKind names the lifecycle topic an OrderEvent was published on.
type OrderKind string

const (
	OrderPending         OrderKind = "pending"
	OrderSubmitting      OrderKind = "submitting"
	OrderSubmitted       OrderKind = "submitted"
	OrderAccepted        OrderKind = "accepted"
	OrderPartiallyFilled OrderKind = "partially_filled"
	OrderFilled          OrderKind = "filled"
	OrderCancelled       OrderKind = "cancelled"
	OrderRejected        OrderKind = "rejected"
	OrderUpdated         OrderKind = "updated"
)

// OrderEvent carries a full snapshot of the order after a lifecycle step.
type OrderEvent struct {
	Kind   OrderKind    `json:"kind"`
	Order  domain.Order `json:"order"`
	Reason string       `json:"reason,omitempty"`
	Time   time.Time    `json:"time"`
}

// ExchangeOrderUpdate is an inbound confirmation from the exchange side.
// FilledQuantity is cumulative.
type ExchangeOrderUpdate struct {
	ClientOrderID   string
	ExchangeOrderID string
	InstrumentID    string
	Status          domain.Status
	FilledQuantity  decimal.Decimal
	LastFillPrice   decimal.Decimal
	Reason          string
	Time            time.Time
}

type PositionEvent struct {
	Position domain.Position `json:"position"`
	Time     time.Time       `json:"time"`
}

type AccountEvent struct {
	Account domain.Account
	Time    time.Time
}

type Tick struct {
	Time time.Time
}

func (MarketData) event()          {}
func (OrderbookUpdate) event()     {}
func (OrderEvent) event()          {}
func (ExchangeOrderUpdate) event() {}
func (PositionEvent) event()       {}
func (AccountEvent) event()        {}
func (Tick) event()                {}
