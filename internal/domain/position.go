package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type PositionSide string

const (
	PositionLong  PositionSide = "LONG"
	PositionShort PositionSide = "SHORT"
)

// Position holds an absolute Quantity with its direction in Side.
// A flat position is never stored.
type Position struct {
	InstrumentID  string          `json:"instrument_id"`
	Side          PositionSide    `json:"side"`
	Quantity      decimal.Decimal `json:"quantity"`
	EntryPrice    decimal.Decimal `json:"entry_price"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
	RealizedPnL   decimal.Decimal `json:"realized_pnl"`
	Margin        decimal.Decimal `json:"margin"`
	Leverage      decimal.Decimal `json:"leverage"`
	UpdatedAt     time.Time       `json:"updated_at"`
}

func (p Position) IsFlat() bool {
	return p.Quantity.IsZero()
}

// SignedQuantity is positive for long and negative for short.
func (p Position) SignedQuantity() decimal.Decimal {
	if p.Side == PositionShort {
		return p.Quantity.Neg()
	}
	return p.Quantity
}

// ApplyFill returns the position after a fill of qty at price.
// Adding to the position averages the entry price; the closing part of a
// reducing fill realizes PnL against the entry; a flip re-enters at price.
func (p Position) ApplyFill(side Side, qty, price decimal.Decimal, now time.Time) Position {
	if !qty.IsPositive() {
		return p
	}
	old := p.SignedQuantity()
	delta := qty
	if side == SideSell {
		delta = qty.Neg()
	}
	next := old.Add(delta)

	out := p
	out.UpdatedAt = now

	switch {
	case old.IsZero() || old.Sign() == delta.Sign():
		total := next.Abs()
		out.EntryPrice = p.EntryPrice.Mul(old.Abs()).Add(price.Mul(qty)).Div(total)
	default:
		closing := decimal.Min(old.Abs(), qty)
		pnl := price.Sub(p.EntryPrice).Mul(closing)
		if old.IsNegative() {
			pnl = pnl.Neg()
		}
		out.RealizedPnL = p.RealizedPnL.Add(pnl)
		switch {
		case next.IsZero():
			out.EntryPrice = decimal.Zero
		case next.Sign() != old.Sign():
			out.EntryPrice = price
		}
	}

	out.Quantity = next.Abs()
	switch {
	case next.IsPositive():
		out.Side = PositionLong
	case next.IsNegative():
		out.Side = PositionShort
	}
	return out
}

// MarkTo recomputes unrealized PnL at the given mark price.
func (p Position) MarkTo(mark decimal.Decimal) Position {
	p.UnrealizedPnL = mark.Sub(p.EntryPrice).Mul(p.SignedQuantity())
	return p
}
