package domain

import (
	"time"

	"github.com/shopspring/decimal"
)

type Account struct {
	ID               string          `json:"id"`
	Balance          decimal.Decimal `json:"balance"`
	AvailableBalance decimal.Decimal `json:"available_balance"`
	MarginUsed       decimal.Decimal `json:"margin_used"`
	UnrealizedPnL    decimal.Decimal `json:"unrealized_pnl"`
	RealizedPnL      decimal.Decimal `json:"realized_pnl"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

// Instrument describes a tradable symbol.
type Instrument struct {
	ID          string          `json:"id"`
	BaseAsset   string          `json:"base_asset"`
	QuoteAsset  string          `json:"quote_asset"`
	TickSize    decimal.Decimal `json:"tick_size"`
	LotSize     decimal.Decimal `json:"lot_size"`
	MinQuantity decimal.Decimal `json:"min_quantity"`
}
