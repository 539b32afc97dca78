package risk

import (
	"time"

	"execution-core/internal/domain"

	"github.com/shopspring/decimal"
)

// Config defines pre-submission limits. A zero limit disables that check.
type Config struct {
	Enabled          bool            `json:"enabled"`
	MaxPositionSize  decimal.Decimal `json:"max_position_size"`
	MaxOrderSize     decimal.Decimal `json:"max_order_size"`
	MaxOpenOrders    int             `json:"max_open_orders"`
	MinOrderInterval time.Duration   `json:"min_order_interval"`
}

// DefaultConfig returns limits suitable for dry runs.
func DefaultConfig() Config {
	return Config{
		Enabled:         true,
		MaxPositionSize: decimal.NewFromInt(10),
		MaxOrderSize:    decimal.NewFromInt(5),
		MaxOpenOrders:   50,
	}
}

// Request is the order intent being checked.
type Request struct {
	InstrumentID string
	Side         domain.Side
	Type         domain.OrderType
	Quantity     decimal.Decimal
	Price        decimal.NullDecimal
}

// View is the read-only state the checks need.
type View interface {
	GetPosition(instrumentID string) (domain.Position, bool)
	OpenOrderCount() int
}

// Metrics tracks check outcomes.
type Metrics struct {
	ChecksTotal     uint64 `json:"checks_total"`
	RejectionsTotal uint64 `json:"rejections_total"`
}

// ValidationError is a malformed order or a limit breach. Nothing is tracked
// for a request that fails with it.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return "validation: " + e.Reason
}
