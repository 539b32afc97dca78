package order

import (
	"time"

	"execution-core/internal/domain"
	exchange "execution-core/pkg/exchanges/common"

	"github.com/shopspring/decimal"
)

// Config holds lifecycle timeouts.
type Config struct {
	// SubmitTimeout bounds the submit call and delays the reconciliation
	// check of an order whose submit failed.
	SubmitTimeout time.Duration
	// CancelTimeout bounds the cancel call. Nothing is retried after it.
	CancelTimeout time.Duration
	// ReconcileMaxAttempts failed queries flag a pending order as stalled.
	// Queries continue after that; a transport error never rejects.
	ReconcileMaxAttempts int
	// ReconcileMaxBackoff caps the doubling delay between failed queries.
	ReconcileMaxBackoff time.Duration
}

func DefaultConfig() Config {
	return Config{
		SubmitTimeout:        5 * time.Second,
		CancelTimeout:        5 * time.Second,
		ReconcileMaxAttempts: 5,
		ReconcileMaxBackoff:  time.Minute,
	}
}

// SubmitRequest is the order.submit endpoint payload.
type SubmitRequest struct {
	InstrumentID string              `json:"instrument"`
	Side         domain.Side         `json:"side"`
	Type         domain.OrderType    `json:"type"`
	Quantity     decimal.Decimal     `json:"quantity"`
	Price        decimal.NullDecimal `json:"price"`
}

type SubmitResponse struct {
	OrderID string `json:"order_id"`
}

// CancelRequest is the order.cancel endpoint payload.
type CancelRequest struct {
	OrderID string `json:"order_id"`
}

// CancelResponse reports whether the cancel was forwarded to the exchange.
// The resulting status arrives later as an exchange update.
type CancelResponse struct {
	Success bool `json:"success"`
}

// ExecutionResult is handed to async completion callbacks.
type ExecutionResult struct {
	OrderID   string        `json:"order_id"`
	Success   bool          `json:"success"`
	Error     error         `json:"-"`
	ErrorMsg  string        `json:"error,omitempty"`
	Latency   time.Duration `json:"latency_ms"`
	Timestamp time.Time     `json:"timestamp"`
}

// RecoveryReport summarizes RecoverOrders.
type RecoveryReport struct {
	Checked     int `json:"checked"`
	Reinstated  int `json:"reinstated"`
	Updated     int `json:"updated"`
	Missing     int `json:"missing"`
	QueryErrors int `json:"query_errors"`
}

type Stats struct {
	Pending int  `json:"pending"`
	Tracked int  `json:"tracked"`
	Ready   bool `json:"ready"`
}

// StatusFromExchange maps the adapter's normalized status to the lifecycle.
// A found order with an unrecognized status is at least Submitted.
func StatusFromExchange(s exchange.OrderStatus) domain.Status {
	switch s {
	case exchange.StatusNew:
		return domain.StatusAccepted
	case exchange.StatusPartial:
		return domain.StatusPartiallyFilled
	case exchange.StatusFilled:
		return domain.StatusFilled
	case exchange.StatusCanceled:
		return domain.StatusCancelled
	case exchange.StatusRejected:
		return domain.StatusRejected
	case exchange.StatusExpired:
		return domain.StatusExpired
	default:
		return domain.StatusSubmitted
	}
}

func toSubmitRequest(o domain.Order) exchange.SubmitRequest {
	req := exchange.SubmitRequest{
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.InstrumentID,
		Side:          exchange.Side(o.Side),
		Type:          exchange.OrderType(o.Type),
		Qty:           o.Quantity,
	}
	if o.Price.Valid {
		req.Price = o.Price.Decimal
	}
	return req
}
