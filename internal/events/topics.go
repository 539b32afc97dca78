package events

import (
	"strings"

	"execution-core/internal/domain"
)

// Topic namespace. Segments are dot-delimited; subscriptions may use "*" for
// exactly one segment.
const (
	TopicOrderAll         = "order.*"
	TopicPositionAll      = "position.*"
	TopicAccountAll       = "account.*"
	TopicExchangeOrderAll = "exchange.order.*"
	TopicSystemTick       = "system.tick"
)

// Request/response endpoints.
const (
	EndpointOrderSubmit = "order.submit"
	EndpointOrderCancel = "order.cancel"
)

// ValidSegment reports whether id can stand as one topic segment. Ids with a
// dot or wildcard would change the segment count of instrument and account
// topics and miss their subscribers.
func ValidSegment(id string) bool {
	return id != "" && !strings.ContainsAny(id, ".*")
}

func OrderTopic(kind OrderKind) string {
	return "order." + string(kind)
}

func MarketDataTopic(instrumentID string) string {
	return "market_data." + instrumentID
}

func OrderbookTopic(instrumentID string, kind BookUpdateKind) string {
	return "orderbook." + instrumentID + "." + string(kind)
}

func PositionTopic(instrumentID string) string {
	return "position." + instrumentID
}

func AccountTopic(accountID string) string {
	return "account." + accountID
}

func ExchangeOrderTopic(instrumentID string) string {
	return "exchange.order." + instrumentID
}

// OrderKindForStatus maps a status reached through an exchange update to the
// topic it is republished on. Statuses without a dedicated topic use "updated".
func OrderKindForStatus(s domain.Status) OrderKind {
	switch s {
	case domain.StatusPending:
		return OrderPending
	case domain.StatusSubmitting:
		return OrderSubmitting
	case domain.StatusSubmitted:
		return OrderSubmitted
	case domain.StatusAccepted:
		return OrderAccepted
	case domain.StatusPartiallyFilled:
		return OrderPartiallyFilled
	case domain.StatusFilled:
		return OrderFilled
	case domain.StatusCancelled:
		return OrderCancelled
	case domain.StatusRejected:
		return OrderRejected
	default:
		return OrderUpdated
	}
}
