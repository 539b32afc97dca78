package db

import "time"

// OrderEventRow is one journaled lifecycle event.
type OrderEventRow struct {
	ID              int64     `json:"id"`
	OrderID         string    `json:"order_id"`
	ExchangeOrderID string    `json:"exchange_order_id,omitempty"`
	Kind            string    `json:"kind"`
	Instrument      string    `json:"instrument"`
	Side            string    `json:"side"`
	OrderType       string    `json:"order_type"`
	Status          string    `json:"status"`
	Qty             string    `json:"qty"`
	FilledQty       string    `json:"filled_qty"`
	Price           string    `json:"price,omitempty"`
	Reason          string    `json:"reason,omitempty"`
	EventTime       time.Time `json:"event_time"`
}

// ReconciliationReportRow is a sweep that found differences. Detail holds
// the per-order diffs as JSON.
type ReconciliationReportRow struct {
	ID          int64     `json:"id"`
	Checked     int       `json:"checked"`
	Diffs       int       `json:"diffs"`
	Synced      int       `json:"synced"`
	QueryErrors int       `json:"query_errors"`
	Detail      string    `json:"detail"`
	SweptAt     time.Time `json:"swept_at"`
}
