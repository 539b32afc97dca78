package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var ErrOrderIDRequired = errors.New("order_id is required")

// Insert statements shared with the journal's batch writer.
const (
	InsertOrderEvent = `
		INSERT INTO order_events (order_id, exchange_order_id, kind, instrument, side, order_type,
			status, qty, filled_qty, price, reason, event_time)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	InsertReconciliationReport = `
		INSERT INTO reconciliation_reports (checked, diffs, synced, query_errors, detail, swept_at)
		VALUES (?, ?, ?, ?, ?, ?)`
)

// JournalQueries reads the audit journal. Nothing at startup depends on it.
type JournalQueries struct {
	db *sql.DB
}

func NewJournalQueries(db *sql.DB) *JournalQueries {
	return &JournalQueries{db: db}
}

// OrderHistory returns the journaled events of one order, oldest first.
func (q *JournalQueries) OrderHistory(ctx context.Context, orderID string) ([]OrderEventRow, error) {
	if orderID == "" {
		return nil, ErrOrderIDRequired
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, order_id, COALESCE(exchange_order_id, ''), kind, instrument, side, order_type,
			status, qty, filled_qty, COALESCE(price, ''), reason, event_time
		FROM order_events
		WHERE order_id = ?
		ORDER BY id
	`, orderID)
	if err != nil {
		return nil, fmt.Errorf("query order events: %w", err)
	}
	defer rows.Close()

	var out []OrderEventRow
	for rows.Next() {
		var r OrderEventRow
		if err := rows.Scan(&r.ID, &r.OrderID, &r.ExchangeOrderID, &r.Kind, &r.Instrument, &r.Side, &r.OrderType,
			&r.Status, &r.Qty, &r.FilledQty, &r.Price, &r.Reason, &r.EventTime); err != nil {
			return nil, fmt.Errorf("scan order event: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// CountOrderEvents counts journaled events, optionally of one kind.
func (q *JournalQueries) CountOrderEvents(ctx context.Context, kind string) (int, error) {
	var (
		n   int
		err error
	)
	if kind == "" {
		err = q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM order_events`).Scan(&n)
	} else {
		err = q.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM order_events WHERE kind = ?`, kind).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("count order events: %w", err)
	}
	return n, nil
}

// RecentReports returns up to limit reconciliation reports, newest first.
func (q *JournalQueries) RecentReports(ctx context.Context, limit int) ([]ReconciliationReportRow, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := q.db.QueryContext(ctx, `
		SELECT id, checked, diffs, synced, query_errors, detail, swept_at
		FROM reconciliation_reports
		ORDER BY id DESC
		LIMIT ?
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("query reconciliation reports: %w", err)
	}
	defer rows.Close()

	var out []ReconciliationReportRow
	for rows.Next() {
		var r ReconciliationReportRow
		if err := rows.Scan(&r.ID, &r.Checked, &r.Diffs, &r.Synced, &r.QueryErrors, &r.Detail, &r.SweptAt); err != nil {
			return nil, fmt.Errorf("scan reconciliation report: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// UTC normalizes timestamps before they are written.
func UTC(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
