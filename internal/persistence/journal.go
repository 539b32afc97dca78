package persistence

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"execution-core/internal/events"
	"execution-core/internal/reconciliation"
	"execution-core/pkg/db"

	"github.com/rs/zerolog"
)

// Subscriber is the part of the router the journal listens on.
type Subscriber interface {
	Subscribe(pattern string, h events.Handler) (events.SubscriptionHandle, error)
	Unsubscribe(h events.SubscriptionHandle)
}

// Journal appends every order lifecycle event to SQLite. It is write-only:
// recovery re-derives state from the exchange and never reads it back.
type Journal struct {
	writer *BatchWriter
	log    zerolog.Logger
	sub    Subscriber
	handle events.SubscriptionHandle
}

func NewJournal(database *db.Database, batchSize int, flushInterval time.Duration, log zerolog.Logger) *Journal {
	return &Journal{
		writer: NewBatchWriter(database.DB, batchSize, flushInterval, log),
		log:    log,
	}
}

// Attach subscribes the journal to order.*.
func (j *Journal) Attach(sub Subscriber) error {
	h, err := sub.Subscribe(events.TopicOrderAll, j.onOrder)
	if err != nil {
		return fmt.Errorf("journal: subscribe: %w", err)
	}
	j.sub, j.handle = sub, h
	return nil
}

func (j *Journal) onOrder(_ string, ev events.Event) error {
	oe, ok := ev.(events.OrderEvent)
	if !ok {
		return nil
	}
	o := oe.Order
	var price any
	if o.Price.Valid {
		price = o.Price.Decimal.String()
	}
	reason := oe.Reason
	if reason == "" {
		reason = o.Reason
	}
	j.writer.WriteQuery("order_events", db.InsertOrderEvent,
		o.ClientOrderID, o.ExchangeOrderID, string(oe.Kind), o.InstrumentID, string(o.Side), string(o.Type),
		string(o.Status), o.Quantity.String(), o.FilledQuantity.String(), price, reason, db.UTC(oe.Time))
	return nil
}

// RecordReconciliation queues a sweep report for the reconciliation_reports table.
func (j *Journal) RecordReconciliation(_ context.Context, report *reconciliation.Report) error {
	detail, err := json.Marshal(report.OrderDiffs)
	if err != nil {
		return fmt.Errorf("journal: encode report: %w", err)
	}
	j.writer.WriteQuery("reconciliation_reports", db.InsertReconciliationReport,
		report.Checked, len(report.OrderDiffs), report.SyncedCount, report.QueryErrors, string(detail), db.UTC(report.Timestamp))
	return nil
}

func (j *Journal) Flush() error { return j.writer.Flush() }

func (j *Journal) Metrics() BatchWriterMetrics { return j.writer.GetMetrics() }

// Close flushes what is buffered and stops the writer. Call Detach on the
// loop first.
func (j *Journal) Close() error {
	return j.writer.Close()
}

// Detach unsubscribes from the router. It must run on the loop.
func (j *Journal) Detach() {
	if j.sub != nil {
		j.sub.Unsubscribe(j.handle)
		j.sub = nil
	}
}
