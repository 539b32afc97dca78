package order

import (
	"context"

	exchange "execution-core/pkg/exchanges/common"
)

// RecoverOrders re-derives the lifecycle of every open order in the store
// from the exchange. Every open order is re-inserted into tracked so
// monitoring resumes. Differences found remotely are applied, and orders
// that reached a terminal status drop out again. Orders the exchange does
// not know, or whose query fails, stay tracked unchanged; the periodic sweep
// reports them as missing.
//
// It must run before the loop starts serving commands, and marks the
// executor ready on success.
func (e *Executor) RecoverOrders(ctx context.Context) (RecoveryReport, error) {
	var report RecoveryReport
	for _, o := range e.store.GetOpenOrders() {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		id := o.ClientOrderID
		if e.IsPending(id) || e.IsTracked(id) {
			continue
		}
		report.Checked++

		qctx, cancel := context.WithTimeout(ctx, e.cfg.SubmitTimeout)
		res, err := e.adapter.Query(qctx, id)
		cancel()

		ent := &entry{order: o}
		report.Reinstated++
		e.tracked[id] = ent
		e.indexExchangeID(id, o.ExchangeOrderID)

		switch {
		case err != nil:
			report.QueryErrors++
			e.log.Warn().Str("order_id", id).Err(err).Msg("executor: recovery query failed, tracking unchanged")
		case !res.Found:
			report.Missing++
			e.log.Warn().Str("order_id", id).Str("status", string(o.Status)).Msg("executor: recovered order not found on exchange, tracking unchanged")
		default:
			if e.applyUpdate(ent, e.updateFromQuery(o, res)) {
				report.Updated++
			}
		}
	}

	e.ready = true
	e.log.Info().
		Int("checked", report.Checked).
		Int("reinstated", report.Reinstated).
		Int("updated", report.Updated).
		Int("missing", report.Missing).
		Int("query_errors", report.QueryErrors).
		Msg("executor: recovery complete")
	return report, nil
}

// ApplyQueryResult merges a periodic query result into a tracked order and
// reports whether anything changed. Pending orders are left to their own
// reconciliation check.
func (e *Executor) ApplyQueryResult(id string, res exchange.QueryResult) bool {
	ent, ok := e.tracked[id]
	if !ok {
		return false
	}
	if !res.Found {
		e.log.Warn().Str("order_id", id).Msg("executor: tracked order missing on exchange")
		return false
	}
	return e.applyUpdate(ent, e.updateFromQuery(ent.order, res))
}
