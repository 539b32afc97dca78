package order

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"execution-core/internal/domain"
	"execution-core/internal/events"
	"execution-core/internal/loop"
	"execution-core/internal/risk"
	exchange "execution-core/pkg/exchanges/common"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Router is the part of the message router the executor uses.
type Router interface {
	Publish(topic string, ev events.Event) error
	Subscribe(pattern string, h events.Handler) (events.SubscriptionHandle, error)
	Unsubscribe(h events.SubscriptionHandle)
	Register(endpoint string, h events.RequestHandler) error
}

// StateView is the read side of the state store.
type StateView interface {
	GetOrder(id string) (domain.Order, bool)
	GetOpenOrders() []domain.Order
	GetPosition(instrumentID string) (domain.Position, bool)
	OpenOrderCount() int
}

// RiskChecker runs pre-submission checks.
type RiskChecker interface {
	Check(req risk.Request, view risk.View) error
}

// Observer receives lifecycle outcomes, typically for metrics.
type Observer interface {
	SubmitCompleted(outcome string, latency time.Duration)
	ReconcileCompleted(outcome string)
	CancelCompleted(outcome string)
}

// Outcome labels passed to Observer.
const (
	OutcomeOK              = "ok"
	OutcomeTransportError  = "transport_error"
	OutcomeRejected        = "rejected"
	OutcomeRiskRejected    = "risk_rejected"
	OutcomeConfirmedPush   = "confirmed_push"
	OutcomeConfirmedQuery  = "confirmed_query"
	OutcomeNotFound        = "not_found"
	OutcomeRetry           = "retry"
	OutcomeStalled         = "stalled"
	OutcomeAlreadyResolved = "already_resolved"
)

type nopObserver struct{}

func (nopObserver) SubmitCompleted(string, time.Duration) {}
func (nopObserver) ReconcileCompleted(string)             {}
func (nopObserver) CancelCompleted(string)                {}

type entry struct {
	order             domain.Order
	attempts          int
	querying          bool
	timer             loop.Timer
	cancelRequestedAt time.Time
}

// Executor drives the order lifecycle. Every order it owns is in exactly one
// of pending (pre-tracked, outcome unknown) or tracked (confirmed by the
// exchange, still active) until it reaches a terminal status, after which it
// is in neither.
//
// Executor is confined to the event loop. Adapter calls run through the
// scheduler's Go and finish back on the loop.
type Executor struct {
	cfg     Config
	router  Router
	store   StateView
	adapter exchange.Adapter
	sched   loop.Scheduler
	risk    RiskChecker
	ids     IDGenerator
	obs     Observer
	log     zerolog.Logger

	pending      map[string]*entry
	tracked      map[string]*entry
	byExchangeID map[string]string

	sub   events.SubscriptionHandle
	ready bool
}

type Option func(*Executor)

func WithRisk(r RiskChecker) Option { return func(e *Executor) { e.risk = r } }

func WithObserver(o Observer) Option { return func(e *Executor) { e.obs = o } }

func WithIDGenerator(g IDGenerator) Option { return func(e *Executor) { e.ids = g } }

func WithLogger(l zerolog.Logger) Option { return func(e *Executor) { e.log = l } }

// NewExecutor wires the executor and subscribes it to exchange.order.*.
func NewExecutor(cfg Config, router Router, store StateView, adapter exchange.Adapter, sched loop.Scheduler, opts ...Option) (*Executor, error) {
	if router == nil || store == nil || adapter == nil || sched == nil {
		return nil, errors.New("executor: router, store, adapter and scheduler are required")
	}
	def := DefaultConfig()
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = def.SubmitTimeout
	}
	if cfg.CancelTimeout <= 0 {
		cfg.CancelTimeout = def.CancelTimeout
	}
	if cfg.ReconcileMaxAttempts <= 0 {
		cfg.ReconcileMaxAttempts = def.ReconcileMaxAttempts
	}
	if cfg.ReconcileMaxBackoff < cfg.SubmitTimeout {
		cfg.ReconcileMaxBackoff = max(def.ReconcileMaxBackoff, cfg.SubmitTimeout)
	}

	e := &Executor{
		cfg:          cfg,
		router:       router,
		store:        store,
		adapter:      adapter,
		sched:        sched,
		ids:          PrefixedIDs{},
		obs:          nopObserver{},
		log:          zerolog.Nop(),
		pending:      make(map[string]*entry),
		tracked:      make(map[string]*entry),
		byExchangeID: make(map[string]string),
	}
	for _, opt := range opts {
		opt(e)
	}

	h, err := router.Subscribe(events.TopicExchangeOrderAll, e.handleExchangeEvent)
	if err != nil {
		return nil, fmt.Errorf("executor: subscribe %s: %w", events.TopicExchangeOrderAll, err)
	}
	e.sub = h
	return e, nil
}

func (e *Executor) Close() {
	e.router.Unsubscribe(e.sub)
}

func (e *Executor) handleExchangeEvent(_ string, ev events.Event) error {
	switch u := ev.(type) {
	case events.ExchangeOrderUpdate:
		e.OnExchangeOrderUpdate(u)
	case events.MarketData, events.OrderbookUpdate, events.OrderEvent, events.PositionEvent, events.AccountEvent, events.Tick:
	}
	return nil
}

// NewOrder builds a Pending order with a fresh client order id.
func (e *Executor) NewOrder(req SubmitRequest) domain.Order {
	now := e.sched.Now()
	return domain.Order{
		ClientOrderID: e.ids.NextID(),
		InstrumentID:  req.InstrumentID,
		Side:          req.Side,
		Type:          req.Type,
		Quantity:      req.Quantity,
		Price:         req.Price,
		Status:        domain.StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// CheckRisk runs the configured pre-submission checks.
func (e *Executor) CheckRisk(req SubmitRequest) error {
	if e.risk == nil {
		return nil
	}
	err := e.risk.Check(risk.Request{
		InstrumentID: req.InstrumentID,
		Side:         req.Side,
		Type:         req.Type,
		Quantity:     req.Quantity,
		Price:        req.Price,
	}, e.store)
	if err != nil {
		e.obs.SubmitCompleted(OutcomeRiskRejected, 0)
	}
	return err
}

// TrackOrder records the order in pending before any network call and
// publishes order.pending. The instrument id must be usable as a topic
// segment, or its confirmations would never reach the executor.
func (e *Executor) TrackOrder(o domain.Order) error {
	id := o.ClientOrderID
	if id == "" {
		return errors.New("track order: client order id is empty")
	}
	if !events.ValidSegment(o.InstrumentID) {
		return &risk.ValidationError{Reason: fmt.Sprintf("instrument %q is not a valid topic segment", o.InstrumentID)}
	}
	if e.IsPending(id) || e.IsTracked(id) {
		return fmt.Errorf("track order %s: %w", id, ErrDuplicateOrder)
	}
	if _, exists := e.store.GetOrder(id); exists {
		return fmt.Errorf("track order %s: %w", id, ErrDuplicateOrder)
	}

	now := e.sched.Now()
	o.Status = domain.StatusPending
	if o.CreatedAt.IsZero() {
		o.CreatedAt = now
	}
	o.UpdatedAt = now
	e.pending[id] = &entry{order: o}
	e.publishOrder(events.OrderPending, o)
	e.log.Debug().Str("order_id", id).Str("instrument", o.InstrumentID).Msg("executor: order pre-tracked")
	return nil
}

// SubmitOrder sends a pending order and blocks for the adapter round trip.
// Code running on the event loop uses SubmitOrderAsync instead.
func (e *Executor) SubmitOrder(ctx context.Context, o domain.Order) error {
	id := o.ClientOrderID
	req, err := e.beginSubmit(id)
	if err != nil {
		return err
	}
	started := e.sched.Now()
	cctx, cancel := context.WithTimeout(ctx, e.cfg.SubmitTimeout)
	defer cancel()
	res, serr := e.adapter.Submit(cctx, req)
	return e.finishSubmit(id, res, serr, started)
}

// SubmitOrderAsync runs the submit off the loop and finishes it on the loop.
// done, if set, runs on the loop after the outcome has been applied.
func (e *Executor) SubmitOrderAsync(ctx context.Context, o domain.Order, done func(ExecutionResult)) error {
	id := o.ClientOrderID
	req, err := e.beginSubmit(id)
	if err != nil {
		return err
	}
	started := e.sched.Now()
	var (
		res  exchange.SubmitResult
		serr error
	)
	e.sched.Go(func() {
		cctx, cancel := context.WithTimeout(ctx, e.cfg.SubmitTimeout)
		defer cancel()
		res, serr = e.adapter.Submit(cctx, req)
	}, func() {
		ferr := e.finishSubmit(id, res, serr, started)
		if done != nil {
			done(e.result(id, ferr, started))
		}
	})
	return nil
}

// PlaceOrder checks risk, pre-tracks and submits synchronously. The returned
// order carries the client order id even when the submit failed.
func (e *Executor) PlaceOrder(ctx context.Context, req SubmitRequest) (domain.Order, error) {
	o, err := e.admit(req)
	if err != nil {
		return domain.Order{}, err
	}
	return o, e.SubmitOrder(ctx, o)
}

// PlaceOrderAsync checks risk and pre-tracks on the caller's turn, then
// submits in the background. It returns as soon as the order is pending.
func (e *Executor) PlaceOrderAsync(ctx context.Context, req SubmitRequest, done func(ExecutionResult)) (domain.Order, error) {
	o, err := e.admit(req)
	if err != nil {
		return domain.Order{}, err
	}
	if err := e.SubmitOrderAsync(context.WithoutCancel(ctx), o, done); err != nil {
		return o, err
	}
	return o, nil
}

func (e *Executor) admit(req SubmitRequest) (domain.Order, error) {
	if !e.ready {
		return domain.Order{}, ErrNotReady
	}
	if err := e.CheckRisk(req); err != nil {
		return domain.Order{}, err
	}
	o := e.NewOrder(req)
	if err := e.TrackOrder(o); err != nil {
		return domain.Order{}, err
	}
	return o, nil
}

func (e *Executor) beginSubmit(id string) (exchange.SubmitRequest, error) {
	ent, ok := e.pending[id]
	if !ok {
		return exchange.SubmitRequest{}, fmt.Errorf("submit %s: %w", id, ErrOrderNotFound)
	}
	ent.order.Status = domain.StatusSubmitting
	ent.order.UpdatedAt = e.sched.Now()
	e.publishOrder(events.OrderSubmitting, ent.order)
	return toSubmitRequest(ent.order), nil
}

func (e *Executor) finishSubmit(id string, res exchange.SubmitResult, err error, started time.Time) error {
	latency := e.sched.Now().Sub(started)

	var rejected *exchange.RejectedError
	switch {
	case err == nil:
		e.obs.SubmitCompleted(OutcomeOK, latency)
		e.acknowledge(id, res.ExchangeOrderID)
		return nil

	case errors.As(err, &rejected):
		e.obs.SubmitCompleted(OutcomeRejected, latency)
		if ent, ok := e.pending[id]; ok {
			e.resolveRejected(ent, rejected.Reason)
		}
		return fmt.Errorf("submit %s: %w", id, err)

	default:
		e.obs.SubmitCompleted(OutcomeTransportError, latency)
		terr := &TransportError{Op: "submit", ClientOrderID: id, Err: err}
		ent, ok := e.pending[id]
		if !ok {
			e.log.Info().Str("order_id", id).Err(err).Msg("executor: submit failed but order already resolved")
			return terr
		}
		e.log.Warn().Str("order_id", id).Err(err).Dur("recheck_in", e.cfg.SubmitTimeout).
			Msg("executor: submit transport failure, order stays pending")
		e.scheduleReconcile(id, ent, e.cfg.SubmitTimeout)
		return terr
	}
}

// acknowledge handles a successful submit response. A push confirmation may
// already have moved the order on; then only the exchange id is filled in.
func (e *Executor) acknowledge(id, exchangeID string) {
	if ent, ok := e.pending[id]; ok {
		delete(e.pending, id)
		stopTimer(ent)
		ent.order.ExchangeOrderID = exchangeID
		ent.order.Status = domain.StatusSubmitted
		ent.order.UpdatedAt = e.sched.Now()
		e.tracked[id] = ent
		e.indexExchangeID(id, exchangeID)
		e.publishOrder(events.OrderSubmitted, ent.order)
		e.log.Info().Str("order_id", id).Str("exchange_id", exchangeID).Msg("executor: order submitted")
		return
	}
	if ent, ok := e.tracked[id]; ok {
		if exchangeID != "" && ent.order.ExchangeOrderID == "" {
			ent.order.ExchangeOrderID = exchangeID
			ent.order.UpdatedAt = e.sched.Now()
			e.indexExchangeID(id, exchangeID)
			e.publishOrder(events.OrderUpdated, ent.order)
		}
		return
	}
	// Terminal before the ack arrived; backfill the exchange id on the record.
	if o, ok := e.store.GetOrder(id); ok && exchangeID != "" && o.ExchangeOrderID == "" {
		o.ExchangeOrderID = exchangeID
		e.publishOrder(events.OrderUpdated, o)
	}
}

func (e *Executor) scheduleReconcile(id string, ent *entry, after time.Duration) {
	stopTimer(ent)
	ent.timer = e.sched.AfterFunc(after, func() { e.reconcile(id) })
}

// retryDelay doubles from SubmitTimeout with each failed query, capped at
// ReconcileMaxBackoff.
func (e *Executor) retryDelay(attempts int) time.Duration {
	d := e.cfg.SubmitTimeout
	for i := 1; i < attempts && d < e.cfg.ReconcileMaxBackoff; i++ {
		d *= 2
	}
	return min(d, e.cfg.ReconcileMaxBackoff)
}

// reconcile runs when a submit-timeout check fires. An id no longer in
// pending was resolved by the other path and the check is a no-op.
func (e *Executor) reconcile(id string) {
	ent, ok := e.pending[id]
	if !ok || ent.querying {
		return
	}
	ent.attempts++
	ent.querying = true
	e.log.Debug().Str("order_id", id).Int("attempt", ent.attempts).Msg("executor: querying ambiguous order")

	var (
		res exchange.QueryResult
		err error
	)
	e.sched.Go(func() {
		ctx, cancel := context.WithTimeout(context.Background(), e.cfg.SubmitTimeout)
		defer cancel()
		res, err = e.adapter.Query(ctx, id)
	}, func() {
		e.resolveQuery(id, res, err)
	})
}

func (e *Executor) resolveQuery(id string, res exchange.QueryResult, err error) {
	ent, ok := e.pending[id]
	if !ok {
		e.obs.ReconcileCompleted(OutcomeAlreadyResolved)
		return
	}
	ent.querying = false

	switch {
	case err != nil:
		// The remote outcome is still unknown, so the order stays pending.
		delay := e.retryDelay(ent.attempts)
		if ent.attempts == e.cfg.ReconcileMaxAttempts {
			e.obs.ReconcileCompleted(OutcomeStalled)
			e.markStalled(ent, err)
		} else {
			e.obs.ReconcileCompleted(OutcomeRetry)
		}
		e.log.Warn().Str("order_id", id).Int("attempt", ent.attempts).Dur("recheck_in", delay).Err(err).
			Msg("executor: reconcile query failed, rescheduling")
		e.scheduleReconcile(id, ent, delay)

	case !res.Found:
		e.obs.ReconcileCompleted(OutcomeNotFound)
		e.failReconciliation(ent, ReasonNotFound)

	default:
		e.obs.ReconcileCompleted(OutcomeConfirmedQuery)
		e.confirmPending(ent, e.updateFromQuery(ent.order, res))
	}
}

// markStalled flags a pending order whose queries keep failing. The order is
// republished with the reason so monitoring can alert on it.
func (e *Executor) markStalled(ent *entry, cause error) {
	failure := &ReconciliationFailure{ClientOrderID: ent.order.ClientOrderID, Reason: ReasonReconcileStalled, Attempts: ent.attempts}
	e.log.Error().Err(failure).AnErr("cause", cause).Msg("executor: order needs attention, still pending")
	ent.order.Reason = ReasonReconcileStalled
	ent.order.UpdatedAt = e.sched.Now()
	e.publishOrder(events.OrderUpdated, ent.order)
}

func (e *Executor) failReconciliation(ent *entry, reason string) {
	failure := &ReconciliationFailure{ClientOrderID: ent.order.ClientOrderID, Reason: reason, Attempts: ent.attempts}
	e.log.Warn().Err(failure).Msg("executor: order rejected by reconciliation")
	e.resolveRejected(ent, reason)
}

// resolveRejected terminates a pending order as Rejected.
func (e *Executor) resolveRejected(ent *entry, reason string) {
	id := ent.order.ClientOrderID
	delete(e.pending, id)
	stopTimer(ent)
	ent.order.Status = domain.StatusRejected
	ent.order.Reason = reason
	ent.order.UpdatedAt = e.sched.Now()
	e.publishOrder(events.OrderRejected, ent.order)
}

// OnExchangeOrderUpdate applies an inbound confirmation. A pending id is
// confirmed and moved to tracked; a tracked id is updated; anything else
// was already resolved and is ignored.
func (e *Executor) OnExchangeOrderUpdate(u events.ExchangeOrderUpdate) {
	id := u.ClientOrderID
	if id == "" && u.ExchangeOrderID != "" {
		id = e.byExchangeID[u.ExchangeOrderID]
	}
	if ent, ok := e.pending[id]; ok {
		e.obs.ReconcileCompleted(OutcomeConfirmedPush)
		e.confirmPending(ent, u)
		return
	}
	if ent, ok := e.tracked[id]; ok {
		e.applyUpdate(ent, u)
		return
	}
	e.log.Debug().Str("order_id", id).Str("status", string(u.Status)).Msg("executor: update for untracked order ignored")
}

func (e *Executor) confirmPending(ent *entry, u events.ExchangeOrderUpdate) {
	id := ent.order.ClientOrderID
	delete(e.pending, id)
	stopTimer(ent)
	ent.querying = false
	e.tracked[id] = ent
	if ent.order.Reason == ReasonReconcileStalled {
		ent.order.Reason = ""
	}
	if ent.order.Status.Rank() < domain.StatusSubmitted.Rank() {
		ent.order.Status = domain.StatusSubmitted
		ent.order.UpdatedAt = e.sched.Now()
	}
	if !e.applyUpdate(ent, u) {
		e.publishOrder(events.OrderSubmitted, ent.order)
	}
	e.log.Info().Str("order_id", id).Str("status", string(ent.order.Status)).Msg("executor: pending order confirmed")
}

// applyUpdate merges u into a tracked order. Filled quantity never
// decreases and stale statuses are ignored, so replays change nothing and
// publish nothing. It reports whether anything changed.
func (e *Executor) applyUpdate(ent *entry, u events.ExchangeOrderUpdate) bool {
	o := ent.order
	prevFilled := o.FilledQuantity
	changed := false

	if u.ExchangeOrderID != "" && u.ExchangeOrderID != o.ExchangeOrderID {
		o.ExchangeOrderID = u.ExchangeOrderID
		changed = true
	}
	fillChanged := u.FilledQuantity.GreaterThan(o.FilledQuantity)
	if fillChanged {
		o.FilledQuantity = u.FilledQuantity
		changed = true
	}
	statusChanged := u.Status.Valid() && u.Status != o.Status &&
		!o.Status.IsTerminal() && u.Status.Rank() >= o.Status.Rank()
	if statusChanged {
		o.Status = u.Status
		if u.Reason != "" {
			o.Reason = u.Reason
		}
		changed = true
	}
	if !changed {
		return false
	}

	o.UpdatedAt = e.sched.Now()
	if !u.Time.IsZero() {
		o.UpdatedAt = u.Time
	}
	ent.order = o
	e.indexExchangeID(o.ClientOrderID, o.ExchangeOrderID)

	kind := events.OrderUpdated
	if statusChanged || fillChanged {
		kind = events.OrderKindForStatus(o.Status)
	}
	e.publishOrder(kind, o)

	if delta := o.FilledQuantity.Sub(prevFilled); delta.IsPositive() {
		e.applyFill(o, delta, u.LastFillPrice)
	}

	if o.Status.IsTerminal() {
		delete(e.tracked, o.ClientOrderID)
		if o.ExchangeOrderID != "" {
			delete(e.byExchangeID, o.ExchangeOrderID)
		}
		e.log.Info().Str("order_id", o.ClientOrderID).Str("status", string(o.Status)).
			Str("filled", o.FilledQuantity.String()).Msg("executor: order finished")
	}
	return true
}

// applyFill derives the position change from a fill delta.
func (e *Executor) applyFill(o domain.Order, qty, price decimal.Decimal) {
	if !price.IsPositive() && o.Price.Valid {
		price = o.Price.Decimal
	}
	if !price.IsPositive() {
		e.log.Warn().Str("order_id", o.ClientOrderID).Msg("executor: fill without price, entry price not updated")
	}
	pos, ok := e.store.GetPosition(o.InstrumentID)
	if !ok {
		pos = domain.Position{InstrumentID: o.InstrumentID, Leverage: decimal.NewFromInt(1)}
	}
	next := pos.ApplyFill(o.Side, qty, price, e.sched.Now())
	e.publish(events.PositionTopic(o.InstrumentID), events.PositionEvent{Position: next, Time: next.UpdatedAt})
}

// CancelOrder forwards a cancel for a tracked order and blocks for the
// adapter call. Pending orders cannot be cancelled until resolved.
func (e *Executor) CancelOrder(ctx context.Context, id string) error {
	exchangeID, err := e.beginCancel(id)
	if err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(ctx, e.cfg.CancelTimeout)
	defer cancel()
	return e.finishCancel(id, e.adapter.Cancel(cctx, exchangeID))
}

// CancelOrderAsync records the intent now and forwards the cancel in the
// background. done, if set, runs on the loop with the adapter outcome.
func (e *Executor) CancelOrderAsync(ctx context.Context, id string, done func(error)) error {
	exchangeID, err := e.beginCancel(id)
	if err != nil {
		return err
	}
	var cerr error
	e.sched.Go(func() {
		cctx, cancel := context.WithTimeout(ctx, e.cfg.CancelTimeout)
		defer cancel()
		cerr = e.adapter.Cancel(cctx, exchangeID)
	}, func() {
		ferr := e.finishCancel(id, cerr)
		if done != nil {
			done(ferr)
		}
	})
	return nil
}

func (e *Executor) beginCancel(id string) (string, error) {
	if e.IsPending(id) {
		return "", fmt.Errorf("cancel %s: still pending: %w", id, ErrOrderNotFound)
	}
	ent, ok := e.tracked[id]
	if !ok {
		return "", fmt.Errorf("cancel %s: %w", id, ErrOrderNotFound)
	}
	if ent.order.ExchangeOrderID == "" {
		return "", fmt.Errorf("cancel %s: %w", id, ErrNoExchangeID)
	}
	ent.cancelRequestedAt = e.sched.Now()
	e.log.Info().Str("order_id", id).Str("exchange_id", ent.order.ExchangeOrderID).Msg("executor: cancel requested")
	return ent.order.ExchangeOrderID, nil
}

func (e *Executor) finishCancel(id string, err error) error {
	if err != nil {
		e.obs.CancelCompleted(OutcomeTransportError)
		e.log.Warn().Str("order_id", id).Err(err).Msg("executor: cancel failed")
		return &TransportError{Op: "cancel", ClientOrderID: id, Err: err}
	}
	e.obs.CancelCompleted(OutcomeOK)
	return nil
}

// CancelRequestedAt returns when a cancel was last requested for a tracked order.
func (e *Executor) CancelRequestedAt(id string) (time.Time, bool) {
	ent, ok := e.tracked[id]
	if !ok || ent.cancelRequestedAt.IsZero() {
		return time.Time{}, false
	}
	return ent.cancelRequestedAt, true
}

func (e *Executor) IsPending(id string) bool {
	_, ok := e.pending[id]
	return ok
}

func (e *Executor) IsTracked(id string) bool {
	_, ok := e.tracked[id]
	return ok
}

// Pending returns the pending ids, sorted.
func (e *Executor) Pending() []string { return sortedKeys(e.pending) }

// Tracked returns the tracked ids, sorted.
func (e *Executor) Tracked() []string { return sortedKeys(e.tracked) }

// TrackedOrders returns snapshots of tracked orders.
func (e *Executor) TrackedOrders() []domain.Order {
	out := make([]domain.Order, 0, len(e.tracked))
	for _, id := range sortedKeys(e.tracked) {
		out = append(out, e.tracked[id].order)
	}
	return out
}

func (e *Executor) Ready() bool { return e.ready }

func (e *Executor) Stats() Stats {
	return Stats{Pending: len(e.pending), Tracked: len(e.tracked), Ready: e.ready}
}

func (e *Executor) result(id string, err error, started time.Time) ExecutionResult {
	r := ExecutionResult{
		OrderID:   id,
		Success:   err == nil,
		Error:     err,
		Latency:   e.sched.Now().Sub(started),
		Timestamp: e.sched.Now(),
	}
	if err != nil {
		r.ErrorMsg = err.Error()
	}
	return r
}

func (e *Executor) updateFromQuery(o domain.Order, res exchange.QueryResult) events.ExchangeOrderUpdate {
	return events.ExchangeOrderUpdate{
		ClientOrderID:   o.ClientOrderID,
		ExchangeOrderID: res.ExchangeOrderID,
		InstrumentID:    o.InstrumentID,
		Status:          StatusFromExchange(res.Status),
		FilledQuantity:  res.FilledQty,
		Time:            e.sched.Now(),
	}
}

func (e *Executor) indexExchangeID(id, exchangeID string) {
	if exchangeID != "" {
		e.byExchangeID[exchangeID] = id
	}
}

func (e *Executor) publishOrder(kind events.OrderKind, o domain.Order) {
	e.publish(events.OrderTopic(kind), events.OrderEvent{Kind: kind, Order: o, Reason: o.Reason, Time: o.UpdatedAt})
}

// publish reports subscriber failures without undoing the transition; the
// executor's own sets are already consistent.
func (e *Executor) publish(topic string, ev events.Event) {
	if err := e.router.Publish(topic, ev); err != nil {
		e.log.Error().Err(err).Str("topic", topic).Msg("executor: subscriber failed")
	}
}

func stopTimer(ent *entry) {
	if ent.timer != nil {
		ent.timer.Stop()
		ent.timer = nil
	}
}

func sortedKeys(m map[string]*entry) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
