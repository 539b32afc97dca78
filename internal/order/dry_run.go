package order

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"execution-core/internal/events"
	exchange "execution-core/pkg/exchanges/common"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// ErrAckLost is returned by the dry-run adapter when it accepted an order but
// pretends the response never arrived.
var ErrAckLost = errors.New("dry-run: acknowledgment lost")

type DryRunConfig struct {
	LatencyMin  time.Duration // simulated gateway latency lower bound
	LatencyMax  time.Duration // simulated gateway latency upper bound
	SlippageBps float64       // basis points of slippage applied on market fills
	Seed        int64
}

// DryRunAdapter is an in-process exchange. Market orders fill immediately at
// the mark price, limit orders rest until a mark update crosses them or they
// are filled by hand.
// Fills and cancels are reported through the push callback, as a venue's
// user stream would.
type DryRunAdapter struct {
	mu         sync.Mutex
	cfg        DryRunConfig
	rng        *rand.Rand
	log        zerolog.Logger
	push       func(events.ExchangeOrderUpdate)
	orders     map[string]*simOrder
	byExchange map[string]string
	marks      map[string]decimal.Decimal
	seq        int64

	submitFailures []error
	ackLosses      int
	queryFailures  int
}

type simOrder struct {
	clientID   string
	exchangeID string
	symbol     string
	side       exchange.Side
	typ        exchange.OrderType
	qty        decimal.Decimal
	filled     decimal.Decimal
	price      decimal.Decimal
	status     exchange.OrderStatus
}

func NewDryRunAdapter(cfg DryRunConfig, log zerolog.Logger) *DryRunAdapter {
	if cfg.LatencyMax > 0 && cfg.LatencyMin > cfg.LatencyMax {
		cfg.LatencyMin, cfg.LatencyMax = cfg.LatencyMax, cfg.LatencyMin
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &DryRunAdapter{
		cfg:        cfg,
		rng:        rand.New(rand.NewSource(seed)),
		log:        log,
		orders:     make(map[string]*simOrder),
		byExchange: make(map[string]string),
		marks:      make(map[string]decimal.Decimal),
	}
}

// SetPush installs the callback used for simulated push confirmations. It
// is called from adapter goroutines, never while holding the adapter lock.
func (d *DryRunAdapter) SetPush(fn func(events.ExchangeOrderUpdate)) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.push = fn
}

func (d *DryRunAdapter) SetMarkPrice(symbol string, price decimal.Decimal) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.marks[symbol] = price
}

// OnMarketData keeps marks current from market_data.* events: last trade
// when present, else the mid. Resting limit orders the new mark crosses are
// filled at their limit price. It usually runs on the event loop, so the
// resulting pushes are emitted from a separate goroutine.
func (d *DryRunAdapter) OnMarketData(_ string, ev events.Event) error {
	md, ok := ev.(events.MarketData)
	if !ok || md.InstrumentID == "" {
		return nil
	}
	mark := md.Last
	if !mark.IsPositive() && md.Bid.IsPositive() && md.Ask.IsPositive() {
		mark = md.Bid.Add(md.Ask).Div(decimal.NewFromInt(2))
	}
	if !mark.IsPositive() {
		return nil
	}

	d.mu.Lock()
	d.marks[md.InstrumentID] = mark
	var updates []events.ExchangeOrderUpdate
	for _, o := range d.orders {
		if o.symbol != md.InstrumentID || o.typ != exchange.OrderTypeLimit || isClosed(o.status) {
			continue
		}
		if !crosses(o.side, o.price, mark) {
			continue
		}
		o.filled = o.qty
		o.status = exchange.StatusFilled
		updates = append(updates, d.update(o, o.price))
	}
	push := d.push
	d.mu.Unlock()

	if len(updates) > 0 {
		sort.Slice(updates, func(i, j int) bool { return updates[i].ClientOrderID < updates[j].ClientOrderID })
		d.log.Debug().Str("instrument", md.InstrumentID).Str("mark", mark.String()).Int("fills", len(updates)).Msg("dry-run: resting orders crossed")
		go emit(push, updates)
	}
	return nil
}

// FailNextSubmit makes the next submit fail with err before the order lands.
func (d *DryRunAdapter) FailNextSubmit(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.submitFailures = append(d.submitFailures, err)
}

// LoseNextAck makes the next submit land but return ErrAckLost.
func (d *DryRunAdapter) LoseNextAck() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ackLosses++
}

// FailNextQueries makes the next n queries fail with a transport error.
func (d *DryRunAdapter) FailNextQueries(n int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.queryFailures += n
}

func (d *DryRunAdapter) Submit(ctx context.Context, req exchange.SubmitRequest) (exchange.SubmitResult, error) {
	if err := d.sleep(ctx); err != nil {
		return exchange.SubmitResult{}, err
	}

	d.mu.Lock()
	if len(d.submitFailures) > 0 {
		err := d.submitFailures[0]
		d.submitFailures = d.submitFailures[1:]
		d.mu.Unlock()
		return exchange.SubmitResult{}, err
	}
	if _, exists := d.orders[req.ClientOrderID]; exists {
		d.mu.Unlock()
		return exchange.SubmitResult{}, &exchange.RejectedError{Reason: "duplicate client order id"}
	}

	d.seq++
	o := &simOrder{
		clientID:   req.ClientOrderID,
		exchangeID: fmt.Sprintf("dry-%d", d.seq),
		symbol:     req.Symbol,
		side:       req.Side,
		typ:        req.Type,
		qty:        req.Qty,
		filled:     decimal.Zero,
		price:      req.Price,
		status:     exchange.StatusNew,
	}

	var fillPrice decimal.Decimal
	switch o.typ {
	case exchange.OrderTypeMarket:
		mark, ok := d.marks[o.symbol]
		if !ok && o.price.IsPositive() {
			mark, ok = o.price, true
		}
		if !ok {
			d.mu.Unlock()
			return exchange.SubmitResult{}, &exchange.RejectedError{Reason: "no mark price for " + o.symbol}
		}
		fillPrice = d.slip(mark, o.side)
	case exchange.OrderTypeLimit:
		if mark, ok := d.marks[o.symbol]; ok && crosses(o.side, o.price, mark) {
			fillPrice = o.price
		}
	}

	d.orders[o.clientID] = o
	d.byExchange[o.exchangeID] = o.clientID

	updates := []events.ExchangeOrderUpdate{d.update(o, decimal.Zero)}
	if fillPrice.IsPositive() {
		o.filled = o.qty
		o.status = exchange.StatusFilled
		updates = append(updates, d.update(o, fillPrice))
	}
	ackLost := d.ackLosses > 0
	if ackLost {
		d.ackLosses--
	}
	push := d.push
	d.mu.Unlock()

	d.log.Debug().Str("order_id", o.clientID).Str("exchange_id", o.exchangeID).Str("status", string(o.status)).Msg("dry-run: order accepted")
	emit(push, updates)

	if ackLost {
		return exchange.SubmitResult{}, ErrAckLost
	}
	return exchange.SubmitResult{ExchangeOrderID: o.exchangeID}, nil
}

func (d *DryRunAdapter) Cancel(ctx context.Context, exchangeOrderID string) error {
	if err := d.sleep(ctx); err != nil {
		return err
	}
	d.mu.Lock()
	o, ok := d.lookupExchange(exchangeOrderID)
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("dry-run: unknown order %s", exchangeOrderID)
	}
	if isClosed(o.status) {
		d.mu.Unlock()
		return fmt.Errorf("dry-run: order %s already %s", exchangeOrderID, o.status)
	}
	o.status = exchange.StatusCanceled
	upd := d.update(o, decimal.Zero)
	push := d.push
	d.mu.Unlock()

	emit(push, []events.ExchangeOrderUpdate{upd})
	return nil
}

func (d *DryRunAdapter) Query(ctx context.Context, clientOrderID string) (exchange.QueryResult, error) {
	if err := d.sleep(ctx); err != nil {
		return exchange.QueryResult{}, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.queryFailures > 0 {
		d.queryFailures--
		return exchange.QueryResult{}, errors.New("dry-run: query transport failure")
	}
	o, ok := d.orders[clientOrderID]
	if !ok {
		return exchange.QueryResult{Found: false}, nil
	}
	return exchange.QueryResult{
		Found:           true,
		Status:          o.status,
		FilledQty:       o.filled,
		ExchangeOrderID: o.exchangeID,
	}, nil
}

// Fill executes qty of a resting order at price and pushes the update.
func (d *DryRunAdapter) Fill(clientOrderID string, qty, price decimal.Decimal) error {
	d.mu.Lock()
	o, ok := d.orders[clientOrderID]
	if !ok {
		d.mu.Unlock()
		return fmt.Errorf("dry-run: unknown order %s", clientOrderID)
	}
	if isClosed(o.status) {
		d.mu.Unlock()
		return fmt.Errorf("dry-run: order %s already %s", clientOrderID, o.status)
	}
	o.filled = decimal.Min(o.qty, o.filled.Add(qty))
	o.status = exchange.StatusPartial
	if o.filled.GreaterThanOrEqual(o.qty) {
		o.status = exchange.StatusFilled
	}
	upd := d.update(o, price)
	push := d.push
	d.mu.Unlock()

	emit(push, []events.ExchangeOrderUpdate{upd})
	return nil
}

// Orders returns how many orders have landed.
func (d *DryRunAdapter) Orders() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.orders)
}

func (d *DryRunAdapter) update(o *simOrder, fillPrice decimal.Decimal) events.ExchangeOrderUpdate {
	return events.ExchangeOrderUpdate{
		ClientOrderID:   o.clientID,
		ExchangeOrderID: o.exchangeID,
		InstrumentID:    o.symbol,
		Status:          StatusFromExchange(o.status),
		FilledQuantity:  o.filled,
		LastFillPrice:   fillPrice,
		Time:            time.Now(),
	}
}

func (d *DryRunAdapter) lookupExchange(exchangeID string) (*simOrder, bool) {
	id, ok := d.byExchange[exchangeID]
	if !ok {
		return nil, false
	}
	o, ok := d.orders[id]
	return o, ok
}

func (d *DryRunAdapter) slip(mark decimal.Decimal, side exchange.Side) decimal.Decimal {
	if d.cfg.SlippageBps <= 0 {
		return mark
	}
	noise := decimal.NewFromFloat(d.rng.Float64() * d.cfg.SlippageBps / 10000.0)
	if side == exchange.SideBuy {
		return mark.Mul(decimal.NewFromInt(1).Add(noise))
	}
	return mark.Mul(decimal.NewFromInt(1).Sub(noise))
}

func (d *DryRunAdapter) sleep(ctx context.Context) error {
	d.mu.Lock()
	delay := d.cfg.LatencyMin
	if span := d.cfg.LatencyMax - d.cfg.LatencyMin; span > 0 {
		delay += time.Duration(d.rng.Int63n(int64(span) + 1))
	}
	d.mu.Unlock()
	if delay <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(delay)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func crosses(side exchange.Side, limit, mark decimal.Decimal) bool {
	if side == exchange.SideBuy {
		return limit.GreaterThanOrEqual(mark)
	}
	return limit.LessThanOrEqual(mark)
}

func isClosed(s exchange.OrderStatus) bool {
	switch s {
	case exchange.StatusFilled, exchange.StatusCanceled, exchange.StatusRejected, exchange.StatusExpired:
		return true
	}
	return false
}

func emit(push func(events.ExchangeOrderUpdate), updates []events.ExchangeOrderUpdate) {
	if push == nil {
		return
	}
	for _, u := range updates {
		push(u)
	}
}
