package order

import (
	"context"
	"testing"
	"time"

	"execution-core/internal/domain"
	"execution-core/internal/events"
	"execution-core/internal/loop"
	"execution-core/internal/state"
	exchange "execution-core/pkg/exchanges/common"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type dryRunFixture struct {
	router  *events.Router
	store   *state.Store
	sched   *loop.Manual
	adapter *DryRunAdapter
	exec    *Executor
}

func newDryRunFixture(t *testing.T, withPush bool) *dryRunFixture {
	t.Helper()
	f := &dryRunFixture{
		router:  events.NewRouter(events.RouterOptions{}),
		sched:   loop.NewManual(time.Unix(1700000000, 0)),
		adapter: NewDryRunAdapter(DryRunConfig{Seed: 7}, zerolog.Nop()),
	}
	var err error
	f.store, err = state.New(f.router, zerolog.Nop())
	require.NoError(t, err)
	if withPush {
		f.adapter.SetPush(func(u events.ExchangeOrderUpdate) {
			_ = f.router.Publish(events.ExchangeOrderTopic(u.InstrumentID), u)
		})
	}
	f.adapter.SetMarkPrice("BTCUSDT", decimal.NewFromInt(100))

	f.exec, err = NewExecutor(Config{SubmitTimeout: time.Second}, f.router, f.store, f.adapter, f.sched)
	require.NoError(t, err)
	_, err = f.exec.RecoverOrders(context.Background())
	require.NoError(t, err)
	return f
}

func buy(typ domain.OrderType, qty, price int64) SubmitRequest {
	req := SubmitRequest{InstrumentID: "BTCUSDT", Side: domain.SideBuy, Type: typ, Quantity: decimal.NewFromInt(qty)}
	if price > 0 {
		req.Price = decimal.NewNullDecimal(decimal.NewFromInt(price))
	}
	return req
}

func TestDryRunMarketOrderFills(t *testing.T) {
	f := newDryRunFixture(t, true)

	o, err := f.exec.PlaceOrder(context.Background(), buy(domain.OrderTypeMarket, 2, 0))
	require.NoError(t, err)

	got, ok := f.store.GetOrder(o.ClientOrderID)
	require.True(t, ok)
	assert.Equal(t, domain.StatusFilled, got.Status)
	assert.Equal(t, "dry-1", got.ExchangeOrderID)
	assert.True(t, got.FilledQuantity.Equal(decimal.NewFromInt(2)))
	assert.False(t, f.exec.IsTracked(o.ClientOrderID))
	assert.False(t, f.exec.IsPending(o.ClientOrderID))

	pos, ok := f.store.GetPosition("BTCUSDT")
	require.True(t, ok)
	assert.True(t, pos.Quantity.Equal(decimal.NewFromInt(2)))
	assert.True(t, pos.EntryPrice.Equal(decimal.NewFromInt(100)))
}

func TestDryRunLimitRestsThenFillsAndCancels(t *testing.T) {
	f := newDryRunFixture(t, true)

	o, err := f.exec.PlaceOrder(context.Background(), buy(domain.OrderTypeLimit, 3, 90))
	require.NoError(t, err)
	id := o.ClientOrderID
	require.True(t, f.exec.IsTracked(id))
	got, _ := f.store.GetOrder(id)
	assert.Equal(t, domain.StatusAccepted, got.Status)

	require.NoError(t, f.adapter.Fill(id, decimal.NewFromInt(1), decimal.NewFromInt(90)))
	got, _ = f.store.GetOrder(id)
	assert.Equal(t, domain.StatusPartiallyFilled, got.Status)
	assert.True(t, got.FilledQuantity.Equal(decimal.NewFromInt(1)))

	require.NoError(t, f.exec.CancelOrder(context.Background(), id))
	got, _ = f.store.GetOrder(id)
	assert.Equal(t, domain.StatusCancelled, got.Status)
	assert.False(t, f.exec.IsTracked(id))
	assert.Error(t, f.adapter.Fill(id, decimal.NewFromInt(1), decimal.NewFromInt(90)))

	pos, ok := f.store.GetPosition("BTCUSDT")
	require.True(t, ok)
	assert.True(t, pos.Quantity.Equal(decimal.NewFromInt(1)))
}

func TestDryRunLostAckIsRecoveredByQuery(t *testing.T) {
	f := newDryRunFixture(t, false)
	f.adapter.LoseNextAck()

	o, err := f.exec.PlaceOrder(context.Background(), buy(domain.OrderTypeLimit, 1, 90))
	assert.ErrorIs(t, err, ErrAckLost)
	assert.True(t, f.exec.IsPending(o.ClientOrderID))
	assert.Equal(t, 1, f.adapter.Orders(), "the order landed even though the ack was lost")

	f.sched.Advance(time.Second)
	assert.True(t, f.exec.IsTracked(o.ClientOrderID))
	got, _ := f.store.GetOrder(o.ClientOrderID)
	assert.Equal(t, "dry-1", got.ExchangeOrderID)
	assert.Equal(t, domain.StatusAccepted, got.Status)
}

func TestDryRunLostAckWithPushNeedsNoQuery(t *testing.T) {
	f := newDryRunFixture(t, true)
	f.adapter.LoseNextAck()
	f.adapter.FailNextQueries(100)

	o, err := f.exec.PlaceOrder(context.Background(), buy(domain.OrderTypeLimit, 1, 90))
	assert.ErrorIs(t, err, ErrAckLost)
	assert.True(t, f.exec.IsTracked(o.ClientOrderID))
	assert.Zero(t, f.sched.PendingTimers())
}

func TestDryRunSubmitNeverLandedIsRejected(t *testing.T) {
	f := newDryRunFixture(t, true)
	f.adapter.FailNextSubmit(errNetwork)

	o, err := f.exec.PlaceOrder(context.Background(), buy(domain.OrderTypeMarket, 1, 0))
	require.ErrorIs(t, err, errNetwork)
	f.sched.Advance(time.Second)

	got, _ := f.store.GetOrder(o.ClientOrderID)
	assert.Equal(t, domain.StatusRejected, got.Status)
	assert.Equal(t, ReasonNotFound, got.Reason)
	assert.Zero(t, f.adapter.Orders())
}

func TestDryRunRejectsMarketWithoutMark(t *testing.T) {
	f := newDryRunFixture(t, true)

	req := buy(domain.OrderTypeMarket, 1, 0)
	req.InstrumentID = "SOLUSDT"
	o, err := f.exec.PlaceOrder(context.Background(), req)
	var rerr *exchange.RejectedError
	require.ErrorAs(t, err, &rerr)
	assert.Equal(t, "no mark price for SOLUSDT", rerr.Reason)

	got, _ := f.store.GetOrder(o.ClientOrderID)
	assert.Equal(t, domain.StatusRejected, got.Status)
}

func TestDryRunAdapterDirect(t *testing.T) {
	a := NewDryRunAdapter(DryRunConfig{}, zerolog.Nop())
	ctx := context.Background()
	req := exchange.SubmitRequest{ClientOrderID: "c1", Symbol: "ETHUSDT", Side: exchange.SideSell, Type: exchange.OrderTypeLimit,
		Qty: decimal.NewFromInt(1), Price: decimal.NewFromInt(3000)}

	res, err := a.Submit(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, "dry-1", res.ExchangeOrderID)

	_, err = a.Submit(ctx, req)
	var rerr *exchange.RejectedError
	assert.ErrorAs(t, err, &rerr)

	q, err := a.Query(ctx, "c1")
	require.NoError(t, err)
	assert.True(t, q.Found)
	assert.Equal(t, exchange.StatusNew, q.Status)

	q, err = a.Query(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, q.Found)

	a.FailNextQueries(1)
	_, err = a.Query(ctx, "c1")
	assert.Error(t, err)

	// a sell limit at or below the mark crosses
	a.SetMarkPrice("ETHUSDT", decimal.NewFromInt(3100))
	req.ClientOrderID = "c2"
	_, err = a.Submit(ctx, req)
	require.NoError(t, err)
	q, _ = a.Query(ctx, "c2")
	assert.Equal(t, exchange.StatusFilled, q.Status)

	assert.Error(t, a.Cancel(ctx, "dry-2"), "filled orders cannot be cancelled")
	assert.NoError(t, a.Cancel(ctx, "dry-1"))
	assert.Error(t, a.Cancel(ctx, "dry-9"))
}

func TestDryRunLatencyHonoursContext(t *testing.T) {
	a := NewDryRunAdapter(DryRunConfig{LatencyMin: time.Hour, LatencyMax: time.Hour}, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := a.Query(ctx, "x")
	assert.ErrorIs(t, err, context.Canceled)
}

func TestDryRunMarksFollowMarketData(t *testing.T) {
	a := NewDryRunAdapter(DryRunConfig{Seed: 1}, zerolog.Nop())
	router := events.NewRouter(events.RouterOptions{})
	_, err := router.Subscribe("market_data.*", a.OnMarketData)
	require.NoError(t, err)

	require.NoError(t, router.Publish(events.MarketDataTopic("SOLUSDT"), events.MarketData{
		InstrumentID: "SOLUSDT", Bid: decimal.NewFromInt(99), Ask: decimal.NewFromInt(101),
	}))
	ctx := context.Background()
	req := exchange.SubmitRequest{ClientOrderID: "m1", Symbol: "SOLUSDT", Side: exchange.SideBuy, Type: exchange.OrderTypeMarket, Qty: decimal.NewFromInt(1)}
	_, err = a.Submit(ctx, req)
	require.NoError(t, err)
	q, _ := a.Query(ctx, "m1")
	assert.Equal(t, exchange.StatusFilled, q.Status)

	// The last trade takes precedence over the book.
	require.NoError(t, router.Publish(events.MarketDataTopic("SOLUSDT"), events.MarketData{InstrumentID: "SOLUSDT", Last: decimal.NewFromInt(94)}))
	req = exchange.SubmitRequest{ClientOrderID: "m2", Symbol: "SOLUSDT", Side: exchange.SideBuy, Type: exchange.OrderTypeLimit, Qty: decimal.NewFromInt(1), Price: decimal.NewFromInt(95)}
	_, err = a.Submit(ctx, req)
	require.NoError(t, err)
	q, _ = a.Query(ctx, "m2")
	assert.Equal(t, exchange.StatusFilled, q.Status)
}

func TestDryRunMarkUpdateFillsCrossedLimits(t *testing.T) {
	a := NewDryRunAdapter(DryRunConfig{Seed: 1}, zerolog.Nop())
	pushed := make(chan events.ExchangeOrderUpdate, 8)
	a.SetPush(func(u events.ExchangeOrderUpdate) { pushed <- u })
	a.SetMarkPrice("BTCUSDT", decimal.NewFromInt(200))

	ctx := context.Background()
	limit := func(id string, side exchange.Side, price int64) {
		_, err := a.Submit(ctx, exchange.SubmitRequest{ClientOrderID: id, Symbol: "BTCUSDT", Side: side,
			Type: exchange.OrderTypeLimit, Qty: decimal.NewFromInt(1), Price: decimal.NewFromInt(price)})
		require.NoError(t, err)
	}
	limit("buy", exchange.SideBuy, 100)
	limit("sell", exchange.SideSell, 300)
	for i := 0; i < 2; i++ {
		assert.Equal(t, domain.StatusAccepted, (<-pushed).Status)
	}

	require.NoError(t, a.OnMarketData("market_data.BTCUSDT", events.MarketData{InstrumentID: "BTCUSDT", Last: decimal.NewFromInt(90)}))

	select {
	case u := <-pushed:
		assert.Equal(t, "buy", u.ClientOrderID)
		assert.Equal(t, domain.StatusFilled, u.Status)
		assert.True(t, u.LastFillPrice.Equal(decimal.NewFromInt(100)), "fills at the limit price")
	case <-time.After(2 * time.Second):
		t.Fatal("crossed limit order was not pushed")
	}
	q, err := a.Query(ctx, "buy")
	require.NoError(t, err)
	assert.Equal(t, exchange.StatusFilled, q.Status)
	assert.True(t, q.FilledQty.Equal(decimal.NewFromInt(1)))

	q, err = a.Query(ctx, "sell")
	require.NoError(t, err)
	assert.Equal(t, exchange.StatusNew, q.Status)

	// Another instrument's data leaves the book alone.
	require.NoError(t, a.OnMarketData("market_data.ETHUSDT", events.MarketData{InstrumentID: "ETHUSDT", Last: decimal.NewFromInt(1000)}))
	q, _ = a.Query(ctx, "sell")
	assert.Equal(t, exchange.StatusNew, q.Status)
	assert.Empty(t, pushed)
}
