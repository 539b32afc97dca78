package reconciliation

import (
	"context"
	"errors"
	"testing"
	"time"

	"execution-core/internal/domain"
	"execution-core/internal/events"
	"execution-core/internal/loop"
	"execution-core/internal/order"
	"execution-core/internal/state"
	exchange "execution-core/pkg/exchanges/common"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type inline struct{}

func (inline) Do(_ context.Context, fn func() error) error { return fn() }

type flakyQuerier struct {
	exchange.Adapter
	fail map[string]bool
}

func (f flakyQuerier) Query(ctx context.Context, id string) (exchange.QueryResult, error) {
	if f.fail[id] {
		return exchange.QueryResult{}, errors.New("timeout")
	}
	return f.Adapter.Query(ctx, id)
}

type sinkFunc func(*Report) error

func (f sinkFunc) RecordReconciliation(_ context.Context, r *Report) error { return f(r) }

type fixture struct {
	store   *state.Store
	adapter *order.DryRunAdapter
	exec    *order.Executor
}

// newFixture wires an executor to a dry-run exchange whose pushes are not
// delivered, so the exchange moves on without the executor hearing about it.
func newFixture(t *testing.T) *fixture {
	t.Helper()
	router := events.NewRouter(events.RouterOptions{})
	store, err := state.New(router, zerolog.Nop())
	require.NoError(t, err)
	adapter := order.NewDryRunAdapter(order.DryRunConfig{}, zerolog.Nop())
	exec, err := order.NewExecutor(order.DefaultConfig(), router, store, adapter, loop.NewManual(time.Unix(0, 0)))
	require.NoError(t, err)
	_, err = exec.RecoverOrders(context.Background())
	require.NoError(t, err)
	return &fixture{store: store, adapter: adapter, exec: exec}
}

func (f *fixture) place(t *testing.T) string {
	t.Helper()
	o, err := f.exec.PlaceOrder(context.Background(), order.SubmitRequest{
		InstrumentID: "BTCUSDT", Side: domain.SideBuy, Type: domain.OrderTypeLimit,
		Quantity: decimal.NewFromInt(2), Price: decimal.NewNullDecimal(decimal.NewFromInt(100)),
	})
	require.NoError(t, err)
	require.True(t, f.exec.IsTracked(o.ClientOrderID))
	return o.ClientOrderID
}

func TestReconcileAppliesMissedFill(t *testing.T) {
	f := newFixture(t)
	filled := f.place(t)
	resting := f.place(t)
	require.NoError(t, f.adapter.Fill(filled, decimal.NewFromInt(2), decimal.NewFromInt(100)))

	var recorded *Report
	svc := NewService(inline{}, f.exec, f.adapter, time.Minute, zerolog.Nop())
	svc.SetSink(sinkFunc(func(r *Report) error { recorded = r; return nil }))

	report, err := svc.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, report.Checked)
	assert.True(t, report.HasDiffs)
	assert.Equal(t, 2, report.SyncedCount)
	require.Len(t, report.OrderDiffs, 2, "resting order is Accepted remotely but Submitted locally")

	byID := map[string]OrderDiff{}
	for _, d := range report.OrderDiffs {
		byID[d.OrderID] = d
	}
	assert.Equal(t, domain.StatusFilled, byID[filled].ExchangeStatus)
	assert.True(t, byID[filled].Synced)
	assert.Equal(t, domain.StatusAccepted, byID[resting].ExchangeStatus)

	got, _ := f.store.GetOrder(filled)
	assert.Equal(t, domain.StatusFilled, got.Status)
	assert.False(t, f.exec.IsTracked(filled))
	pos, ok := f.store.GetPosition("BTCUSDT")
	require.True(t, ok)
	assert.True(t, pos.Quantity.Equal(decimal.NewFromInt(2)))

	svc.handleReport(context.Background(), report)
	assert.Same(t, report, recorded)
	assert.Same(t, report, svc.LastReport())

	report, err = svc.Reconcile(context.Background())
	require.NoError(t, err)
	assert.False(t, report.HasDiffs, "second sweep finds nothing new")
}

func TestReconcileWithoutAutoSync(t *testing.T) {
	f := newFixture(t)
	id := f.place(t)
	require.NoError(t, f.adapter.Fill(id, decimal.NewFromInt(1), decimal.NewFromInt(100)))

	svc := NewService(inline{}, f.exec, f.adapter, time.Minute, zerolog.Nop())
	svc.SetAutoSync(false)

	report, err := svc.Reconcile(context.Background())
	require.NoError(t, err)
	require.Len(t, report.OrderDiffs, 1)
	assert.False(t, report.OrderDiffs[0].Synced)
	assert.Zero(t, report.SyncedCount)
	got, _ := f.store.GetOrder(id)
	assert.Equal(t, domain.StatusSubmitted, got.Status)
}

func TestReconcileCountsQueryErrors(t *testing.T) {
	f := newFixture(t)
	id := f.place(t)

	q := flakyQuerier{Adapter: f.adapter, fail: map[string]bool{id: true}}
	svc := NewService(inline{}, f.exec, q, time.Minute, zerolog.Nop())

	report, err := svc.Reconcile(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.QueryErrors)
	assert.False(t, report.HasDiffs)
	assert.True(t, f.exec.IsTracked(id))
}

func TestCompare(t *testing.T) {
	local := domain.Order{ClientOrderID: "a", Status: domain.StatusPartiallyFilled, FilledQuantity: decimal.NewFromInt(1)}

	_, differs := compare(local, exchange.QueryResult{Found: true, Status: exchange.StatusNew, FilledQty: decimal.NewFromInt(1)})
	assert.False(t, differs, "an older remote status is not a difference")

	d, differs := compare(local, exchange.QueryResult{Found: false})
	assert.True(t, differs)
	assert.True(t, d.Missing)

	_, differs = compare(local, exchange.QueryResult{Found: true, Status: exchange.StatusPartial, FilledQty: decimal.NewFromInt(2)})
	assert.True(t, differs)
}
