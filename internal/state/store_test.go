package state

import (
	"errors"
	"testing"
	"time"

	"execution-core/internal/domain"
	"execution-core/internal/events"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) (*Store, *events.Router) {
	t.Helper()
	r := events.NewRouter(events.RouterOptions{})
	s, err := New(r, zerolog.Nop())
	require.NoError(t, err)
	return s, r
}

func order(id, instrument string, status domain.Status, created int64) domain.Order {
	return domain.Order{
		ClientOrderID: id,
		InstrumentID:  instrument,
		Side:          domain.SideBuy,
		Type:          domain.OrderTypeMarket,
		Quantity:      decimal.NewFromInt(1),
		Status:        status,
		CreatedAt:     time.Unix(created, 0),
	}
}

// every stored order sits in exactly one of open/closed
func assertIndexPartition(t *testing.T, s *Store) {
	t.Helper()
	for id := range s.orders {
		assert.NotEqual(t, s.IsOpen(id), s.IsClosed(id), "order %s must be in exactly one index", id)
	}
	assert.Equal(t, len(s.orders), len(s.open)+len(s.closed))
}

func TestUpdateOrderMovesBetweenIndices(t *testing.T) {
	s, _ := newTestStore(t)

	require.NoError(t, s.UpdateOrder(order("o1", "BTCUSDT", domain.StatusPending, 1)))
	assert.True(t, s.IsOpen("o1"))
	assertIndexPartition(t, s)

	for _, st := range []domain.Status{domain.StatusSubmitting, domain.StatusSubmitted, domain.StatusAccepted, domain.StatusPartiallyFilled} {
		require.NoError(t, s.UpdateOrder(order("o1", "BTCUSDT", st, 1)))
		assert.True(t, s.IsOpen("o1"), st)
		assertIndexPartition(t, s)
	}

	require.NoError(t, s.UpdateOrder(order("o1", "BTCUSDT", domain.StatusFilled, 1)))
	assert.False(t, s.IsOpen("o1"))
	assert.True(t, s.IsClosed("o1"))
	assertIndexPartition(t, s)

	assert.Len(t, s.GetOrdersByInstrument("BTCUSDT"), 1, "by-instrument list is deduplicated")
}

func TestUpdateOrderRequiresID(t *testing.T) {
	s, _ := newTestStore(t)
	err := s.UpdateOrder(domain.Order{InstrumentID: "BTCUSDT"})
	assert.ErrorIs(t, err, ErrMissingID)
	assert.Zero(t, s.Stats().Orders)
}

func TestOpenOrdersSnapshotSorted(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.UpdateOrder(order("b", "ETHUSDT", domain.StatusAccepted, 2)))
	require.NoError(t, s.UpdateOrder(order("a", "BTCUSDT", domain.StatusPending, 3)))
	require.NoError(t, s.UpdateOrder(order("c", "BTCUSDT", domain.StatusSubmitted, 1)))
	require.NoError(t, s.UpdateOrder(order("d", "BTCUSDT", domain.StatusCancelled, 0)))

	open := s.GetOpenOrders()
	require.Len(t, open, 3)
	assert.Equal(t, []string{"c", "b", "a"}, []string{open[0].ClientOrderID, open[1].ClientOrderID, open[2].ClientOrderID})

	open[0].Status = domain.StatusFilled
	got, _ := s.GetOrder("c")
	assert.Equal(t, domain.StatusSubmitted, got.Status, "snapshot copies do not alias the store")

	byInstr := s.GetOrdersByInstrument("BTCUSDT")
	assert.Len(t, byInstr, 3)
	assert.Len(t, s.GetClosedOrders(), 1)
}

func TestUpdatePositionRemovesFlat(t *testing.T) {
	s, _ := newTestStore(t)
	pos := domain.Position{InstrumentID: "BTCUSDT", Side: domain.PositionLong, Quantity: decimal.NewFromInt(2)}
	require.NoError(t, s.UpdatePosition(pos))
	_, ok := s.GetPosition("BTCUSDT")
	assert.True(t, ok)

	pos.Quantity = decimal.Zero
	require.NoError(t, s.UpdatePosition(pos))
	_, ok = s.GetPosition("BTCUSDT")
	assert.False(t, ok, "flat position is removed, not zeroed")
	assert.Empty(t, s.GetAllPositions())
}

func TestRouterDrivesUpdates(t *testing.T) {
	s, r := newTestStore(t)

	require.NoError(t, r.Publish(events.OrderTopic(events.OrderPending), events.OrderEvent{
		Kind:  events.OrderPending,
		Order: order("o1", "BTCUSDT", domain.StatusPending, 1),
	}))
	require.NoError(t, r.Publish(events.PositionTopic("BTCUSDT"), events.PositionEvent{
		Position: domain.Position{InstrumentID: "BTCUSDT", Side: domain.PositionLong, Quantity: decimal.NewFromInt(1)},
	}))
	require.NoError(t, r.Publish(events.AccountTopic("main"), events.AccountEvent{
		Account: domain.Account{ID: "main", Balance: decimal.NewFromInt(1000)},
	}))
	require.NoError(t, r.Publish(events.MarketDataTopic("BTCUSDT"), events.MarketData{InstrumentID: "BTCUSDT"}))

	st := s.Stats()
	assert.Equal(t, 1, st.Orders)
	assert.Equal(t, 1, st.OpenOrders)
	assert.Equal(t, 1, st.Positions)
	assert.Equal(t, 1, st.Accounts)

	acct, ok := s.GetAccount("main")
	require.True(t, ok)
	assert.True(t, acct.Balance.Equal(decimal.NewFromInt(1000)))
}

func TestInstruments(t *testing.T) {
	s, _ := newTestStore(t)
	require.NoError(t, s.UpdateInstrument(domain.Instrument{ID: "ETHUSDT"}))
	require.NoError(t, s.UpdateInstrument(domain.Instrument{ID: "BTCUSDT"}))
	all := s.GetAllInstruments()
	require.Len(t, all, 2)
	assert.Equal(t, "BTCUSDT", all[0].ID)
	assert.ErrorIs(t, s.UpdateInstrument(domain.Instrument{}), ErrMissingID)
}

type failingSubscriber struct {
	calls        int
	unsubscribed []events.SubscriptionHandle
}

func (f *failingSubscriber) Subscribe(pattern string, _ events.Handler) (events.SubscriptionHandle, error) {
	f.calls++
	if pattern == events.TopicAccountAll {
		return 0, errors.New("router unavailable")
	}
	return events.SubscriptionHandle(f.calls), nil
}

func (f *failingSubscriber) Unsubscribe(h events.SubscriptionHandle) {
	f.unsubscribed = append(f.unsubscribed, h)
}

func TestNewFailsWhenSubscriptionFails(t *testing.T) {
	sub := &failingSubscriber{}
	s, err := New(sub, zerolog.Nop())
	require.Error(t, err)
	assert.Nil(t, s)
	assert.Len(t, sub.unsubscribed, 2, "partial subscriptions are rolled back")
}

func TestCloseStopsUpdates(t *testing.T) {
	s, r := newTestStore(t)
	s.Close()
	require.NoError(t, r.Publish(events.OrderTopic(events.OrderPending), events.OrderEvent{
		Order: order("o1", "BTCUSDT", domain.StatusPending, 1),
	}))
	assert.Zero(t, s.Stats().Orders)
}
