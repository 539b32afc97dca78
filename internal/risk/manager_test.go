package risk

import (
	"testing"
	"time"

	"execution-core/internal/domain"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeView struct {
	positions map[string]domain.Position
	open      int
}

func (v fakeView) GetPosition(id string) (domain.Position, bool) {
	p, ok := v.positions[id]
	return p, ok
}

func (v fakeView) OpenOrderCount() int { return v.open }

func qty(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func market(side domain.Side, q string) Request {
	return Request{InstrumentID: "BTCUSDT", Side: side, Type: domain.OrderTypeMarket, Quantity: qty(q)}
}

func TestCheck(t *testing.T) {
	cfg := Config{
		Enabled:         true,
		MaxPositionSize: qty("3"),
		MaxOrderSize:    qty("2"),
		MaxOpenOrders:   2,
	}
	longTwo := fakeView{positions: map[string]domain.Position{
		"BTCUSDT": {InstrumentID: "BTCUSDT", Side: domain.PositionLong, Quantity: qty("2")},
	}}

	tests := []struct {
		name       string
		req        Request
		view       fakeView
		wantReason string
	}{
		{"ok", market(domain.SideBuy, "1"), fakeView{}, ""},
		{"zero quantity", market(domain.SideBuy, "0"), fakeView{}, "quantity must be positive"},
		{"bad side", Request{InstrumentID: "BTCUSDT", Side: "HOLD", Type: domain.OrderTypeMarket, Quantity: qty("1")}, fakeView{}, `unknown side "HOLD"`},
		{"dotted instrument", Request{InstrumentID: "BTC.USDT", Side: domain.SideBuy, Type: domain.OrderTypeMarket, Quantity: qty("1")}, fakeView{}, `instrument "BTC.USDT" must not contain '.' or '*'`},
		{"wildcard instrument", Request{InstrumentID: "BTC*", Side: domain.SideBuy, Type: domain.OrderTypeMarket, Quantity: qty("1")}, fakeView{}, `instrument "BTC*" must not contain '.' or '*'`},
		{"limit without price", Request{InstrumentID: "BTCUSDT", Side: domain.SideBuy, Type: domain.OrderTypeLimit, Quantity: qty("1")}, fakeView{}, "limit order requires a positive price"},
		{"order too large", market(domain.SideBuy, "2.5"), fakeView{}, "order size 2.5 exceeds max 2"},
		{"projected position too large", market(domain.SideBuy, "1.5"), longTwo, "projected position 3.5 exceeds max 3"},
		{"reducing is fine", market(domain.SideSell, "2"), longTwo, ""},
		{"open orders at limit", market(domain.SideBuy, "1"), fakeView{open: 2}, "open orders at limit 2"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewManager(cfg)
			err := m.Check(tt.req, tt.view)
			if tt.wantReason == "" {
				require.NoError(t, err)
				return
			}
			var verr *ValidationError
			require.ErrorAs(t, err, &verr)
			assert.Equal(t, tt.wantReason, verr.Reason)
			assert.Equal(t, uint64(1), m.Metrics().RejectionsTotal)
		})
	}
}

func TestDisabledStillValidates(t *testing.T) {
	m := NewManager(Config{Enabled: false, MaxOrderSize: qty("1")})
	require.NoError(t, m.Check(market(domain.SideBuy, "100"), fakeView{}))
	require.Error(t, m.Check(market(domain.SideBuy, "-1"), fakeView{}))
}

func TestMinOrderInterval(t *testing.T) {
	now := time.Unix(1700000000, 0)
	m := NewManager(Config{Enabled: true, MinOrderInterval: time.Second}, WithClock(func() time.Time { return now }))

	require.NoError(t, m.Check(market(domain.SideBuy, "1"), fakeView{}))
	err := m.Check(market(domain.SideBuy, "1"), fakeView{})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Contains(t, verr.Reason, "minimum order interval")

	now = now.Add(time.Second)
	require.NoError(t, m.Check(market(domain.SideBuy, "1"), fakeView{}))
}

func TestEarlierRejectionKeepsIntervalToken(t *testing.T) {
	now := time.Unix(1700000000, 0)
	m := NewManager(Config{Enabled: true, MaxOrderSize: qty("1"), MinOrderInterval: time.Minute},
		WithClock(func() time.Time { return now }))

	require.Error(t, m.Check(market(domain.SideBuy, "5"), fakeView{}))
	require.NoError(t, m.Check(market(domain.SideBuy, "1"), fakeView{}))
}
