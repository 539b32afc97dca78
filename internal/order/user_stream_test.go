package order

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"execution-core/internal/domain"
	"execution-core/internal/events"
	"execution-core/internal/loop"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const filledReport = `{"e":"executionReport","E":1700000000100,"s":"BTCUSDT","c":"o1","S":"BUY","o":"LIMIT",
"q":"2.00000000","p":"100.00","X":"FILLED","x":"TRADE","r":"NONE","i":4242,"l":"1.00","z":"2.00","L":"101.50",
"Z":"201.50","T":1700000000099,"t":77,"I":99,"m":false,"M":true,"O":1699999999000,"Q":"0","P":"0","C":""}`

func TestParseExecutionReport(t *testing.T) {
	tests := []struct {
		name   string
		msg    string
		ok     bool
		hasErr bool
		check  func(t *testing.T, u events.ExchangeOrderUpdate)
	}{
		{
			name: "filled",
			msg:  filledReport,
			ok:   true,
			check: func(t *testing.T, u events.ExchangeOrderUpdate) {
				assert.Equal(t, "o1", u.ClientOrderID)
				assert.Equal(t, "4242", u.ExchangeOrderID)
				assert.Equal(t, "BTCUSDT", u.InstrumentID)
				assert.Equal(t, domain.StatusFilled, u.Status)
				assert.True(t, u.FilledQuantity.Equal(decimal.NewFromInt(2)))
				assert.True(t, u.LastFillPrice.Equal(decimal.RequireFromString("101.5")))
				assert.Equal(t, time.UnixMilli(1700000000099), u.Time)
				assert.Empty(t, u.Reason)
			},
		},
		{
			name: "cancel uses original client id",
			msg:  `{"e":"executionReport","s":"ETHUSDT","c":"web_x","C":"o7","X":"CANCELED","i":5,"z":"0"}`,
			ok:   true,
			check: func(t *testing.T, u events.ExchangeOrderUpdate) {
				assert.Equal(t, "o7", u.ClientOrderID)
				assert.Equal(t, domain.StatusCancelled, u.Status)
				assert.True(t, u.Time.IsZero())
			},
		},
		{
			name: "price falls back to cumulative quote",
			msg:  `{"e":"executionReport","s":"ETHUSDT","c":"o2","X":"PARTIALLY_FILLED","z":"2","Z":"300","L":"0"}`,
			ok:   true,
			check: func(t *testing.T, u events.ExchangeOrderUpdate) {
				assert.Equal(t, domain.StatusPartiallyFilled, u.Status)
				assert.True(t, u.LastFillPrice.Equal(decimal.NewFromInt(150)))
			},
		},
		{
			name: "reject reason",
			msg:  `{"e":"executionReport","s":"ETHUSDT","c":"o3","X":"REJECTED","r":"INSUFFICIENT_BALANCE"}`,
			ok:   true,
			check: func(t *testing.T, u events.ExchangeOrderUpdate) {
				assert.Equal(t, domain.StatusRejected, u.Status)
				assert.Equal(t, "INSUFFICIENT_BALANCE", u.Reason)
			},
		},
		{name: "other event", msg: `{"e":"outboundAccountPosition","B":[]}`},
		{name: "numeric event type", msg: `{"e":5}`},
		{name: "unknown status", msg: `{"e":"executionReport","c":"o1","X":"PENDING_NEW"}`},
		{name: "missing client id", msg: `{"e":"executionReport","X":"NEW"}`, hasErr: true},
		{name: "invalid json", msg: `{"e":`, hasErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			u, ok, err := ParseExecutionReport([]byte(tt.msg))
			if tt.hasErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.ok, ok)
			if tt.check != nil {
				tt.check(t, u)
			}
		})
	}
}

func TestUserStreamBackoff(t *testing.T) {
	s := NewUserStream(UserStreamConfig{MinBackoff: 100 * time.Millisecond, MaxBackoff: time.Second}, loop.NewManual(time.Now()), nil, zerolog.Nop())
	var got []time.Duration
	for i := 0; i < 6; i++ {
		s.attempt = i
		got = append(got, s.backoff())
	}
	assert.Equal(t, []time.Duration{
		100 * time.Millisecond, 200 * time.Millisecond, 400 * time.Millisecond,
		800 * time.Millisecond, time.Second, time.Second,
	}, got)
}

func TestUserStreamPublishesAndReconnects(t *testing.T) {
	var conns atomic.Int32
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer c.Close()
		n := conns.Add(1)
		_ = c.WriteMessage(websocket.TextMessage, []byte(`{"e":"balanceUpdate"}`))
		msg := strings.Replace(filledReport, `"c":"o1"`, `"c":"o`+string(rune('0'+n))+`"`, 1)
		_ = c.WriteMessage(websocket.TextMessage, []byte(msg))
		if n == 1 {
			return // drop the first connection to force a reconnect
		}
		_, _, _ = c.ReadMessage()
	}))
	defer srv.Close()

	router := events.NewRouter(events.RouterOptions{})
	got := make(chan string, 4)
	_, err := router.Subscribe(events.TopicExchangeOrderAll, func(_ string, ev events.Event) error {
		got <- ev.(events.ExchangeOrderUpdate).ClientOrderID
		return nil
	})
	require.NoError(t, err)

	l := loop.New(64, zerolog.Nop())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = l.Run(ctx) }()

	s := NewUserStream(UserStreamConfig{
		URL:        "ws" + strings.TrimPrefix(srv.URL, "http"),
		MinBackoff: 10 * time.Millisecond,
		MaxBackoff: 50 * time.Millisecond,
	}, l, router, zerolog.Nop())
	s.Start(ctx)
	defer s.Stop()

	var ids []string
	for len(ids) < 2 {
		select {
		case id := <-got:
			ids = append(ids, id)
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out, received %v", ids)
		}
	}
	assert.Equal(t, []string{"o1", "o2"}, ids)
	assert.GreaterOrEqual(t, conns.Load(), int32(2))

	var received uint64
	require.NoError(t, l.Do(ctx, func() error {
		received = s.Received()
		return nil
	}))
	assert.Equal(t, uint64(2), received)
}
