package order

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"execution-core/internal/domain"
	"execution-core/internal/events"
	"execution-core/internal/loop"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Publisher publishes on the router.
type Publisher interface {
	Publish(topic string, ev events.Event) error
}

type UserStreamConfig struct {
	URL        string
	Heartbeat  time.Duration
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// UserStream reads execution reports from a websocket feed and publishes
// them on exchange.order.{instrument} from the event loop. Connection state
// changes run on the loop; only the socket reader and heartbeat run on
// their own goroutines.
type UserStream struct {
	cfg    UserStreamConfig
	sched  loop.Scheduler
	router Publisher
	log    zerolog.Logger
	dialer *websocket.Dialer

	mu      sync.Mutex
	conn    *websocket.Conn
	stop    chan struct{}
	stopped bool

	attempt  int // loop-confined
	received uint64
}

// Received counts published updates. Read it from the loop.
func (s *UserStream) Received() uint64 { return s.received }

func NewUserStream(cfg UserStreamConfig, sched loop.Scheduler, router Publisher, log zerolog.Logger) *UserStream {
	if cfg.Heartbeat <= 0 {
		cfg.Heartbeat = 15 * time.Second
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = 500 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 30 * time.Second
	}
	return &UserStream{
		cfg:    cfg,
		sched:  sched,
		router: router,
		log:    log,
		dialer: websocket.DefaultDialer,
		stop:   make(chan struct{}),
	}
}

// Start dials in the background; failures are retried with backoff.
func (s *UserStream) Start(ctx context.Context) {
	s.connect(ctx)
}

func (s *UserStream) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	close(s.stop)
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}

func (s *UserStream) isStopped() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stopped
}

func (s *UserStream) connect(ctx context.Context) {
	var (
		conn *websocket.Conn
		err  error
	)
	s.sched.Go(func() {
		dctx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		conn, _, err = s.dialer.DialContext(dctx, s.cfg.URL, nil)
	}, func() {
		if err != nil {
			s.log.Warn().Err(err).Str("url", s.cfg.URL).Msg("user stream: dial failed")
			s.scheduleReconnect(ctx)
			return
		}
		s.mu.Lock()
		if s.stopped {
			s.mu.Unlock()
			_ = conn.Close()
			return
		}
		s.conn = conn
		s.mu.Unlock()

		s.attempt = 0
		s.log.Info().Str("url", s.cfg.URL).Msg("user stream: connected")
		go s.heartbeat(conn)
		go s.read(ctx, conn)
	})
}

func (s *UserStream) scheduleReconnect(ctx context.Context) {
	if s.isStopped() || ctx.Err() != nil {
		return
	}
	delay := s.backoff()
	s.attempt++
	s.log.Info().Dur("delay", delay).Int("attempt", s.attempt).Msg("user stream: reconnect scheduled")
	s.sched.AfterFunc(delay, func() { s.connect(ctx) })
}

func (s *UserStream) backoff() time.Duration {
	d := s.cfg.MinBackoff
	for i := 0; i < s.attempt && d < s.cfg.MaxBackoff; i++ {
		d *= 2
	}
	if d > s.cfg.MaxBackoff {
		d = s.cfg.MaxBackoff
	}
	return d
}

func (s *UserStream) heartbeat(conn *websocket.Conn) {
	ticker := time.NewTicker(s.cfg.Heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second)); err != nil {
				s.log.Debug().Err(err).Msg("user stream: ping failed")
				return
			}
		}
	}
}

func (s *UserStream) read(ctx context.Context, conn *websocket.Conn) {
	defer conn.Close()
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			if s.isStopped() {
				return
			}
			s.log.Warn().Err(err).Msg("user stream: read error")
			_ = s.sched.Post(func() {
				s.mu.Lock()
				if s.conn == conn {
					s.conn = nil
				}
				s.mu.Unlock()
				s.scheduleReconnect(ctx)
			})
			return
		}

		upd, ok, err := ParseExecutionReport(msg)
		if err != nil {
			s.log.Warn().Err(err).Msg("user stream: parse error")
			continue
		}
		if !ok {
			continue
		}
		if perr := s.sched.Post(func() {
			s.received++
			if err := s.router.Publish(events.ExchangeOrderTopic(upd.InstrumentID), upd); err != nil {
				s.log.Error().Err(err).Str("order_id", upd.ClientOrderID).Msg("user stream: publish failed")
			}
		}); perr != nil {
			return
		}
	}
}

// encoding/json matches keys case-insensitively, so every upper/lower pair
// the venue sends needs its own field or one would overwrite the other.
type executionReport struct {
	Symbol          string `json:"s"`
	Side            string `json:"S"`
	OrderType       string `json:"o"`
	CreationTime    int64  `json:"O"`
	Status          string `json:"X"`
	ExecutionType   string `json:"x"`
	RejectReason    string `json:"r"`
	OrderID         int64  `json:"i"`
	Ignore          int64  `json:"I"`
	ClientOrderID   string `json:"c"`
	OrigClientID    string `json:"C"`
	Price           string `json:"p"`
	StopPrice       string `json:"P"`
	Qty             string `json:"q"`
	QuoteOrderQty   string `json:"Q"`
	LastQty         string `json:"l"`
	LastPrice       string `json:"L"`
	CumulativeQty   string `json:"z"`
	CumulativeQuote string `json:"Z"`
	TradeID         int64  `json:"t"`
	TransactionTime int64  `json:"T"`
	IsMaker         bool   `json:"m"`
	IgnoreM         bool   `json:"M"`
}

// ParseExecutionReport decodes a venue execution report. It returns ok=false
// for other message types.
func ParseExecutionReport(msg []byte) (events.ExchangeOrderUpdate, bool, error) {
	// Some venues send the event type as a number; only string types are handled.
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(msg, &raw); err != nil {
		return events.ExchangeOrderUpdate{}, false, fmt.Errorf("decode message: %w", err)
	}
	v, ok := raw["e"]
	if !ok {
		return events.ExchangeOrderUpdate{}, false, nil
	}
	var eventType string
	if err := json.Unmarshal(v, &eventType); err != nil || eventType != "executionReport" {
		return events.ExchangeOrderUpdate{}, false, nil
	}

	var rep executionReport
	if err := json.Unmarshal(msg, &rep); err != nil {
		return events.ExchangeOrderUpdate{}, false, fmt.Errorf("decode execution report: %w", err)
	}

	status, known := reportStatus(rep.Status)
	if !known {
		return events.ExchangeOrderUpdate{}, false, nil
	}

	clientID := rep.ClientOrderID
	if status == domain.StatusCancelled && rep.OrigClientID != "" {
		clientID = rep.OrigClientID
	}
	if clientID == "" {
		return events.ExchangeOrderUpdate{}, false, errors.New("execution report without client order id")
	}

	cumQty := toDecimal(rep.CumulativeQty)
	fillPrice := toDecimal(rep.LastPrice)
	if !fillPrice.IsPositive() && cumQty.IsPositive() {
		fillPrice = toDecimal(rep.CumulativeQuote).Div(cumQty)
	}

	upd := events.ExchangeOrderUpdate{
		ClientOrderID:  clientID,
		InstrumentID:   rep.Symbol,
		Status:         status,
		FilledQuantity: cumQty,
		LastFillPrice:  fillPrice,
		Time:           time.UnixMilli(rep.TransactionTime),
	}
	if rep.OrderID > 0 {
		upd.ExchangeOrderID = strconv.FormatInt(rep.OrderID, 10)
	}
	if rep.RejectReason != "" && rep.RejectReason != "NONE" {
		upd.Reason = rep.RejectReason
	}
	if rep.TransactionTime == 0 {
		upd.Time = time.Time{}
	}
	return upd, true, nil
}

func reportStatus(s string) (domain.Status, bool) {
	switch strings.ToUpper(s) {
	case "NEW":
		return domain.StatusAccepted, true
	case "PARTIALLY_FILLED":
		return domain.StatusPartiallyFilled, true
	case "FILLED":
		return domain.StatusFilled, true
	case "CANCELED":
		return domain.StatusCancelled, true
	case "REJECTED":
		return domain.StatusRejected, true
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return domain.StatusExpired, true
	}
	return "", false
}

func toDecimal(v string) decimal.Decimal {
	d, err := decimal.NewFromString(v)
	if err != nil {
		return decimal.Zero
	}
	return d
}
