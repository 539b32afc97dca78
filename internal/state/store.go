package state

import (
	"errors"
	"fmt"
	"sort"

	"execution-core/internal/domain"
	"execution-core/internal/events"

	"github.com/rs/zerolog"
)

var ErrMissingID = errors.New("record id is empty")

// Subscriber is the part of the router the store needs.
type Subscriber interface {
	Subscribe(pattern string, h events.Handler) (events.SubscriptionHandle, error)
	Unsubscribe(h events.SubscriptionHandle)
}

// Store is the authoritative in-memory view of orders, positions, accounts
// and instruments. Indices hold ids only and are resolved through the
// primary maps on every read.
//
// It is confined to the event loop. Other components read it but only the
// router subscription (or the Update* methods called from the loop) mutate it.
type Store struct {
	log zerolog.Logger
	sub Subscriber

	instruments map[string]domain.Instrument
	orders      map[string]domain.Order
	positions   map[string]domain.Position
	accounts    map[string]domain.Account

	open         map[string]struct{}
	closed       map[string]struct{}
	byInstrument map[string][]string
	listedUnder  map[string]string

	handles []events.SubscriptionHandle
}

type Stats struct {
	Instruments  int `json:"instruments"`
	Orders       int `json:"orders"`
	OpenOrders   int `json:"open_orders"`
	ClosedOrders int `json:"closed_orders"`
	Positions    int `json:"positions"`
	Accounts     int `json:"accounts"`
}

// New creates a store synchronized through sub. Failing to subscribe fails
// construction: the store has no other way to learn about changes.
func New(sub Subscriber, log zerolog.Logger) (*Store, error) {
	s := newStore(log)
	s.sub = sub
	for _, pattern := range []string{events.TopicOrderAll, events.TopicPositionAll, events.TopicAccountAll} {
		h, err := sub.Subscribe(pattern, s.handle)
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("state: subscribe %s: %w", pattern, err)
		}
		s.handles = append(s.handles, h)
	}
	return s, nil
}

func newStore(log zerolog.Logger) *Store {
	return &Store{
		log:          log,
		instruments:  make(map[string]domain.Instrument),
		orders:       make(map[string]domain.Order),
		positions:    make(map[string]domain.Position),
		accounts:     make(map[string]domain.Account),
		open:         make(map[string]struct{}),
		closed:       make(map[string]struct{}),
		byInstrument: make(map[string][]string),
		listedUnder:  make(map[string]string),
	}
}

// Close drops the router subscriptions.
func (s *Store) Close() {
	if s.sub == nil {
		return
	}
	for _, h := range s.handles {
		s.sub.Unsubscribe(h)
	}
	s.handles = nil
}

func (s *Store) handle(topic string, ev events.Event) error {
	switch e := ev.(type) {
	case events.OrderEvent:
		return s.UpdateOrder(e.Order)
	case events.PositionEvent:
		return s.UpdatePosition(e.Position)
	case events.AccountEvent:
		return s.UpdateAccount(e.Account)
	case events.MarketData, events.OrderbookUpdate, events.ExchangeOrderUpdate, events.Tick:
		return nil
	default:
		s.log.Error().Str("topic", topic).Type("event", ev).Msg("state: unknown event variant")
		return nil
	}
}

// UpdateOrder upserts the order and moves its id into the open or closed
// index matching the new status.
func (s *Store) UpdateOrder(o domain.Order) error {
	id := o.ClientOrderID
	if id == "" {
		return fmt.Errorf("state: update order: %w", ErrMissingID)
	}
	s.orders[id] = o

	delete(s.open, id)
	delete(s.closed, id)
	if o.Status.IsTerminal() {
		s.closed[id] = struct{}{}
	} else {
		s.open[id] = struct{}{}
	}

	prev, listed := s.listedUnder[id]
	switch {
	case !listed:
		s.byInstrument[o.InstrumentID] = append(s.byInstrument[o.InstrumentID], id)
		s.listedUnder[id] = o.InstrumentID
	case prev != o.InstrumentID:
		s.byInstrument[prev] = removeID(s.byInstrument[prev], id)
		if len(s.byInstrument[prev]) == 0 {
			delete(s.byInstrument, prev)
		}
		s.byInstrument[o.InstrumentID] = append(s.byInstrument[o.InstrumentID], id)
		s.listedUnder[id] = o.InstrumentID
	}
	return nil
}

// UpdatePosition upserts p, or removes the entry when p is flat.
func (s *Store) UpdatePosition(p domain.Position) error {
	if p.InstrumentID == "" {
		return fmt.Errorf("state: update position: %w", ErrMissingID)
	}
	if p.IsFlat() {
		delete(s.positions, p.InstrumentID)
		return nil
	}
	s.positions[p.InstrumentID] = p
	return nil
}

func (s *Store) UpdateAccount(a domain.Account) error {
	if a.ID == "" {
		return fmt.Errorf("state: update account: %w", ErrMissingID)
	}
	s.accounts[a.ID] = a
	return nil
}

func (s *Store) UpdateInstrument(i domain.Instrument) error {
	if i.ID == "" {
		return fmt.Errorf("state: update instrument: %w", ErrMissingID)
	}
	s.instruments[i.ID] = i
	return nil
}

func (s *Store) GetOrder(id string) (domain.Order, bool) {
	o, ok := s.orders[id]
	return o, ok
}

// GetOpenOrders returns open orders oldest first.
func (s *Store) GetOpenOrders() []domain.Order {
	return s.resolve(s.open)
}

// GetClosedOrders returns closed orders oldest first.
func (s *Store) GetClosedOrders() []domain.Order {
	return s.resolve(s.closed)
}

func (s *Store) IsOpen(id string) bool {
	_, ok := s.open[id]
	return ok
}

func (s *Store) IsClosed(id string) bool {
	_, ok := s.closed[id]
	return ok
}

func (s *Store) OpenOrderCount() int { return len(s.open) }

// GetOrdersByInstrument returns the instrument's orders in first-seen order.
func (s *Store) GetOrdersByInstrument(instrumentID string) []domain.Order {
	ids := s.byInstrument[instrumentID]
	out := make([]domain.Order, 0, len(ids))
	for _, id := range ids {
		if o, ok := s.orders[id]; ok {
			out = append(out, o)
		}
	}
	return out
}

func (s *Store) GetPosition(instrumentID string) (domain.Position, bool) {
	p, ok := s.positions[instrumentID]
	return p, ok
}

func (s *Store) GetAllPositions() []domain.Position {
	out := make([]domain.Position, 0, len(s.positions))
	for _, p := range s.positions {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstrumentID < out[j].InstrumentID })
	return out
}

func (s *Store) GetAccount(id string) (domain.Account, bool) {
	a, ok := s.accounts[id]
	return a, ok
}

func (s *Store) GetInstrument(id string) (domain.Instrument, bool) {
	i, ok := s.instruments[id]
	return i, ok
}

func (s *Store) GetAllInstruments() []domain.Instrument {
	out := make([]domain.Instrument, 0, len(s.instruments))
	for _, i := range s.instruments {
		out = append(out, i)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *Store) Stats() Stats {
	return Stats{
		Instruments:  len(s.instruments),
		Orders:       len(s.orders),
		OpenOrders:   len(s.open),
		ClosedOrders: len(s.closed),
		Positions:    len(s.positions),
		Accounts:     len(s.accounts),
	}
}

func (s *Store) resolve(ids map[string]struct{}) []domain.Order {
	out := make([]domain.Order, 0, len(ids))
	for id := range ids {
		if o, ok := s.orders[id]; ok {
			out = append(out, o)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ClientOrderID < out[j].ClientOrderID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

func removeID(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}
