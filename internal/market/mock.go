package market

import (
	"context"
	"math/rand"
	"sort"
	"time"

	"execution-core/internal/events"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Publisher is satisfied by *events.Router.
type Publisher interface {
	Publish(topic string, ev events.Event) error
}

// Poster runs fn on the event loop.
type Poster interface {
	Post(fn func()) error
}

// MockFeed generates a synthetic random walk per instrument and publishes it
// as market_data.<instrument> on the loop. Used with the dry-run exchange so
// marks move without a venue connection.
type MockFeed struct {
	Loop     Poster
	Router   Publisher
	Start    map[string]decimal.Decimal
	StepBps  float64
	Interval time.Duration
	Spread   decimal.Decimal
	Seed     int64
	Log      zerolog.Logger

	prices  map[string]decimal.Decimal
	symbols []string
	rng     *rand.Rand
}

func (m *MockFeed) init() {
	if m.StepBps == 0 {
		m.StepBps = 5
	}
	if m.Interval == 0 {
		m.Interval = time.Second
	}
	seed := m.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	m.rng = rand.New(rand.NewSource(seed))
	m.prices = make(map[string]decimal.Decimal, len(m.Start))
	for sym, p := range m.Start {
		if p.IsPositive() {
			m.prices[sym] = p
			m.symbols = append(m.symbols, sym)
		}
	}
	sort.Strings(m.symbols)
}

// Next advances every instrument one step and returns the updates. The walk
// never crosses zero.
func (m *MockFeed) Next(now time.Time) []events.MarketData {
	if m.rng == nil {
		m.init()
	}
	out := make([]events.MarketData, 0, len(m.symbols))
	for _, sym := range m.symbols {
		p := m.prices[sym]
		move := (m.rng.Float64()*2 - 1) * m.StepBps / 10000
		next := p.Mul(decimal.NewFromFloat(1 + move)).Round(8)
		if !next.IsPositive() {
			next = p
		}
		m.prices[sym] = next
		half := m.Spread.Div(decimal.NewFromInt(2))
		out = append(out, events.MarketData{
			InstrumentID: sym,
			Bid:          next.Sub(half),
			Ask:          next.Add(half),
			Last:         next,
			Time:         now,
		})
	}
	return out
}

// Run publishes until ctx ends or the loop closes.
func (m *MockFeed) Run(ctx context.Context) {
	if m.rng == nil {
		m.init()
	}
	if len(m.symbols) == 0 {
		m.Log.Warn().Msg("mock feed: no start prices, not running")
		return
	}
	t := time.NewTicker(m.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-t.C:
			batch := m.Next(now)
			err := m.Loop.Post(func() {
				for _, md := range batch {
					if err := m.Router.Publish(events.MarketDataTopic(md.InstrumentID), md); err != nil {
						m.Log.Debug().Err(err).Str("instrument", md.InstrumentID).Msg("mock feed: publish")
					}
				}
			})
			if err != nil {
				m.Log.Debug().Err(err).Msg("mock feed: loop closed")
				return
			}
		}
	}
}
