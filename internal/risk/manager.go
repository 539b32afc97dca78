package risk

import (
	"fmt"
	"time"

	"execution-core/internal/domain"
	"execution-core/internal/events"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Manager runs pre-submission checks. It lives on the event loop with the
// executor that calls it.
type Manager struct {
	cfg     Config
	limiter *rate.Limiter
	now     func() time.Time
	log     zerolog.Logger
	metrics Metrics
}

type Option func(*Manager)

// WithClock overrides time.Now for the order interval limiter.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithLogger(log zerolog.Logger) Option {
	return func(m *Manager) { m.log = log }
}

func NewManager(cfg Config, opts ...Option) *Manager {
	m := &Manager{
		cfg: cfg,
		now: time.Now,
		log: zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(m)
	}
	if cfg.MinOrderInterval > 0 {
		m.limiter = rate.NewLimiter(rate.Every(cfg.MinOrderInterval), 1)
	}
	m.log.Info().
		Bool("enabled", cfg.Enabled).
		Str("max_position", cfg.MaxPositionSize.String()).
		Str("max_order", cfg.MaxOrderSize.String()).
		Int("max_open_orders", cfg.MaxOpenOrders).
		Dur("min_interval", cfg.MinOrderInterval).
		Msg("risk: manager initialized")
	return m
}

func (m *Manager) Config() Config { return m.cfg }

func (m *Manager) Metrics() Metrics { return m.metrics }

// Check validates req against the limits and the current state in view.
// It returns a *ValidationError on rejection.
func (m *Manager) Check(req Request, view View) error {
	m.metrics.ChecksTotal++
	if reason := m.evaluate(req, view); reason != "" {
		m.metrics.RejectionsTotal++
		m.log.Warn().Str("instrument", req.InstrumentID).Str("reason", reason).Msg("risk: order rejected")
		return &ValidationError{Reason: reason}
	}
	return nil
}

func (m *Manager) evaluate(req Request, view View) string {
	switch {
	case req.InstrumentID == "":
		return "instrument is required"
	case !events.ValidSegment(req.InstrumentID):
		return fmt.Sprintf("instrument %q must not contain '.' or '*'", req.InstrumentID)
	case !req.Side.Valid():
		return fmt.Sprintf("unknown side %q", req.Side)
	case !req.Type.Valid():
		return fmt.Sprintf("unknown order type %q", req.Type)
	case !req.Quantity.IsPositive():
		return "quantity must be positive"
	case req.Type == domain.OrderTypeLimit && (!req.Price.Valid || !req.Price.Decimal.IsPositive()):
		return "limit order requires a positive price"
	}

	if !m.cfg.Enabled {
		return ""
	}

	if m.cfg.MaxOrderSize.IsPositive() && req.Quantity.GreaterThan(m.cfg.MaxOrderSize) {
		return fmt.Sprintf("order size %s exceeds max %s", req.Quantity, m.cfg.MaxOrderSize)
	}

	if m.cfg.MaxPositionSize.IsPositive() {
		current := domain.Position{InstrumentID: req.InstrumentID}
		if view != nil {
			if p, ok := view.GetPosition(req.InstrumentID); ok {
				current = p
			}
		}
		delta := req.Quantity
		if req.Side == domain.SideSell {
			delta = delta.Neg()
		}
		projected := current.SignedQuantity().Add(delta).Abs()
		if projected.GreaterThan(m.cfg.MaxPositionSize) {
			return fmt.Sprintf("projected position %s exceeds max %s", projected, m.cfg.MaxPositionSize)
		}
	}

	if m.cfg.MaxOpenOrders > 0 && view != nil && view.OpenOrderCount() >= m.cfg.MaxOpenOrders {
		return fmt.Sprintf("open orders at limit %d", m.cfg.MaxOpenOrders)
	}

	// Last, so a rejection above does not consume the interval token.
	if m.limiter != nil && !m.limiter.AllowN(m.now(), 1) {
		return fmt.Sprintf("minimum order interval %s not elapsed", m.cfg.MinOrderInterval)
	}
	return ""
}
