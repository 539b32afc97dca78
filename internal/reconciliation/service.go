package reconciliation

import (
	"context"
	"sync"
	"time"

	"execution-core/internal/domain"
	"execution-core/internal/order"
	exchange "execution-core/pkg/exchanges/common"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Runner runs fn on the event loop and waits for it.
type Runner interface {
	Do(ctx context.Context, fn func() error) error
}

// Tracker is the executor side of the sweep.
type Tracker interface {
	TrackedOrders() []domain.Order
	ApplyQueryResult(id string, res exchange.QueryResult) bool
}

// Querier looks orders up on the exchange.
type Querier interface {
	Query(ctx context.Context, clientOrderID string) (exchange.QueryResult, error)
}

// ReportSink stores reports that found differences.
type ReportSink interface {
	RecordReconciliation(ctx context.Context, report *Report) error
}

// Service periodically compares tracked orders with the exchange. It covers
// push confirmations that were lost after an order was already tracked;
// pending orders have their own submit-timeout check in the executor.
type Service struct {
	runner   Runner
	tracker  Tracker
	exchange Querier
	sink     ReportSink
	interval time.Duration
	log      zerolog.Logger

	mu       sync.Mutex
	autoSync bool
	last     *Report
}

// Report contains one sweep's results.
type Report struct {
	Timestamp   time.Time   `json:"timestamp"`
	Checked     int         `json:"checked"`
	OrderDiffs  []OrderDiff `json:"order_diffs"`
	HasDiffs    bool        `json:"has_diffs"`
	SyncedCount int         `json:"synced_count"`
	QueryErrors int         `json:"query_errors"`
}

// OrderDiff is one tracked order whose exchange view differs from ours.
type OrderDiff struct {
	OrderID        string          `json:"order_id"`
	LocalStatus    domain.Status   `json:"local_status"`
	ExchangeStatus domain.Status   `json:"exchange_status,omitempty"`
	LocalFilled    decimal.Decimal `json:"local_filled"`
	ExchangeFilled decimal.Decimal `json:"exchange_filled"`
	Missing        bool            `json:"missing"`
	Synced         bool            `json:"synced"`
}

func NewService(runner Runner, tracker Tracker, q Querier, interval time.Duration, log zerolog.Logger) *Service {
	return &Service{
		runner:   runner,
		tracker:  tracker,
		exchange: q,
		interval: interval,
		log:      log,
		autoSync: true,
	}
}

// SetSink sets where reports with differences are recorded.
func (s *Service) SetSink(sink ReportSink) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sink = sink
}

func (s *Service) SetAutoSync(enabled bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.autoSync = enabled
	s.log.Info().Bool("auto_sync", enabled).Msg("reconciliation: auto-sync changed")
}

// LastReport returns the most recent sweep, or nil before the first.
func (s *Service) LastReport() *Report {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}

// Start runs a sweep every interval until ctx is done.
func (s *Service) Start(ctx context.Context) {
	if s.interval <= 0 {
		s.log.Info().Msg("reconciliation: periodic sweep disabled")
		return
	}
	ticker := time.NewTicker(s.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := s.RunOnce(ctx); err != nil {
					s.log.Error().Err(err).Msg("reconciliation: sweep failed")
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	s.log.Info().Dur("interval", s.interval).Bool("auto_sync", s.autoSyncEnabled()).Msg("reconciliation: service started")
}

// RunOnce sweeps immediately and hands the report to the log and sink.
func (s *Service) RunOnce(ctx context.Context) (*Report, error) {
	report, err := s.Reconcile(ctx)
	if err != nil {
		return nil, err
	}
	s.handleReport(ctx, report)
	return report, nil
}

func (s *Service) autoSyncEnabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.autoSync
}

type queried struct {
	local domain.Order
	res   exchange.QueryResult
}

// Reconcile snapshots tracked orders on the loop, queries them off the loop
// and applies the results back on the loop.
func (s *Service) Reconcile(ctx context.Context) (*Report, error) {
	report := &Report{Timestamp: time.Now()}

	var tracked []domain.Order
	if err := s.runner.Do(ctx, func() error {
		tracked = s.tracker.TrackedOrders()
		return nil
	}); err != nil {
		return nil, err
	}
	report.Checked = len(tracked)

	results := make([]queried, 0, len(tracked))
	for _, o := range tracked {
		res, err := s.exchange.Query(ctx, o.ClientOrderID)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			report.QueryErrors++
			s.log.Warn().Str("order_id", o.ClientOrderID).Err(err).Msg("reconciliation: query failed")
			continue
		}
		results = append(results, queried{local: o, res: res})
	}

	autoSync := s.autoSyncEnabled()
	if err := s.runner.Do(ctx, func() error {
		for _, q := range results {
			diff, differs := compare(q.local, q.res)
			if !differs {
				continue
			}
			if autoSync && s.tracker.ApplyQueryResult(q.local.ClientOrderID, q.res) {
				diff.Synced = true
				report.SyncedCount++
			}
			report.OrderDiffs = append(report.OrderDiffs, diff)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	report.HasDiffs = len(report.OrderDiffs) > 0

	s.mu.Lock()
	s.last = report
	s.mu.Unlock()
	return report, nil
}

func compare(local domain.Order, res exchange.QueryResult) (OrderDiff, bool) {
	diff := OrderDiff{
		OrderID:     local.ClientOrderID,
		LocalStatus: local.Status,
		LocalFilled: local.FilledQuantity,
	}
	if !res.Found {
		diff.Missing = true
		return diff, true
	}
	diff.ExchangeStatus = order.StatusFromExchange(res.Status)
	diff.ExchangeFilled = res.FilledQty
	differs := diff.ExchangeStatus.Rank() > local.Status.Rank() ||
		res.FilledQty.GreaterThan(local.FilledQuantity)
	return diff, differs
}

func (s *Service) handleReport(ctx context.Context, report *Report) {
	if !report.HasDiffs {
		s.log.Debug().Int("checked", report.Checked).Msg("reconciliation: all tracked orders match")
		return
	}
	for _, d := range report.OrderDiffs {
		s.log.Warn().
			Str("order_id", d.OrderID).
			Str("local_status", string(d.LocalStatus)).
			Str("exchange_status", string(d.ExchangeStatus)).
			Str("local_filled", d.LocalFilled.String()).
			Str("exchange_filled", d.ExchangeFilled.String()).
			Bool("missing", d.Missing).
			Bool("synced", d.Synced).
			Msg("reconciliation: order differs from exchange")
	}

	s.mu.Lock()
	sink := s.sink
	s.mu.Unlock()
	if sink == nil {
		return
	}
	if err := sink.RecordReconciliation(ctx, report); err != nil {
		s.log.Error().Err(err).Msg("reconciliation: failed to record report")
	}
}
