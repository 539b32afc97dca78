package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"

	"execution-core/internal/domain"
	"execution-core/internal/events"
	"execution-core/internal/monitor"
	"execution-core/internal/order"
	"execution-core/internal/risk"
	"execution-core/internal/state"
	"execution-core/pkg/db"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
)

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

// respondCoreError maps execution-core errors onto HTTP statuses.
func respondCoreError(c *gin.Context, err error) {
	var verr *risk.ValidationError
	switch {
	case errors.As(err, &verr):
		respondError(c, http.StatusUnprocessableEntity, "RISK_REJECTED", verr.Reason)
	case errors.Is(err, order.ErrNotReady), errors.Is(err, events.ErrEndpointNotFound):
		respondError(c, http.StatusServiceUnavailable, "NOT_READY", err.Error())
	case errors.Is(err, order.ErrDuplicateOrder):
		respondError(c, http.StatusConflict, "DUPLICATE_ORDER", err.Error())
	case errors.Is(err, order.ErrOrderNotFound):
		respondError(c, http.StatusNotFound, "ORDER_NOT_FOUND", err.Error())
	case errors.Is(err, order.ErrNoExchangeID):
		respondError(c, http.StatusConflict, "NOT_ACKNOWLEDGED", err.Error())
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		respondError(c, http.StatusGatewayTimeout, "TIMEOUT", err.Error())
	default:
		respondError(c, http.StatusInternalServerError, "INTERNAL", err.Error())
	}
}

// onLoop runs fn on the event loop with the request context.
func (s *Server) onLoop(c *gin.Context, fn func() error) error {
	return s.Loop.Do(c.Request.Context(), fn)
}

const idempotencyHeader = "Idempotency-Key"

type createOrderRequest struct {
	Instrument string           `json:"instrument" binding:"required"`
	Side       string           `json:"side" binding:"required"`
	Type       string           `json:"type" binding:"required"`
	Quantity   decimal.Decimal  `json:"quantity"`
	Price      *decimal.Decimal `json:"price"`
}

func (r createOrderRequest) toSubmit() order.SubmitRequest {
	req := order.SubmitRequest{
		InstrumentID: strings.ToUpper(strings.TrimSpace(r.Instrument)),
		Side:         domain.Side(strings.ToUpper(r.Side)),
		Type:         domain.OrderType(strings.ToUpper(r.Type)),
		Quantity:     r.Quantity,
	}
	if r.Price != nil {
		req.Price = decimal.NewNullDecimal(*r.Price)
	}
	return req
}

// createOrder goes through the order.submit endpoint. It answers 202 once the
// order is pending; the outcome arrives on the event stream. A repeated
// Idempotency-Key returns the order the first request created.
func (s *Server) createOrder(c *gin.Context) {
	var body createOrderRequest
	if err := c.ShouldBindJSON(&body); err != nil {
		respondError(c, http.StatusBadRequest, "INVALID_PAYLOAD", "invalid request payload")
		return
	}
	key := c.GetHeader(idempotencyHeader)

	var (
		resp     any
		replayed bool
	)
	err := s.onLoop(c, func() error {
		if key != "" {
			if id, ok := s.Idempotency.Get(key); ok {
				resp, replayed = order.SubmitResponse{OrderID: id}, true
				return nil
			}
		}
		var err error
		resp, err = s.Events.Request(c.Request.Context(), events.EndpointOrderSubmit, body.toSubmit())
		if err == nil && key != "" {
			if r, ok := resp.(order.SubmitResponse); ok {
				s.Idempotency.Set(key, r.OrderID)
			}
		}
		return err
	})
	if err != nil {
		respondCoreError(c, err)
		return
	}
	submitted, ok := resp.(order.SubmitResponse)
	if !ok {
		respondError(c, http.StatusInternalServerError, "INTERNAL", "unexpected submit response")
		return
	}
	if replayed {
		c.Header("Idempotent-Replayed", "true")
		c.JSON(http.StatusOK, submitted)
		return
	}
	s.log.Info().Str("order_id", submitted.OrderID).Str("operator", CurrentOperator(c)).Msg("api: order accepted for submission")
	c.JSON(http.StatusAccepted, submitted)
}

func (s *Server) cancelOrder(c *gin.Context) {
	id := c.Param("id")
	var resp any
	err := s.onLoop(c, func() error {
		var err error
		resp, err = s.Events.Request(c.Request.Context(), events.EndpointOrderCancel, order.CancelRequest{OrderID: id})
		return err
	})
	if err != nil {
		respondCoreError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, resp)
}

func (s *Server) getOrder(c *gin.Context) {
	id := c.Param("id")
	var (
		o     domain.Order
		found bool
	)
	if err := s.onLoop(c, func() error {
		o, found = s.Store.GetOrder(id)
		return nil
	}); err != nil {
		respondCoreError(c, err)
		return
	}
	if !found {
		respondError(c, http.StatusNotFound, "ORDER_NOT_FOUND", "order not found")
		return
	}
	c.JSON(http.StatusOK, o)
}

// getOrders lists orders by status (open, closed or all) and optionally by
// instrument.
func (s *Server) getOrders(c *gin.Context) {
	status := strings.ToLower(c.DefaultQuery("status", "open"))
	if status != "open" && status != "closed" && status != "all" {
		respondError(c, http.StatusBadRequest, "INVALID_STATUS", "status must be open, closed or all")
		return
	}
	instrument := strings.ToUpper(c.Query("instrument"))

	var orders []domain.Order
	if err := s.onLoop(c, func() error {
		switch {
		case instrument != "":
			orders = s.Store.GetOrdersByInstrument(instrument)
		case status == "open":
			orders = s.Store.GetOpenOrders()
		case status == "closed":
			orders = s.Store.GetClosedOrders()
		default:
			orders = append(s.Store.GetOpenOrders(), s.Store.GetClosedOrders()...)
		}
		return nil
	}); err != nil {
		respondCoreError(c, err)
		return
	}

	if instrument != "" && status != "all" {
		wantOpen := status == "open"
		filtered := orders[:0]
		for _, o := range orders {
			if o.IsOpen() == wantOpen {
				filtered = append(filtered, o)
			}
		}
		orders = filtered
	}
	if orders == nil {
		orders = []domain.Order{}
	}
	c.JSON(http.StatusOK, gin.H{"orders": orders, "count": len(orders)})
}

// getOrderHistory reads the journal, which is written asynchronously and may
// trail the live state slightly.
func (s *Server) getOrderHistory(c *gin.Context) {
	if s.Journal == nil {
		respondError(c, http.StatusNotFound, "JOURNAL_DISABLED", "order journal is not enabled")
		return
	}
	rows, err := s.Journal.OrderHistory(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, db.ErrOrderIDRequired) {
			respondError(c, http.StatusBadRequest, "INVALID_ORDER_ID", err.Error())
			return
		}
		respondCoreError(c, err)
		return
	}
	if rows == nil {
		rows = []db.OrderEventRow{}
	}
	c.JSON(http.StatusOK, gin.H{"events": rows})
}

func (s *Server) getPositions(c *gin.Context) {
	var positions []domain.Position
	if err := s.onLoop(c, func() error {
		positions = s.Store.GetAllPositions()
		return nil
	}); err != nil {
		respondCoreError(c, err)
		return
	}
	if positions == nil {
		positions = []domain.Position{}
	}
	c.JSON(http.StatusOK, gin.H{"positions": positions})
}

func (s *Server) getPosition(c *gin.Context) {
	instrument := strings.ToUpper(c.Param("instrument"))
	var (
		p     domain.Position
		found bool
	)
	if err := s.onLoop(c, func() error {
		p, found = s.Store.GetPosition(instrument)
		return nil
	}); err != nil {
		respondCoreError(c, err)
		return
	}
	if !found {
		respondError(c, http.StatusNotFound, "POSITION_NOT_FOUND", "no position for "+instrument)
		return
	}
	c.JSON(http.StatusOK, p)
}

func (s *Server) getAccount(c *gin.Context) {
	id := c.Param("id")
	var (
		a     domain.Account
		found bool
	)
	if err := s.onLoop(c, func() error {
		a, found = s.Store.GetAccount(id)
		return nil
	}); err != nil {
		respondCoreError(c, err)
		return
	}
	if !found {
		respondError(c, http.StatusNotFound, "ACCOUNT_NOT_FOUND", "account not found")
		return
	}
	c.JSON(http.StatusOK, a)
}

func (s *Server) getInstruments(c *gin.Context) {
	var instruments []domain.Instrument
	if err := s.onLoop(c, func() error {
		instruments = s.Store.GetAllInstruments()
		return nil
	}); err != nil {
		respondCoreError(c, err)
		return
	}
	if instruments == nil {
		instruments = []domain.Instrument{}
	}
	c.JSON(http.StatusOK, gin.H{"instruments": instruments})
}

type statusResponse struct {
	Meta           SystemMeta          `json:"meta"`
	Executor       order.Stats         `json:"executor"`
	Store          state.Stats         `json:"store"`
	Router         events.RouterStats  `json:"router"`
	StreamClients  int                 `json:"stream_clients"`
	StreamDropped  uint64              `json:"stream_dropped"`
	Runtime        *monitor.Snapshot   `json:"runtime,omitempty"`
	Reconciliation *reconciliationInfo `json:"reconciliation,omitempty"`
}

type reconciliationInfo struct {
	Checked     int  `json:"checked"`
	HasDiffs    bool `json:"has_diffs"`
	SyncedCount int  `json:"synced_count"`
	QueryErrors int  `json:"query_errors"`
}

func (s *Server) getStatus(c *gin.Context) {
	resp := statusResponse{
		Meta:          s.Meta,
		StreamClients: s.Hub.Clients(),
		StreamDropped: s.Hub.Dropped(),
	}
	if err := s.onLoop(c, func() error {
		resp.Executor = s.Exec.Stats()
		resp.Store = s.Store.Stats()
		resp.Router = s.Events.Stats()
		return nil
	}); err != nil {
		respondCoreError(c, err)
		return
	}
	if s.Metrics != nil {
		snap := s.Metrics.GetSnapshot()
		resp.Runtime = &snap
	}
	if s.Recon != nil {
		if last := s.Recon.LastReport(); last != nil {
			resp.Reconciliation = &reconciliationInfo{
				Checked:     last.Checked,
				HasDiffs:    last.HasDiffs,
				SyncedCount: last.SyncedCount,
				QueryErrors: last.QueryErrors,
			}
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) getReconciliation(c *gin.Context) {
	if s.Recon == nil {
		respondError(c, http.StatusNotFound, "RECONCILIATION_DISABLED", "reconciliation service is not running")
		return
	}
	out := gin.H{"last": s.Recon.LastReport()}
	if s.Journal != nil {
		limit, err := strconv.Atoi(c.DefaultQuery("limit", "10"))
		if err != nil || limit <= 0 {
			respondError(c, http.StatusBadRequest, "INVALID_LIMIT", "limit must be a positive integer")
			return
		}
		history, err := s.Journal.RecentReports(c.Request.Context(), limit)
		if err != nil {
			respondCoreError(c, err)
			return
		}
		if history == nil {
			history = []db.ReconciliationReportRow{}
		}
		out["history"] = history
	}
	c.JSON(http.StatusOK, out)
}

func (s *Server) runReconciliation(c *gin.Context) {
	if s.Recon == nil {
		respondError(c, http.StatusNotFound, "RECONCILIATION_DISABLED", "reconciliation service is not running")
		return
	}
	report, err := s.Recon.RunOnce(c.Request.Context())
	if err != nil {
		respondCoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}
