package api

import (
	"context"
	"net/http"
	"time"

	"execution-core/internal/events"
	"execution-core/internal/monitor"
	"execution-core/internal/order"
	"execution-core/internal/reconciliation"
	"execution-core/internal/state"
	"execution-core/pkg/cache"
	"execution-core/pkg/db"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
)

// Runner executes fn on the event loop and waits for it.
type Runner interface {
	Do(ctx context.Context, fn func() error) error
}

// Server wires HTTP endpoints around the execution core. Every read of
// loop-owned state goes through Loop.Do.
type Server struct {
	Router  *gin.Engine
	Loop    Runner
	Events  *events.Router
	Store   *state.Store
	Exec    *order.Executor
	Metrics *monitor.Metrics
	Journal *db.JournalQueries
	Recon   *reconciliation.Service
	Hub     *Hub
	// Idempotency maps Idempotency-Key headers to the order they created.
	// Only touched on the loop.
	Idempotency *cache.ShardedTTLCache
	JWTSecret   string
	Meta        SystemMeta

	log zerolog.Logger
}

// SystemMeta describes the running instance for the status endpoint.
type SystemMeta struct {
	DryRun      bool     `json:"dry_run"`
	Instance    string   `json:"instance"`
	Instruments []string `json:"instruments"`
	Version     string   `json:"version"`
}

// Deps are the components the server reads from. Journal, Recon and
// Metrics are optional.
type Deps struct {
	Loop      Runner
	Events    *events.Router
	Store     *state.Store
	Exec      *order.Executor
	Metrics   *monitor.Metrics
	Journal   *db.JournalQueries
	Recon     *reconciliation.Service
	JWTSecret string
	Meta      SystemMeta
	Log       zerolog.Logger
}

func NewServer(d Deps) *Server {
	r := gin.New()

	// Order matters: recovery first, the logger needs the request id.
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger(d.Log))
	r.Use(NewIPRateLimiter(20, 50).Middleware(d.Log))
	r.Use(CORSMiddleware())

	s := &Server{
		Router:      r,
		Loop:        d.Loop,
		Events:      d.Events,
		Store:       d.Store,
		Exec:        d.Exec,
		Metrics:     d.Metrics,
		Journal:     d.Journal,
		Recon:       d.Recon,
		Hub:         NewHub(256, d.Log),
		Idempotency: cache.NewShardedTTLCache(24 * time.Hour),
		JWTSecret:   d.JWTSecret,
		Meta:        d.Meta,
		log:         d.Log,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/ws", s.websocket)
	if s.Metrics != nil {
		s.Router.GET("/metrics", gin.WrapH(s.Metrics.Handler()))
	}

	api := s.Router.Group("/api")
	{
		api.GET("/status", s.getStatus)
		api.GET("/orders", s.getOrders)
		api.GET("/orders/:id", s.getOrder)
		api.GET("/orders/:id/history", s.getOrderHistory)
		api.GET("/positions", s.getPositions)
		api.GET("/positions/:instrument", s.getPosition)
		api.GET("/accounts/:id", s.getAccount)
		api.GET("/instruments", s.getInstruments)
		api.GET("/reconciliation", s.getReconciliation)

		// Mutating routes need a bearer token once a secret is configured.
		protected := api.Group("")
		if s.JWTSecret != "" {
			protected.Use(AuthMiddleware(s.JWTSecret))
		}
		{
			protected.POST("/orders", s.createOrder)
			protected.DELETE("/orders/:id", s.cancelOrder)
			protected.POST("/reconciliation/run", s.runReconciliation)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// Handler returns the engine for use in an http.Server.
func (s *Server) Handler() http.Handler { return s.Router }
