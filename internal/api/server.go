// Package api exposes the control surface: signal ingestion, manual order
// submission, scheduled-job triggers, and read endpoints over the trader's
// state, plus a websocket event stream.
package api

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"signal-trader/internal/events"
	"signal-trader/internal/lifecycle"
	"signal-trader/internal/portfolio"
	"signal-trader/internal/risk"
	"signal-trader/internal/submit"
	syncjob "signal-trader/internal/sync"
	"signal-trader/pkg/broker"
	"signal-trader/pkg/db"
)

// Server wires HTTP endpoints around the services.
type Server struct {
	Router     *gin.Engine
	Bus        *events.Bus
	DB         *db.Database
	Gateway    broker.Gateway
	Submitter  *submit.Service
	Lifecycle  *lifecycle.Tracker
	RiskEngine *risk.Engine
	Reconciler *portfolio.Reconciler
	SyncJob    *syncjob.Job
	AccountID  string

	// SchedulerToken guards /api/jobs; empty disables the guard (dev only).
	SchedulerToken string
}

func NewServer(bus *events.Bus, database *db.Database, gw broker.Gateway,
	submitter *submit.Service, lc *lifecycle.Tracker, engine *risk.Engine,
	rec *portfolio.Reconciler, job *syncjob.Job, accountID, schedulerToken string) *Server {

	r := gin.New()

	// Middleware stack (order matters!)
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(RequestLogger())
	r.Use(RateLimitMiddleware())
	r.Use(TimeoutMiddleware(30 * time.Second))
	r.Use(CORSMiddleware())

	s := &Server{
		Router:         r,
		Bus:            bus,
		DB:             database,
		Gateway:        gw,
		Submitter:      submitter,
		Lifecycle:      lc,
		RiskEngine:     engine,
		Reconciler:     rec,
		SyncJob:        job,
		AccountID:      accountID,
		SchedulerToken: schedulerToken,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	s.Router.GET("/health", s.health)
	s.Router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	s.Router.GET("/ws", s.websocket)

	api := s.Router.Group("/api")
	{
		api.POST("/signals", s.createSignal)
		api.GET("/signals/:id", s.getSignal)
		api.GET("/signals/:id/lifecycle", s.getSignalLifecycle)

		api.POST("/orders", s.createOrder)
		api.GET("/orders", s.listOrders)
		api.GET("/orders/:id", s.getOrder)
		api.GET("/orders/:id/log", s.getOrderLog)
		api.DELETE("/orders/:id", s.cancelOrder)

		api.GET("/positions", s.listPositions)
		api.GET("/portfolio", s.getPortfolio)

		// Scheduled jobs, triggerable out of band by an operator or an
		// external cron with the shared token.
		jobs := api.Group("/jobs")
		jobs.Use(SchedulerTokenMiddleware(s.SchedulerToken))
		{
			jobs.POST("/execute-signals", s.executeSignals)
			jobs.POST("/update-positions", s.updatePositions)
			jobs.POST("/snapshot", s.snapshot)
		}
	}
}

func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) Start(addr string) error {
	return s.Router.Run(addr)
}
