package api

import (
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"signal-trader/internal/events"
	"signal-trader/internal/lifecycle"
	"signal-trader/internal/sizing"
	"signal-trader/internal/submit"
	"signal-trader/pkg/db"
)

type createSignalRequest struct {
	Ticker         string  `json:"ticker" binding:"required,min=1,max=12"`
	Classification string  `json:"classification" binding:"required,oneof=strong_buy buy hold sell strong_sell"`
	Confidence     float64 `json:"confidence" binding:"gte=0,lte=1"`
	ModelRef       string  `json:"model_ref"`
	AssetType      string  `json:"asset_type"`
	ValidFrom      string  `json:"valid_from"` // RFC3339, optional
	ValidUntil     string  `json:"valid_until"`
}

type createOrderRequest struct {
	Ticker     string  `json:"ticker" binding:"required,min=1,max=12"`
	Side       string  `json:"side" binding:"required,oneof=buy sell"`
	Qty        float64 `json:"qty" binding:"gt=0"`
	OrderType  string  `json:"order_type" binding:"omitempty,oneof=market limit"`
	LimitPrice float64 `json:"limit_price"`
	SignalID   string  `json:"signal_id"`
}

type listOrdersQuery struct {
	Limit int `form:"limit"`
}

func (q *listOrdersQuery) normalize() {
	if q.Limit <= 0 {
		q.Limit = 100
	}
	if q.Limit > 500 {
		q.Limit = 500
	}
}

func respondError(c *gin.Context, status int, code, msg string) {
	c.JSON(status, gin.H{
		"code":  code,
		"error": msg,
	})
}

func parseTimeField(c *gin.Context, name, value string) (time.Time, bool) {
	if value == "" {
		return time.Time{}, true
	}
	t, err := time.Parse(time.RFC3339, value)
	if err != nil {
		respondError(c, http.StatusBadRequest, "bad_request", name+" must be RFC3339")
		return time.Time{}, false
	}
	return t, true
}

func (s *Server) createSignal(c *gin.Context) {
	var req createSignalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	validFrom, ok := parseTimeField(c, "valid_from", req.ValidFrom)
	if !ok {
		return
	}
	validUntil, ok := parseTimeField(c, "valid_until", req.ValidUntil)
	if !ok {
		return
	}

	sig := db.Signal{
		ID:             uuid.NewString(),
		Ticker:         strings.ToUpper(req.Ticker),
		Classification: req.Classification,
		Confidence:     req.Confidence,
		ModelRef:       req.ModelRef,
		AssetType:      req.AssetType,
	}
	if !validFrom.IsZero() {
		sig.ValidFrom.Time, sig.ValidFrom.Valid = validFrom, true
	}
	if !validUntil.IsZero() {
		sig.ValidUntil.Time, sig.ValidUntil.Valid = validUntil, true
	}

	if err := s.DB.CreateSignal(c.Request.Context(), sig); err != nil {
		respondError(c, http.StatusInternalServerError, "internal_error", "failed to store signal")
		log.Printf("api: create signal: %v", err)
		return
	}

	// Signals start "generated"; an in-window signal is immediately active.
	if _, err := s.Lifecycle.Transition(c.Request.Context(), lifecycle.Change{
		SignalID: sig.ID,
		NewState: db.SignalActive,
		Reason:   "ingested",
		Actor:    "user:api",
	}); err != nil {
		log.Printf("api: activate signal %s: %v", sig.ID, err)
	}

	if s.Bus != nil {
		s.Bus.Publish(events.EventSignalReceived, sig)
	}
	c.JSON(http.StatusCreated, signalJSON(sig))
}

func (s *Server) getSignal(c *gin.Context) {
	sig, err := s.DB.GetSignal(c.Request.Context(), c.Param("id"))
	if errors.Is(err, db.ErrNotFound) {
		respondError(c, http.StatusNotFound, "not_found", "signal not found")
		return
	}
	if err != nil {
		respondError(c, http.StatusInternalServerError, "internal_error", "failed to load signal")
		return
	}

	state, err := s.Lifecycle.Current(c.Request.Context(), sig.ID)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "internal_error", "failed to load signal state")
		return
	}
	body := signalJSON(*sig)
	body["state"] = state
	c.JSON(http.StatusOK, body)
}

func (s *Server) getSignalLifecycle(c *gin.Context) {
	entries, err := s.DB.ListLifecycle(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, http.StatusInternalServerError, "internal_error", "failed to load lifecycle")
		return
	}
	out := make([]gin.H, 0, len(entries))
	for _, e := range entries {
		out = append(out, gin.H{
			"prev_state":  e.PrevState,
			"new_state":   e.NewState,
			"order_id":    e.OrderID,
			"position_id": e.PositionID,
			"reason":      e.Reason,
			"actor":       e.Actor,
			"created_at":  e.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"signal_id": c.Param("id"), "lifecycle": out})
}

func (s *Server) createOrder(c *gin.Context) {
	var req createOrderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "bad_request", err.Error())
		return
	}

	res, err := s.Submitter.Submit(c.Request.Context(), submit.Intent{
		AccountID:  s.AccountID,
		Ticker:     req.Ticker,
		Side:       req.Side,
		Qty:        req.Qty,
		OrderType:  req.OrderType,
		LimitPrice: req.LimitPrice,
		SignalID:   req.SignalID,
		Actor:      "user:api",
	})
	if err != nil {
		var verr *submit.ValidationError
		var perr *submit.PersistError
		switch {
		case errors.As(err, &verr):
			respondError(c, http.StatusBadRequest, "bad_request", verr.Error())
		case errors.As(err, &perr):
			// The broker has the order even though we failed to record it;
			// sync will self-heal, but the caller must know.
			respondError(c, http.StatusInternalServerError, "persist_failed", perr.Error())
		default:
			respondError(c, http.StatusBadGateway, "broker_error", err.Error())
		}
		return
	}

	status := http.StatusCreated
	if res.Duplicate {
		status = http.StatusOK
	}
	body := orderJSON(res.Order)
	body["duplicate"] = res.Duplicate
	c.JSON(status, body)
}

func (s *Server) listOrders(c *gin.Context) {
	var q listOrdersQuery
	if err := c.ShouldBindQuery(&q); err != nil {
		respondError(c, http.StatusBadRequest, "bad_request", err.Error())
		return
	}
	q.normalize()

	orders, err := s.DB.ListOrders(c.Request.Context(), q.Limit)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "internal_error", "failed to load orders")
		return
	}
	out := make([]gin.H, 0, len(orders))
	for _, o := range orders {
		out = append(out, orderJSON(o))
	}
	c.JSON(http.StatusOK, gin.H{"orders": out})
}

func (s *Server) getOrder(c *gin.Context) {
	o, err := s.DB.GetOrder(c.Request.Context(), c.Param("id"))
	if errors.Is(err, db.ErrNotFound) {
		respondError(c, http.StatusNotFound, "not_found", "order not found")
		return
	}
	if err != nil {
		respondError(c, http.StatusInternalServerError, "internal_error", "failed to load order")
		return
	}
	c.JSON(http.StatusOK, orderJSON(*o))
}

func (s *Server) getOrderLog(c *gin.Context) {
	entries, err := s.DB.ListStateLog(c.Request.Context(), c.Param("id"))
	if err != nil {
		respondError(c, http.StatusInternalServerError, "internal_error", "failed to load order log")
		return
	}
	out := make([]gin.H, 0, len(entries))
	for _, e := range entries {
		out = append(out, gin.H{
			"prev_status":      e.PrevStatus,
			"new_status":       e.NewStatus,
			"source":           e.Source,
			"filled_qty":       e.FilledQty,
			"filled_avg_price": e.FilledAvgPrice,
			"error_code":       e.ErrorCode,
			"error_message":    e.ErrorMessage,
			"created_at":       e.CreatedAt,
		})
	}
	c.JSON(http.StatusOK, gin.H{"order_id": c.Param("id"), "log": out})
}

func (s *Server) cancelOrder(c *gin.Context) {
	o, err := s.DB.GetOrder(c.Request.Context(), c.Param("id"))
	if errors.Is(err, db.ErrNotFound) {
		respondError(c, http.StatusNotFound, "not_found", "order not found")
		return
	}
	if err != nil {
		respondError(c, http.StatusInternalServerError, "internal_error", "failed to load order")
		return
	}
	if db.IsTerminalOrderStatus(o.Status) {
		respondError(c, http.StatusConflict, "terminal", "order already "+o.Status)
		return
	}
	if o.BrokerOrderID == "" {
		respondError(c, http.StatusConflict, "unresolved", "order has no broker id yet; wait for sync")
		return
	}

	if err := s.Gateway.CancelOrder(c.Request.Context(), o.BrokerOrderID); err != nil {
		respondError(c, http.StatusBadGateway, "broker_error", err.Error())
		return
	}
	// The cancellation lands in the audit trail when the sync job observes it.
	c.JSON(http.StatusAccepted, gin.H{"order_id": o.ID, "status": "cancel_requested"})
}

func (s *Server) listPositions(c *gin.Context) {
	ctx := c.Request.Context()
	var (
		positions []db.Position
		err       error
	)
	switch c.DefaultQuery("status", "open") {
	case "open":
		positions, err = s.DB.ListOpenPositions(ctx)
	case "closed":
		positions, err = s.DB.ListClosedPositions(ctx)
	case "all":
		var closed []db.Position
		positions, err = s.DB.ListOpenPositions(ctx)
		if err == nil {
			closed, err = s.DB.ListClosedPositions(ctx)
			positions = append(positions, closed...)
		}
	default:
		respondError(c, http.StatusBadRequest, "bad_request", "status must be open, closed, or all")
		return
	}
	if err != nil {
		respondError(c, http.StatusInternalServerError, "internal_error", "failed to load positions")
		return
	}

	out := make([]gin.H, 0, len(positions))
	for _, p := range positions {
		out = append(out, positionJSON(p))
	}
	c.JSON(http.StatusOK, gin.H{"positions": out})
}

func (s *Server) getPortfolio(c *gin.Context) {
	ctx := c.Request.Context()
	state, err := s.DB.GetPortfolioState(ctx)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "internal_error", "failed to load portfolio state")
		return
	}
	cfg, err := s.DB.GetPortfolioConfig(ctx)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "internal_error", "failed to load portfolio config")
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"state": gin.H{
			"cash":                 state.Cash,
			"portfolio_value":      state.PortfolioValue,
			"positions_value":      state.PositionsValue,
			"open_positions":       state.OpenPositions,
			"trades_today":         state.TradesToday,
			"trades_total":         state.TradesTotal,
			"winning_trades":       state.WinningTrades,
			"losing_trades":        state.LosingTrades,
			"win_rate":             state.WinRate,
			"avg_win_pct":          state.AvgWinPct,
			"avg_loss_pct":         state.AvgLossPct,
			"profit_factor":        state.ProfitFactor,
			"peak_value":           state.PeakValue,
			"current_drawdown_pct": state.CurrentDrawdownPct,
			"max_drawdown_pct":     state.MaxDrawdownPct,
			"updated_at":           state.UpdatedAt,
		},
		"config": gin.H{
			"capital_base":              cfg.CapitalBase,
			"confidence_threshold":      cfg.ConfidenceThreshold,
			"max_open_positions":        cfg.MaxOpenPositions,
			"max_position_size_pct":     cfg.MaxPositionSizePct,
			"max_single_trade_pct":      cfg.MaxSingleTradePct,
			"max_daily_trades":          cfg.MaxDailyTrades,
			"stop_loss_pct":             cfg.StopLossPct,
			"take_profit_pct":           cfg.TakeProfitPct,
			"trailing_stop_pct":         cfg.TrailingStopPct,
			"max_hold_days":             cfg.MaxHoldDays,
			"base_position_size_pct":    cfg.BasePositionSizePct,
			"max_confidence_multiplier": cfg.MaxConfidenceMultiplier,
		},
	})
}

// skippedSignal explains why an executable signal was not submitted.
type skippedSignal struct {
	SignalID string `json:"signal_id"`
	Ticker   string `json:"ticker"`
	Reason   string `json:"reason"`
}

// executeSignals turns queued executable signals into sized buy orders,
// bounded by the portfolio limits. The whole flow is idempotent: a re-trigger
// finds already-submitted signals either duplicate-collapsed or no longer in
// an executable state.
func (s *Server) executeSignals(c *gin.Context) {
	ctx := c.Request.Context()

	cfg, err := s.DB.GetPortfolioConfig(ctx)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "internal_error", "failed to load portfolio config")
		return
	}
	state, err := s.Reconciler.Recompute(ctx)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "internal_error", "failed to reconcile portfolio")
		return
	}

	signals, err := s.DB.ListExecutableSignals(ctx, cfg.ConfidenceThreshold, time.Now())
	if err != nil {
		respondError(c, http.StatusInternalServerError, "internal_error", "failed to load signals")
		return
	}

	open, err := s.DB.ListOpenPositions(ctx)
	if err != nil {
		respondError(c, http.StatusInternalServerError, "internal_error", "failed to load positions")
		return
	}
	openTickers := make(map[string]bool, len(open))
	for _, p := range open {
		openTickers[p.Ticker] = true
	}

	portfolioValue := state.PortfolioValue
	if portfolioValue <= 0 {
		portfolioValue = cfg.CapitalBase
	}
	sizeCfg := sizing.Config{
		ConfidenceThreshold:     cfg.ConfidenceThreshold,
		BasePositionSizePct:     cfg.BasePositionSizePct,
		MaxConfidenceMultiplier: cfg.MaxConfidenceMultiplier,
		MaxPositionSizePct:      cfg.MaxPositionSizePct,
		MaxSingleTradePct:       cfg.MaxSingleTradePct,
	}

	slots := cfg.MaxOpenPositions - state.OpenPositions
	budget := cfg.MaxDailyTrades - state.TradesToday

	var intents []submit.Intent
	var skipped []skippedSignal
	for _, sig := range signals {
		if openTickers[sig.Ticker] {
			skipped = append(skipped, skippedSignal{sig.ID, sig.Ticker, "position already open"})
			continue
		}
		if len(intents) >= slots {
			skipped = append(skipped, skippedSignal{sig.ID, sig.Ticker, "max open positions reached"})
			continue
		}
		if len(intents) >= budget {
			skipped = append(skipped, skippedSignal{sig.ID, sig.Ticker, "daily trade limit reached"})
			continue
		}

		price, err := s.Gateway.LatestPrice(ctx, sig.Ticker)
		if err != nil || price <= 0 {
			skipped = append(skipped, skippedSignal{sig.ID, sig.Ticker, "no price available"})
			continue
		}

		shares := sizing.Shares(portfolioValue, sig.Confidence, price, sizeCfg)
		if shares <= 0 {
			skipped = append(skipped, skippedSignal{sig.ID, sig.Ticker, "position size rounds to zero shares"})
			continue
		}

		openTickers[sig.Ticker] = true // one position per ticker, within this batch too
		intents = append(intents, submit.Intent{
			AccountID: s.AccountID,
			Ticker:    sig.Ticker,
			Side:      "buy",
			Qty:       float64(shares),
			OrderType: "market",
			SignalID:  sig.ID,
			Actor:     "scheduler",
		})
	}

	results := s.Submitter.SubmitBatch(ctx, intents)
	c.JSON(http.StatusOK, gin.H{
		"submitted": results,
		"skipped":   skipped,
	})
}

// updatePositions runs the broker sync pass: order statuses, holdings, risk
// rules, and stale-signal expiry, in that order.
func (s *Server) updatePositions(c *gin.Context) {
	ctx := c.Request.Context()

	var errs []string
	if err := s.SyncJob.SyncOrders(ctx); err != nil {
		errs = append(errs, "orders: "+err.Error())
	}
	if err := s.SyncJob.SyncPositions(ctx); err != nil {
		errs = append(errs, "positions: "+err.Error())
	}
	if err := s.RiskEngine.EvaluateAll(ctx); err != nil {
		errs = append(errs, "risk: "+err.Error())
	}
	expired, err := s.Lifecycle.ExpireStale(ctx, time.Now())
	if err != nil {
		errs = append(errs, "expiry: "+err.Error())
	}

	status := http.StatusOK
	if len(errs) > 0 {
		status = http.StatusMultiStatus
	}
	c.JSON(status, gin.H{"expired_signals": expired, "errors": errs})
}

func (s *Server) snapshot(c *gin.Context) {
	if err := s.Reconciler.Snapshot(c.Request.Context()); err != nil {
		respondError(c, http.StatusInternalServerError, "internal_error", err.Error())
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "snapshot written"})
}

func signalJSON(s db.Signal) gin.H {
	h := gin.H{
		"id":             s.ID,
		"ticker":         s.Ticker,
		"classification": s.Classification,
		"confidence":     s.Confidence,
		"model_ref":      s.ModelRef,
		"asset_type":     s.AssetType,
		"created_at":     s.CreatedAt,
	}
	if s.ValidFrom.Valid {
		h["valid_from"] = s.ValidFrom.Time
	}
	if s.ValidUntil.Valid {
		h["valid_until"] = s.ValidUntil.Time
	}
	return h
}

func orderJSON(o db.Order) gin.H {
	h := gin.H{
		"id":               o.ID,
		"ticker":           o.Ticker,
		"side":             o.Side,
		"qty":              o.Qty,
		"order_type":       o.OrderType,
		"status":           o.Status,
		"broker_order_id":  o.BrokerOrderID,
		"filled_qty":       o.FilledQty,
		"filled_avg_price": o.FilledAvgPrice,
		"signal_id":        o.SignalID,
		"exit_reason":      o.ExitReason,
		"created_at":       o.CreatedAt,
		"updated_at":       o.UpdatedAt,
	}
	if o.LimitPrice > 0 {
		h["limit_price"] = o.LimitPrice
	}
	if o.SubmittedAt.Valid {
		h["submitted_at"] = o.SubmittedAt.Time
	}
	return h
}

func positionJSON(p db.Position) gin.H {
	h := gin.H{
		"id":                  p.ID,
		"ticker":              p.Ticker,
		"side":                p.Side,
		"qty":                 p.Qty,
		"entry_price":         p.EntryPrice,
		"entry_date":          p.EntryDate,
		"current_price":       p.CurrentPrice,
		"market_value":        p.MarketValue,
		"unrealized_pl":       p.UnrealizedPL,
		"highest_price":       p.HighestPrice,
		"stop_loss_price":     p.StopLossPrice,
		"take_profit_price":   p.TakeProfitPrice,
		"trailing_stop_price": p.TrailingStopPrice,
		"is_open":             p.IsOpen,
		"entry_signal_id":     p.EntrySignalID,
		"entry_order_id":      p.EntryOrderID,
	}
	if !p.IsOpen {
		h["exit_reason"] = p.ExitReason
		h["exit_order_id"] = p.ExitOrderID
		if p.ExitPrice.Valid {
			h["exit_price"] = p.ExitPrice.Float64
		}
		if p.ExitDate.Valid {
			h["exit_date"] = p.ExitDate.Time
		}
		if p.RealizedPL.Valid {
			h["realized_pl"] = p.RealizedPL.Float64
			h["realized_pl_pct"] = p.RealizedPLPct.Float64
		}
	} else if p.ExitOrderID != "" {
		h["exit_order_id"] = p.ExitOrderID
		h["exit_reason"] = p.ExitReason
	}
	return h
}
