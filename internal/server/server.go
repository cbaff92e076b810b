// Package server exposes the operator HTTP API: health, metrics, failed
// trades, alerts, reference data reload and stress scenarios.
package server

import (
	"context"
	stderrors "errors"
	"net/http"
	"strconv"
	"time"

	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/Aidin1998/tradesentry/internal/models"
	"github.com/Aidin1998/tradesentry/internal/refdata"
	"github.com/Aidin1998/tradesentry/internal/scoring"
	"github.com/Aidin1998/tradesentry/internal/store"
	"github.com/Aidin1998/tradesentry/internal/stress"
	"github.com/Aidin1998/tradesentry/pkg/errors"
)

const (
	defaultListLimit = 100
	maxListLimit     = 1000
)

// TradeStore is the read side of the store plus alert status updates
type TradeStore interface {
	Ping(ctx context.Context) error
	GetTrade(ctx context.Context, id int64) (*models.Trade, error)
	ListFailed(ctx context.Context, limit int) ([]models.Trade, error)
	RecentTrades(ctx context.Context, limit int) ([]models.Trade, error)
	CountByStatus(ctx context.Context) (map[models.TradeStatus]int64, error)
	RiskScoreForTrade(ctx context.Context, tradeID int64) (*models.RiskScore, error)
	AlertForTrade(ctx context.Context, tradeID int64) (*models.Alert, error)
	ListAlerts(ctx context.Context, f store.AlertFilter) ([]models.Alert, error)
	UpdateAlertStatus(ctx context.Context, id uuid.UUID, next models.AlertStatus, operator string) (*models.Alert, error)
}

// Reloader owns the active reference data snapshot
type Reloader interface {
	Current() *refdata.Snapshot
	Reload(ctx context.Context) (*refdata.Snapshot, error)
}

// Notifier tells peer instances to reload too
type Notifier interface {
	Publish(ctx context.Context, reason string) error
}

// Server represents the HTTP server
type Server struct {
	logger   *zap.Logger
	store    TradeStore
	holder   Reloader
	assessor *scoring.Assessor
	notifier Notifier
	auth     *Authenticator
}

// NewServer creates a new HTTP server. notifier may be nil. Mutating routes
// require a bearer token accepted by auth.
func NewServer(logger *zap.Logger, st TradeStore, holder Reloader, assessor *scoring.Assessor, notifier Notifier, auth *Authenticator) *Server {
	return &Server{
		logger:   logger.Named("server"),
		store:    st,
		holder:   holder,
		assessor: assessor,
		notifier: notifier,
		auth:     auth,
	}
}

// Router creates a new HTTP router
func (s *Server) Router() *gin.Engine {
	router := gin.New()

	router.Use(ginzap.Ginzap(s.logger, time.RFC3339, true))
	router.Use(ginzap.RecoveryWithZap(s.logger, true))
	router.Use(otelgin.Middleware("tradesentry"))

	router.GET("/health", s.handleHealth)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	v1 := router.Group("/api/v1")
	{
		trades := v1.Group("/trades")
		{
			trades.GET("/failed", s.handleListFailed)
			trades.GET("/counts", s.handleCounts)
			trades.GET("/:id", s.handleGetTrade)
		}

		alerts := v1.Group("/alerts")
		{
			alerts.GET("", s.handleListAlerts)
			alerts.PATCH("/:id", s.requireOperator, s.handleUpdateAlert)
		}

		ref := v1.Group("/refdata")
		{
			ref.GET("", s.handleRefData)
			ref.POST("/reload", s.requireOperator, s.handleReload)
		}

		st := v1.Group("/stress")
		{
			st.GET("/scenarios", s.handleScenarios)
			st.POST("", s.requireOperator, s.handleStress)
		}
	}

	return router
}

// Serve runs the API on addr until ctx is cancelled, then drains open
// requests for up to shutdownTimeout.
func (s *Server) Serve(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Starting ops API", zap.String("addr", addr))
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if stderrors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func (s *Server) handleHealth(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	if err := s.store.Ping(ctx); err != nil {
		s.respondError(c, errors.Unavailable.Explain("trade store unreachable").Wrap(err))
		return
	}

	snap := s.holder.Current()
	c.JSON(http.StatusOK, gin.H{
		"status":          "ok",
		"ruleset_version": s.assessor.PolicyVersion(snap),
		"refdata_version": snap.RulesetVersion(),
		"model_version":   snap.ModelVersion(),
		"refdata_loaded":  snap.LoadedAt,
	})
}

func (s *Server) handleListFailed(c *gin.Context) {
	limit, err := parseLimit(c)
	if err != nil {
		s.respondError(c, err)
		return
	}
	trades, err := s.store.ListFailed(c.Request.Context(), limit)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"trades": trades, "count": len(trades)})
}

func (s *Server) handleCounts(c *gin.Context) {
	counts, err := s.store.CountByStatus(c.Request.Context())
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"counts": counts})
}

func (s *Server) handleGetTrade(c *gin.Context) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		s.respondError(c, errors.Invalid.Explain("trade id must be an integer"))
		return
	}

	ctx := c.Request.Context()
	trade, err := s.store.GetTrade(ctx, id)
	if err != nil {
		s.respondError(c, err)
		return
	}

	resp := gin.H{"trade": trade}
	if trade.Status == models.TradeProcessed {
		score, err := s.store.RiskScoreForTrade(ctx, id)
		if err != nil {
			s.respondError(c, err)
			return
		}
		resp["risk_score"] = score
		if score.Classification != models.Allow {
			alert, err := s.store.AlertForTrade(ctx, id)
			if err != nil {
				s.respondError(c, err)
				return
			}
			resp["alert"] = alert
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleListAlerts(c *gin.Context) {
	limit, err := parseLimit(c)
	if err != nil {
		s.respondError(c, err)
		return
	}
	f := store.AlertFilter{
		Status:   models.AlertStatus(c.Query("status")),
		Severity: models.AlertSeverity(c.Query("severity")),
		Limit:    limit,
	}
	alerts, err := s.store.ListAlerts(c.Request.Context(), f)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"alerts": alerts, "count": len(alerts)})
}

// UpdateAlertRequest moves an alert through the operator workflow. The
// operator is taken from the bearer token.
type UpdateAlertRequest struct {
	Status models.AlertStatus `json:"status" binding:"required,oneof=ACKNOWLEDGED DISMISSED"`
}

func (s *Server) handleUpdateAlert(c *gin.Context) {
	id, err := uuid.Parse(c.Param("id"))
	if err != nil {
		s.respondError(c, errors.Invalid.Explain("alert id must be a UUID"))
		return
	}

	var req UpdateAlertRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, errors.Invalid.Explain("invalid request body").Wrap(err))
		return
	}

	operator := operatorFrom(c)
	alert, err := s.store.UpdateAlertStatus(c.Request.Context(), id, req.Status, operator)
	if err != nil {
		s.respondError(c, err)
		return
	}
	s.logger.Info("alert status changed",
		zap.Stringer("alert_id", id),
		zap.String("status", string(alert.Status)),
		zap.String("operator", operator))
	c.JSON(http.StatusOK, alert)
}

func (s *Server) handleRefData(c *gin.Context) {
	snap := s.holder.Current()
	c.JSON(http.StatusOK, gin.H{
		"ruleset_version": snap.RulesetVersion(),
		"model_version":   snap.ModelVersion(),
		"loaded_at":       snap.LoadedAt,
		"stats":           snap.Stats,
	})
}

// ReloadRequest triggers a reference data reload
type ReloadRequest struct {
	Reason string `json:"reason" binding:"max=256"`
}

func (s *Server) handleReload(c *gin.Context) {
	var req ReloadRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			s.respondError(c, errors.Invalid.Explain("invalid request body").Wrap(err))
			return
		}
	}
	if req.Reason == "" {
		req.Reason = "operator request"
	}

	snap, err := s.holder.Reload(c.Request.Context())
	if err != nil {
		s.respondError(c, errors.Unavailable.Explain("reload failed, previous reference data kept").Wrap(err))
		return
	}

	s.logger.Info("reference data reloaded by operator",
		zap.String("operator", operatorFrom(c)),
		zap.String("reason", req.Reason),
		zap.String("ruleset_version", snap.RulesetVersion()))

	broadcast := false
	if s.notifier != nil {
		if err := s.notifier.Publish(c.Request.Context(), req.Reason); err != nil {
			s.logger.Warn("failed to broadcast reload", zap.Error(err))
		} else {
			broadcast = true
		}
	}

	c.JSON(http.StatusOK, gin.H{
		"ruleset_version": snap.RulesetVersion(),
		"model_version":   snap.ModelVersion(),
		"stats":           snap.Stats,
		"broadcast":       broadcast,
	})
}

func (s *Server) handleScenarios(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"scenarios": stress.Presets()})
}

// StressRequest selects a preset or custom shocks and the trades to shock
type StressRequest struct {
	Scenario      string           `json:"scenario"`
	FXShockPct    *decimal.Decimal `json:"fx_shock_pct"`
	PriceShockPct *decimal.Decimal `json:"price_shock_pct"`
	Limit         int              `json:"limit" binding:"gte=0,lte=1000"`
	TradeIDs      []int64          `json:"trade_ids" binding:"max=1000"`
}

func (s *Server) handleStress(c *gin.Context) {
	var req StressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, errors.Invalid.Explain("invalid request body").Wrap(err))
		return
	}

	sc, err := scenarioFor(req)
	if err != nil {
		s.respondError(c, err)
		return
	}

	ctx := c.Request.Context()
	var trades []models.Trade
	if len(req.TradeIDs) > 0 {
		for _, id := range req.TradeIDs {
			t, err := s.store.GetTrade(ctx, id)
			if err != nil {
				s.respondError(c, err)
				return
			}
			trades = append(trades, *t)
		}
	} else {
		limit := req.Limit
		if limit == 0 {
			limit = defaultListLimit
		}
		if trades, err = s.store.RecentTrades(ctx, limit); err != nil {
			s.respondError(c, err)
			return
		}
	}

	res, err := stress.Run(s.assessor, s.holder.Current(), trades, sc)
	if err != nil {
		s.respondError(c, errors.Invalid.Wrap(err).Explain("invalid scenario"))
		return
	}
	s.logger.Info("stress scenario run",
		zap.String("operator", operatorFrom(c)),
		zap.String("scenario", sc.Name),
		zap.Int("trades", len(trades)))
	c.JSON(http.StatusOK, res)
}

func scenarioFor(req StressRequest) (stress.Scenario, error) {
	if req.Scenario != "" {
		sc, ok := stress.Preset(req.Scenario)
		if !ok {
			return stress.Scenario{}, errors.Invalid.Explain("unknown scenario %q", req.Scenario)
		}
		return sc, nil
	}
	if req.FXShockPct == nil && req.PriceShockPct == nil {
		return stress.Scenario{}, errors.Invalid.Explain("scenario or shocks are required")
	}
	sc := stress.Scenario{Name: "custom"}
	if req.FXShockPct != nil {
		sc.FXShock = *req.FXShockPct
	}
	if req.PriceShockPct != nil {
		sc.PriceShock = *req.PriceShockPct
	}
	return sc, nil
}

func parseLimit(c *gin.Context) (int, error) {
	raw := c.Query("limit")
	if raw == "" {
		return defaultListLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > maxListLimit {
		return 0, errors.Invalid.Explain("limit must be between 1 and %d", maxListLimit)
	}
	return n, nil
}

func (s *Server) respondError(c *gin.Context, err error) {
	pd := errors.ToProblemDetails(err, c.Request.URL.Path)
	if sc := trace.SpanContextFromContext(c.Request.Context()); sc.HasTraceID() {
		pd.WithTraceID(sc.TraceID().String())
	}
	if pd.Status >= http.StatusInternalServerError {
		s.logger.Error("request failed", zap.String("path", c.Request.URL.Path), zap.Error(err))
	}
	c.Header("Content-Type", "application/problem+json")
	c.AbortWithStatusJSON(pd.Status, pd)
}
