package server

import (
	"context"
	"errors"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"

	"github.com/betbot/atomicexec/internal/alert"
	"github.com/betbot/atomicexec/internal/domain"
	"github.com/betbot/atomicexec/internal/execution"
	"github.com/betbot/atomicexec/internal/risk"
)

var log = logrus.WithField("component", "controlplane")

// Executor 控制面需要的执行器能力
type Executor interface {
	CreateGroup(ctx context.Context, strategyTag string) (string, error)
	AddLeg(ctx context.Context, groupID string, leg domain.Leg) error
	Execute(ctx context.Context, groupID string, window time.Duration) (*execution.Outcome, error)
	Group(ctx context.Context, id string) (*domain.Group, error)
	Groups(ctx context.Context) ([]*domain.Group, error)
	Acknowledge(ctx context.Context, groupID string) error
	BreakerState() risk.BreakerState
	ResumeCreation()
}

// AlertSource 最近告警
type AlertSource interface {
	Recent() []alert.Alert
}

type Config struct {
	Executor Executor
	Alerts   AlertSource                     // 可选
	Health   func(ctx context.Context) error // 可选：存储健康探测
}

type Server struct {
	cfg Config
}

func New(cfg Config) (*Server, error) {
	if cfg.Executor == nil {
		return nil, errors.New("executor is required")
	}
	return &Server{cfg: cfg}, nil
}

func (s *Server) Router() http.Handler {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.GET("/healthz", s.handleHealthz)

	api := r.Group("/api")

	groups := api.Group("/groups")
	groups.GET("", s.handleGroupsList)
	groups.POST("", s.handleGroupSubmit)
	groups.GET("/:groupID", s.handleGroupGet)
	groups.POST("/:groupID/ack", s.handleGroupAck)

	api.GET("/alerts", s.handleAlerts)

	breaker := api.Group("/breaker")
	breaker.GET("", s.handleBreakerGet)
	breaker.POST("/resume", s.handleBreakerResume)

	return r
}

func (s *Server) handleHealthz(c *gin.Context) {
	resp := gin.H{"status": "ok", "breaker": s.cfg.Executor.BreakerState()}
	if s.cfg.Health != nil {
		ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
		defer cancel()
		if err := s.cfg.Health(ctx); err != nil {
			resp["status"] = "degraded"
			resp["store_error"] = err.Error()
			c.JSON(http.StatusServiceUnavailable, resp)
			return
		}
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleGroupsList(c *gin.Context) {
	gs, err := s.cfg.Executor.Groups(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	status := strings.ToUpper(strings.TrimSpace(c.Query("status")))
	out := make([]*domain.Group, 0, len(gs))
	for _, g := range gs {
		if status != "" && string(g.Status) != status {
			continue
		}
		out = append(out, g)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	c.JSON(http.StatusOK, gin.H{"groups": out})
}

func (s *Server) handleGroupGet(c *gin.Context) {
	g, err := s.cfg.Executor.Group(c.Request.Context(), c.Param("groupID"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, g)
}

func (s *Server) handleGroupAck(c *gin.Context) {
	id := c.Param("groupID")
	if err := s.cfg.Executor.Acknowledge(c.Request.Context(), id); err != nil {
		writeError(c, err)
		return
	}
	log.Infof("👌 operator acknowledged group %s", id)
	c.JSON(http.StatusOK, gin.H{"acknowledged": id})
}

type legRequest struct {
	Instrument string            `json:"instrument" binding:"required"`
	Side       domain.Side       `json:"side" binding:"required"`
	Quantity   int64             `json:"quantity" binding:"required"`
	Style      domain.OrderStyle `json:"style"`
	LimitPrice *decimal.Decimal  `json:"limit_price,omitempty"`
}

type submitRequest struct {
	StrategyTag string       `json:"strategy_tag"`
	Legs        []legRequest `json:"legs"`
	Window      string       `json:"window,omitempty"` // 例如 "10s"，为空使用默认窗口
}

// handleGroupSubmit 创建组、加腿并同步执行，返回最终结果
func (s *Server) handleGroupSubmit(c *gin.Context) {
	var req submitRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	var window time.Duration
	if req.Window != "" {
		d, err := time.ParseDuration(req.Window)
		if err != nil || d <= 0 {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid window " + req.Window})
			return
		}
		window = d
	}

	ctx := c.Request.Context()
	ex := s.cfg.Executor
	id, err := ex.CreateGroup(ctx, req.StrategyTag)
	if err != nil {
		writeError(c, err)
		return
	}
	for _, l := range req.Legs {
		leg := domain.Leg{
			Instrument: l.Instrument,
			Side:       domain.Side(strings.ToUpper(string(l.Side))),
			Quantity:   l.Quantity,
			Style:      domain.OrderStyle(strings.ToUpper(string(l.Style))),
			LimitPrice: l.LimitPrice,
			FillState:  domain.FillUnsubmitted,
		}
		if leg.Style == "" {
			leg.Style = domain.StyleMarket
		}
		if err := ex.AddLeg(ctx, id, leg); err != nil {
			writeErrorWithID(c, id, err)
			return
		}
	}

	out, err := ex.Execute(ctx, id, window)
	if err != nil {
		writeErrorWithID(c, id, err)
		return
	}
	resp := gin.H{"outcome": out}
	if e := out.Err(); e != nil {
		resp["error"] = e.Error()
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleAlerts(c *gin.Context) {
	if s.cfg.Alerts == nil {
		c.JSON(http.StatusOK, gin.H{"alerts": []alert.Alert{}})
		return
	}
	c.JSON(http.StatusOK, gin.H{"alerts": s.cfg.Alerts.Recent()})
}

func (s *Server) handleBreakerGet(c *gin.Context) {
	c.JSON(http.StatusOK, s.cfg.Executor.BreakerState())
}

func (s *Server) handleBreakerResume(c *gin.Context) {
	s.cfg.Executor.ResumeCreation()
	c.JSON(http.StatusOK, s.cfg.Executor.BreakerState())
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, execution.ErrUnknownGroup):
		return http.StatusNotFound
	case errors.Is(err, execution.ErrInvalidLeg):
		return http.StatusBadRequest
	case errors.Is(err, execution.ErrInvalidGroupState):
		return http.StatusConflict
	case errors.Is(err, execution.ErrCreationHalted), errors.Is(err, execution.ErrNotRecovered):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeError(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"error": err.Error()})
}

func writeErrorWithID(c *gin.Context, id string, err error) {
	c.JSON(statusFor(err), gin.H{"group_id": id, "error": err.Error()})
}
