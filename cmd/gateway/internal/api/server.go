// Package api is the gateway's HTTP surface: on-demand box computation, trade
// signals, profile listing, health, and the websocket upgrade.
package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/shubham-shewale/boxstream/cmd/gateway/internal/analysis"
	"github.com/shubham-shewale/boxstream/cmd/gateway/internal/broker"
	"github.com/shubham-shewale/boxstream/pkg/boxes"
	"github.com/shubham-shewale/boxstream/pkg/strategy"
)

type BoxService interface {
	Boxes(ctx context.Context, userID, pair, profile string) (boxes.BoxSet, error)
	Signal(ctx context.Context, userID, pair, profile, strategyName string, pos strategy.Position) (analysis.Signal, error)
	Profiles() *boxes.Registry
}

type Pinger interface {
	Ping(ctx context.Context) error
}

type Options struct {
	Boxes          BoxService
	Health         Pinger
	WebSocket      http.HandlerFunc
	DefaultProfile string
	Debug          bool
	Logger         *zap.Logger
}

type Server struct {
	engine *gin.Engine
	opts   Options
	logger *zap.Logger
}

type boxRequest struct {
	UserID       string `json:"userId" binding:"required"`
	Pair         string `json:"pair" binding:"required"`
	BoxArrayType string `json:"boxArrayType"`
}

type signalRequest struct {
	boxRequest
	Strategy string            `json:"strategy"`
	Position strategy.Position `json:"position"`
}

func NewServer(opts Options) *Server {
	if !opts.Debug {
		gin.SetMode(gin.ReleaseMode)
	}
	s := &Server{engine: gin.New(), opts: opts, logger: opts.Logger}
	s.engine.Use(gin.Recovery(), s.requestLog())
	s.setupRoutes()
	return s
}

func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) setupRoutes() {
	s.engine.POST("/calculate-box-arrays", s.calculateBoxArrays)
	s.engine.POST("/signal", s.signal)
	s.engine.GET("/profiles", s.profiles)
	s.engine.GET("/healthz", s.health)
	if s.opts.WebSocket != nil {
		s.engine.GET("/ws", gin.WrapF(s.opts.WebSocket))
	}
}

func (s *Server) calculateBoxArrays(c *gin.Context) {
	var req boxRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	profile := s.profileOrDefault(req.BoxArrayType)
	set, err := s.opts.Boxes.Boxes(c.Request.Context(), req.UserID, normalizePair(req.Pair), profile)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, set)
}

func (s *Server) signal(c *gin.Context) {
	var req signalRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	profile := s.profileOrDefault(req.BoxArrayType)
	sig, err := s.opts.Boxes.Signal(c.Request.Context(), req.UserID, normalizePair(req.Pair), profile, req.Strategy, req.Position)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, sig)
}

func (s *Server) profiles(c *gin.Context) {
	reg := s.opts.Boxes.Profiles()
	out := make(map[string][]int)
	for _, name := range reg.Names() {
		p, _ := reg.Get(name)
		out[name] = p.Magnitudes()
	}
	c.JSON(http.StatusOK, gin.H{"default": s.opts.DefaultProfile, "profiles": out})
}

func (s *Server) health(c *gin.Context) {
	if s.opts.Health != nil {
		if err := s.opts.Health.Ping(c.Request.Context()); err != nil {
			c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "error": err.Error()})
			return
		}
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// fail maps domain errors to status codes. Only this request is affected.
func (s *Server) fail(c *gin.Context, err error) {
	status := http.StatusBadGateway
	switch {
	case errors.Is(err, boxes.ErrInvalidProfile), errors.Is(err, strategy.ErrUnknownStrategy):
		status = http.StatusBadRequest
	case errors.Is(err, boxes.ErrEmptyHistory), errors.Is(err, strategy.ErrNoBoxes):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, broker.ErrCredentialsMissing):
		status = http.StatusUnauthorized
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("Request failed", zap.String("path", c.FullPath()), zap.Error(err))
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

func (s *Server) profileOrDefault(name string) string {
	if strings.TrimSpace(name) == "" {
		return s.opts.DefaultProfile
	}
	return name
}

func (s *Server) requestLog() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()
		if c.FullPath() == "/ws" {
			return
		}
		s.logger.Debug("HTTP",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()))
	}
}

func normalizePair(p string) string {
	return strings.ToUpper(strings.TrimSpace(p))
}
