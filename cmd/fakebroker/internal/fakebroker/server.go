// Package fakebroker is a local stand-in for the brokerage: a chunked NDJSON
// pricing stream and a candle history endpoint over synthetic prices.
package fakebroker

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/shubham-shewale/boxstream/pkg/models"
)

const maxCandleCount = 5000

var granularities = map[string]time.Duration{
	"S5":  5 * time.Second,
	"S30": 30 * time.Second,
	"M1":  time.Minute,
	"M5":  5 * time.Minute,
	"M15": 15 * time.Minute,
	"M30": 30 * time.Minute,
	"H1":  time.Hour,
	"H4":  4 * time.Hour,
	"D":   24 * time.Hour,
}

type Options struct {
	Token             string
	Instruments       []string
	TickInterval      time.Duration
	HeartbeatInterval time.Duration
}

type Server struct {
	engine  *gin.Engine
	prices  *PriceGenerator
	clock   Clock
	opts    Options
	allowed map[string]bool
	logger  *zap.Logger
}

func NewServer(opts Options, prices *PriceGenerator, clock Clock, logger *zap.Logger) *Server {
	if opts.TickInterval <= 0 {
		opts.TickInterval = 250 * time.Millisecond
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = 5 * time.Second
	}
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		engine:  gin.New(),
		prices:  prices,
		clock:   clock,
		opts:    opts,
		allowed: make(map[string]bool, len(opts.Instruments)),
		logger:  logger,
	}
	for _, inst := range opts.Instruments {
		s.allowed[inst] = true
	}
	s.engine.Use(gin.Recovery())
	s.setupRoutes()
	return s
}

func (s *Server) Handler() http.Handler { return s.engine }

func (s *Server) setupRoutes() {
	v3 := s.engine.Group("/v3", s.auth)
	v3.GET("/accounts/:account/pricing/stream", s.stream)
	v3.GET("/instruments/:instrument/candles", s.candles)
}

func (s *Server) auth(c *gin.Context) {
	if c.GetHeader("Authorization") != "Bearer "+s.opts.Token {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"errorMessage": "Insufficient authorization to perform request."})
		return
	}
	c.Next()
}

func (s *Server) stream(c *gin.Context) {
	var insts []string
	for _, inst := range strings.Split(c.Query("instruments"), ",") {
		inst = strings.TrimSpace(inst)
		if inst == "" {
			continue
		}
		if !s.allowed[inst] {
			c.JSON(http.StatusBadRequest, gin.H{"errorMessage": "Invalid value specified for 'instruments': " + inst})
			return
		}
		insts = append(insts, inst)
	}
	if len(insts) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"errorMessage": "instruments required"})
		return
	}

	c.Header("Content-Type", "application/octet-stream")
	c.Status(http.StatusOK)
	c.Writer.Flush()
	s.logger.Info("Stream opened", zap.String("account", c.Param("account")), zap.Strings("instruments", insts))

	ticks := time.NewTicker(s.opts.TickInterval)
	defer ticks.Stop()
	heartbeats := time.NewTicker(s.opts.HeartbeatInterval)
	defer heartbeats.Stop()

	ctx := c.Request.Context()
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Stream closed", zap.Strings("instruments", insts))
			return
		case <-ticks.C:
			for _, inst := range insts {
				if !s.writeLine(c, s.priceTick(inst)) {
					return
				}
			}
		case <-heartbeats.C:
			hb := models.Tick{Type: models.TypeHeartbeat, Time: s.timestamp()}
			if !s.writeLine(c, hb) {
				return
			}
		}
		c.Writer.Flush()
	}
}

func (s *Server) priceTick(inst string) models.Tick {
	bid, ask := s.prices.Next(inst)
	return models.Tick{
		Type:       models.TypePrice,
		Instrument: inst,
		Time:       s.timestamp(),
		Bids:       []models.PriceBucket{{Price: bid.String(), Liquidity: 1000000}},
		Asks:       []models.PriceBucket{{Price: ask.String(), Liquidity: 1000000}},
	}
}

func (s *Server) writeLine(c *gin.Context, tick models.Tick) bool {
	b, err := json.Marshal(tick)
	if err != nil {
		s.logger.Error("Encode tick", zap.Error(err))
		return false
	}
	if _, err := c.Writer.Write(append(b, '\n')); err != nil {
		return false
	}
	return true
}

func (s *Server) timestamp() string {
	return s.clock.Now().UTC().Format(time.RFC3339Nano)
}

// candles serves either [from, to) or the last count complete bars, oldest first.
func (s *Server) candles(c *gin.Context) {
	inst := c.Param("instrument")
	if !s.allowed[inst] {
		c.JSON(http.StatusBadRequest, gin.H{"errorMessage": "Invalid value specified for 'instrument'"})
		return
	}
	gran := c.DefaultQuery("granularity", "S5")
	bar, ok := granularities[gran]
	if !ok {
		c.JSON(http.StatusBadRequest, gin.H{"errorMessage": "Invalid value specified for 'granularity'"})
		return
	}

	from, to, err := s.window(c, bar)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"errorMessage": err.Error()})
		return
	}

	bars := make([]models.Candle, 0, max(0, int(to.Sub(from)/bar)))
	for ts := from; ts.Before(to); ts = ts.Add(bar) {
		mid := s.prices.CandleClose(inst, ts).String()
		bars = append(bars, models.Candle{
			Time:     ts.UTC().Format(time.RFC3339Nano),
			Volume:   1,
			Complete: true,
			Mid:      models.CandleMid{O: mid, H: mid, L: mid, C: mid},
		})
	}
	c.JSON(http.StatusOK, models.CandlesResponse{Instrument: inst, Granularity: gran, Candles: bars})
}

func (s *Server) window(c *gin.Context, bar time.Duration) (from, to time.Time, err error) {
	now := s.clock.Now().Truncate(bar)
	if f := c.Query("from"); f != "" {
		from, err = time.Parse(time.RFC3339, f)
		if err != nil {
			return from, to, errors.New("Invalid value specified for 'from'")
		}
		to = now
		if t := c.Query("to"); t != "" {
			if to, err = time.Parse(time.RFC3339, t); err != nil {
				return from, to, errors.New("Invalid value specified for 'to'")
			}
		}
		from, to = from.Truncate(bar), to.Truncate(bar)
		if to.After(now) {
			to = now
		}
		if int(to.Sub(from)/bar) > maxCandleCount {
			return from, to, errors.New("Maximum value for 'count' exceeded")
		}
		return from, to, nil
	}

	count := 500
	if q := c.Query("count"); q != "" {
		if count, err = strconv.Atoi(q); err != nil || count <= 0 {
			return from, to, errors.New("Invalid value specified for 'count'")
		}
	}
	if count > maxCandleCount {
		return from, to, errors.New("Maximum value for 'count' exceeded")
	}
	return now.Add(-time.Duration(count) * bar), now, nil
}
