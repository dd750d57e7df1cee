// Package analysis computes box sets and trade signals for a user's pair from
// candle history pulled on demand under that user's broker credentials.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/shubham-shewale/boxstream/cmd/gateway/internal/broker"
	"github.com/shubham-shewale/boxstream/cmd/gateway/internal/repository"
	"github.com/shubham-shewale/boxstream/cmd/gateway/internal/telemetry"
	"github.com/shubham-shewale/boxstream/pkg/boxes"
	"github.com/shubham-shewale/boxstream/pkg/models"
	"github.com/shubham-shewale/boxstream/pkg/strategy"
)

// CandleSource is the part of broker.Client the service needs.
type CandleSource interface {
	FetchCandles(ctx context.Context, instrument string, count int, granularity string) ([]models.Candle, error)
}

type SourceFactory func(creds broker.Credentials) (CandleSource, error)

type Options struct {
	CandleCount int
	Granularity string
}

type Service struct {
	creds     repository.CredentialStore
	newSource SourceFactory
	calc      *boxes.Calculator
	opts      Options
	metrics   *telemetry.Metrics
	logger    *zap.Logger

	mu      sync.Mutex
	sources map[string]cachedSource
}

type cachedSource struct {
	creds  broker.Credentials
	source CandleSource
}

// Signal is a strategy decision plus what it was computed from.
type Signal struct {
	Pair     string            `json:"pair"`
	Profile  string            `json:"profile"`
	Strategy string            `json:"strategy"`
	Price    decimal.Decimal   `json:"price"`
	Decision strategy.Decision `json:"decision"`
	Boxes    boxes.BoxSet      `json:"boxes"`
}

func NewService(creds repository.CredentialStore, newSource SourceFactory, calc *boxes.Calculator,
	opts Options, metrics *telemetry.Metrics, logger *zap.Logger) *Service {
	return &Service{
		creds:     creds,
		newSource: newSource,
		calc:      calc,
		opts:      opts,
		metrics:   metrics,
		logger:    logger,
		sources:   make(map[string]cachedSource),
	}
}

func (s *Service) Profiles() *boxes.Registry { return s.calc.Profiles() }

// Boxes pulls recent candles for pair and runs the box engine with the named profile.
func (s *Service) Boxes(ctx context.Context, userID, pair, profile string) (boxes.BoxSet, error) {
	set, _, err := s.compute(ctx, userID, pair, profile)
	return set, err
}

// Signal computes boxes then asks the named strategy for a decision at the latest close.
func (s *Service) Signal(ctx context.Context, userID, pair, profile, strategyName string, pos strategy.Position) (Signal, error) {
	strat, err := strategy.New(strategyName)
	if err != nil {
		return Signal{}, err
	}
	set, candles, err := s.compute(ctx, userID, pair, profile)
	if err != nil {
		return Signal{}, err
	}
	closes := boxes.ClosingPrices(candles)
	price := closes[len(closes)-1]

	decision, err := strat.Decide(strategy.Input{Price: price, Boxes: set, Position: pos})
	if err != nil {
		return Signal{}, err
	}
	return Signal{
		Pair:     pair,
		Profile:  profile,
		Strategy: strat.Name(),
		Price:    price,
		Decision: decision,
		Boxes:    set,
	}, nil
}

func (s *Service) compute(ctx context.Context, userID, pair, profile string) (set boxes.BoxSet, candles []models.Candle, err error) {
	// Reject bad profiles before spending a candle pull on them.
	if _, err := s.calc.Profiles().Get(profile); err != nil {
		return nil, nil, err
	}

	start := time.Now()
	defer func() {
		s.metrics.BoxComputation(ctx, profile, float64(time.Since(start).Milliseconds()), err)
	}()

	source, err := s.source(ctx, userID)
	if err != nil {
		return nil, nil, err
	}
	candles, err = source.FetchCandles(ctx, pair, s.opts.CandleCount, s.opts.Granularity)
	if err != nil {
		return nil, nil, fmt.Errorf("candles %s for %s: %w", pair, userID, err)
	}
	set, err = s.calc.Compute(pair, profile, candles)
	if err != nil {
		return nil, nil, err
	}
	s.logger.Debug("Computed boxes",
		zap.String("user", userID),
		zap.String("instrument", pair),
		zap.String("profile", profile),
		zap.Int("candles", len(candles)))
	return set, candles, nil
}

// source reuses one broker client per user until their credentials change.
func (s *Service) source(ctx context.Context, userID string) (CandleSource, error) {
	creds, err := s.creds.GetCredentials(ctx, userID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("user %s: %w", userID, broker.ErrCredentialsMissing)
	}
	if err != nil {
		return nil, fmt.Errorf("load credentials for %s: %w", userID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if cached, ok := s.sources[userID]; ok && cached.creds == creds {
		return cached.source, nil
	}
	src, err := s.newSource(creds)
	if err != nil {
		return nil, fmt.Errorf("user %s: %w", userID, err)
	}
	s.sources[userID] = cachedSource{creds: creds, source: src}
	return src, nil
}
