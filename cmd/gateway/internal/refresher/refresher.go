// Package refresher recomputes box sets on a fixed interval for every pair a
// connected user is streaming and pushes them down that user's connection.
package refresher

import (
	"context"
	"time"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"

	"github.com/shubham-shewale/boxstream/pkg/boxes"
)

type BoxComputer interface {
	Boxes(ctx context.Context, userID, pair, profile string) (boxes.BoxSet, error)
}

// Connections is the hub side: who is online and how to reach them.
type Connections interface {
	Connected() []string
	PushBoxes(userID, pair string, data interface{}) bool
}

type ActiveSets interface {
	Active(userID string) []string
}

type Options struct {
	Interval time.Duration
	Workers  int
	Profile  string
	// Timeout bounds one computation; defaults to the interval.
	Timeout time.Duration
}

type Refresher struct {
	boxes  BoxComputer
	conns  Connections
	active ActiveSets
	opts   Options
	logger *zap.Logger
}

func New(b BoxComputer, conns Connections, active ActiveSets, opts Options, logger *zap.Logger) *Refresher {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.Timeout <= 0 {
		opts.Timeout = opts.Interval
	}
	return &Refresher{boxes: b, conns: conns, active: active, opts: opts, logger: logger}
}

// Run ticks until ctx is cancelled. A round still in flight when the next tick
// fires delays that tick rather than overlapping it.
func (r *Refresher) Run(ctx context.Context) {
	if r.opts.Interval <= 0 {
		r.logger.Info("Box refresh disabled")
		return
	}
	ticker := time.NewTicker(r.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.RefreshOnce(ctx)
		}
	}
}

// RefreshOnce computes and pushes one round and returns how many sets were delivered.
func (r *Refresher) RefreshOnce(ctx context.Context) int {
	type job struct{ user, pair string }
	var jobs []job
	for _, user := range r.conns.Connected() {
		for _, pair := range r.active.Active(user) {
			jobs = append(jobs, job{user, pair})
		}
	}
	if len(jobs) == 0 {
		return 0
	}

	p := pool.NewWithResults[bool]().WithMaxGoroutines(r.opts.Workers)
	for _, j := range jobs {
		j := j
		p.Go(func() bool {
			jobCtx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
			defer cancel()
			set, err := r.boxes.Boxes(jobCtx, j.user, j.pair, r.opts.Profile)
			if err != nil {
				r.logger.Warn("Box refresh failed",
					zap.String("user", j.user),
					zap.String("instrument", j.pair),
					zap.Error(err))
				return false
			}
			return r.conns.PushBoxes(j.user, j.pair, set)
		})
	}

	delivered := 0
	for _, ok := range p.Wait() {
		if ok {
			delivered++
		}
	}
	r.logger.Debug("Box refresh round", zap.Int("jobs", len(jobs)), zap.Int("delivered", delivered))
	return delivered
}
