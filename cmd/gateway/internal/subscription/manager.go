package subscription

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/shubham-shewale/boxstream/cmd/gateway/internal/broker"
	"github.com/shubham-shewale/boxstream/cmd/gateway/internal/repository"
	"github.com/shubham-shewale/boxstream/cmd/gateway/internal/telemetry"
	"github.com/shubham-shewale/boxstream/pkg/models"
)

const (
	resubscribeTimeout   = 30 * time.Second
	defaultMaxResubDelay = 2 * time.Minute
	defaultStableAfter   = time.Minute
)

// Feed is one user's set of upstream streams. *broker.Feed satisfies it.
type Feed interface {
	Subscribe(ctx context.Context, instruments []string, onTick broker.TickHandler) ([]string, error)
	Unsubscribe(instruments []string) []string
	Ends() <-chan broker.StreamEnd
	// IsActive reports whether a stream for instrument is currently open.
	IsActive(instrument string) bool
	Close()
}

// FeedFactory opens a Feed under one user's credentials.
type FeedFactory func(creds broker.Credentials) (Feed, error)

// Sink receives everything a user's feed produces.
type Sink interface {
	Dispatch(userID, instrument string, tick models.Tick, raw []byte)
	StreamEnded(userID, instrument string, err error)
}

type Options struct {
	// IdleTTL is how long a released user keeps its streams. Zero tears down at once.
	IdleTTL time.Duration
	// ResubscribeDelay is the first wait after a stream ends. Each further end of
	// the same instrument doubles it up to MaxResubscribeDelay.
	ResubscribeDelay    time.Duration
	MaxResubscribeDelay time.Duration
	// StableAfter is how long a stream must stay up before its delay starts over.
	StableAfter time.Duration
}

// Result describes one reconciliation.
type Result struct {
	Active       []string
	Subscribed   []string
	Unsubscribed []string
}

// Manager owns every user's subscription partition. Operations on one user are
// serialized; different users never contend beyond the map lookup.
type Manager struct {
	prefs   repository.PreferenceStore
	creds   repository.CredentialStore
	newFeed FeedFactory
	sink    Sink
	opts    Options
	metrics *telemetry.Metrics
	logger  *zap.Logger

	mu    sync.Mutex
	users map[string]*userState
}

type userState struct {
	id string

	mu      sync.Mutex
	closed  bool
	feed    Feed
	stop    chan struct{}
	active  map[string]struct{}
	desired []string
	idle    *time.Timer
	idleGen uint64

	// per-instrument resubscribe backoff and when each stream was last opened
	retry  map[string]*backoff.ExponentialBackOff
	opened map[string]time.Time
}

func NewManager(prefs repository.PreferenceStore, creds repository.CredentialStore, newFeed FeedFactory,
	sink Sink, opts Options, metrics *telemetry.Metrics, logger *zap.Logger) *Manager {
	if opts.MaxResubscribeDelay <= 0 {
		opts.MaxResubscribeDelay = defaultMaxResubDelay
	}
	if opts.MaxResubscribeDelay < opts.ResubscribeDelay {
		opts.MaxResubscribeDelay = opts.ResubscribeDelay
	}
	if opts.StableAfter <= 0 {
		opts.StableAfter = defaultStableAfter
	}
	return &Manager{
		prefs:   prefs,
		creds:   creds,
		newFeed: newFeed,
		sink:    sink,
		opts:    opts,
		metrics: metrics,
		logger:  logger,
		users:   make(map[string]*userState),
	}
}

// Attach cancels any pending idle teardown for the user and reconciles against
// the stored preferences.
func (m *Manager) Attach(ctx context.Context, userID string) (Result, error) {
	st := m.lockUser(userID)
	defer st.mu.Unlock()
	st.disarmIdle()

	desired, err := m.prefs.GetPreferences(ctx, userID)
	if err != nil && !errors.Is(err, repository.ErrNotFound) {
		return Result{Active: sortedKeys(st.active)}, fmt.Errorf("load preferences for %s: %w", userID, err)
	}
	return m.reconcileLocked(ctx, st, desired)
}

// Update stores the new favorite list, then reconciles to it.
func (m *Manager) Update(ctx context.Context, userID string, pairs []string) (Result, error) {
	st := m.lockUser(userID)
	defer st.mu.Unlock()
	st.disarmIdle()

	if err := m.prefs.SetPreferences(ctx, userID, pairs); err != nil {
		return Result{Active: sortedKeys(st.active)}, fmt.Errorf("save preferences for %s: %w", userID, err)
	}
	return m.reconcileLocked(ctx, st, pairs)
}

// Reconcile moves the user's streams to desired without touching stored preferences.
func (m *Manager) Reconcile(ctx context.Context, userID string, desired []string) (Result, error) {
	st := m.lockUser(userID)
	defer st.mu.Unlock()
	return m.reconcileLocked(ctx, st, desired)
}

// Active returns the instruments currently streaming for the user.
func (m *Manager) Active(userID string) []string {
	st, ok := m.lookup(userID)
	if !ok {
		return nil
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return sortedKeys(st.active)
}

// Release starts the idle countdown after the user's connection goes away.
func (m *Manager) Release(userID string) {
	st, ok := m.lookup(userID)
	if !ok {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return
	}
	if m.opts.IdleTTL <= 0 {
		m.teardownLocked(st)
		return
	}
	st.disarmIdle()
	gen := st.idleGen
	st.idle = time.AfterFunc(m.opts.IdleTTL, func() { m.expire(st, gen) })
	m.logger.Debug("Idle countdown started", zap.String("user", userID), zap.Duration("ttl", m.opts.IdleTTL))
}

// Teardown cancels every stream of the user immediately.
func (m *Manager) Teardown(userID string) {
	st, ok := m.lookup(userID)
	if !ok {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.closed {
		m.teardownLocked(st)
	}
}

// Close tears down every user.
func (m *Manager) Close() {
	m.mu.Lock()
	ids := make([]string, 0, len(m.users))
	for id := range m.users {
		ids = append(ids, id)
	}
	m.mu.Unlock()
	for _, id := range ids {
		m.Teardown(id)
	}
}

func (m *Manager) reconcileLocked(ctx context.Context, st *userState, desired []string) (Result, error) {
	desired = sortedKeys(toSet(desired))
	st.desired = desired

	toSubscribe, toUnsubscribe := Diff(sortedKeys(st.active), desired)
	var res Result

	if len(toUnsubscribe) > 0 {
		if st.feed != nil {
			res.Unsubscribed = st.feed.Unsubscribe(toUnsubscribe)
		}
		for _, inst := range toUnsubscribe {
			delete(st.active, inst)
		}
	}

	var subErr error
	if len(toSubscribe) > 0 {
		feed, err := m.ensureFeed(ctx, st)
		if err != nil {
			res.Active = sortedKeys(st.active)
			return res, err
		}
		opened, err := feed.Subscribe(ctx, toSubscribe, m.onTick(st.id))
		now := time.Now()
		for _, inst := range opened {
			st.active[inst] = struct{}{}
			st.opened[inst] = now
		}
		// A stream the feed already holds is ours even though Subscribe skipped it.
		for _, inst := range toSubscribe {
			if _, ok := st.active[inst]; !ok && feed.IsActive(inst) {
				st.active[inst] = struct{}{}
			}
		}
		res.Subscribed = opened
		m.metrics.StreamsOpened(ctx, len(opened))
		if err != nil {
			subErr = fmt.Errorf("subscribe for %s: %w", st.id, err)
		}
	}

	res.Active = sortedKeys(st.active)
	m.logger.Info("Reconciled",
		zap.String("user", st.id),
		zap.Strings("subscribed", res.Subscribed),
		zap.Strings("unsubscribed", res.Unsubscribed),
		zap.Strings("active", res.Active),
		zap.NamedError("partial_failure", subErr))
	return res, subErr
}

func (m *Manager) ensureFeed(ctx context.Context, st *userState) (Feed, error) {
	if st.feed != nil {
		return st.feed, nil
	}
	creds, err := m.creds.GetCredentials(ctx, st.id)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, fmt.Errorf("user %s: %w", st.id, broker.ErrCredentialsMissing)
	}
	if err != nil {
		return nil, fmt.Errorf("load credentials for %s: %w", st.id, err)
	}
	feed, err := m.newFeed(creds)
	if err != nil {
		return nil, fmt.Errorf("user %s: %w", st.id, err)
	}
	st.feed = feed
	st.stop = make(chan struct{})
	go m.watchEnds(st, feed, st.stop)
	return feed, nil
}

func (m *Manager) onTick(userID string) broker.TickHandler {
	return func(instrument string, tick models.Tick, raw []byte) {
		m.sink.Dispatch(userID, instrument, tick, raw)
	}
}

func (m *Manager) watchEnds(st *userState, feed Feed, stop <-chan struct{}) {
	for {
		select {
		case <-stop:
			return
		case end := <-feed.Ends():
			m.handleEnd(st, feed, end)
		}
	}
}

// handleEnd drops an ended stream from the active set, tells the user, and
// schedules a resubscribe when the instrument is still wanted. An end from a
// handle that has since been replaced is ignored.
func (m *Manager) handleEnd(st *userState, feed Feed, end broker.StreamEnd) {
	st.mu.Lock()
	if st.closed || st.feed != feed {
		st.mu.Unlock()
		return
	}
	if feed.IsActive(end.Instrument) {
		st.mu.Unlock()
		m.logger.Debug("Ignoring end of superseded stream", zap.String("user", st.id), zap.String("instrument", end.Instrument))
		return
	}
	delete(st.active, end.Instrument)
	wanted := contains(st.desired, end.Instrument)
	var delay time.Duration
	if wanted {
		delay = m.resubscribeDelay(st, end.Instrument, time.Now())
	}
	st.mu.Unlock()

	m.metrics.StreamEnded(context.Background(), end.Instrument)
	m.sink.StreamEnded(st.id, end.Instrument, end.Err)
	if !wanted {
		return
	}
	m.logger.Info("Resubscribe scheduled",
		zap.String("user", st.id),
		zap.String("instrument", end.Instrument),
		zap.Duration("delay", delay))
	time.AfterFunc(delay, func() { m.resubscribe(st) })
}

// resubscribeDelay returns the next wait for inst. A stream that stayed up for
// StableAfter starts again from ResubscribeDelay.
func (m *Manager) resubscribeDelay(st *userState, inst string, now time.Time) time.Duration {
	b, ok := st.retry[inst]
	if !ok {
		b = backoff.NewExponentialBackOff()
		b.InitialInterval = m.opts.ResubscribeDelay
		b.MaxInterval = m.opts.MaxResubscribeDelay
		b.Multiplier = 2
		b.RandomizationFactor = 0
		b.Reset()
		st.retry[inst] = b
	} else if since, ok := st.opened[inst]; ok && now.Sub(since) >= m.opts.StableAfter {
		b.Reset()
	}
	delete(st.opened, inst)

	d := b.NextBackOff()
	if d == backoff.Stop || d > m.opts.MaxResubscribeDelay {
		d = m.opts.MaxResubscribeDelay
	}
	return d
}

// resubscribe reconciles back to the desired set. Instruments that still could
// not be opened are retried on their backoff, except when credentials are rejected.
func (m *Manager) resubscribe(st *userState) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), resubscribeTimeout)
	defer cancel()
	_, err := m.reconcileLocked(ctx, st, st.desired)
	if err == nil {
		return
	}
	m.logger.Warn("Resubscribe failed", zap.String("user", st.id), zap.Error(err))
	if errors.Is(err, broker.ErrCredentialsMissing) {
		return
	}
	var delay time.Duration
	now := time.Now()
	for _, inst := range st.desired {
		if _, ok := st.active[inst]; ok {
			continue
		}
		if d := m.resubscribeDelay(st, inst, now); delay == 0 || d < delay {
			delay = d
		}
	}
	if delay > 0 {
		time.AfterFunc(delay, func() { m.resubscribe(st) })
	}
}

func (m *Manager) expire(st *userState, gen uint64) {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed || st.idleGen != gen {
		return
	}
	m.logger.Info("Idle subscriptions expired", zap.String("user", st.id))
	m.teardownLocked(st)
}

func (m *Manager) teardownLocked(st *userState) {
	st.closed = true
	st.disarmIdle()
	if st.feed != nil {
		st.feed.Close()
		close(st.stop)
		st.feed = nil
	}
	st.active = map[string]struct{}{}
	st.retry = nil
	st.opened = nil

	m.mu.Lock()
	if m.users[st.id] == st {
		delete(m.users, st.id)
	}
	m.mu.Unlock()
	m.logger.Info("Subscriptions torn down", zap.String("user", st.id))
}

// lockUser returns the user's live state, locked. A state torn down between lookup
// and lock is replaced with a fresh one.
func (m *Manager) lockUser(userID string) *userState {
	for {
		m.mu.Lock()
		st, ok := m.users[userID]
		if !ok {
			st = newUserState(userID)
			m.users[userID] = st
		}
		m.mu.Unlock()

		st.mu.Lock()
		if !st.closed {
			return st
		}
		st.mu.Unlock()
	}
}

func (m *Manager) lookup(userID string) (*userState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.users[userID]
	return st, ok
}

// disarmIdle stops a pending countdown; bumping the generation also voids a timer
// that already fired and is waiting for the lock.
func (st *userState) disarmIdle() {
	st.idleGen++
	if st.idle != nil {
		st.idle.Stop()
		st.idle = nil
	}
}

func newUserState(userID string) *userState {
	return &userState{
		id:     userID,
		active: make(map[string]struct{}),
		retry:  make(map[string]*backoff.ExponentialBackOff),
		opened: make(map[string]time.Time),
	}
}
