package hub

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/shubham-shewale/boxstream/cmd/gateway/internal/broker"
	"github.com/shubham-shewale/boxstream/cmd/gateway/internal/journal"
	"github.com/shubham-shewale/boxstream/cmd/gateway/internal/protocol"
	"github.com/shubham-shewale/boxstream/cmd/gateway/internal/repository"
	"github.com/shubham-shewale/boxstream/cmd/gateway/internal/subscription"
	"github.com/shubham-shewale/boxstream/cmd/gateway/internal/telemetry"
	"github.com/shubham-shewale/boxstream/pkg/models"
)

// ErrConnectionWrite means a write to a client failed; the connection is dropped.
var ErrConnectionWrite = errors.New("connection write failed")

type ClientInterface interface {
	ID() string
	SendJSON(v interface{}) error
	SendBytes(b []byte) error
	Close()
}

// Reconciler drives a user's upstream subscriptions. *subscription.Manager satisfies it.
type Reconciler interface {
	Attach(ctx context.Context, userID string) (subscription.Result, error)
	Update(ctx context.Context, userID string, pairs []string) (subscription.Result, error)
	Release(userID string)
}

// Hub maps each user to at most one live connection and routes that user's ticks to it.
type Hub struct {
	slots sync.Map // userID -> *slot
	bound sync.Map // client ID -> userID

	reconciler Reconciler
	snapshots  repository.SnapshotStore
	journal    journal.Journal
	validPair  func(string) bool
	metrics    *telemetry.Metrics
	logger     *zap.Logger
}

type slot struct {
	mu     sync.Mutex
	client ClientInterface
	// live holds the pairs this client has already been sent a live tick for.
	// Snapshot replay skips them so an older recorded tick never follows a newer one.
	live map[string]bool
}

type Options struct {
	Snapshots repository.SnapshotStore
	Journal   journal.Journal
	// ValidPair filters favoritePairs; nil accepts everything.
	ValidPair func(string) bool
	Metrics   *telemetry.Metrics
	Logger    *zap.Logger
}

func NewHub(opts Options) *Hub {
	if opts.Journal == nil {
		opts.Journal = journal.Nop{}
	}
	if opts.ValidPair == nil {
		opts.ValidPair = func(string) bool { return true }
	}
	return &Hub{
		snapshots: opts.Snapshots,
		journal:   opts.Journal,
		validPair: opts.ValidPair,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
	}
}

// UseReconciler must be called before the first Register; the reconciler itself
// needs the hub as its sink.
func (h *Hub) UseReconciler(r Reconciler) { h.reconciler = r }

// HandleMessage processes one control message from client.
func (h *Hub) HandleMessage(ctx context.Context, client ClientInterface, msg protocol.ClientMessage) {
	userID := strings.TrimSpace(msg.UserID)
	if userID == "" {
		h.send(client, "", protocol.Error("userId is required"))
		return
	}

	fresh := h.bind(userID, client)

	var (
		res subscription.Result
		err error
	)
	if msg.HasPreferences() {
		pairs, rejected := h.normalize(msg.FavoritePairs)
		if len(rejected) > 0 {
			h.send(client, userID, protocol.Error(fmt.Sprintf("Unknown pairs ignored: %v", rejected)))
		}
		res, err = h.reconciler.Update(ctx, userID, pairs)
	} else {
		res, err = h.reconciler.Attach(ctx, userID)
	}

	if err != nil {
		h.logger.Warn("Reconcile failed", zap.String("user", userID), zap.Error(err))
		if errors.Is(err, broker.ErrCredentialsMissing) {
			h.send(client, userID, protocol.Error("Broker credentials missing or rejected; no prices will be streamed"))
			return
		}
		h.send(client, userID, protocol.Error("Some pairs could not be subscribed: "+err.Error()))
	}
	h.send(client, userID, protocol.Ack(res.Active, "Streaming "+strings.Join(res.Active, ",")))

	if fresh {
		h.replaySnapshots(ctx, client, userID, res.Active)
	}
}

// Register attaches client as the user's connection and reconciles against stored preferences.
func (h *Hub) Register(ctx context.Context, userID string, client ClientInterface) {
	h.HandleMessage(ctx, client, protocol.ClientMessage{UserID: userID})
}

// bind makes client the user's connection. It returns false when it already was.
func (h *Hub) bind(userID string, client ClientInterface) bool {
	if prevUser, ok := h.bound.Load(client.ID()); ok && prevUser.(string) != userID {
		// The connection switched identity; let the old user go.
		h.Deregister(prevUser.(string), client)
	}

	v, _ := h.slots.LoadOrStore(userID, &slot{})
	s := v.(*slot)
	s.mu.Lock()
	prev := s.client
	s.client = client
	if prev != client {
		s.live = make(map[string]bool)
	}
	s.mu.Unlock()
	h.bound.Store(client.ID(), userID)

	if prev == client {
		return false
	}
	if prev != nil {
		h.bound.Delete(prev.ID())
		prev.Close()
		h.logger.Info("Replaced connection", zap.String("user", userID), zap.String("old", prev.ID()), zap.String("new", client.ID()))
	}
	return true
}

// Deregister removes client if it is still the user's connection and starts the
// idle countdown on the user's subscriptions.
func (h *Hub) Deregister(userID string, client ClientInterface) {
	v, ok := h.slots.Load(userID)
	if !ok {
		return
	}
	s := v.(*slot)
	s.mu.Lock()
	if s.client != client {
		s.mu.Unlock()
		return
	}
	s.client = nil
	s.mu.Unlock()

	h.bound.Delete(client.ID())
	client.Close()
	h.reconciler.Release(userID)
	h.logger.Info("Deregistered", zap.String("user", userID), zap.String("conn", client.ID()))
}

// Unregister is called by a connection that went away, whoever it was bound to.
func (h *Hub) Unregister(client ClientInterface) {
	if userID, ok := h.bound.Load(client.ID()); ok {
		h.Deregister(userID.(string), client)
		return
	}
	client.Close()
}

// Dispatch writes one tick to the user's connection. Heartbeats are dropped and a
// failed write deregisters the connection without retrying.
func (h *Hub) Dispatch(userID, instrument string, tick models.Tick, raw []byte) {
	ctx := context.Background()
	if tick.IsHeartbeat() {
		h.metrics.TickDropped(ctx, "heartbeat")
		return
	}
	v, ok := h.slots.Load(userID)
	if !ok {
		h.metrics.TickDropped(ctx, "no_connection")
		return
	}
	payload, err := json.Marshal(models.Envelope{Pair: instrument, Data: raw})
	if err != nil {
		h.logger.Error("Envelope marshal failed", zap.String("instrument", instrument), zap.Error(err))
		return
	}

	s := v.(*slot)
	s.mu.Lock()
	client := s.client
	if client == nil {
		s.mu.Unlock()
		h.metrics.TickDropped(ctx, "no_connection")
		return
	}
	err = client.SendBytes(payload)
	if err == nil {
		s.live[instrument] = true
	}
	s.mu.Unlock()

	if err != nil {
		h.logger.Warn("Dropping connection",
			zap.String("user", userID),
			zap.String("instrument", instrument),
			zap.Error(fmt.Errorf("%w: %v", ErrConnectionWrite, err)))
		h.metrics.TickDropped(ctx, "write_failed")
		h.metrics.WriteFailure(ctx)
		h.Deregister(userID, client)
		return
	}
	h.metrics.TickDispatched(ctx, instrument)
	h.journal.Record(ctx, models.TickRecord{UserID: userID, Instrument: instrument, Time: tick.Time, Data: raw})
}

// StreamEnded tells the user one of their streams stopped.
func (h *Hub) StreamEnded(userID, instrument string, err error) {
	client := h.connection(userID)
	if client == nil {
		return
	}
	resp := protocol.Error("stream ended: " + instrument)
	resp.Pair = instrument
	h.send(client, userID, resp)
}

// PushBoxes sends a freshly computed box set for one pair.
func (h *Hub) PushBoxes(userID, pair string, data interface{}) bool {
	client := h.connection(userID)
	if client == nil {
		return false
	}
	return h.send(client, userID, protocol.Response{Type: protocol.TypeBoxes, Pair: pair, Data: data})
}

// Connected lists users with a live connection, sorted.
func (h *Hub) Connected() []string {
	var users []string
	h.slots.Range(func(k, v interface{}) bool {
		s := v.(*slot)
		s.mu.Lock()
		live := s.client != nil
		s.mu.Unlock()
		if live {
			users = append(users, k.(string))
		}
		return true
	})
	sort.Strings(users)
	return users
}

// Shutdown closes every connection without releasing subscriptions.
func (h *Hub) Shutdown() {
	h.slots.Range(func(k, v interface{}) bool {
		s := v.(*slot)
		s.mu.Lock()
		if s.client != nil {
			s.client.Close()
			s.client = nil
		}
		s.mu.Unlock()
		return true
	})
}

func (h *Hub) connection(userID string) ClientInterface {
	v, ok := h.slots.Load(userID)
	if !ok {
		return nil
	}
	s := v.(*slot)
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.client
}

func (h *Hub) replaySnapshots(ctx context.Context, client ClientInterface, userID string, active []string) {
	if h.snapshots == nil || len(active) == 0 {
		return
	}
	snaps, err := h.snapshots.GetSnapshots(ctx, userID, active)
	if err != nil {
		h.logger.Warn("Snapshot replay failed", zap.String("user", userID), zap.Error(err))
		return
	}
	v, ok := h.slots.Load(userID)
	if !ok {
		return
	}
	s := v.(*slot)
	for _, snap := range snaps {
		var head struct {
			Pair string `json:"pair"`
		}
		if err := json.Unmarshal([]byte(snap), &head); err != nil {
			h.logger.Warn("Skipping unreadable snapshot", zap.String("user", userID), zap.Error(err))
			continue
		}

		s.mu.Lock()
		if s.client != client {
			s.mu.Unlock()
			return
		}
		if s.live[head.Pair] {
			s.mu.Unlock()
			continue
		}
		err := client.SendBytes([]byte(snap))
		s.mu.Unlock()
		if err != nil {
			h.Deregister(userID, client)
			return
		}
	}
}

// send writes a control response; a failure drops the connection like a tick write would.
func (h *Hub) send(client ClientInterface, userID string, resp protocol.Response) bool {
	if err := client.SendJSON(resp); err != nil {
		h.logger.Warn("Response write failed", zap.String("conn", client.ID()), zap.Error(err))
		if userID != "" {
			h.Deregister(userID, client)
		}
		return false
	}
	return true
}

func (h *Hub) normalize(pairs []string) (accepted, rejected []string) {
	accepted = make([]string, 0, len(pairs))
	seen := make(map[string]bool, len(pairs))
	for _, p := range pairs {
		p = strings.ToUpper(strings.TrimSpace(p))
		if p == "" || seen[p] {
			continue
		}
		seen[p] = true
		if !h.validPair(p) {
			rejected = append(rejected, p)
			continue
		}
		accepted = append(accepted, p)
	}
	return accepted, rejected
}
