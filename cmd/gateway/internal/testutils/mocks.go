package testutils

import (
	"context"
	"errors"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/goccy/go-json"

	"github.com/shubham-shewale/boxstream/cmd/gateway/internal/broker"
	"github.com/shubham-shewale/boxstream/cmd/gateway/internal/protocol"
	"github.com/shubham-shewale/boxstream/cmd/gateway/internal/repository"
	"github.com/shubham-shewale/boxstream/cmd/gateway/internal/subscription"
	"github.com/shubham-shewale/boxstream/pkg/models"
)

var ErrWriteClosed = errors.New("mock connection closed")

// MockClient simulates a connected websocket client
type MockClient struct {
	IDVal      string
	Messages   []protocol.Response // Stores decoded JSON messages
	RawBytes   []string            // Stores raw bytes
	Closed     bool
	FailWrites bool
	Mu         sync.Mutex
}

func NewMockClient(id string) *MockClient {
	return &MockClient{IDVal: id, Messages: make([]protocol.Response, 0)}
}

func (m *MockClient) ID() string { return m.IDVal }

func (m *MockClient) Close() {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.Closed = true
}

func (m *MockClient) SendJSON(v interface{}) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if m.Closed || m.FailWrites {
		return ErrWriteClosed
	}

	// If it's a response, store it
	if resp, ok := v.(protocol.Response); ok {
		m.Messages = append(m.Messages, resp)
	}
	return nil
}

func (m *MockClient) SendBytes(b []byte) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if m.Closed || m.FailWrites {
		return ErrWriteClosed
	}
	m.RawBytes = append(m.RawBytes, string(b))
	return nil
}

func (m *MockClient) LastMsgType() string {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if len(m.Messages) == 0 {
		return ""
	}
	return m.Messages[len(m.Messages)-1].Type
}

// CountType returns how many responses of the given type were received.
func (m *MockClient) CountType(typ string) int {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	n := 0
	for _, msg := range m.Messages {
		if msg.Type == typ {
			n++
		}
	}
	return n
}

// Envelopes decodes every raw frame as a tick envelope.
func (m *MockClient) Envelopes() []models.Envelope {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	var out []models.Envelope
	for _, raw := range m.RawBytes {
		var env models.Envelope
		if err := json.Unmarshal([]byte(raw), &env); err == nil && env.Pair != "" {
			out = append(out, env)
		}
	}
	return out
}

// MockFeed simulates one user's broker feed.
type MockFeed struct {
	Mu             sync.Mutex
	Active         map[string]bool
	FailOn         map[string]error
	OnTick         broker.TickHandler
	EndsCh         chan broker.StreamEnd
	Closed         bool
	SubscribeCalls int
	ActiveChecks   int
}

func NewMockFeed() *MockFeed {
	return &MockFeed{
		Active: make(map[string]bool),
		FailOn: make(map[string]error),
		EndsCh: make(chan broker.StreamEnd, 16),
	}
}

func (f *MockFeed) Subscribe(ctx context.Context, instruments []string, onTick broker.TickHandler) ([]string, error) {
	f.Mu.Lock()
	defer f.Mu.Unlock()
	f.SubscribeCalls++
	f.OnTick = onTick
	var opened []string
	var errs []error
	for _, inst := range instruments {
		if f.Active[inst] {
			continue
		}
		if err, ok := f.FailOn[inst]; ok {
			errs = append(errs, err)
			continue
		}
		f.Active[inst] = true
		opened = append(opened, inst)
	}
	return opened, errors.Join(errs...)
}

func (f *MockFeed) Unsubscribe(instruments []string) []string {
	f.Mu.Lock()
	defer f.Mu.Unlock()
	var cancelled []string
	for _, inst := range instruments {
		if f.Active[inst] {
			delete(f.Active, inst)
			cancelled = append(cancelled, inst)
		}
	}
	return cancelled
}

func (f *MockFeed) Ends() <-chan broker.StreamEnd { return f.EndsCh }

func (f *MockFeed) IsActive(instrument string) bool {
	f.Mu.Lock()
	defer f.Mu.Unlock()
	f.ActiveChecks++
	return f.Active[instrument]
}

// Checks returns how many times IsActive has been consulted.
func (f *MockFeed) Checks() int {
	f.Mu.Lock()
	defer f.Mu.Unlock()
	return f.ActiveChecks
}

func (f *MockFeed) Close() {
	f.Mu.Lock()
	defer f.Mu.Unlock()
	f.Closed = true
	f.Active = make(map[string]bool)
}

// Emit pushes a tick through the handler of the last Subscribe call, if the
// instrument is still active.
func (f *MockFeed) Emit(instrument string, tick models.Tick) bool {
	f.Mu.Lock()
	handler, live := f.OnTick, f.Active[instrument]
	f.Mu.Unlock()
	if handler == nil || !live {
		return false
	}
	raw, _ := json.Marshal(tick)
	handler(instrument, tick, raw)
	return true
}

// End simulates the broker closing one stream.
func (f *MockFeed) End(instrument string, err error) {
	f.Mu.Lock()
	delete(f.Active, instrument)
	f.Mu.Unlock()
	f.EndsCh <- broker.StreamEnd{Instrument: instrument, Err: err}
}

// EndSuperseded reports the end of an older handle for instrument while the
// current one stays open.
func (f *MockFeed) EndSuperseded(instrument string, err error) {
	f.EndsCh <- broker.StreamEnd{Instrument: instrument, Err: err}
}

func (f *MockFeed) ActiveList() []string {
	f.Mu.Lock()
	defer f.Mu.Unlock()
	out := make([]string, 0, len(f.Active))
	for inst := range f.Active {
		out = append(out, inst)
	}
	sort.Strings(out)
	return out
}

func (f *MockFeed) IsClosed() bool {
	f.Mu.Lock()
	defer f.Mu.Unlock()
	return f.Closed
}

// MockFeeds hands out one MockFeed per API key.
type MockFeeds struct {
	Mu    sync.Mutex
	ByKey map[string]*MockFeed
	Opens int
}

func NewMockFeeds() *MockFeeds {
	return &MockFeeds{ByKey: make(map[string]*MockFeed)}
}

func (m *MockFeeds) Factory(creds broker.Credentials) (subscription.Feed, error) {
	if !creds.Valid() {
		return nil, broker.ErrCredentialsMissing
	}
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.Opens++
	f, ok := m.ByKey[creds.APIKey]
	if !ok || f.IsClosed() {
		f = NewMockFeed()
		m.ByKey[creds.APIKey] = f
	}
	return f, nil
}

func (m *MockFeeds) Get(apiKey string) *MockFeed {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	return m.ByKey[apiKey]
}

// MockStore simulates the Redis preference, credential and snapshot store.
type MockStore struct {
	Mu        sync.Mutex
	Prefs     map[string][]string
	Creds     map[string]broker.Credentials
	Snapshots map[string][]string
	SetErr    error
}

func NewMockStore() *MockStore {
	return &MockStore{
		Prefs:     make(map[string][]string),
		Creds:     make(map[string]broker.Credentials),
		Snapshots: make(map[string][]string),
	}
}

func (m *MockStore) GetPreferences(ctx context.Context, userID string) ([]string, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	p, ok := m.Prefs[userID]
	if !ok {
		return nil, repository.ErrNotFound
	}
	return append([]string(nil), p...), nil
}

func (m *MockStore) SetPreferences(ctx context.Context, userID string, instruments []string) error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	if m.SetErr != nil {
		return m.SetErr
	}
	m.Prefs[userID] = append([]string(nil), instruments...)
	return nil
}

func (m *MockStore) GetCredentials(ctx context.Context, userID string) (broker.Credentials, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	c, ok := m.Creds[userID]
	if !ok {
		return broker.Credentials{}, repository.ErrNotFound
	}
	return c, nil
}

func (m *MockStore) GetSnapshots(ctx context.Context, userID string, instruments []string) ([]string, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	return append([]string(nil), m.Snapshots[userID]...), nil
}

func (m *MockStore) Ping(ctx context.Context) error { return nil }
func (m *MockStore) Close() error                   { return nil }

// SinkEvent is one call recorded by MockSink.
type SinkEvent struct {
	UserID     string
	Instrument string
	Tick       models.Tick
	Err        error
}

// MockSink records dispatched ticks and stream ends.
type MockSink struct {
	Mu    sync.Mutex
	Ticks []SinkEvent
	Ends  []SinkEvent
}

func (s *MockSink) Dispatch(userID, instrument string, tick models.Tick, raw []byte) {
	s.Mu.Lock()
	defer s.Mu.Unlock()
	s.Ticks = append(s.Ticks, SinkEvent{UserID: userID, Instrument: instrument, Tick: tick})
}

func (s *MockSink) StreamEnded(userID, instrument string, err error) {
	s.Mu.Lock()
	defer s.Mu.Unlock()
	s.Ends = append(s.Ends, SinkEvent{UserID: userID, Instrument: instrument, Err: err})
}

func (s *MockSink) TicksFor(userID string) int {
	s.Mu.Lock()
	defer s.Mu.Unlock()
	n := 0
	for _, e := range s.Ticks {
		if e.UserID == userID {
			n++
		}
	}
	return n
}

func (s *MockSink) EndCount() int {
	s.Mu.Lock()
	defer s.Mu.Unlock()
	return len(s.Ends)
}

func AssertTrue(t *testing.T, condition bool, msg string) {
	t.Helper()
	if !condition {
		t.Errorf("Assertion failed: %s", msg)
	}
}

// Eventually polls cond until it holds or the timeout passes.
func Eventually(t *testing.T, timeout time.Duration, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("Condition not met within %s: %s", timeout, msg)
}
