package subscription_test

import (
	"context"
	"errors"
	"math/rand"
	"reflect"
	"sort"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/shubham-shewale/boxstream/cmd/gateway/internal/broker"
	"github.com/shubham-shewale/boxstream/cmd/gateway/internal/subscription"
	"github.com/shubham-shewale/boxstream/cmd/gateway/internal/testutils"
	"github.com/shubham-shewale/boxstream/pkg/models"
)

func TestDiff_Basic(t *testing.T) {
	sub, unsub := subscription.Diff([]string{"EUR_USD", "GBP_USD"}, []string{"GBP_USD", "USD_JPY", "USD_JPY"})
	if !reflect.DeepEqual(sub, []string{"USD_JPY"}) {
		t.Errorf("toSubscribe = %v", sub)
	}
	if !reflect.DeepEqual(unsub, []string{"EUR_USD"}) {
		t.Errorf("toUnsubscribe = %v", unsub)
	}
}

func TestDiff_Properties(t *testing.T) {
	universe := []string{"EUR_USD", "GBP_USD", "USD_JPY", "AUD_USD", "NZD_USD", "USD_CAD", "XAU_USD"}
	rng := rand.New(rand.NewSource(7))
	pick := func() []string {
		var out []string
		for _, s := range universe {
			if rng.Intn(2) == 0 {
				out = append(out, s)
			}
		}
		return out
	}

	for i := 0; i < 500; i++ {
		prev, want := pick(), pick()
		sub, unsub := subscription.Diff(prev, want)

		overlap := map[string]bool{}
		for _, s := range sub {
			overlap[s] = true
		}
		for _, s := range unsub {
			if overlap[s] {
				t.Fatalf("%s in both results for prev=%v want=%v", s, prev, want)
			}
		}

		applied := map[string]bool{}
		for _, s := range prev {
			applied[s] = true
		}
		for _, s := range sub {
			applied[s] = true
		}
		for _, s := range unsub {
			delete(applied, s)
		}
		var got []string
		for s := range applied {
			got = append(got, s)
		}
		sort.Strings(got)
		wantSorted := append([]string(nil), want...)
		sort.Strings(wantSorted)
		if len(got) != len(wantSorted) || (len(got) > 0 && !reflect.DeepEqual(got, wantSorted)) {
			t.Fatalf("applying diff gave %v, want %v", got, wantSorted)
		}
	}
}

type fixture struct {
	store *testutils.MockStore
	feeds *testutils.MockFeeds
	sink  *testutils.MockSink
	mgr   *subscription.Manager
}

func newFixture(t *testing.T, opts subscription.Options) *fixture {
	f := &fixture{
		store: testutils.NewMockStore(),
		feeds: testutils.NewMockFeeds(),
		sink:  &testutils.MockSink{},
	}
	f.mgr = subscription.NewManager(f.store, f.store, f.feeds.Factory, f.sink, opts, nil, zap.NewNop())
	t.Cleanup(f.mgr.Close)
	return f
}

func (f *fixture) addUser(id string, prefs ...string) {
	f.store.Creds[id] = broker.Credentials{APIKey: "key-" + id, AccountID: "acc-" + id}
	if prefs != nil {
		f.store.Prefs[id] = prefs
	}
}

func TestAttach_SubscribesStoredPreferences(t *testing.T) {
	f := newFixture(t, subscription.Options{})
	f.addUser("alice", "EUR_USD", "GBP_USD")

	res, err := f.mgr.Attach(context.Background(), "alice")
	if err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	if !reflect.DeepEqual(res.Active, []string{"EUR_USD", "GBP_USD"}) {
		t.Errorf("Unexpected active set %v", res.Active)
	}
	if got := f.feeds.Get("key-alice").ActiveList(); len(got) != 2 {
		t.Errorf("Feed not subscribed: %v", got)
	}
}

func TestUpdate_PersistsThenReconciles(t *testing.T) {
	f := newFixture(t, subscription.Options{})
	f.addUser("alice", "EUR_USD", "GBP_USD")
	ctx := context.Background()
	f.mgr.Attach(ctx, "alice")

	res, err := f.mgr.Update(ctx, "alice", []string{"GBP_USD", "USD_JPY"})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if !reflect.DeepEqual(res.Subscribed, []string{"USD_JPY"}) || !reflect.DeepEqual(res.Unsubscribed, []string{"EUR_USD"}) {
		t.Errorf("Unexpected delta %+v", res)
	}
	if got, _ := f.store.GetPreferences(ctx, "alice"); !reflect.DeepEqual(got, []string{"GBP_USD", "USD_JPY"}) {
		t.Errorf("Preferences not persisted: %v", got)
	}
	if got := f.feeds.Get("key-alice").ActiveList(); !reflect.DeepEqual(got, []string{"GBP_USD", "USD_JPY"}) {
		t.Errorf("Feed state %v", got)
	}
}

func TestUpdate_StoreFailureLeavesStreamsAlone(t *testing.T) {
	f := newFixture(t, subscription.Options{})
	f.addUser("alice", "EUR_USD")
	f.mgr.Attach(context.Background(), "alice")
	f.store.SetErr = errors.New("redis down")

	if _, err := f.mgr.Update(context.Background(), "alice", nil); err == nil {
		t.Fatal("Expected error when preferences cannot be saved")
	}
	if got := f.mgr.Active("alice"); !reflect.DeepEqual(got, []string{"EUR_USD"}) {
		t.Errorf("Active set changed despite failed save: %v", got)
	}
}

func TestReconcile_CommitsOnlySuccesses(t *testing.T) {
	f := newFixture(t, subscription.Options{})
	f.addUser("alice")
	ctx := context.Background()

	f.mgr.Reconcile(ctx, "alice", []string{"EUR_USD"})
	f.feeds.Get("key-alice").FailOn["BAD_PAIR"] = broker.ErrUpstreamConnect

	res, err := f.mgr.Reconcile(ctx, "alice", []string{"EUR_USD", "BAD_PAIR", "GBP_USD"})
	if !errors.Is(err, broker.ErrUpstreamConnect) {
		t.Errorf("Expected ErrUpstreamConnect, got %v", err)
	}
	if !reflect.DeepEqual(res.Active, []string{"EUR_USD", "GBP_USD"}) {
		t.Errorf("Active set must only hold successes, got %v", res.Active)
	}

	// A later reconcile retries the failed instrument.
	delete(f.feeds.Get("key-alice").FailOn, "BAD_PAIR")
	res, err = f.mgr.Reconcile(ctx, "alice", []string{"EUR_USD", "BAD_PAIR", "GBP_USD"})
	if err != nil || !reflect.DeepEqual(res.Subscribed, []string{"BAD_PAIR"}) {
		t.Errorf("Expected retry of BAD_PAIR, got %+v err=%v", res, err)
	}
}

func TestAttach_MissingCredentials(t *testing.T) {
	f := newFixture(t, subscription.Options{})
	f.store.Prefs["ghost"] = []string{"EUR_USD"}

	res, err := f.mgr.Attach(context.Background(), "ghost")
	if !errors.Is(err, broker.ErrCredentialsMissing) {
		t.Fatalf("Expected ErrCredentialsMissing, got %v", err)
	}
	if len(res.Active) != 0 || f.feeds.Opens != 0 {
		t.Errorf("Nothing should be opened without credentials: %+v opens=%d", res, f.feeds.Opens)
	}
}

func TestUsersAreIndependent(t *testing.T) {
	f := newFixture(t, subscription.Options{})
	f.addUser("alice", "EUR_USD")
	f.addUser("bob", "EUR_USD")
	ctx := context.Background()

	f.mgr.Attach(ctx, "alice")
	f.mgr.Attach(ctx, "bob")

	aliceFeed, bobFeed := f.feeds.Get("key-alice"), f.feeds.Get("key-bob")
	if aliceFeed == bobFeed {
		t.Fatal("Users must not share a feed")
	}
	if len(bobFeed.ActiveList()) != 1 {
		t.Fatalf("Second user got no stream for the same instrument: %v", bobFeed.ActiveList())
	}

	f.mgr.Update(ctx, "alice", nil)
	if len(aliceFeed.ActiveList()) != 0 {
		t.Errorf("alice still streaming %v", aliceFeed.ActiveList())
	}
	if !bobFeed.Emit("EUR_USD", models.Tick{Type: models.TypePrice, Instrument: "EUR_USD"}) {
		t.Fatal("bob's stream was cancelled with alice's")
	}
	if f.sink.TicksFor("bob") != 1 || f.sink.TicksFor("alice") != 0 {
		t.Errorf("Ticks routed to the wrong user: bob=%d alice=%d", f.sink.TicksFor("bob"), f.sink.TicksFor("alice"))
	}
}

func TestRelease_IdleTeardownAndReattach(t *testing.T) {
	f := newFixture(t, subscription.Options{IdleTTL: 40 * time.Millisecond})
	f.addUser("alice", "EUR_USD")
	ctx := context.Background()

	f.mgr.Attach(ctx, "alice")
	feed := f.feeds.Get("key-alice")

	// Re-attaching inside the window keeps the streams.
	f.mgr.Release("alice")
	f.mgr.Attach(ctx, "alice")
	time.Sleep(80 * time.Millisecond)
	if feed.IsClosed() {
		t.Fatal("Re-attach did not cancel the idle teardown")
	}

	f.mgr.Release("alice")
	testutils.Eventually(t, time.Second, feed.IsClosed, "feed closed after idle ttl")
	if got := f.mgr.Active("alice"); len(got) != 0 {
		t.Errorf("Expected no active instruments after teardown, got %v", got)
	}

	// A new attach after teardown starts over with a fresh feed.
	res, err := f.mgr.Attach(ctx, "alice")
	if err != nil || len(res.Active) != 1 {
		t.Errorf("Re-attach after teardown failed: %+v err=%v", res, err)
	}
}

func TestRelease_ZeroTTLTearsDownImmediately(t *testing.T) {
	f := newFixture(t, subscription.Options{})
	f.addUser("alice", "EUR_USD")
	f.mgr.Attach(context.Background(), "alice")

	f.mgr.Release("alice")
	if !f.feeds.Get("key-alice").IsClosed() {
		t.Error("Expected immediate teardown")
	}
}

func TestStreamEnd_NotifiesAndResubscribes(t *testing.T) {
	f := newFixture(t, subscription.Options{ResubscribeDelay: 10 * time.Millisecond})
	f.addUser("alice", "EUR_USD", "GBP_USD")
	f.mgr.Attach(context.Background(), "alice")
	feed := f.feeds.Get("key-alice")

	feed.End("EUR_USD", broker.ErrStreamClosed)

	testutils.Eventually(t, time.Second, func() bool { return f.sink.EndCount() == 1 }, "stream end forwarded")
	testutils.Eventually(t, time.Second, func() bool {
		return reflect.DeepEqual(feed.ActiveList(), []string{"EUR_USD", "GBP_USD"})
	}, "EUR_USD resubscribed")
}

func TestStreamEnd_NotWantedIsNotResubscribed(t *testing.T) {
	f := newFixture(t, subscription.Options{ResubscribeDelay: time.Millisecond})
	f.addUser("alice", "EUR_USD")
	f.mgr.Attach(context.Background(), "alice")
	feed := f.feeds.Get("key-alice")
	calls := feed.SubscribeCalls

	// Preferences change before the end is processed.
	f.mgr.Update(context.Background(), "alice", []string{"GBP_USD"})
	feed.End("EUR_USD", broker.ErrStreamClosed)

	testutils.Eventually(t, time.Second, func() bool { return f.sink.EndCount() == 1 }, "stream end forwarded")
	time.Sleep(30 * time.Millisecond)
	feed.Mu.Lock()
	defer feed.Mu.Unlock()
	if feed.Active["EUR_USD"] || feed.SubscribeCalls != calls+1 {
		t.Errorf("Unwanted instrument resubscribed: active=%v calls=%d", feed.Active, feed.SubscribeCalls)
	}
}

func TestStreamEnd_SupersededHandleIsIgnored(t *testing.T) {
	f := newFixture(t, subscription.Options{ResubscribeDelay: time.Millisecond})
	f.addUser("alice")
	ctx := context.Background()

	f.mgr.Update(ctx, "alice", []string{"EUR_USD"})
	f.mgr.Update(ctx, "alice", []string{})
	f.mgr.Update(ctx, "alice", []string{"EUR_USD"})
	feed := f.feeds.Get("key-alice")

	// The first handle's end arrives after the second one took its place.
	feed.EndSuperseded("EUR_USD", broker.ErrStreamClosed)
	testutils.Eventually(t, time.Second, func() bool { return feed.Checks() > 0 }, "end examined")

	if got := f.mgr.Active("alice"); !reflect.DeepEqual(got, []string{"EUR_USD"}) {
		t.Fatalf("Live stream dropped from active set: %v", got)
	}
	if f.sink.EndCount() != 0 {
		t.Errorf("Superseded end should not reach the user, got %d", f.sink.EndCount())
	}

	res, _ := f.mgr.Update(ctx, "alice", []string{})
	if !reflect.DeepEqual(res.Unsubscribed, []string{"EUR_USD"}) || len(feed.ActiveList()) != 0 {
		t.Errorf("Expected EUR_USD cancelled upstream, got %+v feed=%v", res, feed.ActiveList())
	}
}

func TestReconcile_AdoptsStreamAlreadyOpenInFeed(t *testing.T) {
	f := newFixture(t, subscription.Options{})
	f.addUser("alice", "EUR_USD")
	f.mgr.Attach(context.Background(), "alice")
	feed := f.feeds.Get("key-alice")

	// Drop the manager's view while the feed keeps the stream.
	feed.Mu.Lock()
	feed.Active["GBP_USD"] = true
	feed.Mu.Unlock()

	res, err := f.mgr.Update(context.Background(), "alice", []string{"EUR_USD", "GBP_USD"})
	if err != nil {
		t.Fatalf("Update failed: %v", err)
	}
	if !reflect.DeepEqual(res.Active, []string{"EUR_USD", "GBP_USD"}) {
		t.Errorf("Expected open stream to be adopted, got %v", res.Active)
	}
}

func TestStreamEnd_FailedResubscribeKeepsRetrying(t *testing.T) {
	f := newFixture(t, subscription.Options{ResubscribeDelay: 5 * time.Millisecond, MaxResubscribeDelay: 20 * time.Millisecond})
	f.addUser("alice", "EUR_USD")
	f.mgr.Attach(context.Background(), "alice")
	feed := f.feeds.Get("key-alice")

	feed.Mu.Lock()
	feed.FailOn["EUR_USD"] = errors.New("broker 503")
	calls := feed.SubscribeCalls
	feed.Mu.Unlock()
	feed.End("EUR_USD", broker.ErrStreamClosed)

	testutils.Eventually(t, 2*time.Second, func() bool {
		feed.Mu.Lock()
		defer feed.Mu.Unlock()
		return feed.SubscribeCalls >= calls+3
	}, "failed resubscribe retried")

	feed.Mu.Lock()
	delete(feed.FailOn, "EUR_USD")
	feed.Mu.Unlock()
	testutils.Eventually(t, 2*time.Second, func() bool {
		return reflect.DeepEqual(f.mgr.Active("alice"), []string{"EUR_USD"})
	}, "EUR_USD back once the broker recovers")
}
