package journal_test

import (
	"context"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/shubham-shewale/boxstream/cmd/gateway/internal/journal"
	"github.com/shubham-shewale/boxstream/cmd/gateway/internal/testutils"
	"github.com/shubham-shewale/boxstream/pkg/models"
)

func TestKafkaJournal_RecordKeysByUserAndInstrument(t *testing.T) {
	writer := &testutils.MockKafkaWriter{}
	j := journal.NewKafkaJournal(writer, zap.NewNop())

	j.Record(context.Background(), models.TickRecord{
		UserID:     "alice",
		Instrument: "EUR_USD",
		Time:       "2024-01-01T00:00:00Z",
		Data:       []byte(`{"type":"PRICE"}`),
	})

	writer.Mu.Lock()
	defer writer.Mu.Unlock()
	if len(writer.Messages) != 1 {
		t.Fatalf("Expected 1 message, got %d", len(writer.Messages))
	}
	msg := writer.Messages[0]
	if string(msg.Key) != "alice:EUR_USD" {
		t.Errorf("Unexpected key %q", msg.Key)
	}
	var rec models.TickRecord
	if err := json.Unmarshal(msg.Value, &rec); err != nil || rec.Instrument != "EUR_USD" {
		t.Errorf("Bad payload %s err=%v", msg.Value, err)
	}
}

func TestKafkaJournal_WriteFailureIsSwallowed(t *testing.T) {
	writer := &testutils.MockKafkaWriter{ShouldFail: true}
	j := journal.NewKafkaJournal(writer, zap.NewNop())
	j.Record(context.Background(), models.TickRecord{UserID: "u", Instrument: "X", Data: []byte(`{}`)})
	if err := j.Close(); err != nil || !writer.Closed {
		t.Errorf("Close should close the writer, err=%v", err)
	}
}

func TestTopicCreator_Flow(t *testing.T) {
	dialer := &testutils.MockKafkaDialer{ConnSpy: &testutils.MockKafkaConn{ReadyAfter: 2}}
	clock := &testutils.MockClock{}
	tc := journal.NewTopicCreator(zap.NewNop(), dialer, clock)

	if !tc.Create(context.Background(), []string{"broker:9092"}, "fx_ticks") {
		t.Fatal("Expected topic to become ready")
	}
	if len(dialer.ConnSpy.CreatedTopics) == 0 || dialer.ConnSpy.CreatedTopics[0] != "fx_ticks" {
		t.Errorf("Expected topic fx_ticks created, got %v", dialer.ConnSpy.CreatedTopics)
	}
	if clock.Slept != 400*time.Millisecond {
		t.Errorf("Expected two waits before ready, slept %s", clock.Slept)
	}
}

func TestTopicCreator_DialFailure(t *testing.T) {
	tc := journal.NewTopicCreator(zap.NewNop(), &testutils.MockKafkaDialer{Fail: true}, &testutils.MockClock{})
	if tc.Create(context.Background(), []string{"a:1", "b:2"}, "fx_ticks") {
		t.Error("Expected failure when no broker can be dialed")
	}
}
