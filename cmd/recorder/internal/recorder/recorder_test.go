package recorder_test

import (
	"context"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/shubham-shewale/boxstream/cmd/recorder/internal/recorder"
	"github.com/shubham-shewale/boxstream/cmd/recorder/internal/testutils"
	"github.com/shubham-shewale/boxstream/pkg/models"
)

func record(t *testing.T, user, inst, at string) kafka.Message {
	t.Helper()
	val, err := json.Marshal(models.TickRecord{
		UserID:     user,
		Instrument: inst,
		Time:       at,
		Data:       []byte(`{"type":"PRICE","instrument":"` + inst + `","time":"` + at + `"}`),
	})
	if err != nil {
		t.Fatal(err)
	}
	return kafka.Message{Key: []byte(user + ":" + inst), Value: val}
}

func run(t *testing.T, rdb *testutils.MockRedisClient, workers int, msgs ...kafka.Message) {
	t.Helper()
	rec := recorder.NewRecorder(recorder.Options{NumWorkers: workers, SnapshotTTL: time.Minute},
		zap.NewNop(), rdb, &testutils.MockKafkaReader{Messages: msgs})
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	rec.Run(ctx)
}

func TestRecorder_KeepsLatestPerUserInstrument(t *testing.T) {
	rdb := testutils.NewMockRedisClient()
	run(t, rdb, 2,
		record(t, "alice", "EUR_USD", "2024-03-04T12:00:00.000000001Z"),
		record(t, "alice", "EUR_USD", "2024-03-04T12:00:00.000000001Z"), // duplicate
		record(t, "alice", "EUR_USD", "2024-03-04T11:59:59Z"),           // stale
		record(t, "alice", "EUR_USD", "2024-03-04T12:00:01Z"),
		record(t, "bob", "EUR_USD", "2024-03-04T12:00:00Z"),
	)

	calls := rdb.Calls()
	if len(calls) != 3 {
		t.Fatalf("Expected 3 writes, got %d: %+v", len(calls), calls)
	}
	perKey := map[string]int{}
	for _, c := range calls {
		perKey[c.Key]++
		if c.TTL != time.Minute {
			t.Errorf("Expected snapshot TTL, got %v", c.TTL)
		}
	}
	if perKey["tick:alice:EUR_USD"] != 2 || perKey["tick:bob:EUR_USD"] != 1 {
		t.Errorf("Unexpected writes per key %v", perKey)
	}
}

func TestRecorder_WritesEnvelope(t *testing.T) {
	rdb := testutils.NewMockRedisClient()
	run(t, rdb, 1, record(t, "alice", "GBP_USD", "2024-03-04T12:00:00Z"))

	calls := rdb.Calls()
	if len(calls) != 1 {
		t.Fatalf("Expected one write, got %d", len(calls))
	}
	var env struct {
		Pair string                 `json:"pair"`
		Data map[string]interface{} `json:"data"`
	}
	if err := json.Unmarshal([]byte(calls[0].Value), &env); err != nil {
		t.Fatalf("Snapshot is not an envelope: %v", err)
	}
	if env.Pair != "GBP_USD" || env.Data["type"] != "PRICE" {
		t.Errorf("Unexpected envelope %+v", env)
	}
}

func TestRecorder_SkipsInvalidRecords(t *testing.T) {
	rdb := testutils.NewMockRedisClient()
	run(t, rdb, 1,
		kafka.Message{Key: []byte("x"), Value: []byte("{broken-json")},
		kafka.Message{Key: []byte("x"), Value: []byte(`{"instrument":"EUR_USD"}`)},
	)
	if n := len(rdb.Calls()); n != 0 {
		t.Errorf("Should not write invalid records, got %d writes", n)
	}
}
