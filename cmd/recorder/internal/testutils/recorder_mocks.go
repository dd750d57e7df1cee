package testutils

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
)

// MockKafkaReader replays Messages, then reports DeadlineExceeded to end the read loop.
type MockKafkaReader struct {
	Messages []kafka.Message
	Index    int
	Mu       sync.Mutex
	Closed   bool
}

func (m *MockKafkaReader) ReadMessage(ctx context.Context) (kafka.Message, error) {
	m.Mu.Lock()
	defer m.Mu.Unlock()

	if m.Closed {
		return kafka.Message{}, io.EOF
	}
	if m.Index >= len(m.Messages) {
		return kafka.Message{}, context.DeadlineExceeded
	}
	msg := m.Messages[m.Index]
	m.Index++
	return msg, nil
}

func (m *MockKafkaReader) Close() error {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	m.Closed = true
	return nil
}

type SetCall struct {
	Key   string
	Value string
	TTL   time.Duration
}

// MockRedisClient records SET calls in order.
type MockRedisClient struct {
	Mu      sync.Mutex
	Sets    []SetCall
	FailSet bool
}

func NewMockRedisClient() *MockRedisClient { return &MockRedisClient{} }

func (m *MockRedisClient) Set(ctx context.Context, key string, value interface{}, expiration time.Duration) *redis.StatusCmd {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	cmd := redis.NewStatusCmd(ctx)
	if m.FailSet {
		cmd.SetErr(errors.New("redis unavailable"))
		return cmd
	}
	var v string
	switch b := value.(type) {
	case []byte:
		v = string(b)
	case string:
		v = b
	}
	m.Sets = append(m.Sets, SetCall{Key: key, Value: v, TTL: expiration})
	return cmd
}

func (m *MockRedisClient) Ping(ctx context.Context) *redis.StatusCmd { return redis.NewStatusCmd(ctx) }

func (m *MockRedisClient) Close() error { return nil }

func (m *MockRedisClient) Calls() []SetCall {
	m.Mu.Lock()
	defer m.Mu.Unlock()
	return append([]SetCall(nil), m.Sets...)
}
