// Package recorder consumes the tick journal and keeps the latest tick per
// (user, instrument) in Redis so the gateway can replay it on connect.
package recorder

import (
	"context"
	"errors"
	"hash/fnv"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/shubham-shewale/boxstream/pkg/models"
)

const workerBuffer = 100

type Options struct {
	NumWorkers  int
	SnapshotTTL time.Duration
}

type Recorder struct {
	logger Logger
	rdb    RedisClient
	reader KafkaReader
	opts   Options
}

func NewRecorder(opts Options, logger Logger, rdb RedisClient, reader KafkaReader) *Recorder {
	if opts.NumWorkers <= 0 {
		opts.NumWorkers = 1
	}
	if opts.SnapshotTTL <= 0 {
		opts.SnapshotTTL = time.Hour
	}
	return &Recorder{logger: logger, rdb: rdb, reader: reader, opts: opts}
}

// Run consumes until ctx is done, then drains the workers.
func (r *Recorder) Run(ctx context.Context) error {
	workerChans := make([]chan []byte, r.opts.NumWorkers)
	var wg sync.WaitGroup

	for i := range workerChans {
		workerChans[i] = make(chan []byte, workerBuffer)
		wg.Add(1)
		go r.worker(i, workerChans[i], &wg)
	}

	readerDone := make(chan struct{})
	go func() {
		defer close(readerDone)
		r.logger.Info("Recorder Started", zap.Int("workers", r.opts.NumWorkers))
		for {
			m, err := r.reader.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
					return
				}
				r.logger.Error("Kafka Read Error", zap.Error(err))
				continue
			}

			// Same user:instrument key always lands on the same worker, so per-key order holds.
			workerID := shard(m.Key, r.opts.NumWorkers)
			select {
			case workerChans[workerID] <- m.Value:
			case <-ctx.Done():
				return
			default:
				// Only the latest tick matters for a snapshot.
				r.logger.Warn("Dropping slow tick", zap.String("key", string(m.Key)), zap.Int("worker_id", workerID))
			}
		}
	}()

	<-ctx.Done()
	<-readerDone
	r.logger.Info("Stopping recorder, draining workers")
	for _, ch := range workerChans {
		close(ch)
	}
	wg.Wait()
	return nil
}

func (r *Recorder) worker(id int, msgs <-chan []byte, wg *sync.WaitGroup) {
	defer wg.Done()
	// Not the run context: a snapshot write already started should finish.
	ctx := context.Background()
	last := make(map[string]time.Time)

	for payload := range msgs {
		var rec models.TickRecord
		if err := json.Unmarshal(payload, &rec); err != nil {
			r.logger.Error("JSON Unmarshal Error", zap.Error(err))
			continue
		}
		if rec.UserID == "" || rec.Instrument == "" {
			r.logger.Warn("Tick record without user or instrument")
			continue
		}

		key := models.SnapshotKey(rec.UserID, rec.Instrument)
		at, err := time.Parse(time.RFC3339Nano, rec.Time)
		if err == nil {
			if prev, seen := last[key]; seen && !at.After(prev) {
				r.logger.Debug("Skipping stale tick", zap.String("key", key), zap.String("time", rec.Time))
				continue
			}
		}

		snapshot, err := json.Marshal(models.Envelope{Pair: rec.Instrument, Data: rec.Data})
		if err != nil {
			r.logger.Error("Encode snapshot", zap.String("key", key), zap.Error(err))
			continue
		}
		if err := r.rdb.Set(ctx, key, snapshot, r.opts.SnapshotTTL).Err(); err != nil {
			r.logger.Error("Redis Set Error", zap.String("key", key), zap.Error(err))
			continue
		}
		if !at.IsZero() {
			last[key] = at
		}
		r.logger.Debug("Recorded", zap.String("key", key), zap.Int("worker_id", id))
	}
}

func shard(key []byte, n int) int {
	h := fnv.New32a()
	h.Write(key)
	return int(h.Sum32() % uint32(n))
}
