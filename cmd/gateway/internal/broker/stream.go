package broker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/shubham-shewale/boxstream/pkg/models"
)

const (
	readChunkSize = 32 * 1024
	maxLineBytes  = 1 << 20
	endsBuffer    = 64
)

// TickHandler receives every decoded record, heartbeats included, with its raw line.
type TickHandler func(instrument string, tick models.Tick, raw []byte)

// StreamEnd reports a FeedHandle that terminated without being cancelled.
type StreamEnd struct {
	Instrument string
	Err        error
}

// FeedHandle is one open upstream stream; Close is its single cancellation handle.
type FeedHandle struct {
	Instrument string

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	err    error
}

func (h *FeedHandle) Close() { h.cancel() }

// Done is closed once the read loop has exited and released its active-set entry.
func (h *FeedHandle) Done() <-chan struct{} { return h.done }

// Err is valid after Done; nil when the handle was cancelled.
func (h *FeedHandle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

type FeedOptions struct {
	ConnectAttempts int
	InitialBackoff  time.Duration
	MaxBackoff      time.Duration
}

// Feed owns every FeedHandle opened under one user's credentials.
type Feed struct {
	client *Client
	opts   FeedOptions
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	active map[string]*FeedHandle
	ends   chan StreamEnd
}

func (c *Client) NewFeed(opts FeedOptions) *Feed {
	if opts.ConnectAttempts <= 0 {
		opts.ConnectAttempts = 1
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 500 * time.Millisecond
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Feed{
		client: c,
		opts:   opts,
		logger: c.logger,
		ctx:    ctx,
		cancel: cancel,
		active: make(map[string]*FeedHandle),
		ends:   make(chan StreamEnd, endsBuffer),
	}
}

// Ends delivers abnormal terminations so callers can retry or tell the client.
func (f *Feed) Ends() <-chan StreamEnd { return f.ends }

// Active lists instruments with a live or connecting handle.
func (f *Feed) Active() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, 0, len(f.active))
	for inst := range f.active {
		out = append(out, inst)
	}
	sort.Strings(out)
	return out
}

// IsActive reports whether instrument holds a live or connecting handle. A handle
// releases its slot before its StreamEnd is sent, so an instrument that is still
// active when its end arrives has been taken over by a newer handle.
func (f *Feed) IsActive(instrument string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.active[instrument]
	return ok
}

// Subscribe opens a stream for each instrument not already active. It returns the
// instruments it opened; failures are joined into err and do not affect the others.
func (f *Feed) Subscribe(ctx context.Context, instruments []string, onTick TickHandler) ([]string, error) {
	if f.ctx.Err() != nil {
		return nil, ErrFeedClosed
	}

	var opened []string
	var errs []error
	for _, inst := range instruments {
		h, fresh := f.reserve(inst)
		if !fresh {
			continue
		}
		body, err := f.connect(ctx, h)
		if err != nil {
			f.release(h, nil)
			errs = append(errs, err)
			if errors.Is(err, ErrCredentialsMissing) {
				// No point hammering the broker with a rejected token.
				break
			}
			continue
		}
		opened = append(opened, inst)
		go f.readLoop(h, body, onTick)
	}
	return opened, errors.Join(errs...)
}

// reserve claims the (user, instrument) slot. A handle that already ended but has
// not yet released its slot is cancelled and replaced.
func (f *Feed) reserve(inst string) (*FeedHandle, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cur, ok := f.active[inst]; ok {
		select {
		case <-cur.done:
		default:
			return cur, false
		}
		cur.Close()
	}
	ctx, cancel := context.WithCancel(f.ctx)
	h := &FeedHandle{Instrument: inst, ctx: ctx, cancel: cancel, done: make(chan struct{})}
	f.active[inst] = h
	return h, true
}

// Unsubscribe cancels the listed active instruments and returns those it cancelled.
func (f *Feed) Unsubscribe(instruments []string) []string {
	f.mu.Lock()
	var cancelled []string
	for _, inst := range instruments {
		if h, ok := f.active[inst]; ok {
			h.Close()
			delete(f.active, inst)
			cancelled = append(cancelled, inst)
		}
	}
	f.mu.Unlock()
	return cancelled
}

// Close cancels every handle; the feed cannot be reused.
func (f *Feed) Close() {
	f.cancel()
	f.mu.Lock()
	for inst, h := range f.active {
		h.Close()
		delete(f.active, inst)
	}
	f.mu.Unlock()
}

func (f *Feed) connect(ctx context.Context, h *FeedHandle) (io.ReadCloser, error) {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = f.opts.InitialBackoff
	b.MaxInterval = f.opts.MaxBackoff

	// The stream outlives the subscribe call, so it runs on the handle's context;
	// the caller's ctx only bounds the connect phase.
	stop := context.AfterFunc(ctx, h.cancel)
	defer stop()

	var lastErr error
	for attempt := 1; attempt <= f.opts.ConnectAttempts; attempt++ {
		body, err := f.client.openStream(h.ctx, h.Instrument)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if errors.Is(err, ErrCredentialsMissing) {
			return nil, err
		}
		if h.ctx.Err() != nil {
			return nil, fmt.Errorf("%w: %s: %w", ErrUpstreamConnect, h.Instrument, h.ctx.Err())
		}
		if attempt == f.opts.ConnectAttempts {
			break
		}

		sleep := b.NextBackOff()
		if sleep == backoff.Stop {
			sleep = f.opts.MaxBackoff
		}
		f.logger.Warn("Upstream connect failed, retrying",
			zap.String("instrument", h.Instrument),
			zap.Int("attempt", attempt),
			zap.Duration("backoff", sleep),
			zap.Error(err))

		select {
		case <-h.ctx.Done():
			return nil, fmt.Errorf("%w: %s: %w", ErrUpstreamConnect, h.Instrument, h.ctx.Err())
		case <-time.After(sleep):
		}
	}
	return nil, fmt.Errorf("%w: %s after %d attempts: %w", ErrUpstreamConnect, h.Instrument, f.opts.ConnectAttempts, lastErr)
}

func (f *Feed) readLoop(h *FeedHandle, body io.ReadCloser, onTick TickHandler) {
	var endErr error
	defer func() {
		body.Close()
		f.release(h, endErr)
	}()

	// The request is bound to h.ctx, so cancelling the handle unblocks a pending Read.
	f.logger.Info("Stream opened", zap.String("instrument", h.Instrument))

	buf := make([]byte, 0, readChunkSize)
	chunk := make([]byte, readChunkSize)
	for {
		n, err := body.Read(chunk)
		if n > 0 {
			buf = append(buf, chunk[:n]...)
			buf = f.drainLines(h, buf, onTick)
		}
		if err == nil {
			continue
		}
		if h.ctx.Err() != nil {
			return
		}
		if errors.Is(err, io.EOF) {
			endErr = fmt.Errorf("%w: %s", ErrStreamClosed, h.Instrument)
		} else {
			endErr = fmt.Errorf("read %s: %w", h.Instrument, err)
		}
		return
	}
}

// drainLines hands every complete line in buf to onTick and returns the partial remainder.
func (f *Feed) drainLines(h *FeedHandle, buf []byte, onTick TickHandler) []byte {
	rest := buf
	for {
		idx := bytes.IndexByte(rest, '\n')
		if idx < 0 {
			break
		}
		line := bytes.TrimSpace(rest[:idx])
		rest = rest[idx+1:]
		if len(line) == 0 {
			continue
		}
		if h.ctx.Err() != nil {
			return buf[:0]
		}

		var tick models.Tick
		if err := json.Unmarshal(line, &tick); err != nil {
			f.logger.Warn("Skipping record",
				zap.String("instrument", h.Instrument),
				zap.Error(fmt.Errorf("%w: %v", ErrMalformedRecord, err)))
			continue
		}
		if tick.Instrument == "" && !tick.IsHeartbeat() {
			tick.Instrument = h.Instrument
		}
		onTick(h.Instrument, tick, append([]byte(nil), line...))
	}

	if len(rest) > maxLineBytes {
		f.logger.Warn("Dropping oversized partial record",
			zap.String("instrument", h.Instrument),
			zap.Int("bytes", len(rest)))
		return buf[:0]
	}
	n := copy(buf, rest)
	return buf[:n]
}

// release frees the active-set slot if it still belongs to h, then reports the end.
func (f *Feed) release(h *FeedHandle, endErr error) {
	f.mu.Lock()
	if f.active[h.Instrument] == h {
		delete(f.active, h.Instrument)
	}
	f.mu.Unlock()

	h.err = endErr
	h.cancel()
	close(h.done)

	if endErr == nil {
		return
	}
	f.logger.Warn("Stream ended", zap.String("instrument", h.Instrument), zap.Error(endErr))
	select {
	case f.ends <- StreamEnd{Instrument: h.Instrument, Err: endErr}:
	default:
		f.logger.Error("Stream end dropped, listener not draining", zap.String("instrument", h.Instrument))
	}
}
