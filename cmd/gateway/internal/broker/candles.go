package broker

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/shubham-shewale/boxstream/pkg/models"
)

var granularities = map[string]time.Duration{
	"S5":  5 * time.Second,
	"S10": 10 * time.Second,
	"S15": 15 * time.Second,
	"S30": 30 * time.Second,
	"M1":  time.Minute,
	"M2":  2 * time.Minute,
	"M4":  4 * time.Minute,
	"M5":  5 * time.Minute,
	"M10": 10 * time.Minute,
	"M15": 15 * time.Minute,
	"M30": 30 * time.Minute,
	"H1":  time.Hour,
	"H2":  2 * time.Hour,
	"H4":  4 * time.Hour,
	"H8":  8 * time.Hour,
	"D":   24 * time.Hour,
}

// GranularityDuration maps a broker granularity code to its bar length.
func GranularityDuration(g string) (time.Duration, error) {
	d, ok := granularities[g]
	if !ok {
		return 0, fmt.Errorf("unsupported granularity %q", g)
	}
	return d, nil
}

// FetchCandles pulls the latest count bars in one call, or walks backward in
// chunks when count exceeds the per-call cap.
func (c *Client) FetchCandles(ctx context.Context, instrument string, count int, granularity string) ([]models.Candle, error) {
	if count > c.opts.CandleChunk {
		return c.FetchLargeCandles(ctx, instrument, count, granularity)
	}
	q := url.Values{
		"granularity": {granularity},
		"price":       {"M"},
		"count":       {strconv.Itoa(count)},
	}
	return c.getCandles(ctx, instrument, q)
}

// FetchLargeCandles walks backward from now minus the safety buffer in requests of at
// most CandleChunk bars and returns the stitched bars oldest first, without overlaps.
func (c *Client) FetchLargeCandles(ctx context.Context, instrument string, total int, granularity string) ([]models.Candle, error) {
	bar, err := GranularityDuration(granularity)
	if err != nil {
		return nil, err
	}
	if total <= 0 {
		return nil, nil
	}

	to := c.opts.Clock.Now().Add(-c.opts.SafetyBuffer).Truncate(bar)
	windowStart := to.Add(-time.Duration(total) * bar)

	var chunks [][]models.Candle
	remaining := total
	cursor := to
	for remaining > 0 && cursor.After(windowStart) {
		size := min(remaining, c.opts.CandleChunk)
		from := cursor.Add(-time.Duration(size) * bar)
		if from.Before(windowStart) {
			from = windowStart
		}

		q := url.Values{
			"granularity": {granularity},
			"price":       {"M"},
			"from":        {from.UTC().Format(time.RFC3339)},
			"to":          {cursor.UTC().Format(time.RFC3339)},
		}
		fetched, err := c.getCandles(ctx, instrument, q)
		if err != nil {
			return nil, fmt.Errorf("candles %s [%s, %s): %w", instrument, from.Format(time.RFC3339), cursor.Format(time.RFC3339), err)
		}

		kept := inWindow(fetched, from, cursor)
		chunks = append(chunks, kept)
		remaining -= len(kept)
		cursor = from
	}

	out := make([]models.Candle, 0, total-remaining)
	for i := len(chunks) - 1; i >= 0; i-- {
		out = append(out, chunks[i]...)
	}
	c.logger.Debug("Fetched candles",
		zap.String("instrument", instrument),
		zap.Int("requests", len(chunks)),
		zap.Int("bars", len(out)))
	return out, nil
}

// inWindow keeps bars with from <= time < to so adjacent chunks never overlap.
func inWindow(candles []models.Candle, from, to time.Time) []models.Candle {
	kept := make([]models.Candle, 0, len(candles))
	for _, cd := range candles {
		ts, err := time.Parse(time.RFC3339Nano, cd.Time)
		if err != nil {
			continue
		}
		if ts.Before(from) || !ts.Before(to) {
			continue
		}
		kept = append(kept, cd)
	}
	return kept
}

func (c *Client) getCandles(ctx context.Context, instrument string, q url.Values) ([]models.Candle, error) {
	if err := c.opts.Limiter.Wait(ctx); err != nil {
		return nil, err
	}
	req, err := c.newRequest(ctx, c.opts.BaseURL, "instruments/"+url.PathEscape(instrument)+"/candles", q)
	if err != nil {
		return nil, err
	}
	resp, err := c.opts.RESTClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if err := checkStatus(resp); err != nil {
		return nil, err
	}

	var payload models.CandlesResponse
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, fmt.Errorf("decode candles: %w", err)
	}
	return payload.Candles, nil
}
