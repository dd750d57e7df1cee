// Package broker talks to the brokerage: chunked NDJSON price streams per
// instrument and paginated candle history, both under one user's credentials.
package broker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// Credentials authenticate one user against the broker.
type Credentials struct {
	APIKey    string `json:"apiKey"`
	AccountID string `json:"accountId"`
}

func (c Credentials) Valid() bool {
	return strings.TrimSpace(c.APIKey) != "" && strings.TrimSpace(c.AccountID) != ""
}

// Clock is swappable for deterministic candle windows in tests.
type Clock interface {
	Now() time.Time
}

type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

type Options struct {
	BaseURL      string
	StreamURL    string
	CandleChunk  int
	SafetyBuffer time.Duration
	// RESTClient should carry a timeout; StreamClient must not, or streams get cut.
	RESTClient   *http.Client
	StreamClient *http.Client
	Limiter      *rate.Limiter
	Clock        Clock
	Logger       *zap.Logger
}

// Client is one user's handle on the broker.
type Client struct {
	creds  Credentials
	opts   Options
	logger *zap.Logger
}

// NewClient fails fast with ErrCredentialsMissing when creds are incomplete.
func NewClient(creds Credentials, opts Options) (*Client, error) {
	if !creds.Valid() {
		return nil, ErrCredentialsMissing
	}
	if opts.CandleChunk <= 0 {
		opts.CandleChunk = 500
	}
	if opts.RESTClient == nil {
		opts.RESTClient = &http.Client{Timeout: 30 * time.Second}
	}
	if opts.StreamClient == nil {
		opts.StreamClient = &http.Client{}
	}
	if opts.Limiter == nil {
		opts.Limiter = rate.NewLimiter(rate.Inf, 1)
	}
	if opts.Clock == nil {
		opts.Clock = RealClock{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Client{
		creds:  creds,
		opts:   opts,
		logger: opts.Logger.With(zap.String("account", creds.AccountID)),
	}, nil
}

func (c *Client) newRequest(ctx context.Context, base, path string, query url.Values) (*http.Request, error) {
	u := strings.TrimRight(base, "/") + "/" + strings.TrimLeft(path, "/")
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+c.creds.APIKey)
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}

// checkStatus turns auth failures into ErrCredentialsMissing and other non-2xx into errors.
func checkStatus(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return fmt.Errorf("%w: status %d", ErrCredentialsMissing, resp.StatusCode)
	}
	return fmt.Errorf("broker status %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
}

// openStream issues the pricing stream request for one instrument.
func (c *Client) openStream(ctx context.Context, instrument string) (io.ReadCloser, error) {
	path := fmt.Sprintf("accounts/%s/pricing/stream", url.PathEscape(c.creds.AccountID))
	req, err := c.newRequest(ctx, c.opts.StreamURL, path, url.Values{"instruments": {instrument}})
	if err != nil {
		return nil, err
	}
	resp, err := c.opts.StreamClient.Do(req)
	if err != nil {
		return nil, err
	}
	if err := checkStatus(resp); err != nil {
		resp.Body.Close()
		return nil, err
	}
	return resp.Body, nil
}
