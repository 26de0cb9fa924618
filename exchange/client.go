// Package exchange talks to the map exchange over HTTP: pick a random map id
// and download map files.
package exchange

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"mania-rpc/middleware"
)

const (
	// UserAgent is sent with every request; the exchange rejects clients
	// without one.
	UserAgent = "hytak-server-util"

	DefaultSearchURL   = "http://trackmania.exchange"
	DefaultDownloadURL = "https://trackmania.exchange"

	randomSearchPath = "/mapsearch2/search?api=on&random=1&etags=23,37,40&mtype=TM_Race"
)

var (
	ErrNoResults = errors.New("no results")
	ErrNoTrackID = errors.New("no track id")
)

// StatusError is a non-2xx answer. 5xx answers are retried.
type StatusError struct {
	URL  string
	Code int
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("GET %s: status %d", e.URL, e.Code)
}

type Option func(*config)

type config struct {
	searchURL   string
	downloadURL string
	httpClient  *http.Client
	limit       rate.Limit
	burst       int
	maxAttempts int
	baseDelay   time.Duration
	log         *zap.Logger
}

func defaultConfig() config {
	return config{
		searchURL:   DefaultSearchURL,
		downloadURL: DefaultDownloadURL,
		httpClient:  &http.Client{Timeout: 60 * time.Second},
		limit:       rate.Limit(1),
		burst:       2,
		maxAttempts: 3,
		baseDelay:   500 * time.Millisecond,
		log:         zap.NewNop(),
	}
}

// WithBaseURLs points search and download at other hosts (tests, mirrors).
func WithBaseURLs(search, download string) Option {
	return func(c *config) {
		c.searchURL = strings.TrimRight(search, "/")
		c.downloadURL = strings.TrimRight(download, "/")
	}
}

func WithHTTPClient(hc *http.Client) Option {
	return func(c *config) { c.httpClient = hc }
}

// WithRate caps requests per second. Default: 1/s, burst 2.
func WithRate(perSecond float64, burst int) Option {
	return func(c *config) {
		c.limit = rate.Limit(perSecond)
		c.burst = burst
	}
}

// WithRetry sets the attempt count and the first backoff delay, which
// doubles on every retry.
func WithRetry(attempts int, baseDelay time.Duration) Option {
	return func(c *config) {
		c.maxAttempts = attempts
		c.baseDelay = baseDelay
	}
}

func WithLogger(log *zap.Logger) Option {
	return func(c *config) { c.log = log }
}

// Client is safe for concurrent use.
type Client struct {
	cfg     config
	limiter *rate.Limiter
	log     *zap.Logger
}

func NewClient(opts ...Option) *Client {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.maxAttempts < 1 {
		cfg.maxAttempts = 1
	}
	return &Client{
		cfg:     cfg,
		limiter: rate.NewLimiter(cfg.limit, cfg.burst),
		log:     cfg.log,
	}
}

type searchResult struct {
	Results []struct {
		TrackID *uint64 `json:"TrackID"`
	} `json:"results"`
}

// RandomMapID asks the exchange for one random race map.
func (c *Client) RandomMapID(ctx context.Context) (uint64, error) {
	url := c.cfg.searchURL + randomSearchPath
	resp, err := c.get(ctx, url)
	if err != nil {
		return 0, err
	}
	defer cleanlyCloseBody(resp.Body)

	var res searchResult
	if err := json.NewDecoder(resp.Body).Decode(&res); err != nil {
		return 0, fmt.Errorf("decode search result: %w", err)
	}
	if len(res.Results) == 0 {
		return 0, ErrNoResults
	}
	if res.Results[0].TrackID == nil {
		return 0, ErrNoTrackID
	}
	return *res.Results[0].TrackID, nil
}

// Download streams map id into w and returns the byte count. Only the
// request is retried; a failure while copying the body is returned as is.
func (c *Client) Download(ctx context.Context, id uint64, w io.Writer) (int64, error) {
	url := fmt.Sprintf("%s/maps/download/%d", c.cfg.downloadURL, id)
	resp, err := c.get(ctx, url)
	if err != nil {
		return 0, err
	}
	defer cleanlyCloseBody(resp.Body)

	n, err := io.Copy(w, resp.Body)
	if err != nil {
		return n, fmt.Errorf("download map %d: %w", id, err)
	}
	return n, nil
}

// get waits on the rate limiter, then issues the request, retrying transient
// failures with exponential backoff. The caller closes the body.
func (c *Client) get(ctx context.Context, url string) (*http.Response, error) {
	var lastErr error
	for attempt := 0; attempt < c.cfg.maxAttempts; attempt++ {
		if attempt > 0 {
			wait := c.cfg.baseDelay * time.Duration(1<<(attempt-1))
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(wait):
			}
		}
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}

		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return nil, fmt.Errorf("create request: %w", err)
		}
		req.Header.Set("User-Agent", UserAgent)

		resp, err := c.cfg.httpClient.Do(req)
		if err == nil && resp.StatusCode >= 200 && resp.StatusCode <= 299 {
			return resp, nil
		}
		if err == nil {
			cleanlyCloseBody(resp.Body)
			err = &StatusError{URL: url, Code: resp.StatusCode}
		}
		lastErr = err

		if !retryable(err) || ctx.Err() != nil {
			return nil, err
		}
		c.log.Info("exchange request failed, retrying",
			zap.String("url", url),
			zap.Int("attempt", attempt+1),
			zap.Error(err))
	}
	return nil, fmt.Errorf("GET %s failed after %d attempts: %w", url, c.cfg.maxAttempts, lastErr)
}

func retryable(err error) bool {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code >= 500
	}
	return middleware.IsTransient(err)
}

// cleanlyCloseBody drains the body so the connection can be reused.
func cleanlyCloseBody(body io.ReadCloser) error {
	if body == nil {
		return nil
	}
	_, _ = io.Copy(io.Discard, body)
	return body.Close()
}
