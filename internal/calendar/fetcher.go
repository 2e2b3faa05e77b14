package calendar

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/sony/gobreaker"

	"guestkey/config"
	"guestkey/internal/log"
)

// maxFeedBytes caps how much of a feed response is read.
const maxFeedBytes = 8 << 20

// ErrFeedTooLarge is returned for a feed over maxFeedBytes. A truncated feed
// would make later bookings look cancelled, so it counts as a failed fetch.
var ErrFeedTooLarge = errors.New("calendar: feed too large")

// Fetcher returns the raw text of a calendar feed.
type Fetcher interface {
	Fetch(ctx context.Context, source config.CalendarSource) (string, error)
}

// HTTPFetcher fetches feeds over HTTP. Each source gets its own circuit
// breaker so a dead feed stops being polled for a cooldown period without
// affecting the others.
type HTTPFetcher struct {
	client   *http.Client
	failures uint32
	cooldown time.Duration

	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker
}

// NewHTTPFetcher creates a fetcher with the configured timeout and breaker
// settings. An invalid proxy URL is logged and ignored.
func NewHTTPFetcher(cfg config.CalendarConfig) *HTTPFetcher {
	var transport http.RoundTripper = http.DefaultTransport
	if cfg.HTTPProxy != "" {
		proxyURL, err := url.Parse(cfg.HTTPProxy)
		if err != nil {
			logger := log.WithComponent("calendar")
			logger.Warn().Err(err).Str("proxy", cfg.HTTPProxy).Msg("invalid proxy URL, fetching without proxy")
		} else {
			transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
		}
	}
	return &HTTPFetcher{
		client:   &http.Client{Transport: transport, Timeout: cfg.FetchTimeout},
		failures: uint32(cfg.BreakerFailures),
		cooldown: cfg.BreakerCooldown,
		breakers: make(map[string]*gobreaker.CircuitBreaker),
	}
}

func (f *HTTPFetcher) breaker(name string) *gobreaker.CircuitBreaker {
	f.mu.Lock()
	defer f.mu.Unlock()
	if cb, ok := f.breakers[name]; ok {
		return cb
	}
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "calendar-" + name,
		MaxRequests: 1,
		Timeout:     f.cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= f.failures
		},
		IsSuccessful: func(err error) bool {
			return err == nil
		},
	})
	f.breakers[name] = cb
	return cb
}

// Fetch downloads the feed for source.
func (f *HTTPFetcher) Fetch(ctx context.Context, source config.CalendarSource) (string, error) {
	out, err := f.breaker(source.Name).Execute(func() (any, error) {
		return f.get(ctx, source.URL)
	})
	if err != nil {
		return "", err
	}
	return out.(string), nil
}

func (f *HTTPFetcher) get(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Accept", "text/calendar")

	resp, err := f.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("received non-200 status code: %d", resp.StatusCode)
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxFeedBytes+1))
	if err != nil {
		return "", fmt.Errorf("failed to read response body: %w", err)
	}
	if len(body) > maxFeedBytes {
		return "", fmt.Errorf("%w: more than %d bytes", ErrFeedTooLarge, maxFeedBytes)
	}
	return string(body), nil
}
