// Package fetch implements the rate-limited HTTP fetcher on top of Colly.
// Each worker identity gets its own minimum inter-request interval, and
// transient failures are retried with jittered exponential backoff.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/maktaba/shamela-crawler/internal/crawl"
	"github.com/maktaba/shamela-crawler/internal/metrics"
)

// ErrFetchFailed reports that all retries for a URL were exhausted.
var ErrFetchFailed = errors.New("fetch failed after retries")

// Config controls fetcher behavior.
type Config struct {
	UserAgent   string
	Timeout     time.Duration // hard per-request timeout
	MinInterval time.Duration // minimum delay between requests per worker
	MaxRetries  int
	BackoffBase time.Duration
}

// Fetcher implements crawl.Fetcher with a cloned-per-request Colly
// collector: OnResponse/OnError hooks feed a result struct, and the visit
// runs in a goroutine so cancellation is honored.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
	retry         *retryPolicy
	clock         crawl.Clock
	logger        *zap.Logger

	mu          sync.Mutex
	lastRequest map[string]time.Time
}

// New builds a Fetcher.
func New(cfg Config, clock crawl.Clock, logger *zap.Logger) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	c := colly.NewCollector()
	// Set synchronous mode via the field: colly v2.1.0's Async(...) option
	// ignores its argument and always enables async mode.
	c.Async = false
	c.AllowURLRevisit = true
	c.WithTransport(newHTTPTransport())
	if cfg.UserAgent != "" {
		c.UserAgent = cfg.UserAgent
	}
	c.SetRequestTimeout(cfg.Timeout)

	return &Fetcher{
		cfg:           cfg,
		baseCollector: c,
		retry:         newRetryPolicy(cfg.MaxRetries, cfg.BackoffBase),
		clock:         clock,
		logger:        logger,
		lastRequest:   make(map[string]time.Time),
	}
}

// Fetch retrieves url for workerID, honoring the per-worker interval and
// the retry budget. With expectMissing set, a 404 is returned as a
// NotFound result instead of an error, because a missing page is how the
// site signals the end of pagination in some crawl modes.
func (f *Fetcher) Fetch(ctx context.Context, workerID string, url string, expectMissing bool) (crawl.FetchResult, error) {
	var lastErr error
	for attempt := 0; ; attempt++ {
		f.waitTurn(ctx, workerID)
		if err := ctx.Err(); err != nil {
			return crawl.FetchResult{}, fmt.Errorf("fetch %s: %w", url, err)
		}

		result, err := f.fetchOnce(ctx, url)
		switch {
		case err == nil && result.StatusCode == http.StatusNotFound && expectMissing:
			result.NotFound = true
			metrics.ObserveFetch("not_found", result.Duration, 0)
			return result, nil
		case err == nil && result.StatusCode >= 500:
			// 5xx is transient: the origin may recover.
			lastErr = fmt.Errorf("server error %d for %s", result.StatusCode, url)
		case err == nil:
			// Everything else, including 403 interstitials, goes back to
			// the caller with its body; the classifier decides what it is.
			metrics.ObserveFetch("ok", result.Duration, len(result.Body))
			return result, nil
		default:
			lastErr = err
		}

		if !f.retry.ShouldRetry(lastErr, attempt) {
			metrics.ObserveFetch("failed", 0, 0)
			return crawl.FetchResult{}, fmt.Errorf("%w: %s: %v", ErrFetchFailed, url, lastErr)
		}
		backoff := f.retry.Backoff(attempt)
		f.logger.Debug("retrying fetch",
			zap.String("url", url),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
			zap.Error(lastErr),
		)
		pause(ctx, backoff)
	}
}

// waitTurn enforces the per-worker minimum interval, measured from that
// worker's previous request, not globally.
func (f *Fetcher) waitTurn(ctx context.Context, workerID string) {
	if f.cfg.MinInterval <= 0 {
		return
	}
	f.mu.Lock()
	now := f.clock.Now()
	var wait time.Duration
	if last, ok := f.lastRequest[workerID]; ok {
		if elapsed := now.Sub(last); elapsed < f.cfg.MinInterval {
			wait = f.cfg.MinInterval - elapsed
		}
	}
	f.lastRequest[workerID] = now.Add(wait)
	f.mu.Unlock()

	if wait > 0 {
		metrics.ObserveRateLimitWait(wait)
		pause(ctx, wait)
	}
}

func (f *Fetcher) fetchOnce(ctx context.Context, url string) (crawl.FetchResult, error) {
	var (
		result   crawl.FetchResult
		fetchErr error
	)
	start := time.Now()

	collector := f.baseCollector.Clone()
	collector.OnResponse(func(r *colly.Response) {
		result = crawl.FetchResult{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Body:       append([]byte(nil), r.Body...),
			Duration:   time.Since(start),
		}
	})
	collector.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode != 0 {
			// Non-2xx with a response: keep status and body, drop the
			// error so the caller can classify the payload.
			result = crawl.FetchResult{
				URL:        url,
				StatusCode: r.StatusCode,
				Body:       append([]byte(nil), r.Body...),
				Duration:   time.Since(start),
			}
			return
		}
		fetchErr = err
	})

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(url)
	}()

	select {
	case <-ctx.Done():
		return crawl.FetchResult{}, fmt.Errorf("fetch canceled: %w", ctx.Err())
	case visitErr := <-done:
		if fetchErr != nil {
			return crawl.FetchResult{}, fmt.Errorf("fetch %s: %w", url, fetchErr)
		}
		if result.StatusCode == 0 && visitErr != nil {
			return crawl.FetchResult{}, fmt.Errorf("fetch %s: %w", url, visitErr)
		}
		return result, nil
	}
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
