// Package collyfetcher implements crawler.Fetcher using gocolly.
package collyfetcher

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/textforge/harvest/internal/crawler"
)

// Config controls collector behavior.
type Config struct {
	UserAgent    string
	Timeout      time.Duration
	MaxRedirects int
}

// Fetcher performs one HTTP GET per call using a cloned colly collector.
// It never retries by itself: failures come back as a *crawler.FetchError
// and the crawl driver decides between re-enqueue and a terminal state.
type Fetcher struct {
	cfg           Config
	baseCollector *colly.Collector
	clock         crawler.Clock
}

// New builds a Fetcher.
func New(cfg Config, clock crawler.Clock) *Fetcher {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	if cfg.MaxRedirects <= 0 {
		cfg.MaxRedirects = 5
	}
	c := colly.NewCollector(colly.Async(false))
	// The politeness engine owns robots.txt; the collector must not fetch
	// it a second time.
	c.IgnoreRobotsTxt = true
	// Clones share the base collector's visited-URL store, and retries
	// re-dispatch the same URL. Dedup belongs to the frontier's seen set,
	// not the transport.
	c.AllowURLRevisit = true
	return &Fetcher{
		cfg:           cfg,
		baseCollector: c,
		clock:         clock,
	}
}

// Fetch executes a single HTTP GET attempt.
func (f *Fetcher) Fetch(ctx context.Context, request crawler.FetchRequest) (crawler.FetchResponse, error) {
	if err := ctx.Err(); err != nil {
		return crawler.FetchResponse{}, &crawler.FetchError{
			URL: request.URL, Kind: crawler.FailureNetwork, Err: err,
		}
	}

	var (
		result   crawler.FetchResponse
		fetchErr *crawler.FetchError
		got      bool
	)
	start := f.clock.Now()

	collector := f.baseCollector.Clone()
	collector.IgnoreRobotsTxt = true
	collector.AllowURLRevisit = true
	collector.UserAgent = f.cfg.UserAgent
	if request.UserAgent != "" {
		collector.UserAgent = request.UserAgent
	}
	collector.SetRequestTimeout(f.cfg.Timeout)
	collector.SetRedirectHandler(func(_ *http.Request, via []*http.Request) error {
		if len(via) >= f.cfg.MaxRedirects {
			return crawler.ErrTooManyRedirects
		}
		return nil
	})

	collector.OnResponse(func(r *colly.Response) {
		headers := http.Header{}
		if r.Headers != nil {
			headers = r.Headers.Clone()
		}
		result = crawler.FetchResponse{
			URL:        r.Request.URL.String(),
			StatusCode: r.StatusCode,
			Headers:    headers,
			Body:       append([]byte(nil), r.Body...),
			Duration:   f.clock.Now().Sub(start),
		}
		got = true
	})

	collector.OnError(func(r *colly.Response, err error) {
		fetchErr = f.classify(request.URL, r, err)
	})

	if err := collector.Visit(request.URL); err != nil && fetchErr == nil && !got {
		fetchErr = f.classify(request.URL, nil, err)
	}
	collector.Wait()

	if fetchErr != nil {
		return crawler.FetchResponse{}, fetchErr
	}
	if !got {
		return crawler.FetchResponse{}, &crawler.FetchError{
			URL:  request.URL,
			Kind: crawler.FailureNetwork,
			Err:  errors.New("no response received"),
		}
	}
	return result, nil
}

// classify maps a transport or HTTP failure onto the retry taxonomy.
func (f *Fetcher) classify(url string, r *colly.Response, err error) *crawler.FetchError {
	fe := &crawler.FetchError{URL: url, Err: err}

	switch {
	case errors.Is(err, crawler.ErrTooManyRedirects):
		fe.Kind = crawler.FailureRedirects
		return fe
	case isTimeout(err):
		fe.Kind = crawler.FailureTimeout
		return fe
	}

	if r != nil && r.StatusCode > 0 {
		fe.Kind = crawler.FailureHTTP
		fe.StatusCode = r.StatusCode
		if (r.StatusCode == http.StatusTooManyRequests || r.StatusCode == http.StatusServiceUnavailable) && r.Headers != nil {
			fe.RetryAfter = parseRetryAfter(r.Headers.Get("Retry-After"), f.clock.Now())
		}
		return fe
	}

	fe.Kind = crawler.FailureNetwork
	return fe
}

func isTimeout(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}

// parseRetryAfter handles both delta-seconds and HTTP-date forms.
func parseRetryAfter(value string, now time.Time) time.Duration {
	if value == "" {
		return 0
	}
	if secs, err := strconv.Atoi(value); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(value); err == nil {
		if d := at.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

// String implements fmt.Stringer for logging.
func (f *Fetcher) String() string {
	return fmt.Sprintf("collyfetcher(timeout=%s, max_redirects=%d)", f.cfg.Timeout, f.cfg.MaxRedirects)
}
