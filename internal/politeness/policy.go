// Package politeness enforces robots.txt rules and per-domain pacing.
package politeness

import (
	"context"
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
	"go.uber.org/zap"

	"github.com/textforge/harvest/internal/crawler"
)

const robotsBodyLimit = 1 << 20

// Config controls the politeness engine.
type Config struct {
	UserAgent    string
	DefaultDelay time.Duration
	JitterMin    time.Duration
	JitterMax    time.Duration
	CacheTTL     time.Duration
	// DomainFloors raises the delay floor for specific domains.
	DomainFloors map[string]time.Duration
}

type robotsEntry struct {
	// data is nil when robots.txt could not be fetched or parsed; the
	// engine then allows everything at the default delay.
	data       *robotstxt.RobotsData
	crawlDelay time.Duration
	fetchedAt  time.Time
}

// Engine implements crawler.PolitenessPolicy. robots.txt is fetched once
// per host and cached with a TTL; fetch failures allow the crawl to proceed
// (fail-open for allow, fail-safe for delay).
type Engine struct {
	cfg    Config
	client *http.Client
	clock  crawler.Clock
	logger *zap.Logger

	mu    sync.Mutex
	cache map[string]robotsEntry
}

// New builds an Engine. A nil client gets a default with a 10s timeout.
func New(cfg Config, client *http.Client, clock crawler.Clock, logger *zap.Logger) *Engine {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = time.Hour
	}
	return &Engine{
		cfg:    cfg,
		client: client,
		clock:  clock,
		logger: logger,
		cache:  make(map[string]robotsEntry),
	}
}

// Allowed reports whether robots.txt permits fetching rawURL. Malformed
// URLs are denied; a missing or unfetchable robots.txt allows the fetch.
func (e *Engine) Allowed(ctx context.Context, rawURL string) bool {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return false
	}
	entry := e.entryFor(ctx, parsed)
	if entry.data == nil {
		return true
	}
	group := entry.data.FindGroup(e.cfg.UserAgent)
	if group == nil {
		return true
	}
	path := parsed.Path
	if path == "" {
		path = "/"
	}
	return group.Test(path)
}

// MinDelay returns max(robots crawl-delay, configured floor) plus a fresh
// uniformly random jitter. The jitter differs on every call.
func (e *Engine) MinDelay(_ context.Context, domain string) time.Duration {
	delay := e.floor(domain)

	e.mu.Lock()
	entry, ok := e.cache[strings.ToLower(domain)]
	e.mu.Unlock()
	if ok && entry.crawlDelay > delay {
		delay = entry.crawlDelay
	}

	return delay + e.jitter()
}

func (e *Engine) floor(domain string) time.Duration {
	if d, ok := e.cfg.DomainFloors[strings.ToLower(domain)]; ok && d > 0 {
		return d
	}
	return e.cfg.DefaultDelay
}

func (e *Engine) jitter() time.Duration {
	span := e.cfg.JitterMax - e.cfg.JitterMin
	if span <= 0 {
		return e.cfg.JitterMin
	}
	n, err := rand.Int(rand.Reader, big.NewInt(int64(span)))
	if err != nil {
		return e.cfg.JitterMin + span/2
	}
	return e.cfg.JitterMin + time.Duration(n.Int64())
}

// entryFor returns the cached robots entry for the URL's host, fetching
// robots.txt when the entry is missing or past its TTL. The cache key is
// the lowercased hostname so MinDelay lookups by domain hit the same entry.
func (e *Engine) entryFor(ctx context.Context, parsed *url.URL) robotsEntry {
	key := strings.ToLower(parsed.Hostname())
	now := e.clock.Now()

	e.mu.Lock()
	entry, ok := e.cache[key]
	e.mu.Unlock()
	if ok && now.Sub(entry.fetchedAt) < e.cfg.CacheTTL {
		return entry
	}

	entry = e.fetchRobots(ctx, parsed, now)

	e.mu.Lock()
	e.cache[key] = entry
	e.mu.Unlock()
	return entry
}

func (e *Engine) fetchRobots(ctx context.Context, parsed *url.URL, now time.Time) robotsEntry {
	robotsURL := url.URL{
		Scheme: parsed.Scheme,
		Host:   parsed.Host,
		Path:   "/robots.txt",
	}

	data, err := e.download(ctx, robotsURL.String())
	if err != nil {
		e.logger.Warn("robots fetch failed; allowing with default delay",
			zap.String("host", parsed.Host), zap.Error(err))
		return robotsEntry{fetchedAt: now}
	}

	entry := robotsEntry{data: data, fetchedAt: now}
	if group := data.FindGroup(e.cfg.UserAgent); group != nil {
		entry.crawlDelay = group.CrawlDelay
	}
	return entry
}

func (e *Engine) download(ctx context.Context, robotsURL string) (*robotstxt.RobotsData, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, robotsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("new robots request: %w", err)
	}
	req.Header.Set("User-Agent", e.cfg.UserAgent)

	resp, err := e.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch robots: %w", err)
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			e.logger.Debug("close robots body", zap.Error(cerr))
		}
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, robotsBodyLimit))
	if err != nil {
		return nil, fmt.Errorf("read robots body: %w", err)
	}
	data, err := robotstxt.FromStatusAndBytes(resp.StatusCode, body)
	if err != nil {
		return nil, fmt.Errorf("parse robots: %w", err)
	}
	return data, nil
}
