// Package worker runs the per-target crawl loop: lease a target, clear it
// with the politeness policy, fetch it once, discover its links, emit its
// record, and report the outcome back to the frontier. Retries are not loops
// inside the worker; a retryable failure re-enqueues the target with a
// scheduled earliest-retry time so the backoff survives restarts.
package worker

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/textforge/harvest/internal/crawler"
	"github.com/textforge/harvest/internal/extract"
	collyfetcher "github.com/textforge/harvest/internal/fetcher/colly"
	"github.com/textforge/harvest/internal/frontier"
	"github.com/textforge/harvest/internal/metrics"
)

// parkFallback bounds how long a worker sleeps when the queue is blocked
// only on in-flight work and no wake time is known.
const parkFallback = 250 * time.Millisecond

// Config carries the per-worker knobs.
type Config struct {
	ID        int
	UserAgent string
	RunID     string
}

// Worker processes frontier targets until the crawl is exhausted or the
// context is canceled.
type Worker struct {
	cfg      Config
	frontier *frontier.Manager
	policy   crawler.PolitenessPolicy
	fetcher  crawler.Fetcher
	retry    collyfetcher.RetryPolicy
	sink     crawler.RecordSink
	clock    crawler.Clock
	metrics  *metrics.Metrics
	log      *zap.Logger
}

// New constructs a Worker.
func New(cfg Config, fm *frontier.Manager, policy crawler.PolitenessPolicy, fetcher crawler.Fetcher,
	retry collyfetcher.RetryPolicy, sink crawler.RecordSink, clock crawler.Clock,
	m *metrics.Metrics, log *zap.Logger) *Worker {
	return &Worker{
		cfg:      cfg,
		frontier: fm,
		policy:   policy,
		fetcher:  fetcher,
		retry:    retry,
		sink:     sink,
		clock:    clock,
		metrics:  m,
		log:      log.With(zap.Int("worker", cfg.ID)),
	}
}

// Run leases and processes targets until the frontier reports exhaustion.
// Fatal store errors abort the run; everything else is recorded per target.
func (w *Worker) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		target, err := w.frontier.Next(ctx, w.clock.Now())
		if err != nil {
			if errors.Is(err, crawler.ErrExhausted) {
				w.log.Debug("frontier exhausted")
				return nil
			}
			var notReady *crawler.NotReadyError
			if errors.As(err, &notReady) {
				if err := w.park(ctx, notReady.WakeAt); err != nil {
					return err
				}
				continue
			}
			return err
		}

		if err := w.process(ctx, target); err != nil {
			return err
		}
	}
}

// park waits for new work: the frontier's wake signal, the store's reported
// wake time, or a fallback tick when the queue is blocked only on in-flight
// targets.
func (w *Worker) park(ctx context.Context, wakeAt time.Time) error {
	wait := parkFallback
	if !wakeAt.IsZero() {
		if d := wakeAt.Sub(w.clock.Now()); d > 0 {
			wait = d
		} else {
			wait = time.Millisecond
		}
	}

	timer := time.NewTimer(wait)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
	case <-w.frontier.Wake():
	}
	return nil
}

// process handles one leased target end to end. The returned error is
// non-nil only for failures that must stop the worker; per-target outcomes
// are absorbed into the checkpoint store.
func (w *Worker) process(ctx context.Context, target crawler.CrawlTarget) error {
	w.metrics.ActiveWorkers.Inc()
	defer w.metrics.ActiveWorkers.Dec()

	if !w.policy.Allowed(ctx, target.URL) {
		w.log.Info("robots.txt denies target",
			zap.String("url", target.URL), zap.String("domain", target.Domain))
		w.metrics.RobotsDenied.Inc()
		return w.frontier.Deny(ctx, target.Fingerprint)
	}

	// Reserve the domain before fetching so sibling targets stay parked
	// for the full politeness gap even if this fetch is slow or dies.
	start := w.clock.Now()
	delay := w.policy.MinDelay(ctx, target.Domain)
	if err := w.frontier.Schedule(ctx, target.Domain, start, start.Add(delay)); err != nil {
		return err
	}

	resp, err := w.fetcher.Fetch(ctx, crawler.FetchRequest{
		URL:       target.URL,
		Domain:    target.Domain,
		Depth:     target.Depth,
		UserAgent: w.cfg.UserAgent,
	})
	if err != nil {
		// A canceled context leaves the lease in place; recovery resets
		// it to pending on the next run.
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return w.recordFailure(ctx, target, err)
	}

	w.metrics.FetchDuration.Observe(resp.Duration.Seconds())
	w.metrics.PagesFetched.WithLabelValues(target.Domain).Inc()
	w.metrics.BytesFetched.Add(float64(len(resp.Body)))

	if target.Depth < w.frontier.DepthCap(target.Domain) {
		links, lerr := extract.Links(target.URL, resp.Body)
		if lerr != nil {
			w.log.Warn("link extraction failed",
				zap.String("url", target.URL), zap.Error(lerr))
		} else if _, derr := w.frontier.Discover(ctx, target, links); derr != nil {
			return derr
		}
	}

	record := crawler.CrawlRecord{
		UID:       target.Fingerprint,
		RunID:     w.cfg.RunID,
		URL:       target.URL,
		Domain:    target.Domain,
		Kind:      target.Kind,
		Depth:     target.Depth,
		Status:    resp.StatusCode,
		FetchedAt: start,
		Headers:   resp.Headers,
		Body:      resp.Body,
	}
	if err := w.sink.Emit(ctx, record); err != nil {
		return err
	}

	w.log.Info("fetched",
		zap.String("url", target.URL),
		zap.Int("status", resp.StatusCode),
		zap.Int("depth", target.Depth),
		zap.Duration("took", resp.Duration))
	return w.frontier.Done(ctx, target.Fingerprint)
}

// recordFailure decides between a scheduled re-enqueue and a terminal
// failure for a fetch error.
func (w *Worker) recordFailure(ctx context.Context, target crawler.CrawlTarget, err error) error {
	var fe *crawler.FetchError
	if !errors.As(err, &fe) {
		w.log.Error("unclassified fetch failure",
			zap.String("url", target.URL), zap.Error(err))
		return w.frontier.Fail(ctx, target.Fingerprint, false, time.Time{})
	}

	w.metrics.FetchFailures.WithLabelValues(string(fe.Kind)).Inc()
	attempts := target.Attempts + 1

	if fe.Retryable() && !w.retry.Exhausted(attempts) {
		backoff := w.retry.Backoff(target.Attempts)
		if fe.RetryAfter > 0 {
			backoff = fe.RetryAfter
		}
		retryAt := w.clock.Now().Add(backoff)
		w.log.Warn("fetch failed, will retry",
			zap.String("url", target.URL),
			zap.String("kind", string(fe.Kind)),
			zap.Int("attempts", attempts),
			zap.Time("retry_at", retryAt),
			zap.Error(fe))
		w.metrics.Retries.Inc()
		return w.frontier.Fail(ctx, target.Fingerprint, true, retryAt)
	}

	w.log.Warn("fetch failed terminally",
		zap.String("url", target.URL),
		zap.String("kind", string(fe.Kind)),
		zap.Int("attempts", attempts),
		zap.Error(fe))
	return w.frontier.Fail(ctx, target.Fingerprint, false, time.Time{})
}
