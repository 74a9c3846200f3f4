// Package frontier decides what enters the crawl queue and what comes out of
// it. It owns canonicalization, same-domain containment, depth caps, page
// budgets, and the trap filter; the checkpoint store only sees targets that
// already passed admission.
package frontier

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/textforge/harvest/internal/config"
	"github.com/textforge/harvest/internal/crawler"
	"github.com/textforge/harvest/internal/metrics"
)

// domainPolicy is the per-domain slice of the seed configuration the manager
// needs at admission and dispatch time.
type domainPolicy struct {
	kind       crawler.SourceKind
	depthCap   int
	pageBudget int
}

// Manager implements frontier admission and dispatch on top of a
// crawler.CheckpointStore.
type Manager struct {
	store   crawler.CheckpointStore
	traps   crawler.TrapFilter
	hasher  crawler.Hasher
	clock   crawler.Clock
	metrics *metrics.Metrics
	log     *zap.Logger

	seeds    []config.SeedConfig
	policies map[string]domainPolicy

	// wake is signaled whenever the queue may have become dispatchable
	// again so parked workers can retry before their timer fires.
	wake chan struct{}
}

// New constructs a Manager for the configured seed domains. Per-domain caps
// left unset in a seed fall back to the crawler defaults.
func New(store crawler.CheckpointStore, traps crawler.TrapFilter, hasher crawler.Hasher,
	clock crawler.Clock, seeds []config.SeedConfig, defaults config.CrawlerConfig,
	m *metrics.Metrics, log *zap.Logger) *Manager {
	policies := make(map[string]domainPolicy, len(seeds))
	for _, s := range seeds {
		policies[s.Domain] = domainPolicy{
			kind:       crawler.SourceKind(s.Kind),
			depthCap:   s.DepthCap(defaults),
			pageBudget: s.PageBudget(defaults),
		}
	}
	return &Manager{
		store:    store,
		traps:    traps,
		hasher:   hasher,
		clock:    clock,
		metrics:  m,
		log:      log,
		seeds:    seeds,
		policies: policies,
		wake:     make(chan struct{}, 1),
	}
}

// Wake returns a channel that receives a signal when new work may be
// available. Workers parked on a NotReadyError select on it alongside their
// wake timer.
func (m *Manager) Wake() <-chan struct{} { return m.wake }

func (m *Manager) notify() {
	select {
	case m.wake <- struct{}{}:
	default:
	}
}

// Seed enqueues the configured seed URLs at depth zero. Fingerprints already
// in the seen set are skipped, which makes Seed safe to call on resume.
func (m *Manager) Seed(ctx context.Context, now time.Time) error {
	for _, s := range m.seeds {
		for _, raw := range s.URLs {
			canonical, err := crawler.Canonicalize(raw)
			if err != nil {
				m.log.Warn("dropping invalid seed url",
					zap.String("url", raw), zap.Error(err))
				continue
			}
			domain, err := crawler.DomainOf(canonical)
			if err != nil {
				m.log.Warn("dropping invalid seed url",
					zap.String("url", raw), zap.Error(err))
				continue
			}
			if domain != s.Domain {
				m.log.Warn("seed url does not belong to its configured domain",
					zap.String("url", canonical), zap.String("domain", s.Domain))
				continue
			}
			admitted, err := m.store.Enqueue(ctx, crawler.CrawlTarget{
				Fingerprint:  m.hasher.Hash(canonical),
				URL:          canonical,
				Domain:       domain,
				Kind:         crawler.SourceKind(s.Kind),
				Depth:        0,
				DiscoveredAt: now,
			})
			if err != nil {
				return err
			}
			if admitted {
				m.notify()
			}
		}
	}
	return nil
}

// Discover admits links found on a fetched page. Links that fail
// canonicalization are dropped, links outside the parent's domain are
// dropped, links past the domain's depth cap are dropped, and links caught by
// the trap filter are recorded as skipped_trap so the decision is visible in
// progress stats. Returns the number of newly admitted targets.
func (m *Manager) Discover(ctx context.Context, parent crawler.CrawlTarget, links []string) (int, error) {
	policy := m.policyFor(parent.Domain)
	admitted := 0
	for _, raw := range links {
		canonical, err := crawler.Canonicalize(raw)
		if err != nil {
			continue
		}
		domain, err := crawler.DomainOf(canonical)
		if err != nil || domain != parent.Domain {
			continue
		}
		depth := parent.Depth + 1
		if policy.depthCap > 0 && depth > policy.depthCap {
			continue
		}

		target := crawler.CrawlTarget{
			Fingerprint:  m.hasher.Hash(canonical),
			URL:          canonical,
			Domain:       domain,
			Kind:         parent.Kind,
			Depth:        depth,
			DiscoveredAt: m.clock.Now(),
		}
		ok, err := m.store.Enqueue(ctx, target)
		if err != nil {
			return admitted, err
		}
		if !ok {
			continue
		}
		if m.traps.IsTrap(canonical) {
			m.log.Debug("trap filter rejected url",
				zap.String("url", canonical), zap.String("domain", domain))
			m.metrics.TrapsSkipped.Inc()
			if err := m.store.MarkSkipped(ctx, target.Fingerprint, crawler.StatusSkippedTrap); err != nil {
				return admitted, err
			}
			continue
		}
		admitted++
	}
	if admitted > 0 {
		m.notify()
	}
	return admitted, nil
}

// Next leases the next dispatchable target. Targets for domains that spent
// their page budget are marked skipped and never returned. Callers receive
// crawler.ErrExhausted or a *crawler.NotReadyError exactly as the store
// reports them.
func (m *Manager) Next(ctx context.Context, now time.Time) (crawler.CrawlTarget, error) {
	for {
		target, err := m.store.DequeueNext(ctx, now)
		if err != nil {
			return crawler.CrawlTarget{}, err
		}

		policy := m.policyFor(target.Domain)
		if policy.pageBudget > 0 {
			state, err := m.store.DomainState(ctx, target.Domain)
			if err != nil {
				return crawler.CrawlTarget{}, err
			}
			if state.PagesFetched >= policy.pageBudget {
				m.log.Info("domain page budget spent, skipping target",
					zap.String("domain", target.Domain),
					zap.Int("pages_fetched", state.PagesFetched))
				if err := m.store.MarkSkipped(ctx, target.Fingerprint, crawler.StatusSkipped); err != nil {
					return crawler.CrawlTarget{}, err
				}
				continue
			}
		}
		return target, nil
	}
}

// Done reports a finished fetch so parked workers recheck the queue.
func (m *Manager) Done(ctx context.Context, fingerprint string) error {
	if err := m.store.MarkDone(ctx, fingerprint); err != nil {
		return err
	}
	m.notify()
	return nil
}

// Fail reports a failed fetch, re-enqueueing when retry is set.
func (m *Manager) Fail(ctx context.Context, fingerprint string, retry bool, nextEligible time.Time) error {
	if err := m.store.MarkFailed(ctx, fingerprint, retry, nextEligible); err != nil {
		return err
	}
	m.notify()
	return nil
}

// Deny records a robots denial for a leased target.
func (m *Manager) Deny(ctx context.Context, fingerprint string) error {
	if err := m.store.MarkSkipped(ctx, fingerprint, crawler.StatusDenied); err != nil {
		return err
	}
	m.notify()
	return nil
}

// Schedule records a fetch start and the earliest start of the next fetch for
// the domain.
func (m *Manager) Schedule(ctx context.Context, domain string, start, next time.Time) error {
	return m.store.ScheduleDomain(ctx, domain, start, next)
}

// Stats proxies queue statistics from the store.
func (m *Manager) Stats(ctx context.Context) (crawler.QueueStats, error) {
	return m.store.Stats(ctx)
}

// DepthCap returns the link depth limit for a domain, zero meaning seeds
// only.
func (m *Manager) DepthCap(domain string) int {
	return m.policyFor(domain).depthCap
}

func (m *Manager) policyFor(domain string) domainPolicy {
	if p, ok := m.policies[domain]; ok {
		return p
	}
	return domainPolicy{kind: crawler.KindNews}
}

// IsExhausted reports whether err means the crawl has no work left at all.
func IsExhausted(err error) bool {
	return errors.Is(err, crawler.ErrExhausted)
}
