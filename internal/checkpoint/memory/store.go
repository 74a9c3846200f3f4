// Package memory provides an in-memory checkpoint store for tests and
// development runs. It implements the same dequeue semantics as the durable
// backends but nothing survives the process.
package memory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/textforge/harvest/internal/crawler"
)

// Store implements crawler.CheckpointStore with mutex-guarded maps.
type Store struct {
	mu      sync.Mutex
	targets map[string]*crawler.CrawlTarget
	order   []string
	domains map[string]*crawler.DomainState
}

// New constructs an empty Store.
func New() *Store {
	return &Store{
		targets: make(map[string]*crawler.CrawlTarget),
		domains: make(map[string]*crawler.DomainState),
	}
}

// Enqueue admits a target unless its fingerprint was ever seen.
func (s *Store) Enqueue(_ context.Context, target crawler.CrawlTarget) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, seen := s.targets[target.Fingerprint]; seen {
		return false, nil
	}
	t := target
	t.Status = crawler.StatusPending
	s.targets[target.Fingerprint] = &t
	s.order = append(s.order, target.Fingerprint)
	return true, nil
}

// DequeueNext pops the earliest eligible pending target and marks it
// in_flight. Domains are served least-recently-fetched first; within a
// domain, insertion order.
func (s *Store) DequeueNext(_ context.Context, now time.Time) (crawler.CrawlTarget, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inFlightDomains := make(map[string]struct{})
	pending := 0
	inFlight := 0
	for _, t := range s.targets {
		switch t.Status {
		case crawler.StatusPending:
			pending++
		case crawler.StatusInFlight:
			inFlight++
			inFlightDomains[t.Domain] = struct{}{}
		}
	}
	if pending == 0 {
		if inFlight == 0 {
			return crawler.CrawlTarget{}, crawler.ErrExhausted
		}
		return crawler.CrawlTarget{}, &crawler.NotReadyError{}
	}

	var (
		best     *crawler.CrawlTarget
		bestLast time.Time
		wakeAt   time.Time
	)
	for _, fp := range s.order {
		t := s.targets[fp]
		if t.Status != crawler.StatusPending {
			continue
		}
		if _, busy := inFlightDomains[t.Domain]; busy {
			continue
		}
		eligible := t.NextEligible
		var last time.Time
		if d, ok := s.domains[t.Domain]; ok {
			if d.NextFetchAt.After(eligible) {
				eligible = d.NextFetchAt
			}
			last = d.LastFetchAt
		}
		if eligible.After(now) {
			if wakeAt.IsZero() || eligible.Before(wakeAt) {
				wakeAt = eligible
			}
			continue
		}
		if best == nil || last.Before(bestLast) {
			best = t
			bestLast = last
		}
	}

	if best == nil {
		return crawler.CrawlTarget{}, &crawler.NotReadyError{WakeAt: wakeAt}
	}
	best.Status = crawler.StatusInFlight
	return *best, nil
}

// MarkDone transitions a target to done and counts the page for its domain.
func (s *Store) MarkDone(_ context.Context, fingerprint string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.targets[fingerprint]
	if !ok {
		return fmt.Errorf("unknown fingerprint %q", fingerprint)
	}
	t.Status = crawler.StatusDone
	s.domainLocked(t.Domain).PagesFetched++
	return nil
}

// MarkFailed records a failed attempt, re-enqueueing when retry is true.
func (s *Store) MarkFailed(_ context.Context, fingerprint string, retry bool, nextEligible time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.targets[fingerprint]
	if !ok {
		return fmt.Errorf("unknown fingerprint %q", fingerprint)
	}
	t.Attempts++
	if retry {
		t.Status = crawler.StatusPending
		t.NextEligible = nextEligible
		return nil
	}
	t.Status = crawler.StatusFailed
	return nil
}

// MarkSkipped records a terminal non-fetch outcome.
func (s *Store) MarkSkipped(_ context.Context, fingerprint string, status crawler.TargetStatus) error {
	if !status.Terminal() {
		return fmt.Errorf("status %q is not terminal", status)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.targets[fingerprint]
	if !ok {
		return fmt.Errorf("unknown fingerprint %q", fingerprint)
	}
	t.Status = status
	return nil
}

// ScheduleDomain records the domain's last fetch start and next earliest
// start.
func (s *Store) ScheduleDomain(_ context.Context, domain string, lastFetch, next time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d := s.domainLocked(domain)
	d.LastFetchAt = lastFetch
	d.NextFetchAt = next
	return nil
}

// DomainState returns the domain's bookkeeping row, zero-valued when new.
func (s *Store) DomainState(_ context.Context, domain string) (crawler.DomainState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if d, ok := s.domains[domain]; ok {
		return *d, nil
	}
	return crawler.DomainState{Domain: domain}, nil
}

// Stats summarizes queue contents.
func (s *Store) Stats(_ context.Context) (crawler.QueueStats, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var stats crawler.QueueStats
	for _, t := range s.targets {
		switch t.Status {
		case crawler.StatusPending:
			stats.Pending++
		case crawler.StatusInFlight:
			stats.InFlight++
		case crawler.StatusDone:
			stats.Done++
		case crawler.StatusFailed:
			stats.Failed++
		case crawler.StatusSkippedTrap:
			stats.SkippedTrap++
		case crawler.StatusDenied:
			stats.Denied++
		case crawler.StatusSkipped:
			stats.Skipped++
		}
	}
	stats.Domains = len(s.domains)
	return stats, nil
}

// Close is a no-op for the in-memory store.
func (s *Store) Close() error { return nil }

func (s *Store) domainLocked(domain string) *crawler.DomainState {
	d, ok := s.domains[domain]
	if !ok {
		d = &crawler.DomainState{Domain: domain}
		s.domains[domain] = d
	}
	return d
}
