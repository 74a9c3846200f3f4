package crawler

import (
	"context"
	"time"
)

// CheckpointStore persists the frontier queue, the seen set, and per-domain
// state. All mutation of shared crawl state goes through it; operations are
// short, serialized critical sections and are never held across a fetch.
type CheckpointStore interface {
	// Enqueue admits a target unless its fingerprint is already in the seen
	// set. The seen-set insert and the queue insert are atomic.
	// Returns true when the target was newly admitted.
	Enqueue(ctx context.Context, target CrawlTarget) (bool, error)

	// DequeueNext pops the earliest eligible pending target: its own
	// next-eligible time and its domain's schedule have passed, and no
	// other target of the same domain is in flight. Domains are served
	// least-recently-fetched first; within a domain, insertion order.
	// The returned target is marked in_flight before it is returned.
	//
	// When nothing can be dequeued, it returns ErrExhausted if the queue
	// is empty with nothing in flight, or a *NotReadyError carrying the
	// next wake time otherwise.
	DequeueNext(ctx context.Context, now time.Time) (CrawlTarget, error)

	// MarkDone transitions an in-flight target to done and increments the
	// domain's fetched-page counter.
	MarkDone(ctx context.Context, fingerprint string) error

	// MarkFailed records a failed attempt. With retry true the target
	// returns to pending with an incremented attempt count and the given
	// earliest-retry time; otherwise it becomes terminally failed.
	MarkFailed(ctx context.Context, fingerprint string, retry bool, nextEligible time.Time) error

	// MarkSkipped records a terminal non-fetch outcome (trap, robots
	// denial, budget exhaustion) while keeping the fingerprint seen.
	MarkSkipped(ctx context.Context, fingerprint string, status TargetStatus) error

	// ScheduleDomain sets the earliest start time of the domain's next
	// fetch. Written at dispatch time with a freshly computed minimum
	// delay.
	ScheduleDomain(ctx context.Context, domain string, lastFetch, next time.Time) error

	// DomainState returns the bookkeeping row for a domain, zero-valued
	// when the domain has not been seen yet.
	DomainState(ctx context.Context, domain string) (DomainState, error)

	// Stats summarizes queue contents for progress reporting.
	Stats(ctx context.Context) (QueueStats, error)

	Close() error
}

// Fetcher performs a single fetch attempt for a URL. Failures are reported
// as a *FetchError so the crawl driver can decide between re-enqueue and a
// terminal transition.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// PolitenessPolicy wraps robots.txt rules and per-domain pacing.
type PolitenessPolicy interface {
	// Allowed reports whether robots.txt permits fetching the URL.
	// A missing or unfetchable robots.txt allows the fetch.
	Allowed(ctx context.Context, rawURL string) bool

	// MinDelay returns the minimum gap before the domain's next fetch:
	// max(robots crawl-delay, configured floor) plus fresh jitter.
	MinDelay(ctx context.Context, domain string) time.Duration
}

// TrapFilter classifies candidate URLs that would expand the crawl without
// yielding new content (infinite pagination, calendar archives).
type TrapFilter interface {
	IsTrap(rawURL string) bool
}

// RecordSink consumes emitted crawl records. Ownership of a record passes
// to the sink on Emit.
type RecordSink interface {
	Emit(ctx context.Context, record CrawlRecord) error
	Close() error
}

// Hasher computes the stable fingerprint/UID digest of a canonical URL.
type Hasher interface {
	Hash(data string) string
}

// Clock returns the current time (substitutable in tests).
type Clock interface {
	Now() time.Time
}
