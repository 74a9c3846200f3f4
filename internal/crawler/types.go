// Package crawler defines the core types and contracts shared across the
// crawl engine subsystems.
package crawler

import (
	"net/http"
	"time"
)

// TargetStatus represents the lifecycle state of a frontier target.
type TargetStatus string

// Target status values persisted in the checkpoint store.
const (
	StatusPending     TargetStatus = "pending"
	StatusInFlight    TargetStatus = "in_flight"
	StatusDone        TargetStatus = "done"
	StatusFailed      TargetStatus = "failed"
	StatusSkippedTrap TargetStatus = "skipped_trap"
	StatusDenied      TargetStatus = "denied"
	StatusSkipped     TargetStatus = "skipped"
)

// SourceKind selects the extractor applied to a fetched page.
type SourceKind string

// Supported source kinds.
const (
	KindNews  SourceKind = "news"
	KindForum SourceKind = "forum"
)

// CrawlTarget is a to-be-fetched URL tracked by the frontier.
// The canonical URL is the unique key; Fingerprint is its SHA-256 digest.
type CrawlTarget struct {
	Fingerprint  string
	URL          string
	Domain       string
	Kind         SourceKind
	Depth        int
	Attempts     int
	Status       TargetStatus
	DiscoveredAt time.Time
	NextEligible time.Time
}

// DomainState is the per-domain politeness and budget bookkeeping kept by
// the checkpoint store.
type DomainState struct {
	Domain       string
	LastFetchAt  time.Time
	NextFetchAt  time.Time
	PagesFetched int
}

// CrawlRecord is the outward-facing result of a successful fetch. It is
// handed to the record sink and not referenced by the crawler afterward.
type CrawlRecord struct {
	UID       string      `json:"uid"`
	RunID     string      `json:"run_id"`
	URL       string      `json:"url"`
	Domain    string      `json:"domain"`
	Kind      SourceKind  `json:"kind"`
	Depth     int         `json:"depth"`
	Status    int         `json:"status"`
	FetchedAt time.Time   `json:"fetched_at"`
	Headers   http.Header `json:"headers"`
	Body      []byte      `json:"-"`
}

// FetchRequest captures everything needed to fetch one URL.
type FetchRequest struct {
	URL       string
	Domain    string
	Depth     int
	UserAgent string
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// QueueStats summarizes the checkpoint store for progress reporting.
type QueueStats struct {
	Pending     int `json:"pending"`
	InFlight    int `json:"in_flight"`
	Done        int `json:"done"`
	Failed      int `json:"failed"`
	SkippedTrap int `json:"skipped_trap"`
	Denied      int `json:"denied"`
	Skipped     int `json:"skipped"`
	Domains     int `json:"domains"`
}

// Total returns the number of fingerprints ever admitted to the frontier.
func (s QueueStats) Total() int {
	return s.Pending + s.InFlight + s.Done + s.Failed + s.SkippedTrap + s.Denied + s.Skipped
}

// Terminal reports whether a status can never transition again.
func (t TargetStatus) Terminal() bool {
	switch t {
	case StatusDone, StatusFailed, StatusSkippedTrap, StatusDenied, StatusSkipped:
		return true
	default:
		return false
	}
}
