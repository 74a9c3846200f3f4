package sink

import (
	"context"
	"sync"

	"github.com/textforge/harvest/internal/crawler"
)

// Memory collects emitted records in memory for tests.
type Memory struct {
	mu      sync.Mutex
	records []crawler.CrawlRecord
}

// NewMemory returns an empty in-memory sink.
func NewMemory() *Memory {
	return &Memory{}
}

// Emit appends the record.
func (s *Memory) Emit(_ context.Context, record crawler.CrawlRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, record)
	return nil
}

// Records returns a copy of everything emitted so far.
func (s *Memory) Records() []crawler.CrawlRecord {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]crawler.CrawlRecord, len(s.records))
	copy(out, s.records)
	return out
}

// Close is a no-op.
func (s *Memory) Close() error { return nil }
