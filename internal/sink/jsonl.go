// Package sink persists emitted crawl records. The JSONL sink is the
// collaborator-facing boundary: one JSON object per line, append-only, safe
// to tail while the crawl runs.
package sink

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/textforge/harvest/internal/crawler"
	"github.com/textforge/harvest/internal/extract"
)

// line is the on-disk shape: the record plus its extracted content.
type line struct {
	crawler.CrawlRecord
	Content *extract.Content `json:"content,omitempty"`
}

// JSONL writes one enriched record per line to a file.
type JSONL struct {
	registry *extract.Registry
	log      *zap.Logger

	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

// NewJSONL opens (or creates) the record file for appending.
func NewJSONL(path string, registry *extract.Registry, log *zap.Logger) (*JSONL, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create sink directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open sink file: %w", err)
	}
	return &JSONL{
		registry: registry,
		log:      log,
		file:     file,
		enc:      json.NewEncoder(file),
	}, nil
}

// Emit extracts content for the record's kind and appends the enriched line.
// Extraction failures are logged and the record is still written; a fetched
// page is not lost because its markup did not parse.
func (s *JSONL) Emit(ctx context.Context, record crawler.CrawlRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	out := line{CrawlRecord: record}
	content, err := s.registry.ForKind(record.Kind).Extract(record.URL, record.Body)
	if err != nil {
		s.log.Warn("content extraction failed",
			zap.String("url", record.URL), zap.Error(err))
	} else if !content.Empty() {
		out.Content = content
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(out); err != nil {
		return fmt.Errorf("write record: %w", err)
	}
	return nil
}

// Close flushes and closes the record file.
func (s *JSONL) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.file.Sync(); err != nil {
		_ = s.file.Close()
		return err
	}
	return s.file.Close()
}
