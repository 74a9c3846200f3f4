// Package extract turns fetched HTML into links and structured content.
// Extraction is best effort: a page that yields no content is still a
// successful fetch.
package extract

import (
	"github.com/textforge/harvest/internal/crawler"
)

// Post is a single forum post or comment.
type Post struct {
	Author string `json:"author,omitempty"`
	Text   string `json:"text"`
	Score  int    `json:"score,omitempty"`
}

// Content is the structured payload extracted from a page. News pages fill
// Title/Text/PublishedAt; forum pages fill Title/Posts/CommentCount.
type Content struct {
	Title        string `json:"title,omitempty"`
	Text         string `json:"text,omitempty"`
	PublishedAt  string `json:"published_at,omitempty"`
	Posts        []Post `json:"posts,omitempty"`
	CommentCount int    `json:"comment_count,omitempty"`
}

// Empty reports whether extraction found nothing usable.
func (c *Content) Empty() bool {
	return c == nil || (c.Title == "" && c.Text == "" && len(c.Posts) == 0)
}

// Extractor parses one page kind into Content.
type Extractor interface {
	Extract(baseURL string, body []byte) (*Content, error)
}

// Registry maps source kinds to their extractors.
type Registry struct {
	extractors map[crawler.SourceKind]Extractor
}

// NewRegistry builds the default registry covering every supported kind.
func NewRegistry() *Registry {
	return &Registry{
		extractors: map[crawler.SourceKind]Extractor{
			crawler.KindNews:  &ArticleExtractor{},
			crawler.KindForum: &ThreadExtractor{},
		},
	}
}

// ForKind returns the extractor for a kind, falling back to the article
// extractor for unknown kinds.
func (r *Registry) ForKind(kind crawler.SourceKind) Extractor {
	if e, ok := r.extractors[kind]; ok {
		return e
	}
	return r.extractors[crawler.KindNews]
}
