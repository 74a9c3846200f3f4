package crawler

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"sync"
)

var (
	pagePathRe = regexp.MustCompile(`(?i)/page[/=-](\d+)`)
	datePathRe = regexp.MustCompile(`/20\d\d/\d\d(/\d\d)?`)
	digitRunRe = regexp.MustCompile(`\d+`)
)

// TrapConfig sets the trap-filter thresholds. The exact values are
// configuration, not hidden constants.
type TrapConfig struct {
	// MaxPageNumber rejects pagination URLs past this page index.
	MaxPageNumber int
	// MaxDateDepth rejects URLs whose path repeats date/calendar segments
	// more than this many times.
	MaxDateDepth int
	// PatternRepeatLimit rejects a path shape once a domain has produced
	// it more than this many times. Zero disables the counter.
	PatternRepeatLimit int
}

// TrapFilterHeuristic rejects URLs that would expand the crawl without new
// content: deep pagination, calendar archives, and per-domain path shapes
// repeating without bound.
type TrapFilterHeuristic struct {
	cfg TrapConfig

	mu     sync.Mutex
	shapes map[string]map[string]int
}

// NewTrapFilter builds a TrapFilterHeuristic with the given thresholds.
func NewTrapFilter(cfg TrapConfig) *TrapFilterHeuristic {
	if cfg.MaxPageNumber <= 0 {
		cfg.MaxPageNumber = 50
	}
	if cfg.MaxDateDepth <= 0 {
		cfg.MaxDateDepth = 2
	}
	return &TrapFilterHeuristic{
		cfg:    cfg,
		shapes: make(map[string]map[string]int),
	}
}

// IsTrap classifies a candidate URL. Unparseable URLs are not traps; the
// canonicalizer already rejects those.
func (f *TrapFilterHeuristic) IsTrap(rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}

	if m := pagePathRe.FindStringSubmatch(u.Path); m != nil {
		if page, convErr := strconv.Atoi(m[1]); convErr == nil && page > f.cfg.MaxPageNumber {
			return true
		}
	}

	q := u.Query()
	for _, key := range []string{"page", "p"} {
		if raw := q.Get(key); raw != "" {
			if page, convErr := strconv.Atoi(raw); convErr == nil && page > f.cfg.MaxPageNumber {
				return true
			}
		}
	}

	if len(datePathRe.FindAllStringIndex(u.Path, -1)) > f.cfg.MaxDateDepth {
		return true
	}

	return f.shapeRepeats(strings.ToLower(u.Hostname()), u.Path)
}

// shapeRepeats counts how often a domain has produced the same path shape
// (digit runs collapsed). Calendar and pagination spaces repeat one shape
// with different numbers.
func (f *TrapFilterHeuristic) shapeRepeats(domain, path string) bool {
	if f.cfg.PatternRepeatLimit <= 0 || domain == "" {
		return false
	}
	shape := digitRunRe.ReplaceAllString(path, "N")
	if shape == path {
		// No numeric segments: nothing to generalize over.
		return false
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	counts, ok := f.shapes[domain]
	if !ok {
		counts = make(map[string]int)
		f.shapes[domain] = counts
	}
	counts[shape]++
	return counts[shape] > f.cfg.PatternRepeatLimit
}
