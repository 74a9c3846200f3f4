package worker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/textforge/harvest/internal/checkpoint/memory"
	"github.com/textforge/harvest/internal/clock/system"
	"github.com/textforge/harvest/internal/config"
	"github.com/textforge/harvest/internal/crawler"
	collyfetcher "github.com/textforge/harvest/internal/fetcher/colly"
	"github.com/textforge/harvest/internal/frontier"
	"github.com/textforge/harvest/internal/hash/sha256"
	"github.com/textforge/harvest/internal/metrics"
	"github.com/textforge/harvest/internal/sink"
)

// stubPolicy allows everything by default with no delay, so tests are not
// paced like a real crawl.
type stubPolicy struct {
	deny  map[string]bool
	delay time.Duration
}

func (p *stubPolicy) Allowed(_ context.Context, rawURL string) bool {
	u, err := url.Parse(rawURL)
	if err != nil {
		return false
	}
	return !p.deny[u.Path]
}

func (p *stubPolicy) MinDelay(_ context.Context, _ string) time.Duration { return p.delay }

type harness struct {
	worker   *Worker
	frontier *frontier.Manager
	store    *memory.Store
	sink     *sink.Memory
}

func newHarness(t *testing.T, seeds []config.SeedConfig, policy crawler.PolitenessPolicy, retry collyfetcher.RetryPolicy) *harness {
	t.Helper()

	store := memory.New()
	m := metrics.New(prometheus.NewRegistry())
	fm := frontier.New(store, crawler.NewTrapFilter(crawler.TrapConfig{}), sha256.New(),
		system.New(), seeds, config.CrawlerConfig{MaxDepthDefault: 1, MaxPagesDefault: 100},
		m, zap.NewNop())
	recorder := sink.NewMemory()
	fetcher := collyfetcher.New(collyfetcher.Config{
		UserAgent: "harvest-test", Timeout: 5 * time.Second, MaxRedirects: 3,
	}, system.New())

	w := New(Config{ID: 1, UserAgent: "harvest-test", RunID: "run-test"},
		fm, policy, fetcher, retry, recorder, system.New(), m, zap.NewNop())

	return &harness{worker: w, frontier: fm, store: store, sink: recorder}
}

// countingMux records every path served so tests can assert which URLs were
// actually fetched.
type countingMux struct {
	mu     sync.Mutex
	hits   map[string]int
	inner  *http.ServeMux
	server *httptest.Server
}

func newCountingServer(t *testing.T) *countingMux {
	t.Helper()
	m := &countingMux{hits: make(map[string]int), inner: http.NewServeMux()}
	m.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.mu.Lock()
		m.hits[r.URL.Path]++
		m.mu.Unlock()
		m.inner.ServeHTTP(w, r)
	}))
	t.Cleanup(m.server.Close)
	return m
}

func (m *countingMux) hitCount(path string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.hits[path]
}

func (m *countingMux) domain(t *testing.T) string {
	t.Helper()
	u, err := url.Parse(m.server.URL)
	require.NoError(t, err)
	return u.Hostname()
}

func TestWorker_CrawlStaysOnSeedDomain(t *testing.T) {
	t.Parallel()

	srv := newCountingServer(t)
	srv.inner.HandleFunc("/", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html><body>
			<a href="/a">internal a</a>
			<a href="/b">internal b</a>
			<a href="https://external.example/off-site">external</a>
		</body></html>`))
	})
	srv.inner.HandleFunc("/a", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html><body><a href="/c">too deep</a></body></html>`))
	})
	srv.inner.HandleFunc("/b", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`<html><body>leaf</body></html>`))
	})

	h := newHarness(t, []config.SeedConfig{{
		Domain: srv.domain(t), URLs: []string{srv.server.URL + "/"}, Kind: "news", MaxDepth: 1,
	}}, &stubPolicy{}, collyfetcher.NewRetryPolicy(2, time.Millisecond, 10*time.Millisecond))

	ctx := context.Background()
	require.NoError(t, h.frontier.Seed(ctx, time.Now().UTC()))
	require.NoError(t, h.worker.Run(ctx))

	records := h.sink.Records()
	require.Len(t, records, 3, "seed plus its two internal links")
	for _, r := range records {
		require.Equal(t, srv.domain(t), r.Domain)
		require.Equal(t, "run-test", r.RunID)
		require.Len(t, r.UID, 64)
	}

	// Depth-capped /c was admitted nowhere and the external link was never
	// fetched: only the three on-domain pages were requested.
	require.Equal(t, 1, srv.hitCount("/"))
	require.Equal(t, 1, srv.hitCount("/a"))
	require.Equal(t, 1, srv.hitCount("/b"))
	require.Zero(t, srv.hitCount("/c"))

	stats, err := h.store.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, stats.Done)
	require.Zero(t, stats.Pending)
}

func TestWorker_RobotsDenialIsTerminal(t *testing.T) {
	t.Parallel()

	srv := newCountingServer(t)
	srv.inner.HandleFunc("/private", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("secret"))
	})

	h := newHarness(t, []config.SeedConfig{{
		Domain: srv.domain(t), URLs: []string{srv.server.URL + "/private"}, Kind: "news",
	}}, &stubPolicy{deny: map[string]bool{"/private": true}},
		collyfetcher.NewRetryPolicy(2, time.Millisecond, 10*time.Millisecond))

	ctx := context.Background()
	require.NoError(t, h.frontier.Seed(ctx, time.Now().UTC()))
	require.NoError(t, h.worker.Run(ctx))

	require.Empty(t, h.sink.Records())
	require.Zero(t, srv.hitCount("/private"), "denied targets are never fetched")

	stats, err := h.store.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Denied)
}

func TestWorker_RetriesThenFailsTerminally(t *testing.T) {
	t.Parallel()

	srv := newCountingServer(t)
	srv.inner.HandleFunc("/flaky", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	h := newHarness(t, []config.SeedConfig{{
		Domain: srv.domain(t), URLs: []string{srv.server.URL + "/flaky"}, Kind: "news",
	}}, &stubPolicy{}, collyfetcher.NewRetryPolicy(3, time.Millisecond, 5*time.Millisecond))

	ctx := context.Background()
	require.NoError(t, h.frontier.Seed(ctx, time.Now().UTC()))
	require.NoError(t, h.worker.Run(ctx))

	require.Equal(t, 3, srv.hitCount("/flaky"), "one fetch per allowed attempt")
	require.Empty(t, h.sink.Records())

	stats, err := h.store.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Failed)
}

func TestWorker_RecoversAfterTransientFailure(t *testing.T) {
	t.Parallel()

	var mu sync.Mutex
	failures := 1
	srv := newCountingServer(t)
	srv.inner.HandleFunc("/sometimes", func(w http.ResponseWriter, _ *http.Request) {
		mu.Lock()
		defer mu.Unlock()
		if failures > 0 {
			failures--
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte("<html><body>finally</body></html>"))
	})

	h := newHarness(t, []config.SeedConfig{{
		Domain: srv.domain(t), URLs: []string{srv.server.URL + "/sometimes"}, Kind: "news",
	}}, &stubPolicy{}, collyfetcher.NewRetryPolicy(3, time.Millisecond, 5*time.Millisecond))

	ctx := context.Background()
	require.NoError(t, h.frontier.Seed(ctx, time.Now().UTC()))
	require.NoError(t, h.worker.Run(ctx))

	require.Equal(t, 2, srv.hitCount("/sometimes"))
	require.Len(t, h.sink.Records(), 1)

	stats, err := h.store.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Done)
	require.Zero(t, stats.Failed)
}

func TestWorker_CanceledContextStopsRun(t *testing.T) {
	t.Parallel()

	h := newHarness(t, []config.SeedConfig{{
		Domain: "a.example", URLs: []string{"https://a.example/"}, Kind: "news",
	}}, &stubPolicy{}, collyfetcher.NewRetryPolicy(2, time.Millisecond, 5*time.Millisecond))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := h.worker.Run(ctx)
	require.ErrorIs(t, err, context.Canceled)
}
