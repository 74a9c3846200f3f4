package sqlite

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/textforge/harvest/internal/crawler"
)

func openTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "checkpoint.db")
	store, err := Open(context.Background(), path, zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, path
}

func target(fp, url, domain string, depth int) crawler.CrawlTarget {
	return crawler.CrawlTarget{
		Fingerprint:  fp,
		URL:          url,
		Domain:       domain,
		Kind:         crawler.KindNews,
		Depth:        depth,
		DiscoveredAt: time.Now().UTC(),
	}
}

func TestStore_EnqueueDeduplicates(t *testing.T) {
	t.Parallel()

	store, _ := openTestStore(t)
	ctx := context.Background()

	admitted, err := store.Enqueue(ctx, target("fp1", "https://a.example/", "a.example", 0))
	require.NoError(t, err)
	require.True(t, admitted)

	admitted, err = store.Enqueue(ctx, target("fp1", "https://a.example/", "a.example", 0))
	require.NoError(t, err)
	require.False(t, admitted, "same fingerprint must not be admitted twice")

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Pending)
}

func TestStore_DequeueMarksInFlightOnce(t *testing.T) {
	t.Parallel()

	store, _ := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := store.Enqueue(ctx, target("fp1", "https://a.example/", "a.example", 0))
	require.NoError(t, err)

	got, err := store.DequeueNext(ctx, now)
	require.NoError(t, err)
	require.Equal(t, "fp1", got.Fingerprint)
	require.Equal(t, crawler.StatusInFlight, got.Status)

	// Same domain is busy; a second dequeue must not return anything.
	_, err = store.DequeueNext(ctx, now)
	var notReady *crawler.NotReadyError
	require.ErrorAs(t, err, &notReady)
}

func TestStore_DequeueRoundRobinAcrossDomains(t *testing.T) {
	t.Parallel()

	store, _ := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := store.Enqueue(ctx, target("a1", "https://a.example/1", "a.example", 0))
	require.NoError(t, err)
	_, err = store.Enqueue(ctx, target("a2", "https://a.example/2", "a.example", 0))
	require.NoError(t, err)
	_, err = store.Enqueue(ctx, target("b1", "https://b.example/1", "b.example", 0))
	require.NoError(t, err)

	first, err := store.DequeueNext(ctx, now)
	require.NoError(t, err)
	require.Equal(t, "a1", first.Fingerprint, "insertion order within untouched domains")

	// a.example has an in-flight target; b.example must be served next.
	second, err := store.DequeueNext(ctx, now)
	require.NoError(t, err)
	require.Equal(t, "b1", second.Fingerprint)

	require.NoError(t, store.MarkDone(ctx, "a1"))
	require.NoError(t, store.MarkDone(ctx, "b1"))

	// With b.example fetched more recently than a.example, a.example wins.
	require.NoError(t, store.ScheduleDomain(ctx, "a.example", now.Add(-time.Minute), now.Add(-time.Minute)))
	require.NoError(t, store.ScheduleDomain(ctx, "b.example", now, now))

	third, err := store.DequeueNext(ctx, now)
	require.NoError(t, err)
	require.Equal(t, "a2", third.Fingerprint)
}

func TestStore_PolitenessGate(t *testing.T) {
	t.Parallel()

	store, _ := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := store.Enqueue(ctx, target("fp1", "https://a.example/", "a.example", 0))
	require.NoError(t, err)

	next := now.Add(2 * time.Second)
	require.NoError(t, store.ScheduleDomain(ctx, "a.example", now, next))

	_, err = store.DequeueNext(ctx, now)
	var notReady *crawler.NotReadyError
	require.ErrorAs(t, err, &notReady)
	require.False(t, notReady.WakeAt.IsZero())
	require.False(t, notReady.WakeAt.Before(next.Truncate(time.Millisecond)))

	got, err := store.DequeueNext(ctx, next.Add(time.Millisecond))
	require.NoError(t, err)
	require.Equal(t, "fp1", got.Fingerprint)
}

func TestStore_RetryScheduling(t *testing.T) {
	t.Parallel()

	store, _ := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_, err := store.Enqueue(ctx, target("fp1", "https://a.example/", "a.example", 0))
	require.NoError(t, err)

	got, err := store.DequeueNext(ctx, now)
	require.NoError(t, err)

	retryAt := now.Add(5 * time.Second)
	require.NoError(t, store.MarkFailed(ctx, got.Fingerprint, true, retryAt))

	_, err = store.DequeueNext(ctx, now)
	var notReady *crawler.NotReadyError
	require.ErrorAs(t, err, &notReady)

	redo, err := store.DequeueNext(ctx, retryAt.Add(time.Millisecond))
	require.NoError(t, err)
	require.Equal(t, "fp1", redo.Fingerprint)
	require.Equal(t, 1, redo.Attempts)

	require.NoError(t, store.MarkFailed(ctx, redo.Fingerprint, false, time.Time{}))
	_, err = store.DequeueNext(ctx, retryAt.Add(time.Minute))
	require.ErrorIs(t, err, crawler.ErrExhausted)

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Failed)
}

func TestStore_CrashRecovery(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "checkpoint.db")
	ctx := context.Background()

	store, err := Open(ctx, path, zap.NewNop())
	require.NoError(t, err)

	for i, fp := range []string{"fp1", "fp2", "fp3"} {
		domain := "a.example"
		if i == 2 {
			domain = "b.example"
		}
		_, err = store.Enqueue(ctx, target(fp, "https://"+domain+"/"+fp, domain, 0))
		require.NoError(t, err)
	}

	now := time.Now().UTC()
	first, err := store.DequeueNext(ctx, now)
	require.NoError(t, err)
	second, err := store.DequeueNext(ctx, now)
	require.NoError(t, err)
	require.NotEqual(t, first.Domain, second.Domain)

	// Simulate a crash mid-fetch: close without marking the leases.
	require.NoError(t, store.Close())

	reopened, err := Open(ctx, path, zap.NewNop())
	require.NoError(t, err)
	defer func() { _ = reopened.Close() }()

	stats, err := reopened.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 0, stats.InFlight, "orphaned in-flight rows must reset to pending")
	require.Equal(t, 3, stats.Pending)
	require.Equal(t, 3, stats.Total(), "no fingerprint may be lost across restart")

	// The seen set survives: re-enqueueing a recovered fingerprint is a no-op.
	admitted, err := reopened.Enqueue(ctx, target("fp1", "https://a.example/fp1", "a.example", 0))
	require.NoError(t, err)
	require.False(t, admitted)
}

func TestStore_MarkSkippedStatuses(t *testing.T) {
	t.Parallel()

	store, _ := openTestStore(t)
	ctx := context.Background()

	_, err := store.Enqueue(ctx, target("trap", "https://a.example/page/999", "a.example", 1))
	require.NoError(t, err)
	_, err = store.Enqueue(ctx, target("denied", "https://a.example/private", "a.example", 1))
	require.NoError(t, err)

	require.NoError(t, store.MarkSkipped(ctx, "trap", crawler.StatusSkippedTrap))
	require.NoError(t, store.MarkSkipped(ctx, "denied", crawler.StatusDenied))

	err = store.MarkSkipped(ctx, "trap", crawler.StatusPending)
	require.Error(t, err, "non-terminal statuses must be rejected")

	stats, err := store.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, stats.SkippedTrap)
	require.Equal(t, 1, stats.Denied)
}

func TestStore_MarkDoneCountsDomainPages(t *testing.T) {
	t.Parallel()

	store, _ := openTestStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	for _, fp := range []string{"fp1", "fp2"} {
		_, err := store.Enqueue(ctx, target(fp, "https://a.example/"+fp, "a.example", 0))
		require.NoError(t, err)
	}

	got, err := store.DequeueNext(ctx, now)
	require.NoError(t, err)
	require.NoError(t, store.MarkDone(ctx, got.Fingerprint))

	state, err := store.DomainState(ctx, "a.example")
	require.NoError(t, err)
	require.Equal(t, 1, state.PagesFetched)

	state, err = store.DomainState(ctx, "unseen.example")
	require.NoError(t, err)
	require.Equal(t, 0, state.PagesFetched)
	require.True(t, state.LastFetchAt.IsZero())
}

func TestStore_FatalErrorClass(t *testing.T) {
	t.Parallel()

	store, _ := openTestStore(t)
	require.NoError(t, store.Close())

	_, err := store.Enqueue(context.Background(), target("fp", "https://a.example/", "a.example", 0))
	require.Error(t, err)
	var se *crawler.StoreError
	require.True(t, errors.As(err, &se))
	require.True(t, crawler.IsFatal(err))
}
