// Package sqlite provides the default durable checkpoint store. A single
// database file holds the frontier queue, the seen-fingerprint index, and
// per-domain politeness state, so a crawl can be stopped and resumed
// without re-fetching or double-counting.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // SQLite driver
	"go.uber.org/zap"

	"github.com/textforge/harvest/internal/crawler"
)

// Store implements crawler.CheckpointStore on SQLite.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

// Open opens or creates the checkpoint database at path, enables WAL, and
// recovers any targets left in_flight by a crashed run back to pending.
func Open(ctx context.Context, path string, logger *zap.Logger) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create checkpoint directory: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?mode=rwc")
	if err != nil {
		return nil, fmt.Errorf("open checkpoint database: %w", err)
	}
	// SQLite supports one writer; the serialized critical sections of the
	// store map directly onto that.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(time.Hour)

	s := &Store{db: db, logger: logger}

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	if err := s.recoverInFlight(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) createTables(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS frontier (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		fingerprint TEXT NOT NULL UNIQUE,
		url TEXT NOT NULL,
		domain TEXT NOT NULL,
		kind TEXT NOT NULL,
		depth INTEGER NOT NULL,
		attempts INTEGER NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'pending',
		discovered_at INTEGER NOT NULL,
		next_eligible_at INTEGER NOT NULL DEFAULT 0
	);
	CREATE INDEX IF NOT EXISTS idx_frontier_status_domain ON frontier(status, domain);

	CREATE TABLE IF NOT EXISTS seen (
		fingerprint TEXT PRIMARY KEY
	);

	CREATE TABLE IF NOT EXISTS domain_state (
		domain TEXT PRIMARY KEY,
		last_fetch_at INTEGER NOT NULL DEFAULT 0,
		next_fetch_at INTEGER NOT NULL DEFAULT 0,
		pages_fetched INTEGER NOT NULL DEFAULT 0
	);`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return err
	}
	return nil
}

// recoverInFlight resets orphaned in_flight rows. There is no heartbeat to
// tell a live fetch from a dead process, so at open time every in_flight
// row belongs to a crashed run.
func (s *Store) recoverInFlight(ctx context.Context) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE frontier SET status = ? WHERE status = ?`,
		crawler.StatusPending, crawler.StatusInFlight)
	if err != nil {
		return &crawler.StoreError{Op: "recover", Err: err}
	}
	if n, raErr := res.RowsAffected(); raErr == nil && n > 0 {
		s.logger.Info("recovered orphaned in-flight targets", zap.Int64("count", n))
	}
	return nil
}

// Enqueue inserts the fingerprint into the seen set and the target into the
// frontier in one transaction; both succeed or both fail.
func (s *Store) Enqueue(ctx context.Context, target crawler.CrawlTarget) (bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, &crawler.StoreError{Op: "enqueue", Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO seen (fingerprint) VALUES (?) ON CONFLICT (fingerprint) DO NOTHING`,
		target.Fingerprint)
	if err != nil {
		return false, &crawler.StoreError{Op: "enqueue", Err: err}
	}
	inserted, err := res.RowsAffected()
	if err != nil {
		return false, &crawler.StoreError{Op: "enqueue", Err: err}
	}
	if inserted == 0 {
		return false, nil
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO frontier (fingerprint, url, domain, kind, depth, attempts, status, discovered_at, next_eligible_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		target.Fingerprint, target.URL, target.Domain, string(target.Kind), target.Depth,
		target.Attempts, crawler.StatusPending, toMillis(target.DiscoveredAt), toMillis(target.NextEligible),
	); err != nil {
		return false, &crawler.StoreError{Op: "enqueue", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return false, &crawler.StoreError{Op: "enqueue", Err: err}
	}
	return true, nil
}

// DequeueNext claims the earliest eligible pending target: its retry time
// and its domain's politeness schedule have passed and no sibling target is
// in flight. Least-recently-fetched domains are served first (round-robin
// across domains); within a domain, insertion order (BFS).
func (s *Store) DequeueNext(ctx context.Context, now time.Time) (crawler.CrawlTarget, error) {
	var zero crawler.CrawlTarget
	nowMs := toMillis(now)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return zero, &crawler.StoreError{Op: "dequeue", Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		SELECT f.fingerprint, f.url, f.domain, f.kind, f.depth, f.attempts, f.discovered_at, f.next_eligible_at
		FROM frontier f
		LEFT JOIN domain_state d ON d.domain = f.domain
		WHERE f.status = 'pending'
		  AND f.next_eligible_at <= ?1
		  AND COALESCE(d.next_fetch_at, 0) <= ?1
		  AND f.domain NOT IN (SELECT domain FROM frontier WHERE status = 'in_flight')
		ORDER BY COALESCE(d.last_fetch_at, 0) ASC, f.seq ASC
		LIMIT 1`, nowMs)

	var (
		target       crawler.CrawlTarget
		kind         string
		discoveredMs int64
		eligibleMs   int64
	)
	err = row.Scan(&target.Fingerprint, &target.URL, &target.Domain, &kind,
		&target.Depth, &target.Attempts, &discoveredMs, &eligibleMs)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return zero, s.notReady(ctx, tx, nowMs)
	case err != nil:
		return zero, &crawler.StoreError{Op: "dequeue", Err: err}
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE frontier SET status = ? WHERE fingerprint = ?`,
		crawler.StatusInFlight, target.Fingerprint); err != nil {
		return zero, &crawler.StoreError{Op: "dequeue", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return zero, &crawler.StoreError{Op: "dequeue", Err: err}
	}

	target.Kind = crawler.SourceKind(kind)
	target.Status = crawler.StatusInFlight
	target.DiscoveredAt = fromMillis(discoveredMs)
	target.NextEligible = fromMillis(eligibleMs)
	return target, nil
}

// notReady distinguishes a drained frontier from a temporarily blocked one
// and reports the earliest wake time in the latter case.
func (s *Store) notReady(ctx context.Context, tx *sql.Tx, nowMs int64) error {
	var pending, inFlight int
	if err := tx.QueryRowContext(ctx, `
		SELECT
			COUNT(CASE WHEN status = 'pending' THEN 1 END),
			COUNT(CASE WHEN status = 'in_flight' THEN 1 END)
		FROM frontier`).Scan(&pending, &inFlight); err != nil {
		return &crawler.StoreError{Op: "dequeue", Err: err}
	}
	if pending == 0 && inFlight == 0 {
		return crawler.ErrExhausted
	}
	if pending == 0 {
		return &crawler.NotReadyError{}
	}

	var wakeMs sql.NullInt64
	if err := tx.QueryRowContext(ctx, `
		SELECT MIN(MAX(f.next_eligible_at, COALESCE(d.next_fetch_at, 0)))
		FROM frontier f
		LEFT JOIN domain_state d ON d.domain = f.domain
		WHERE f.status = 'pending'
		  AND f.domain NOT IN (SELECT domain FROM frontier WHERE status = 'in_flight')`,
	).Scan(&wakeMs); err != nil {
		return &crawler.StoreError{Op: "dequeue", Err: err}
	}
	if !wakeMs.Valid {
		// Every pending domain has an in-flight sibling.
		return &crawler.NotReadyError{}
	}
	wake := wakeMs.Int64
	if wake < nowMs {
		wake = nowMs
	}
	return &crawler.NotReadyError{WakeAt: fromMillis(wake)}
}

// MarkDone transitions a target to done and counts the page for its domain.
func (s *Store) MarkDone(ctx context.Context, fingerprint string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return &crawler.StoreError{Op: "mark done", Err: err}
	}
	defer func() { _ = tx.Rollback() }()

	var domain string
	if err := tx.QueryRowContext(ctx,
		`SELECT domain FROM frontier WHERE fingerprint = ?`, fingerprint).Scan(&domain); err != nil {
		return &crawler.StoreError{Op: "mark done", Err: err}
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE frontier SET status = ? WHERE fingerprint = ?`,
		crawler.StatusDone, fingerprint); err != nil {
		return &crawler.StoreError{Op: "mark done", Err: err}
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO domain_state (domain, pages_fetched) VALUES (?, 1)
		ON CONFLICT (domain) DO UPDATE SET pages_fetched = pages_fetched + 1`,
		domain); err != nil {
		return &crawler.StoreError{Op: "mark done", Err: err}
	}
	if err := tx.Commit(); err != nil {
		return &crawler.StoreError{Op: "mark done", Err: err}
	}
	return nil
}

// MarkFailed increments the attempt count and either re-enqueues the target
// with its earliest-retry time or parks it as terminally failed.
func (s *Store) MarkFailed(ctx context.Context, fingerprint string, retry bool, nextEligible time.Time) error {
	status := crawler.StatusFailed
	if retry {
		status = crawler.StatusPending
	}
	if _, err := s.db.ExecContext(ctx, `
		UPDATE frontier
		SET status = ?, attempts = attempts + 1, next_eligible_at = ?
		WHERE fingerprint = ?`,
		status, toMillis(nextEligible), fingerprint); err != nil {
		return &crawler.StoreError{Op: "mark failed", Err: err}
	}
	return nil
}

// MarkSkipped records a terminal non-fetch outcome (trap, robots denial,
// budget exhaustion); the fingerprint stays in the seen set.
func (s *Store) MarkSkipped(ctx context.Context, fingerprint string, status crawler.TargetStatus) error {
	if !status.Terminal() {
		return &crawler.StoreError{Op: "mark skipped", Err: fmt.Errorf("status %q is not terminal", status)}
	}
	if _, err := s.db.ExecContext(ctx,
		`UPDATE frontier SET status = ? WHERE fingerprint = ?`,
		status, fingerprint); err != nil {
		return &crawler.StoreError{Op: "mark skipped", Err: err}
	}
	return nil
}

// ScheduleDomain records the start of a fetch and the earliest start of the
// next one for the domain.
func (s *Store) ScheduleDomain(ctx context.Context, domain string, lastFetch, next time.Time) error {
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO domain_state (domain, last_fetch_at, next_fetch_at) VALUES (?, ?, ?)
		ON CONFLICT (domain) DO UPDATE SET last_fetch_at = excluded.last_fetch_at, next_fetch_at = excluded.next_fetch_at`,
		domain, toMillis(lastFetch), toMillis(next)); err != nil {
		return &crawler.StoreError{Op: "schedule domain", Err: err}
	}
	return nil
}

// DomainState returns the bookkeeping row for a domain, zero-valued when
// the domain has not been seen yet.
func (s *Store) DomainState(ctx context.Context, domain string) (crawler.DomainState, error) {
	state := crawler.DomainState{Domain: domain}
	var lastMs, nextMs int64
	err := s.db.QueryRowContext(ctx,
		`SELECT last_fetch_at, next_fetch_at, pages_fetched FROM domain_state WHERE domain = ?`,
		domain).Scan(&lastMs, &nextMs, &state.PagesFetched)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return state, nil
	case err != nil:
		return state, &crawler.StoreError{Op: "domain state", Err: err}
	}
	state.LastFetchAt = fromMillis(lastMs)
	state.NextFetchAt = fromMillis(nextMs)
	return state, nil
}

// Stats summarizes queue contents for progress reporting.
func (s *Store) Stats(ctx context.Context) (crawler.QueueStats, error) {
	var stats crawler.QueueStats
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM frontier GROUP BY status`)
	if err != nil {
		return stats, &crawler.StoreError{Op: "stats", Err: err}
	}
	defer func() { _ = rows.Close() }()

	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return stats, &crawler.StoreError{Op: "stats", Err: err}
		}
		switch crawler.TargetStatus(status) {
		case crawler.StatusPending:
			stats.Pending = count
		case crawler.StatusInFlight:
			stats.InFlight = count
		case crawler.StatusDone:
			stats.Done = count
		case crawler.StatusFailed:
			stats.Failed = count
		case crawler.StatusSkippedTrap:
			stats.SkippedTrap = count
		case crawler.StatusDenied:
			stats.Denied = count
		case crawler.StatusSkipped:
			stats.Skipped = count
		}
	}
	if err := rows.Err(); err != nil {
		return stats, &crawler.StoreError{Op: "stats", Err: err}
	}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM domain_state`).Scan(&stats.Domains); err != nil {
		return stats, &crawler.StoreError{Op: "stats", Err: err}
	}
	return stats, nil
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
