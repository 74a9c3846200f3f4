// Package postgres provides a Postgres-backed checkpoint store for crawls
// that outgrow a single-file SQLite checkpoint. The claim query uses
// FOR UPDATE SKIP LOCKED so several crawler processes can share one
// frontier without double-dispatching a target.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/textforge/harvest/internal/crawler"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// pool abstracts pgxpool.Pool so tests can substitute pgxmock.
type pool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Store implements crawler.CheckpointStore on Postgres.
type Store struct {
	pool pool
}

// New connects to Postgres, creates the checkpoint schema if needed, and
// recovers orphaned in-flight targets from a prior crashed run.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("checkpoint.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	s := &Store{pool: p}
	if err := s.init(ctx); err != nil {
		p.Close()
		return nil, err
	}
	return s, nil
}

// NewWithPool constructs a store from an existing pool without touching the
// schema (primarily for testing).
func NewWithPool(p pool) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: p}, nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() error {
	if s != nil && s.pool != nil {
		s.pool.Close()
	}
	return nil
}

func (s *Store) init(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS frontier (
		seq BIGSERIAL PRIMARY KEY,
		fingerprint TEXT NOT NULL UNIQUE,
		url TEXT NOT NULL,
		domain TEXT NOT NULL,
		kind TEXT NOT NULL,
		depth INT NOT NULL,
		attempts INT NOT NULL DEFAULT 0,
		status TEXT NOT NULL DEFAULT 'pending',
		discovered_at TIMESTAMPTZ NOT NULL,
		next_eligible_at TIMESTAMPTZ NOT NULL DEFAULT 'epoch'
	);
	CREATE INDEX IF NOT EXISTS idx_frontier_status_domain ON frontier (status, domain);

	CREATE TABLE IF NOT EXISTS seen (
		fingerprint TEXT PRIMARY KEY
	);

	CREATE TABLE IF NOT EXISTS domain_state (
		domain TEXT PRIMARY KEY,
		last_fetch_at TIMESTAMPTZ NOT NULL DEFAULT 'epoch',
		next_fetch_at TIMESTAMPTZ NOT NULL DEFAULT 'epoch',
		pages_fetched INT NOT NULL DEFAULT 0
	);`
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create checkpoint schema: %w", err)
	}
	if _, err := s.pool.Exec(ctx,
		`UPDATE frontier SET status = 'pending' WHERE status = 'in_flight'`); err != nil {
		return &crawler.StoreError{Op: "recover", Err: err}
	}
	return nil
}

// Enqueue inserts into the seen set and the frontier atomically.
func (s *Store) Enqueue(ctx context.Context, target crawler.CrawlTarget) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, &crawler.StoreError{Op: "enqueue", Err: err}
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx,
		`INSERT INTO seen (fingerprint) VALUES ($1) ON CONFLICT (fingerprint) DO NOTHING`,
		target.Fingerprint)
	if err != nil {
		return false, &crawler.StoreError{Op: "enqueue", Err: err}
	}
	if tag.RowsAffected() == 0 {
		return false, nil
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO frontier (fingerprint, url, domain, kind, depth, attempts, status, discovered_at, next_eligible_at)
		 VALUES ($1, $2, $3, $4, $5, $6, 'pending', $7, $8)`,
		target.Fingerprint, target.URL, target.Domain, string(target.Kind), target.Depth,
		target.Attempts, target.DiscoveredAt, target.NextEligible); err != nil {
		return false, &crawler.StoreError{Op: "enqueue", Err: err}
	}
	if err := tx.Commit(ctx); err != nil {
		return false, &crawler.StoreError{Op: "enqueue", Err: err}
	}
	return true, nil
}

// DequeueNext claims the earliest eligible pending target with the same
// ordering rules as the SQLite backend.
func (s *Store) DequeueNext(ctx context.Context, now time.Time) (crawler.CrawlTarget, error) {
	var zero crawler.CrawlTarget

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return zero, &crawler.StoreError{Op: "dequeue", Err: err}
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var (
		target crawler.CrawlTarget
		kind   string
	)
	err = tx.QueryRow(ctx, `
		SELECT f.fingerprint, f.url, f.domain, f.kind, f.depth, f.attempts, f.discovered_at, f.next_eligible_at
		FROM frontier f
		LEFT JOIN domain_state d ON d.domain = f.domain
		WHERE f.status = 'pending'
		  AND f.next_eligible_at <= $1
		  AND COALESCE(d.next_fetch_at, 'epoch') <= $1
		  AND NOT EXISTS (SELECT 1 FROM frontier b WHERE b.domain = f.domain AND b.status = 'in_flight')
		ORDER BY COALESCE(d.last_fetch_at, 'epoch') ASC, f.seq ASC
		LIMIT 1
		FOR UPDATE OF f SKIP LOCKED`, now).
		Scan(&target.Fingerprint, &target.URL, &target.Domain, &kind,
			&target.Depth, &target.Attempts, &target.DiscoveredAt, &target.NextEligible)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return zero, s.notReady(ctx, tx, now)
	case err != nil:
		return zero, &crawler.StoreError{Op: "dequeue", Err: err}
	}

	if _, err := tx.Exec(ctx,
		`UPDATE frontier SET status = 'in_flight' WHERE fingerprint = $1`,
		target.Fingerprint); err != nil {
		return zero, &crawler.StoreError{Op: "dequeue", Err: err}
	}
	if err := tx.Commit(ctx); err != nil {
		return zero, &crawler.StoreError{Op: "dequeue", Err: err}
	}

	target.Kind = crawler.SourceKind(kind)
	target.Status = crawler.StatusInFlight
	return target, nil
}

func (s *Store) notReady(ctx context.Context, tx pgx.Tx, now time.Time) error {
	var pending, inFlight int
	if err := tx.QueryRow(ctx, `
		SELECT
			COUNT(*) FILTER (WHERE status = 'pending'),
			COUNT(*) FILTER (WHERE status = 'in_flight')
		FROM frontier`).Scan(&pending, &inFlight); err != nil {
		return &crawler.StoreError{Op: "dequeue", Err: err}
	}
	if pending == 0 && inFlight == 0 {
		return crawler.ErrExhausted
	}
	if pending == 0 {
		return &crawler.NotReadyError{}
	}

	var wake *time.Time
	if err := tx.QueryRow(ctx, `
		SELECT MIN(GREATEST(f.next_eligible_at, COALESCE(d.next_fetch_at, 'epoch')))
		FROM frontier f
		LEFT JOIN domain_state d ON d.domain = f.domain
		WHERE f.status = 'pending'
		  AND NOT EXISTS (SELECT 1 FROM frontier b WHERE b.domain = f.domain AND b.status = 'in_flight')`,
	).Scan(&wake); err != nil {
		return &crawler.StoreError{Op: "dequeue", Err: err}
	}
	if wake == nil {
		return &crawler.NotReadyError{}
	}
	at := *wake
	if at.Before(now) {
		at = now
	}
	return &crawler.NotReadyError{WakeAt: at}
}

// MarkDone transitions a target to done and counts the page for its domain.
func (s *Store) MarkDone(ctx context.Context, fingerprint string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return &crawler.StoreError{Op: "mark done", Err: err}
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var domain string
	if err := tx.QueryRow(ctx,
		`UPDATE frontier SET status = 'done' WHERE fingerprint = $1 RETURNING domain`,
		fingerprint).Scan(&domain); err != nil {
		return &crawler.StoreError{Op: "mark done", Err: err}
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO domain_state (domain, pages_fetched) VALUES ($1, 1)
		ON CONFLICT (domain) DO UPDATE SET pages_fetched = domain_state.pages_fetched + 1`,
		domain); err != nil {
		return &crawler.StoreError{Op: "mark done", Err: err}
	}
	if err := tx.Commit(ctx); err != nil {
		return &crawler.StoreError{Op: "mark done", Err: err}
	}
	return nil
}

// MarkFailed increments the attempt count and either re-enqueues the target
// or parks it as terminally failed.
func (s *Store) MarkFailed(ctx context.Context, fingerprint string, retry bool, nextEligible time.Time) error {
	status := crawler.StatusFailed
	if retry {
		status = crawler.StatusPending
	}
	if _, err := s.pool.Exec(ctx, `
		UPDATE frontier
		SET status = $1, attempts = attempts + 1, next_eligible_at = $2
		WHERE fingerprint = $3`,
		string(status), nextEligible, fingerprint); err != nil {
		return &crawler.StoreError{Op: "mark failed", Err: err}
	}
	return nil
}

// MarkSkipped records a terminal non-fetch outcome.
func (s *Store) MarkSkipped(ctx context.Context, fingerprint string, status crawler.TargetStatus) error {
	if !status.Terminal() {
		return &crawler.StoreError{Op: "mark skipped", Err: fmt.Errorf("status %q is not terminal", status)}
	}
	if _, err := s.pool.Exec(ctx,
		`UPDATE frontier SET status = $1 WHERE fingerprint = $2`,
		string(status), fingerprint); err != nil {
		return &crawler.StoreError{Op: "mark skipped", Err: err}
	}
	return nil
}

// ScheduleDomain records the start of a fetch and the earliest start of the
// next one for the domain.
func (s *Store) ScheduleDomain(ctx context.Context, domain string, lastFetch, next time.Time) error {
	if _, err := s.pool.Exec(ctx, `
		INSERT INTO domain_state (domain, last_fetch_at, next_fetch_at) VALUES ($1, $2, $3)
		ON CONFLICT (domain) DO UPDATE SET last_fetch_at = EXCLUDED.last_fetch_at, next_fetch_at = EXCLUDED.next_fetch_at`,
		domain, lastFetch, next); err != nil {
		return &crawler.StoreError{Op: "schedule domain", Err: err}
	}
	return nil
}

// DomainState returns the bookkeeping row for a domain.
func (s *Store) DomainState(ctx context.Context, domain string) (crawler.DomainState, error) {
	state := crawler.DomainState{Domain: domain}
	err := s.pool.QueryRow(ctx,
		`SELECT last_fetch_at, next_fetch_at, pages_fetched FROM domain_state WHERE domain = $1`,
		domain).Scan(&state.LastFetchAt, &state.NextFetchAt, &state.PagesFetched)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return crawler.DomainState{Domain: domain}, nil
	case err != nil:
		return state, &crawler.StoreError{Op: "domain state", Err: err}
	}
	return state, nil
}

// Stats summarizes queue contents for progress reporting.
func (s *Store) Stats(ctx context.Context) (crawler.QueueStats, error) {
	var stats crawler.QueueStats
	rows, err := s.pool.Query(ctx, `SELECT status, COUNT(*) FROM frontier GROUP BY status`)
	if err != nil {
		return stats, &crawler.StoreError{Op: "stats", Err: err}
	}
	defer rows.Close()

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

	if err := s.pool.QueryRow(ctx, `SELECT COUNT(*) FROM domain_state`).Scan(&stats.Domains); err != nil {
		return stats, &crawler.StoreError{Op: "stats", Err: err}
	}
	return stats, nil
}
