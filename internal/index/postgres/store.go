// Package postgres provides the Postgres-backed index store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/arachne-project/arachne/internal/crawler"
	"github.com/arachne-project/arachne/internal/index"
)

type dbPool interface {
	Begin(ctx context.Context) (pgx.Tx, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Schema used by the store. Applied by EnsureSchema; revisit_wait and the
// entry mod_time follow the same representations the JSON snapshot uses
// (nanoseconds, nullable timestamp).
const schemaSQL = `
CREATE TABLE IF NOT EXISTS directories (
	site_id       TEXT        NOT NULL,
	path          TEXT        NOT NULL,
	last_fetch    TIMESTAMPTZ NOT NULL,
	revisit_wait  BIGINT      NOT NULL DEFAULT 0,
	revisit_count INTEGER     NOT NULL DEFAULT 0,
	change_count  INTEGER     NOT NULL DEFAULT 0,
	error_count   INTEGER     NOT NULL DEFAULT 0,
	PRIMARY KEY (site_id, path)
);
CREATE TABLE IF NOT EXISTS entries (
	site_id  TEXT   NOT NULL,
	dir_path TEXT   NOT NULL,
	name     TEXT   NOT NULL,
	kind     TEXT   NOT NULL,
	size     BIGINT NOT NULL DEFAULT 0,
	mod_time TIMESTAMPTZ,
	PRIMARY KEY (site_id, dir_path, name)
);
CREATE INDEX IF NOT EXISTS entries_name_idx ON entries (lower(name));
`

// StoreConfig controls the connection pool behind the index store.
type StoreConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// Store persists directory records and listing entries in Postgres.
type Store struct {
	pool dbPool
}

// NewStore connects a Postgres-backed index store using the provided config.
func NewStore(ctx context.Context, cfg StoreConfig) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("index.dsn is required")
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
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// NewStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewStoreWithPool(pool dbPool) (*Store, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	return &Store{pool: pool}, nil
}

// EnsureSchema creates the tables and indexes if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("ensure index schema: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// Apply replaces the stored snapshot of one directory with a freshly fetched
// listing inside a single transaction, so readers never observe a partially
// updated directory. Subdirectories that disappeared from the listing have
// their whole subtrees deleted in the same transaction.
func (s *Store) Apply(
	ctx context.Context,
	siteID, path string,
	listing crawler.Listing,
	now time.Time,
) (crawler.Diff, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return crawler.Diff{}, fmt.Errorf("begin apply: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var diff crawler.Diff
	var revisitCount, changeCount int64
	var waitNanos int64
	row := tx.QueryRow(ctx,
		`SELECT revisit_wait, revisit_count, change_count FROM directories WHERE site_id = $1 AND path = $2`,
		siteID, path)
	switch err := row.Scan(&waitNanos, &revisitCount, &changeCount); {
	case errors.Is(err, pgx.ErrNoRows):
		diff.FirstVisit = true
	case err != nil:
		return crawler.Diff{}, fmt.Errorf("load directory %s: %w", path, err)
	default:
		diff.PrevWait = time.Duration(waitNanos)
	}

	prev, err := loadEntries(ctx, tx, siteID, path)
	if err != nil {
		return crawler.Diff{}, err
	}
	diff.Added, diff.Removed, diff.Modified = index.Compute(prev, listing.Entries)

	for _, e := range diff.Removed {
		if _, err := tx.Exec(ctx,
			`DELETE FROM entries WHERE site_id = $1 AND dir_path = $2 AND name = $3`,
			siteID, path, e.Name); err != nil {
			return crawler.Diff{}, fmt.Errorf("delete entry %s: %w", e.Name, err)
		}
		if e.Kind == crawler.KindDirectory {
			if err := removeSubtree(ctx, tx, siteID, crawler.ChildPath(path, e.Name)); err != nil {
				return crawler.Diff{}, err
			}
		}
	}
	for _, e := range diff.Modified {
		// A path that changed from directory to file invalidates everything
		// indexed beneath it.
		if was, ok := prev[e.Name]; ok && was.Kind == crawler.KindDirectory && e.Kind != crawler.KindDirectory {
			if err := removeSubtree(ctx, tx, siteID, crawler.ChildPath(path, e.Name)); err != nil {
				return crawler.Diff{}, err
			}
		}
	}
	for _, batch := range [][]crawler.Entry{diff.Added, diff.Modified} {
		for _, e := range batch {
			if _, err := tx.Exec(ctx, `
INSERT INTO entries (site_id, dir_path, name, kind, size, mod_time)
VALUES ($1, $2, $3, $4, $5, $6)
ON CONFLICT (site_id, dir_path, name) DO UPDATE
SET kind = EXCLUDED.kind, size = EXCLUDED.size, mod_time = EXCLUDED.mod_time`,
				siteID, path, e.Name, string(e.Kind), e.Size, e.ModTime); err != nil {
				return crawler.Diff{}, fmt.Errorf("upsert entry %s: %w", e.Name, err)
			}
		}
	}

	if !diff.FirstVisit {
		revisitCount++
		if diff.Changed() {
			changeCount++
		}
	}
	if _, err := tx.Exec(ctx, `
INSERT INTO directories (site_id, path, last_fetch, revisit_wait, revisit_count, change_count, error_count)
VALUES ($1, $2, $3, $4, $5, $6, 0)
ON CONFLICT (site_id, path) DO UPDATE
SET last_fetch = EXCLUDED.last_fetch,
    revisit_count = EXCLUDED.revisit_count,
    change_count = EXCLUDED.change_count,
    error_count = 0`,
		siteID, path, now, waitNanos, revisitCount, changeCount); err != nil {
		return crawler.Diff{}, fmt.Errorf("upsert directory %s: %w", path, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return crawler.Diff{}, fmt.Errorf("commit apply: %w", err)
	}
	return diff, nil
}

// SetRevisitWait records the interval the scheduler chose for the next visit.
func (s *Store) SetRevisitWait(ctx context.Context, siteID, path string, wait time.Duration) error {
	if _, err := s.pool.Exec(ctx,
		`UPDATE directories SET revisit_wait = $1 WHERE site_id = $2 AND path = $3`,
		int64(wait), siteID, path); err != nil {
		return fmt.Errorf("set revisit wait for %s: %w", path, err)
	}
	return nil
}

// RecordError increments the consecutive error counter of a directory, if a
// record for it exists.
func (s *Store) RecordError(ctx context.Context, siteID, path string) error {
	if _, err := s.pool.Exec(ctx,
		`UPDATE directories SET error_count = error_count + 1 WHERE site_id = $1 AND path = $2`,
		siteID, path); err != nil {
		return fmt.Errorf("record error for %s: %w", path, err)
	}
	return nil
}

// GetDirectory loads a single directory record with its entries.
func (s *Store) GetDirectory(ctx context.Context, siteID, path string) (crawler.DirectoryRecord, bool, error) {
	rec := crawler.DirectoryRecord{SiteID: siteID, Path: path}
	var waitNanos int64
	row := s.pool.QueryRow(ctx, `
SELECT last_fetch, revisit_wait, revisit_count, change_count, error_count
FROM directories WHERE site_id = $1 AND path = $2`,
		siteID, path)
	err := row.Scan(&rec.LastFetch, &waitNanos, &rec.RevisitCount, &rec.ChangeCount, &rec.ErrorCount)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.DirectoryRecord{}, false, nil
	}
	if err != nil {
		return crawler.DirectoryRecord{}, false, fmt.Errorf("get directory %s: %w", path, err)
	}
	rec.RevisitWait = time.Duration(waitNanos)

	rows, err := s.pool.Query(ctx,
		`SELECT name, kind, size, mod_time FROM entries WHERE site_id = $1 AND dir_path = $2 ORDER BY name`,
		siteID, path)
	if err != nil {
		return crawler.DirectoryRecord{}, false, fmt.Errorf("get entries for %s: %w", path, err)
	}
	defer rows.Close()
	for rows.Next() {
		var e crawler.Entry
		var kind string
		if err := rows.Scan(&e.Name, &kind, &e.Size, &e.ModTime); err != nil {
			return crawler.DirectoryRecord{}, false, fmt.Errorf("scan entry row: %w", err)
		}
		e.Kind = crawler.EntryKind(kind)
		rec.Entries = append(rec.Entries, e)
	}
	if err := rows.Err(); err != nil {
		return crawler.DirectoryRecord{}, false, fmt.Errorf("iterate entry rows: %w", err)
	}
	return rec, true, nil
}

// RemoveTree deletes a directory record, everything indexed beneath it, and
// the entry naming it in its parent directory.
func (s *Store) RemoveTree(ctx context.Context, siteID, path string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin remove tree: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if err := removeSubtree(ctx, tx, siteID, path); err != nil {
		return err
	}
	if parent, name, ok := crawler.SplitPath(path); ok {
		if _, err := tx.Exec(ctx,
			`DELETE FROM entries WHERE site_id = $1 AND dir_path = $2 AND name = $3`,
			siteID, parent, name); err != nil {
			return fmt.Errorf("delete parent entry for %s: %w", path, err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit remove tree: %w", err)
	}
	return nil
}

// ListDirectories returns the scheduling view of every stored directory of a site.
func (s *Store) ListDirectories(ctx context.Context, siteID string) ([]crawler.DirectorySummary, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT path, last_fetch, revisit_wait FROM directories WHERE site_id = $1 ORDER BY path`,
		siteID)
	if err != nil {
		return nil, fmt.Errorf("list directories: %w", err)
	}
	defer rows.Close()

	var out []crawler.DirectorySummary
	for rows.Next() {
		var d crawler.DirectorySummary
		var waitNanos int64
		if err := rows.Scan(&d.Path, &d.LastFetch, &waitNanos); err != nil {
			return nil, fmt.Errorf("scan directory row: %w", err)
		}
		d.RevisitWait = time.Duration(waitNanos)
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate directory rows: %w", err)
	}
	return out, nil
}

// PurgeSitesExcept deletes every site's data that is not in keep. Used at
// startup when sites disappear from the configuration.
func (s *Store) PurgeSitesExcept(ctx context.Context, keep []string) error {
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM entries WHERE NOT (site_id = ANY($1))`, keep); err != nil {
		return fmt.Errorf("purge entries: %w", err)
	}
	if _, err := s.pool.Exec(ctx,
		`DELETE FROM directories WHERE NOT (site_id = ANY($1))`, keep); err != nil {
		return fmt.Errorf("purge directories: %w", err)
	}
	return nil
}

// Search returns entries whose name contains the query, case-insensitively.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]crawler.SearchResult, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
SELECT site_id, dir_path, name, kind, size, mod_time
FROM entries
WHERE name ILIKE '%' || $1 || '%'
ORDER BY site_id, dir_path, name
LIMIT $2`,
		query, limit)
	if err != nil {
		return nil, fmt.Errorf("search entries: %w", err)
	}
	defer rows.Close()

	var out []crawler.SearchResult
	for rows.Next() {
		var r crawler.SearchResult
		var dirPath, name, kind string
		if err := rows.Scan(&r.SiteID, &dirPath, &name, &kind, &r.Size, &r.ModTime); err != nil {
			return nil, fmt.Errorf("scan search row: %w", err)
		}
		r.Path = crawler.ChildPath(dirPath, name)
		r.Kind = crawler.EntryKind(kind)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate search rows: %w", err)
	}
	return out, nil
}

func loadEntries(ctx context.Context, tx pgx.Tx, siteID, path string) (map[string]crawler.Entry, error) {
	rows, err := tx.Query(ctx,
		`SELECT name, kind, size, mod_time FROM entries WHERE site_id = $1 AND dir_path = $2`,
		siteID, path)
	if err != nil {
		return nil, fmt.Errorf("load entries for %s: %w", path, err)
	}
	defer rows.Close()

	prev := make(map[string]crawler.Entry)
	for rows.Next() {
		var e crawler.Entry
		var kind string
		if err := rows.Scan(&e.Name, &kind, &e.Size, &e.ModTime); err != nil {
			return nil, fmt.Errorf("scan entry row: %w", err)
		}
		e.Kind = crawler.EntryKind(kind)
		prev[e.Name] = e
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate entry rows: %w", err)
	}
	return prev, nil
}

// removeSubtree deletes the record and entries of path and of everything
// beneath it. starts_with avoids LIKE wildcard escaping on arbitrary paths.
func removeSubtree(ctx context.Context, tx pgx.Tx, siteID, path string) error {
	prefix := path
	if prefix != "/" {
		prefix += "/"
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM entries WHERE site_id = $1 AND (dir_path = $2 OR starts_with(dir_path, $3))`,
		siteID, path, prefix); err != nil {
		return fmt.Errorf("delete subtree entries %s: %w", path, err)
	}
	if _, err := tx.Exec(ctx,
		`DELETE FROM directories WHERE site_id = $1 AND (path = $2 OR starts_with(path, $3))`,
		siteID, path, prefix); err != nil {
		return fmt.Errorf("delete subtree directories %s: %w", path, err)
	}
	return nil
}
