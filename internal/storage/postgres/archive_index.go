// Package postgres provides the long-term archive index backed by Postgres.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/listing-archiver/internal/crawler"
)

const defaultTable = "archived_listings"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for the archive index.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// ArchiveIndex stores archive entries that have aged out of the
// coordination store.
type ArchiveIndex struct {
	pool  pool
	table string
}

// NewArchiveIndex connects to Postgres using cfg.
func NewArchiveIndex(ctx context.Context, cfg Config) (*ArchiveIndex, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
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
	return &ArchiveIndex{pool: p, table: table}, nil
}

// NewArchiveIndexWithPool builds an index over an existing pool.
func NewArchiveIndexWithPool(p pool, table string) (*ArchiveIndex, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &ArchiveIndex{pool: p, table: name}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (s *ArchiveIndex) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the index table when it does not exist.
func (s *ArchiveIndex) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	listing_pid TEXT PRIMARY KEY,
	created_at  TIMESTAMPTZ NOT NULL,
	source_url  TEXT NOT NULL,
	document    JSONB NOT NULL
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create %s: %w", s.table, err)
	}
	return nil
}

// Upsert writes entry, replacing any row with the same listing id.
func (s *ArchiveIndex) Upsert(ctx context.Context, entry crawler.ArchiveEntry) error {
	if entry.ListingPID == "" {
		return fmt.Errorf("listing pid is required")
	}
	doc, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal archive entry: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (listing_pid, created_at, source_url, document)
VALUES ($1,$2,$3,$4)
ON CONFLICT (listing_pid) DO UPDATE SET
	created_at = EXCLUDED.created_at,
	source_url = EXCLUDED.source_url,
	document   = EXCLUDED.document`, s.table)
	if _, err := s.pool.Exec(ctx, query, entry.ListingPID, entry.CreatedAt, entry.SourceURL, doc); err != nil {
		return fmt.Errorf("upsert archive entry: %w", err)
	}
	return nil
}

// Get loads the entry for listingPID. The bool reports whether a row exists.
func (s *ArchiveIndex) Get(ctx context.Context, listingPID string) (crawler.ArchiveEntry, bool, error) {
	query := fmt.Sprintf(`SELECT document FROM %s WHERE listing_pid = $1`, s.table)
	var doc []byte
	err := s.pool.QueryRow(ctx, query, listingPID).Scan(&doc)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.ArchiveEntry{}, false, nil
	}
	if err != nil {
		return crawler.ArchiveEntry{}, false, fmt.Errorf("query archive entry: %w", err)
	}
	var entry crawler.ArchiveEntry
	if err := json.Unmarshal(doc, &entry); err != nil {
		return crawler.ArchiveEntry{}, false, fmt.Errorf("decode archive entry: %w", err)
	}
	return entry, true, nil
}
