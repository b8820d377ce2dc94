// Package postgres provides the PostgreSQL + pgvector implementation of the
// medrag corpus store: documents, images, and the knowledge graph, all behind
// the capability interfaces of [corpus].
//
// All capabilities share a single [pgxpool.Pool]. The pgvector extension must
// be available in the target database; [Migrate] installs it automatically via
// CREATE EXTENSION IF NOT EXISTS.
//
// Usage:
//
//	store, err := postgres.NewStore(ctx, postgres.Config{DSN: dsn, Dimensions: 1024})
//	if err != nil { … }
//	defer store.Close()
//
//	hits, err := store.VectorTopK(ctx, queryVec, 10, corpus.SearchFilter{})
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"github.com/openclinic/medrag/pkg/corpus"
	"github.com/openclinic/medrag/pkg/fault"
)

// Compile-time interface checks.
//
// DocumentStore and ImageStore both define a method named VectorTopK, so the
// image capability is exposed as a sub-view via [Store.Images] rather than
// being implemented directly on *Store.
var (
	_ corpus.DocumentStore = (*Store)(nil)
	_ corpus.GraphStore    = (*Store)(nil)
	_ corpus.ImageStore    = imageStoreView{}
)

// DefaultPoolSize is the connection pool size used when Config.PoolSize is 0.
const DefaultPoolSize = 16

// Config carries the connection settings for [NewStore].
type Config struct {
	// DSN is the PostgreSQL connection string.
	DSN string

	// Dimensions is the embedding dimension of all vector columns. Must
	// match the embedding provider; changing it after the first migration
	// requires a manual schema change.
	Dimensions int

	// PoolSize caps the number of pooled connections. Defaults to
	// [DefaultPoolSize] when 0.
	PoolSize int
}

// Store is the central PostgreSQL-backed corpus store.
// All operations are safe for concurrent use.
type Store struct {
	pool       *pgxpool.Pool
	dimensions int
}

// NewStore establishes a connection pool to the database at cfg.DSN, registers
// pgvector types on every connection, and runs [Migrate] so all required
// tables and indexes exist.
func NewStore(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.Dimensions <= 0 {
		return nil, fault.New(fault.InvalidInput, "postgres store: dimensions must be positive, got %d", cfg.Dimensions)
	}

	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fault.Wrap(fault.InvalidInput, err, "postgres store: parse dsn")
	}
	if cfg.PoolSize > 0 {
		pcfg.MaxConns = int32(cfg.PoolSize)
	} else {
		pcfg.MaxConns = DefaultPoolSize
	}

	// Register pgvector types on every new connection so vector columns can
	// be scanned into and inserted from pgvector.Vector values.
	pcfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fault.Wrap(fault.StoreUnavailable, err, "postgres store: create pool")
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fault.Wrap(fault.StoreUnavailable, err, "postgres store: ping")
	}

	if err := Migrate(ctx, pool, cfg.Dimensions); err != nil {
		pool.Close()
		return nil, err
	}

	return &Store{pool: pool, dimensions: cfg.Dimensions}, nil
}

// Dimensions returns the embedding dimension this store was created with.
func (s *Store) Dimensions() int { return s.dimensions }

// Stores returns the capability bundle backed by this store.
func (s *Store) Stores() corpus.Stores {
	return corpus.Stores{Documents: s, Images: s.Images(), Graph: s}
}

// Close releases all connections held by the underlying pool.
func (s *Store) Close() { s.pool.Close() }

// argList builds numbered SQL placeholders while accumulating arguments.
type argList []any

func (a *argList) next(v any) string {
	*a = append(*a, v)
	return fmt.Sprintf("$%d", len(*a))
}
