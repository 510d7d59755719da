package store

import (
	"context"
	"errors"
	"fmt"
	"math"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/m-mizutani/goerr/v2"
	"github.com/not-amarnath/final-year-project/internal/types"
	"github.com/pgvector/pgvector-go"
	pgxvec "github.com/pgvector/pgvector-go/pgx"
)

// Store persists enrolled persons and evidence in PostgreSQL with pgvector.
type Store struct {
	pool *pgxpool.Pool
	dim  int
}

// New connects, applies the schema, and opens a pool whose connections know the vector type.
func New(ctx context.Context, connString string, dim int) (*Store, error) {
	if dim <= 0 {
		dim = types.EmbeddingDim
	}

	// The extension must exist before the vector type can be registered on pooled connections.
	conn, err := pgx.Connect(ctx, connString)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to connect to database")
	}
	if err := initSchema(ctx, conn, dim); err != nil {
		conn.Close(ctx)
		return nil, goerr.Wrap(err, "failed to initialize database schema")
	}
	conn.Close(ctx)

	cfg, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, goerr.Wrap(err, "invalid database url")
	}
	cfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to open connection pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, goerr.Wrap(err, "failed to ping database")
	}
	return &Store{pool: pool, dim: dim}, nil
}

// initSchema creates the tables and the vector extension if they don't exist (auto-migration).
func initSchema(ctx context.Context, conn *pgx.Conn, dim int) error {
	query := fmt.Sprintf(`
		CREATE EXTENSION IF NOT EXISTS vector;
		CREATE TABLE IF NOT EXISTS enrolled_persons (
			seq BIGSERIAL,
			id TEXT PRIMARY KEY,
			name TEXT NOT NULL,
			embedding VECTOR(%d) NOT NULL,
			enrolled_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		);
		CREATE TABLE IF NOT EXISTS evidence_entries (
			id TEXT PRIMARY KEY,
			captured_at TIMESTAMPTZ NOT NULL,
			label TEXT NOT NULL,
			authorized BOOLEAN NOT NULL,
			confidence_percent INT NOT NULL CHECK (confidence_percent BETWEEN 0 AND 100),
			snapshot BYTEA
		);
		CREATE INDEX IF NOT EXISTS evidence_entries_captured_at_idx ON evidence_entries (captured_at DESC);
	`, dim)
	_, err := conn.Exec(ctx, query)
	return err
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

// Dimension is the embedding length of the vector column.
func (s *Store) Dimension() int {
	return s.dim
}

// SavePerson inserts p or replaces an existing row with the same id, keeping its position.
func (s *Store) SavePerson(ctx context.Context, p types.EnrolledPerson) error {
	if len(p.Embedding) != s.dim {
		return goerr.Wrap(types.ErrDimensionMismatch, "cannot persist person",
			goerr.V("id", p.ID), goerr.V("want", s.dim), goerr.V("got", len(p.Embedding)))
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO enrolled_persons (id, name, embedding, enrolled_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			embedding = EXCLUDED.embedding,
			enrolled_at = EXCLUDED.enrolled_at
	`, p.ID, p.Name, pgvector.NewVector(p.Embedding), p.EnrolledAt)
	if err != nil {
		return goerr.Wrap(err, "failed to save person", goerr.V("id", p.ID))
	}
	return nil
}

// DeletePerson removes a person. A missing id yields types.ErrNotFound.
func (s *Store) DeletePerson(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, "DELETE FROM enrolled_persons WHERE id = $1", id)
	if err != nil {
		return goerr.Wrap(err, "failed to delete person", goerr.V("id", id))
	}
	if tag.RowsAffected() == 0 {
		return goerr.Wrap(types.ErrNotFound, "person not enrolled", goerr.V("id", id))
	}
	return nil
}

// ListPersons returns every person in enrollment order.
func (s *Store) ListPersons(ctx context.Context) ([]types.EnrolledPerson, error) {
	rows, err := s.pool.Query(ctx, "SELECT id, name, embedding, enrolled_at FROM enrolled_persons ORDER BY seq")
	if err != nil {
		return nil, goerr.Wrap(err, "failed to list persons")
	}
	defer rows.Close()

	var persons []types.EnrolledPerson
	for rows.Next() {
		var p types.EnrolledPerson
		var vec pgvector.Vector
		if err := rows.Scan(&p.ID, &p.Name, &vec, &p.EnrolledAt); err != nil {
			return nil, goerr.Wrap(err, "failed to scan person")
		}
		p.Embedding = types.Embedding(vec.Slice())
		persons = append(persons, p)
	}
	if err := rows.Err(); err != nil {
		return nil, goerr.Wrap(err, "failed to list persons")
	}
	return persons, nil
}

// FindClosestPerson returns the nearest enrolled person by Euclidean distance (pgvector <->).
// A nearest distance strictly above threshold yields an unknown result; an empty table
// yields unknown with infinite distance.
func (s *Store) FindClosestPerson(ctx context.Context, vec types.Embedding, threshold float64) (types.MatchResult, error) {
	result := types.MatchResult{Label: types.UnknownLabel, Distance: math.Inf(1)}
	if len(vec) != s.dim {
		return result, goerr.Wrap(types.ErrDimensionMismatch, "cannot search",
			goerr.V("want", s.dim), goerr.V("got", len(vec)))
	}

	var id, name string
	var dist float64
	err := s.pool.QueryRow(ctx, `
		SELECT id, name, embedding <-> $1 AS distance
		FROM enrolled_persons
		ORDER BY embedding <-> $1 ASC, seq ASC
		LIMIT 1
	`, pgvector.NewVector(vec)).Scan(&id, &name, &dist)
	if errors.Is(err, pgx.ErrNoRows) {
		return result, nil
	}
	if err != nil {
		return result, goerr.Wrap(err, "failed to search persons")
	}

	result.Distance = dist
	if dist > threshold {
		return result, nil
	}
	result.PersonID = id
	result.Label = name
	return result, nil
}

// InsertEvidence stores one evidence entry including its snapshot.
func (s *Store) InsertEvidence(ctx context.Context, e types.EvidenceEntry) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO evidence_entries (id, captured_at, label, authorized, confidence_percent, snapshot)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (id) DO NOTHING
	`, e.ID, e.CapturedAt, e.Label, e.Authorized, e.ConfidencePercent, e.Snapshot)
	if err != nil {
		return goerr.Wrap(err, "failed to insert evidence", goerr.V("id", e.ID))
	}
	return nil
}

// RecentEvidence returns up to limit entries, most recent first, without snapshots.
func (s *Store) RecentEvidence(ctx context.Context, limit int) ([]types.EvidenceEntry, error) {
	if limit <= 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, captured_at, label, authorized, confidence_percent
		FROM evidence_entries
		ORDER BY captured_at DESC, id DESC
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, goerr.Wrap(err, "failed to query evidence")
	}
	defer rows.Close()

	var entries []types.EvidenceEntry
	for rows.Next() {
		var e types.EvidenceEntry
		if err := rows.Scan(&e.ID, &e.CapturedAt, &e.Label, &e.Authorized, &e.ConfidencePercent); err != nil {
			return nil, goerr.Wrap(err, "failed to scan evidence")
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, goerr.Wrap(err, "failed to query evidence")
	}
	return entries, nil
}

// GetEvidenceSnapshot returns the stored still of an entry.
func (s *Store) GetEvidenceSnapshot(ctx context.Context, id string) ([]byte, error) {
	var snap []byte
	err := s.pool.QueryRow(ctx, "SELECT snapshot FROM evidence_entries WHERE id = $1", id).Scan(&snap)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, goerr.Wrap(types.ErrNotFound, "no such evidence entry", goerr.V("id", id))
	}
	if err != nil {
		return nil, goerr.Wrap(err, "failed to load snapshot", goerr.V("id", id))
	}
	return snap, nil
}

// PruneEvidence keeps the newest keep entries and deletes the rest.
func (s *Store) PruneEvidence(ctx context.Context, keep int) (int64, error) {
	if keep < 0 {
		keep = 0
	}
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM evidence_entries
		WHERE id NOT IN (
			SELECT id FROM evidence_entries ORDER BY captured_at DESC, id DESC LIMIT $1
		)
	`, keep)
	if err != nil {
		return 0, goerr.Wrap(err, "failed to prune evidence")
	}
	return tag.RowsAffected(), nil
}

// Reset drops all application tables. The next New recreates them.
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `
		DROP TABLE IF EXISTS evidence_entries CASCADE;
		DROP TABLE IF EXISTS enrolled_persons CASCADE;
	`)
	if err != nil {
		return goerr.Wrap(err, "failed to reset database")
	}
	return nil
}
