// Package postgres implements the store interface over pgx. Commits are
// serialized by a store-level mutex and write the entity batch and the
// checkpoint inside one transaction.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/campusarchive/crawler/internal/portal"
)

// db is the pool surface the store needs; pgxmock satisfies it in tests.
type db interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Close()
}

// Store is the pgx-backed persistent store.
type Store struct {
	pool   db
	logger *zap.Logger

	// commitMu keeps commits single-writer; identity allocation and
	// reads run concurrently.
	commitMu sync.Mutex
}

// Config controls pool sizing.
type Config struct {
	DSN      string
	MaxConns int32
	MinConns int32
}

// New connects a pool and ensures the schema exists.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect pool: %w", err)
	}
	s := &Store{pool: pool, logger: logger}
	if err := s.ensureSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

// NewWithDB wires the store over an existing pool surface (tests).
func NewWithDB(pool db, logger *zap.Logger) *Store {
	return &Store{pool: pool, logger: logger}
}

var schema = []string{
	`CREATE TABLE IF NOT EXISTS identities (
		id BIGINT GENERATED ALWAYS AS IDENTITY PRIMARY KEY,
		kind TEXT NOT NULL,
		natural_key TEXT NOT NULL,
		UNIQUE (kind, natural_key)
	)`,
	`CREATE TABLE IF NOT EXISTS entities (
		id BIGINT PRIMARY KEY REFERENCES identities(id),
		kind TEXT NOT NULL,
		natural_key TEXT NOT NULL,
		fields JSONB NOT NULL,
		refs JSONB NOT NULL DEFAULT '{}',
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
	)`,
	`CREATE INDEX IF NOT EXISTS entities_name_idx
		ON entities ((fields->'name'->>'value'))`,
	`CREATE TABLE IF NOT EXISTS blobs (
		hash TEXT PRIMARY KEY,
		size BIGINT NOT NULL,
		refcount BIGINT NOT NULL
	)`,
	`CREATE TABLE IF NOT EXISTS checkpoints (
		pass_id TEXT PRIMARY KEY,
		completed JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
}

func (s *Store) ensureSchema(ctx context.Context) error {
	for _, stmt := range schema {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("ensure schema: %w", err)
		}
	}
	return nil
}

// GetOrCreateID allocates the surrogate for a natural key on first
// observation. The insert races safely: losers fall through to the
// select.
func (s *Store) GetOrCreateID(ctx context.Context, kind portal.EntityKind, key portal.NaturalKey) (portal.SurrogateID, bool, error) {
	var id portal.SurrogateID
	err := s.pool.QueryRow(ctx,
		`INSERT INTO identities (kind, natural_key) VALUES ($1, $2)
		 ON CONFLICT (kind, natural_key) DO NOTHING
		 RETURNING id`,
		string(kind), string(key)).Scan(&id)
	if err == nil {
		return id, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return 0, false, fmt.Errorf("allocate identity: %w", err)
	}

	err = s.pool.QueryRow(ctx,
		`SELECT id FROM identities WHERE kind = $1 AND natural_key = $2`,
		string(kind), string(key)).Scan(&id)
	if err != nil {
		return 0, false, fmt.Errorf("read identity: %w", err)
	}
	return id, false, nil
}

// FindID looks a natural key up without allocating.
func (s *Store) FindID(ctx context.Context, kind portal.EntityKind, key portal.NaturalKey) (portal.SurrogateID, bool, error) {
	var id portal.SurrogateID
	err := s.pool.QueryRow(ctx,
		`SELECT id FROM identities WHERE kind = $1 AND natural_key = $2`,
		string(kind), string(key)).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}
	if err != nil {
		return 0, false, fmt.Errorf("find identity: %w", err)
	}
	return id, true, nil
}

// GetEntity reads committed entity state.
func (s *Store) GetEntity(ctx context.Context, id portal.SurrogateID) (portal.ReconciledEntity, bool, error) {
	var (
		entity     portal.ReconciledEntity
		fieldsJSON []byte
		refsJSON   []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, kind, natural_key, fields, refs FROM entities WHERE id = $1`,
		int64(id)).Scan(&entity.ID, &entity.Kind, &entity.Key, &fieldsJSON, &refsJSON)
	if errors.Is(err, pgx.ErrNoRows) {
		return portal.ReconciledEntity{}, false, nil
	}
	if err != nil {
		return portal.ReconciledEntity{}, false, fmt.Errorf("read entity %d: %w", id, err)
	}
	if err := json.Unmarshal(fieldsJSON, &entity.Fields); err != nil {
		return portal.ReconciledEntity{}, false, fmt.Errorf("decode entity fields: %w", err)
	}
	if err := json.Unmarshal(refsJSON, &entity.Refs); err != nil {
		return portal.ReconciledEntity{}, false, fmt.Errorf("decode entity refs: %w", err)
	}
	return entity, true, nil
}

// SearchByName finds entities of a kind whose name field contains the
// query, case-insensitively.
func (s *Store) SearchByName(ctx context.Context, kind portal.EntityKind, query string, limit int) ([]portal.ReconciledEntity, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT id, kind, natural_key, fields, refs FROM entities
		 WHERE kind = $1 AND fields->'name'->>'value' ILIKE '%' || $2 || '%'
		 ORDER BY id LIMIT $3`,
		string(kind), query, limit)
	if err != nil {
		return nil, fmt.Errorf("search entities: %w", err)
	}
	defer rows.Close()

	var out []portal.ReconciledEntity
	for rows.Next() {
		var (
			entity     portal.ReconciledEntity
			fieldsJSON []byte
			refsJSON   []byte
		)
		if err := rows.Scan(&entity.ID, &entity.Kind, &entity.Key, &fieldsJSON, &refsJSON); err != nil {
			return nil, fmt.Errorf("scan entity: %w", err)
		}
		if err := json.Unmarshal(fieldsJSON, &entity.Fields); err != nil {
			return nil, fmt.Errorf("decode entity fields: %w", err)
		}
		if err := json.Unmarshal(refsJSON, &entity.Refs); err != nil {
			return nil, fmt.Errorf("decode entity refs: %w", err)
		}
		out = append(out, entity)
	}
	return out, rows.Err()
}

// CommitBatch upserts the batch and the checkpoint in one transaction.
func (s *Store) CommitBatch(ctx context.Context, entities []portal.ReconciledEntity, checkpoint portal.Checkpoint) error {
	s.commitMu.Lock()
	defer s.commitMu.Unlock()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin commit: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	for _, entity := range entities {
		fieldsJSON, err := json.Marshal(entity.Fields)
		if err != nil {
			return fmt.Errorf("encode fields of %s %s: %w", entity.Kind, entity.Key, err)
		}
		refsJSON, err := json.Marshal(entity.Refs)
		if err != nil {
			return fmt.Errorf("encode refs of %s %s: %w", entity.Kind, entity.Key, err)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO entities (id, kind, natural_key, fields, refs, updated_at)
			 VALUES ($1, $2, $3, $4, $5, now())
			 ON CONFLICT (id) DO UPDATE
			 SET fields = EXCLUDED.fields, refs = EXCLUDED.refs, updated_at = now()`,
			int64(entity.ID), string(entity.Kind), string(entity.Key), fieldsJSON, refsJSON); err != nil {
			return fmt.Errorf("upsert entity %s %s: %w", entity.Kind, entity.Key, err)
		}
	}

	completedJSON, err := json.Marshal(checkpoint.Completed)
	if err != nil {
		return fmt.Errorf("encode checkpoint: %w", err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO checkpoints (pass_id, completed, updated_at) VALUES ($1, $2, $3)
		 ON CONFLICT (pass_id) DO UPDATE
		 SET completed = EXCLUDED.completed, updated_at = EXCLUDED.updated_at`,
		checkpoint.PassID, completedJSON, checkpoint.UpdatedAt); err != nil {
		return fmt.Errorf("upsert checkpoint: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit batch: %w", err)
	}
	return nil
}

// LoadCheckpoint reads the last committed checkpoint of a pass.
func (s *Store) LoadCheckpoint(ctx context.Context, passID string) (portal.Checkpoint, bool, error) {
	var (
		cp            portal.Checkpoint
		completedJSON []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT pass_id, completed, updated_at FROM checkpoints WHERE pass_id = $1`,
		passID).Scan(&cp.PassID, &completedJSON, &cp.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return portal.Checkpoint{}, false, nil
	}
	if err != nil {
		return portal.Checkpoint{}, false, fmt.Errorf("read checkpoint %s: %w", passID, err)
	}
	if err := json.Unmarshal(completedJSON, &cp.Completed); err != nil {
		return portal.Checkpoint{}, false, fmt.Errorf("decode checkpoint: %w", err)
	}
	return cp, true, nil
}

// AdjustBlobRef moves a blob refcount by delta, deleting the row when it
// reaches zero, and returns the new count.
func (s *Store) AdjustBlobRef(ctx context.Context, hash string, size int64, delta int64) (int64, error) {
	var count int64
	err := s.pool.QueryRow(ctx,
		`INSERT INTO blobs (hash, size, refcount) VALUES ($1, $2, $3)
		 ON CONFLICT (hash) DO UPDATE SET refcount = blobs.refcount + $3
		 RETURNING refcount`,
		hash, size, delta).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("adjust blob ref %s: %w", hash, err)
	}
	if count <= 0 {
		if _, err := s.pool.Exec(ctx, `DELETE FROM blobs WHERE hash = $1`, hash); err != nil {
			return 0, fmt.Errorf("drop blob row %s: %w", hash, err)
		}
		return 0, nil
	}
	return count, nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}
