package cursor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/dermal/dermal/internal/platform/resource"
	"github.com/dermal/dermal/internal/platform/storage"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// PGStore keeps cursors in the search_cursor table so they survive restarts
// and are shared by every replica behind the same database.
type PGStore struct {
	db     querier
	expiry time.Duration
}

// NewPGStore creates a Postgres-backed store, usually on a *pgxpool.Pool.
func NewPGStore(db querier, expiry time.Duration) *PGStore {
	return &PGStore{db: db, expiry: expiry}
}

func (s *PGStore) cutoff(now time.Time) time.Time {
	return now.Add(-s.expiry)
}

func (s *PGStore) Put(ctx context.Context, c *Cursor) error {
	ids := c.IDs
	if ids == nil {
		ids = []string{}
	}
	_, err := s.db.Exec(ctx, `
		INSERT INTO search_cursor (token, resource_type, ids, page_size, created_at, last_access)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		c.ID, c.ResourceType, ids, c.PageSize, c.CreatedAt, c.LastAccess)
	if err != nil {
		return wrap("store cursor", err)
	}
	return nil
}

func (s *PGStore) Get(ctx context.Context, id string, now time.Time) (*Cursor, error) {
	c := &Cursor{ID: id}
	err := s.db.QueryRow(ctx, `
		SELECT resource_type, ids, page_size, created_at, last_access
		FROM search_cursor
		WHERE token = $1 AND last_access > $2`,
		id, s.cutoff(now)).Scan(&c.ResourceType, &c.IDs, &c.PageSize, &c.CreatedAt, &c.LastAccess)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, wrap("get cursor", err)
	}
	return c, nil
}

func (s *PGStore) Touch(ctx context.Context, id string, now time.Time) (bool, error) {
	tag, err := s.db.Exec(ctx, `
		UPDATE search_cursor SET last_access = GREATEST(last_access, $2)
		WHERE token = $1 AND last_access > $3`,
		id, now, s.cutoff(now))
	if err != nil {
		return false, wrap("touch cursor", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PGStore) Release(ctx context.Context, id string) error {
	if _, err := s.db.Exec(ctx, `DELETE FROM search_cursor WHERE token = $1`, id); err != nil {
		return wrap("release cursor", err)
	}
	return nil
}

func (s *PGStore) Sweep(ctx context.Context, now time.Time) (int, error) {
	tag, err := s.db.Exec(ctx, `DELETE FROM search_cursor WHERE last_access <= $1`, s.cutoff(now))
	if err != nil {
		return 0, wrap("sweep cursors", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PGStore) Len(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRow(ctx, `SELECT COUNT(*) FROM search_cursor`).Scan(&n); err != nil {
		return 0, wrap("count cursors", err)
	}
	return n, nil
}

func wrap(op string, err error) error {
	err = fmt.Errorf("%s: %w", op, err)
	if storage.Unavailable(err) {
		return resource.BackendUnavailable(err)
	}
	return err
}
