package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/dermal/dermal/internal/platform/db"
	"github.com/dermal/dermal/internal/platform/resource"
)

type querier interface {
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
}

// DB is the subset of *pgxpool.Pool the Postgres backend needs.
type DB interface {
	querier
	Begin(ctx context.Context) (pgx.Tx, error)
}

// PGBackend stores resources as jsonb in the resource table and every
// version in resource_history.
type PGBackend struct {
	pool  DB
	now   func() time.Time
	newID func() string
}

// NewPGBackend creates a Postgres backend, usually on a *pgxpool.Pool.
func NewPGBackend(pool DB) *PGBackend {
	return &PGBackend{
		pool:  pool,
		now:   func() time.Time { return time.Now().UTC() },
		newID: func() string { return uuid.New().String() },
	}
}

func (b *PGBackend) conn(ctx context.Context) querier {
	if tx := db.TxFromContext(ctx); tx != nil {
		return tx
	}
	return b.pool
}

// inTx runs fn in the transaction carried by ctx, or in a new one.
func (b *PGBackend) inTx(ctx context.Context, fn func(q querier) error) error {
	return db.RunInTx(ctx, b.pool, func(ctx context.Context) error {
		return fn(db.TxFromContext(ctx))
	})
}

// stamp returns a Postgres-precision timestamp strictly after prev.
func (b *PGBackend) stamp(prev time.Time) time.Time {
	t := b.now().Truncate(time.Microsecond)
	if !t.After(prev) {
		t = prev.Add(time.Microsecond)
	}
	return t
}

type rowState struct {
	exists      bool
	version     int
	deleted     bool
	lastUpdated time.Time
}

func lockRow(ctx context.Context, q querier, resourceType, id string) (rowState, error) {
	var st rowState
	err := q.QueryRow(ctx, `
		SELECT version_id, deleted, last_updated FROM resource
		WHERE resource_type = $1 AND id = $2
		FOR UPDATE`, resourceType, id).Scan(&st.version, &st.deleted, &st.lastUpdated)
	if errors.Is(err, pgx.ErrNoRows) {
		return rowState{}, nil
	}
	if err != nil {
		return rowState{}, fmt.Errorf("lock %s/%s: %w", resourceType, id, err)
	}
	st.exists = true
	return st, nil
}

func (b *PGBackend) write(ctx context.Context, q querier, resourceType string, ref resource.Ref, r resource.Resource, action string) error {
	cp := r.Clone()
	if cp == nil {
		cp = resource.Resource{}
	}
	cp.Stamp(resourceType, ref)
	data, err := json.Marshal(cp)
	if err != nil {
		return resource.Invalid(resourceType, fmt.Sprintf("resource is not serializable: %v", err))
	}

	_, err = q.Exec(ctx, `
		INSERT INTO resource (resource_type, id, version_id, last_updated, deleted, content)
		VALUES ($1, $2, $3, $4, false, $5)
		ON CONFLICT (resource_type, id) DO UPDATE SET
			version_id = EXCLUDED.version_id,
			last_updated = EXCLUDED.last_updated,
			deleted = false,
			content = EXCLUDED.content`,
		resourceType, ref.ID, ref.Version, ref.LastUpdated, data)
	if err != nil {
		return fmt.Errorf("write %s/%s: %w", resourceType, ref.ID, err)
	}
	return saveVersion(ctx, q, resourceType, ref, data, action)
}

func saveVersion(ctx context.Context, q querier, resourceType string, ref resource.Ref, data []byte, action string) error {
	_, err := q.Exec(ctx, `
		INSERT INTO resource_history (resource_type, resource_id, version_id, resource, action, timestamp)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		resourceType, ref.ID, ref.Version, data, action, ref.LastUpdated)
	if err != nil {
		return fmt.Errorf("save history version: %w", err)
	}
	return nil
}

func (b *PGBackend) Create(ctx context.Context, resourceType, id string, r resource.Resource) (resource.Ref, error) {
	if id == "" {
		id = b.newID()
	}
	var ref resource.Ref
	err := b.inTx(ctx, func(q querier) error {
		st, err := lockRow(ctx, q, resourceType, id)
		if err != nil {
			return err
		}
		if st.exists && !st.deleted {
			return resource.AlreadyExists(resourceType, id)
		}
		ref = resource.Ref{ID: id, Version: st.version + 1, LastUpdated: b.stamp(st.lastUpdated)}
		return b.write(ctx, q, resourceType, ref, r, "create")
	})
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return resource.Ref{}, resource.AlreadyExists(resourceType, id)
		}
		return resource.Ref{}, classify(err)
	}
	return ref, nil
}

func (b *PGBackend) Get(ctx context.Context, resourceType, id string) (resource.Resource, error) {
	var data []byte
	err := b.conn(ctx).QueryRow(ctx, `
		SELECT content FROM resource
		WHERE resource_type = $1 AND id = $2 AND NOT deleted`,
		resourceType, id).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, resource.NotFound(resourceType, id)
	}
	if err != nil {
		return nil, classify(fmt.Errorf("get %s/%s: %w", resourceType, id, err))
	}
	return decode(data)
}

func (b *PGBackend) GetVersion(ctx context.Context, resourceType, id string, version int) (resource.Resource, error) {
	var data []byte
	err := b.conn(ctx).QueryRow(ctx, `
		SELECT resource FROM resource_history
		WHERE resource_type = $1 AND resource_id = $2 AND version_id = $3 AND action <> 'delete'`,
		resourceType, id, version).Scan(&data)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, resource.VersionNotFound(resourceType, id, version)
	}
	if err != nil {
		return nil, classify(fmt.Errorf("get history version: %w", err))
	}
	return decode(data)
}

// historyMethods maps resource_history.action to the request method that
// produced the version.
var historyMethods = map[string]string{"create": "POST", "update": "PUT", "delete": "DELETE"}

func (b *PGBackend) History(ctx context.Context, resourceType, id string) ([]resource.HistoryEntry, error) {
	rows, err := b.conn(ctx).Query(ctx, `
		SELECT version_id, resource, action, timestamp FROM resource_history
		WHERE resource_type = $1 AND resource_id = $2
		ORDER BY version_id DESC`,
		resourceType, id)
	if err != nil {
		return nil, classify(fmt.Errorf("history %s/%s: %w", resourceType, id, err))
	}
	defer rows.Close()

	var out []resource.HistoryEntry
	for rows.Next() {
		var (
			e      resource.HistoryEntry
			data   []byte
			action string
		)
		if err := rows.Scan(&e.Version, &data, &action, &e.LastUpdated); err != nil {
			return nil, classify(fmt.Errorf("scan history %s/%s: %w", resourceType, id, err))
		}
		e.Method = historyMethods[action]
		if data != nil {
			if e.Resource, err = decode(data); err != nil {
				return nil, err
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, classify(fmt.Errorf("history %s/%s: %w", resourceType, id, err))
	}
	if len(out) == 0 {
		return nil, resource.NotFound(resourceType, id)
	}
	return out, nil
}

func (b *PGBackend) Update(ctx context.Context, resourceType, id string, expectedVersion int, r resource.Resource) (resource.Ref, error) {
	var ref resource.Ref
	err := b.inTx(ctx, func(q querier) error {
		st, err := lockRow(ctx, q, resourceType, id)
		if err != nil {
			return err
		}
		if !st.exists || st.deleted {
			return resource.NotFound(resourceType, id)
		}
		if st.version != expectedVersion {
			return resource.Conflict(resourceType, id, expectedVersion, st.version)
		}
		ref = resource.Ref{ID: id, Version: st.version + 1, LastUpdated: b.stamp(st.lastUpdated)}
		return b.write(ctx, q, resourceType, ref, r, "update")
	})
	if err != nil {
		return resource.Ref{}, classify(err)
	}
	return ref, nil
}

func (b *PGBackend) Delete(ctx context.Context, resourceType, id string) error {
	err := b.inTx(ctx, func(q querier) error {
		st, err := lockRow(ctx, q, resourceType, id)
		if err != nil {
			return err
		}
		if !st.exists || st.deleted {
			return nil
		}
		ref := resource.Ref{ID: id, Version: st.version + 1, LastUpdated: b.stamp(st.lastUpdated)}
		if _, err := q.Exec(ctx, `
			UPDATE resource SET deleted = true, version_id = $3, last_updated = $4
			WHERE resource_type = $1 AND id = $2`,
			resourceType, id, ref.Version, ref.LastUpdated); err != nil {
			return fmt.Errorf("delete %s/%s: %w", resourceType, id, err)
		}
		return saveVersion(ctx, q, resourceType, ref, nil, "delete")
	})
	return classify(err)
}

func (b *PGBackend) Query(ctx context.Context, q Query) ([]string, error) {
	sql, args, err := BuildQuerySQL(q)
	if err != nil {
		return nil, resource.InvalidSearchParameter(q.ResourceType, filterNames(q.Filters), err.Error())
	}
	rows, err := b.conn(ctx).Query(ctx, sql, args...)
	if err != nil {
		return nil, classify(fmt.Errorf("search %s: %w", q.ResourceType, err))
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, classify(fmt.Errorf("scan %s ids: %w", q.ResourceType, err))
	}
	return ids, nil
}

func filterNames(filters []Filter) string {
	names := make([]string, len(filters))
	for i, f := range filters {
		names[i] = f.Name
	}
	return strings.Join(names, ",")
}

func decode(data []byte) (resource.Resource, error) {
	var r resource.Resource
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decode resource: %w", err)
	}
	return r, nil
}

// classify maps connectivity failures to BackendUnavailable. Errors that
// already carry a kind pass through unchanged.
func classify(err error) error {
	if err == nil {
		return nil
	}
	var re *resource.Error
	if errors.As(err, &re) {
		return err
	}
	if Unavailable(err) {
		return resource.BackendUnavailable(err)
	}
	return err
}

// Unavailable reports whether err means the database could not be reached or
// did not answer in time.
func Unavailable(err error) bool {
	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) {
		return true
	}
	if pgconn.Timeout(err) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case strings.HasPrefix(pgErr.Code, "08"): // connection exception
			return true
		case pgErr.Code == "57P01", pgErr.Code == "57P03", pgErr.Code == "53300":
			return true
		}
		return false
	}
	return pgconn.SafeToRetry(err)
}
