package pg_backend

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/pmkol/qcache/pkg/cache"
)

const defaultTable = "qcache_records"

// DB is satisfied by *pgxpool.Pool and *pgx.Conn.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

type Opts struct {
	// DB cannot be nil.
	DB DB

	// Table name. Default is "qcache_records".
	Table string

	// Closer is called in Close. Optional.
	Closer func()

	// Now is the clock. Default is time.Now.
	Now func() time.Time
}

type PGBackend struct {
	opts Opts

	getSQL, upsertSQL, deleteSQL, keysSQL string
}

var (
	_ cache.Backend     = (*PGBackend)(nil)
	_ cache.BatchSetter = (*PGBackend)(nil)
)

// New creates the table if needed.
func New(ctx context.Context, opts Opts) (*PGBackend, error) {
	if opts.DB == nil {
		return nil, errors.New("nil db")
	}
	if len(opts.Table) == 0 {
		opts.Table = defaultTable
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}

	t := pgx.Identifier{opts.Table}.Sanitize()
	b := &PGBackend{
		opts:   opts,
		getSQL: "SELECT value, expires_at FROM " + t + " WHERE key = $1",
		upsertSQL: "INSERT INTO " + t + " (key, value, expires_at) VALUES ($1, $2, $3) " +
			"ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, expires_at = EXCLUDED.expires_at",
		deleteSQL: "DELETE FROM " + t + " WHERE key = $1",
		keysSQL:   "SELECT key FROM " + t + ` WHERE key LIKE $1 ESCAPE '\' ORDER BY key`,
	}

	ddl := "CREATE TABLE IF NOT EXISTS " + t +
		" (key TEXT PRIMARY KEY, value TEXT NOT NULL, expires_at BIGINT NOT NULL DEFAULT 0)"
	if _, err := opts.DB.Exec(ctx, ddl); err != nil {
		return nil, fmt.Errorf("failed to create table %s, %w", t, err)
	}
	return b, nil
}

func (b *PGBackend) Get(ctx context.Context, key string) (string, bool, error) {
	var (
		v   string
		exp int64
	)
	if err := b.opts.DB.QueryRow(ctx, b.getSQL, key).Scan(&v, &exp); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("query record, %w", err)
	}
	if exp > 0 && b.opts.Now().UnixNano() >= exp {
		return "", false, nil
	}
	return v, true, nil
}

func (b *PGBackend) expiresAt(retention time.Duration) int64 {
	if retention <= 0 {
		return 0
	}
	return b.opts.Now().Add(retention).UnixNano()
}

func (b *PGBackend) Set(ctx context.Context, key, value string, retention time.Duration) error {
	if _, err := b.opts.DB.Exec(ctx, b.upsertSQL, key, value, b.expiresAt(retention)); err != nil {
		return fmt.Errorf("upsert record, %w", err)
	}
	return nil
}

func (b *PGBackend) BatchSet(ctx context.Context, kvs []cache.KV) error {
	batch := &pgx.Batch{}
	for _, kv := range kvs {
		batch.Queue(b.upsertSQL, kv.Key, kv.Value, b.expiresAt(kv.Retention))
	}
	br := b.opts.DB.SendBatch(ctx, batch)
	for range kvs {
		if _, err := br.Exec(); err != nil {
			br.Close()
			return fmt.Errorf("batch upsert record, %w", err)
		}
	}
	return br.Close()
}

func (b *PGBackend) Delete(ctx context.Context, key string) error {
	if _, err := b.opts.DB.Exec(ctx, b.deleteSQL, key); err != nil {
		return fmt.Errorf("delete record, %w", err)
	}
	return nil
}

func (b *PGBackend) Keys(ctx context.Context, prefix string) ([]string, error) {
	rows, err := b.opts.DB.Query(ctx, b.keysSQL, escapeLike(prefix)+"%")
	if err != nil {
		return nil, fmt.Errorf("list records, %w", err)
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, fmt.Errorf("list records, %w", err)
	}
	return keys, nil
}

func (b *PGBackend) Close() error {
	if b.opts.Closer != nil {
		b.opts.Closer()
	}
	return nil
}

var likeReplacer = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

func escapeLike(s string) string {
	return likeReplacer.Replace(s)
}
