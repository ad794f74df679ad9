package pg_backend

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"

	"github.com/pmkol/qcache/pkg/cache"
)

func TestEscapeLike(t *testing.T) {
	require.Equal(t, `qcache:cart\_x:`, escapeLike("qcache:cart_x:"))
}

func TestNewRejectsNilDB(t *testing.T) {
	_, err := New(context.Background(), Opts{})
	require.Error(t, err)
}

// Runs against a real server if QCACHE_TEST_PG is set to a connection string.
func TestPGBackend_live(t *testing.T) {
	dsn := os.Getenv("QCACHE_TEST_PG")
	if dsn == "" {
		t.Skip("QCACHE_TEST_PG is not set")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)

	table := "qcache_test_" + time.Now().Format("150405")
	b, err := New(ctx, Opts{DB: pool, Table: table, Closer: pool.Close})
	require.NoError(t, err)
	defer func() {
		pool.Exec(ctx, "DROP TABLE "+table)
		b.Close()
	}()

	require.NoError(t, b.Set(ctx, "qcache:cart:1", "a", time.Minute))
	require.NoError(t, b.BatchSet(ctx, []cache.KV{
		{Key: "qcache:cart:2", Value: "b"},
		{Key: "qcache:cart_x:1", Value: "c"},
	}))

	v, ok, err := b.Get(ctx, "qcache:cart:1")
	require.NoError(t, err)
	require.True(t, ok)
	require.Equal(t, "a", v)

	keys, err := b.Keys(ctx, "qcache:cart:")
	require.NoError(t, err)
	require.Equal(t, []string{"qcache:cart:1", "qcache:cart:2"}, keys)

	require.NoError(t, b.Delete(ctx, "qcache:cart:1"))
	_, ok, err = b.Get(ctx, "qcache:cart:1")
	require.NoError(t, err)
	require.False(t, ok)
}
