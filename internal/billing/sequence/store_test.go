package sequence

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"
)

func newRedisStore(t *testing.T) (*RedisStore, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisStore(client), mr
}

func TestRedisStoreBootstrapAndIncrement(t *testing.T) {
	ctx := context.Background()
	store, mr := newRedisStore(t)
	key := Key{Kind: KindInvoice, Period: "252", Variant: VariantInvoice}

	bootstraps := 0
	bootstrap := func(context.Context) (int, error) {
		bootstraps++
		return 13, nil
	}

	v, err := store.Next(ctx, key, bootstrap)
	require.NoError(t, err)
	require.Equal(t, 13, v)

	v, err = store.Next(ctx, key, bootstrap)
	require.NoError(t, err)
	require.Equal(t, 14, v)
	require.Equal(t, 1, bootstraps)

	stored, err := mr.Get("fdbilling:seq:invoice:252:FD")
	require.NoError(t, err)
	require.Equal(t, "14", stored)
}

func TestRedisStoreObserveOnlyRaises(t *testing.T) {
	ctx := context.Background()
	store, _ := newRedisStore(t)
	key := Key{Kind: KindWorkOrder, Period: "25", Variant: VariantWorkOrder}

	require.NoError(t, store.Observe(ctx, key, 40))
	require.NoError(t, store.Observe(ctx, key, 12))

	v, err := store.Next(ctx, key, func(context.Context) (int, error) {
		return 0, errors.New("bootstrap should not run")
	})
	require.NoError(t, err)
	require.Equal(t, 41, v)
}

func TestRedisStoreBootstrapError(t *testing.T) {
	store, _ := newRedisStore(t)
	boom := errors.New("scan failed")
	_, err := store.Next(context.Background(), Key{Kind: KindInvoice, Period: "252", Variant: VariantInvoice},
		func(context.Context) (int, error) { return 0, boom })
	require.ErrorIs(t, err, boom)
}

func TestRedisStoreConcurrentGenerator(t *testing.T) {
	ctx := context.Background()
	store, _ := newRedisStore(t)
	gen := NewGenerator(store, nil, Options{})

	const workers = 20
	var (
		mu   sync.Mutex
		seen = make(map[string]struct{})
	)
	var g errgroup.Group
	for i := 0; i < workers; i++ {
		g.Go(func() error {
			n, err := gen.NextNumber(ctx, KindWorkOrder, "25")
			if err != nil {
				return err
			}
			mu.Lock()
			defer mu.Unlock()
			if _, dup := seen[n]; dup {
				return errors.New("duplicate " + n)
			}
			seen[n] = struct{}{}
			return nil
		})
	}
	require.NoError(t, g.Wait())
	require.Len(t, seen, workers)
}

type fakeRow struct {
	value int
	err   error
}

func (r fakeRow) Scan(dest ...any) error {
	if r.err != nil {
		return r.err
	}
	*(dest[0].(*int)) = r.value
	return nil
}

// fakeCounterDB emulates document_counters semantics for the three statements PostgresStore issues.
type fakeCounterDB struct {
	values map[string]int
	sql    []string
}

func (db *fakeCounterDB) rowKey(args []any) string {
	return args[0].(string) + "|" + args[1].(string) + "|" + args[2].(string)
}

func (db *fakeCounterDB) QueryRow(_ context.Context, sql string, args ...any) pgx.Row {
	db.sql = append(db.sql, sql)
	k := db.rowKey(args)
	switch {
	case strings.HasPrefix(sql, "UPDATE document_counters"):
		v, ok := db.values[k]
		if !ok {
			return fakeRow{err: pgx.ErrNoRows}
		}
		db.values[k] = v + 1
		return fakeRow{value: v + 1}
	case strings.HasPrefix(sql, "INSERT INTO document_counters"):
		if v, ok := db.values[k]; ok {
			db.values[k] = v + 1
			return fakeRow{value: v + 1}
		}
		db.values[k] = args[3].(int)
		return fakeRow{value: args[3].(int)}
	}
	return fakeRow{err: errors.New("unexpected sql")}
}

func (db *fakeCounterDB) Exec(_ context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	db.sql = append(db.sql, sql)
	k := db.rowKey(args)
	if v := args[3].(int); db.values[k] < v {
		db.values[k] = v
	}
	return pgconn.NewCommandTag("INSERT 0 1"), nil
}

func TestPostgresStoreStatements(t *testing.T) {
	ctx := context.Background()
	db := &fakeCounterDB{values: make(map[string]int)}
	store := NewPostgresStore(db)
	gen := NewGenerator(store, newMemoryScanner("FD252/I/0020"), Options{})

	n, err := gen.NextNumber(ctx, KindInvoice, "252")
	require.NoError(t, err)
	require.Equal(t, "FD252/I/0021", n)
	require.Len(t, db.sql, 2)
	require.Equal(t, nextCounterSQL, db.sql[0])
	require.Equal(t, bootstrapCounterSQL, db.sql[1])

	n, err = gen.NextNumber(ctx, KindInvoice, "252")
	require.NoError(t, err)
	require.Equal(t, "FD252/I/0022", n)
	require.Len(t, db.sql, 3)

	require.NoError(t, gen.Observe(ctx, "FD252/I/0090"))
	require.Equal(t, observeCounterSQL, db.sql[3])
	n, err = gen.NextNumber(ctx, KindInvoice, "252")
	require.NoError(t, err)
	require.Equal(t, "FD252/I/0091", n)
}

func TestPostgresStorePropagatesQueryError(t *testing.T) {
	boom := errors.New("connection reset")
	store := NewPostgresStore(errDB{err: boom})
	_, err := store.Next(context.Background(), Key{Kind: KindInvoice, Period: "252", Variant: VariantInvoice},
		func(context.Context) (int, error) { return 13, nil })
	require.ErrorIs(t, err, boom)
}

type errDB struct{ err error }

func (db errDB) QueryRow(context.Context, string, ...any) pgx.Row { return fakeRow{err: db.err} }

func (db errDB) Exec(context.Context, string, ...any) (pgconn.CommandTag, error) {
	return pgconn.CommandTag{}, db.err
}
