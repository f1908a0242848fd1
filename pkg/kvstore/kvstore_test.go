package kvstore

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T) *DB {
	t.Helper()
	db, err := OpenMem()
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestSetGetDelete(t *testing.T) {
	ctx := context.Background()
	db := openTest(t)

	_, err := db.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, db.Set(ctx, "a", []byte("1")))
	v, err := db.Get(ctx, "a")
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), v)

	require.NoError(t, db.Delete(ctx, "a"))
	_, err = db.Get(ctx, "a")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestScanPrefix(t *testing.T) {
	ctx := context.Background()
	db := openTest(t)

	for _, k := range []string{
		"physical_shard:s1:device:b",
		"physical_shard:s1:device:a",
		"physical_shard:s1:index",
		"physical_shard:s10:device:x",
		"physical_shard:s2:device:c",
	} {
		require.NoError(t, db.Set(ctx, k, []byte("v")))
	}

	keys, err := db.ScanPrefix(ctx, "physical_shard:s1:device:")
	require.NoError(t, err)
	assert.Equal(t, []string{"physical_shard:s1:device:a", "physical_shard:s1:device:b"}, keys)

	keys, err = db.ScanPrefix(ctx, "nothing:")
	require.NoError(t, err)
	assert.Empty(t, keys)
}

func TestCompareAndSwap(t *testing.T) {
	ctx := context.Background()
	db := openTest(t)

	ok, err := db.CompareAndSwap(ctx, "k", nil, []byte("1"))
	require.NoError(t, err)
	assert.True(t, ok, "create when absent")

	ok, err = db.CompareAndSwap(ctx, "k", nil, []byte("2"))
	require.NoError(t, err)
	assert.False(t, ok, "create when present")

	ok, err = db.CompareAndSwap(ctx, "k", []byte("0"), []byte("2"))
	require.NoError(t, err)
	assert.False(t, ok, "stale prev")

	ok, err = db.CompareAndSwap(ctx, "k", []byte("1"), []byte("2"))
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = db.CompareAndSwap(ctx, "k", []byte("2"), nil)
	require.NoError(t, err)
	assert.True(t, ok, "delete")
	_, err = db.Get(ctx, "k")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCompareAndSwapConcurrentIncrement(t *testing.T) {
	ctx := context.Background()
	db := openTest(t)
	require.NoError(t, db.Set(ctx, "counter", []byte("0")))

	const capacity = 10
	var granted atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				cur, err := db.Get(ctx, "counter")
				if err != nil {
					return
				}
				var n int
				fmt.Sscanf(string(cur), "%d", &n)
				if n >= capacity {
					return
				}
				ok, err := db.CompareAndSwap(ctx, "counter", cur, []byte(fmt.Sprint(n+1)))
				if err != nil {
					return
				}
				if ok {
					granted.Add(1)
					return
				}
			}
		}()
	}
	wg.Wait()

	assert.EqualValues(t, capacity, granted.Load())
	v, err := db.Get(ctx, "counter")
	require.NoError(t, err)
	assert.Equal(t, "10", string(v))
}

func TestPrefixUpperBound(t *testing.T) {
	assert.Equal(t, []byte("ab"), prefixUpperBound([]byte("aa")))
	assert.Equal(t, []byte("b"), prefixUpperBound([]byte{'a', 0xff}))
	assert.Nil(t, prefixUpperBound([]byte{0xff, 0xff}))
}
