// Package kvstore is the shared key-value store behind the sharded pool.
package kvstore

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
)

var ErrNotFound = errors.New("kvstore: key not found")

// Store is the contract the sharded pool relies on. Enumeration is only by
// prefix; there is no full keyspace listing.
type Store interface {
	Set(ctx context.Context, key string, value []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	ScanPrefix(ctx context.Context, prefix string) ([]string, error)
	// CompareAndSwap writes next only if the current value equals prev.
	// A nil prev means the key must be absent; a nil next deletes the key.
	CompareAndSwap(ctx context.Context, key string, prev, next []byte) (bool, error)
}

type Options struct {
	Dir string
	// FS overrides the filesystem, e.g. vfs.NewMem() for tests.
	FS vfs.FS
}

// DB implements Store on pebble. Writes are serialized so that
// CompareAndSwap observes a stable value between its read and write.
type DB struct {
	db  *pebble.DB
	dir string
	mu  sync.Mutex
}

var _ Store = (*DB)(nil)

// Open opens (or creates) a pebble DB in the provided directory.
func Open(opt Options) (*DB, error) {
	if strings.TrimSpace(opt.Dir) == "" {
		return nil, errors.New("pebble dir is empty")
	}
	dir := filepath.Clean(opt.Dir)
	pdb, err := pebble.Open(dir, &pebble.Options{FS: opt.FS})
	if err != nil {
		return nil, fmt.Errorf("open pebble: %w", err)
	}
	return &DB{db: pdb, dir: dir}, nil
}

// OpenMem opens an in-memory store.
func OpenMem() (*DB, error) {
	return Open(Options{Dir: "mem", FS: vfs.NewMem()})
}

func (d *DB) Close() error {
	if d == nil || d.db == nil {
		return nil
	}
	return d.db.Close()
}

func (d *DB) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.db.Set([]byte(key), value, pebble.Sync); err != nil {
		return fmt.Errorf("pebble set %s: %w", key, err)
	}
	return nil
}

func (d *DB) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return d.get(key)
}

func (d *DB) get(key string) ([]byte, error) {
	val, closer, err := d.db.Get([]byte(key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("pebble get %s: %w", key, err)
	}
	out := bytes.Clone(val)
	_ = closer.Close()
	return out, nil
}

func (d *DB) Delete(ctx context.Context, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.db.Delete([]byte(key), pebble.Sync); err != nil {
		return fmt.Errorf("pebble delete %s: %w", key, err)
	}
	return nil
}

// ScanPrefix returns every key starting with prefix in lexical order.
func (d *DB) ScanPrefix(ctx context.Context, prefix string) ([]string, error) {
	iter, err := d.db.NewIter(&pebble.IterOptions{
		LowerBound: []byte(prefix),
		UpperBound: prefixUpperBound([]byte(prefix)),
	})
	if err != nil {
		return nil, fmt.Errorf("pebble iter %s: %w", prefix, err)
	}
	defer iter.Close()

	var keys []string
	for iter.First(); iter.Valid(); iter.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		keys = append(keys, string(iter.Key()))
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("pebble iter %s: %w", prefix, err)
	}
	return keys, nil
}

func (d *DB) CompareAndSwap(ctx context.Context, key string, prev, next []byte) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	cur, err := d.get(key)
	switch {
	case errors.Is(err, ErrNotFound):
		if prev != nil {
			return false, nil
		}
	case err != nil:
		return false, err
	default:
		if prev == nil || !bytes.Equal(cur, prev) {
			return false, nil
		}
	}

	if next == nil {
		err = d.db.Delete([]byte(key), pebble.Sync)
	} else {
		err = d.db.Set([]byte(key), next, pebble.Sync)
	}
	if err != nil {
		return false, fmt.Errorf("pebble cas %s: %w", key, err)
	}
	return true, nil
}

// prefixUpperBound returns the smallest key greater than every key with the prefix.
func prefixUpperBound(prefix []byte) []byte {
	end := bytes.Clone(prefix)
	for i := len(end) - 1; i >= 0; i-- {
		end[i]++
		if end[i] != 0 {
			return end[:i+1]
		}
	}
	return nil
}
