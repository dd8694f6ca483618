package kv

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func createTestStore(t *testing.T) *BadgerStore {
	store, err := NewBadgerStoreInMemory()
	require.NoError(t, err)
	t.Cleanup(func() {
		store.Close()
	})
	return store
}

func TestBadgerStore_PutGetDelete(t *testing.T) {
	store := createTestStore(t)

	t.Run("get missing key", func(t *testing.T) {
		_, err := store.Get(SpaceNodes, []byte("missing"))
		assert.ErrorIs(t, err, ErrKeyNotFound)
	})

	t.Run("put then get", func(t *testing.T) {
		require.NoError(t, store.Put(SpaceNodes, []byte("a"), []byte("1")))
		val, err := store.Get(SpaceNodes, []byte("a"))
		require.NoError(t, err)
		assert.Equal(t, []byte("1"), val)
	})

	t.Run("spaces are independent", func(t *testing.T) {
		require.NoError(t, store.Put(SpaceEdges, []byte("a"), []byte("edge")))
		val, err := store.Get(SpaceNodes, []byte("a"))
		require.NoError(t, err)
		assert.Equal(t, []byte("1"), val)
	})

	t.Run("delete", func(t *testing.T) {
		require.NoError(t, store.Delete(SpaceNodes, []byte("a")))
		_, err := store.Get(SpaceNodes, []byte("a"))
		assert.ErrorIs(t, err, ErrKeyNotFound)

		// absent keys are fine
		assert.NoError(t, store.Delete(SpaceNodes, []byte("never")))
	})
}

func TestBadgerStore_Iterate(t *testing.T) {
	store := createTestStore(t)

	for _, k := range []string{"p:c", "p:a", "p:b", "q:a"} {
		require.NoError(t, store.Put(SpaceLabels, []byte(k), []byte(k)))
	}
	// same prefix in another space must not leak in
	require.NoError(t, store.Put(SpaceProperties, []byte("p:z"), nil))

	t.Run("ordered prefix scan", func(t *testing.T) {
		var keys []string
		err := store.Iterate(context.Background(), SpaceLabels, []byte("p:"), func(key, value []byte) error {
			keys = append(keys, string(key))
			assert.Equal(t, key, value)
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"p:a", "p:b", "p:c"}, keys)
	})

	t.Run("whole space", func(t *testing.T) {
		count := 0
		err := store.Iterate(context.Background(), SpaceLabels, nil, func(key, value []byte) error {
			count++
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 4, count)
	})

	t.Run("stop early", func(t *testing.T) {
		count := 0
		err := store.Iterate(context.Background(), SpaceLabels, []byte("p:"), func(key, value []byte) error {
			count++
			return ErrStopIteration
		})
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})

	t.Run("visitor error propagates", func(t *testing.T) {
		boom := errors.New("boom")
		err := store.Iterate(context.Background(), SpaceLabels, nil, func(key, value []byte) error {
			return boom
		})
		assert.ErrorIs(t, err, boom)
	})

	t.Run("cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		err := store.Iterate(ctx, SpaceLabels, nil, func(key, value []byte) error {
			return nil
		})
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestBadgerStore_CommitBatch(t *testing.T) {
	store := createTestStore(t)

	t.Run("applies all operations", func(t *testing.T) {
		b := NewBatch()
		b.Put(SpaceNodes, []byte("n1"), []byte("node"))
		b.Put(SpaceLabels, []byte("l1"), []byte("n1"))
		b.Delete(SpaceLabels, []byte("l1"))
		b.Put(SpaceLabels, []byte("l2"), []byte("n1"))
		require.Equal(t, 4, b.Len())
		require.NoError(t, store.Commit(b))

		_, err := store.Get(SpaceLabels, []byte("l1"))
		assert.ErrorIs(t, err, ErrKeyNotFound)
		val, err := store.Get(SpaceLabels, []byte("l2"))
		require.NoError(t, err)
		assert.Equal(t, []byte("n1"), val)
	})

	t.Run("guard failure leaves nothing behind", func(t *testing.T) {
		b := NewBatch()
		b.RequireAbsent(SpaceNodes, []byte("n1"))
		b.Put(SpaceNodes, []byte("n1"), []byte("other"))
		b.Put(SpaceLabels, []byte("l3"), []byte("n1"))

		err := store.Commit(b)
		assert.ErrorIs(t, err, ErrKeyExists)

		val, err := store.Get(SpaceNodes, []byte("n1"))
		require.NoError(t, err)
		assert.Equal(t, []byte("node"), val)
		_, err = store.Get(SpaceLabels, []byte("l3"))
		assert.ErrorIs(t, err, ErrKeyNotFound)
	})

	t.Run("empty batch is a no-op", func(t *testing.T) {
		assert.NoError(t, store.Commit(NewBatch()))
		assert.NoError(t, store.Commit(nil))
	})

	t.Run("batch copies inputs", func(t *testing.T) {
		key := []byte("mutable")
		b := NewBatch()
		b.Put(SpaceNodes, key, []byte("v"))
		key[0] = 'X'
		require.NoError(t, store.Commit(b))
		_, err := store.Get(SpaceNodes, []byte("mutable"))
		assert.NoError(t, err)
	})
}

func TestBadgerStore_Guards(t *testing.T) {
	store := createTestStore(t)
	require.NoError(t, store.Put(SpaceNodes, []byte("n1"), []byte("v1")))

	commit := func(guard func(b *Batch)) error {
		b := NewBatch()
		guard(b)
		b.Put(SpaceLabels, []byte("marker"), []byte("x"))
		return store.Commit(b)
	}

	assert.NoError(t, commit(func(b *Batch) { b.RequirePresent(SpaceNodes, []byte("n1")) }))
	assert.ErrorIs(t, commit(func(b *Batch) { b.RequirePresent(SpaceNodes, []byte("n2")) }), ErrKeyNotFound)

	assert.NoError(t, commit(func(b *Batch) { b.RequireValue(SpaceNodes, []byte("n1"), []byte("v1")) }))
	assert.ErrorIs(t, commit(func(b *Batch) { b.RequireValue(SpaceNodes, []byte("n1"), []byte("v0")) }), ErrConflict)
	assert.ErrorIs(t, commit(func(b *Batch) { b.RequireValue(SpaceNodes, []byte("gone"), []byte("v1")) }), ErrConflict)

	assert.NoError(t, commit(func(b *Batch) { b.Watch(SpaceNodes, []byte("anything")) }))

	t.Run("guards alone commit nothing", func(t *testing.T) {
		b := NewBatch()
		b.RequireValue(SpaceNodes, []byte("n1"), []byte("v1"))
		assert.NoError(t, store.Commit(b))
		assert.Equal(t, 0, b.Len())
		assert.Len(t, b.Guards(), 1)
	})
}

func TestBadgerStore_ConcurrentReadModifyWrite(t *testing.T) {
	store := createTestStore(t)
	key := []byte("counter")
	require.NoError(t, store.Put(SpaceNodes, key, []byte("0")))

	increment := func() error {
		for {
			cur, err := store.Get(SpaceNodes, key)
			if err != nil {
				return err
			}
			n, err := strconv.Atoi(string(cur))
			if err != nil {
				return err
			}
			b := NewBatch()
			b.RequireValue(SpaceNodes, key, cur)
			b.Put(SpaceNodes, key, []byte(strconv.Itoa(n+1)))
			err = store.Commit(b)
			if errors.Is(err, ErrConflict) {
				continue
			}
			return err
		}
	}

	const workers = 20
	var wg sync.WaitGroup
	errs := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- increment()
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	val, err := store.Get(SpaceNodes, key)
	require.NoError(t, err)
	assert.Equal(t, strconv.Itoa(workers), string(val), "no increment may be lost")
}

func TestBadgerStore_MissingSpace(t *testing.T) {
	store, err := NewBadgerStoreWithOptions(BadgerOptions{
		InMemory: true,
		Spaces:   []Space{SpaceNodes, SpaceEdges},
	})
	require.NoError(t, err)
	defer store.Close()

	assert.True(t, store.HasSpace(SpaceNodes))
	assert.False(t, store.HasSpace(SpaceSchema))

	_, err = store.Get(SpaceSchema, []byte("schema"))
	assert.ErrorIs(t, err, ErrMissingSpace)

	b := NewBatch()
	b.Put(SpaceNodes, []byte("n"), nil)
	b.Put(SpaceLabels, []byte("l"), nil)
	assert.ErrorIs(t, store.Commit(b), ErrMissingSpace)

	_, err = store.Get(SpaceNodes, []byte("n"))
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestBadgerStore_Closed(t *testing.T) {
	store, err := NewBadgerStoreInMemory()
	require.NoError(t, err)
	require.NoError(t, store.Close())
	require.NoError(t, store.Close())

	_, err = store.Get(SpaceNodes, []byte("a"))
	assert.ErrorIs(t, err, ErrStoreClosed)
	assert.ErrorIs(t, store.Put(SpaceNodes, []byte("a"), nil), ErrStoreClosed)
}

func TestBadgerStore_Persistence(t *testing.T) {
	dir := t.TempDir()

	store, err := NewBadgerStore(dir)
	require.NoError(t, err)
	require.NoError(t, store.Put(SpaceSchema, []byte("schema"), []byte("{}")))
	require.NoError(t, store.Sync())
	require.NoError(t, store.Close())

	reopened, err := NewBadgerStore(dir)
	require.NoError(t, err)
	defer reopened.Close()

	val, err := reopened.Get(SpaceSchema, []byte("schema"))
	require.NoError(t, err)
	assert.Equal(t, []byte("{}"), val)
}

func TestBadgerStore_BackupRestore(t *testing.T) {
	src := createTestStore(t)
	for i := 0; i < 50; i++ {
		b := NewBatch()
		b.Put(SpaceNodes, []byte(fmt.Sprintf("n%02d", i)), []byte("node"))
		b.Put(SpaceLabels, []byte(fmt.Sprintf("l%02d", i)), []byte("label"))
		require.NoError(t, src.Commit(b))
	}

	var buf bytes.Buffer
	require.NoError(t, src.Backup(&buf))
	assert.Greater(t, buf.Len(), 0)

	dst := createTestStore(t)
	require.NoError(t, dst.Restore(&buf))

	val, err := dst.Get(SpaceNodes, []byte("n42"))
	require.NoError(t, err)
	assert.Equal(t, []byte("node"), val)

	count := 0
	require.NoError(t, dst.Iterate(context.Background(), SpaceLabels, nil, func(key, value []byte) error {
		count++
		return nil
	}))
	assert.Equal(t, 50, count)
}

func TestBadgerStore_Encryption(t *testing.T) {
	dir := t.TempDir()

	key, err := DeriveEncryptionKey(dir, "correct horse battery staple")
	require.NoError(t, err)
	assert.Len(t, key, 32)

	again, err := DeriveEncryptionKey(dir, "correct horse battery staple")
	require.NoError(t, err)
	assert.Equal(t, key, again, "salt must be reused")

	store, err := NewBadgerStoreWithOptions(BadgerOptions{DataDir: dir, EncryptionKey: key})
	require.NoError(t, err)
	require.NoError(t, store.Put(SpaceNodes, []byte("secret"), []byte("v")))
	require.NoError(t, store.Close())

	_, err = NewBadgerStoreWithOptions(BadgerOptions{DataDir: t.TempDir(), EncryptionKey: []byte("short")})
	assert.Error(t, err)

	_, err = DeriveEncryptionKey(dir, "")
	assert.Error(t, err)
}
