// Package kvtest provides a conformance suite for kv.Store implementations.
package kvtest

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/timzifer/keystate/kv"
)

// Opener creates a fresh, empty store for a single subtest.
type Opener func(t *testing.T) kv.Store

// Run executes the conformance suite against stores produced by open.
func Run(t *testing.T, open Opener) {
	t.Run("GetMissing", func(t *testing.T) { testGetMissing(t, open(t)) })
	t.Run("ApplyAndGet", func(t *testing.T) { testApplyAndGet(t, open(t)) })
	t.Run("ColumnFamilyIsolation", func(t *testing.T) { testColumnFamilyIsolation(t, open(t)) })
	t.Run("IteratorBounds", func(t *testing.T) { testIteratorBounds(t, open(t)) })
	t.Run("RejectsInvalidColumnFamily", func(t *testing.T) { testRejectsInvalidColumnFamily(t, open(t)) })
	t.Run("CheckpointRestore", func(t *testing.T) { testCheckpointRestore(t, open(t)) })
	t.Run("RestoreUnknownVersion", func(t *testing.T) { testRestoreUnknownVersion(t, open(t)) })
	t.Run("TxnOverlay", func(t *testing.T) { testTxnOverlay(t, open(t)) })
}

func put(cf, key, value string) kv.Op {
	return kv.Op{CF: cf, Key: []byte(key), Value: []byte(value)}
}

func del(cf, key string) kv.Op {
	return kv.Op{CF: cf, Key: []byte(key), Delete: true}
}

// Collect drains it into a key -> value list, preserving order.
func Collect(t *testing.T, it kv.Iterator) [][2]string {
	t.Helper()
	var out [][2]string
	for it.Next() {
		out = append(out, [2]string{string(it.Key()), string(it.Value())})
	}
	require.NoError(t, it.Err())
	require.NoError(t, it.Close())
	return out
}

func testGetMissing(t *testing.T, s kv.Store) {
	_, err := s.Get("cf", []byte("missing"))
	require.True(t, errors.Is(err, kv.ErrNotFound), "expected ErrNotFound, got %v", err)
}

func testApplyAndGet(t *testing.T, s kv.Store) {
	ctx := context.Background()
	require.NoError(t, s.Apply(ctx, []kv.Op{put("cf", "a", "1"), put("cf", "b", "2")}))

	got, err := s.Get("cf", []byte("a"))
	require.NoError(t, err)
	require.Equal(t, "1", string(got))

	require.NoError(t, s.Apply(ctx, []kv.Op{del("cf", "a"), put("cf", "b", "3"), del("cf", "never")}))
	_, err = s.Get("cf", []byte("a"))
	require.ErrorIs(t, err, kv.ErrNotFound)
	got, err = s.Get("cf", []byte("b"))
	require.NoError(t, err)
	require.Equal(t, "3", string(got))
}

func testColumnFamilyIsolation(t *testing.T, s kv.Store) {
	ctx := context.Background()
	require.NoError(t, s.Apply(ctx, []kv.Op{
		put("a", "k", "from-a"),
		put("ab", "k", "from-ab"),
		put("b", "k", "from-b"),
	}))

	it, err := s.NewIterator("a", nil, nil)
	require.NoError(t, err)
	require.Equal(t, [][2]string{{"k", "from-a"}}, Collect(t, it))

	got, err := s.Get("ab", []byte("k"))
	require.NoError(t, err)
	require.Equal(t, "from-ab", string(got))
}

func testIteratorBounds(t *testing.T, s kv.Store) {
	ctx := context.Background()
	require.NoError(t, s.Apply(ctx, []kv.Op{
		put("cf", "a", "1"),
		put("cf", "b", "2"),
		put("cf", "c", "3"),
		put("cf", "d", "4"),
	}))

	it, err := s.NewIterator("cf", []byte("b"), []byte("d"))
	require.NoError(t, err)
	require.Equal(t, [][2]string{{"b", "2"}, {"c", "3"}}, Collect(t, it))

	it, err = s.NewIterator("cf", nil, []byte("b"))
	require.NoError(t, err)
	require.Equal(t, [][2]string{{"a", "1"}}, Collect(t, it))

	it, err = s.NewIterator("cf", []byte("c"), nil)
	require.NoError(t, err)
	require.Equal(t, [][2]string{{"c", "3"}, {"d", "4"}}, Collect(t, it))
}

func testRejectsInvalidColumnFamily(t *testing.T, s kv.Store) {
	err := s.Apply(context.Background(), []kv.Op{put("", "k", "v")})
	require.ErrorIs(t, err, kv.ErrInvalidColumnFamily)
	err = s.Apply(context.Background(), []kv.Op{put("bad\x00cf", "k", "v")})
	require.ErrorIs(t, err, kv.ErrInvalidColumnFamily)
}

func testCheckpointRestore(t *testing.T, s kv.Store) {
	ctx := context.Background()
	require.NoError(t, s.Apply(ctx, []kv.Op{put("cf", "a", "1")}))
	require.NoError(t, s.Checkpoint(ctx, 1))

	require.NoError(t, s.Apply(ctx, []kv.Op{put("cf", "a", "2"), put("cf", "b", "x")}))
	require.NoError(t, s.Checkpoint(ctx, 2))

	versions, err := s.Checkpoints()
	require.NoError(t, err)
	require.Equal(t, []uint64{1, 2}, versions)

	require.NoError(t, s.Restore(ctx, 1))
	got, err := s.Get("cf", []byte("a"))
	require.NoError(t, err)
	require.Equal(t, "1", string(got))
	_, err = s.Get("cf", []byte("b"))
	require.ErrorIs(t, err, kv.ErrNotFound)

	// The store remains writable after a restore.
	require.NoError(t, s.Apply(ctx, []kv.Op{put("cf", "c", "3")}))
	got, err = s.Get("cf", []byte("c"))
	require.NoError(t, err)
	require.Equal(t, "3", string(got))

	require.NoError(t, s.DropCheckpoint(1))
	versions, err = s.Checkpoints()
	require.NoError(t, err)
	require.Equal(t, []uint64{2}, versions)

	require.NoError(t, s.Restore(ctx, 2))
	got, err = s.Get("cf", []byte("a"))
	require.NoError(t, err)
	require.Equal(t, "2", string(got))
}

func testRestoreUnknownVersion(t *testing.T, s kv.Store) {
	err := s.Restore(context.Background(), 42)
	require.ErrorIs(t, err, kv.ErrCheckpointNotFound)
}

func testTxnOverlay(t *testing.T, s kv.Store) {
	ctx := context.Background()
	require.NoError(t, s.Apply(ctx, []kv.Op{put("cf", "a", "1"), put("cf", "c", "3"), put("cf", "e", "5")}))

	txn := kv.NewTxn(s)
	txn.Set("cf", []byte("b"), []byte("2"))
	txn.Delete("cf", []byte("c"))
	txn.Set("cf", []byte("e"), []byte("five"))
	txn.Set("other", []byte("z"), []byte("26"))

	got, err := txn.Get("cf", []byte("b"))
	require.NoError(t, err)
	require.Equal(t, "2", string(got))
	_, err = txn.Get("cf", []byte("c"))
	require.ErrorIs(t, err, kv.ErrNotFound)

	// The store is untouched until commit.
	_, err = s.Get("cf", []byte("b"))
	require.ErrorIs(t, err, kv.ErrNotFound)

	it, err := txn.NewIterator("cf", nil, nil)
	require.NoError(t, err)
	require.Equal(t, [][2]string{{"a", "1"}, {"b", "2"}, {"e", "five"}}, Collect(t, it))

	require.NoError(t, txn.Commit(ctx))
	it, err = s.NewIterator("cf", nil, nil)
	require.NoError(t, err)
	require.Equal(t, [][2]string{{"a", "1"}, {"b", "2"}, {"e", "five"}}, Collect(t, it))

	_, err = txn.Get("cf", []byte("a"))
	require.ErrorIs(t, err, kv.ErrTxnDone)

	discarded := kv.NewTxn(s)
	discarded.Set("cf", []byte("z"), []byte("never"))
	discarded.Discard()
	_, err = s.Get("cf", []byte("z"))
	require.ErrorIs(t, err, kv.ErrNotFound)
}
