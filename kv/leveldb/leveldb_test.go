package leveldb

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/timzifer/keystate/kv"
	"github.com/timzifer/keystate/kv/kvtest"
)

func open(t *testing.T, dir string) *Store {
	t.Helper()
	s, err := Open(dir, Options{Sync: true})
	require.NoError(t, err)
	return s
}

func TestConformance(t *testing.T) {
	kvtest.Run(t, func(t *testing.T) kv.Store {
		s := open(t, t.TempDir())
		t.Cleanup(func() { s.Close() })
		return s
	})
}

func TestReopenKeepsCommittedWritesAndCheckpoints(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s := open(t, dir)
	require.NoError(t, s.Apply(ctx, []kv.Op{{CF: "cf", Key: []byte("k"), Value: []byte("v")}}))
	require.NoError(t, s.Checkpoint(ctx, 7))
	require.NoError(t, s.Close())

	s = open(t, dir)
	t.Cleanup(func() { s.Close() })
	got, err := s.Get("cf", []byte("k"))
	require.NoError(t, err)
	require.Equal(t, "v", string(got))

	versions, err := s.Checkpoints()
	require.NoError(t, err)
	require.Equal(t, []uint64{7}, versions)
}
