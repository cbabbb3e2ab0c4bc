package pebble

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/timzifer/keystate/kv"
	"github.com/timzifer/keystate/kv/internal/ckpt"
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

func TestInterruptedCheckpointIsIgnoredAndCleared(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	s := open(t, dir)
	require.NoError(t, s.Apply(ctx, []kv.Op{{CF: "cf", Key: []byte("k"), Value: []byte("v1")}}))
	require.NoError(t, s.Checkpoint(ctx, 1))
	require.NoError(t, s.Close())

	// A run that died while writing checkpoint 2 leaves only its staging dir.
	staging := ckpt.Staging(dir, 2)
	require.NoError(t, os.MkdirAll(staging, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(staging, "MANIFEST-000001"), []byte("partial"), 0o644))

	s = open(t, dir)
	t.Cleanup(func() { s.Close() })
	versions, err := s.Checkpoints()
	require.NoError(t, err)
	require.Equal(t, []uint64{1}, versions)
	_, err = os.Stat(staging)
	require.True(t, os.IsNotExist(err), "staging dir should be removed on open")

	require.NoError(t, s.Restore(ctx, 1))
	got, err := s.Get("cf", []byte("k"))
	require.NoError(t, err)
	require.Equal(t, "v1", string(got))
}

func TestCheckpointReplacesSameVersion(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	s := open(t, dir)
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.Apply(ctx, []kv.Op{{CF: "cf", Key: []byte("k"), Value: []byte("old")}}))
	require.NoError(t, s.Checkpoint(ctx, 3))
	require.NoError(t, s.Apply(ctx, []kv.Op{{CF: "cf", Key: []byte("k"), Value: []byte("new")}}))
	require.NoError(t, s.Checkpoint(ctx, 3))

	_, err := os.Stat(ckpt.Staging(dir, 3))
	require.True(t, os.IsNotExist(err))
	require.NoError(t, s.Restore(ctx, 3))
	got, err := s.Get("cf", []byte("k"))
	require.NoError(t, err)
	require.Equal(t, "new", string(got))
}

func TestEngineMessagesGoThroughZerolog(t *testing.T) {
	var buf bytes.Buffer
	s := &Store{opts: Options{Logger: zerolog.New(&buf)}}
	opts := s.options()
	logger, ok := opts.Logger.(eventLogger)
	require.True(t, ok, "unexpected pebble logger %T", opts.Logger)

	logger.Infof("replayed WAL %06d", 3)
	require.Contains(t, buf.String(), `"message":"replayed WAL 000003"`)
	require.Contains(t, buf.String(), `"component":"pebble"`)
	require.Contains(t, buf.String(), `"level":"info"`)
}
