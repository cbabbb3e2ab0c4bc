// Package pebble implements kv.Store on top of CockroachDB's Pebble engine.
//
// The store keeps its live database under <dir>/live and one Pebble
// checkpoint per committed version under <dir>/checkpoints/<version>.
// Restoring a version replaces the live database with a copy of the
// checkpoint.
package pebble

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/cespare/cp"
	"github.com/cockroachdb/pebble"
	"github.com/rs/zerolog"

	"github.com/timzifer/keystate/kv"
	"github.com/timzifer/keystate/kv/internal/ckpt"
)

// Options configures the Pebble store.
type Options struct {
	// Sync forces an fsync on every Apply.
	Sync bool
	// CacheSize is the block cache size in bytes. Zero uses Pebble's default.
	CacheSize int64
	// MaxOpenFiles bounds the number of open table files.
	MaxOpenFiles int
	// Logger receives Pebble's own messages such as WAL recovery. The zero
	// value discards them.
	Logger zerolog.Logger
}

// Store implements kv.Store with Pebble.
type Store struct {
	mu   sync.RWMutex
	dir  string
	opts Options
	db   *pebble.DB
}

var _ kv.Store = (*Store)(nil)

// Open opens or creates a store rooted at dir.
func Open(dir string, opts Options) (*Store, error) {
	if dir == "" {
		return nil, errors.New("pebble store: directory must not be empty")
	}
	if err := os.MkdirAll(ckpt.Root(dir), 0o755); err != nil {
		return nil, fmt.Errorf("pebble store: create checkpoint dir: %w", err)
	}
	if err := ckpt.ClearStaging(dir); err != nil {
		return nil, fmt.Errorf("pebble store: %w", err)
	}
	s := &Store{dir: dir, opts: opts}
	db, err := s.open()
	if err != nil {
		return nil, err
	}
	s.db = db
	return s, nil
}

func (s *Store) options() *pebble.Options {
	return &pebble.Options{
		MaxOpenFiles: s.opts.MaxOpenFiles,
		Logger:       eventLogger{logger: s.opts.Logger.With().Str("component", "pebble").Logger()},
	}
}

func (s *Store) open() (*pebble.DB, error) {
	pebbleOpts := s.options()
	if s.opts.CacheSize > 0 {
		cache := pebble.NewCache(s.opts.CacheSize)
		defer cache.Unref()
		pebbleOpts.Cache = cache
	}
	db, err := pebble.Open(ckpt.Live(s.dir), pebbleOpts)
	if err != nil {
		return nil, fmt.Errorf("pebble store: open: %w", err)
	}
	return db, nil
}

func (s *Store) writeOptions() *pebble.WriteOptions {
	if s.opts.Sync {
		return pebble.Sync
	}
	return pebble.NoSync
}

func (s *Store) Get(cf string, key []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, kv.ErrClosed
	}
	value, closer, err := s.db.Get(kv.EncodeKey(cf, key))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, kv.ErrNotFound
		}
		return nil, fmt.Errorf("pebble store: get: %w", err)
	}
	defer closer.Close()
	return kv.Clone(value), nil
}

func (s *Store) NewIterator(cf string, lower, upper []byte) (kv.Iterator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, kv.ErrClosed
	}
	lo, hi := kv.Bounds(cf, lower, upper)
	iter, err := s.db.NewIter(&pebble.IterOptions{LowerBound: lo, UpperBound: hi})
	if err != nil {
		return nil, fmt.Errorf("pebble store: iterate: %w", err)
	}
	return &iterator{iter: iter, cf: cf}, nil
}

func (s *Store) Apply(ctx context.Context, ops []kv.Op) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := kv.ValidateOps(ops); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return kv.ErrClosed
	}
	batch := s.db.NewBatch()
	defer batch.Close()
	for _, op := range ops {
		key := kv.EncodeKey(op.CF, op.Key)
		var err error
		if op.Delete {
			err = batch.Delete(key, nil)
		} else {
			err = batch.Set(key, op.Value, nil)
		}
		if err != nil {
			return fmt.Errorf("pebble store: stage write: %w", err)
		}
	}
	if err := batch.Commit(s.writeOptions()); err != nil {
		return fmt.Errorf("pebble store: commit: %w", err)
	}
	return nil
}

// Checkpoint writes a Pebble checkpoint for version. The checkpoint is built
// in a staging directory and published only once complete, replacing an
// existing checkpoint of the same version.
func (s *Store) Checkpoint(ctx context.Context, version uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return kv.ErrClosed
	}
	staging := ckpt.Staging(s.dir, version)
	if err := os.RemoveAll(staging); err != nil {
		return fmt.Errorf("pebble store: clear staging: %w", err)
	}
	if err := s.db.Checkpoint(staging, pebble.WithFlushedWAL()); err != nil {
		return fmt.Errorf("pebble store: checkpoint %d: %w", version, err)
	}
	if err := ckpt.Publish(s.dir, version); err != nil {
		return fmt.Errorf("pebble store: %w", err)
	}
	return nil
}

// Restore replaces the live database with checkpoint version.
func (s *Store) Restore(ctx context.Context, version uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	source := ckpt.Path(s.dir, version)
	if _, err := os.Stat(source); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: version %d", kv.ErrCheckpointNotFound, version)
		}
		return fmt.Errorf("pebble store: stat checkpoint %d: %w", version, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return kv.ErrClosed
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("pebble store: close before restore: %w", err)
	}
	s.db = nil
	live := ckpt.Live(s.dir)
	if err := os.RemoveAll(live); err != nil {
		return fmt.Errorf("pebble store: remove live db: %w", err)
	}
	if err := cp.CopyAll(live, source); err != nil {
		return fmt.Errorf("pebble store: copy checkpoint %d: %w", version, err)
	}
	db, err := s.open()
	if err != nil {
		return err
	}
	s.db = db
	return nil
}

func (s *Store) Checkpoints() ([]uint64, error) {
	return ckpt.List(s.dir)
}

func (s *Store) DropCheckpoint(version uint64) error {
	return os.RemoveAll(ckpt.Path(s.dir, version))
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

// Dir returns the root directory of the store.
func (s *Store) Dir() string {
	return filepath.Clean(s.dir)
}

type iterator struct {
	iter    *pebble.Iterator
	cf      string
	started bool
	valid   bool
}

func (it *iterator) Next() bool {
	if !it.started {
		it.started = true
		it.valid = it.iter.First()
	} else if it.valid {
		it.valid = it.iter.Next()
	}
	return it.valid
}

func (it *iterator) Key() []byte {
	key, _ := kv.DecodeKey(it.cf, it.iter.Key())
	return key
}

func (it *iterator) Value() []byte { return it.iter.Value() }
func (it *iterator) Err() error    { return it.iter.Error() }
func (it *iterator) Close() error  { return it.iter.Close() }

// eventLogger routes Pebble's log output through zerolog.
type eventLogger struct {
	logger zerolog.Logger
}

func (l eventLogger) Infof(format string, args ...interface{}) {
	l.logger.Info().Msgf(format, args...)
}

// Fatalf must not return.
func (l eventLogger) Fatalf(format string, args ...interface{}) {
	l.logger.WithLevel(zerolog.FatalLevel).Msgf(format, args...)
	os.Exit(1)
}
