// Package leveldb implements kv.Store on top of goleveldb.
//
// LevelDB has no native checkpoint, so a checkpoint is materialised by
// copying a consistent snapshot into a fresh database under
// <dir>/checkpoints/<version>.
package leveldb

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"

	"github.com/cespare/cp"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/iterator"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/timzifer/keystate/kv"
	"github.com/timzifer/keystate/kv/internal/ckpt"
)

// copyBatchSize bounds the number of entries per write while materialising a
// checkpoint.
const copyBatchSize = 1024

// Options configures the LevelDB store.
type Options struct {
	Sync bool
	// CacheSize is the block cache capacity in bytes. Zero uses the default.
	CacheSize int
}

// Store implements kv.Store with goleveldb.
type Store struct {
	mu   sync.RWMutex
	dir  string
	opts Options
	db   *leveldb.DB
}

var _ kv.Store = (*Store)(nil)

// Open opens or creates a store rooted at dir.
func Open(dir string, opts Options) (*Store, error) {
	if dir == "" {
		return nil, errors.New("leveldb store: directory must not be empty")
	}
	if err := os.MkdirAll(ckpt.Root(dir), 0o755); err != nil {
		return nil, fmt.Errorf("leveldb store: create checkpoint dir: %w", err)
	}
	if err := ckpt.ClearStaging(dir); err != nil {
		return nil, fmt.Errorf("leveldb store: %w", err)
	}
	s := &Store{dir: dir, opts: opts}
	db, err := s.open(ckpt.Live(dir))
	if err != nil {
		return nil, err
	}
	s.db = db
	return s, nil
}

func (s *Store) open(path string) (*leveldb.DB, error) {
	db, err := leveldb.OpenFile(path, &opt.Options{BlockCacheCapacity: s.opts.CacheSize})
	if err != nil {
		return nil, fmt.Errorf("leveldb store: open %s: %w", path, err)
	}
	return db, nil
}

func (s *Store) Get(cf string, key []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, kv.ErrClosed
	}
	value, err := s.db.Get(kv.EncodeKey(cf, key), nil)
	if err != nil {
		if errors.Is(err, leveldb.ErrNotFound) {
			return nil, kv.ErrNotFound
		}
		return nil, fmt.Errorf("leveldb store: get: %w", err)
	}
	return value, nil
}

func (s *Store) NewIterator(cf string, lower, upper []byte) (kv.Iterator, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.db == nil {
		return nil, kv.ErrClosed
	}
	lo, hi := kv.Bounds(cf, lower, upper)
	return &rangeIterator{iter: s.db.NewIterator(&util.Range{Start: lo, Limit: hi}, nil), cf: cf}, nil
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
	batch := new(leveldb.Batch)
	for _, op := range ops {
		key := kv.EncodeKey(op.CF, op.Key)
		if op.Delete {
			batch.Delete(key)
			continue
		}
		batch.Put(key, op.Value)
	}
	if err := s.db.Write(batch, &opt.WriteOptions{Sync: s.opts.Sync}); err != nil {
		return fmt.Errorf("leveldb store: commit: %w", err)
	}
	return nil
}

func (s *Store) Checkpoint(ctx context.Context, version uint64) error {
	s.mu.RLock()
	if s.db == nil {
		s.mu.RUnlock()
		return kv.ErrClosed
	}
	snap, err := s.db.GetSnapshot()
	s.mu.RUnlock()
	if err != nil {
		return fmt.Errorf("leveldb store: snapshot: %w", err)
	}
	defer snap.Release()

	staging := ckpt.Staging(s.dir, version)
	if err := os.RemoveAll(staging); err != nil {
		return fmt.Errorf("leveldb store: clear staging: %w", err)
	}
	dst, err := s.open(staging)
	if err != nil {
		return err
	}

	iter := snap.NewIterator(nil, nil)
	batch := new(leveldb.Batch)
	for iter.Next() {
		if batch.Len()%copyBatchSize == 0 {
			if err := ctx.Err(); err != nil {
				break
			}
		}
		batch.Put(kv.Clone(iter.Key()), kv.Clone(iter.Value()))
		if batch.Len() >= copyBatchSize {
			if err := dst.Write(batch, nil); err != nil {
				iter.Release()
				dst.Close()
				return fmt.Errorf("leveldb store: write checkpoint %d: %w", version, err)
			}
			batch.Reset()
		}
	}
	iterErr := iter.Error()
	iter.Release()
	if err := iterErr; err != nil {
		dst.Close()
		return fmt.Errorf("leveldb store: read snapshot: %w", err)
	}
	if err := ctx.Err(); err != nil {
		dst.Close()
		return err
	}
	if err := dst.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		dst.Close()
		return fmt.Errorf("leveldb store: write checkpoint %d: %w", version, err)
	}
	if err := dst.Close(); err != nil {
		return fmt.Errorf("leveldb store: close checkpoint %d: %w", version, err)
	}
	if err := ckpt.Publish(s.dir, version); err != nil {
		return fmt.Errorf("leveldb store: %w", err)
	}
	return nil
}

func (s *Store) Restore(ctx context.Context, version uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	source := ckpt.Path(s.dir, version)
	if _, err := os.Stat(source); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: version %d", kv.ErrCheckpointNotFound, version)
		}
		return fmt.Errorf("leveldb store: stat checkpoint %d: %w", version, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return kv.ErrClosed
	}
	if err := s.db.Close(); err != nil {
		return fmt.Errorf("leveldb store: close before restore: %w", err)
	}
	s.db = nil
	live := ckpt.Live(s.dir)
	if err := os.RemoveAll(live); err != nil {
		return fmt.Errorf("leveldb store: remove live db: %w", err)
	}
	if err := cp.CopyAll(live, source); err != nil {
		return fmt.Errorf("leveldb store: copy checkpoint %d: %w", version, err)
	}
	db, err := s.open(live)
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

type rangeIterator struct {
	iter iterator.Iterator
	cf   string
}

func (it *rangeIterator) Next() bool { return it.iter.Next() }

func (it *rangeIterator) Key() []byte {
	key, _ := kv.DecodeKey(it.cf, it.iter.Key())
	return key
}

func (it *rangeIterator) Value() []byte { return it.iter.Value() }
func (it *rangeIterator) Err() error    { return it.iter.Error() }

func (it *rangeIterator) Close() error {
	it.iter.Release()
	return nil
}
