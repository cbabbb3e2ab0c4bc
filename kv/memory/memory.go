// Package memory provides an in-process kv.Store backed by a copy-on-write
// B-tree. Checkpoints are cheap tree clones held in memory, so they survive
// Restore but not process restart.
package memory

import (
	"bytes"
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/google/btree"

	"github.com/timzifer/keystate/kv"
)

type item struct {
	key   []byte
	value []byte
}

func less(a, b item) bool {
	return bytes.Compare(a.key, b.key) < 0
}

// Store implements kv.Store in memory.
type Store struct {
	mu          sync.RWMutex
	tree        *btree.BTreeG[item]
	checkpoints map[uint64]*btree.BTreeG[item]
	closed      bool
}

var _ kv.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{
		tree:        btree.NewG[item](32, less),
		checkpoints: make(map[uint64]*btree.BTreeG[item]),
	}
}

func (s *Store) Get(cf string, key []byte) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, kv.ErrClosed
	}
	found, ok := s.tree.Get(item{key: kv.EncodeKey(cf, key)})
	if !ok {
		return nil, kv.ErrNotFound
	}
	return kv.Clone(found.value), nil
}

// NewIterator collects the range from a clone of the tree, so the iterator is
// unaffected by later commits.
func (s *Store) NewIterator(cf string, lower, upper []byte) (kv.Iterator, error) {
	// Clone mutates copy-on-write bookkeeping, so it needs the write lock.
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, kv.ErrClosed
	}
	snapshot := s.tree.Clone()
	s.mu.Unlock()

	lo, hi := kv.Bounds(cf, lower, upper)
	var keys, values [][]byte
	snapshot.AscendRange(item{key: lo}, item{key: hi}, func(it item) bool {
		key, _ := kv.DecodeKey(cf, it.key)
		keys = append(keys, key)
		values = append(values, it.value)
		return true
	})
	return kv.NewSliceIterator(keys, values), nil
}

func (s *Store) Apply(ctx context.Context, ops []kv.Op) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := kv.ValidateOps(ops); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return kv.ErrClosed
	}
	for _, op := range ops {
		key := kv.EncodeKey(op.CF, op.Key)
		if op.Delete {
			s.tree.Delete(item{key: key})
			continue
		}
		s.tree.ReplaceOrInsert(item{key: key, value: kv.Clone(op.Value)})
	}
	return nil
}

func (s *Store) Checkpoint(ctx context.Context, version uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return kv.ErrClosed
	}
	s.checkpoints[version] = s.tree.Clone()
	return nil
}

func (s *Store) Restore(ctx context.Context, version uint64) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return kv.ErrClosed
	}
	snapshot, ok := s.checkpoints[version]
	if !ok {
		return fmt.Errorf("%w: version %d", kv.ErrCheckpointNotFound, version)
	}
	s.tree = snapshot.Clone()
	return nil
}

func (s *Store) Checkpoints() ([]uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, kv.ErrClosed
	}
	versions := make([]uint64, 0, len(s.checkpoints))
	for v := range s.checkpoints {
		versions = append(versions, v)
	}
	sort.Slice(versions, func(i, j int) bool { return versions[i] < versions[j] })
	return versions, nil
}

func (s *Store) DropCheckpoint(version uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return kv.ErrClosed
	}
	delete(s.checkpoints, version)
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
