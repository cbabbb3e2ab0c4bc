package kv

import (
	"bytes"
	"context"
	"errors"

	"github.com/google/btree"
)

// ErrTxnDone is returned when a committed or discarded transaction is reused.
var ErrTxnDone = errors.New("kv: transaction already finished")

type pendingOp struct {
	cf     string
	key    []byte
	value  []byte
	delete bool
}

func lessPending(a, b pendingOp) bool {
	if a.cf != b.cf {
		return a.cf < b.cf
	}
	return bytes.Compare(a.key, b.key) < 0
}

// Txn buffers writes against a Store and exposes them to reads issued through
// the transaction. Nothing reaches the store until Commit, which hands every
// buffered write to Store.Apply in one atomic call.
//
// A Txn is not safe for concurrent use.
type Txn struct {
	store   Store
	pending *btree.BTreeG[pendingOp]
	done    bool
}

// NewTxn starts a transaction on store.
func NewTxn(store Store) *Txn {
	return &Txn{
		store:   store,
		pending: btree.NewG[pendingOp](16, lessPending),
	}
}

// Get reads key from the overlay first and falls back to the store.
func (t *Txn) Get(cf string, key []byte) ([]byte, error) {
	if t.done {
		return nil, ErrTxnDone
	}
	if op, ok := t.pending.Get(pendingOp{cf: cf, key: key}); ok {
		if op.delete {
			return nil, ErrNotFound
		}
		return op.value, nil
	}
	return t.store.Get(cf, key)
}

// Set buffers a put.
func (t *Txn) Set(cf string, key, value []byte) {
	if t.done {
		return
	}
	t.pending.ReplaceOrInsert(pendingOp{cf: cf, key: Clone(key), value: Clone(value)})
}

// Delete buffers a delete. Deleting an absent key is a no-op at commit.
func (t *Txn) Delete(cf string, key []byte) {
	if t.done {
		return
	}
	t.pending.ReplaceOrInsert(pendingOp{cf: cf, key: Clone(key), delete: true})
}

// Len returns the number of buffered writes.
func (t *Txn) Len() int {
	return t.pending.Len()
}

// NewIterator merges buffered writes over the store's view of [lower, upper).
// The overlay is captured when the iterator is created, so writes issued while
// iterating do not affect it.
func (t *Txn) NewIterator(cf string, lower, upper []byte) (Iterator, error) {
	if t.done {
		return nil, ErrTxnDone
	}
	base, err := t.store.NewIterator(cf, lower, upper)
	if err != nil {
		return nil, err
	}
	var overlay []pendingOp
	t.pending.AscendGreaterOrEqual(pendingOp{cf: cf, key: lower}, func(op pendingOp) bool {
		if op.cf != cf || !InRange(op.key, lower, upper) {
			return false
		}
		overlay = append(overlay, op)
		return true
	})
	m := &mergeIterator{base: base, overlay: overlay, pos: -1}
	m.advanceBase()
	return m, nil
}

// Commit applies every buffered write atomically.
func (t *Txn) Commit(ctx context.Context) error {
	if t.done {
		return ErrTxnDone
	}
	ops := make([]Op, 0, t.pending.Len())
	t.pending.Ascend(func(op pendingOp) bool {
		ops = append(ops, Op{CF: op.cf, Key: op.key, Value: op.value, Delete: op.delete})
		return true
	})
	if err := t.store.Apply(ctx, ops); err != nil {
		return err
	}
	t.finish()
	return nil
}

// Discard drops all buffered writes.
func (t *Txn) Discard() {
	t.finish()
}

func (t *Txn) finish() {
	t.done = true
	t.pending.Clear(false)
}

type mergeIterator struct {
	base    Iterator
	baseOK  bool
	overlay []pendingOp
	pos     int
	key     []byte
	value   []byte
	err     error
}

func (m *mergeIterator) advanceBase() {
	m.baseOK = m.base.Next()
	if !m.baseOK {
		m.err = m.base.Err()
	}
}

func (m *mergeIterator) Next() bool {
	for m.err == nil {
		next := m.pos + 1
		hasOverlay := next < len(m.overlay)
		if !m.baseOK && !hasOverlay {
			return false
		}
		if m.baseOK {
			cmp := -1
			if hasOverlay {
				cmp = bytes.Compare(m.base.Key(), m.overlay[next].key)
			}
			if cmp < 0 {
				m.key = Clone(m.base.Key())
				m.value = Clone(m.base.Value())
				m.advanceBase()
				return true
			}
			if cmp == 0 {
				m.advanceBase()
			}
		}
		m.pos = next
		op := m.overlay[next]
		if op.delete {
			continue
		}
		m.key, m.value = op.key, op.value
		return true
	}
	return false
}

func (m *mergeIterator) Key() []byte   { return m.key }
func (m *mergeIterator) Value() []byte { return m.value }
func (m *mergeIterator) Err() error    { return m.err }

func (m *mergeIterator) Close() error {
	return m.base.Close()
}
