// Package kv defines the durable sorted key-value engine consumed by the state
// engine.
//
// A Store exposes named column families, point reads, ordered range iteration
// and atomic multi-key commits, plus version-addressed checkpoints. Keys inside
// a column family are compared bytewise.
package kv

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned by Get when the key is absent.
	ErrNotFound = errors.New("kv: not found")
	// ErrClosed is returned by operations on a closed store.
	ErrClosed = errors.New("kv: store closed")
	// ErrCheckpointNotFound is returned by Restore for an unknown version.
	ErrCheckpointNotFound = errors.New("kv: checkpoint not found")
	// ErrInvalidColumnFamily is returned for empty or malformed column family names.
	ErrInvalidColumnFamily = errors.New("kv: invalid column family")
)

// Op is a single write inside an atomic commit.
type Op struct {
	CF     string
	Key    []byte
	Value  []byte
	Delete bool
}

// Reader provides point and range reads over column families.
type Reader interface {
	// Get returns the value stored under key or ErrNotFound.
	Get(cf string, key []byte) ([]byte, error)
	// NewIterator iterates keys in [lower, upper) of cf in ascending order.
	// A nil lower starts at the first key, a nil upper runs to the last one.
	NewIterator(cf string, lower, upper []byte) (Iterator, error)
}

// Store is a crash-consistent sorted KV engine.
//
// Implementations must apply every Op of a single Apply call atomically and
// must be safe for concurrent readers while Apply runs.
type Store interface {
	Reader
	Apply(ctx context.Context, ops []Op) error
	Checkpoint(ctx context.Context, version uint64) error
	Restore(ctx context.Context, version uint64) error
	Checkpoints() ([]uint64, error)
	DropCheckpoint(version uint64) error
	Close() error
}

// Iterator walks a key range. Key and Value are only valid until the next
// call to Next.
type Iterator interface {
	Next() bool
	Key() []byte
	Value() []byte
	Err() error
	Close() error
}

// ValidateColumnFamily reports whether name can be used as a column family.
func ValidateColumnFamily(name string) error {
	if name == "" {
		return fmt.Errorf("%w: name must not be empty", ErrInvalidColumnFamily)
	}
	if strings.IndexByte(name, 0) >= 0 {
		return fmt.Errorf("%w: %q contains NUL", ErrInvalidColumnFamily, name)
	}
	return nil
}

// EncodeKey builds the physical key of key within cf. Column families are
// separated from the user key by a NUL byte, which keeps families prefix-free.
func EncodeKey(cf string, key []byte) []byte {
	out := make([]byte, 0, len(cf)+1+len(key))
	out = append(out, cf...)
	out = append(out, 0)
	return append(out, key...)
}

// DecodeKey strips the column family prefix from a physical key.
func DecodeKey(cf string, physical []byte) ([]byte, bool) {
	if len(physical) < len(cf)+1 || string(physical[:len(cf)]) != cf || physical[len(cf)] != 0 {
		return nil, false
	}
	return physical[len(cf)+1:], true
}

// Bounds translates a user key range into physical bounds for cf.
func Bounds(cf string, lower, upper []byte) (lo, hi []byte) {
	lo = EncodeKey(cf, lower)
	if upper == nil {
		hi = make([]byte, 0, len(cf)+1)
		hi = append(hi, cf...)
		hi = append(hi, 1)
		return lo, hi
	}
	return lo, EncodeKey(cf, upper)
}

// InRange reports whether key lies in [lower, upper) where nil means unbounded.
func InRange(key, lower, upper []byte) bool {
	if lower != nil && bytes.Compare(key, lower) < 0 {
		return false
	}
	if upper != nil && bytes.Compare(key, upper) >= 0 {
		return false
	}
	return true
}

// ValidateOps checks column family names of a commit before it reaches the
// backend.
func ValidateOps(ops []Op) error {
	for _, op := range ops {
		if err := ValidateColumnFamily(op.CF); err != nil {
			return err
		}
	}
	return nil
}

// Clone returns a copy of b that does not alias it.
func Clone(b []byte) []byte {
	if b == nil {
		return nil
	}
	out := make([]byte, len(b))
	copy(out, b)
	return out
}

// SliceIterator iterates over pre-collected key/value pairs.
type SliceIterator struct {
	keys   [][]byte
	values [][]byte
	pos    int
}

// NewSliceIterator returns an iterator over keys and values, which must be
// sorted and of equal length.
func NewSliceIterator(keys, values [][]byte) *SliceIterator {
	return &SliceIterator{keys: keys, values: values, pos: -1}
}

func (s *SliceIterator) Next() bool {
	if s.pos+1 >= len(s.keys) {
		s.pos = len(s.keys)
		return false
	}
	s.pos++
	return true
}

func (s *SliceIterator) Key() []byte   { return s.keys[s.pos] }
func (s *SliceIterator) Value() []byte { return s.values[s.pos] }
func (s *SliceIterator) Err() error    { return nil }
func (s *SliceIterator) Close() error  { return nil }
