package state

import (
	"bytes"
	"fmt"
	"time"

	"github.com/timzifer/keystate/kv"
)

// readWriter is the view of the atomic commit domain used by value slots and
// the expiration index. *kv.Txn implements it.
type readWriter interface {
	kv.Reader
	Set(cf string, key, value []byte)
	Delete(cf string, key []byte)
}

// indexMarker is the value stored for every index entry.
var indexMarker = []byte{}

// IndexEntry is one expiration index record.
type IndexEntry struct {
	Expiration time.Time
	Key        []byte
	Slot       string
}

// Index is the expiration index of one TTL slot, ordered by expiration time
// and then grouping key.
type Index struct {
	slot *Slot
	rw   readWriter
}

func newIndex(slot *Slot, rw readWriter) *Index {
	return &Index{slot: slot, rw: rw}
}

// Insert records that key expires at exp.
func (x *Index) Insert(exp time.Time, key []byte) {
	x.insertMillis(toMillis(exp), key)
}

// Retract removes the entry (exp, key). Retracting an absent entry is a no-op.
func (x *Index) Retract(exp time.Time, key []byte) {
	x.retractMillis(toMillis(exp), key)
}

func (x *Index) insertMillis(ms int64, key []byte) {
	x.rw.Set(x.slot.indexFamily, encodeIndexKey(ms, key), indexMarker)
}

func (x *Index) retractMillis(ms int64, key []byte) {
	x.rw.Delete(x.slot.indexFamily, encodeIndexKey(ms, key))
}

// ScanUpTo returns the entries with expiration at or before cutoff in
// ascending order. The scan reads lazily and does not modify the index;
// calling ScanUpTo again starts over.
func (x *Index) ScanUpTo(cutoff time.Time) (*IndexIterator, error) {
	it, err := x.rw.NewIterator(x.slot.indexFamily, nil, upperBoundFor(toMillis(cutoff)))
	if err != nil {
		return nil, fmt.Errorf("scan expiration index %s: %w", x.slot.name, err)
	}
	return &IndexIterator{it: it, slot: x.slot.name}, nil
}

// ForKey returns every expiration indexed for key, including entries left
// behind by superseded writes. The whole index of the slot is walked, so this
// is meant for diagnostics.
func (x *Index) ForKey(key []byte) ([]time.Time, error) {
	it, err := x.rw.NewIterator(x.slot.indexFamily, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("scan expiration index %s: %w", x.slot.name, err)
	}
	iter := &IndexIterator{it: it, slot: x.slot.name}
	defer iter.Close()

	var out []time.Time
	for iter.Next() {
		entry := iter.Entry()
		if bytes.Equal(entry.Key, key) {
			out = append(out, entry.Expiration)
		}
	}
	if err := iter.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// IndexIterator walks expiration index entries.
type IndexIterator struct {
	it    kv.Iterator
	slot  string
	entry IndexEntry
	ms    int64
	err   error
}

// Next advances to the next entry.
func (i *IndexIterator) Next() bool {
	if i.err != nil {
		return false
	}
	if !i.it.Next() {
		return false
	}
	ms, key, err := decodeIndexKey(i.it.Key())
	if err != nil {
		i.err = fmt.Errorf("expiration index %s: %w", i.slot, err)
		return false
	}
	i.ms = ms
	i.entry = IndexEntry{Expiration: fromMillis(ms), Key: key, Slot: i.slot}
	return true
}

// Entry returns the current entry.
func (i *IndexIterator) Entry() IndexEntry { return i.entry }

func (i *IndexIterator) millis() int64 { return i.ms }

// Err returns the first error encountered while iterating.
func (i *IndexIterator) Err() error {
	if i.err != nil {
		return i.err
	}
	return i.it.Err()
}

// Close releases the underlying iterator.
func (i *IndexIterator) Close() error {
	return i.it.Close()
}
