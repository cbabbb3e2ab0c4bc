package state

import (
	"errors"
	"fmt"
	"time"

	"github.com/timzifer/keystate/kv"
)

// ValueState is one slot bound to the active batch. Every read and write goes
// through the batch's transaction, so writes become durable only when the
// batch commits, and reads observe earlier writes of the same batch.
type ValueState struct {
	slot  *Slot
	batch *Batch
	index *Index
}

// Name returns the slot name.
func (v *ValueState) Name() string { return v.slot.name }

// HasTTL reports whether the slot expires its values.
func (v *ValueState) HasTTL() bool { return v.slot.HasTTL() }

// Index returns the slot's expiration index, or nil for slots without TTL.
func (v *ValueState) Index() *Index { return v.index }

func (v *ValueState) load(key []byte) (storedValue, bool, error) {
	if err := v.batch.usable(); err != nil {
		return storedValue{}, false, err
	}
	raw, err := v.batch.txn.Get(v.slot.valueFamily, key)
	if err != nil {
		if errors.Is(err, kv.ErrNotFound) {
			return storedValue{}, false, nil
		}
		return storedValue{}, false, fmt.Errorf("read slot %s: %w", v.slot.name, err)
	}
	stored, err := decodeStoredValue(raw)
	if err != nil {
		return storedValue{}, false, fmt.Errorf("read slot %s: %w", v.slot.name, err)
	}
	return stored, true, nil
}

func (v *ValueState) expired(stored storedValue) bool {
	return v.slot.HasTTL() && stored.hasTTL && stored.expiration <= v.batch.nowMillis
}

// Get returns the value for key. Values of TTL slots whose expiration is at
// or before the batch time are reported absent even if not yet evicted.
func (v *ValueState) Get(key []byte) ([]byte, bool, error) {
	stored, ok, err := v.load(key)
	if err != nil || !ok {
		return nil, false, err
	}
	if v.expired(stored) {
		return nil, false, nil
	}
	return stored.value, true, nil
}

// GetIgnoringTTL returns the stored value regardless of its expiration.
func (v *ValueState) GetIgnoringTTL(key []byte) ([]byte, bool, error) {
	stored, ok, err := v.load(key)
	if err != nil || !ok {
		return nil, false, err
	}
	return stored.value, true, nil
}

// GetExpiration returns the current expiration of key, including values that
// have expired but were not evicted yet. Slots without TTL report absence.
func (v *ValueState) GetExpiration(key []byte) (time.Time, bool, error) {
	if !v.slot.HasTTL() {
		return time.Time{}, false, nil
	}
	stored, ok, err := v.load(key)
	if err != nil || !ok || !stored.hasTTL {
		return time.Time{}, false, err
	}
	return fromMillis(stored.expiration), true, nil
}

// ListAllExpirations returns every expiration indexed for key in ascending
// order, including dangling entries of superseded writes.
func (v *ValueState) ListAllExpirations(key []byte) ([]time.Time, error) {
	if v.index == nil {
		return nil, nil
	}
	if err := v.batch.usable(); err != nil {
		return nil, err
	}
	return v.index.ForKey(key)
}

// Put stores value for key. For TTL slots the expiration becomes batch time
// plus TTL; a previously indexed expiration that differs is retracted before
// the new one is inserted.
func (v *ValueState) Put(key, value []byte) error {
	if err := v.batch.writable(); err != nil {
		return err
	}
	if value == nil {
		value = []byte{}
	}
	if !v.slot.HasTTL() {
		v.batch.txn.Set(v.slot.valueFamily, key, encodeStoredValue(storedValue{value: value}))
		return nil
	}

	previous, exists, err := v.load(key)
	if err != nil {
		return err
	}
	expiration := v.batch.nowMillis + v.slot.ttl.Milliseconds()
	if exists && previous.hasTTL && previous.expiration != expiration {
		v.index.retractMillis(previous.expiration, key)
	}
	v.batch.txn.Set(v.slot.valueFamily, key, encodeStoredValue(storedValue{
		value:      value,
		expiration: expiration,
		hasTTL:     true,
	}))
	v.index.insertMillis(expiration, key)
	return nil
}

// Clear deletes the value for key together with its current index entry.
func (v *ValueState) Clear(key []byte) error {
	if err := v.batch.writable(); err != nil {
		return err
	}
	stored, exists, err := v.load(key)
	if err != nil || !exists {
		return err
	}
	if v.index != nil && stored.hasTTL {
		v.index.retractMillis(stored.expiration, key)
	}
	v.batch.txn.Delete(v.slot.valueFamily, key)
	return nil
}

// Entry is a diagnostic view of one stored value.
type Entry struct {
	Key        []byte
	Value      []byte
	Expiration time.Time
	HasTTL     bool
	Expired    bool
}

// ForEach visits every stored value of the slot in key order, including
// values that are expired but not yet evicted. Returning an error from fn
// stops the walk and is passed through.
func (v *ValueState) ForEach(fn func(Entry) error) error {
	if err := v.batch.usable(); err != nil {
		return err
	}
	it, err := v.batch.txn.NewIterator(v.slot.valueFamily, nil, nil)
	if err != nil {
		return fmt.Errorf("scan slot %s: %w", v.slot.name, err)
	}
	defer it.Close()
	for it.Next() {
		stored, err := decodeStoredValue(it.Value())
		if err != nil {
			return fmt.Errorf("scan slot %s: %w", v.slot.name, err)
		}
		entry := Entry{Key: kv.Clone(it.Key()), Value: stored.value, HasTTL: stored.hasTTL, Expired: v.expired(stored)}
		if stored.hasTTL {
			entry.Expiration = fromMillis(stored.expiration)
		}
		if err := fn(entry); err != nil {
			return err
		}
	}
	return it.Err()
}

// currentExpiration reports the indexed expiration of key as seen by the batch.
func (v *ValueState) currentExpiration(key []byte) (int64, bool, error) {
	stored, ok, err := v.load(key)
	if err != nil || !ok || !stored.hasTTL {
		return 0, false, err
	}
	return stored.expiration, true, nil
}
