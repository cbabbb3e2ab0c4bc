package state

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
)

// cancelCheckInterval is the number of index entries processed between
// context checks during eviction.
const cancelCheckInterval = 256

// SlotEviction summarises eviction work for one slot.
type SlotEviction struct {
	Slot string
	// Evicted counts values removed together with their current index entry.
	Evicted int
	// Stale counts index entries removed without touching a value because
	// they no longer matched the value's expiration.
	Stale int
}

// EvictionStats summarises one eviction pass.
type EvictionStats struct {
	Cutoff time.Time
	Slots  []SlotEviction
}

// Evicted returns the total number of evicted values.
func (s EvictionStats) Evicted() int {
	total := 0
	for _, slot := range s.Slots {
		total += slot.Evicted
	}
	return total
}

// Stale returns the total number of stale index entries removed.
func (s EvictionStats) Stale() int {
	total := 0
	for _, slot := range s.Slots {
		total += slot.Stale
	}
	return total
}

// Evictor removes expired values at batch boundaries.
type Evictor struct {
	registry *Registry
	logger   zerolog.Logger
}

// NewEvictor returns an evictor for every TTL slot of registry.
func NewEvictor(registry *Registry, logger zerolog.Logger) *Evictor {
	return &Evictor{registry: registry, logger: logger.With().Str("component", "evictor").Logger()}
}

// Run scans every TTL slot's index up to the batch time. An entry whose
// expiration still equals the value's current expiration evicts the value and
// the entry; any other entry is a leftover of a superseded or deleted value
// and only the entry is removed. All deletions are staged in the batch and
// commit with it.
func (e *Evictor) Run(ctx context.Context, b *Batch) (EvictionStats, error) {
	stats := EvictionStats{Cutoff: b.now}
	for _, slot := range e.registry.TTLSlots() {
		result, err := e.evictSlot(ctx, b, slot)
		if err != nil {
			return stats, err
		}
		stats.Slots = append(stats.Slots, result)
	}
	return stats, nil
}

func (e *Evictor) evictSlot(ctx context.Context, b *Batch, slot *Slot) (SlotEviction, error) {
	result := SlotEviction{Slot: slot.name}
	state, err := b.Slot(slot.name)
	if err != nil {
		return result, err
	}
	iter, err := state.index.ScanUpTo(b.now)
	if err != nil {
		return result, err
	}
	defer iter.Close()

	seen := 0
	for iter.Next() {
		seen++
		if seen%cancelCheckInterval == 0 {
			if err := ctx.Err(); err != nil {
				return result, err
			}
		}
		entry := iter.Entry()
		scanned := iter.millis()
		current, ok, err := state.currentExpiration(entry.Key)
		if err != nil {
			return result, fmt.Errorf("evict slot %s: %w", slot.name, err)
		}
		state.index.retractMillis(scanned, entry.Key)
		if ok && current == scanned {
			b.txn.Delete(slot.valueFamily, entry.Key)
			result.Evicted++
			continue
		}
		result.Stale++
		e.logger.Debug().
			Str("slot", slot.name).
			Int64("indexed_ms", scanned).
			Bool("value_present", ok).
			Int64("current_ms", current).
			Msg("removed stale expiration index entry")
	}
	if err := iter.Err(); err != nil {
		return result, fmt.Errorf("evict slot %s: %w", slot.name, err)
	}
	return result, nil
}
