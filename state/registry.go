package state

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrInvalidSlot reports an unusable slot definition.
var ErrInvalidSlot = errors.New("state: invalid slot")

const (
	valueFamilyPrefix = "v/"
	indexFamilyPrefix = "ttl/"
	metaFamily        = "meta"
)

var (
	versionKey   = []byte("version")
	watermarkKey = []byte("watermark")
	layoutKey    = []byte("layout")
)

// SlotConfig declares one value slot. A zero TTL disables expiration.
type SlotConfig struct {
	Name string
	TTL  time.Duration
}

// Slot is a registered, immutable slot definition.
type Slot struct {
	name        string
	ttl         time.Duration
	valueFamily string
	indexFamily string
}

// Name returns the slot name.
func (s *Slot) Name() string { return s.name }

// TTL returns the configured time-to-live, or zero when disabled.
func (s *Slot) TTL() time.Duration { return s.ttl }

// HasTTL reports whether values in the slot expire.
func (s *Slot) HasTTL() bool { return s.ttl > 0 }

// Registry holds the slot definitions of one processing task. It is built
// once and never changes afterwards.
type Registry struct {
	slots  []*Slot
	byName map[string]*Slot
}

// NewRegistry validates cfgs and builds a registry in declaration order.
func NewRegistry(cfgs ...SlotConfig) (*Registry, error) {
	r := &Registry{byName: make(map[string]*Slot, len(cfgs))}
	for _, cfg := range cfgs {
		if err := validateSlotName(cfg.Name); err != nil {
			return nil, err
		}
		if _, exists := r.byName[cfg.Name]; exists {
			return nil, fmt.Errorf("%w: duplicate slot %q", ErrInvalidSlot, cfg.Name)
		}
		if cfg.TTL < 0 {
			return nil, fmt.Errorf("%w: slot %q has negative ttl %s", ErrInvalidSlot, cfg.Name, cfg.TTL)
		}
		if cfg.TTL > 0 && cfg.TTL < time.Millisecond {
			return nil, fmt.Errorf("%w: slot %q ttl %s is below millisecond resolution", ErrInvalidSlot, cfg.Name, cfg.TTL)
		}
		slot := &Slot{
			name:        cfg.Name,
			ttl:         cfg.TTL,
			valueFamily: valueFamilyPrefix + cfg.Name,
			indexFamily: indexFamilyPrefix + cfg.Name,
		}
		r.slots = append(r.slots, slot)
		r.byName[cfg.Name] = slot
	}
	return r, nil
}

func validateSlotName(name string) error {
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("%w: name must not be empty", ErrInvalidSlot)
	}
	if strings.ContainsAny(name, "/\x00") {
		return fmt.Errorf("%w: name %q must not contain '/' or NUL", ErrInvalidSlot, name)
	}
	return nil
}

// Lookup returns the slot registered under name.
func (r *Registry) Lookup(name string) (*Slot, bool) {
	slot, ok := r.byName[name]
	return slot, ok
}

// Slots returns every slot in declaration order.
func (r *Registry) Slots() []*Slot {
	out := make([]*Slot, len(r.slots))
	copy(out, r.slots)
	return out
}

// TTLSlots returns the slots whose values expire.
func (r *Registry) TTLSlots() []*Slot {
	out := make([]*Slot, 0, len(r.slots))
	for _, slot := range r.slots {
		if slot.HasTTL() {
			out = append(out, slot)
		}
	}
	return out
}

// Len returns the number of registered slots.
func (r *Registry) Len() int { return len(r.slots) }
