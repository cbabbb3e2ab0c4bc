package state

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestRegistryKeepsDeclarationOrder(t *testing.T) {
	r, err := NewRegistry(
		SlotConfig{Name: "last_seen", TTL: time.Hour},
		SlotConfig{Name: "total"},
		SlotConfig{Name: "session", TTL: 30 * time.Minute},
	)
	require.NoError(t, err)
	require.Equal(t, 3, r.Len())

	var names []string
	for _, s := range r.Slots() {
		names = append(names, s.Name())
	}
	require.Equal(t, []string{"last_seen", "total", "session"}, names)

	var ttl []string
	for _, s := range r.TTLSlots() {
		ttl = append(ttl, s.Name())
	}
	require.Equal(t, []string{"last_seen", "session"}, ttl)

	s, ok := r.Lookup("total")
	require.True(t, ok)
	require.False(t, s.HasTTL())
	require.Equal(t, valueFamilyPrefix+"total", s.valueFamily)

	_, ok = r.Lookup("missing")
	require.False(t, ok)
}

func TestRegistryRejectsInvalidSlots(t *testing.T) {
	cases := map[string][]SlotConfig{
		"empty name":      {{Name: " "}},
		"slash":           {{Name: "a/b"}},
		"nul":             {{Name: "a\x00"}},
		"duplicate":       {{Name: "a"}, {Name: "a", TTL: time.Second}},
		"negative ttl":    {{Name: "a", TTL: -time.Second}},
		"sub-millisecond": {{Name: "a", TTL: time.Microsecond}},
	}
	for name, cfgs := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := NewRegistry(cfgs...)
			require.ErrorIs(t, err, ErrInvalidSlot)
		})
	}
}

func TestRegistrySlotsReturnsCopy(t *testing.T) {
	r, err := NewRegistry(SlotConfig{Name: "a"})
	require.NoError(t, err)
	slots := r.Slots()
	slots[0] = nil
	require.NotNil(t, r.Slots()[0])
}
