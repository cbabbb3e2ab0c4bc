package rules

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/timzifer/keystate/config"
	"github.com/timzifer/keystate/kv/memory"
	"github.com/timzifer/keystate/state"
)

func newTask(t *testing.T, now time.Time, slots ...state.SlotConfig) *state.Task {
	t.Helper()
	registry, err := state.NewRegistry(slots...)
	require.NoError(t, err)
	task, err := state.NewTask(memory.New(), registry, state.ClockFunc(func() time.Time { return now }))
	require.NoError(t, err)
	return task
}

func TestApplyAccumulatesAndSkipsNil(t *testing.T) {
	engine, err := Compile([]config.SlotConfig{
		{Name: "total", Update: `has_previous ? num(previous) + num(value) : num(value)`},
		{Name: "last", Update: `value`},
		{Name: "big", Update: `num(value) > 10 ? value : nil`},
		{Name: "plain"},
	}, zerolog.New(io.Discard))
	require.NoError(t, err)
	require.Equal(t, 3, engine.Len())

	task := newTask(t, time.UnixMilli(0),
		state.SlotConfig{Name: "total"},
		state.SlotConfig{Name: "last", TTL: time.Minute},
		state.SlotConfig{Name: "big"},
		state.SlotConfig{Name: "plain"},
	)
	ctx := context.Background()
	b, err := task.Begin(ctx)
	require.NoError(t, err)
	for _, v := range []string{"4", "2.5", "12"} {
		require.NoError(t, engine.Apply(b, Input{Key: []byte("k"), Value: []byte(v)}))
	}
	_, err = b.Commit(ctx)
	require.NoError(t, err)

	view := task.View()
	defer view.Abort()
	expectValue(t, view, "total", "k", "18.5")
	expectValue(t, view, "last", "k", "12")
	expectValue(t, view, "big", "k", "12")

	plain, err := view.Slot("plain")
	require.NoError(t, err)
	_, found, err := plain.Get([]byte("k"))
	require.NoError(t, err)
	require.False(t, found)
}

func TestApplyExposesTimes(t *testing.T) {
	engine, err := Compile([]config.SlotConfig{
		{Name: "lag", Update: `now.Sub(event_time).Milliseconds()`},
		{Name: "who", Update: `key + ":" + value`},
	}, zerolog.Nop())
	require.NoError(t, err)

	task := newTask(t, time.UnixMilli(5000), state.SlotConfig{Name: "lag"}, state.SlotConfig{Name: "who"})
	ctx := context.Background()
	b, err := task.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, engine.Apply(b, Input{Key: []byte("a"), Value: []byte("x"), EventTime: time.UnixMilli(3000)}))
	_, err = b.Commit(ctx)
	require.NoError(t, err)

	view := task.View()
	defer view.Abort()
	expectValue(t, view, "lag", "a", "2000")
	expectValue(t, view, "who", "a", "a:x")
}

func TestCompileRejectsInvalidExpression(t *testing.T) {
	_, err := Compile([]config.SlotConfig{{Name: "bad", Update: "value +"}}, zerolog.Nop())
	require.Error(t, err)
}

func TestApplyRejectsUnsupportedResult(t *testing.T) {
	engine, err := Compile([]config.SlotConfig{{Name: "s", Update: `[1, 2]`}}, zerolog.Nop())
	require.NoError(t, err)
	task := newTask(t, time.UnixMilli(0), state.SlotConfig{Name: "s"})
	b, err := task.Begin(context.Background())
	require.NoError(t, err)
	defer b.Abort()
	require.Error(t, engine.Apply(b, Input{Key: []byte("k"), Value: []byte("v")}))
}

func TestToNumber(t *testing.T) {
	require.Equal(t, 1.5, toNumber(" 1.5 "))
	require.Equal(t, 3.0, toNumber(3))
	require.Equal(t, 1.0, toNumber(true))
	require.Equal(t, 0.0, toNumber(nil))
	require.True(t, toNumber("x") != toNumber("x"), "NaN expected")
}

func expectValue(t *testing.T, b *state.Batch, slot, key, want string) {
	t.Helper()
	s, err := b.Slot(slot)
	require.NoError(t, err)
	got, found, err := s.Get([]byte(key))
	require.NoError(t, err)
	require.True(t, found, "slot %s has no value", slot)
	require.Equal(t, want, string(got))
}
