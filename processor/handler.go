package processor

import (
	"context"

	"github.com/timzifer/keystate/internal/rules"
	"github.com/timzifer/keystate/state"
)

// Handler processes the records of one grouping key inside a batch.
// Records arrive in input order.
type Handler interface {
	Handle(ctx context.Context, b *state.Batch, key []byte, records []Record) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, b *state.Batch, key []byte, records []Record) error

// Handle implements Handler.
func (f HandlerFunc) Handle(ctx context.Context, b *state.Batch, key []byte, records []Record) error {
	return f(ctx, b, key, records)
}

type rulesHandler struct {
	engine *rules.Engine
}

func (h rulesHandler) Handle(_ context.Context, b *state.Batch, key []byte, records []Record) error {
	for _, rec := range records {
		if err := h.engine.Apply(b, rules.Input{Key: key, Value: rec.Value, EventTime: rec.EventTime}); err != nil {
			return err
		}
	}
	return nil
}

type chainHandler []Handler

func (c chainHandler) Handle(ctx context.Context, b *state.Batch, key []byte, records []Record) error {
	for _, h := range c {
		if err := h.Handle(ctx, b, key, records); err != nil {
			return err
		}
	}
	return nil
}
