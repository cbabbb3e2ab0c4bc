// Package rules evaluates per-slot update expressions against incoming
// records.
package rules

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
	"github.com/rs/zerolog"

	"github.com/timzifer/keystate/config"
	"github.com/timzifer/keystate/state"
)

// Input is one record as seen by an update expression.
type Input struct {
	Key       []byte
	Value     []byte
	EventTime time.Time
}

type rule struct {
	slot       string
	expression string
	program    *vm.Program
}

// Engine holds the compiled update expressions of every slot that has one.
type Engine struct {
	rules  []rule
	logger zerolog.Logger
}

// Compile builds an engine for slots. Slots without an update expression are
// skipped.
func Compile(slots []config.SlotConfig, logger zerolog.Logger) (*Engine, error) {
	e := &Engine{logger: logger.With().Str("component", "rules").Logger()}
	for _, slot := range slots {
		expression := strings.TrimSpace(slot.Update)
		if expression == "" {
			continue
		}
		program, err := expr.Compile(expression, expr.Env(map[string]interface{}{}), expr.AllowUndefinedVariables())
		if err != nil {
			return nil, fmt.Errorf("slot %s: compile update: %w", slot.Name, err)
		}
		e.rules = append(e.rules, rule{slot: slot.Name, expression: expression, program: program})
	}
	return e, nil
}

// Len returns the number of compiled expressions.
func (e *Engine) Len() int {
	if e == nil {
		return 0
	}
	return len(e.rules)
}

// Apply evaluates every expression for in and writes the results into b.
// An expression yielding nil leaves its slot untouched.
func (e *Engine) Apply(b *state.Batch, in Input) error {
	if e == nil {
		return nil
	}
	for _, r := range e.rules {
		slot, err := b.Slot(r.slot)
		if err != nil {
			return err
		}
		previous, found, err := slot.Get(in.Key)
		if err != nil {
			return err
		}
		env := map[string]interface{}{
			"key":          string(in.Key),
			"value":        string(in.Value),
			"previous":     nil,
			"has_previous": found,
			"event_time":   in.EventTime,
			"now":          b.Now(),
			"num":          toNumber,
		}
		if found {
			env["previous"] = string(previous)
		}
		result, err := vm.Run(r.program, env)
		if err != nil {
			return fmt.Errorf("slot %s: evaluate update: %w", r.slot, err)
		}
		if result == nil {
			continue
		}
		encoded, err := encodeResult(result)
		if err != nil {
			return fmt.Errorf("slot %s: %w", r.slot, err)
		}
		if err := slot.Put(in.Key, encoded); err != nil {
			return err
		}
		e.logger.Trace().Str("slot", r.slot).Bytes("key", in.Key).Bytes("value", encoded).Msg("slot updated")
	}
	return nil
}

func toNumber(v interface{}) float64 {
	switch n := v.(type) {
	case nil:
		return 0
	case int:
		return float64(n)
	case int64:
		return float64(n)
	case float64:
		return n
	case bool:
		if n {
			return 1
		}
		return 0
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return math.NaN()
		}
		return f
	default:
		return math.NaN()
	}
}

func encodeResult(v interface{}) ([]byte, error) {
	switch r := v.(type) {
	case string:
		return []byte(r), nil
	case []byte:
		return r, nil
	case bool:
		return []byte(strconv.FormatBool(r)), nil
	case int:
		return []byte(strconv.Itoa(r)), nil
	case int64:
		return []byte(strconv.FormatInt(r, 10)), nil
	case float64:
		return []byte(strconv.FormatFloat(r, 'f', -1, 64)), nil
	case time.Time:
		return []byte(r.UTC().Format(time.RFC3339Nano)), nil
	default:
		return nil, fmt.Errorf("unsupported update result %T", v)
	}
}
