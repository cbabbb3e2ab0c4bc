package state

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// TimeMode selects the reference time used for TTL computation.
type TimeMode string

const (
	// ProcessingTime uses the wall clock at batch start.
	ProcessingTime TimeMode = "processing"
	// EventTime uses the current watermark.
	EventTime TimeMode = "event"
)

// ParseTimeMode converts a configuration string into a TimeMode. An empty
// string selects processing time.
func ParseTimeMode(raw string) (TimeMode, error) {
	switch TimeMode(strings.ToLower(strings.TrimSpace(raw))) {
	case "", ProcessingTime:
		return ProcessingTime, nil
	case EventTime:
		return EventTime, nil
	default:
		return "", fmt.Errorf("unsupported time mode %q", raw)
	}
}

// Clock supplies the reference time of a batch. It is queried exactly once
// when a batch begins.
type Clock interface {
	Now() time.Time
}

// ClockFunc adapts a function to the Clock interface.
type ClockFunc func() time.Time

func (f ClockFunc) Now() time.Time { return f() }

// WallClock returns a processing-time clock.
func WallClock() Clock {
	return ClockFunc(time.Now)
}

// Watermark tracks event-time progress and serves as the event-time Clock.
// The watermark is the largest observed event time minus the configured
// delay and never moves backwards. It starts at the Unix epoch.
type Watermark struct {
	mu      sync.Mutex
	delay   time.Duration
	current time.Time
}

// NewWatermark returns a watermark trailing observed event times by delay.
func NewWatermark(delay time.Duration) *Watermark {
	if delay < 0 {
		delay = 0
	}
	return &Watermark{delay: delay, current: time.UnixMilli(0)}
}

// Observe advances the watermark for an event seen at eventTime.
func (w *Watermark) Observe(eventTime time.Time) {
	if eventTime.IsZero() {
		return
	}
	candidate := eventTime.Add(-w.delay)
	w.mu.Lock()
	if candidate.After(w.current) {
		w.current = candidate
	}
	w.mu.Unlock()
}

// Set forces the watermark forward to t. Earlier values are ignored.
func (w *Watermark) Set(t time.Time) {
	w.mu.Lock()
	if t.After(w.current) {
		w.current = t
	}
	w.mu.Unlock()
}

// Delay returns the distance kept behind the largest observed event time.
func (w *Watermark) Delay() time.Duration { return w.delay }

// Now returns the current watermark.
func (w *Watermark) Now() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.current
}
