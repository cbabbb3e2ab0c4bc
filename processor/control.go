package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// Mode is the scheduling mode of the batch loop.
type Mode string

const (
	// ModeRun starts a batch every interval.
	ModeRun Mode = "run"
	// ModePause only starts batches on Step.
	ModePause Mode = "pause"
)

// ParseMode converts a string into a Mode.
func ParseMode(raw string) (Mode, error) {
	switch Mode(raw) {
	case ModeRun, ModePause:
		return Mode(raw), nil
	default:
		return "", fmt.Errorf("unknown mode %q", raw)
	}
}

// ControlStatus describes the scheduling state of the batch loop.
type ControlStatus struct {
	Mode        Mode          `json:"mode"`
	Interval    time.Duration `json:"interval"`
	IntervalMS  int64         `json:"interval_ms"`
	IntervalStr string        `json:"interval_text"`
}

type cycleController struct {
	mu       sync.RWMutex
	mode     Mode
	interval time.Duration
	notify   chan struct{}
	step     chan struct{}
}

func newCycleController(interval time.Duration) *cycleController {
	if interval <= 0 {
		interval = time.Second
	}
	return &cycleController{
		mode:     ModeRun,
		interval: interval,
		notify:   make(chan struct{}, 1),
		step:     make(chan struct{}, 1),
	}
}

// Wait blocks until the next batch is due.
func (c *cycleController) Wait(ctx context.Context) (time.Time, error) {
	for {
		c.mu.RLock()
		mode := c.mode
		interval := c.interval
		c.mu.RUnlock()

		switch mode {
		case ModeRun:
			timer := time.NewTimer(interval)
			select {
			case <-ctx.Done():
				if !timer.Stop() {
					<-timer.C
				}
				return time.Time{}, ctx.Err()
			case <-timer.C:
				return time.Now(), nil
			case <-c.step:
				if !timer.Stop() {
					<-timer.C
				}
				return time.Now(), nil
			case <-c.notify:
				if !timer.Stop() {
					<-timer.C
				}
				continue
			}
		case ModePause:
			select {
			case <-ctx.Done():
				return time.Time{}, ctx.Err()
			case <-c.step:
				return time.Now(), nil
			case <-c.notify:
				continue
			}
		default:
			return time.Time{}, errors.New("unknown control mode")
		}
	}
}

func (c *cycleController) SetMode(mode Mode) {
	c.mu.Lock()
	if c.mode == mode {
		c.mu.Unlock()
		return
	}
	c.mode = mode
	c.mu.Unlock()
	c.signal()
}

// Step triggers one batch immediately without changing the mode.
func (c *cycleController) Step() {
	select {
	case c.step <- struct{}{}:
	default:
	}
}

func (c *cycleController) SetInterval(d time.Duration) {
	if d <= 0 {
		d = time.Millisecond
	}
	c.mu.Lock()
	if c.interval == d {
		c.mu.Unlock()
		return
	}
	c.interval = d
	c.mu.Unlock()
	c.signal()
}

func (c *cycleController) Status() ControlStatus {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return ControlStatus{
		Mode:        c.mode,
		Interval:    c.interval,
		IntervalMS:  int64(c.interval / time.Millisecond),
		IntervalStr: c.interval.String(),
	}
}

func (c *cycleController) signal() {
	select {
	case c.notify <- struct{}{}:
	default:
	}
}
