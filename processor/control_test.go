package processor

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestCycleControllerStepInPauseMode(t *testing.T) {
	c := newCycleController(time.Hour)
	c.SetMode(ModePause)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	done := make(chan error, 1)
	go func() {
		_, err := c.Wait(ctx)
		done <- err
	}()

	c.Step()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Wait() error = %v", err)
		}
	case <-ctx.Done():
		t.Fatalf("step did not release Wait")
	}
}

func TestCycleControllerIntervalChangeWakesWaiter(t *testing.T) {
	c := newCycleController(time.Hour)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		if _, err := c.Wait(ctx); err != nil {
			t.Errorf("Wait() error = %v", err)
		}
		close(done)
	}()
	time.Sleep(10 * time.Millisecond)
	c.SetInterval(time.Millisecond)

	select {
	case <-done:
	case <-ctx.Done():
		t.Fatalf("interval change did not reschedule Wait")
	}
	status := c.Status()
	if status.Mode != ModeRun || status.IntervalMS != 1 || status.IntervalStr != "1ms" {
		t.Fatalf("unexpected status %+v", status)
	}
}

func TestCycleControllerWaitHonoursContext(t *testing.T) {
	c := newCycleController(time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := c.Wait(ctx); err == nil {
		t.Fatalf("expected context error")
	}
}

func TestParseMode(t *testing.T) {
	if mode, err := ParseMode("pause"); err != nil || mode != ModePause {
		t.Fatalf("ParseMode(pause) = %q, %v", mode, err)
	}
	if _, err := ParseMode("stop"); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
}

func TestRunPartitionsKeepsResultOrder(t *testing.T) {
	work := make([]partitionWork, 5)
	for i := range work {
		work[i] = partitionWork{partition: &Partition{ID: i}, records: i * 10}
	}
	var (
		mu      sync.Mutex
		running int
		peak    int
	)
	results := runPartitions(context.Background(), 2, work, func(_ context.Context, w partitionWork) PartitionResult {
		mu.Lock()
		running++
		if running > peak {
			peak = running
		}
		mu.Unlock()
		time.Sleep(time.Millisecond)
		mu.Lock()
		running--
		mu.Unlock()
		return PartitionResult{Partition: w.partition.ID, Records: w.records}
	})
	if len(results) != len(work) {
		t.Fatalf("got %d results, want %d", len(results), len(work))
	}
	for i, res := range results {
		if res.Partition != i || res.Records != i*10 {
			t.Fatalf("results[%d] = %+v", i, res)
		}
	}
	if peak > 2 {
		t.Fatalf("ran %d partitions at once with 2 workers", peak)
	}
}
