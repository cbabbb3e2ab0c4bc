package processor

import (
	"context"
	"sync"
)

// runPartitions runs one batch per entry of work on at most workers
// goroutines. Results are indexed like work. Every entry runs: a cycle that
// started has to commit or abort all of its partitions, so callers pass a
// context that is not cancelled mid-cycle.
func runPartitions(ctx context.Context, workers int, work []partitionWork, run func(context.Context, partitionWork) PartitionResult) []PartitionResult {
	results := make([]PartitionResult, len(work))
	if workers <= 1 || len(work) <= 1 {
		for i, w := range work {
			results[i] = run(ctx, w)
		}
		return results
	}
	if workers > len(work) {
		workers = len(work)
	}

	queue := make(chan int)
	var wg sync.WaitGroup
	for n := 0; n < workers; n++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range queue {
				results[i] = run(ctx, work[i])
			}
		}()
	}
	for i := range work {
		queue <- i
	}
	close(queue)
	wg.Wait()
	return results
}
