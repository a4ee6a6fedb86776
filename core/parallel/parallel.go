package parallel

import (
	"runtime"
	"sync"
)

// Workers returns the worker count to use: n when positive, otherwise the
// number of CPUs.
func Workers(n int) int {
	if n > 0 {
		return n
	}
	return runtime.NumCPU()
}

// chunks splits [0, items) into at most numWorkers contiguous ranges.
func chunks(items, numWorkers int) [][2]int {
	if numWorkers > items {
		numWorkers = items
	}
	if numWorkers < 1 {
		numWorkers = 1
	}
	chunkSize := (items + numWorkers - 1) / numWorkers

	out := make([][2]int, 0, numWorkers)
	for start := 0; start < items; start += chunkSize {
		end := start + chunkSize
		if end > items {
			end = items
		}
		out = append(out, [2]int{start, end})
	}
	return out
}

// Parallelize divides items into contiguous ranges, one per worker, and runs
// fn on each range concurrently. workers <= 0 means runtime.NumCPU().
func Parallelize(items, workers int, fn func(start, end int)) {
	if items == 0 {
		return
	}

	var wg sync.WaitGroup
	for _, c := range chunks(items, Workers(workers)) {
		wg.Add(1)
		go func(s, e int) {
			defer wg.Done()
			fn(s, e)
		}(c[0], c[1])
	}
	wg.Wait()
}

// ParallelizeWithThreshold runs fn sequentially on the whole range when
// items <= threshold and falls back to Parallelize otherwise.
func ParallelizeWithThreshold(items, threshold, workers int, fn func(start, end int)) {
	if items <= threshold {
		fn(0, items)
		return
	}
	Parallelize(items, workers, fn)
}

// ReduceSum evaluates fn on contiguous ranges and adds the per-range partial
// sums into a vector of length dim. Partial sums are merged in range order,
// so the result is bit-reproducible for a fixed worker count; different
// worker counts may differ in the last bits.
func ReduceSum(items, threshold, workers, dim int, fn func(start, end int, acc []float64)) []float64 {
	total := make([]float64, dim)
	if items == 0 {
		return total
	}
	if items <= threshold {
		fn(0, items, total)
		return total
	}

	ranges := chunks(items, Workers(workers))
	partial := make([][]float64, len(ranges))
	var wg sync.WaitGroup
	for k, c := range ranges {
		partial[k] = make([]float64, dim)
		wg.Add(1)
		go func(k, s, e int) {
			defer wg.Done()
			fn(s, e, partial[k])
		}(k, c[0], c[1])
	}
	wg.Wait()

	for _, p := range partial {
		for j, v := range p {
			total[j] += v
		}
	}
	return total
}
