package orchestrator

import "github.com/ZanzyTHEbar/hydrocompute/pkg/compute"

// Choose picks the data strategy of a step.
func Choose(functions int, hasDependencies, split bool) compute.SplitStrategy {
	switch {
	case hasDependencies:
		return compute.SplitGraph
	case functions == 1:
		return compute.SplitPassthrough
	case split:
		return compute.SplitPartition
	default:
		return compute.SplitBroadcast
	}
}

// Partition cuts data into exactly k pieces whose lengths sum to len(data).
func Partition(data []float64, k int, mode compute.PartitionMode) [][]float64 {
	if k <= 0 {
		return nil
	}
	if mode == compute.PartitionInterleaved {
		return Interleaved(data, k)
	}
	return Contiguous(data, k)
}

// Contiguous cuts data into k runs of ceil(len/k) elements; trailing pieces
// may be shorter or empty.
func Contiguous(data []float64, k int) [][]float64 {
	parts := make([][]float64, k)
	size := (len(data) + k - 1) / k
	for j := range parts {
		lo, hi := min(j*size, len(data)), min((j+1)*size, len(data))
		parts[j] = append([]float64(nil), data[lo:hi]...)
	}
	return parts
}

// Interleaved deals data round robin: piece j holds elements j, j+k, j+2k...
func Interleaved(data []float64, k int) [][]float64 {
	parts := make([][]float64, k)
	for j := range parts {
		parts[j] = make([]float64, 0, len(data)/k+1)
	}
	for i, v := range data {
		parts[i%k] = append(parts[i%k], v)
	}
	return parts
}

// Join concatenates pieces in order.
func Join(parts [][]float64) []float64 {
	n := 0
	for _, p := range parts {
		n += len(p)
	}
	out := make([]float64, 0, n)
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}
