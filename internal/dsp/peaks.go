package dsp

import "sort"

// PeakOptions constrains FindPeaks.
type PeakOptions struct {
	// MinHeight discards peaks whose value is below it.
	MinHeight float64
	// MinDistance is the minimum index spacing between kept peaks; when
	// two peaks are closer the taller one wins.
	MinDistance int
}

// FindPeaks returns the ascending indices of local maxima in x. A flat top
// reports its middle sample. Edges are never peaks.
func FindPeaks(x []float64, opts PeakOptions) []int {
	var peaks []int
	for i := 1; i < len(x)-1; i++ {
		if x[i-1] >= x[i] {
			continue
		}
		// walk across a plateau
		j := i
		for j+1 < len(x)-1 && x[j+1] == x[i] {
			j++
		}
		if x[j+1] < x[i] {
			p := (i + j) / 2
			if x[p] >= opts.MinHeight {
				peaks = append(peaks, p)
			}
		}
		i = j
	}
	if opts.MinDistance <= 1 || len(peaks) < 2 {
		return peaks
	}

	// keep the tallest peaks first, removing lower neighbours
	order := make([]int, len(peaks))
	for i := range order {
		order[i] = i
	}
	sort.SliceStable(order, func(a, b int) bool {
		return x[peaks[order[a]]] > x[peaks[order[b]]]
	})
	keep := make([]bool, len(peaks))
	for i := range keep {
		keep[i] = true
	}
	for _, idx := range order {
		if !keep[idx] {
			continue
		}
		for k := idx - 1; k >= 0 && peaks[idx]-peaks[k] < opts.MinDistance; k-- {
			keep[k] = false
		}
		for k := idx + 1; k < len(peaks) && peaks[k]-peaks[idx] < opts.MinDistance; k++ {
			keep[k] = false
		}
	}
	out := peaks[:0]
	for i, p := range peaks {
		if keep[i] {
			out = append(out, p)
		}
	}
	return out
}
