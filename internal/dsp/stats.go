package dsp

import (
	"math"
	"sort"

	"gonum.org/v1/gonum/stat"
)

// Median returns the middle value of x, averaging the two central values
// for even lengths. It returns NaN for an empty slice. x is not modified.
func Median(x []float64) float64 {
	n := len(x)
	if n == 0 {
		return math.NaN()
	}
	s := make([]float64, n)
	copy(s, x)
	sort.Float64s(s)
	if n%2 == 1 {
		return s[n/2]
	}
	return (s[n/2-1] + s[n/2]) / 2
}

// PopStdDev returns the population standard deviation (divisor n).
func PopStdDev(x []float64) float64 {
	if len(x) == 0 {
		return math.NaN()
	}
	return stat.PopStdDev(x, nil)
}

// RobustSigma estimates the noise standard deviation of x from its median
// absolute deviation, which is insensitive to sparse large excursions.
func RobustSigma(x []float64) float64 {
	if len(x) == 0 {
		return math.NaN()
	}
	med := Median(x)
	dev := make([]float64, len(x))
	for i, v := range x {
		dev[i] = math.Abs(v - med)
	}
	return Median(dev) / 0.6745
}
