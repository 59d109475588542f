// Package stats reduces raw timing series into speeds, latencies, means,
// percentiles and jitter.
package stats

import (
	"errors"
	"fmt"
	"math"
	"sort"

	"github.com/m-lab/speedcheck/pkg/model"
	"gonum.org/v1/gonum/stat"
)

var (
	// ErrNoData is returned when a statistic is requested over no samples.
	ErrNoData = errors.New("no data")
	// ErrPercentile is returned for percentiles outside [0, 1].
	ErrPercentile = errors.New("percentile must be within [0, 1]")
	// ErrPartialSeries is returned when the timing series are not aligned.
	ErrPartialSeries = errors.New("partial timing series")
	// ErrNonPositiveDuration is returned when a speed would be computed over
	// a zero or negative duration.
	ErrNonPositiveDuration = errors.New("non-positive transfer duration")
)

// ToSpeeds returns one speed sample (bits/s) per iteration.
//
// Uploads use the server-reported time. Downloads use the full round trip
// minus the server-reported time, which isolates transfer time from server
// processing.
func ToSpeeds(series *model.TimingSeries, spec model.TestSpec) ([]float64, error) {
	if series == nil || !series.Aligned() {
		return nil, ErrPartialSeries
	}
	bits := float64(spec.Bits())
	speeds := make([]float64, 0, len(series.Server))
	for i, server := range series.Server {
		d := server
		if spec.Direction == model.DirectionDownload {
			d = series.Full[i] - server
		}
		if d <= 0 {
			return nil, fmt.Errorf("%s iteration %d: %w", spec.Label, i, ErrNonPositiveDuration)
		}
		speeds = append(speeds, bits/d)
	}
	return speeds, nil
}

// ToLatencies returns, per iteration, the request time not accounted for by
// server processing, in milliseconds.
func ToLatencies(series *model.TimingSeries) []float64 {
	if series == nil {
		return nil
	}
	n := series.Len()
	latencies := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		latencies = append(latencies, (series.Request[i]-series.Server[i])*1e3)
	}
	return latencies
}

// Jitter returns the mean absolute difference between consecutive latency
// values. It returns false when fewer than two values are given.
func Jitter(latencies []float64) (float64, bool) {
	if len(latencies) < 2 {
		return 0, false
	}
	deltas := make([]float64, 0, len(latencies)-1)
	for i := 1; i < len(latencies); i++ {
		deltas = append(deltas, math.Abs(latencies[i]-latencies[i-1]))
	}
	return stat.Mean(deltas, nil), true
}

// Mean returns the arithmetic mean of data.
func Mean(data []float64) (float64, error) {
	if len(data) == 0 {
		return 0, ErrNoData
	}
	return stat.Mean(data, nil), nil
}

// Percentile returns the p-th percentile of data, p in [0, 1]. The sorted
// index is (n-1)*p; fractional indexes interpolate linearly between the two
// neighbouring values. data is not modified.
func Percentile(data []float64, p float64) (float64, error) {
	if len(data) == 0 {
		return 0, ErrNoData
	}
	if p < 0 || p > 1 || math.IsNaN(p) {
		return 0, ErrPercentile
	}
	sorted := append([]float64(nil), data...)
	sort.Float64s(sorted)

	idx := float64(len(sorted)-1) * p
	lo := math.Floor(idx)
	rem := idx - lo
	i := int(lo)
	if rem == 0 || i+1 >= len(sorted) {
		return sorted[i], nil
	}
	return sorted[i] + (sorted[i+1]-sorted[i])*rem, nil
}

// Round rounds v to the given number of decimal places.
func Round(v float64, places int) float64 {
	scale := math.Pow(10, float64(places))
	return math.Round(v*scale) / scale
}

// ToMbps converts bits/s to Mbps rounded to two decimals.
func ToMbps(bps float64) float64 {
	return Round(bps/1e6, 2)
}
