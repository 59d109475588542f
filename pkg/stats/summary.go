package stats

import "github.com/m-lab/speedcheck/pkg/model"

// SpeedResult is the reduction of one throughput configuration.
type SpeedResult struct {
	// Speeds contains one sample per iteration, in bits/s.
	Speeds []float64
	// Mean is the mean of Speeds, in bits/s.
	Mean float64
}

// LatencyResult is the reduction of the latency configuration.
type LatencyResult struct {
	// Latencies contains one sample per iteration, in milliseconds.
	Latencies []float64
	// Mean is the mean latency, in milliseconds.
	Mean float64
	// Jitter is the mean absolute delta of consecutive latencies.
	Jitter float64
	// HasJitter is false when fewer than two latencies were collected.
	HasJitter bool
}

// SummarizeSpeed reduces a completed timing series to its speeds and mean.
func SummarizeSpeed(series *model.TimingSeries, spec model.TestSpec) (*SpeedResult, error) {
	if series == nil || !series.Complete(spec.Iterations) {
		return nil, ErrPartialSeries
	}
	speeds, err := ToSpeeds(series, spec)
	if err != nil {
		return nil, err
	}
	mean, err := Mean(speeds)
	if err != nil {
		return nil, err
	}
	return &SpeedResult{Speeds: speeds, Mean: mean}, nil
}

// SummarizeLatency reduces a completed timing series to latency and jitter.
func SummarizeLatency(series *model.TimingSeries, spec model.TestSpec) (*LatencyResult, error) {
	if series == nil || !series.Complete(spec.Iterations) {
		return nil, ErrPartialSeries
	}
	latencies := ToLatencies(series)
	mean, err := Mean(latencies)
	if err != nil {
		return nil, err
	}
	jitter, ok := Jitter(latencies)
	return &LatencyResult{
		Latencies: latencies,
		Mean:      mean,
		Jitter:    jitter,
		HasJitter: ok,
	}, nil
}
