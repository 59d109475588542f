package model

import (
	"errors"
	"strings"
	"unicode"
)

// Category groups metrics in SuiteResults.
type Category int

const (
	// CategoryTests holds measurement metrics.
	CategoryTests Category = iota
	// CategoryMeta holds client metadata.
	CategoryMeta
)

func (c Category) String() string {
	switch c {
	case CategoryTests:
		return "tests"
	case CategoryMeta:
		return "meta"
	default:
		return "unknown"
	}
}

// Unit selects the unit of speed metrics.
type Unit string

const (
	// UnitBps is bits per second.
	UnitBps = Unit("bps")
	// UnitMbps is megabits per second.
	UnitMbps = Unit("mbps")
)

// Metric is a metric label. Labels are unique within a category.
type Metric string

// Fixed metric labels.
const (
	MetricLatency         = Metric("latency")
	MetricJitter          = Metric("jitter")
	MetricIP              = Metric("ip")
	MetricISP             = Metric("isp")
	MetricLocationCode    = Metric("location_code")
	MetricLocationRegion  = Metric("location_region")
	MetricLocationCountry = Metric("location_country")
)

// SpeedMetric returns the label of a configuration's mean speed, e.g.
// "1MB_down_mbps".
func SpeedMetric(spec TestSpec, unit Unit) Metric {
	return Metric(spec.Label + "_" + spec.Direction.Short() + "_" + string(unit))
}

// PercentileMetric returns the label of the pooled 90th percentile speed for
// a direction, e.g. "90th_percentile_down_mbps".
func PercentileMetric(d Direction, unit Unit) Metric {
	return Metric("90th_percentile_" + d.Short() + "_" + string(unit))
}

// StreamMetric returns the label of a streaming configuration's mean
// throughput, e.g. "stream_up_mbps".
func StreamMetric(d Direction) Metric {
	return Metric(StreamTestName + "_" + d.Short() + "_" + string(UnitMbps))
}

// Validate returns an error for empty labels or labels with whitespace.
func (m Metric) Validate() error {
	if m == "" {
		return errors.New("empty metric label")
	}
	if strings.IndexFunc(string(m), unicode.IsSpace) >= 0 {
		return errors.New("metric label contains whitespace: " + string(m))
	}
	return nil
}

type metricSeries struct {
	order   []Metric
	samples map[Metric][]Sample
}

// SuiteResults maps category -> metric -> samples. Samples for a metric are
// kept in insertion order and are never removed.
type SuiteResults struct {
	categories map[Category]*metricSeries
}

// NewSuiteResults returns an empty SuiteResults.
func NewSuiteResults() *SuiteResults {
	return &SuiteResults{
		categories: map[Category]*metricSeries{
			CategoryTests: {samples: map[Metric][]Sample{}},
			CategoryMeta:  {samples: map[Metric][]Sample{}},
		},
	}
}

// Add appends s to the given metric.
func (r *SuiteResults) Add(c Category, m Metric, s Sample) error {
	if err := m.Validate(); err != nil {
		return err
	}
	series, ok := r.categories[c]
	if !ok {
		return errors.New("unknown category")
	}
	if _, ok := series.samples[m]; !ok {
		series.order = append(series.order, m)
	}
	series.samples[m] = append(series.samples[m], s)
	return nil
}

// Get returns a copy of the samples recorded for a metric.
func (r *SuiteResults) Get(c Category, m Metric) []Sample {
	series, ok := r.categories[c]
	if !ok {
		return nil
	}
	samples := series.samples[m]
	if samples == nil {
		return nil
	}
	return append([]Sample(nil), samples...)
}

// Last returns the most recent sample recorded for a metric.
func (r *SuiteResults) Last(c Category, m Metric) (Sample, bool) {
	series, ok := r.categories[c]
	if !ok {
		return Sample{}, false
	}
	samples := series.samples[m]
	if len(samples) == 0 {
		return Sample{}, false
	}
	return samples[len(samples)-1], true
}

// Metrics returns the labels recorded in a category, in insertion order.
func (r *SuiteResults) Metrics(c Category) []Metric {
	series, ok := r.categories[c]
	if !ok {
		return nil
	}
	return append([]Metric(nil), series.order...)
}

// Len returns the number of metrics recorded in a category.
func (r *SuiteResults) Len(c Category) int {
	series, ok := r.categories[c]
	if !ok {
		return 0
	}
	return len(series.order)
}

// Flatten returns every sample as an ArchivalSample, ordered by category,
// then metric insertion order, then sample insertion order.
func (r *SuiteResults) Flatten() []ArchivalSample {
	var out []ArchivalSample
	for _, c := range []Category{CategoryTests, CategoryMeta} {
		series := r.categories[c]
		for _, m := range series.order {
			for _, s := range series.samples[m] {
				out = append(out, ArchivalSample{
					Category:   c.String(),
					Metric:     string(m),
					Value:      s.Value,
					Text:       s.Text,
					CapturedAt: s.CapturedAt,
				})
			}
		}
	}
	return out
}
