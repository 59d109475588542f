package client

import (
	"time"

	"github.com/m-lab/speedcheck/pkg/model"
	"github.com/m-lab/speedcheck/pkg/stats"
	"github.com/m-lab/speedcheck/pkg/version"
)

// State is a state of the suite orchestrator.
type State int

const (
	// StateIdle is the state before anything runs.
	StateIdle State = iota
	// StateResolvingMetadata is the client metadata lookup.
	StateResolvingMetadata
	// StateRunningConfig is the execution of one plan entry.
	StateRunningConfig
	// StateAggregating is the computation of the pooled percentiles.
	StateAggregating
	// StateDone is the final state.
	StateDone
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateResolvingMetadata:
		return "resolving_metadata"
	case StateRunningConfig:
		return "running_config"
	case StateAggregating:
		return "aggregating"
	case StateDone:
		return "done"
	default:
		return "unknown"
	}
}

// Status is the outcome of a Run.
type Status string

const (
	// StatusComplete means every configuration succeeded.
	StatusComplete = Status("complete")
	// StatusPartial means some configurations failed but at least one
	// measurement was recorded.
	StatusPartial = Status("partial")
	// StatusFailed means no measurement could be recorded.
	StatusFailed = Status("failed")
)

// percentile is the percentile used to summarize pooled speeds.
const percentile = 0.9

// Run holds the state and results of one suite invocation.
type Run struct {
	ID        string
	StartTime time.Time
	EndTime   time.Time
	Plan      model.TestPlan
	Results   *model.SuiteResults
	Metadata  model.ClientMetadata
	Failed    []model.FailedTest
	Status    Status

	unit model.Unit
	// pooled holds every per-iteration speed (bps), per direction.
	pooled map[model.Direction][]float64
	// measurements counts the measurement metrics recorded.
	measurements int
}

func newRun(id string, plan model.TestPlan, unit model.Unit) *Run {
	return &Run{
		ID:        id,
		StartTime: time.Now(),
		Plan:      plan,
		Results:   model.NewSuiteResults(),
		unit:      unit,
		pooled:    map[model.Direction][]float64{},
	}
}

// speed converts a bps value to the run's unit.
func (r *Run) speed(bps float64) float64 {
	if r.unit == model.UnitMbps {
		return stats.ToMbps(bps)
	}
	return bps
}

func (r *Run) addMeasurement(m model.Metric, v float64) error {
	if err := r.Results.Add(model.CategoryTests, m, model.NewSample(v)); err != nil {
		return err
	}
	r.measurements++
	return nil
}

func (r *Run) addMeta(m model.Metric, v string) {
	if v == "" {
		return
	}
	// Fixed labels are always valid.
	r.Results.Add(model.CategoryMeta, m, model.NewTextSample(v))
}

func (r *Run) setMetadata(md model.ClientMetadata) {
	r.Metadata = md
	r.addMeta(model.MetricIP, md.IP)
	r.addMeta(model.MetricISP, md.ISP)
	r.addMeta(model.MetricLocationCode, md.LocationCode)
	r.addMeta(model.MetricLocationRegion, md.Region)
	r.addMeta(model.MetricLocationCountry, md.Country)
}

func (r *Run) fail(t model.Test, err error) {
	r.Failed = append(r.Failed, model.FailedTest{
		Name:      t.Name(),
		Direction: string(t.Dir()),
		Error:     err.Error(),
	})
}

// aggregate records the percentile of the pooled speeds of every direction
// that has any.
func (r *Run) aggregate() {
	for _, d := range []model.Direction{model.DirectionDownload, model.DirectionUpload} {
		speeds := r.pooled[d]
		if len(speeds) == 0 {
			continue
		}
		p, err := stats.Percentile(speeds, percentile)
		if err != nil {
			continue
		}
		r.Results.Add(model.CategoryTests, model.PercentileMetric(d, r.unit), model.NewSample(r.speed(p)))
	}
}

func (r *Run) finish() {
	r.EndTime = time.Now()
	switch {
	case len(r.Failed) == 0 && r.measurements > 0:
		r.Status = StatusComplete
	case r.measurements > 0:
		r.Status = StatusPartial
	default:
		r.Status = StatusFailed
	}
}

// lastValue returns the last value recorded for a test metric.
func (r *Run) lastValue(m model.Metric) (float64, bool) {
	s, ok := r.Results.Last(model.CategoryTests, m)
	return s.Value, ok
}

// mbps returns the summary rate of a direction in Mbps: the pooled
// percentile if any, the streaming mean otherwise.
func (r *Run) mbps(d model.Direction) (float64, bool) {
	if v, ok := r.lastValue(model.PercentileMetric(d, r.unit)); ok {
		if r.unit == model.UnitBps {
			v = stats.ToMbps(v)
		}
		return v, true
	}
	return r.lastValue(model.StreamMetric(d))
}

func orUnavailable(s string) string {
	if s == "" {
		return model.Unavailable
	}
	return s
}

// Summary returns the formatted summary of this run.
func (r *Run) Summary() model.Summary {
	down, downOK := r.mbps(model.DirectionDownload)
	up, upOK := r.mbps(model.DirectionUpload)
	latency, latencyOK := r.lastValue(model.MetricLatency)
	jitter, jitterOK := r.lastValue(model.MetricJitter)
	return model.Summary{
		Download:     model.FormatMbps(down, downOK),
		Upload:       model.FormatMbps(up, upOK),
		Latency:      model.FormatMs(latency, latencyOK),
		Jitter:       model.FormatMs(jitter, jitterOK),
		IP:           orUnavailable(r.Metadata.IP),
		ISP:          orUnavailable(r.Metadata.ISP),
		LocationCode: orUnavailable(r.Metadata.LocationCode),
		Region:       orUnavailable(r.Metadata.Region),
	}
}

// Archival returns the BigQuery-compatible record of this run.
func (r *Run) Archival() model.ArchivalData {
	return model.ArchivalData{
		GitShortCommit: version.GitShortCommit,
		Version:        version.Version,
		ID:             r.ID,
		StartTime:      r.StartTime,
		EndTime:        r.EndTime,
		Status:         string(r.Status),
		Plan:           r.Plan.Names(),
		Failed:         r.Failed,
		Samples:        r.Results.Flatten(),
		Summary:        r.Summary(),
	}
}
