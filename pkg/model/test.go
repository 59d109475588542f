package model

import (
	"errors"
	"fmt"
	"time"
)

// LatencyTestName is the name of the timed-transfer configuration used to
// derive latency and jitter rather than throughput.
const LatencyTestName = "latency"

// Test is a single entry of a TestPlan. It is implemented only by TestSpec
// (HTTP timed transfer) and StreamSpec (WebSocket streaming transfer).
type Test interface {
	// Name returns the configuration's label.
	Name() string
	// Dir returns the configuration's direction.
	Dir() Direction
	// Validate returns an error if the configuration cannot be run.
	Validate() error

	isTest()
}

// TestSpec is a timed-transfer configuration: Iterations sequential
// request/response exchanges moving Size bytes each.
type TestSpec struct {
	Size       int64
	Iterations int
	Label      string
	Direction  Direction
}

// Name returns the configuration's label.
func (s TestSpec) Name() string { return s.Label }

// Dir returns the configuration's direction.
func (s TestSpec) Dir() Direction { return s.Direction }

// Bits returns the payload size in bits.
func (s TestSpec) Bits() int64 {
	return s.Size * 8
}

// IsLatency reports whether this configuration measures latency.
func (s TestSpec) IsLatency() bool {
	return s.Label == LatencyTestName
}

// Validate returns an error if the configuration cannot be run.
func (s TestSpec) Validate() error {
	if s.Label == "" {
		return errors.New("test name must be non-empty")
	}
	if s.Size < 0 {
		return fmt.Errorf("test %s: size must be >= 0", s.Label)
	}
	if s.Iterations <= 0 {
		return fmt.Errorf("test %s: iterations must be > 0", s.Label)
	}
	return s.Direction.Validate()
}

func (TestSpec) isTest() {}

// StreamSpec is a streaming configuration: one WebSocket connection held
// open for up to Duration, moving ChunkSize-byte frames.
type StreamSpec struct {
	Direction Direction
	Duration  time.Duration
	ChunkSize int
}

// StreamTestName is the label of streaming configurations.
const StreamTestName = "stream"

// Name returns the configuration's label.
func (s StreamSpec) Name() string { return StreamTestName }

// Dir returns the configuration's direction.
func (s StreamSpec) Dir() Direction { return s.Direction }

// Validate returns an error if the configuration cannot be run.
func (s StreamSpec) Validate() error {
	if s.Duration <= 0 {
		return errors.New("stream duration must be > 0")
	}
	if s.ChunkSize <= 0 {
		return errors.New("stream chunk size must be > 0")
	}
	return s.Direction.Validate()
}

func (StreamSpec) isTest() {}

// TestPlan is an ordered list of configurations. By convention the latency
// test comes first, then downloads, then uploads.
type TestPlan []Test

// Validate validates every entry of the plan.
func (p TestPlan) Validate() error {
	if len(p) == 0 {
		return errors.New("empty test plan")
	}
	for i, t := range p {
		if t == nil {
			return fmt.Errorf("plan entry %d is nil", i)
		}
		if err := t.Validate(); err != nil {
			return fmt.Errorf("plan entry %d: %w", i, err)
		}
	}
	return nil
}

// Names returns the labels of every configuration, in order.
func (p TestPlan) Names() []string {
	names := make([]string, 0, len(p))
	for _, t := range p {
		names = append(names, t.Name()+"_"+t.Dir().Short())
	}
	return names
}

var (
	// DownloadTests are the default timed-transfer downloads.
	DownloadTests = []TestSpec{
		{Size: 100_000, Iterations: 10, Label: "100kB", Direction: DirectionDownload},
		{Size: 1_000_000, Iterations: 8, Label: "1MB", Direction: DirectionDownload},
		{Size: 10_000_000, Iterations: 6, Label: "10MB", Direction: DirectionDownload},
		{Size: 25_000_000, Iterations: 4, Label: "25MB", Direction: DirectionDownload},
	}

	// UploadTests are the default timed-transfer uploads.
	UploadTests = []TestSpec{
		{Size: 100_000, Iterations: 8, Label: "100kB", Direction: DirectionUpload},
		{Size: 1_000_000, Iterations: 6, Label: "1MB", Direction: DirectionUpload},
		{Size: 10_000_000, Iterations: 4, Label: "10MB", Direction: DirectionUpload},
	}

	// LatencyTest is the default latency configuration.
	LatencyTest = TestSpec{Size: 1, Iterations: 20, Label: LatencyTestName, Direction: DirectionDownload}
)

// DefaultPlan returns the default timed-transfer plan: latency, downloads,
// uploads.
func DefaultPlan() TestPlan {
	plan := TestPlan{LatencyTest}
	for _, t := range DownloadTests {
		plan = append(plan, t)
	}
	for _, t := range UploadTests {
		plan = append(plan, t)
	}
	return plan
}

// StreamingPlan returns a streaming download followed by a streaming upload.
func StreamingPlan(duration time.Duration, chunkSize int) TestPlan {
	return TestPlan{
		StreamSpec{Direction: DirectionDownload, Duration: duration, ChunkSize: chunkSize},
		StreamSpec{Direction: DirectionUpload, Duration: duration, ChunkSize: chunkSize},
	}
}
