package client

import (
	"testing"
	"time"

	"github.com/m-lab/go/testingx"

	"github.com/m-lab/speedcheck/pkg/model"
	"github.com/m-lab/speedcheck/pkg/streaming/spec"
)

func TestParseSize(t *testing.T) {
	tests := []struct {
		in      string
		want    Size
		wantErr bool
	}{
		{in: "1", want: 1},
		{in: "100kB", want: 100_000},
		{in: "1MB", want: 1_000_000},
		{in: "2.5 MB", want: 2_500_000},
		{in: "1GB", want: 1_000_000_000},
		{in: "8KiB", want: 8192},
		{in: "1MiB", want: 1 << 20},
		{in: "1GiB", want: 1 << 30},
		{in: "10b", want: 10},
		{in: "", wantErr: true},
		{in: "-1", wantErr: true},
		{in: "10XB", wantErr: true},
		{in: "MB", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseSize(tt.in)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseSize(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseSize(%q) = %d, want %d", tt.in, got, tt.want)
			}
		})
	}
}

func TestLoadPlan(t *testing.T) {
	plan, err := LoadPlan("testdata/plan.yaml")
	testingx.Must(t, err, "cannot load plan")

	want := model.TestPlan{
		model.TestSpec{Size: 1, Iterations: 20, Label: "latency", Direction: model.DirectionDownload},
		model.TestSpec{Size: 100_000, Iterations: 10, Label: "100kB", Direction: model.DirectionDownload},
		model.TestSpec{Size: 1_000_000, Iterations: 6, Label: "1MB", Direction: model.DirectionUpload},
		model.StreamSpec{Direction: model.DirectionDownload, Duration: 10 * time.Second, ChunkSize: 8192},
		model.StreamSpec{Direction: model.DirectionUpload, Duration: 2500 * time.Millisecond,
			ChunkSize: spec.DefaultChunkSize},
	}
	if len(plan) != len(want) {
		t.Fatalf("LoadPlan() returned %d entries, want %d", len(plan), len(want))
	}
	for i := range want {
		if plan[i] != want[i] {
			t.Errorf("entry %d = %+v, want %+v", i, plan[i], want[i])
		}
	}

	if _, err := LoadPlan("testdata/does-not-exist.yaml"); err == nil {
		t.Errorf("LoadPlan() with a missing file should fail")
	}
}

func TestParsePlan_Errors(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{name: "empty", data: "tests: []"},
		{name: "invalid-yaml", data: "tests: ["},
		{name: "invalid-direction", data: "tests:\n  - {name: x, size: 1, iterations: 1, direction: sideways}"},
		{name: "invalid-size", data: "tests:\n  - {name: x, size: 1XB, iterations: 1, direction: down}"},
		{name: "zero-iterations", data: "tests:\n  - {name: x, size: 1, iterations: 0, direction: down}"},
		{name: "missing-name", data: "tests:\n  - {size: 1, iterations: 1, direction: down}"},
		{name: "invalid-duration", data: "tests:\n  - stream: {direction: down, duration: forever}"},
		{name: "stream-direction", data: "tests:\n  - stream: {direction: sideways}"},
		{name: "non-scalar-size", data: "tests:\n  - {name: x, size: [1], iterations: 1, direction: down}"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := ParsePlan([]byte(tt.data)); err == nil {
				t.Errorf("ParsePlan() should fail")
			}
		})
	}
}
