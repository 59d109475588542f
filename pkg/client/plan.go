package client

import (
	"fmt"
	"math"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/m-lab/speedcheck/pkg/model"
	"github.com/m-lab/speedcheck/pkg/streaming/spec"
)

// Size is a number of bytes. In YAML it can be written as an integer or
// with a unit, e.g. "100kB", "1MB" or "8KiB".
type Size int64

var sizeRegexp = regexp.MustCompile(`^([0-9]+(?:\.[0-9]+)?)([a-z]+)?$`)

// ParseSize parses a size string such as "100kB" and returns bytes.
// Decimal (kB, MB, GB) and binary (KiB, MiB, GiB) units are supported.
func ParseSize(input string) (Size, error) {
	s := strings.ReplaceAll(strings.TrimSpace(strings.ToLower(input)), " ", "")
	match := sizeRegexp.FindStringSubmatch(s)
	if match == nil {
		return 0, fmt.Errorf("invalid size %q", input)
	}
	value, err := strconv.ParseFloat(match[1], 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q", input)
	}
	var mult float64
	switch match[2] {
	case "", "b":
		mult = 1
	case "kb":
		mult = 1e3
	case "mb":
		mult = 1e6
	case "gb":
		mult = 1e9
	case "kib":
		mult = 1 << 10
	case "mib":
		mult = 1 << 20
	case "gib":
		mult = 1 << 30
	default:
		return 0, fmt.Errorf("unknown size unit %q", match[2])
	}
	return Size(math.Round(value * mult)), nil
}

func (s *Size) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("size must be a scalar")
	}
	parsed, err := ParseSize(value.Value)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Duration accepts numbers (seconds) or duration strings such as "10s".
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be a scalar")
	}
	switch value.Tag {
	case "!!int", "!!float":
		var secs float64
		if err := value.Decode(&secs); err != nil {
			return err
		}
		*d = Duration(time.Duration(secs * float64(time.Second)))
		return nil
	default:
		var raw string
		if err := value.Decode(&raw); err != nil {
			return err
		}
		if raw == "" {
			*d = 0
			return nil
		}
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		*d = Duration(parsed)
		return nil
	}
}

type streamEntry struct {
	Direction string   `yaml:"direction"`
	Duration  Duration `yaml:"duration"`
	ChunkSize Size     `yaml:"chunk_size"`
}

type planEntry struct {
	Name       string       `yaml:"name"`
	Size       Size         `yaml:"size"`
	Iterations int          `yaml:"iterations"`
	Direction  string       `yaml:"direction"`
	Stream     *streamEntry `yaml:"stream"`
}

type planFile struct {
	Tests []planEntry `yaml:"tests"`
}

func (e planEntry) toTest() (model.Test, error) {
	if e.Stream != nil {
		d, err := model.ParseDirection(e.Stream.Direction)
		if err != nil {
			return nil, err
		}
		ss := model.StreamSpec{
			Direction: d,
			Duration:  time.Duration(e.Stream.Duration),
			ChunkSize: int(e.Stream.ChunkSize),
		}
		if ss.Duration == 0 {
			ss.Duration = spec.DefaultDuration
		}
		if ss.ChunkSize == 0 {
			ss.ChunkSize = spec.DefaultChunkSize
		}
		return ss, nil
	}
	d, err := model.ParseDirection(e.Direction)
	if err != nil {
		return nil, err
	}
	return model.TestSpec{
		Size:       int64(e.Size),
		Iterations: e.Iterations,
		Label:      e.Name,
		Direction:  d,
	}, nil
}

// ParsePlan parses a YAML test plan.
func ParsePlan(data []byte) (model.TestPlan, error) {
	var pf planFile
	if err := yaml.Unmarshal(data, &pf); err != nil {
		return nil, err
	}
	plan := make(model.TestPlan, 0, len(pf.Tests))
	for i, e := range pf.Tests {
		t, err := e.toTest()
		if err != nil {
			return nil, fmt.Errorf("plan entry %d: %w", i, err)
		}
		plan = append(plan, t)
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return plan, nil
}

// LoadPlan reads a YAML test plan from path.
func LoadPlan(path string) (model.TestPlan, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return ParsePlan(raw)
}
