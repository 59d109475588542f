package client

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/m-lab/speedcheck/pkg/model"
	"github.com/m-lab/speedcheck/pkg/streaming"
)

// Emitter is an interface for emitting progress and results.
type Emitter interface {
	// OnState is called on every state transition. index is the position
	// of the configuration being run in StateRunningConfig, -1 otherwise.
	OnState(state State, index int)
	// OnStart is called before a configuration runs.
	OnStart(test model.Test)
	// OnProgress is called with interim streaming throughput.
	OnProgress(p streaming.Progress)
	// OnComplete is called after a configuration succeeds.
	OnComplete(test model.Test)
	// OnError is called when a configuration fails.
	OnError(test model.Test, err error)
	// OnDebug is called to print debug information.
	OnDebug(msg string)
	// OnSummary is called once with the final summary.
	OnSummary(s model.Summary)
}

var spinner = []byte(`|/-\`)

// HumanReadable prints a progress line to Err and the final summary as
// indented JSON to Out. It can be configured to include debug output, too.
type HumanReadable struct {
	Debug bool
	Out   io.Writer
	Err   io.Writer

	frame int
}

func (e *HumanReadable) out() io.Writer {
	if e.Out == nil {
		return os.Stdout
	}
	return e.Out
}

func (e *HumanReadable) err() io.Writer {
	if e.Err == nil {
		return os.Stderr
	}
	return e.Err
}

func (e *HumanReadable) spin(msg string) {
	fmt.Fprintf(e.err(), "\r%c %-60s", spinner[e.frame%len(spinner)], msg)
	e.frame++
}

// OnState prints state transitions in debug mode.
func (e *HumanReadable) OnState(state State, index int) {
	e.OnDebug(fmt.Sprintf("state: %s (%d)", state, index))
}

// OnStart advances the progress line.
func (e *HumanReadable) OnStart(test model.Test) {
	e.spin(fmt.Sprintf("Running %s %s test...", test.Name(), test.Dir()))
}

// OnProgress prints the current streaming rate.
func (e *HumanReadable) OnProgress(p streaming.Progress) {
	e.spin(fmt.Sprintf("%s rate: %.2f Mb/s (%.1fs)", p.Direction, p.Mbps, p.Elapsed.Seconds()))
}

// OnComplete advances the progress line.
func (e *HumanReadable) OnComplete(test model.Test) {
	e.spin("Running speed test...")
}

// OnError prints the failed configuration.
func (e *HumanReadable) OnError(test model.Test, err error) {
	fmt.Fprintf(e.err(), "\r%s %s test failed: %v\n", test.Name(), test.Dir(), err)
}

// OnDebug is called to print debug information.
func (e *HumanReadable) OnDebug(msg string) {
	if e.Debug {
		fmt.Fprintf(e.err(), "\nDEBUG: %s\n", msg)
	}
}

// OnSummary prints the summary.
func (e *HumanReadable) OnSummary(s model.Summary) {
	fmt.Fprintln(e.err())
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		fmt.Fprintln(e.err(), err)
		return
	}
	fmt.Fprintln(e.out(), string(b))
}

// Silent discards everything.
type Silent struct{}

func (Silent) OnState(State, int)            {}
func (Silent) OnStart(model.Test)            {}
func (Silent) OnProgress(streaming.Progress) {}
func (Silent) OnComplete(model.Test)         {}
func (Silent) OnError(model.Test, error)     {}
func (Silent) OnDebug(string)                {}
func (Silent) OnSummary(model.Summary)       {}

// Checks that HumanReadable and Silent implement Emitter.
var (
	_ Emitter = &HumanReadable{}
	_ Emitter = Silent{}
)
