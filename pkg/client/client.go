// Package client implements the suite orchestrator: it runs a TestPlan
// configuration by configuration through the timed-transfer or streaming
// runner and aggregates the results.
package client

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	ndt7model "github.com/m-lab/ndt-server/ndt7/model"
	"github.com/pkg/errors"

	"github.com/m-lab/speedcheck/internal/metrics"
	"github.com/m-lab/speedcheck/pkg/metadata"
	"github.com/m-lab/speedcheck/pkg/model"
	"github.com/m-lab/speedcheck/pkg/stats"
	"github.com/m-lab/speedcheck/pkg/streaming"
	"github.com/m-lab/speedcheck/pkg/timedtransfer"
	"github.com/m-lab/speedcheck/pkg/version"
)

const (
	libraryName = "speedcheck"

	protocolTimed  = "timedtransfer"
	protocolStream = "streaming"
)

var (
	// ErrTotalFailure is returned by Run when no configuration produced a
	// usable measurement.
	ErrTotalFailure = errors.New("every test configuration failed")

	libraryVersion = version.Version
)

type timedRunner interface {
	Run(ctx context.Context, ts model.TestSpec) (*model.TimingSeries, error)
}

type streamRunner interface {
	Run(ctx context.Context, serviceURL string, ss model.StreamSpec) (*streaming.Result, error)
}

type serverSource interface {
	URLs(ctx context.Context, d model.Direction) ([]string, error)
}

type resolver interface {
	Resolve(ctx context.Context) model.ClientMetadata
	Close() error
}

// Client runs test plans.
type Client struct {
	// ClientName is the name of the client sent to servers as part of the user-agent.
	ClientName string
	// ClientVersion is the version of the client sent to servers as part of the user-agent.
	ClientVersion string

	config Config

	timed    timedRunner
	stream   streamRunner
	servers  serverSource
	resolver resolver
}

// makeUserAgent creates the user agent string.
func makeUserAgent(clientName, clientVersion string) string {
	return clientName + "/" + clientVersion + " " + libraryName + "/" + libraryVersion
}

// New returns a new Client with the provided client name, version and config.
// It panics if clientName or clientVersion are empty.
func New(clientName, clientVersion string, config Config) (*Client, error) {
	if clientName == "" || clientVersion == "" {
		panic("client name and version must be non-empty")
	}
	if config.Emitter == nil {
		config.Emitter = Silent{}
	}
	if config.MeasurementID == "" {
		config.MeasurementID = uuid.NewString()
	}
	ua := makeUserAgent(clientName, clientVersion)

	config.TimedTransfer.UserAgent = ua
	timed, err := timedtransfer.New(config.TimedTransfer)
	if err != nil {
		return nil, err
	}
	c := &Client{
		ClientName:    clientName,
		ClientVersion: clientVersion,
		config:        config,
		timed:         timed,
	}
	c.stream = streaming.New(streaming.Config{
		UserAgent:     ua,
		MeasurementID: config.MeasurementID,
		NoVerify:      config.NoVerify,
		OnProgress:    config.Emitter.OnProgress,
		OnMeasurement: c.onMeasurement,
	})
	c.servers = streaming.NewServers(config.Server, config.Scheme, streaming.NewLocator(ua))
	if !config.SkipMetadata {
		config.Metadata.UserAgent = ua
		r, err := metadata.New(timed, config.Metadata)
		if err != nil {
			return nil, err
		}
		c.resolver = r
	}
	return c, nil
}

// Close releases the resources held by the metadata resolver.
func (c *Client) Close() error {
	if c.resolver != nil {
		return c.resolver.Close()
	}
	return nil
}

func (c *Client) onMeasurement(m ndt7model.Measurement) {
	if m.AppInfo != nil {
		c.config.Emitter.OnDebug(fmt.Sprintf("server measurement: %d bytes in %dus",
			m.AppInfo.NumBytes, m.AppInfo.ElapsedTime))
	}
}

func (c *Client) unit() model.Unit {
	if c.config.Megabits {
		return model.UnitMbps
	}
	return model.UnitBps
}

// Run runs every configuration of plan in order and returns the results.
// A failed configuration is recorded in Run.Failed and does not stop the
// suite. The returned error is ErrTotalFailure if nothing could be measured,
// or a validation error if plan is invalid.
func (c *Client) Run(ctx context.Context, plan model.TestPlan) (*Run, error) {
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	emitter := c.config.Emitter
	run := newRun(uuid.NewString(), plan, c.unit())
	emitter.OnState(StateIdle, -1)

	if c.resolver != nil {
		emitter.OnState(StateResolvingMetadata, -1)
		run.setMetadata(c.resolver.Resolve(ctx))
	}

	for i, t := range plan {
		if ctx.Err() != nil {
			run.fail(t, ctx.Err())
			continue
		}
		emitter.OnState(StateRunningConfig, i)
		emitter.OnStart(t)
		var err error
		switch t := t.(type) {
		case model.TestSpec:
			err = c.runTimed(ctx, run, t)
		case model.StreamSpec:
			err = c.runStream(ctx, run, t)
		default:
			err = fmt.Errorf("unsupported test type %T", t)
		}
		if err != nil {
			run.fail(t, err)
			emitter.OnError(t, err)
			continue
		}
		emitter.OnComplete(t)
	}

	emitter.OnState(StateAggregating, -1)
	run.aggregate()
	run.finish()
	emitter.OnState(StateDone, -1)
	emitter.OnSummary(run.Summary())
	if run.Status == StatusFailed {
		return run, ErrTotalFailure
	}
	return run, nil
}

func (c *Client) runTimed(ctx context.Context, run *Run, t model.TestSpec) error {
	dir := string(t.Direction)
	metrics.TestCount.WithLabelValues(protocolTimed, dir).Inc()
	err := c.recordTimed(ctx, run, t)
	if err != nil {
		metrics.TestErrors.WithLabelValues(protocolTimed, dir).Inc()
	}
	return err
}

func (c *Client) recordTimed(ctx context.Context, run *Run, t model.TestSpec) error {
	series, err := c.timed.Run(ctx, t)
	if err != nil {
		return err
	}
	if t.IsLatency() {
		res, err := stats.SummarizeLatency(series, t)
		if err != nil {
			return err
		}
		if err := run.addMeasurement(model.MetricLatency, stats.Round(res.Mean, 2)); err != nil {
			return err
		}
		if res.HasJitter {
			return run.addMeasurement(model.MetricJitter, stats.Round(res.Jitter, 2))
		}
		return nil
	}

	res, err := stats.SummarizeSpeed(series, t)
	if err != nil {
		return err
	}
	if err := run.addMeasurement(model.SpeedMetric(t, run.unit), run.speed(res.Mean)); err != nil {
		return err
	}
	run.pooled[t.Direction] = append(run.pooled[t.Direction], res.Speeds...)
	metrics.TestRate.WithLabelValues(protocolTimed, string(t.Direction)).Observe(res.Mean / 1e6)
	c.config.Emitter.OnDebug(fmt.Sprintf("%s %s: mean %.0f bps over %d iterations",
		t.Label, t.Direction, res.Mean, len(res.Speeds)))
	return nil
}

func (c *Client) runStream(ctx context.Context, run *Run, t model.StreamSpec) error {
	dir := string(t.Direction)
	metrics.TestCount.WithLabelValues(protocolStream, dir).Inc()
	err := c.recordStream(ctx, run, t)
	if err != nil {
		metrics.TestErrors.WithLabelValues(protocolStream, dir).Inc()
	}
	return err
}

func (c *Client) recordStream(ctx context.Context, run *Run, t model.StreamSpec) error {
	urls, err := c.servers.URLs(ctx, t.Direction)
	if err != nil {
		return err
	}
	var connErr error
	for _, serviceURL := range urls {
		c.config.Emitter.OnDebug("streaming to " + serviceURL)
		result, err := c.stream.Run(ctx, serviceURL, t)
		if errors.Is(err, streaming.ErrConnect) {
			c.config.Emitter.OnDebug(err.Error())
			connErr = err
			continue
		}
		if err != nil {
			return err
		}
		mbps, err := result.Throughput()
		if err != nil {
			return err
		}
		metrics.TestRate.WithLabelValues(protocolStream, string(t.Direction)).Observe(mbps)
		c.config.Emitter.OnDebug(fmt.Sprintf("%s stream: %d bytes (%d on the wire) in %v",
			t.Direction, result.Bytes, result.NetworkBytes, result.Elapsed))
		return run.addMeasurement(model.StreamMetric(t.Direction), stats.Round(mbps, 2))
	}
	// Every server refused the connection.
	return connErr
}
