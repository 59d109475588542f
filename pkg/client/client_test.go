package client

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/m-lab/go/testingx"

	"github.com/m-lab/speedcheck/internal/handler"
	"github.com/m-lab/speedcheck/pkg/metadata"
	"github.com/m-lab/speedcheck/pkg/model"
	"github.com/m-lab/speedcheck/pkg/streaming"
	"github.com/m-lab/speedcheck/pkg/timedtransfer"
)

func TestNew(t *testing.T) {
	t.Run("new clients have the expected name and version", func(t *testing.T) {
		c, err := New("test", "v1.0.0", Config{SkipMetadata: true})
		testingx.Must(t, err, "cannot create client")
		if c.ClientName != "test" || c.ClientVersion != "v1.0.0" {
			t.Errorf("client.New() returned client with wrong name/version")
		}
		if c.config.MeasurementID == "" {
			t.Errorf("client.New() did not generate a measurement ID")
		}
	})
	t.Run("invalid base URL", func(t *testing.T) {
		_, err := New("test", "v1.0.0", Config{
			TimedTransfer: timedtransfer.Config{BaseURL: "ftp://example.com"},
		})
		if err == nil {
			t.Errorf("client.New() with an invalid base URL should fail")
		}
	})
	t.Run("invalid GeoIP file", func(t *testing.T) {
		_, err := New("test", "v1.0.0", Config{
			Metadata: metadata.Config{GeoIPFile: "testdata/missing.mmdb"},
		})
		if err == nil {
			t.Errorf("client.New() with a missing GeoIP file should fail")
		}
	})
}

func Test_makeUserAgent(t *testing.T) {
	got := makeUserAgent("clientname", "clientversion")
	expected := fmt.Sprintf("%s/%s %s/%s", "clientname", "clientversion",
		libraryName, libraryVersion)
	if got != expected {
		t.Errorf("makeUserAgent() = %s, want %s", got, expected)
	}
}

// fakeTimed returns full=0.5s, server=0.25s, request=0.375s for every
// iteration, or the configured error.
type fakeTimed struct {
	errs map[string]error
}

func (f *fakeTimed) Run(ctx context.Context, ts model.TestSpec) (*model.TimingSeries, error) {
	series := model.NewTimingSeries(ts.Iterations)
	if err := f.errs[ts.Label+"_"+ts.Direction.Short()]; err != nil {
		series.Append(0.5, 0.25, 0.375)
		return series, err
	}
	for i := 0; i < ts.Iterations; i++ {
		series.Append(0.5, 0.25, 0.375)
	}
	return series, nil
}

type fakeStream struct {
	results map[string]*streaming.Result
	errs    map[string]error
	urls    []string
}

func (f *fakeStream) Run(ctx context.Context, u string, ss model.StreamSpec) (*streaming.Result, error) {
	f.urls = append(f.urls, u)
	if err := f.errs[u]; err != nil {
		return nil, err
	}
	return f.results[u], nil
}

type fakeServers struct {
	urls map[model.Direction][]string
}

func (f *fakeServers) URLs(ctx context.Context, d model.Direction) ([]string, error) {
	if len(f.urls[d]) == 0 {
		return nil, streaming.ErrNoTargets
	}
	return append([]string(nil), f.urls[d]...), nil
}

type fakeResolver struct{}

func (fakeResolver) Resolve(ctx context.Context) model.ClientMetadata {
	return model.ClientMetadata{
		IP:           "192.0.2.1",
		ISP:          "Example AS",
		LocationCode: "MXP",
		Region:       model.RegionUnavailable,
	}
}

func (fakeResolver) Close() error { return nil }

type recordingEmitter struct {
	Silent
	states  []State
	errs    []string
	summary *model.Summary
}

func (e *recordingEmitter) OnState(s State, i int)          { e.states = append(e.states, s) }
func (e *recordingEmitter) OnError(t model.Test, err error) { e.errs = append(e.errs, t.Name()) }
func (e *recordingEmitter) OnSummary(s model.Summary)       { e.summary = &s }

func newTestClient(timed timedRunner, stream streamRunner, servers serverSource,
	megabits bool) (*Client, *recordingEmitter) {
	e := &recordingEmitter{}
	return &Client{
		ClientName:    "test",
		ClientVersion: "v0",
		config:        Config{Emitter: e, Megabits: megabits},
		timed:         timed,
		stream:        stream,
		servers:       servers,
		resolver:      fakeResolver{},
	}, e
}

var testPlan = model.TestPlan{
	model.TestSpec{Size: 1, Iterations: 3, Label: model.LatencyTestName, Direction: model.DirectionDownload},
	model.TestSpec{Size: 1_000_000, Iterations: 2, Label: "1MB", Direction: model.DirectionDownload},
	model.TestSpec{Size: 10_000_000, Iterations: 2, Label: "10MB", Direction: model.DirectionDownload},
	model.TestSpec{Size: 1_000_000, Iterations: 2, Label: "1MB", Direction: model.DirectionUpload},
}

func lastValue(t *testing.T, run *Run, m model.Metric) float64 {
	t.Helper()
	s, ok := run.Results.Last(model.CategoryTests, m)
	if !ok {
		t.Fatalf("metric %s missing", m)
	}
	return s.Value
}

func TestClient_Run(t *testing.T) {
	c, e := newTestClient(&fakeTimed{}, nil, nil, false)
	run, err := c.Run(context.Background(), testPlan)
	testingx.Must(t, err, "run failed")

	if run.Status != StatusComplete || len(run.Failed) != 0 {
		t.Fatalf("Status = %s, failed = %v", run.Status, run.Failed)
	}
	if got := lastValue(t, run, model.MetricLatency); got != 125 {
		t.Errorf("latency = %v, want 125", got)
	}
	if got := lastValue(t, run, model.MetricJitter); got != 0 {
		t.Errorf("jitter = %v, want 0", got)
	}
	if got := lastValue(t, run, "1MB_down_bps"); got != 32_000_000 {
		t.Errorf("1MB_down_bps = %v, want 3.2e7", got)
	}
	if got := lastValue(t, run, "10MB_down_bps"); got != 320_000_000 {
		t.Errorf("10MB_down_bps = %v, want 3.2e8", got)
	}
	if got := lastValue(t, run, "1MB_up_bps"); got != 32_000_000 {
		t.Errorf("1MB_up_bps = %v, want 3.2e7", got)
	}
	// Pooled download speeds: [3.2e7, 3.2e7, 3.2e8, 3.2e8]; index 2.7 -> 3.2e8.
	if got := lastValue(t, run, "90th_percentile_down_bps"); got != 320_000_000 {
		t.Errorf("90th_percentile_down_bps = %v, want 3.2e8", got)
	}
	if got := lastValue(t, run, "90th_percentile_up_bps"); got != 32_000_000 {
		t.Errorf("90th_percentile_up_bps = %v, want 3.2e7", got)
	}
	if s, ok := run.Results.Last(model.CategoryMeta, model.MetricIP); !ok || s.Text != "192.0.2.1" {
		t.Errorf("ip metadata = %+v", s)
	}

	want := model.Summary{
		Download:     "320.00 Mbps",
		Upload:       "32.00 Mbps",
		Latency:      "125.00 ms",
		Jitter:       "0.00 ms",
		IP:           "192.0.2.1",
		ISP:          "Example AS",
		LocationCode: "MXP",
		Region:       "NA",
	}
	if e.summary == nil || *e.summary != want {
		t.Errorf("summary = %+v, want %+v", e.summary, want)
	}
	wantStates := []State{StateIdle, StateResolvingMetadata, StateRunningConfig,
		StateRunningConfig, StateRunningConfig, StateRunningConfig, StateAggregating, StateDone}
	if fmt.Sprint(e.states) != fmt.Sprint(wantStates) {
		t.Errorf("states = %v, want %v", e.states, wantStates)
	}

	archival := run.Archival()
	if archival.ID != run.ID || archival.Status != "complete" || len(archival.Plan) != 4 ||
		len(archival.Samples) == 0 {
		t.Errorf("unexpected archival data: %+v", archival)
	}
}

func TestClient_RunMegabits(t *testing.T) {
	c, e := newTestClient(&fakeTimed{}, nil, nil, true)
	run, err := c.Run(context.Background(), testPlan)
	testingx.Must(t, err, "run failed")
	if got := lastValue(t, run, "1MB_down_mbps"); got != 32 {
		t.Errorf("1MB_down_mbps = %v, want 32", got)
	}
	if got := lastValue(t, run, "90th_percentile_up_mbps"); got != 32 {
		t.Errorf("90th_percentile_up_mbps = %v, want 32", got)
	}
	if e.summary.Download != "320.00 Mbps" {
		t.Errorf("summary download = %s", e.summary.Download)
	}
}

func TestClient_RunPartial(t *testing.T) {
	timed := &fakeTimed{errs: map[string]error{
		"10MB_down": errors.New("connection reset by peer"),
	}}
	c, e := newTestClient(timed, nil, nil, false)
	run, err := c.Run(context.Background(), testPlan)
	testingx.Must(t, err, "partial run should not return an error")

	if run.Status != StatusPartial {
		t.Errorf("Status = %s, want %s", run.Status, StatusPartial)
	}
	if len(run.Failed) != 1 || run.Failed[0].Name != "10MB" || run.Failed[0].Direction != "download" {
		t.Errorf("Failed = %+v", run.Failed)
	}
	if _, ok := run.Results.Last(model.CategoryTests, "10MB_down_bps"); ok {
		t.Errorf("failed configuration should have no metric")
	}
	// The failed configuration's speeds are not pooled.
	if got := lastValue(t, run, "90th_percentile_down_bps"); got != 32_000_000 {
		t.Errorf("90th_percentile_down_bps = %v, want 3.2e7", got)
	}
	if len(e.errs) != 1 {
		t.Errorf("OnError called %d times, want 1", len(e.errs))
	}
}

func TestClient_RunTotalFailure(t *testing.T) {
	errs := map[string]error{}
	for _, name := range testPlan.Names() {
		errs[name] = errors.New("unreachable")
	}
	c, e := newTestClient(&fakeTimed{errs: errs}, nil, nil, false)
	run, err := c.Run(context.Background(), testPlan)
	if !errors.Is(err, ErrTotalFailure) {
		t.Fatalf("Run() error = %v, want ErrTotalFailure", err)
	}
	if run.Status != StatusFailed || len(run.Failed) != len(testPlan) {
		t.Errorf("Status = %s, failed = %d", run.Status, len(run.Failed))
	}
	if e.summary.Download != model.Unavailable || e.summary.Latency != model.Unavailable {
		t.Errorf("summary = %+v", e.summary)
	}
}

func TestClient_RunStreaming(t *testing.T) {
	stream := &fakeStream{
		errs: map[string]error{
			"wss://a/ndt/v7/download": streaming.ErrConnect,
		},
		results: map[string]*streaming.Result{
			"wss://b/ndt/v7/download": {Direction: model.DirectionDownload, Bytes: 1000,
				Elapsed: time.Second, MeanMbps: 123.456, Valid: true},
			"wss://a/ndt/v7/upload": {Direction: model.DirectionUpload},
		},
	}
	servers := &fakeServers{urls: map[model.Direction][]string{
		model.DirectionDownload: {"wss://a/ndt/v7/download", "wss://b/ndt/v7/download"},
		model.DirectionUpload:   {"wss://a/ndt/v7/upload"},
	}}
	c, e := newTestClient(&fakeTimed{}, stream, servers, false)
	run, err := c.Run(context.Background(), model.StreamingPlan(time.Second, 8192))
	testingx.Must(t, err, "run failed")

	// Connection failures move on to the next server.
	if len(stream.urls) != 3 {
		t.Errorf("stream runner called with %v", stream.urls)
	}
	if got := lastValue(t, run, "stream_down_mbps"); got != 123.46 {
		t.Errorf("stream_down_mbps = %v, want 123.46", got)
	}
	// An upload with no data is a failure.
	if run.Status != StatusPartial || len(run.Failed) != 1 ||
		run.Failed[0].Error != streaming.ErrNoData.Error() {
		t.Errorf("Status = %s, failed = %+v", run.Status, run.Failed)
	}
	if e.summary.Download != "123.46 Mbps" || e.summary.Upload != model.Unavailable {
		t.Errorf("summary = %+v", e.summary)
	}
}

func TestClient_RunNoTargets(t *testing.T) {
	servers := &fakeServers{urls: map[model.Direction][]string{}}
	c, _ := newTestClient(&fakeTimed{}, &fakeStream{}, servers, false)
	run, err := c.Run(context.Background(), model.StreamingPlan(time.Second, 8192))
	if !errors.Is(err, ErrTotalFailure) {
		t.Fatalf("Run() error = %v, want ErrTotalFailure", err)
	}
	if run.Failed[0].Error != streaming.ErrNoTargets.Error() {
		t.Errorf("Failed = %+v", run.Failed)
	}
}

func TestClient_RunConnectFailure(t *testing.T) {
	connErr := fmt.Errorf("%w: b: connection refused", streaming.ErrConnect)
	stream := &fakeStream{
		errs: map[string]error{
			"wss://a/ndt/v7/download": fmt.Errorf("%w: a: connection refused", streaming.ErrConnect),
			"wss://b/ndt/v7/download": connErr,
		},
	}
	servers := &fakeServers{urls: map[model.Direction][]string{
		model.DirectionDownload: {"wss://a/ndt/v7/download", "wss://b/ndt/v7/download"},
	}}
	c, _ := newTestClient(&fakeTimed{}, stream, servers, false)
	plan := model.TestPlan{
		model.StreamSpec{Direction: model.DirectionDownload, Duration: time.Second, ChunkSize: 8192},
	}
	run, err := c.Run(context.Background(), plan)
	if !errors.Is(err, ErrTotalFailure) {
		t.Fatalf("Run() error = %v, want ErrTotalFailure", err)
	}
	// The last connection error is reported, not the end of the list.
	if len(run.Failed) != 1 || run.Failed[0].Error != connErr.Error() {
		t.Errorf("Failed = %+v, want %q", run.Failed, connErr)
	}
}

func TestClient_RunStreamingRepeated(t *testing.T) {
	result := &streaming.Result{Direction: model.DirectionDownload, Bytes: 1000,
		Elapsed: time.Second, MeanMbps: 8, Valid: true}
	stream := &fakeStream{
		results: map[string]*streaming.Result{"wss://a/ndt/v7/download": result},
	}
	servers := &fakeServers{urls: map[model.Direction][]string{
		model.DirectionDownload: {"wss://a/ndt/v7/download"},
	}}
	c, _ := newTestClient(&fakeTimed{}, stream, servers, false)
	stream2 := model.StreamSpec{Direction: model.DirectionDownload, Duration: time.Second, ChunkSize: 8192}
	plan := model.TestPlan{stream2, stream2}

	for i := 0; i < 2; i++ {
		run, err := c.Run(context.Background(), plan)
		testingx.Must(t, err, "run %d failed", i)
		if run.Status != StatusComplete {
			t.Errorf("run %d: Status = %s, failed = %+v", i, run.Status, run.Failed)
		}
		if got := len(run.Results.Get(model.CategoryTests, "stream_down_mbps")); got != 2 {
			t.Errorf("run %d: %d stream samples, want 2", i, got)
		}
	}
	if len(stream.urls) != 4 {
		t.Errorf("stream runner called %d times, want 4", len(stream.urls))
	}
}

func TestClient_RunCancelled(t *testing.T) {
	c, _ := newTestClient(&fakeTimed{}, nil, nil, false)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	run, err := c.Run(ctx, testPlan)
	if !errors.Is(err, ErrTotalFailure) {
		t.Fatalf("Run() error = %v, want ErrTotalFailure", err)
	}
	if len(run.Failed) != len(testPlan) {
		t.Errorf("Failed = %+v", run.Failed)
	}
}

func TestClient_RunInvalidPlan(t *testing.T) {
	c, _ := newTestClient(&fakeTimed{}, nil, nil, false)
	if _, err := c.Run(context.Background(), model.TestPlan{}); err == nil {
		t.Errorf("Run() with an empty plan should fail")
	}
}

func TestClient_RunReferenceServer(t *testing.T) {
	mux := http.NewServeMux()
	handler.New(handler.Config{
		StreamDuration: 500 * time.Millisecond,
		Colo:           "TST",
		ASOrganization: "Test AS",
		Region:         "Test Region",
	}).Register(mux)
	server := httptest.NewServer(mux)
	defer server.Close()
	u, err := url.Parse(server.URL)
	testingx.Must(t, err, "cannot parse server URL")

	c, err := New("test", "v0", Config{
		TimedTransfer: timedtransfer.Config{BaseURL: server.URL},
		Metadata:      metadata.Config{GeoURL: server.URL + handler.GeoPath},
		Server:        u.Host,
		Scheme:        "ws",
		Megabits:      true,
	})
	testingx.Must(t, err, "cannot create client")
	defer c.Close()

	plan := model.TestPlan{
		model.TestSpec{Size: 1, Iterations: 3, Label: model.LatencyTestName, Direction: model.DirectionDownload},
		model.TestSpec{Size: 100_000, Iterations: 2, Label: "100kB", Direction: model.DirectionDownload},
		model.TestSpec{Size: 100_000, Iterations: 2, Label: "100kB", Direction: model.DirectionUpload},
		model.StreamSpec{Direction: model.DirectionDownload, Duration: time.Second, ChunkSize: 8192},
		model.StreamSpec{Direction: model.DirectionUpload, Duration: 300 * time.Millisecond, ChunkSize: 8192},
	}
	run, err := c.Run(context.Background(), plan)
	testingx.Must(t, err, "run failed")
	if run.Status != StatusComplete {
		t.Fatalf("Status = %s, failed = %+v", run.Status, run.Failed)
	}
	for _, m := range []model.Metric{"latency", "jitter", "100kB_down_mbps", "100kB_up_mbps",
		"90th_percentile_down_mbps", "90th_percentile_up_mbps", "stream_down_mbps", "stream_up_mbps"} {
		if _, ok := run.Results.Last(model.CategoryTests, m); !ok {
			t.Errorf("metric %s missing", m)
		}
	}
	s := run.Summary()
	if s.IP != "127.0.0.1" || s.ISP != "Test AS" || s.LocationCode != "TST" || s.Region != "Test Region" {
		t.Errorf("summary metadata = %+v", s)
	}
}

func TestClient_RunReferenceServerTwice(t *testing.T) {
	mux := http.NewServeMux()
	handler.New(handler.Config{StreamDuration: 300 * time.Millisecond}).Register(mux)
	server := httptest.NewServer(mux)
	defer server.Close()
	u, err := url.Parse(server.URL)
	testingx.Must(t, err, "cannot parse server URL")

	c, err := New("test", "v0", Config{
		TimedTransfer: timedtransfer.Config{BaseURL: server.URL},
		SkipMetadata:  true,
		Server:        u.Host,
		Scheme:        "ws",
	})
	testingx.Must(t, err, "cannot create client")
	defer c.Close()

	down := model.StreamSpec{Direction: model.DirectionDownload, Duration: time.Second, ChunkSize: 8192}
	up := model.StreamSpec{Direction: model.DirectionUpload, Duration: 200 * time.Millisecond, ChunkSize: 8192}
	plans := []model.TestPlan{
		{down, up},
		{down, up},
		{down, down},
	}
	for i, plan := range plans {
		run, err := c.Run(context.Background(), plan)
		testingx.Must(t, err, "run %d failed", i)
		if run.Status != StatusComplete {
			t.Errorf("run %d: Status = %s, failed = %+v", i, run.Status, run.Failed)
		}
	}
}
