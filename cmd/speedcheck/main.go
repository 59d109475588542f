// speedcheck measures download and upload speed, latency and jitter
// against a timed-transfer endpoint or a streaming (ndt7) server, and
// prints a JSON summary.
//
// Exit status: 0 if every test succeeded, 3 if some failed, 1 if none
// produced a result or the invocation was invalid.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"time"

	"github.com/charmbracelet/log"
	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/prometheusx"
	"github.com/m-lab/go/rtx"

	"github.com/m-lab/speedcheck/internal/persistence"
	"github.com/m-lab/speedcheck/pkg/client"
	"github.com/m-lab/speedcheck/pkg/metadata"
	"github.com/m-lab/speedcheck/pkg/model"
	sspec "github.com/m-lab/speedcheck/pkg/streaming/spec"
	"github.com/m-lab/speedcheck/pkg/timedtransfer"
	tspec "github.com/m-lab/speedcheck/pkg/timedtransfer/spec"
	"github.com/m-lab/speedcheck/pkg/version"
)

const (
	clientName = "speedcheck"

	typeCloudflare = "cloudflare"
	typeMLab       = "mlab"

	exitFailure = 1
	exitPartial = 3
)

var (
	flagType            = flagx.Enum{Options: []string{typeCloudflare, typeMLab}, Value: typeCloudflare}
	flagPlan            = flag.String("plan", "", "YAML test plan file, overrides -type")
	flagMegabits        = flag.Bool("megabits", false, "Record per-test speeds in Mbps instead of bps")
	flagBaseURL         = flag.String("base-url", tspec.DefaultBaseURL, "Timed-transfer endpoint")
	flagConnectTimeout  = flag.Duration("connect-timeout", tspec.DefaultConnectTimeout, "Timed-transfer connect timeout")
	flagResponseTimeout = flag.Duration("response-timeout", tspec.DefaultResponseTimeout, "Timed-transfer per-request timeout")
	flagServer          = flag.String("server", "", "Streaming server address (host:port); uses the Locate API if empty")
	flagScheme          = flag.String("scheme", sspec.DefaultScheme, "Websocket scheme (wss or ws)")
	flagNoVerify        = flag.Bool("no-verify", false, "Skip TLS certificate verification for streaming")
	flagDuration        = flag.Duration("duration", sspec.DefaultDuration, "Streaming test duration")
	flagChunkSize       = flag.Int("chunk-size", sspec.DefaultChunkSize, "Streaming upload frame size")
	flagMID             = flag.String("mid", "", "Measurement ID sent to streaming servers")
	flagGeoURL          = flag.String("geo-url", metadata.DefaultGeoURL, "Geolocation service base URL")
	flagGeoIPFile       = flag.String("geoip-file", "", "Optional MaxMind City database used when geolocation fails")
	flagSkipMetadata    = flag.Bool("skip-metadata", false, "Do not resolve client metadata")
	flagOutputDir       = flag.String("output.dir", "", "If set, write the run's result file under this directory")
	flagDebug           = flag.Bool("debug", false, "Print debug output")
)

func init() {
	flag.Var(&flagType, "type", "Test type: cloudflare (timed transfer) or mlab (streaming)")
}

func plan() model.TestPlan {
	if *flagPlan != "" {
		p, err := client.LoadPlan(*flagPlan)
		rtx.Must(err, "cannot load test plan %s", *flagPlan)
		return p
	}
	if flagType.Value == typeMLab {
		return model.StreamingPlan(*flagDuration, *flagChunkSize)
	}
	return model.DefaultPlan()
}

func isSet(name string) bool {
	set := false
	flag.Visit(func(f *flag.Flag) {
		if f.Name == name {
			set = true
		}
	})
	return set
}

func main() {
	flag.Parse()
	rtx.Must(flagx.ArgsFromEnv(flag.CommandLine), "cannot read arguments from environment")

	log.SetReportTimestamp(true)
	if *flagDebug {
		log.SetLevel(log.DebugLevel)
		log.SetReportCaller(true)
	}

	// Metrics are only useful if something scrapes them while we run.
	if isSet("prometheusx.listen-address") {
		promSrv := prometheusx.MustServeMetrics()
		defer promSrv.Close()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	c, err := client.New(clientName, version.Version, client.Config{
		TimedTransfer: timedtransfer.Config{
			BaseURL:         *flagBaseURL,
			ConnectTimeout:  *flagConnectTimeout,
			ResponseTimeout: *flagResponseTimeout,
		},
		Metadata: metadata.Config{
			GeoURL:    *flagGeoURL,
			GeoIPFile: *flagGeoIPFile,
		},
		SkipMetadata:  *flagSkipMetadata,
		Server:        *flagServer,
		Scheme:        *flagScheme,
		NoVerify:      *flagNoVerify,
		MeasurementID: *flagMID,
		Megabits:      *flagMegabits,
		Emitter:       &client.HumanReadable{Debug: *flagDebug},
	})
	rtx.Must(err, "cannot create client")

	start := time.Now()
	run, err := c.Run(ctx, plan())
	if run == nil {
		// Invalid plan.
		c.Close()
		rtx.Must(err, "cannot run tests")
	}
	c.Close()
	log.Debug("run complete", "id", run.ID, "status", run.Status,
		"failed", len(run.Failed), "elapsed", time.Since(start))

	if *flagOutputDir != "" {
		df, werr := persistence.WriteDataFile(*flagOutputDir, clientName, flagType.Value,
			run.ID, run.Archival())
		if werr != nil {
			log.Error("cannot write result file", "err", werr)
		} else {
			log.Info("result written", "path", df.Path)
		}
	}

	switch run.Status {
	case client.StatusFailed:
		log.Error("no test produced a result", "err", err)
		os.Exit(exitFailure)
	case client.StatusPartial:
		for _, f := range run.Failed {
			log.Warn("test failed", "name", f.Name, "direction", f.Direction, "err", f.Error)
		}
		os.Exit(exitPartial)
	}
}
