// speedcheck-server is a reference server for speedcheck. It serves the
// timed-transfer endpoints and the ndt7-style streaming endpoints on the
// same mux.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"net"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/handlers"
	"github.com/m-lab/go/flagx"
	"github.com/m-lab/go/prometheusx"
	"github.com/m-lab/go/rtx"

	"github.com/m-lab/speedcheck/internal/handler"
	"github.com/m-lab/speedcheck/internal/netx"
	sspec "github.com/m-lab/speedcheck/pkg/streaming/spec"
)

var (
	flagCertFile          = flag.String("cert", "", "The file with server certificates in PEM format.")
	flagKeyFile           = flag.String("key", "", "The file with server key in PEM format.")
	flagEndpoint          = flag.String("wss_addr", ":4443", "Listen address/port for TLS connections")
	flagEndpointCleartext = flag.String("ws_addr", ":8080", "Listen address/port for cleartext connections")
	flagStreamDuration    = flag.Duration("stream.duration", sspec.DefaultDuration, "Duration of a streaming download")
	flagChunkSize         = flag.Int("stream.chunk-size", sspec.DefaultChunkSize, "Size of streaming download frames")
	flagColo              = flag.String("colo", "", "Location code reported by /meta")
	flagASOrganization    = flag.String("as-organization", "", "Network operator reported by /meta and /geo/")
	flagCountry           = flag.String("country", "", "Country reported by /meta and /geo/")
	flagCity              = flag.String("city", "", "City reported by /meta and /geo/")
	flagRegion            = flag.String("region", "", "Region reported by /meta and /geo/")
	flagTimezone          = flag.String("timezone", "", "Timezone reported by /geo/")
	flagAccessLog         = flag.Bool("access-log", true, "Write an access log line per request to stdout")
)

// httpServer creates a new *http.Server with explicit Read and Write
// timeouts, the provided address and handler, and an empty TLS configuration.
func httpServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:      addr,
		Handler:   handler,
		TLSConfig: &tls.Config{},
		// Streaming tests last a few seconds and timed uploads can be large,
		// but nothing legitimate needs a connection for more than a minute.
		ReadTimeout:  time.Minute,
		WriteTimeout: time.Minute,
	}
}

func listen(addr string) *netx.Listener {
	tcpl, err := net.Listen("tcp", addr)
	rtx.Must(err, "failed to create listener on %s", addr)
	return netx.NewListener(tcpl.(*net.TCPListener))
}

func main() {
	flag.Parse()
	rtx.Must(flagx.ArgsFromEnv(flag.CommandLine), "Could not read args from env")

	log.SetReportCaller(true)
	log.SetReportTimestamp(true)
	log.SetLevel(log.DebugLevel)

	promSrv := prometheusx.MustServeMetrics()
	defer promSrv.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt)
	defer cancel()

	h := handler.New(handler.Config{
		StreamDuration: *flagStreamDuration,
		ChunkSize:      *flagChunkSize,
		Colo:           *flagColo,
		ASOrganization: *flagASOrganization,
		Country:        *flagCountry,
		City:           *flagCity,
		Region:         *flagRegion,
		Timezone:       *flagTimezone,
	})
	mux := http.NewServeMux()
	h.Register(mux)
	var root http.Handler = mux
	if *flagAccessLog {
		root = handlers.LoggingHandler(os.Stdout, mux)
	}

	cleartext := httpServer(*flagEndpointCleartext, root)
	log.Info("About to listen for ws tests", "endpoint", *flagEndpointCleartext)
	l := listen(cleartext.Addr)
	defer l.Close()
	go func() {
		err := cleartext.Serve(l)
		if err != http.ErrServerClosed {
			rtx.Must(err, "Could not start cleartext server")
		}
	}()
	defer cleartext.Close()

	// Only start TLS-based services if certs and keys are provided
	if *flagCertFile != "" && *flagKeyFile != "" {
		tlsServer := httpServer(*flagEndpoint, root)
		log.Info("About to listen for wss tests", "endpoint", *flagEndpoint)
		tl := listen(tlsServer.Addr)
		defer tl.Close()
		go func() {
			err := tlsServer.ServeTLS(tl, *flagCertFile, *flagKeyFile)
			if err != http.ErrServerClosed {
				rtx.Must(err, "Could not start TLS server")
			}
		}()
		defer tlsServer.Close()
	}

	<-ctx.Done()
	log.Info("Shutting down")
}
