// Package timedtransfer implements the HTTP timed-transfer runner: a fixed
// number of sequential request/response exchanges of a fixed size, timed
// both by the client and by the server.
package timedtransfer

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/charmbracelet/log"
	"github.com/m-lab/speedcheck/pkg/model"
	"github.com/m-lab/speedcheck/pkg/timedtransfer/spec"
	"github.com/pkg/errors"
)

var (
	// ErrBadStatus is returned when the server answers with a non-2xx code.
	ErrBadStatus = errors.New("unexpected HTTP status")
	// ErrShortBody is returned when a download body is not the requested
	// size.
	ErrShortBody = errors.New("unexpected response body size")
)

// Config is the configuration for a Runner.
type Config struct {
	// BaseURL is the timed-transfer endpoint. Defaults to spec.DefaultBaseURL.
	BaseURL string

	// Network forces the address family used to connect ("tcp", "tcp4" or
	// "tcp6"). Defaults to "tcp".
	Network string

	// ConnectTimeout bounds connection establishment.
	ConnectTimeout time.Duration

	// ResponseTimeout bounds every single exchange, body included.
	ResponseTimeout time.Duration

	// UserAgent is sent with every request.
	UserAgent string
}

// Runner executes timed-transfer configurations against one endpoint.
type Runner struct {
	config  Config
	baseURL *url.URL
	client  *http.Client
}

// Meta is the client information returned by the meta endpoint.
type Meta struct {
	ClientIP       string `json:"clientIp"`
	ASN            int    `json:"asn"`
	ASOrganization string `json:"asOrganization"`
	Colo           string `json:"colo"`
	Country        string `json:"country"`
	City           string `json:"city"`
	Region         string `json:"region"`
}

// newTransport returns an http.Transport dialing over the given network.
// cf. https://go.googlesource.com/go/+/refs/tags/go1.22.1/src/net/http/transport.go#43
func newTransport(network string, dialTimeout time.Duration) *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: func(ctx context.Context, _, addr string) (net.Conn, error) {
			return (&net.Dialer{
				Timeout:   dialTimeout,
				KeepAlive: 30 * time.Second,
			}).DialContext(ctx, network, addr)
		},
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
	}
}

// New returns a Runner for the given configuration. Zero values are
// replaced with defaults.
func New(config Config) (*Runner, error) {
	if config.BaseURL == "" {
		config.BaseURL = spec.DefaultBaseURL
	}
	if config.Network == "" {
		config.Network = "tcp"
	}
	if config.ConnectTimeout == 0 {
		config.ConnectTimeout = spec.DefaultConnectTimeout
	}
	if config.ResponseTimeout == 0 {
		config.ResponseTimeout = spec.DefaultResponseTimeout
	}
	u, err := url.Parse(config.BaseURL)
	if err != nil {
		return nil, errors.Wrap(err, "invalid base URL")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid base URL scheme: %q", u.Scheme)
	}
	return &Runner{
		config:  config,
		baseURL: u,
		client: &http.Client{
			Transport: newTransport(config.Network, config.ConnectTimeout),
		},
	}, nil
}

func (r *Runner) endpoint(path string, query url.Values) string {
	u := *r.baseURL
	u.Path = u.Path + path
	if query != nil {
		u.RawQuery = query.Encode()
	}
	return u.String()
}

// Run executes spec.Iterations sequential exchanges and returns their
// timings. Any failure aborts the run: iterations are never retried.
func (r *Runner) Run(ctx context.Context, ts model.TestSpec) (*model.TimingSeries, error) {
	if err := ts.Validate(); err != nil {
		return nil, err
	}
	var (
		target string
		body   []byte
	)
	switch ts.Direction {
	case model.DirectionDownload:
		target = r.endpoint(spec.DownloadPath, url.Values{
			spec.BytesParam: {strconv.FormatInt(ts.Size, 10)},
		})
	case model.DirectionUpload:
		target = r.endpoint(spec.UploadPath, nil)
		body = make([]byte, ts.Size)
	}

	series := model.NewTimingSeries(ts.Iterations)
	for i := 0; i < ts.Iterations; i++ {
		full, server, request, err := r.iteration(ctx, ts, target, body)
		if err != nil {
			return series, errors.Wrapf(err, "%s %s iteration %d", ts.Label, ts.Direction, i)
		}
		series.Append(full, server, request)
		log.Debug("iteration complete", "test", ts.Label, "direction", ts.Direction,
			"i", i, "full", full, "server", server, "request", request)
	}
	return series, nil
}

// iteration runs a single exchange. It returns the full round trip, the
// server-reported time and the time to response headers, in seconds.
func (r *Runner) iteration(ctx context.Context, ts model.TestSpec, target string,
	body []byte) (float64, float64, float64, error) {
	timeout, cancel := context.WithTimeout(ctx, r.config.ResponseTimeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(timeout, ts.Direction.Method(), target, reader)
	if err != nil {
		return 0, 0, 0, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/octet-stream")
	}
	if r.config.UserAgent != "" {
		req.Header.Set("User-Agent", r.config.UserAgent)
	}

	start := time.Now()
	resp, err := r.client.Do(req)
	if err != nil {
		return 0, 0, 0, err
	}
	request := time.Since(start)
	n, err := io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	full := time.Since(start)
	if err != nil {
		return 0, 0, 0, errors.Wrap(err, "reading response body")
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return 0, 0, 0, errors.Wrapf(ErrBadStatus, "%s", resp.Status)
	}
	if ts.Direction == model.DirectionDownload && n != ts.Size {
		return 0, 0, 0, errors.Wrapf(ErrShortBody, "got %d bytes, want %d", n, ts.Size)
	}
	server, err := ParseServerTiming(resp.Header.Get(spec.ServerTimingHeader))
	if err != nil {
		return 0, 0, 0, err
	}
	return full.Seconds(), server, request.Seconds(), nil
}

// Metadata fetches the client information from the meta endpoint.
func (r *Runner) Metadata(ctx context.Context) (*Meta, error) {
	timeout, cancel := context.WithTimeout(ctx, r.config.ResponseTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(timeout, http.MethodGet, r.endpoint(spec.MetaPath, nil), nil)
	if err != nil {
		return nil, err
	}
	if r.config.UserAgent != "" {
		req.Header.Set("User-Agent", r.config.UserAgent)
	}
	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, errors.Wrapf(ErrBadStatus, "meta: %s", resp.Status)
	}
	meta := &Meta{}
	if err := json.NewDecoder(resp.Body).Decode(meta); err != nil {
		return nil, errors.Wrap(err, "cannot decode meta response")
	}
	return meta, nil
}
