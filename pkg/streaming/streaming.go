// Package streaming implements the WebSocket streaming runner: a single
// connection held open for a bounded time while one side sends binary
// frames as fast as possible.
package streaming

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/url"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"github.com/m-lab/ndt-server/ndt7/model"
	"github.com/pkg/errors"

	"github.com/m-lab/speedcheck/internal/netx"
	smodel "github.com/m-lab/speedcheck/pkg/model"
	"github.com/m-lab/speedcheck/pkg/streaming/spec"
)

var (
	// ErrNoData is returned by Result.Throughput when nothing was transferred.
	ErrNoData = errors.New("no data transferred")
	// ErrConnect is returned when the WebSocket connection cannot be
	// established. Callers may try another server.
	ErrConnect = errors.New("cannot connect")
)

// Progress is an interim throughput observation.
type Progress struct {
	Direction smodel.Direction
	Elapsed   time.Duration
	Bytes     int64
	Mbps      float64
}

// Result is the outcome of one streaming transfer.
type Result struct {
	Direction smodel.Direction
	// Server is the host the transfer ran against.
	Server string
	// Bytes is the number of application-level payload bytes transferred.
	Bytes int64
	// NetworkBytes is the number of bytes transferred on the wire in the
	// measured direction, framing and TLS included.
	NetworkBytes int64
	// Elapsed is the actual wall-clock duration of the transfer.
	Elapsed time.Duration
	// MeanMbps is Bytes*8/1e6/Elapsed. Zero when !Valid.
	MeanMbps float64
	// Valid is false if no bytes moved or no time elapsed.
	Valid bool
	// Interrupted is true if the context was cancelled before the transfer
	// ended on its own.
	Interrupted bool
}

// Throughput returns the mean throughput in Mbps, or ErrNoData.
func (r *Result) Throughput() (float64, error) {
	if !r.Valid {
		return 0, ErrNoData
	}
	return r.MeanMbps, nil
}

// Config is the configuration for a Runner.
type Config struct {
	// UserAgent is sent during the WebSocket handshake.
	UserAgent string

	// MeasurementID is sent to the server as the "mid" query parameter,
	// unless the URL already carries one.
	MeasurementID string

	// NoVerify disables TLS certificate verification.
	NoVerify bool

	// OnProgress, if set, receives interim throughput samples.
	OnProgress func(Progress)

	// OnMeasurement, if set, receives the server's text measurements.
	OnMeasurement func(model.Measurement)
}

// Runner runs streaming transfers.
type Runner struct {
	config Config
}

// New returns a new Runner.
func New(config Config) *Runner {
	return &Runner{config: config}
}

// transfer holds the state of one running transfer.
type transfer struct {
	conn       *websocket.Conn
	spec       smodel.StreamSpec
	start      time.Time
	lastSample time.Time
	bytes      int64
	onProgress func(Progress)
	// end is set when the transfer stops, if that happens before the
	// connection is torn down.
	end time.Time
}

func (t *transfer) sample() {
	now := time.Now()
	if now.Sub(t.lastSample) <= spec.SamplingInterval {
		return
	}
	t.lastSample = now
	if t.onProgress == nil {
		return
	}
	elapsed := now.Sub(t.start)
	t.onProgress(Progress{
		Direction: t.spec.Direction,
		Elapsed:   elapsed,
		Bytes:     t.bytes,
		Mbps:      mbps(t.bytes, elapsed),
	})
}

func mbps(bytes int64, elapsed time.Duration) float64 {
	if elapsed <= 0 {
		return 0
	}
	return float64(bytes) * 8 / 1e6 / elapsed.Seconds()
}

func (r *Runner) connect(ctx context.Context, serviceURL *url.URL) (*websocket.Conn, *netx.Dialer, error) {
	q := serviceURL.Query()
	if r.config.MeasurementID != "" && q.Get("mid") == "" {
		q.Set("mid", r.config.MeasurementID)
		serviceURL.RawQuery = q.Encode()
	}
	netDialer := &netx.Dialer{
		Dialer: net.Dialer{Timeout: spec.HandshakeTimeout},
	}
	dialer := &websocket.Dialer{
		HandshakeTimeout: spec.HandshakeTimeout,
		NetDialContext:   netDialer.DialContext,
		TLSClientConfig:  &tls.Config{InsecureSkipVerify: r.config.NoVerify},
		ReadBufferSize:   spec.BufferSize,
		WriteBufferSize:  spec.BufferSize,
	}
	headers := http.Header{}
	headers.Add("Sec-WebSocket-Protocol", spec.SecWebSocketProtocol)
	if r.config.UserAgent != "" {
		headers.Add("User-Agent", r.config.UserAgent)
	}
	conn, _, err := dialer.DialContext(ctx, serviceURL.String(), headers)
	if err != nil {
		return nil, nil, errors.Wrapf(ErrConnect, "%s: %v", serviceURL.Host, err)
	}
	conn.SetReadLimit(spec.MaxMessageSize)
	return conn, netDialer, nil
}

// Run runs the streaming transfer described by ss against serviceURL, which
// must be the full ws:// or wss:// URL of the download or upload endpoint.
//
// A download lasts until the server closes the connection. An upload lasts
// until ss.Duration has elapsed or the server closes the connection. If ctx
// is cancelled, the transfer stops and the partial result is returned with
// Interrupted set.
func (r *Runner) Run(ctx context.Context, serviceURL string, ss smodel.StreamSpec) (*Result, error) {
	if err := ss.Validate(); err != nil {
		return nil, err
	}
	u, err := url.Parse(serviceURL)
	if err != nil {
		return nil, errors.Wrap(err, "invalid service URL")
	}
	conn, dialer, err := r.connect(ctx, u)
	if err != nil {
		return nil, err
	}
	defer conn.Close()
	log.Debug("connected", "server", u.Host, "direction", ss.Direction)

	// Unblock pending reads and writes when the context is cancelled.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			now := time.Now()
			conn.SetReadDeadline(now)
			conn.SetWriteDeadline(now)
		case <-done:
		}
	}()

	now := time.Now()
	t := &transfer{
		conn:       conn,
		spec:       ss,
		start:      now,
		lastSample: now,
		onProgress: r.config.OnProgress,
	}
	switch ss.Direction {
	case smodel.DirectionDownload:
		err = r.receive(ctx, t)
	case smodel.DirectionUpload:
		err = r.send(ctx, t)
	}
	elapsed := time.Since(t.start)
	if !t.end.IsZero() {
		elapsed = t.end.Sub(t.start)
	}

	interrupted := ctx.Err() != nil
	if err != nil && !interrupted {
		return nil, err
	}

	result := &Result{
		Direction:   ss.Direction,
		Server:      u.Host,
		Bytes:       t.bytes,
		Elapsed:     elapsed,
		Interrupted: interrupted,
	}
	if c := dialer.Last(); c != nil {
		read, written := c.ByteCounters()
		if ss.Direction == smodel.DirectionDownload {
			result.NetworkBytes = int64(read)
		} else {
			result.NetworkBytes = int64(written)
		}
	}
	if t.bytes > 0 && elapsed > 0 {
		result.Valid = true
		result.MeanMbps = mbps(t.bytes, elapsed)
	}
	return result, nil
}

func isRemoteClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure,
		websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
}

// isPeerGone reports whether err means the server went away without a
// closing handshake.
func isPeerGone(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseAbnormalClosure) ||
		errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET)
}

// endsTransfer reports whether err is the server ending the transfer. An
// abrupt disconnection only counts once some data has moved; before that
// it is a failure.
func (t *transfer) endsTransfer(err error) bool {
	return isRemoteClose(err) || (t.bytes > 0 && isPeerGone(err))
}

// receive reads frames until the server closes the connection. Only binary
// frames are counted.
func (r *Runner) receive(ctx context.Context, t *transfer) error {
	for {
		t.conn.SetReadDeadline(time.Now().Add(spec.ReadTimeout))
		if ctx.Err() != nil {
			return nil
		}
		kind, reader, err := t.conn.NextReader()
		if err != nil {
			if t.endsTransfer(err) {
				return nil
			}
			return errors.Wrap(err, "read failed")
		}
		switch kind {
		case websocket.BinaryMessage:
			n, err := io.Copy(io.Discard, reader)
			t.bytes += n
			if err != nil {
				if t.endsTransfer(err) {
					return nil
				}
				return errors.Wrap(err, "read failed")
			}
		case websocket.TextMessage:
			data, err := io.ReadAll(reader)
			if err != nil {
				return errors.Wrap(err, "read failed")
			}
			r.onMeasurement(data)
		}
		t.sample()
	}
}

func (r *Runner) onMeasurement(data []byte) {
	var m model.Measurement
	if err := json.Unmarshal(data, &m); err != nil {
		log.Debug("ignoring invalid text message", "err", err)
		return
	}
	if r.config.OnMeasurement != nil {
		r.config.OnMeasurement(m)
	}
}

// send writes binary frames until the duration has elapsed. The server's
// messages are read concurrently, which is also how a close frame from the
// server is noticed. Text messages are handed back to the send loop, so
// callbacks only ever run on the caller's goroutine, and the reader has
// exited by the time send returns.
func (r *Runner) send(ctx context.Context, t *transfer) error {
	closed := make(chan error, 1)
	texts := make(chan []byte, 16)
	readerDone := make(chan struct{})
	t.conn.SetReadDeadline(t.start.Add(t.spec.Duration + spec.ReadTimeout))
	go func() {
		defer close(readerDone)
		for {
			kind, reader, err := t.conn.NextReader()
			if err != nil {
				closed <- err
				return
			}
			if kind == websocket.TextMessage {
				data, err := io.ReadAll(reader)
				if err != nil {
					closed <- err
					return
				}
				select {
				case texts <- data:
				default:
					// The send loop is behind; measurements are informational.
				}
			}
		}
	}()
	defer func() {
		t.end = time.Now()
		// Give the server a moment to answer our close frame, then force
		// the reader out.
		select {
		case <-readerDone:
		case <-time.After(time.Second):
			t.conn.Close()
			<-readerDone
		}
	}()

	data := make([]byte, t.spec.ChunkSize)
	msg, err := websocket.NewPreparedMessage(websocket.BinaryMessage, data)
	if err != nil {
		t.conn.Close()
		return err
	}
	for time.Since(t.start) < t.spec.Duration {
		if ctx.Err() != nil {
			t.conn.Close()
			return nil
		}
		select {
		case err := <-closed:
			if t.endsTransfer(err) {
				return nil
			}
			return errors.Wrap(err, "connection failed")
		case data := <-texts:
			r.onMeasurement(data)
		default:
		}
		t.conn.SetWriteDeadline(time.Now().Add(spec.ReadTimeout))
		if err := t.conn.WritePreparedMessage(msg); err != nil {
			if t.endsTransfer(err) {
				return nil
			}
			// A write may fail because the server closed the connection:
			// give the reader a chance to see the close frame.
			select {
			case rerr := <-closed:
				if t.endsTransfer(rerr) || errors.Is(err, websocket.ErrCloseSent) {
					return nil
				}
			case <-time.After(time.Second):
			}
			t.conn.Close()
			return errors.Wrap(err, "write failed")
		}
		t.bytes += int64(t.spec.ChunkSize)
		t.sample()
	}
	// Tell the server we are done. Errors are irrelevant at this point.
	t.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return nil
}
