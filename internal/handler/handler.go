// Package handler implements a reference server for both the timed-transfer
// and the streaming endpoint contracts.
package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"
	"github.com/m-lab/ndt-server/ndt7/model"

	"github.com/m-lab/speedcheck/internal/metrics"
	"github.com/m-lab/speedcheck/internal/netx"
	sspec "github.com/m-lab/speedcheck/pkg/streaming/spec"
	tspec "github.com/m-lab/speedcheck/pkg/timedtransfer/spec"
)

const (
	// GeoPath is the prefix of the geolocation endpoint: GeoPath + <ip>.
	GeoPath = "/geo/"

	// MaxDownloadBytes is the largest payload served by the download
	// endpoint.
	MaxDownloadBytes = 1 << 30

	timingMetricName = "cfRequestDuration"
)

// Config is the configuration of a Handler.
type Config struct {
	// StreamDuration is how long streaming transfers last server-side.
	StreamDuration time.Duration
	// ChunkSize is the size of streaming download frames.
	ChunkSize int

	// The following are returned by the meta and geolocation endpoints.
	Colo           string
	ASOrganization string
	Country        string
	City           string
	Region         string
	Timezone       string
}

// Handler serves the reference endpoints.
type Handler struct {
	config Config
}

// New returns a new Handler. Zero values are replaced with defaults.
func New(config Config) *Handler {
	if config.StreamDuration == 0 {
		config.StreamDuration = sspec.DefaultDuration
	}
	if config.ChunkSize == 0 {
		config.ChunkSize = sspec.DefaultChunkSize
	}
	return &Handler{config: config}
}

// Register adds every endpoint to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc(tspec.DownloadPath, h.Download)
	mux.HandleFunc(tspec.UploadPath, h.Upload)
	mux.HandleFunc(tspec.MetaPath, h.Meta)
	mux.HandleFunc(GeoPath, h.Geo)
	mux.HandleFunc(sspec.DownloadPath, h.StreamDownload)
	mux.HandleFunc(sspec.UploadPath, h.StreamUpload)
}

func setServerTiming(rw http.ResponseWriter, d time.Duration) {
	ms := float64(d.Nanoseconds()) / 1e6
	rw.Header().Set(tspec.ServerTimingHeader,
		timingMetricName+";dur="+strconv.FormatFloat(ms, 'f', -1, 64))
}

// Download writes the number of bytes requested with the bytes parameter.
func (h *Handler) Download(rw http.ResponseWriter, req *http.Request) {
	start := time.Now()
	if req.Method != http.MethodGet {
		writeError(rw, "download", http.StatusMethodNotAllowed)
		return
	}
	size, err := strconv.ParseInt(req.URL.Query().Get(tspec.BytesParam), 10, 64)
	if err != nil || size < 0 || size > MaxDownloadBytes {
		log.Debug("invalid download size", "from", req.RemoteAddr, "err", err)
		writeError(rw, "download", http.StatusBadRequest)
		return
	}
	rw.Header().Set("Content-Type", "application/octet-stream")
	rw.Header().Set("Content-Length", strconv.FormatInt(size, 10))
	rw.Header().Set("Cache-Control", "no-store")
	setServerTiming(rw, time.Since(start))
	rw.WriteHeader(http.StatusOK)
	n, err := io.CopyN(rw, zeroReader{}, size)
	metrics.ServerBytes.WithLabelValues("download").Add(float64(n))
	if err != nil {
		log.Debug("download interrupted", "from", req.RemoteAddr, "err", err)
		metrics.ServerRequests.WithLabelValues("download", "interrupted").Inc()
		return
	}
	metrics.ServerRequests.WithLabelValues("download", "ok").Inc()
}

// Upload drains the request body and reports how long it took.
func (h *Handler) Upload(rw http.ResponseWriter, req *http.Request) {
	start := time.Now()
	if req.Method != http.MethodPost {
		writeError(rw, "upload", http.StatusMethodNotAllowed)
		return
	}
	n, err := io.Copy(io.Discard, req.Body)
	metrics.ServerBytes.WithLabelValues("upload").Add(float64(n))
	if err != nil {
		log.Debug("upload interrupted", "from", req.RemoteAddr, "err", err)
		writeError(rw, "upload", http.StatusBadRequest)
		return
	}
	setServerTiming(rw, time.Since(start))
	rw.WriteHeader(http.StatusOK)
	metrics.ServerRequests.WithLabelValues("upload", "ok").Inc()
}

// metaResponse follows the meta endpoint contract.
type metaResponse struct {
	ClientIP       string `json:"clientIp"`
	ASOrganization string `json:"asOrganization"`
	Colo           string `json:"colo"`
	Country        string `json:"country"`
	City           string `json:"city"`
	Region         string `json:"region"`
}

// geoResponse follows the geolocation endpoint contract.
type geoResponse struct {
	IP           string  `json:"ip"`
	ISP          string  `json:"isp"`
	Region       string  `json:"region"`
	CountryName  string  `json:"country_name"`
	City         string  `json:"city"`
	Latitude     float64 `json:"latitude"`
	Longitude    float64 `json:"longitude"`
	TimezoneName string  `json:"timezone_name"`
}

// Meta returns the client's address and the configured location.
func (h *Handler) Meta(rw http.ResponseWriter, req *http.Request) {
	host, _, err := net.SplitHostPort(req.RemoteAddr)
	if err != nil {
		host = req.RemoteAddr
	}
	writeJSON(rw, "meta", &metaResponse{
		ClientIP:       host,
		ASOrganization: h.config.ASOrganization,
		Colo:           h.config.Colo,
		Country:        h.config.Country,
		City:           h.config.City,
		Region:         h.config.Region,
	})
}

// Geo returns the configured location for the IP in the path.
func (h *Handler) Geo(rw http.ResponseWriter, req *http.Request) {
	ip := strings.TrimPrefix(req.URL.Path, GeoPath)
	if net.ParseIP(ip) == nil {
		writeError(rw, "geo", http.StatusBadRequest)
		return
	}
	writeJSON(rw, "geo", &geoResponse{
		IP:           ip,
		ISP:          h.config.ASOrganization,
		Region:       h.config.Region,
		CountryName:  h.config.Country,
		City:         h.config.City,
		TimezoneName: h.config.Timezone,
	})
}

func writeJSON(rw http.ResponseWriter, endpoint string, v any) {
	rw.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(rw).Encode(v); err != nil {
		log.Debug("cannot write response", "endpoint", endpoint, "err", err)
		metrics.ServerRequests.WithLabelValues(endpoint, "error").Inc()
		return
	}
	metrics.ServerRequests.WithLabelValues(endpoint, "ok").Inc()
}

// writeError sends an empty response with the given status.
func writeError(rw http.ResponseWriter, endpoint string, status int) {
	rw.Header().Set("Connection", "Close")
	rw.WriteHeader(status)
	metrics.ServerRequests.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
}

type zeroReader struct{}

func (zeroReader) Read(b []byte) (int, error) {
	clear(b)
	return len(b), nil
}

// upgrade takes a HTTP request and upgrades the connection to WebSocket.
func upgrade(rw http.ResponseWriter, req *http.Request) (*websocket.Conn, error) {
	// We expect WebSocket's subprotocol to be ndt7's. The same subprotocol is
	// added as a header on the response.
	if req.Header.Get("Sec-WebSocket-Protocol") != sspec.SecWebSocketProtocol {
		rw.WriteHeader(http.StatusBadRequest)
		return nil, errors.New("missing Sec-WebSocket-Protocol header")
	}
	h := http.Header{}
	h.Add("Sec-WebSocket-Protocol", sspec.SecWebSocketProtocol)
	u := websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
		ReadBufferSize:  sspec.BufferSize,
		WriteBufferSize: sspec.BufferSize,
	}
	return u.Upgrade(rw, req, h)
}

func closeNormally(conn *websocket.Conn) {
	conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
}

func logConn(conn *websocket.Conn, endpoint string, bytes int64) {
	metrics.ServerBytes.WithLabelValues(endpoint).Add(float64(bytes))
	if c, ok := netx.ToCounter(conn.UnderlyingConn()); ok {
		read, written := c.ByteCounters()
		log.Debug("stream done", "endpoint", endpoint,
			"client", conn.RemoteAddr(), "payload", bytes,
			"read", read, "written", written,
			"elapsed", time.Since(c.StartTime()))
	}
}

func measurement(start time.Time, bytes int64) []byte {
	elapsed := time.Since(start)
	m := model.Measurement{
		AppInfo: &model.AppInfo{
			NumBytes:    bytes,
			ElapsedTime: elapsed.Microseconds(),
		},
	}
	data, _ := json.Marshal(m)
	return data
}

// StreamDownload sends binary frames for the configured duration, then
// closes the connection. An ndt7 measurement is sent as a text frame every
// sampling interval.
func (h *Handler) StreamDownload(rw http.ResponseWriter, req *http.Request) {
	conn, err := upgrade(rw, req)
	if err != nil {
		log.Debug("websocket upgrade failed", "from", req.RemoteAddr, "err", err)
		metrics.ServerRequests.WithLabelValues("stream_download", "upgrade").Inc()
		return
	}
	defer conn.Close()

	msg, err := websocket.NewPreparedMessage(websocket.BinaryMessage,
		make([]byte, h.config.ChunkSize))
	if err != nil {
		return
	}
	start := time.Now()
	deadline := start.Add(h.config.StreamDuration)
	conn.SetWriteDeadline(deadline.Add(sspec.ReadTimeout))
	// Drain control frames so that a client close is noticed.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.NextReader(); err != nil {
				return
			}
		}
	}()

	var bytes int64
	lastSample := start
	result := "ok"
loop:
	for time.Now().Before(deadline) {
		select {
		case <-closed:
			result = "client_closed"
			break loop
		default:
		}
		if err := conn.WritePreparedMessage(msg); err != nil {
			result = "error"
			break
		}
		bytes += int64(h.config.ChunkSize)
		if time.Since(lastSample) > sspec.SamplingInterval {
			lastSample = time.Now()
			if err := conn.WriteMessage(websocket.TextMessage, measurement(start, bytes)); err != nil {
				result = "error"
				break
			}
		}
	}
	closeNormally(conn)
	// Give the client a chance to answer the close frame.
	select {
	case <-closed:
	case <-time.After(time.Second):
	}
	logConn(conn, "stream_download", bytes)
	metrics.ServerRequests.WithLabelValues("stream_download", result).Inc()
}

// StreamUpload counts the binary frames received until the client closes
// the connection or the configured duration elapses.
func (h *Handler) StreamUpload(rw http.ResponseWriter, req *http.Request) {
	conn, err := upgrade(rw, req)
	if err != nil {
		log.Debug("websocket upgrade failed", "from", req.RemoteAddr, "err", err)
		metrics.ServerRequests.WithLabelValues("stream_upload", "upgrade").Inc()
		return
	}
	defer conn.Close()
	conn.SetReadLimit(sspec.MaxMessageSize)

	start := time.Now()
	conn.SetReadDeadline(start.Add(h.config.StreamDuration))
	var bytes int64
	result := "ok"
	for {
		kind, reader, err := conn.NextReader()
		if err != nil {
			if websocket.IsCloseError(err, websocket.CloseNormalClosure) {
				result = "client_closed"
				break
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				// Duration elapsed.
				closeNormally(conn)
				break
			}
			result = "error"
			break
		}
		if kind != websocket.BinaryMessage {
			continue
		}
		n, err := io.Copy(io.Discard, reader)
		bytes += n
		if err != nil {
			result = "error"
			break
		}
	}
	logConn(conn, "stream_upload", bytes)
	metrics.ServerRequests.WithLabelValues("stream_upload", result).Inc()
}
