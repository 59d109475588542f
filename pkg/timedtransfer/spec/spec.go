// Package spec contains constants for the HTTP timed-transfer protocol.
package spec

import "time"

const (
	// DefaultBaseURL is the default timed-transfer endpoint.
	DefaultBaseURL = "https://speed.cloudflare.com"

	// DownloadPath returns ?bytes=N bytes.
	DownloadPath = "/__down"
	// UploadPath accepts a POST body of any size.
	UploadPath = "/__up"
	// MetaPath returns information about the client as JSON.
	MetaPath = "/meta"

	// BytesParam is the querystring parameter selecting the download size.
	BytesParam = "bytes"

	// ServerTimingHeader carries the server processing time, formatted as
	// "<name>=<milliseconds>[,...]".
	ServerTimingHeader = "Server-Timing"

	// DefaultConnectTimeout bounds connection establishment.
	DefaultConnectTimeout = 10 * time.Second

	// DefaultResponseTimeout bounds a single request/response exchange,
	// including reading the body.
	DefaultResponseTimeout = 25 * time.Second
)
