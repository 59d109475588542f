// Package spec contains constants for the streaming transfer, which follows
// the ndt7 protocol.
package spec

import (
	"time"

	ndt7spec "github.com/m-lab/ndt-server/ndt7/spec"
)

const (
	// DownloadPath selects the download subtest.
	DownloadPath = ndt7spec.DownloadURLPath

	// UploadPath selects the upload subtest.
	UploadPath = ndt7spec.UploadURLPath

	// SecWebSocketProtocol is the value of the Sec-WebSocket-Protocol header.
	SecWebSocketProtocol = ndt7spec.SecWebSocketProtocol

	// MaxMessageSize is the read limit for a single message.
	MaxMessageSize = 1 << 24

	// BufferSize is the size of the websocket read/write buffers.
	BufferSize = ndt7spec.DefaultWebsocketBufferSize

	// DefaultDuration is the default length of a streaming transfer.
	DefaultDuration = 10 * time.Second

	// DefaultChunkSize is the default size of an upload frame.
	DefaultChunkSize = 1 << 13

	// SamplingInterval is the minimum gap between progress samples.
	SamplingInterval = 250 * time.Millisecond

	// HandshakeTimeout bounds the WebSocket handshake.
	HandshakeTimeout = 7 * time.Second

	// ReadTimeout bounds the wait for a single frame.
	ReadTimeout = 7 * time.Second

	// LocateService is the Locate API service providing streaming servers.
	LocateService = "ndt/ndt7"

	// DefaultScheme is the default WebSocket scheme.
	DefaultScheme = "wss"
)
