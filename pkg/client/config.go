package client

import (
	"github.com/m-lab/speedcheck/pkg/metadata"
	"github.com/m-lab/speedcheck/pkg/timedtransfer"
)

// Config is the configuration for a Client.
type Config struct {
	// TimedTransfer configures the HTTP timed-transfer runner. Its
	// UserAgent is set by New.
	TimedTransfer timedtransfer.Config

	// Metadata configures the metadata resolver.
	Metadata metadata.Config

	// SkipMetadata disables metadata resolution.
	SkipMetadata bool

	// Server is the streaming server (host[:port]) to connect to. If empty,
	// servers are obtained from the Locate API.
	Server string

	// Scheme is the WebSocket scheme used for streaming (ws or wss).
	Scheme string

	// NoVerify disables TLS certificate verification for streaming.
	NoVerify bool

	// MeasurementID is the measurement ID ("mid") sent to streaming
	// servers. If empty, a random one is generated.
	MeasurementID string

	// Megabits records per-configuration speeds in Mbps instead of bps.
	Megabits bool

	// Emitter is the interface used to report progress and results. It
	// defaults to Silent.
	Emitter Emitter
}
