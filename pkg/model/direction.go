// Package model contains the data types shared by the speedcheck runners,
// the statistics aggregator and the suite orchestrator.
package model

import (
	"fmt"
	"net/http"
)

// Direction is the direction of a measurement, as seen from the client.
type Direction string

const (
	// DirectionDownload is a server-to-client transfer.
	DirectionDownload = Direction("download")

	// DirectionUpload is a client-to-server transfer.
	DirectionUpload = Direction("upload")
)

// Short returns the abbreviated form used in metric labels ("down", "up").
func (d Direction) Short() string {
	switch d {
	case DirectionDownload:
		return "down"
	case DirectionUpload:
		return "up"
	default:
		return string(d)
	}
}

// Method returns the HTTP verb used by a timed transfer in this direction.
func (d Direction) Method() string {
	if d == DirectionUpload {
		return http.MethodPost
	}
	return http.MethodGet
}

// Validate returns an error if d is not a known direction.
func (d Direction) Validate() error {
	switch d {
	case DirectionDownload, DirectionUpload:
		return nil
	default:
		return fmt.Errorf("invalid direction: %q", string(d))
	}
}

// ParseDirection accepts both the long and the short forms.
func ParseDirection(s string) (Direction, error) {
	switch s {
	case "download", "down":
		return DirectionDownload, nil
	case "upload", "up":
		return DirectionUpload, nil
	default:
		return "", fmt.Errorf("invalid direction: %q", s)
	}
}
