package timedtransfer

import (
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// ErrServerTiming is returned when the server timing header is missing or
// cannot be parsed.
var ErrServerTiming = errors.New("invalid server timing header")

// ParseServerTiming extracts the server processing time from a header
// value such as "cfRequestDuration;dur=12.5,..." and returns it in
// seconds. The value is the text between the first "=" and the following
// ",", in milliseconds.
func ParseServerTiming(header string) (float64, error) {
	if header == "" {
		return 0, errors.Wrap(ErrServerTiming, "header missing")
	}
	_, value, found := strings.Cut(header, "=")
	if !found {
		return 0, errors.Wrapf(ErrServerTiming, "no value in %q", header)
	}
	value, _, _ = strings.Cut(value, ",")
	value, _, _ = strings.Cut(value, ";")
	ms, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		return 0, errors.Wrapf(ErrServerTiming, "cannot parse %q", value)
	}
	if ms < 0 {
		return 0, errors.Wrapf(ErrServerTiming, "negative duration %q", value)
	}
	return ms / 1e3, nil
}
