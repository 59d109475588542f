package model

import "fmt"

// Unavailable is shown for metrics that could not be computed.
const Unavailable = "unavailable"

// Summary is the final summary of a run. Every measurement is a formatted
// string with an explicit unit.
type Summary struct {
	Download     string `json:"Download Speed"`
	Upload       string `json:"Upload Speed"`
	Latency      string `json:"Latency"`
	Jitter       string `json:"Jitter"`
	IP           string `json:"IP"`
	ISP          string `json:"ISP"`
	LocationCode string `json:"Location Code"`
	Region       string `json:"Region"`
}

// FormatMbps formats a rate in Mbps, or Unavailable when ok is false.
func FormatMbps(v float64, ok bool) string {
	if !ok {
		return Unavailable
	}
	return fmt.Sprintf("%.2f Mbps", v)
}

// FormatMs formats a duration in milliseconds, or Unavailable when ok is
// false.
func FormatMs(v float64, ok bool) string {
	if !ok {
		return Unavailable
	}
	return fmt.Sprintf("%.2f ms", v)
}
