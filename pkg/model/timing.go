package model

// TimingSeries holds the per-iteration timings of one timed-transfer
// configuration, in seconds. The three series are index-aligned.
type TimingSeries struct {
	// Full is the client-observed time from request start to the end of
	// the response body.
	Full []float64
	// Server is the processing time reported by the server.
	Server []float64
	// Request is the time from request start until the response headers
	// were received.
	Request []float64
}

// NewTimingSeries returns an empty TimingSeries sized for n iterations.
func NewTimingSeries(n int) *TimingSeries {
	return &TimingSeries{
		Full:    make([]float64, 0, n),
		Server:  make([]float64, 0, n),
		Request: make([]float64, 0, n),
	}
}

// Append records one iteration.
func (t *TimingSeries) Append(full, server, request float64) {
	t.Full = append(t.Full, full)
	t.Server = append(t.Server, server)
	t.Request = append(t.Request, request)
}

// Len returns the number of complete iterations.
func (t *TimingSeries) Len() int {
	n := len(t.Full)
	if len(t.Server) < n {
		n = len(t.Server)
	}
	if len(t.Request) < n {
		n = len(t.Request)
	}
	return n
}

// Aligned reports whether the three series have the same length.
func (t *TimingSeries) Aligned() bool {
	return len(t.Full) == len(t.Server) && len(t.Server) == len(t.Request)
}

// Complete reports whether the series holds exactly n aligned iterations.
func (t *TimingSeries) Complete(n int) bool {
	return t.Aligned() && len(t.Full) == n
}
