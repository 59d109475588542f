package model

import "time"

// Sample is a single observation. Numeric metrics use Value, metadata
// fields use Text.
type Sample struct {
	Value      float64
	Text       string `json:",omitempty"`
	CapturedAt time.Time
}

// NewSample returns a numeric Sample captured now.
func NewSample(v float64) Sample {
	return Sample{Value: v, CapturedAt: time.Now()}
}

// NewTextSample returns a textual Sample captured now.
func NewTextSample(s string) Sample {
	return Sample{Text: s, CapturedAt: time.Now()}
}
