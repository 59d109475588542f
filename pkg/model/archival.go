package model

import "time"

// ArchivalSample is the BigQuery-compatible form of a Sample.
type ArchivalSample struct {
	Category   string
	Metric     string
	Value      float64
	Text       string
	CapturedAt time.Time
}

// FailedTest records a configuration that could not complete.
type FailedTest struct {
	Name      string
	Direction string
	Error     string
}

// ArchivalData is the record written for one speedcheck run.
type ArchivalData struct {
	// GitShortCommit is the Git commit (short form) of the running code.
	GitShortCommit string
	// Version is the symbolic version (if any) of the running code.
	Version string
	// ID is the unique identifier of this run.
	ID string
	// StartTime is the time the run started.
	StartTime time.Time
	// EndTime is the time the run ended.
	EndTime time.Time
	// Status is "complete", "partial" or "failed".
	Status string
	// Plan contains the names of the configurations, in order.
	Plan []string
	// Failed lists the configurations that did not complete.
	Failed []FailedTest
	// Samples contains every sample collected during the run.
	Samples []ArchivalSample
	// Summary is the final human-readable summary.
	Summary Summary
}
