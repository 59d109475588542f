// Package metrics defines the Prometheus metrics of the speedcheck client
// and reference server.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// TestCount counts the configurations run by the client.
	TestCount = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "speedcheck_test_total",
			Help: "Number of test configurations run, by protocol and direction.",
		},
		[]string{"protocol", "direction"},
	)
	// TestErrors counts the configurations that failed.
	TestErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "speedcheck_test_errors_total",
			Help: "Number of failed test configurations, by protocol and direction.",
		},
		[]string{"protocol", "direction"},
	)
	// TestRate is the distribution of measured rates.
	TestRate = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Name: "speedcheck_test_rate_mbps",
			Help: "A histogram of measured rates.",
			Buckets: []float64{
				.1, .15, .25, .4, .6,
				1, 1.5, 2.5, 4, 6,
				10, 15, 25, 40, 60,
				100, 150, 250, 400, 600,
				1000},
		},
		[]string{"protocol", "direction"},
	)
	// MetadataErrors counts failed metadata lookups.
	MetadataErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "speedcheck_metadata_errors_total",
			Help: "Number of failed client metadata lookups, by source.",
		},
		[]string{"source"},
	)
	// ServerRequests counts the requests served by the reference server.
	ServerRequests = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "speedcheck_server_requests_total",
			Help: "Number of requests served by the reference server, by endpoint and result.",
		},
		[]string{"endpoint", "result"},
	)
	// ServerBytes counts the payload bytes moved by the reference server.
	ServerBytes = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "speedcheck_server_bytes_total",
			Help: "Payload bytes moved by the reference server, by endpoint.",
		},
		[]string{"endpoint"},
	)
)
