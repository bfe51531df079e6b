// Package metrics defines the Prometheus collectors for bankstream components.
package metrics

import "time"

// Label values shared by several collectors
const (
	ResultSuccess  = "success"
	ResultError    = "error"
	ResultNotReady = "not_ready"
	ResultNotFound = "not_found"

	SourcePrefetch = "prefetch"
	SourceCache    = "cache"

	DirectionRead  = "read"
	DirectionWrite = "write"

	ReasonClosing = "closing"
	ReasonReentry = "reentry"
)

// Histogram bucket configuration
const (
	BucketStart100us = 0.0001
	BucketFactor2    = 2
	BucketCount15    = 15
)

// ShutdownTimeout bounds graceful shutdown of the metrics server
const ShutdownTimeout = 5 * time.Second
