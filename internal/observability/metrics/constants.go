// Package metrics provides Prometheus collectors for the migration engine.
package metrics

// Label values shared by the migration collectors.
const (
	// StatusSuccess marks a successful write or check.
	StatusSuccess = "success"
	// StatusError marks a failed write or check.
	StatusError = "error"

	// OutcomeSucceeded counts records written to the target.
	OutcomeSucceeded = "succeeded"
	// OutcomeFailed counts records that failed mapping or whose batch write failed.
	OutcomeFailed = "failed"
)

// Histogram bucket configuration constants.
// These define the base values and factors for exponential bucket generation.
const (
	// BucketStart1ms is the starting bucket for 1ms histograms (1ms to ~1s range).
	BucketStart1ms = 0.001
	// BucketStart10ms is the starting bucket for 10ms histograms (10ms to ~40s range).
	BucketStart10ms = 0.01
	// BucketStart1 is the starting bucket for record count histograms.
	BucketStart1 = 1.0

	// BucketFactor2 is the common exponential growth factor of 2 for histogram buckets.
	BucketFactor2 = 2

	// BucketCount12 defines 12 exponential buckets.
	BucketCount12 = 12
	// BucketCount15 defines 15 exponential buckets.
	BucketCount15 = 15
)
