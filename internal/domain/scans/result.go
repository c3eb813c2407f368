package scans

import "time"

// Result is the outcome of scanning one image. An Absent result means the
// scanner could not produce a report; a present result with no findings means
// the image is clean.
type Result struct {
	Image    ImageRef
	Absent   bool
	Reason   string
	Targets  []Target
	Raw      []byte
	Duration time.Duration
}

// AbsentResult builds the marker used when a scan fails for one image.
func AbsentResult(image ImageRef, reason string, took time.Duration) Result {
	return Result{Image: image, Absent: true, Reason: reason, Duration: took}
}

// Counts tallies the findings of a present result.
func (r Result) Counts() SeverityCounts {
	return ParseSeverityCounts(r.Targets)
}

// HasFindings reports whether any target carries a vulnerability.
func (r Result) HasFindings() bool {
	return r.Counts().Total > 0
}

// Payload is a rendered, self-contained notification for one Result.
type Payload struct {
	Image ImageRef
	Body  []byte
}

// Outcome is the delivery result for one Payload. A nil Err means delivered.
type Outcome struct {
	Payload Payload
	Err     error
}

// Delivered reports whether the payload reached its destination.
func (o Outcome) Delivered() bool { return o.Err == nil }
