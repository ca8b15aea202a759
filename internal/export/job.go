// Package export drives an Entry document export to completion: it requests
// the export job from the source API and polls its status with capped
// exponential backoff until a terminal state or the deadline.
package export

// Status is the lifecycle state of an export job.
type Status string

const (
	StatusRequested Status = "REQUESTED"
	StatusRunning   Status = "RUNNING"
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
	StatusTimedOut  Status = "TIMED_OUT"
)

// Terminal reports whether the status is one the orchestrator stops at.
func (s Status) Terminal() bool {
	return s == StatusSucceeded || s == StatusFailed || s == StatusTimedOut
}

// Job is one in-flight export request. It is owned exclusively by the
// orchestrator of a single pipeline run and never shared.
type Job struct {
	DocumentID  string
	ID          string
	Status      Status
	DownloadURL string
	Reason      string
	Attempts    int
}
