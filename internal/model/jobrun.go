package model

import "time"

// JobStatus is the lifecycle state of a job run.
type JobStatus string

const (
	JobStatusRunning JobStatus = "running"
	JobStatusSuccess JobStatus = "success"
	JobStatusFailed  JobStatus = "failed"
)

// Terminal reports whether the status is an end state.
func (s JobStatus) Terminal() bool {
	return s == JobStatusSuccess || s == JobStatusFailed
}

// JobRun is one attempted execution of a named recurring job. At most one
// run per job name may be running at a time; the store's partial unique
// index on (job_name) WHERE status='running' is the lock.
type JobRun struct {
	ID            string     `json:"id"`
	JobName       string     `json:"job_name"`
	Status        JobStatus  `json:"status"`
	StartedAt     time.Time  `json:"started_at"`
	FinishedAt    *time.Time `json:"finished_at,omitempty"`
	DurationMS    *int64     `json:"duration_ms,omitempty"`
	ItemsEnqueued int        `json:"items_enqueued"`
	Titles        []string   `json:"titles,omitempty"`
	Cursor        string     `json:"cursor,omitempty"`
	Error         string     `json:"error,omitempty"`
}
