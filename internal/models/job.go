package models

import "time"

type JobStatus string

const (
	JobNew     JobStatus = "NEW"
	JobRunning JobStatus = "RUNNING"
	JobDone    JobStatus = "DONE"
	JobFailed  JobStatus = "FAILED"
)

// Terminal reports whether no further status change is allowed.
func (s JobStatus) Terminal() bool {
	return s == JobDone || s == JobFailed
}

// Job actions understood by the executor.
const (
	ActionEnqueue  = "enqueue"
	ActionGenerate = "generate"
	ActionDispatch = "dispatch"
)

var ValidActions = []string{ActionEnqueue, ActionGenerate, ActionDispatch}

// Metadata keys written by the scheduler.
const (
	MetaError        = "error"
	MetaRetryOf      = "retry_of"
	MetaRetryAttempt = "retry_attempt"
)

type Job struct {
	ID          string         `json:"id"`
	Pipeline    string         `json:"pipeline"`
	Action      string         `json:"action"`
	ScheduledAt time.Time      `json:"scheduled_at"`
	Status      JobStatus      `json:"status"`
	Description string         `json:"description,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`

	SuccessCount int `json:"success_count"`
	FailCount    int `json:"fail_count"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// HasPartialFailure is true for a finished run where some items failed.
func (j *Job) HasPartialFailure() bool {
	return j.Status == JobDone && j.FailCount > 0
}

// RetryAttempt returns how many retries preceded this job.
func (j *Job) RetryAttempt() int {
	return MetaInt(j.Metadata, MetaRetryAttempt)
}

// MetaInt reads an integer from decoded metadata. JSON round trips turn
// numbers into float64, so both forms are accepted.
func MetaInt(meta map[string]any, key string) int {
	switch v := meta[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}

// MetaString reads a string from metadata, empty when absent.
func MetaString(meta map[string]any, key string) string {
	s, _ := meta[key].(string)
	return s
}

// CopyMetadata returns a shallow copy that is safe to mutate.
func CopyMetadata(meta map[string]any) map[string]any {
	out := make(map[string]any, len(meta)+2)
	for k, v := range meta {
		out[k] = v
	}
	return out
}
