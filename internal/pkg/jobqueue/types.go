package jobqueue

import (
	"encoding/json"
	"errors"
	"time"
)

// JobType selects the registered Handler.
type JobType string

const (
	// JobTypePushDispatch runs the next batches of a push campaign.
	JobTypePushDispatch JobType = "push_dispatch"
)

type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusProcessing JobStatus = "processing"
	JobStatusRetrying   JobStatus = "retrying"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Job is the record stored under the job's data key. Payload stays raw until
// the handler decodes it into its own type.
type Job struct {
	ID          string          `json:"id"`
	Type        JobType         `json:"type"`
	Status      JobStatus       `json:"status"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	LastError   string          `json:"last_error,omitempty"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
	StartedAt   *time.Time      `json:"started_at,omitempty"`
	FinishedAt  *time.Time      `json:"finished_at,omitempty"`
}

// ErrEmptyPayload is returned by Decode for jobs enqueued without a payload.
var ErrEmptyPayload = errors.New("job has no payload")

func newJob(id string, jobType JobType, payload any, maxAttempts int, now time.Time) (*Job, error) {
	job := &Job{
		ID:          id,
		Type:        jobType,
		Status:      JobStatusPending,
		MaxAttempts: maxAttempts,
		EnqueuedAt:  now,
		UpdatedAt:   now,
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		job.Payload = raw
	}
	return job, nil
}

// Decode unmarshals the payload into v.
func (j *Job) Decode(v any) error {
	if len(j.Payload) == 0 || string(j.Payload) == "null" {
		return ErrEmptyPayload
	}
	return json.Unmarshal(j.Payload, v)
}

func (j *Job) start(now time.Time) {
	j.Status = JobStatusProcessing
	j.StartedAt = &now
	j.UpdatedAt = now
}

func (j *Job) finish(now time.Time) {
	j.Status = JobStatusCompleted
	j.LastError = ""
	j.FinishedAt = &now
	j.UpdatedAt = now
}

// fail records a failed attempt and reports whether another one is allowed.
// permanent failures are never retried.
func (j *Job) fail(err error, permanent bool, now time.Time) bool {
	j.Attempts++
	j.LastError = err.Error()
	j.UpdatedAt = now
	if !permanent && j.Attempts < j.MaxAttempts {
		j.Status = JobStatusRetrying
		return true
	}
	j.Status = JobStatusFailed
	j.FinishedAt = &now
	return false
}

// runningSince is the best guess at when the current attempt began.
func (j *Job) runningSince() time.Time {
	switch {
	case j.StartedAt != nil && !j.StartedAt.IsZero():
		return *j.StartedAt
	case !j.UpdatedAt.IsZero():
		return j.UpdatedAt
	}
	return j.EnqueuedAt
}

// Reasons a push dispatch job was queued.
const (
	ReasonContinuation = "continuation"
	ReasonSweep        = "sweep"
)

// PushDispatchPayload resumes a campaign at Offset.
type PushDispatchPayload struct {
	CampaignID uint   `json:"campaign_id"`
	Offset     int64  `json:"offset"`
	Reason     string `json:"reason,omitempty"`
}
