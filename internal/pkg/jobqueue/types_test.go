package jobqueue

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 2, 1, 9, 0, 0, 0, time.UTC)

func TestJobPayloadRoundTrip(t *testing.T) {
	job, err := newJob("j1", JobTypePushDispatch, PushDispatchPayload{CampaignID: 42, Offset: 300, Reason: ReasonSweep}, 3, t0)
	require.NoError(t, err)
	assert.JSONEq(t, `{"campaign_id":42,"offset":300,"reason":"sweep"}`, string(job.Payload))

	var p PushDispatchPayload
	require.NoError(t, job.Decode(&p))
	assert.Equal(t, PushDispatchPayload{CampaignID: 42, Offset: 300, Reason: ReasonSweep}, p)

	empty, err := newJob("j2", JobTypePushDispatch, nil, 3, t0)
	require.NoError(t, err)
	assert.ErrorIs(t, empty.Decode(&p), ErrEmptyPayload)

	_, err = newJob("j3", JobTypePushDispatch, make(chan int), 3, t0)
	assert.Error(t, err)

	bad := &Job{Payload: []byte(`{"campaign_id":"forty-two"}`)}
	assert.Error(t, bad.Decode(&p))
}

func TestJobAttempts(t *testing.T) {
	job, err := newJob("j1", JobTypePushDispatch, nil, 3, t0)
	require.NoError(t, err)
	assert.Equal(t, JobStatusPending, job.Status)
	assert.Equal(t, t0, job.runningSince())

	boom := errors.New("fcm unavailable")
	for attempt := 1; attempt <= 2; attempt++ {
		job.start(t0.Add(time.Duration(attempt) * time.Minute))
		assert.Equal(t, JobStatusProcessing, job.Status)
		assert.True(t, job.fail(boom, false, t0), "attempt %d", attempt)
		assert.Equal(t, JobStatusRetrying, job.Status)
		assert.Nil(t, job.FinishedAt)
	}
	assert.Equal(t, t0.Add(2*time.Minute), job.runningSince())

	assert.False(t, job.fail(boom, false, t0))
	assert.Equal(t, JobStatusFailed, job.Status)
	assert.Equal(t, 3, job.Attempts)
	assert.Equal(t, "fcm unavailable", job.LastError)
	assert.NotNil(t, job.FinishedAt)
}

func TestJobPermanentFailureAndFinish(t *testing.T) {
	job := &Job{MaxAttempts: 5}
	assert.False(t, job.fail(errors.New("unknown job type"), true, t0))
	assert.Equal(t, JobStatusFailed, job.Status)

	done := &Job{LastError: "earlier"}
	done.finish(t0)
	assert.Equal(t, JobStatusCompleted, done.Status)
	assert.Empty(t, done.LastError)
	assert.Equal(t, t0, *done.FinishedAt)
}
