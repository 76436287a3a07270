package push

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ManuelReschke/storekeeper/app/models"
	"github.com/ManuelReschke/storekeeper/internal/pkg/cache"
)

var fixedNow = time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)

func clock() time.Time { return fixedNow }

func newCampaign(id uint) models.PushCampaign {
	return models.PushCampaign{ID: id, Title: "Weekend offer", Body: "Double credits until Sunday", DataJSON: `{"screen":"store","discount":20}`}
}

func unregistered() error {
	return &SendError{StatusCode: 404, Status: "NOT_FOUND", ErrorCode: "UNREGISTERED", Message: "Requested entity was not found.", Permanent: true}
}

func TestDispatch_ResumesAcrossInvocations(t *testing.T) {
	store := newMemStore()
	store.addTokens(250, models.DevicePlatformAndroid)
	store.addCampaign(newCampaign(1))
	sender := newFakeSender()
	sender.fail["tok-7"] = &SendError{StatusCode: 503, Status: "UNAVAILABLE", Message: "try later"}
	sender.fail["tok-180"] = &SendError{StatusCode: 500, Status: "INTERNAL"}
	sched := &recordingScheduler{}
	d := NewDispatcher(store, sender, WithBatchSize(100), WithMaxBatchesPerRun(1), WithScheduler(sched), WithClock(clock))
	ctx := context.Background()

	res, err := d.Dispatch(ctx, 1, 0)
	require.NoError(t, err)
	assert.Equal(t, models.CampaignStatusProcessing, res.Status)
	assert.True(t, res.Continued)
	assert.EqualValues(t, 250, res.Total)
	assert.EqualValues(t, 100, res.Offset)

	res, err = d.Dispatch(ctx, 1, 100)
	require.NoError(t, err)
	assert.True(t, res.Continued)
	assert.EqualValues(t, 200, res.Offset)

	res, err = d.Dispatch(ctx, 1, 200)
	require.NoError(t, err)
	assert.Equal(t, models.CampaignStatusCompleted, res.Status)
	assert.False(t, res.Continued)
	assert.EqualValues(t, 250, res.Offset)

	c := store.campaign(1)
	assert.Equal(t, models.CampaignStatusCompleted, c.Status)
	assert.EqualValues(t, 250, c.SentCount+c.FailedCount)
	assert.EqualValues(t, 2, c.FailedCount)
	assert.EqualValues(t, 250, c.TotalRecipients)
	require.NotNil(t, c.StartedAt)
	require.NotNil(t, c.CompletedAt)

	assert.Len(t, store.logsFor(1), 250)
	assert.Zero(t, store.dupLogs)
	for i := 1; i <= 250; i++ {
		assert.Equal(t, 1, sender.attempts(fmt.Sprintf("tok-%d", i)), "tok-%d", i)
	}
	assert.Equal(t, []continuation{{1, 100}, {1, 200}}, sched.calls)

	// transient failures keep the token
	assert.True(t, store.token(7).IsActive)
}

func TestDispatch_CancelAfterFirstBatch(t *testing.T) {
	store := newMemStore()
	store.addTokens(250, models.DevicePlatformIOS)
	store.addCampaign(newCampaign(2))
	store.afterCommit = func(s *memStore, commits int) {
		if commits == 1 {
			s.setStatus(2, models.CampaignStatusCancelled)
		}
	}
	sender := newFakeSender()
	d := NewDispatcher(store, sender, WithBatchSize(100), WithMaxBatchesPerRun(5), WithClock(clock))

	res, err := d.Dispatch(context.Background(), 2, 0)
	require.NoError(t, err)
	assert.Equal(t, models.CampaignStatusCancelled, res.Status)
	assert.EqualValues(t, 100, res.Offset)

	logs := store.logsFor(2)
	require.Len(t, logs, 100)
	for _, l := range logs {
		assert.LessOrEqual(t, l.DeviceTokenID, uint(100))
	}
	assert.Zero(t, sender.attempts("tok-101"))

	// a late continuation does not resume a cancelled campaign
	res, err = d.Dispatch(context.Background(), 2, 100)
	require.NoError(t, err)
	assert.Equal(t, models.CampaignStatusCancelled, res.Status)
	assert.Len(t, store.logsFor(2), 100)
}

func TestDispatch_UnregisteredTokenIsPruned(t *testing.T) {
	store := newMemStore()
	store.addTokens(10, models.DevicePlatformAndroid)
	store.addCampaign(newCampaign(3))
	store.addCampaign(newCampaign(4))
	sender := newFakeSender()
	sender.fail["tok-3"] = unregistered()
	d := NewDispatcher(store, sender, WithBatchSize(4), WithClock(clock))
	ctx := context.Background()

	res, err := d.Dispatch(ctx, 3, 0)
	require.NoError(t, err)
	assert.Equal(t, models.CampaignStatusCompleted, res.Status)
	assert.Equal(t, 1, res.Deactivated)

	tok := store.token(3)
	assert.False(t, tok.IsActive)
	require.NotNil(t, tok.DeactivatedAt)
	assert.Contains(t, tok.LastError, "UNREGISTERED")

	res, err = d.Dispatch(ctx, 4, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 9, res.Total)
	assert.EqualValues(t, 9, store.campaign(4).SentCount)
	assert.Equal(t, 1, sender.attempts("tok-3"))
}

func TestDispatch_PrepareFailureLeavesCampaignProcessing(t *testing.T) {
	store := newMemStore()
	store.addTokens(30, models.DevicePlatformWeb)
	store.addCampaign(newCampaign(5))
	sender := newFakeSender()
	sender.prepareErr = errors.New("token endpoint returned 503")
	d := NewDispatcher(store, sender, WithBatchSize(10), WithClock(clock))
	ctx := context.Background()

	_, err := d.Dispatch(ctx, 5, 0)
	assert.ErrorIs(t, err, ErrSenderUnavailable)
	c := store.campaign(5)
	assert.Equal(t, models.CampaignStatusProcessing, c.Status)
	assert.EqualValues(t, 30, c.TotalRecipients)
	assert.Zero(t, c.CursorOffset)
	assert.Empty(t, store.logsFor(5))

	sender.mu.Lock()
	sender.prepareErr = nil
	sender.mu.Unlock()

	res, err := d.Dispatch(ctx, 5, 0)
	require.NoError(t, err)
	assert.Equal(t, models.CampaignStatusCompleted, res.Status)
	assert.EqualValues(t, 30, store.campaign(5).SentCount)
}

func TestDispatch_StoredCursorWinsOverResumeOffset(t *testing.T) {
	store := newMemStore()
	store.addTokens(20, models.DevicePlatformAndroid)
	store.addCampaign(newCampaign(6))
	sender := newFakeSender()
	d := NewDispatcher(store, sender, WithBatchSize(10), WithMaxBatchesPerRun(1), WithClock(clock))
	ctx := context.Background()

	_, err := d.Dispatch(ctx, 6, 0)
	require.NoError(t, err)
	// replayed continuation with a stale offset
	res, err := d.Dispatch(ctx, 6, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 20, res.Offset)

	for i := 1; i <= 20; i++ {
		assert.Equal(t, 1, sender.attempts(fmt.Sprintf("tok-%d", i)))
	}
}

func TestDispatch_TargetPlatformAndOptOut(t *testing.T) {
	store := newMemStore()
	store.addTokens(6, models.DevicePlatformIOS)     // ids 1-6
	store.addTokens(6, models.DevicePlatformAndroid) // ids 7-12
	store.optedOut[2] = true                         // tokens 3, 4, 5
	c := newCampaign(7)
	c.TargetPlatform = models.DevicePlatformIOS
	store.addCampaign(c)
	sender := newFakeSender()
	d := NewDispatcher(store, sender, WithClock(clock))

	res, err := d.Dispatch(context.Background(), 7, 0)
	require.NoError(t, err)
	assert.EqualValues(t, 3, res.Total)
	assert.EqualValues(t, 3, res.Sent)
	for _, tok := range []string{"tok-1", "tok-2", "tok-6"} {
		assert.Equal(t, 1, sender.attempts(tok), tok)
	}
	for _, tok := range []string{"tok-3", "tok-7", "tok-12"} {
		assert.Zero(t, sender.attempts(tok), tok)
	}
}

func TestDispatch_TerminalAndInvalidCampaigns(t *testing.T) {
	store := newMemStore()
	store.addTokens(3, models.DevicePlatformAndroid)
	done := newCampaign(8)
	done.Status = models.CampaignStatusCompleted
	store.addCampaign(done)
	store.addCampaign(models.PushCampaign{ID: 9, Title: "x", DataJSON: "{not json"})
	sender := newFakeSender()
	d := NewDispatcher(store, sender, WithClock(clock))
	ctx := context.Background()

	res, err := d.Dispatch(ctx, 8, 0)
	require.NoError(t, err)
	assert.Equal(t, models.CampaignStatusCompleted, res.Status)
	assert.Zero(t, sender.prepares)

	res, err = d.Dispatch(ctx, 9, 0)
	assert.ErrorIs(t, err, ErrInvalidCampaign)
	assert.Equal(t, models.CampaignStatusFailed, res.Status)
	assert.Equal(t, models.CampaignStatusFailed, store.campaign(9).Status)

	_, err = d.Dispatch(ctx, 404, 0)
	assert.ErrorIs(t, err, ErrCampaignNotFound)
}

func TestDispatch_SchedulerFailureStillCheckpoints(t *testing.T) {
	store := newMemStore()
	store.addTokens(5, models.DevicePlatformAndroid)
	store.addCampaign(newCampaign(10))
	d := NewDispatcher(store, newFakeSender(), WithBatchSize(2), WithMaxBatchesPerRun(1),
		WithScheduler(&recordingScheduler{err: errors.New("redis down")}), WithClock(clock))

	res, err := d.Dispatch(context.Background(), 10, 0)
	require.NoError(t, err)
	assert.False(t, res.Continued)
	assert.Equal(t, models.CampaignStatusProcessing, res.Status)
	assert.EqualValues(t, 2, store.campaign(10).CursorOffset)
}

func TestDispatch_LockedCampaignIsBusy(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	locker := cache.NewLocker(client)

	store := newMemStore()
	store.addTokens(3, models.DevicePlatformAndroid)
	store.addCampaign(newCampaign(11))
	d := NewDispatcher(store, newFakeSender(), WithLocker(locker, time.Minute), WithClock(clock))
	ctx := context.Background()

	held, err := locker.Acquire(ctx, "push:campaign:11", time.Minute)
	require.NoError(t, err)
	_, err = d.Dispatch(ctx, 11, 0)
	assert.ErrorIs(t, err, ErrCampaignBusy)
	assert.Empty(t, store.logsFor(11))

	require.NoError(t, held.Release(ctx))
	res, err := d.Dispatch(ctx, 11, 0)
	require.NoError(t, err)
	assert.Equal(t, models.CampaignStatusCompleted, res.Status)
	assert.False(t, mr.Exists("lock:push:campaign:11"))
}

func TestMessageFromCampaign(t *testing.T) {
	msg, err := MessageFromCampaign(&models.PushCampaign{ID: 12, Title: " Hi ", Body: "there",
		DataJSON: `{"screen":"store","discount":20,"meta":{"a":1},"skip":null}`})
	require.NoError(t, err)
	assert.Equal(t, "Hi", msg.Title)
	assert.Equal(t, map[string]string{"campaign_id": "12", "screen": "store", "discount": "20", "meta": `{"a":1}`}, msg.Data)

	_, err = MessageFromCampaign(&models.PushCampaign{ID: 13})
	assert.ErrorIs(t, err, ErrInvalidCampaign)
}

func TestCancel(t *testing.T) {
	store := newMemStore()
	store.addCampaign(newCampaign(14))
	done := newCampaign(15)
	done.Status = models.CampaignStatusCompleted
	store.addCampaign(done)
	d := NewDispatcher(store, newFakeSender(), WithClock(clock))
	ctx := context.Background()

	ok, err := d.Cancel(ctx, 14)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, models.CampaignStatusCancelled, store.campaign(14).Status)

	ok, err = d.Cancel(ctx, 15)
	require.NoError(t, err)
	assert.False(t, ok)

	_, err = d.Cancel(ctx, 99)
	assert.ErrorIs(t, err, ErrCampaignNotFound)
}
