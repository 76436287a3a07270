package push

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"golang.org/x/sync/errgroup"

	"github.com/ManuelReschke/storekeeper/app/models"
	"github.com/ManuelReschke/storekeeper/internal/pkg/cache"
	"github.com/ManuelReschke/storekeeper/internal/pkg/env"
)

const (
	DefaultBatchSize        = 100
	DefaultMaxBatchesPerRun = 10
	DefaultLockTTL          = 5 * time.Minute
)

// Dispatcher sends a campaign in bounded batches and checkpoints after each one.
type Dispatcher struct {
	store      Store
	sender     Sender
	scheduler  Scheduler
	locker     *cache.Locker
	batchSize  int
	maxBatches int
	lockTTL    time.Duration
	now        func() time.Time
}

type Option func(*Dispatcher)

func WithBatchSize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.batchSize = n
		}
	}
}

func WithMaxBatchesPerRun(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.maxBatches = n
		}
	}
}

func WithScheduler(s Scheduler) Option {
	return func(d *Dispatcher) { d.scheduler = s }
}

// WithLocker serializes runs of the same campaign across processes.
func WithLocker(l *cache.Locker, ttl time.Duration) Option {
	return func(d *Dispatcher) {
		d.locker = l
		if ttl > 0 {
			d.lockTTL = ttl
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

func NewDispatcher(store Store, sender Sender, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		store:      store,
		sender:     sender,
		batchSize:  DefaultBatchSize,
		maxBatches: DefaultMaxBatchesPerRun,
		lockTTL:    DefaultLockTTL,
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// OptionsFromEnv reads PUSH_BATCH_SIZE, PUSH_MAX_BATCHES_PER_RUN and PUSH_LOCK_TTL.
func OptionsFromEnv() []Option {
	return []Option{
		WithBatchSize(env.GetEnvInt("PUSH_BATCH_SIZE", DefaultBatchSize)),
		WithMaxBatchesPerRun(env.GetEnvInt("PUSH_MAX_BATCHES_PER_RUN", DefaultMaxBatchesPerRun)),
	}
}

// LockTTLFromEnv is the campaign lock lifetime, renewed after every batch.
func LockTTLFromEnv() time.Duration {
	return env.GetEnvDuration("PUSH_LOCK_TTL", DefaultLockTTL)
}

// Dispatch runs up to the per-run batch budget for campaignID. The stored
// cursor is authoritative; resumeOffset is only compared against it.
func (d *Dispatcher) Dispatch(ctx context.Context, campaignID uint, resumeOffset int64) (*Result, error) {
	if d.locker != nil {
		lock, err := d.locker.Acquire(ctx, "push:campaign:"+strconv.FormatUint(uint64(campaignID), 10), d.lockTTL)
		if errors.Is(err, cache.ErrLockHeld) {
			return nil, ErrCampaignBusy
		}
		if err != nil {
			return nil, err
		}
		defer func() {
			if err := lock.Release(context.Background()); err != nil {
				log.Warnf("[Push] Failed to release lock for campaign %d: %v", campaignID, err)
			}
		}()
		return d.run(ctx, campaignID, resumeOffset, lock)
	}
	return d.run(ctx, campaignID, resumeOffset, nil)
}

func (d *Dispatcher) run(ctx context.Context, campaignID uint, resumeOffset int64, lock *cache.Lock) (*Result, error) {
	c, err := d.store.GetCampaign(ctx, campaignID)
	if err != nil {
		return nil, err
	}
	res := &Result{CampaignID: c.ID, Status: c.Status, Total: c.TotalRecipients, Offset: c.CursorOffset}
	if c.IsTerminal() {
		log.Infof("[Push] Campaign %d is %s, nothing to do", c.ID, c.Status)
		return res, nil
	}
	if resumeOffset != c.CursorOffset {
		log.Warnf("[Push] Campaign %d resume offset %d differs from stored cursor %d, using stored cursor",
			c.ID, resumeOffset, c.CursorOffset)
	}

	msg, err := MessageFromCampaign(c)
	if err != nil {
		if ferr := d.store.FailCampaign(ctx, c.ID, err.Error()); ferr != nil {
			return res, ferr
		}
		res.Status = models.CampaignStatusFailed
		log.Errorf("[Push] Campaign %d failed: %v", c.ID, err)
		return res, err
	}

	if c.Status == models.CampaignStatusPending {
		total, err := d.store.CountRecipients(ctx, c.TargetPlatform)
		if err != nil {
			return res, err
		}
		started, err := d.store.StartCampaign(ctx, c.ID, total, d.now())
		if err != nil {
			return res, err
		}
		if started {
			res.Total = total
			log.Infof("[Push] Campaign %d started with %d recipients (platform=%q)", c.ID, total, c.TargetPlatform)
		}
	}

	for batch := 0; batch < d.maxBatches; batch++ {
		current, err := d.store.GetCampaign(ctx, c.ID)
		if err != nil {
			return res, err
		}
		res.Status = current.Status
		res.Total = current.TotalRecipients
		res.Offset = current.CursorOffset
		if current.Status == models.CampaignStatusCancelled {
			log.Infof("[Push] Campaign %d cancelled at offset %d", c.ID, current.CursorOffset)
			return res, nil
		}
		if current.Status != models.CampaignStatusProcessing {
			return res, nil
		}

		if err := d.sender.Prepare(ctx); err != nil {
			log.Errorf("[Push] Campaign %d aborted at offset %d: %v", c.ID, current.CursorOffset, err)
			return res, fmt.Errorf("%w: %v", ErrSenderUnavailable, err)
		}

		page, err := d.store.NextRecipients(ctx, c.TargetPlatform, current.CursorTokenID, d.batchSize)
		if err != nil {
			return res, err
		}
		if len(page) == 0 {
			return res, d.complete(ctx, res)
		}

		b := d.sendBatch(ctx, c.ID, current.CursorTokenID, page, msg)
		if err := d.store.CommitBatch(ctx, c.ID, b, d.now()); err != nil {
			return res, err
		}
		res.Batches++
		res.Sent += b.Sent
		res.Failed += b.Failed
		res.Deactivated += len(b.Deactivate)
		res.Offset += int64(len(page))
		log.Infof("[Push] Campaign %d batch %d: sent=%d failed=%d deactivated=%d offset=%d",
			c.ID, batch+1, b.Sent, b.Failed, len(b.Deactivate), res.Offset)

		if lock != nil {
			if err := lock.Extend(ctx, d.lockTTL); err != nil {
				log.Warnf("[Push] Campaign %d lost its lock: %v", c.ID, err)
				return res, ErrCampaignBusy
			}
		}
		if len(page) < d.batchSize {
			return res, d.complete(ctx, res)
		}
	}

	res.Status = models.CampaignStatusProcessing
	if d.scheduler == nil {
		log.Warnf("[Push] Campaign %d paused at offset %d, no scheduler configured", c.ID, res.Offset)
		return res, nil
	}
	if err := d.scheduler.ScheduleContinuation(ctx, c.ID, res.Offset); err != nil {
		log.Errorf("[Push] Campaign %d continuation at offset %d not scheduled, the stalled sweep will resume it: %v",
			c.ID, res.Offset, err)
		return res, nil
	}
	res.Continued = true
	return res, nil
}

// Cancel flips a non-terminal campaign to cancelled. A running dispatch
// observes it before its next batch; the batch in flight still finishes.
func (d *Dispatcher) Cancel(ctx context.Context, campaignID uint) (bool, error) {
	if _, err := d.store.GetCampaign(ctx, campaignID); err != nil {
		return false, err
	}
	ok, err := d.store.CancelCampaign(ctx, campaignID)
	if err != nil {
		return false, err
	}
	if ok {
		log.Infof("[Push] Campaign %d cancelled", campaignID)
	}
	return ok, nil
}

func (d *Dispatcher) complete(ctx context.Context, res *Result) error {
	if err := d.store.CompleteCampaign(ctx, res.CampaignID, d.now()); err != nil {
		return err
	}
	res.Status = models.CampaignStatusCompleted
	log.Infof("[Push] Campaign %d completed after %d recipients", res.CampaignID, res.Offset)
	return nil
}

// sendBatch fans out one page. Recipient failures are recorded, never returned.
func (d *Dispatcher) sendBatch(ctx context.Context, campaignID, prevCursor uint, page []Recipient, msg Message) Batch {
	errs := make([]error, len(page))
	var g errgroup.Group
	g.SetLimit(len(page))
	for i := range page {
		i := i
		g.Go(func() error {
			errs[i] = d.sender.Send(ctx, page[i], msg)
			return nil
		})
	}
	_ = g.Wait()

	b := Batch{
		PrevCursorTokenID: prevCursor,
		NextCursorTokenID: page[len(page)-1].TokenID,
		Logs:              make([]models.PushDispatchLog, 0, len(page)),
		Deactivate:        map[uint]string{},
	}
	for i, r := range page {
		entry := models.PushDispatchLog{
			CampaignID:    campaignID,
			DeviceTokenID: r.TokenID,
			UserID:        r.UserID,
			Token:         r.Token,
			Outcome:       models.DispatchOutcomeSent,
		}
		if err := errs[i]; err != nil {
			entry.Outcome = models.DispatchOutcomeFailed
			entry.Error = truncate(err.Error(), 512)
			b.Failed++
			b.LastError = entry.Error
			if IsPermanent(err) {
				b.Deactivate[r.TokenID] = err.Error()
			}
		} else {
			b.Sent++
		}
		b.Logs = append(b.Logs, entry)
	}
	return b
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
