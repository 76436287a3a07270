package jobqueue

import (
	"context"
	"errors"
	"fmt"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/storekeeper/internal/pkg/push"
)

// CampaignDispatcher is the part of push.Dispatcher the queue drives.
type CampaignDispatcher interface {
	Dispatch(ctx context.Context, campaignID uint, resumeOffset int64) (*push.Result, error)
}

// DeliveryRecorder receives the sent and failed totals of each run.
type DeliveryRecorder interface {
	AddDeliveries(ctx context.Context, sent, failed int64) error
}

// PushDispatchHandler runs one dispatcher invocation per job. Busy, missing
// and invalid campaigns are dropped; anything else is retried by the queue.
// rec may be nil.
func PushDispatchHandler(d CampaignDispatcher, rec DeliveryRecorder) Handler {
	return func(ctx context.Context, job *Job) error {
		var payload PushDispatchPayload
		if err := job.Decode(&payload); err != nil {
			return Permanent(fmt.Errorf("invalid payload: %w", err))
		}
		if payload.CampaignID == 0 {
			log.Warnf("[JobQueue] Push job %s has no campaign id, dropping", job.ID)
			return nil
		}

		res, err := d.Dispatch(ctx, payload.CampaignID, payload.Offset)
		switch {
		case errors.Is(err, push.ErrCampaignBusy):
			// The holder of the lock schedules its own continuation.
			log.Infof("[JobQueue] Campaign %d is being dispatched elsewhere, dropping job %s", payload.CampaignID, job.ID)
			return nil
		case errors.Is(err, push.ErrCampaignNotFound), errors.Is(err, push.ErrInvalidCampaign):
			log.Warnf("[JobQueue] Dropping push job %s for campaign %d: %v", job.ID, payload.CampaignID, err)
			return nil
		case err != nil:
			return err
		}

		log.Infof("[JobQueue] Campaign %d (%s): offset %d/%d, sent %d, failed %d, continued=%t",
			res.CampaignID, res.Status, res.Offset, res.Total, res.Sent, res.Failed, res.Continued)
		if rec != nil {
			if err := rec.AddDeliveries(ctx, res.Sent, res.Failed); err != nil {
				log.Warnf("[JobQueue] Recording delivery totals failed: %v", err)
			}
		}
		return nil
	}
}
