package push

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/storekeeper/app/models"
)

// Batch is everything one dispatched page writes back in a single transaction.
type Batch struct {
	// PrevCursorTokenID must still be the stored cursor when the batch commits.
	PrevCursorTokenID uint
	NextCursorTokenID uint
	Logs              []models.PushDispatchLog
	// Deactivate maps dead device token ids to the error that killed them.
	Deactivate map[uint]string
	Sent       int64
	Failed     int64
	LastError  string
}

// Store persists campaigns, recipients and dispatch outcomes.
type Store interface {
	GetCampaign(ctx context.Context, id uint) (*models.PushCampaign, error)
	// StartCampaign flips a pending campaign to processing; false when it was not pending.
	StartCampaign(ctx context.Context, id uint, total int64, at time.Time) (bool, error)
	CountRecipients(ctx context.Context, platform string) (int64, error)
	NextRecipients(ctx context.Context, platform string, afterTokenID uint, limit int) ([]Recipient, error)
	CommitBatch(ctx context.Context, campaignID uint, b Batch, at time.Time) error
	CompleteCampaign(ctx context.Context, id uint, at time.Time) error
	FailCampaign(ctx context.Context, id uint, reason string) error
	CancelCampaign(ctx context.Context, id uint) (bool, error)
	ListStalled(ctx context.Context, idleSince time.Time, limit int) ([]models.PushCampaign, error)
}

type gormStore struct {
	db *gorm.DB
}

// NewStore creates a campaign store backed by GORM.
func NewStore(db *gorm.DB) Store {
	return &gormStore{db: db}
}

func (s *gormStore) GetCampaign(ctx context.Context, id uint) (*models.PushCampaign, error) {
	var c models.PushCampaign
	if err := s.db.WithContext(ctx).First(&c, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrCampaignNotFound
		}
		return nil, err
	}
	return &c, nil
}

func (s *gormStore) StartCampaign(ctx context.Context, id uint, total int64, at time.Time) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.PushCampaign{}).
		Where("id = ? AND status = ?", id, models.CampaignStatusPending).
		Updates(map[string]interface{}{
			"status":           models.CampaignStatusProcessing,
			"total_recipients": total,
			"started_at":       at,
		})
	return res.RowsAffected > 0, res.Error
}

// recipients selects active tokens of users that did not opt out of push.
func (s *gormStore) recipients(ctx context.Context, platform string) *gorm.DB {
	optedOut := s.db.Model(&models.UserSettings{}).Select("user_id").Where("push_opt_in = ?", false)
	q := s.db.WithContext(ctx).Model(&models.DeviceToken{}).
		Where("is_active = ?", true).
		Where("user_id NOT IN (?)", optedOut)
	if platform != "" {
		q = q.Where("platform = ?", platform)
	}
	return q
}

func (s *gormStore) CountRecipients(ctx context.Context, platform string) (int64, error) {
	var n int64
	err := s.recipients(ctx, platform).Count(&n).Error
	return n, err
}

func (s *gormStore) NextRecipients(ctx context.Context, platform string, afterTokenID uint, limit int) ([]Recipient, error) {
	var rows []models.DeviceToken
	err := s.recipients(ctx, platform).
		Where("id > ?", afterTokenID).
		Order("id ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]Recipient, 0, len(rows))
	for _, r := range rows {
		out = append(out, Recipient{TokenID: r.ID, UserID: r.UserID, Token: r.Token, Platform: r.Platform})
	}
	return out, nil
}

// CommitBatch advances the cursor, appends the logs and deactivates dead
// tokens atomically. A cursor that moved since the batch was read aborts
// the whole write with ErrCursorMoved.
func (s *gormStore) CommitBatch(ctx context.Context, campaignID uint, b Batch, at time.Time) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := map[string]interface{}{
			"sent_count":      gorm.Expr("sent_count + ?", b.Sent),
			"failed_count":    gorm.Expr("failed_count + ?", b.Failed),
			"cursor_offset":   gorm.Expr("cursor_offset + ?", len(b.Logs)),
			"cursor_token_id": b.NextCursorTokenID,
		}
		if b.LastError != "" {
			updates["last_error"] = b.LastError
		}
		res := tx.Model(&models.PushCampaign{}).
			Where("id = ? AND cursor_token_id = ?", campaignID, b.PrevCursorTokenID).
			Updates(updates)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrCursorMoved
		}

		if len(b.Logs) > 0 {
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).CreateInBatches(b.Logs, 500).Error; err != nil {
				return err
			}
		}

		for id, reason := range b.Deactivate {
			if len(reason) > 255 {
				reason = reason[:255]
			}
			err := tx.Model(&models.DeviceToken{}).Where("id = ?", id).Updates(map[string]interface{}{
				"is_active":      false,
				"deactivated_at": at,
				"last_error":     reason,
			}).Error
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *gormStore) CompleteCampaign(ctx context.Context, id uint, at time.Time) error {
	return s.db.WithContext(ctx).Model(&models.PushCampaign{}).
		Where("id = ? AND status = ?", id, models.CampaignStatusProcessing).
		Updates(map[string]interface{}{
			"status":       models.CampaignStatusCompleted,
			"completed_at": at,
		}).Error
}

func (s *gormStore) FailCampaign(ctx context.Context, id uint, reason string) error {
	return s.db.WithContext(ctx).Model(&models.PushCampaign{}).
		Where("id = ? AND status IN ?", id, []string{models.CampaignStatusPending, models.CampaignStatusProcessing}).
		Updates(map[string]interface{}{
			"status":     models.CampaignStatusFailed,
			"last_error": reason,
		}).Error
}

func (s *gormStore) CancelCampaign(ctx context.Context, id uint) (bool, error) {
	res := s.db.WithContext(ctx).Model(&models.PushCampaign{}).
		Where("id = ? AND status IN ?", id, []string{models.CampaignStatusPending, models.CampaignStatusProcessing}).
		Update("status", models.CampaignStatusCancelled)
	return res.RowsAffected > 0, res.Error
}

func (s *gormStore) ListStalled(ctx context.Context, idleSince time.Time, limit int) ([]models.PushCampaign, error) {
	var rows []models.PushCampaign
	err := s.db.WithContext(ctx).
		Where("status = ? AND updated_at < ?", models.CampaignStatusProcessing, idleSince).
		Order("updated_at ASC").
		Limit(limit).
		Find(&rows).Error
	return rows, err
}
