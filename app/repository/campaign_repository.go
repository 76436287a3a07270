package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/ManuelReschke/storekeeper/app/models"
)

type campaignRepository struct {
	db *gorm.DB
}

// NewCampaignRepository creates a new push campaign repository instance
func NewCampaignRepository(db *gorm.DB) CampaignRepository {
	return &campaignRepository{db: db}
}

func (r *campaignRepository) Create(ctx context.Context, c *models.PushCampaign) error {
	c.Status = models.CampaignStatusPending
	return r.db.WithContext(ctx).Create(c).Error
}

func (r *campaignRepository) GetByID(ctx context.Context, id uint) (*models.PushCampaign, error) {
	var c models.PushCampaign
	if err := r.db.WithContext(ctx).First(&c, id).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// List returns campaigns newest first, optionally filtered by status.
func (r *campaignRepository) List(ctx context.Context, status string, offset, limit int) ([]models.PushCampaign, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	q := r.db.WithContext(ctx).Order("id DESC").Offset(offset).Limit(limit)
	if status != "" {
		q = q.Where("status = ?", status)
	}
	var out []models.PushCampaign
	err := q.Find(&out).Error
	return out, err
}
