package repository

import (
	"context"
	"errors"
	"strings"

	"gorm.io/gorm"

	"github.com/ManuelReschke/storekeeper/app/models"
)

type deviceRepository struct {
	db *gorm.DB
}

// NewDeviceRepository creates a new device token repository instance
func NewDeviceRepository(db *gorm.DB) DeviceRepository {
	return &deviceRepository{db: db}
}

// Register upserts by token. A token seen again after an app reinstall or a
// re-login belongs to the latest user and is active again.
func (r *deviceRepository) Register(ctx context.Context, userID uint, token, platform string) (*models.DeviceToken, bool, error) {
	token = strings.TrimSpace(token)
	var device models.DeviceToken
	created := false
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.Where("token = ?", token).First(&device).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			device = models.DeviceToken{UserID: userID, Token: token, Platform: platform, IsActive: true}
			created = true
			return tx.Create(&device).Error
		}
		if err != nil {
			return err
		}
		device.UserID = userID
		device.Platform = platform
		device.IsActive = true
		device.DeactivatedAt = nil
		device.LastError = ""
		return tx.Model(&device).Select("user_id", "platform", "is_active", "deactivated_at", "last_error").Updates(&device).Error
	})
	if err != nil {
		return nil, false, err
	}
	return &device, created, nil
}

// Unregister deactivates token if it belongs to userID.
func (r *deviceRepository) Unregister(ctx context.Context, userID uint, token string) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.DeviceToken{}).
		Where("token = ? AND user_id = ? AND is_active = ?", strings.TrimSpace(token), userID, true).
		Updates(map[string]any{"is_active": false, "deactivated_at": gorm.Expr("CURRENT_TIMESTAMP"), "last_error": "unregistered by client"})
	return res.RowsAffected > 0, res.Error
}

func (r *deviceRepository) CountActiveByUser(ctx context.Context, userID uint) (int64, error) {
	var n int64
	err := r.db.WithContext(ctx).Model(&models.DeviceToken{}).
		Where("user_id = ? AND is_active = ?", userID, true).
		Count(&n).Error
	return n, err
}
