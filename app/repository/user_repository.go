package repository

import (
	"context"
	"errors"
	"strings"
	"time"

	"gorm.io/gorm"

	"github.com/ManuelReschke/storekeeper/app/models"
)

type userRepository struct {
	db  *gorm.DB
	now func() time.Time
}

// NewUserRepository creates a new user repository instance
func NewUserRepository(db *gorm.DB) UserRepository {
	return &userRepository{db: db, now: time.Now}
}

func (r *userRepository) GetByID(ctx context.Context, id uint) (*models.User, error) {
	var user models.User
	if err := r.db.WithContext(ctx).First(&user, id).Error; err != nil {
		return nil, err
	}
	return &user, nil
}

func (r *userRepository) GetByAPIKeyHash(ctx context.Context, hash string) (*models.User, *models.UserSettings, error) {
	hash = strings.TrimSpace(hash)
	if hash == "" {
		return nil, nil, gorm.ErrRecordNotFound
	}
	db := r.db.WithContext(ctx)
	var settings models.UserSettings
	err := db.Where("api_key_hash = ? AND api_key_revoked_at IS NULL", hash).First(&settings).Error
	if err != nil {
		return nil, nil, err
	}
	var user models.User
	if err := db.First(&user, settings.UserID).Error; err != nil {
		return nil, nil, err
	}
	return &user, &settings, nil
}

func (r *userRepository) TouchAPIKey(ctx context.Context, settingsID uint, at time.Time) error {
	return r.db.WithContext(ctx).Model(&models.UserSettings{}).
		Where("id = ?", settingsID).
		UpdateColumn("api_key_last_used_at", at).Error
}

// IssueAPIKey creates the settings row on first use. The user must exist.
func (r *userRepository) IssueAPIKey(ctx context.Context, userID uint) (string, *models.UserSettings, error) {
	key, err := models.NewAPIKey()
	if err != nil {
		return "", nil, err
	}
	var settings models.UserSettings
	err = r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var user models.User
		if err := tx.Select("id").First(&user, userID).Error; err != nil {
			return err
		}
		err := tx.Where("user_id = ?", userID).First(&settings).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			settings = models.UserSettings{UserID: userID, PushOptIn: true}
			settings.Install(key, r.now())
			return tx.Create(&settings).Error
		case err != nil:
			return err
		}
		settings.Install(key, r.now())
		return tx.Model(&settings).
			Select("api_key_hash", "api_key_prefix", "api_key_created_at", "api_key_last_used_at", "api_key_revoked_at").
			Updates(&settings).Error
	})
	if err != nil {
		return "", nil, err
	}
	return key.Raw, &settings, nil
}

// RevokeAPIKey reports false when the user had no active key.
func (r *userRepository) RevokeAPIKey(ctx context.Context, userID uint) (bool, error) {
	res := r.db.WithContext(ctx).Model(&models.UserSettings{}).
		Where("user_id = ? AND api_key_hash <> ''", userID).
		Updates(map[string]any{
			"api_key_hash":         "",
			"api_key_prefix":       "",
			"api_key_last_used_at": nil,
			"api_key_revoked_at":   r.now(),
		})
	return res.RowsAffected > 0, res.Error
}
