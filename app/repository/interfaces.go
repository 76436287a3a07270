package repository

import (
	"context"
	"time"

	"github.com/ManuelReschke/storekeeper/app/models"
)

// UserRepository resolves API keys to their owners and manages key material.
type UserRepository interface {
	GetByID(ctx context.Context, id uint) (*models.User, error)
	// GetByAPIKeyHash only matches keys that are neither blank nor revoked.
	GetByAPIKeyHash(ctx context.Context, hash string) (*models.User, *models.UserSettings, error)
	TouchAPIKey(ctx context.Context, settingsID uint, at time.Time) error
	// IssueAPIKey replaces the user's key and returns the raw value once.
	IssueAPIKey(ctx context.Context, userID uint) (string, *models.UserSettings, error)
	RevokeAPIKey(ctx context.Context, userID uint) (bool, error)
}

// DeviceRepository manages push registrations
type DeviceRepository interface {
	// Register stores token for userID, moving it from another user and
	// reactivating it if needed. created reports a new row.
	Register(ctx context.Context, userID uint, token, platform string) (device *models.DeviceToken, created bool, err error)
	Unregister(ctx context.Context, userID uint, token string) (bool, error)
	CountActiveByUser(ctx context.Context, userID uint) (int64, error)
}

// CampaignRepository is the operator side of push campaigns; the dispatcher
// uses its own store.
type CampaignRepository interface {
	Create(ctx context.Context, c *models.PushCampaign) error
	GetByID(ctx context.Context, id uint) (*models.PushCampaign, error)
	List(ctx context.Context, status string, offset, limit int) ([]models.PushCampaign, error)
}
