package models

import "time"

const (
	DevicePlatformIOS     = "ios"
	DevicePlatformAndroid = "android"
	DevicePlatformWeb     = "web"
)

// DeviceToken is a push registration. Rows are deactivated, never deleted.
type DeviceToken struct {
	ID            uint       `gorm:"primaryKey" json:"id"`
	UserID        uint       `gorm:"not null;index" json:"user_id"`
	Token         string     `gorm:"type:varchar(255);not null;uniqueIndex" json:"token" validate:"required,max=255"`
	Platform      string     `gorm:"type:varchar(10);not null;index:idx_device_tokens_active_platform,priority:2" json:"platform" validate:"oneof=ios android web"`
	IsActive      bool       `gorm:"not null;default:true;index:idx_device_tokens_active_platform,priority:1" json:"is_active"`
	DeactivatedAt *time.Time `gorm:"type:timestamp;default:null" json:"deactivated_at,omitempty"`
	LastError     string     `gorm:"type:varchar(255);not null;default:''" json:"last_error"`
	CreatedAt     time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt     time.Time  `gorm:"autoUpdateTime" json:"updated_at"`
}
