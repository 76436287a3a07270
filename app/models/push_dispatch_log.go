package models

import "time"

const (
	DispatchOutcomeSent   = "sent"
	DispatchOutcomeFailed = "failed"
)

// PushDispatchLog records one delivery attempt per campaign and device token.
type PushDispatchLog struct {
	ID            uint      `gorm:"primaryKey" json:"id"`
	CampaignID    uint      `gorm:"not null;index:ux_push_dispatch_logs_campaign_token,unique,priority:1" json:"campaign_id"`
	DeviceTokenID uint      `gorm:"not null;index:ux_push_dispatch_logs_campaign_token,unique,priority:2" json:"device_token_id"`
	UserID        uint      `gorm:"not null;index" json:"user_id"`
	Token         string    `gorm:"type:varchar(255);not null" json:"token"`
	Outcome       string    `gorm:"type:varchar(10);not null;index" json:"outcome"`
	Error         string    `gorm:"type:varchar(512);not null;default:''" json:"error"`
	CreatedAt     time.Time `gorm:"autoCreateTime" json:"created_at"`
}
