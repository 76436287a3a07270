package models

import "time"

const (
	CampaignStatusPending    = "pending"
	CampaignStatusProcessing = "processing"
	CampaignStatusCompleted  = "completed"
	CampaignStatusCancelled  = "cancelled"
	CampaignStatusFailed     = "failed"
)

// PushCampaign is inserted by an operator tool and advanced by the dispatcher.
// CursorTokenID is the last device token id processed; CursorOffset counts
// processed recipients.
type PushCampaign struct {
	ID              uint       `gorm:"primaryKey" json:"id"`
	Title           string     `gorm:"type:varchar(200);not null" json:"title"`
	Body            string     `gorm:"type:text;not null" json:"body"`
	ImageURL        string     `gorm:"type:varchar(512);not null;default:''" json:"image_url"`
	DataJSON        string     `gorm:"type:text" json:"data_json"`
	TargetPlatform  string     `gorm:"type:varchar(10);not null;default:''" json:"target_platform"`
	Status          string     `gorm:"type:varchar(20);not null;default:'pending';index" json:"status"`
	TotalRecipients int64      `gorm:"not null;default:0" json:"total_recipients"`
	SentCount       int64      `gorm:"not null;default:0" json:"sent_count"`
	FailedCount     int64      `gorm:"not null;default:0" json:"failed_count"`
	CursorOffset    int64      `gorm:"not null;default:0" json:"cursor_offset"`
	CursorTokenID   uint       `gorm:"not null;default:0" json:"cursor_token_id"`
	LastError       string     `gorm:"type:text" json:"last_error"`
	StartedAt       *time.Time `gorm:"type:timestamp;default:null" json:"started_at,omitempty"`
	CompletedAt     *time.Time `gorm:"type:timestamp;default:null" json:"completed_at,omitempty"`
	CreatedAt       time.Time  `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt       time.Time  `gorm:"autoUpdateTime;index" json:"updated_at"`
}

// IsTerminal reports whether the dispatcher will never touch the campaign again.
func (c *PushCampaign) IsTerminal() bool {
	switch c.Status {
	case CampaignStatusCompleted, CampaignStatusCancelled, CampaignStatusFailed:
		return true
	}
	return false
}
