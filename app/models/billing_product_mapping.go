package models

import "time"

// BillingProductMapping lets operators add or override storefront product ids
// without a deploy. Active rows are merged over the built-in catalog.
type BillingProductMapping struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	Provider     string    `gorm:"type:varchar(20);not null;index" json:"provider"`
	ProductID    string    `gorm:"type:varchar(191);not null;uniqueIndex" json:"product_id" validate:"required,max=191"`
	InternalPlan string    `gorm:"type:varchar(50);not null;default:'free'" json:"internal_plan" validate:"oneof=free premium premium_max"`
	CreditDelta  int64     `gorm:"not null;default:0" json:"credit_delta" validate:"gte=0"`
	Kind         string    `gorm:"type:varchar(20);not null;default:'subscription'" json:"kind" validate:"oneof=subscription consumable"`
	IsActive     bool      `gorm:"default:true;index" json:"is_active"`
	CreatedAt    time.Time `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt    time.Time `gorm:"autoUpdateTime" json:"updated_at"`
}
