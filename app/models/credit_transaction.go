package models

import "time"

// CreditTransaction is one append-only ledger row. (reference_id, type) is
// unique; grant types additionally share one idempotency class per reference.
type CreditTransaction struct {
	ID          uint      `gorm:"primaryKey" json:"id"`
	UserID      uint      `gorm:"not null;index" json:"user_id"`
	Type        string    `gorm:"type:varchar(20);not null;index:ux_credit_transactions_ref_type,unique,priority:2" json:"type"`
	Amount      int64     `gorm:"not null" json:"amount"`
	ReferenceID string    `gorm:"type:varchar(191);not null;index:ux_credit_transactions_ref_type,unique,priority:1" json:"reference_id"`
	ProductID   string    `gorm:"type:varchar(191);not null;default:''" json:"product_id"`
	Platform    string    `gorm:"type:varchar(20);not null;default:''" json:"platform"`
	CreatedAt   time.Time `gorm:"autoCreateTime;index" json:"created_at"`
}
