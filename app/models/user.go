package models

import (
	"time"

	"github.com/go-playground/validator/v10"
	"gorm.io/gorm"

	"github.com/ManuelReschke/storekeeper/internal/pkg/entitlements"
)

const (
	ROLE_USER       = "user"
	ROLE_ADMIN      = "admin"
	STATUS_ACTIVE   = "active"
	STATUS_INACTIVE = "inactive"
	STATUS_DISABLED = "disabled"
)

// User is the profile row. Entitlement columns are written only through the
// billing service, which bumps EntitlementVersion on every change.
type User struct {
	ID                    uint           `gorm:"primaryKey" json:"id"`
	Name                  string         `gorm:"type:varchar(150)" json:"name" validate:"required,min=3,max=150"`
	Email                 string         `gorm:"uniqueIndex;type:varchar(200) CHARACTER SET utf8 COLLATE utf8_bin" json:"email" validate:"required,email,min=5,max=200"`
	Role                  string         `gorm:"type:varchar(50);default:'user'" json:"role" validate:"oneof=user admin"`
	Status                string         `gorm:"type:varchar(50);default:'active'" json:"status" validate:"oneof=active inactive disabled"`
	Plan                  string         `gorm:"type:varchar(50);not null;default:'free'" json:"plan"`
	SubscriptionStatus    string         `gorm:"type:varchar(20);not null;default:'none';index" json:"subscription_status"`
	SubscriptionEndDate   *time.Time     `gorm:"type:timestamp;default:null" json:"subscription_end_date,omitempty"`
	SubscriptionReference string         `gorm:"type:varchar(191);not null;default:'';index" json:"subscription_reference"`
	Credits               int64          `gorm:"not null;default:0" json:"credits" validate:"gte=0"`
	EntitlementVersion    int64          `gorm:"not null;default:0" json:"-"`
	StoreAccountID        string         `gorm:"type:varchar(191);not null;default:'';index" json:"-"`
	LastLoginAt           *time.Time     `gorm:"type:timestamp;default:null" json:"last_login_at"`
	CreatedAt             time.Time      `gorm:"autoCreateTime" json:"created_at"`
	UpdatedAt             time.Time      `gorm:"autoUpdateTime" json:"updated_at"`
	DeletedAt             gorm.DeletedAt `gorm:"index" json:"-"`
}

func (u *User) Validate() error {
	v := validator.New()

	return v.Struct(u)
}

func CreateUser(username string, email string) (*User, error) {
	u := &User{
		Name:               username,
		Email:              email,
		Role:               ROLE_USER,
		Status:             STATUS_ACTIVE,
		Plan:               string(entitlements.PlanFree),
		SubscriptionStatus: string(entitlements.StatusNone),
	}

	if err := u.Validate(); err != nil {
		return nil, err
	}

	return u, nil
}

// IsActive reports whether the user status is active
func (u *User) IsActive() bool {
	return u.Status == STATUS_ACTIVE
}

// Snapshot returns the entitlement columns as a domain snapshot.
func (u *User) Snapshot() entitlements.Snapshot {
	return entitlements.Snapshot{
		UserID:              u.ID,
		Plan:                entitlements.NormalizePlan(u.Plan),
		Status:              entitlements.NormalizeStatus(u.SubscriptionStatus),
		SubscriptionEndDate: u.SubscriptionEndDate,
		SubscriptionRef:     u.SubscriptionReference,
		Credits:             u.Credits,
		Version:             u.EntitlementVersion,
	}
}

// ApplySnapshot copies s onto the entitlement columns.
func (u *User) ApplySnapshot(s entitlements.Snapshot) {
	u.Plan = string(s.Plan)
	u.SubscriptionStatus = string(s.Status)
	u.SubscriptionEndDate = s.SubscriptionEndDate
	u.SubscriptionReference = s.SubscriptionRef
	u.Credits = s.Credits
	u.EntitlementVersion = s.Version
}
