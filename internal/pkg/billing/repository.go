package billing

import (
	"context"
	"errors"
	"strconv"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/ManuelReschke/storekeeper/app/models"
	"github.com/ManuelReschke/storekeeper/internal/pkg/entitlements"
)

// Repository provides DB operations used by the billing service.
type Repository interface {
	GetUser(ctx context.Context, userID uint) (*models.User, error)
	FindUserBySubscriptionReference(ctx context.Context, ref string) (*models.User, error)
	FindUserByAccountID(ctx context.Context, accountID string) (*models.User, error)
	FindGrantOwner(ctx context.Context, ref string) (uint, error)
	LedgerTypesForReference(ctx context.Context, ref string) ([]string, error)
	ApplyEntitlement(ctx context.Context, userID uint, expectedVersion int64, next entitlements.Snapshot, entry *models.CreditTransaction) error
	ListActiveProductMappings(ctx context.Context) ([]models.BillingProductMapping, error)
	CreateWebhookEventIfNotExists(ctx context.Context, event *models.BillingWebhookEvent) (bool, *models.BillingWebhookEvent, error)
	MarkWebhookProcessed(ctx context.Context, id uint, processingError string) error
}

type gormRepository struct {
	db *gorm.DB
}

// NewRepository creates a billing repository backed by GORM.
func NewRepository(db *gorm.DB) Repository {
	return &gormRepository{db: db}
}

func (r *gormRepository) GetUser(ctx context.Context, userID uint) (*models.User, error) {
	var u models.User
	if err := r.db.WithContext(ctx).First(&u, userID).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

func (r *gormRepository) FindUserBySubscriptionReference(ctx context.Context, ref string) (*models.User, error) {
	var u models.User
	if err := r.db.WithContext(ctx).Where("subscription_reference = ?", ref).First(&u).Error; err != nil {
		return nil, err
	}
	return &u, nil
}

// FindUserByAccountID matches the obfuscated account id against the stored
// store account id, then against the numeric user id.
func (r *gormRepository) FindUserByAccountID(ctx context.Context, accountID string) (*models.User, error) {
	var u models.User
	err := r.db.WithContext(ctx).Where("store_account_id = ?", accountID).First(&u).Error
	if err == nil {
		return &u, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, err
	}
	id, convErr := strconv.ParseUint(accountID, 10, 64)
	if convErr != nil || id == 0 {
		return nil, gorm.ErrRecordNotFound
	}
	return r.GetUser(ctx, uint(id))
}

func (r *gormRepository) FindGrantOwner(ctx context.Context, ref string) (uint, error) {
	var tx models.CreditTransaction
	err := r.db.WithContext(ctx).Where("reference_id = ? AND type IN ?", ref, grantTypeNames()).
		Order("id ASC").
		First(&tx).Error
	if err != nil {
		return 0, err
	}
	return tx.UserID, nil
}

func (r *gormRepository) LedgerTypesForReference(ctx context.Context, ref string) ([]string, error) {
	var types []string
	err := r.db.WithContext(ctx).Model(&models.CreditTransaction{}).
		Where("reference_id = ?", ref).
		Pluck("type", &types).Error
	return types, err
}

// ApplyEntitlement writes the ledger row and the new snapshot in one
// transaction, guarded by the entitlement version read by the caller.
func (r *gormRepository) ApplyEntitlement(ctx context.Context, userID uint, expectedVersion int64, next entitlements.Snapshot, entry *models.CreditTransaction) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if entry != nil {
			if err := tx.Create(entry).Error; err != nil {
				if errors.Is(err, gorm.ErrDuplicatedKey) {
					return ErrDuplicateReference
				}
				return err
			}
		}

		res := tx.Model(&models.User{}).
			Where("id = ? AND entitlement_version = ?", userID, expectedVersion).
			Updates(map[string]interface{}{
				"plan":                   string(next.Plan),
				"subscription_status":    string(next.Status),
				"subscription_end_date":  next.SubscriptionEndDate,
				"subscription_reference": next.SubscriptionRef,
				"credits":                next.Credits,
				"entitlement_version":    expectedVersion + 1,
			})
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrConcurrentUpdate
		}
		return nil
	})
}

func (r *gormRepository) ListActiveProductMappings(ctx context.Context) ([]models.BillingProductMapping, error) {
	var rows []models.BillingProductMapping
	err := r.db.WithContext(ctx).Where("is_active = ?", true).Find(&rows).Error
	return rows, err
}

func (r *gormRepository) CreateWebhookEventIfNotExists(ctx context.Context, event *models.BillingWebhookEvent) (bool, *models.BillingWebhookEvent, error) {
	tx := r.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "provider"},
			{Name: "provider_event_id"},
		},
		DoNothing: true,
	}).Create(event)
	if tx.Error != nil {
		return false, nil, tx.Error
	}

	created := tx.RowsAffected > 0
	var stored models.BillingWebhookEvent
	if err := r.db.WithContext(ctx).Where("provider = ? AND provider_event_id = ?", event.Provider, event.ProviderEventID).
		First(&stored).Error; err != nil {
		return false, nil, err
	}
	return created, &stored, nil
}

func (r *gormRepository) MarkWebhookProcessed(ctx context.Context, id uint, processingError string) error {
	now := time.Now()
	updates := map[string]interface{}{
		"processed_at":     &now,
		"processing_error": processingError,
	}
	return r.db.WithContext(ctx).Model(&models.BillingWebhookEvent{}).Where("id = ?", id).Updates(updates).Error
}

func grantTypeNames() []string {
	out := make([]string, 0, len(entitlements.GrantTypes))
	for _, t := range entitlements.GrantTypes {
		out = append(out, string(t))
	}
	return out
}
