package statistics

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/redis/go-redis/v9"
	"gorm.io/gorm"

	"github.com/ManuelReschke/storekeeper/app/models"
)

const (
	CacheKeyOverview = "statistics:overview"
	CacheExpiration  = 5 * time.Minute
)

// Overview is the operator summary of entitlements and push reach.
type Overview struct {
	UsersByPlan         map[string]int64 `json:"users_by_plan"`
	ActiveSubscriptions int64            `json:"active_subscriptions"`
	CreditsGrantedToday int64            `json:"credits_granted_today"`
	ActiveDevices       map[string]int64 `json:"active_devices"`
	CampaignsByStatus   map[string]int64 `json:"campaigns_by_status"`
	GeneratedAt         time.Time        `json:"generated_at"`
}

// Service serves the overview from Redis, recomputing it when the cached
// copy expired.
type Service struct {
	db  *gorm.DB
	rdb *redis.Client
	now func() time.Time
}

func NewService(db *gorm.DB, rdb *redis.Client) *Service {
	return &Service{db: db, rdb: rdb, now: time.Now}
}

// Overview returns the cached summary or computes and caches a fresh one.
func (s *Service) Overview(ctx context.Context) (*Overview, error) {
	raw, err := s.rdb.Get(ctx, CacheKeyOverview).Bytes()
	if err == nil {
		var o Overview
		if jerr := json.Unmarshal(raw, &o); jerr == nil {
			return &o, nil
		}
	} else if !errors.Is(err, redis.Nil) {
		log.Warnf("[Statistics] Reading cached overview failed: %v", err)
	}

	o, err := s.Compute(ctx)
	if err != nil {
		return nil, err
	}
	if raw, err := json.Marshal(o); err == nil {
		if err := s.rdb.Set(ctx, CacheKeyOverview, raw, CacheExpiration).Err(); err != nil {
			log.Warnf("[Statistics] Caching overview failed: %v", err)
		}
	}
	return o, nil
}

type groupCount struct {
	Key   string
	Total int64
}

// Compute queries the database directly.
func (s *Service) Compute(ctx context.Context) (*Overview, error) {
	db := s.db.WithContext(ctx)
	now := s.now().UTC()
	o := &Overview{GeneratedAt: now}

	var err error
	if o.UsersByPlan, err = countBy(db.Model(&models.User{}), "plan"); err != nil {
		return nil, err
	}
	if err := db.Model(&models.User{}).
		Where("subscription_status = ? AND subscription_end_date > ?", "active", now).
		Count(&o.ActiveSubscriptions).Error; err != nil {
		return nil, err
	}

	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	if err := db.Model(&models.CreditTransaction{}).
		Select("COALESCE(SUM(amount), 0)").
		Where("amount > 0 AND created_at >= ?", dayStart).
		Scan(&o.CreditsGrantedToday).Error; err != nil {
		return nil, err
	}

	if o.ActiveDevices, err = countBy(db.Model(&models.DeviceToken{}).Where("is_active = ?", true), "platform"); err != nil {
		return nil, err
	}
	if o.CampaignsByStatus, err = countBy(db.Model(&models.PushCampaign{}), "status"); err != nil {
		return nil, err
	}
	return o, nil
}

// Invalidate drops the cached overview.
func (s *Service) Invalidate(ctx context.Context) error {
	return s.rdb.Del(ctx, CacheKeyOverview).Err()
}

func countBy(q *gorm.DB, column string) (map[string]int64, error) {
	var rows []groupCount
	if err := q.Select(column + " AS `key`, COUNT(*) AS total").Group(column).Scan(&rows).Error; err != nil {
		return nil, err
	}
	out := make(map[string]int64, len(rows))
	for _, r := range rows {
		out[r.Key] = r.Total
	}
	return out, nil
}
