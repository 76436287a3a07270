package entitlements

import (
	"strings"
	"time"
)

type Plan string

const (
	PlanFree       Plan = "free"
	PlanPremium    Plan = "premium"
	PlanPremiumMax Plan = "premium_max"
)

// NormalizePlan maps stored plan strings onto known plans, defaulting to free.
func NormalizePlan(plan string) Plan {
	switch Plan(strings.ToLower(strings.TrimSpace(plan))) {
	case PlanPremium:
		return PlanPremium
	case PlanPremiumMax:
		return PlanPremiumMax
	default:
		return PlanFree
	}
}

// SubscriptionStatus is the lifecycle state of a user's storefront subscription.
type SubscriptionStatus string

const (
	StatusNone       SubscriptionStatus = "none"
	StatusActive     SubscriptionStatus = "active"
	StatusCancelling SubscriptionStatus = "cancelling"
	StatusPastDue    SubscriptionStatus = "past_due"
	StatusPaused     SubscriptionStatus = "paused"
	StatusExpired    SubscriptionStatus = "expired"
	StatusRevoked    SubscriptionStatus = "revoked"
	StatusRefunded   SubscriptionStatus = "refunded"
)

// NormalizeStatus maps stored status strings onto known statuses, defaulting to none.
func NormalizeStatus(status string) SubscriptionStatus {
	s := SubscriptionStatus(strings.ToLower(strings.TrimSpace(status)))
	switch s {
	case StatusActive, StatusCancelling, StatusPastDue, StatusPaused,
		StatusExpired, StatusRevoked, StatusRefunded:
		return s
	default:
		return StatusNone
	}
}

// IsEntitling reports whether the status still grants the paid plan.
func (s SubscriptionStatus) IsEntitling() bool {
	switch s {
	case StatusActive, StatusCancelling, StatusPastDue:
		return true
	default:
		return false
	}
}

// Snapshot is the entitlement state stored on a user's profile row.
type Snapshot struct {
	UserID              uint
	Plan                Plan
	Status              SubscriptionStatus
	SubscriptionEndDate *time.Time
	SubscriptionRef     string
	Credits             int64
	// Version is the optimistic concurrency token of the stored row.
	Version int64
}

// HasActiveSubscription is true when a paid plan is currently granted.
func (s Snapshot) HasActiveSubscription() bool {
	return s.Plan != PlanFree && s.Status.IsEntitling()
}

// LedgerType classifies credit ledger rows.
type LedgerType string

const (
	LedgerSubscription LedgerType = "subscription"
	LedgerRenewal      LedgerType = "renewal"
	LedgerConsumable   LedgerType = "consumable"
	LedgerUsage        LedgerType = "usage"
	LedgerRefund       LedgerType = "refund"
)

// GrantTypes share one idempotency class keyed by reference id.
var GrantTypes = []LedgerType{LedgerSubscription, LedgerRenewal, LedgerConsumable}

// LedgerEntry is one append-only credit ledger row.
type LedgerEntry struct {
	UserID      uint
	Type        LedgerType
	Amount      int64
	ReferenceID string
	ProductID   string
	CreatedAt   time.Time
}

// LedgerIndex answers idempotency questions about already recorded rows.
type LedgerIndex interface {
	HasGrant(referenceID string) bool
	HasRefund(referenceID string) bool
}

// RecordedRefs is an in-memory LedgerIndex, typically filled by the caller
// from the rows that exist for one reference before reconciling.
type RecordedRefs map[string][]LedgerType

func (r RecordedRefs) HasGrant(referenceID string) bool {
	for _, t := range r[referenceID] {
		if t == LedgerSubscription || t == LedgerRenewal || t == LedgerConsumable {
			return true
		}
	}
	return false
}

func (r RecordedRefs) HasRefund(referenceID string) bool {
	for _, t := range r[referenceID] {
		if t == LedgerRefund {
			return true
		}
	}
	return false
}

// Add records a row type for a reference.
func (r RecordedRefs) Add(referenceID string, t LedgerType) {
	r[referenceID] = append(r[referenceID], t)
}
