package entitlements

import (
	"fmt"
	"strings"
	"time"
)

// Event is one input to Reconcile. The set of implementations is closed.
type Event interface {
	isEvent()
	Kind() string
}

// Purchase grants a mapped product, either from direct verification or a
// renewal/recovery notification.
type Purchase struct {
	ProductID             string
	TransactionID         string
	OriginalTransactionID string
	ExpiresAt             *time.Time
}

// Cancellation means auto-renew was turned off; access continues until ExpiresAt.
type Cancellation struct {
	ExpiresAt *time.Time
}

type Expiration struct{}

// Hold covers both account hold and grace period.
type Hold struct {
	ExpiresAt *time.Time
}

type Pause struct{}

type Revocation struct{}

// Void is a refund or chargeback of a previously granted order.
type Void struct {
	OrderID string
}

func (Purchase) isEvent()     {}
func (Cancellation) isEvent() {}
func (Expiration) isEvent()   {}
func (Hold) isEvent()         {}
func (Pause) isEvent()        {}
func (Revocation) isEvent()   {}
func (Void) isEvent()         {}

func (Purchase) Kind() string     { return "purchase" }
func (Cancellation) Kind() string { return "cancellation" }
func (Expiration) Kind() string   { return "expiration" }
func (Hold) Kind() string         { return "hold" }
func (Pause) Kind() string        { return "pause" }
func (Revocation) Kind() string   { return "revocation" }
func (Void) Kind() string         { return "void" }

// Outcome is the result of one reconciliation.
type Outcome struct {
	Snapshot Snapshot
	// Entry is the ledger row to append, nil for pure status transitions.
	Entry *LedgerEntry
	// Skipped is set when the event was already applied.
	Skipped bool
}

// Changed reports whether the outcome must be persisted.
func (o Outcome) Changed(before Snapshot) bool {
	if o.Skipped {
		return false
	}
	if o.Entry != nil {
		return true
	}
	a, b := o.Snapshot, before
	return a.Plan != b.Plan || a.Status != b.Status || a.Credits != b.Credits ||
		a.SubscriptionRef != b.SubscriptionRef || !sameTime(a.SubscriptionEndDate, b.SubscriptionEndDate)
}

// Reconcile computes the next entitlement snapshot for current given ev.
// It performs no I/O; ledger answers whether a reference was already recorded.
func Reconcile(current Snapshot, ev Event, catalog Catalog, ledger LedgerIndex, now time.Time) (Outcome, error) {
	next := current
	next.Plan = NormalizePlan(string(current.Plan))
	next.Status = NormalizeStatus(string(current.Status))

	switch e := ev.(type) {
	case Purchase:
		return reconcilePurchase(next, e, catalog, ledger, now)

	case Cancellation:
		next.Status = StatusCancelling
		if e.ExpiresAt != nil {
			next.SubscriptionEndDate = copyTime(e.ExpiresAt)
		}
		return Outcome{Snapshot: next}, nil

	case Expiration:
		next.Plan = PlanFree
		next.Status = StatusExpired
		return Outcome{Snapshot: next}, nil

	case Hold:
		next.Status = StatusPastDue
		if e.ExpiresAt != nil {
			next.SubscriptionEndDate = copyTime(e.ExpiresAt)
		}
		return Outcome{Snapshot: next}, nil

	case Pause:
		next.Status = StatusPaused
		return Outcome{Snapshot: next}, nil

	case Revocation:
		next.Plan = PlanFree
		next.Status = StatusRevoked
		return Outcome{Snapshot: next}, nil

	case Void:
		ref := strings.TrimSpace(e.OrderID)
		if ref == "" {
			return Outcome{Snapshot: current}, ErrMissingRef
		}
		if ledger != nil && ledger.HasRefund(ref) {
			return Outcome{Snapshot: current, Skipped: true}, nil
		}
		next.Plan = PlanFree
		next.Status = StatusRefunded
		next.Credits = 0
		return Outcome{
			Snapshot: next,
			Entry: &LedgerEntry{
				UserID:      current.UserID,
				Type:        LedgerRefund,
				Amount:      0,
				ReferenceID: ref,
				CreatedAt:   now,
			},
		}, nil

	default:
		return Outcome{Snapshot: current}, fmt.Errorf("%w: %T", ErrUnknownEvent, ev)
	}
}

func reconcilePurchase(next Snapshot, p Purchase, catalog Catalog, ledger LedgerIndex, now time.Time) (Outcome, error) {
	before := next
	mapping, ok := catalog.Lookup(p.ProductID)
	if !ok {
		return Outcome{Snapshot: before}, fmt.Errorf("%w: %q", ErrUnknownProduct, p.ProductID)
	}
	ref := strings.TrimSpace(p.TransactionID)
	if ref == "" {
		return Outcome{Snapshot: before}, ErrMissingRef
	}
	if ledger != nil && ledger.HasGrant(ref) {
		return Outcome{Snapshot: before, Skipped: true}, nil
	}

	entry := &LedgerEntry{
		UserID:      next.UserID,
		Amount:      mapping.CreditDelta,
		ReferenceID: ref,
		ProductID:   mapping.ProductID,
		CreatedAt:   now,
	}

	switch mapping.Kind {
	case KindConsumable:
		entry.Type = LedgerConsumable
		next.Credits += mapping.CreditDelta

	default:
		entry.Type = LedgerSubscription
		if before.HasActiveSubscription() {
			entry.Type = LedgerRenewal
		}
		next.Plan = mapping.Plan
		next.Status = StatusActive
		next.SubscriptionEndDate = copyTime(p.ExpiresAt)
		next.SubscriptionRef = ref
		next.Credits += mapping.CreditDelta
	}

	if next.Credits < 0 {
		next.Credits = 0
	}
	return Outcome{Snapshot: next, Entry: entry}, nil
}

func copyTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func sameTime(a, b *time.Time) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return a.Equal(*b)
}
