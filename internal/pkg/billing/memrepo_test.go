package billing

import (
	"context"
	"strconv"
	"sync"
	"time"

	"gorm.io/gorm"

	"github.com/ManuelReschke/storekeeper/app/models"
	"github.com/ManuelReschke/storekeeper/internal/pkg/entitlements"
)

// memRepo is an in-memory Repository with the same uniqueness and
// version-guard semantics as the GORM implementation.
type memRepo struct {
	mu       sync.Mutex
	users    map[uint]*models.User
	ledger   []models.CreditTransaction
	events   []*models.BillingWebhookEvent
	mappings []models.BillingProductMapping

	// conflicts makes the next N ApplyEntitlement calls fail as if another
	// writer bumped the version in between.
	conflicts int
	applies   int
}

func newMemRepo(users ...*models.User) *memRepo {
	r := &memRepo{users: make(map[uint]*models.User)}
	for _, u := range users {
		if u.Plan == "" {
			u.Plan = string(entitlements.PlanFree)
		}
		if u.SubscriptionStatus == "" {
			u.SubscriptionStatus = string(entitlements.StatusNone)
		}
		r.users[u.ID] = u
	}
	return r
}

func (r *memRepo) user(id uint) models.User {
	r.mu.Lock()
	defer r.mu.Unlock()
	return *r.users[id]
}

func (r *memRepo) GetUser(ctx context.Context, userID uint) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	u, ok := r.users[userID]
	if !ok {
		return nil, gorm.ErrRecordNotFound
	}
	cp := *u
	return &cp, nil
}

func (r *memRepo) FindUserBySubscriptionReference(ctx context.Context, ref string) (*models.User, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, u := range r.users {
		if u.SubscriptionReference == ref {
			cp := *u
			return &cp, nil
		}
	}
	return nil, gorm.ErrRecordNotFound
}

func (r *memRepo) FindUserByAccountID(ctx context.Context, accountID string) (*models.User, error) {
	r.mu.Lock()
	for _, u := range r.users {
		if u.StoreAccountID != "" && u.StoreAccountID == accountID {
			cp := *u
			r.mu.Unlock()
			return &cp, nil
		}
	}
	r.mu.Unlock()
	id, err := strconv.ParseUint(accountID, 10, 64)
	if err != nil {
		return nil, gorm.ErrRecordNotFound
	}
	return r.GetUser(ctx, uint(id))
}

func (r *memRepo) FindGrantOwner(ctx context.Context, ref string) (uint, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, tx := range r.ledger {
		if tx.ReferenceID == ref && tx.Type != string(entitlements.LedgerRefund) && tx.Type != string(entitlements.LedgerUsage) {
			return tx.UserID, nil
		}
	}
	return 0, gorm.ErrRecordNotFound
}

func (r *memRepo) LedgerTypesForReference(ctx context.Context, ref string) ([]string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, tx := range r.ledger {
		if tx.ReferenceID == ref {
			out = append(out, tx.Type)
		}
	}
	return out, nil
}

func (r *memRepo) ApplyEntitlement(ctx context.Context, userID uint, expectedVersion int64, next entitlements.Snapshot, entry *models.CreditTransaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.applies++

	u, ok := r.users[userID]
	if !ok {
		return gorm.ErrRecordNotFound
	}
	if r.conflicts > 0 {
		r.conflicts--
		u.EntitlementVersion++
		return ErrConcurrentUpdate
	}
	if u.EntitlementVersion != expectedVersion {
		return ErrConcurrentUpdate
	}
	if entry != nil {
		for _, tx := range r.ledger {
			if tx.ReferenceID == entry.ReferenceID && tx.Type == entry.Type {
				return ErrDuplicateReference
			}
		}
		entry.ID = uint(len(r.ledger) + 1)
		r.ledger = append(r.ledger, *entry)
	}
	next.Version = expectedVersion + 1
	u.ApplySnapshot(next)
	return nil
}

func (r *memRepo) ListActiveProductMappings(ctx context.Context) ([]models.BillingProductMapping, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []models.BillingProductMapping
	for _, m := range r.mappings {
		if m.IsActive {
			out = append(out, m)
		}
	}
	return out, nil
}

func (r *memRepo) CreateWebhookEventIfNotExists(ctx context.Context, event *models.BillingWebhookEvent) (bool, *models.BillingWebhookEvent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.Provider == event.Provider && e.ProviderEventID == event.ProviderEventID {
			cp := *e
			return false, &cp, nil
		}
	}
	event.ID = uint(len(r.events) + 1)
	stored := *event
	r.events = append(r.events, &stored)
	return true, event, nil
}

func (r *memRepo) MarkWebhookProcessed(ctx context.Context, id uint, processingError string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e.ID == id {
			now := time.Now()
			e.ProcessedAt = &now
			e.ProcessingError = processingError
			return nil
		}
	}
	return gorm.ErrRecordNotFound
}

type stubVerifier struct {
	purchase *VerifiedPurchase
	err      error
	calls    int
}

func (s *stubVerifier) Verify(ctx context.Context, proof Proof) (*VerifiedPurchase, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	cp := *s.purchase
	return &cp, nil
}

type memArchive struct {
	mu   sync.Mutex
	keys []string
}

func (a *memArchive) Archive(ctx context.Context, kind, key string, body []byte) error {
	a.mu.Lock()
	a.keys = append(a.keys, kind+"/"+key)
	a.mu.Unlock()
	return nil
}
