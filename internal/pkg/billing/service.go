package billing

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/storekeeper/app/models"
	"github.com/ManuelReschke/storekeeper/internal/pkg/entitlements"
)

// maxApplyAttempts bounds optimistic retries when two writers race on one user.
const maxApplyAttempts = 3

// Archiver stores raw storefront payloads for audit. Failures are logged only.
type Archiver interface {
	Archive(ctx context.Context, kind, key string, body []byte) error
}

// Service verifies purchases and applies entitlement changes.
type Service struct {
	repo     Repository
	verifier ReceiptVerifier
	archiver Archiver
	now      func() time.Time

	mu      sync.RWMutex
	catalog entitlements.Catalog
}

type ServiceOption func(*Service)

func WithArchiver(a Archiver) ServiceOption {
	return func(s *Service) { s.archiver = a }
}

func WithClock(now func() time.Time) ServiceOption {
	return func(s *Service) { s.now = now }
}

func WithCatalog(c entitlements.Catalog) ServiceOption {
	return func(s *Service) { s.catalog = c }
}

// NewService creates a billing service from an injected repository.
func NewService(repo Repository, verifier ReceiptVerifier, opts ...ServiceOption) *Service {
	s := &Service{
		repo:     repo,
		verifier: verifier,
		now:      time.Now,
		catalog:  entitlements.DefaultCatalog(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewServiceFromDB creates a billing service from a GORM DB handle.
func NewServiceFromDB(db *gorm.DB, verifier ReceiptVerifier, opts ...ServiceOption) *Service {
	return NewService(NewRepository(db), verifier, opts...)
}

// Catalog returns the product table currently in use.
func (s *Service) Catalog() entitlements.Catalog {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.catalog
}

// RefreshCatalog merges active billing_product_mappings rows over the built-in catalog.
func (s *Service) RefreshCatalog(ctx context.Context) error {
	rows, err := s.repo.ListActiveProductMappings(ctx)
	if err != nil {
		return err
	}
	overrides := make(entitlements.Catalog, len(rows))
	for _, row := range rows {
		kind := entitlements.KindSubscription
		if row.Kind == string(entitlements.KindConsumable) {
			kind = entitlements.KindConsumable
		}
		id := strings.TrimSpace(row.ProductID)
		overrides[id] = entitlements.ProductMapping{
			ProductID:   id,
			Plan:        entitlements.NormalizePlan(row.InternalPlan),
			CreditDelta: row.CreditDelta,
			Kind:        kind,
		}
	}
	merged := entitlements.DefaultCatalog().Merge(overrides)

	s.mu.Lock()
	s.catalog = merged
	s.mu.Unlock()
	log.Infof("[Billing] Product catalog loaded: %d products (%d from database)", len(merged), len(overrides))
	return nil
}

// Entitlement returns the stored entitlement for userID.
func (s *Service) Entitlement(ctx context.Context, userID uint) (*EntitlementView, error) {
	u, err := s.repo.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	return viewOf(u.Snapshot()), nil
}

// VerifyAndGrant validates a fresh purchase and credits it to userID.
func (s *Service) VerifyAndGrant(ctx context.Context, userID uint, proof Proof) (*EntitlementView, error) {
	vp, err := s.verify(ctx, proof)
	if err != nil {
		return nil, err
	}
	if vp.IsExpired(s.now()) {
		return nil, permanentf("subscription %s expired at %s", vp.ProductID, vp.ExpiresAt.Format(time.RFC3339))
	}

	out, err := s.ApplyEvent(ctx, userID, vp.Platform, purchaseEvent(vp))
	if err != nil {
		return nil, err
	}
	return viewOf(out.Snapshot), nil
}

// Restore re-validates an earlier purchase. Already granted and lapsed
// purchases return the current entitlement without a change.
func (s *Service) Restore(ctx context.Context, userID uint, proof Proof) (*EntitlementView, error) {
	vp, err := s.verify(ctx, proof)
	if err != nil {
		return nil, err
	}
	if vp.IsExpired(s.now()) {
		log.Infof("[Billing] Restore for user %d found lapsed %s, nothing to grant", userID, vp.ProductID)
		return s.Entitlement(ctx, userID)
	}
	out, err := s.ApplyEvent(ctx, userID, vp.Platform, purchaseEvent(vp))
	if err != nil {
		return nil, err
	}
	return viewOf(out.Snapshot), nil
}

func (s *Service) verify(ctx context.Context, proof Proof) (*VerifiedPurchase, error) {
	if s.verifier == nil {
		return nil, fmt.Errorf("%w: no receipt verifier", ErrNotConfigured)
	}
	vp, err := s.verifier.Verify(ctx, proof)
	if err != nil {
		return nil, err
	}
	s.ArchivePayload(ctx, "receipts", string(vp.Platform)+"/"+vp.TransactionID, vp.Raw)
	return vp, nil
}

func purchaseEvent(vp *VerifiedPurchase) entitlements.Purchase {
	return entitlements.Purchase{
		ProductID:             vp.ProductID,
		TransactionID:         vp.TransactionID,
		OriginalTransactionID: vp.OriginalTransactionID,
		ExpiresAt:             vp.ExpiresAt,
	}
}

// ApplyEvent reconciles ev against the stored entitlement of userID and
// persists the result. Concurrent writers are detected through the
// entitlement version and the reconcile is recomputed on fresh state.
func (s *Service) ApplyEvent(ctx context.Context, userID uint, platform Platform, ev entitlements.Event) (entitlements.Outcome, error) {
	ref := eventReference(ev)
	var lastErr error

	for attempt := 1; attempt <= maxApplyAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return entitlements.Outcome{}, err
		}

		u, err := s.repo.GetUser(ctx, userID)
		if err != nil {
			return entitlements.Outcome{}, err
		}
		current := u.Snapshot()

		ledger := entitlements.RecordedRefs{}
		if ref != "" {
			types, err := s.repo.LedgerTypesForReference(ctx, ref)
			if err != nil {
				return entitlements.Outcome{}, err
			}
			for _, t := range types {
				ledger.Add(ref, entitlements.LedgerType(t))
			}
		}

		out, err := entitlements.Reconcile(current, ev, s.Catalog(), ledger, s.now())
		if err != nil {
			return out, err
		}
		if !out.Changed(current) {
			if out.Skipped {
				log.Infof("[Billing] %s %s for user %d already applied", ev.Kind(), ref, userID)
			}
			return out, nil
		}

		var entry *models.CreditTransaction
		if out.Entry != nil {
			entry = &models.CreditTransaction{
				UserID:      userID,
				Type:        string(out.Entry.Type),
				Amount:      out.Entry.Amount,
				ReferenceID: out.Entry.ReferenceID,
				ProductID:   out.Entry.ProductID,
				Platform:    string(platform),
				CreatedAt:   out.Entry.CreatedAt,
			}
		}

		err = s.repo.ApplyEntitlement(ctx, userID, current.Version, out.Snapshot, entry)
		switch {
		case err == nil:
			out.Snapshot.Version = current.Version + 1
			log.Infof("[Billing] Applied %s for user %d: plan=%s status=%s credits=%d",
				ev.Kind(), userID, out.Snapshot.Plan, out.Snapshot.Status, out.Snapshot.Credits)
			return out, nil
		case errors.Is(err, ErrDuplicateReference):
			// Another writer recorded the same reference first.
			return entitlements.Outcome{Snapshot: current, Skipped: true}, nil
		case errors.Is(err, ErrConcurrentUpdate):
			log.Warnf("[Billing] Entitlement of user %d changed during %s (attempt %d/%d)", userID, ev.Kind(), attempt, maxApplyAttempts)
			lastErr = err
			continue
		default:
			return entitlements.Outcome{}, err
		}
	}
	return entitlements.Outcome{}, lastErr
}

func eventReference(ev entitlements.Event) string {
	switch e := ev.(type) {
	case entitlements.Purchase:
		return strings.TrimSpace(e.TransactionID)
	case entitlements.Void:
		return strings.TrimSpace(e.OrderID)
	default:
		return ""
	}
}

func viewOf(s entitlements.Snapshot) *EntitlementView {
	return &EntitlementView{
		Plan:        string(s.Plan),
		Status:      string(s.Status),
		Credits:     s.Credits,
		ExpiresDate: s.SubscriptionEndDate,
	}
}

// RecordWebhookEvent persists webhook payloads idempotently.
func (s *Service) RecordWebhookEvent(ctx context.Context, in WebhookEventInput) (bool, *models.BillingWebhookEvent, error) {
	provider := strings.ToLower(strings.TrimSpace(in.Provider))
	if provider == "" {
		return false, nil, errors.New("provider is required")
	}
	eventID := strings.TrimSpace(in.ProviderEventID)
	if eventID == "" {
		sum := sha256.Sum256([]byte(in.PayloadJSON))
		eventID = "hash:" + hex.EncodeToString(sum[:])
	}

	event := &models.BillingWebhookEvent{
		Provider:        provider,
		ProviderEventID: eventID,
		EventType:       strings.TrimSpace(in.EventType),
		PurchaseToken:   in.PurchaseToken,
		ProductID:       in.ProductID,
		PayloadJSON:     in.PayloadJSON,
		SignatureValid:  in.SignatureValid,
	}
	return s.repo.CreateWebhookEventIfNotExists(ctx, event)
}

// MarkWebhookProcessed marks an event as processed and stores an optional error.
func (s *Service) MarkWebhookProcessed(ctx context.Context, webhookEventID uint, processingErr error) error {
	if webhookEventID == 0 {
		return errors.New("webhook_event_id is required")
	}
	errMsg := ""
	if processingErr != nil {
		errMsg = processingErr.Error()
	}
	return s.repo.MarkWebhookProcessed(ctx, webhookEventID, errMsg)
}

// ResolveUser finds the owner of an order: the user whose current
// subscription reference matches, else the user holding a grant for it.
func (s *Service) ResolveUser(ctx context.Context, orderIDs ...string) (*models.User, error) {
	for _, ref := range orderIDs {
		ref = strings.TrimSpace(ref)
		if ref == "" {
			continue
		}
		u, err := s.repo.FindUserBySubscriptionReference(ctx, ref)
		if err == nil {
			return u, nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
		ownerID, err := s.repo.FindGrantOwner(ctx, ref)
		if err == nil {
			return s.repo.GetUser(ctx, ownerID)
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, err
		}
	}
	return nil, ErrUserNotResolved
}

// ResolveUserByAccountID uses the obfuscated account id a client attached to the purchase.
func (s *Service) ResolveUserByAccountID(ctx context.Context, accountID string) (*models.User, error) {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" {
		return nil, ErrUserNotResolved
	}
	u, err := s.repo.FindUserByAccountID(ctx, accountID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrUserNotResolved
	}
	return u, err
}

// ArchivePayload forwards a raw payload to the archiver, if one is configured.
func (s *Service) ArchivePayload(ctx context.Context, kind, key string, body []byte) {
	if s.archiver == nil || len(body) == 0 {
		return
	}
	if err := s.archiver.Archive(ctx, kind, key, body); err != nil {
		log.Warnf("[Billing] Failed to archive %s %s: %v", kind, key, err)
	}
}
