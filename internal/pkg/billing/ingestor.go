package billing

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/storekeeper/app/models"
	"github.com/ManuelReschke/storekeeper/internal/pkg/entitlements"
)

// SubscriptionFetcher reads the authoritative subscription record from Play.
type SubscriptionFetcher interface {
	GetSubscription(ctx context.Context, packageName, subscriptionID, purchaseToken string) (*PlaySubscription, []byte, error)
}

// Ingest outcomes reported in Ack.Action.
const (
	ActionApplied        = "applied"
	ActionSkipped        = "skipped"
	ActionIgnored        = "ignored"
	ActionDuplicate      = "duplicate"
	ActionUnresolved     = "unresolved"
	ActionUnmapped       = "unmapped"
	ActionPendingPayment = "pending_payment"
	ActionFailed         = "failed"
)

// Ack describes how a delivery was handled. Every Ack is answered with 200.
type Ack struct {
	MessageID string
	Kind      NotificationKind
	Action    string
}

// Ingestor turns Play Real-Time Developer Notifications into entitlement events.
type Ingestor struct {
	service     *Service
	play        SubscriptionFetcher
	packageName string
}

func NewIngestor(service *Service, play SubscriptionFetcher, packageName string) *Ingestor {
	return &Ingestor{service: service, play: play, packageName: strings.TrimSpace(packageName)}
}

// Ingest handles one push delivery. Only a malformed envelope is returned as
// an error; everything else is acknowledged so Pub/Sub stops redelivering.
func (i *Ingestor) Ingest(ctx context.Context, body []byte) (*Ack, error) {
	env, n, err := DecodeEnvelope(body)
	if err != nil {
		return nil, err
	}
	ack := &Ack{MessageID: env.Message.MessageID, Kind: n.Kind()}

	in := WebhookEventInput{
		Provider:        models.BillingProviderGooglePlay,
		ProviderEventID: env.Message.MessageID,
		EventType:       eventTypeOf(n),
		PayloadJSON:     string(body),
		SignatureValid:  true,
	}
	in.PurchaseToken, in.ProductID = tokenAndProduct(n)

	var eventID uint
	created, stored, recErr := i.service.RecordWebhookEvent(ctx, in)
	switch {
	case recErr != nil:
		log.Errorf("[Webhook] Failed to record message %s: %v", env.Message.MessageID, recErr)
	case !created && stored.ProcessedAt != nil:
		log.Infof("[Webhook] Message %s already processed, acknowledging", env.Message.MessageID)
		ack.Action = ActionDuplicate
		return ack, nil
	default:
		eventID = stored.ID
	}

	if env.Message.MessageID != "" {
		i.service.ArchivePayload(ctx, "webhooks", models.BillingProviderGooglePlay+"/"+env.Message.MessageID, body)
	}

	action, procErr := i.process(ctx, n)
	ack.Action = action
	if procErr != nil {
		log.Errorf("[Webhook] %s notification %s: %s: %v", ack.Kind, env.Message.MessageID, action, procErr)
	}
	if eventID != 0 {
		if err := i.service.MarkWebhookProcessed(ctx, eventID, procErr); err != nil {
			log.Errorf("[Webhook] Failed to mark message %s processed: %v", env.Message.MessageID, err)
		}
	}
	return ack, nil
}

func (i *Ingestor) process(ctx context.Context, n *DeveloperNotification) (string, error) {
	if i.packageName != "" && n.PackageName != "" && n.PackageName != i.packageName {
		return ActionIgnored, fmt.Errorf("notification for foreign package %q", n.PackageName)
	}

	switch n.Kind() {
	case KindTest:
		log.Infof("[Webhook] Test notification received (version %s)", n.TestNotification.Version)
		return ActionIgnored, nil
	case KindOneTimeProduct:
		// One-time purchases are granted through direct verification only.
		p := n.OneTimeProductNotification
		log.Infof("[Webhook] One-time product notification type=%d sku=%s", p.NotificationType, p.SKU)
		return ActionIgnored, nil
	case KindVoidedPurchase:
		return i.processVoided(ctx, n.VoidedPurchaseNotification)
	case KindSubscription:
		return i.processSubscription(ctx, n.PackageName, n.SubscriptionNotification)
	default:
		return ActionIgnored, errors.New("notification carries no known payload")
	}
}

func (i *Ingestor) processVoided(ctx context.Context, v *VoidedPurchaseNotification) (string, error) {
	orderID := strings.TrimSpace(v.OrderID)
	if orderID == "" {
		return ActionIgnored, errors.New("voided purchase without orderId")
	}
	user, err := i.service.ResolveUser(ctx, orderID, BaseOrderID(orderID))
	if err != nil {
		return ActionUnresolved, fmt.Errorf("void %s: %w", orderID, err)
	}
	return i.apply(ctx, user.ID, entitlements.Void{OrderID: orderID})
}

func (i *Ingestor) processSubscription(ctx context.Context, packageName string, sn *SubscriptionNotification) (string, error) {
	tr, known := sn.NotificationType.Transition()
	if !known {
		return ActionIgnored, fmt.Errorf("unknown subscription notification type %d", int(sn.NotificationType))
	}
	if tr == TransitionNone {
		log.Infof("[Webhook] Subscription %s for %s needs no entitlement change", sn.NotificationType, sn.SubscriptionID)
		return ActionIgnored, nil
	}
	if i.play == nil {
		return ActionFailed, fmt.Errorf("%w: play store client missing", ErrNotConfigured)
	}

	sub, _, err := i.play.GetSubscription(ctx, packageName, sn.SubscriptionID, sn.PurchaseToken)
	if err != nil {
		return ActionFailed, fmt.Errorf("fetch subscription %s: %w", sn.SubscriptionID, err)
	}

	user, err := i.resolveSubscriber(ctx, sub)
	if err != nil {
		return ActionUnresolved, fmt.Errorf("%s %s order %s: %w", sn.NotificationType, sn.SubscriptionID, sub.OrderID, err)
	}

	var ev entitlements.Event
	switch tr {
	case TransitionGrant:
		if !sub.IsPaid() {
			return ActionPendingPayment, nil
		}
		if strings.TrimSpace(sub.OrderID) == "" {
			return ActionFailed, errors.New("subscription record has no orderId")
		}
		ev = entitlements.Purchase{
			ProductID:             sn.SubscriptionID,
			TransactionID:         sub.OrderID,
			OriginalTransactionID: BaseOrderID(sub.OrderID),
			ExpiresAt:             sub.ExpiresAt(),
		}
	case TransitionCancel:
		ev = entitlements.Cancellation{ExpiresAt: sub.ExpiresAt()}
	case TransitionExpire:
		ev = entitlements.Expiration{}
	case TransitionHold:
		ev = entitlements.Hold{ExpiresAt: sub.ExpiresAt()}
	case TransitionPause:
		ev = entitlements.Pause{}
	case TransitionRevoke:
		ev = entitlements.Revocation{}
	default:
		return ActionIgnored, fmt.Errorf("unhandled transition %s", tr)
	}
	return i.apply(ctx, user.ID, ev)
}

func (i *Ingestor) resolveSubscriber(ctx context.Context, sub *PlaySubscription) (*models.User, error) {
	user, err := i.service.ResolveUser(ctx, sub.OrderID, BaseOrderID(sub.OrderID))
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, ErrUserNotResolved) {
		return nil, err
	}
	return i.service.ResolveUserByAccountID(ctx, sub.ObfuscatedExternalAccountID)
}

func (i *Ingestor) apply(ctx context.Context, userID uint, ev entitlements.Event) (string, error) {
	out, err := i.service.ApplyEvent(ctx, userID, PlatformAndroid, ev)
	if err != nil {
		if errors.Is(err, entitlements.ErrUnknownProduct) {
			return ActionUnmapped, err
		}
		return ActionFailed, err
	}
	if out.Skipped {
		return ActionSkipped, nil
	}
	return ActionApplied, nil
}

func eventTypeOf(n *DeveloperNotification) string {
	switch n.Kind() {
	case KindSubscription:
		return "subscription." + strings.ToLower(n.SubscriptionNotification.NotificationType.String())
	case KindOneTimeProduct:
		return fmt.Sprintf("one_time_product.%d", n.OneTimeProductNotification.NotificationType)
	default:
		return n.Kind().String()
	}
}

func tokenAndProduct(n *DeveloperNotification) (string, string) {
	switch n.Kind() {
	case KindSubscription:
		return n.SubscriptionNotification.PurchaseToken, n.SubscriptionNotification.SubscriptionID
	case KindOneTimeProduct:
		return n.OneTimeProductNotification.PurchaseToken, n.OneTimeProductNotification.SKU
	case KindVoidedPurchase:
		return n.VoidedPurchaseNotification.PurchaseToken, ""
	default:
		return "", ""
	}
}
