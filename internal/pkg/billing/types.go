package billing

import (
	"strings"
	"time"
)

// Platform is the storefront a proof of purchase comes from.
type Platform string

const (
	PlatformIOS     Platform = "ios"
	PlatformAndroid Platform = "android"
)

func ParsePlatform(s string) (Platform, bool) {
	switch Platform(strings.ToLower(strings.TrimSpace(s))) {
	case PlatformIOS:
		return PlatformIOS, true
	case PlatformAndroid:
		return PlatformAndroid, true
	default:
		return "", false
	}
}

// Proof is what a client submits after a purchase. iOS uses ReceiptData,
// Android uses the package/product/token tuple.
type Proof struct {
	Platform       Platform
	ReceiptData    string
	PackageName    string
	ProductID      string
	PurchaseToken  string
	IsSubscription bool
}

// VerifiedPurchase is the storefront-neutral result of a verification.
type VerifiedPurchase struct {
	Platform              Platform
	ProductID             string
	TransactionID         string
	OriginalTransactionID string
	ExpiresAt             *time.Time
	RawStatus             string
	// AccountID is the obfuscated account id the client attached, if any.
	AccountID string
	Raw       []byte `json:"-"`
}

// IsExpired reports whether a subscription purchase has already lapsed at now.
func (p *VerifiedPurchase) IsExpired(now time.Time) bool {
	return p.ExpiresAt != nil && !p.ExpiresAt.After(now)
}

// EntitlementView is what the action API reports back to the client.
type EntitlementView struct {
	Plan        string
	Status      string
	Credits     int64
	ExpiresDate *time.Time
}

// WebhookEventInput is the normalized input for webhook event persistence.
type WebhookEventInput struct {
	Provider        string
	ProviderEventID string
	EventType       string
	PurchaseToken   string
	ProductID       string
	PayloadJSON     string
	SignatureValid  bool
}
