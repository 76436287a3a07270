package billing

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"golang.org/x/oauth2"

	"github.com/ManuelReschke/storekeeper/internal/pkg/env"
	"github.com/ManuelReschke/storekeeper/internal/pkg/googleauth"
)

const defaultPlayAPIBaseURL = "https://androidpublisher.googleapis.com/androidpublisher/v3"

// Payment states reported for subscriptions.
const (
	PlayPaymentPending  = 0
	PlayPaymentReceived = 1
	PlayPaymentTrial    = 2
	PlayPaymentDeferred = 3
)

// TokenProvider hands out bearer tokens per OAuth scope.
type TokenProvider interface {
	AccessToken(ctx context.Context, scope string) (*oauth2.Token, error)
}

// PlayStoreClient queries the Google Play Developer API purchase endpoints.
type PlayStoreClient struct {
	BaseURL        string
	DefaultPackage string
	Tokens         TokenProvider

	HTTPClient *http.Client
}

func NewPlayStoreClientFromEnv(tokens TokenProvider) *PlayStoreClient {
	return &PlayStoreClient{
		BaseURL:        strings.TrimSpace(env.GetEnv("GOOGLE_PLAY_API_BASE_URL", defaultPlayAPIBaseURL)),
		DefaultPackage: strings.TrimSpace(env.GetEnv("GOOGLE_PLAY_PACKAGE_NAME", "")),
		Tokens:         tokens,
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

// PlaySubscription is the subset of a subscriptions.get response we use.
type PlaySubscription struct {
	OrderID                     string `json:"orderId"`
	StartTimeMillis             string `json:"startTimeMillis"`
	ExpiryTimeMillis            string `json:"expiryTimeMillis"`
	AutoRenewing                bool   `json:"autoRenewing"`
	PaymentState                *int   `json:"paymentState"`
	CancelReason                *int   `json:"cancelReason"`
	ObfuscatedExternalAccountID string `json:"obfuscatedExternalAccountId"`
	LinkedPurchaseToken         string `json:"linkedPurchaseToken"`
}

// IsPaid is true for payment received and free trial.
func (s *PlaySubscription) IsPaid() bool {
	return s.PaymentState != nil && (*s.PaymentState == PlayPaymentReceived || *s.PaymentState == PlayPaymentTrial)
}

func (s *PlaySubscription) ExpiresAt() *time.Time {
	return msToTime(s.ExpiryTimeMillis)
}

// PlayProductPurchase is the subset of a products.get response we use.
type PlayProductPurchase struct {
	OrderID                     string `json:"orderId"`
	PurchaseState               int    `json:"purchaseState"`
	ConsumptionState            int    `json:"consumptionState"`
	PurchaseTimeMillis          string `json:"purchaseTimeMillis"`
	ObfuscatedExternalAccountID string `json:"obfuscatedExternalAccountId"`
}

// BaseOrderID strips the renewal suffix, "GPA.1-2-3..4" becomes "GPA.1-2-3".
func BaseOrderID(orderID string) string {
	if i := strings.Index(orderID, ".."); i > 0 {
		return orderID[:i]
	}
	return orderID
}

// GetSubscription fetches the authoritative subscription purchase record.
func (c *PlayStoreClient) GetSubscription(ctx context.Context, packageName, subscriptionID, purchaseToken string) (*PlaySubscription, []byte, error) {
	var out PlaySubscription
	body, err := c.get(ctx, packageName, "subscriptions", subscriptionID, purchaseToken, &out)
	if err != nil {
		return nil, nil, err
	}
	return &out, body, nil
}

// GetProduct fetches the authoritative one-time purchase record.
func (c *PlayStoreClient) GetProduct(ctx context.Context, packageName, productID, purchaseToken string) (*PlayProductPurchase, []byte, error) {
	var out PlayProductPurchase
	body, err := c.get(ctx, packageName, "products", productID, purchaseToken, &out)
	if err != nil {
		return nil, nil, err
	}
	return &out, body, nil
}

// VerifyPurchase validates a client-submitted Play purchase.
func (c *PlayStoreClient) VerifyPurchase(ctx context.Context, proof Proof) (*VerifiedPurchase, error) {
	productID := strings.TrimSpace(proof.ProductID)
	token := strings.TrimSpace(proof.PurchaseToken)
	if productID == "" || token == "" {
		return nil, permanentf("productId and purchaseToken are required")
	}

	if proof.IsSubscription {
		sub, body, err := c.GetSubscription(ctx, proof.PackageName, productID, token)
		if err != nil {
			return nil, err
		}
		if !sub.IsPaid() {
			state := "missing"
			if sub.PaymentState != nil {
				state = strconv.Itoa(*sub.PaymentState)
			}
			return nil, permanentf("subscription payment state %s is not valid", state)
		}
		if strings.TrimSpace(sub.OrderID) == "" {
			return nil, permanentf("subscription response has no orderId")
		}
		return &VerifiedPurchase{
			Platform:              PlatformAndroid,
			ProductID:             productID,
			TransactionID:         sub.OrderID,
			OriginalTransactionID: BaseOrderID(sub.OrderID),
			ExpiresAt:             sub.ExpiresAt(),
			RawStatus:             "paymentState=" + strconv.Itoa(*sub.PaymentState),
			AccountID:             sub.ObfuscatedExternalAccountID,
			Raw:                   body,
		}, nil
	}

	prod, body, err := c.GetProduct(ctx, proof.PackageName, productID, token)
	if err != nil {
		return nil, err
	}
	if prod.PurchaseState != 0 {
		return nil, permanentf("product purchase state %d is not valid", prod.PurchaseState)
	}
	// Test purchases carry no order id; the token is unique per purchase.
	ref := strings.TrimSpace(prod.OrderID)
	if ref == "" {
		ref = token
	}
	return &VerifiedPurchase{
		Platform:              PlatformAndroid,
		ProductID:             productID,
		TransactionID:         ref,
		OriginalTransactionID: ref,
		RawStatus:             "purchaseState=0",
		AccountID:             prod.ObfuscatedExternalAccountID,
		Raw:                   body,
	}, nil
}

func (c *PlayStoreClient) get(ctx context.Context, packageName, kind, id, token string, out any) ([]byte, error) {
	if c.Tokens == nil {
		return nil, fmt.Errorf("%w: google service account is not configured", ErrNotConfigured)
	}
	pkg := strings.TrimSpace(packageName)
	if pkg == "" {
		pkg = c.DefaultPackage
	}
	if pkg == "" {
		return nil, fmt.Errorf("%w: GOOGLE_PLAY_PACKAGE_NAME is not configured", ErrNotConfigured)
	}

	bearer, err := c.Tokens.AccessToken(ctx, googleauth.ScopeAndroidPublisher)
	if err != nil {
		if errors.Is(err, googleauth.ErrMissingCredentials) || errors.Is(err, googleauth.ErrInvalidKey) {
			return nil, fmt.Errorf("%w: %v", ErrNotConfigured, err)
		}
		return nil, transient("obtain play api token", err)
	}

	endpoint := fmt.Sprintf("%s/applications/%s/purchases/%s/%s/tokens/%s",
		strings.TrimRight(c.BaseURL, "/"),
		url.PathEscape(pkg), kind, url.PathEscape(id), url.PathEscape(token))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	bearer.SetAuthHeader(req)
	req.Header.Set("Accept", "application/json")

	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, transient("play api request failed", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return nil, permanentf("play purchase not found (http %d)", resp.StatusCode)
	case resp.StatusCode == http.StatusUnauthorized:
		if inv, ok := c.Tokens.(interface{ Invalidate(scope string) }); ok {
			inv.Invalidate(googleauth.ScopeAndroidPublisher)
		}
		return nil, transient("play api rejected token", fmt.Errorf("http %d", resp.StatusCode))
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return nil, transient(fmt.Sprintf("play api returned http %d", resp.StatusCode), nil)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		log.Warnf("[PlayStore] %s lookup for %s failed: status=%d body=%s", kind, id, resp.StatusCode, string(body))
		return nil, permanentf("play api returned http %d", resp.StatusCode)
	}

	if err := json.Unmarshal(body, out); err != nil {
		return nil, transient("decode play api response", err)
	}
	return body, nil
}
