package billing

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Envelope is the Pub/Sub push wrapper around a Play notification.
type Envelope struct {
	Message struct {
		Data        string            `json:"data"`
		MessageID   string            `json:"messageId"`
		PublishTime string            `json:"publishTime"`
		Attributes  map[string]string `json:"attributes"`
	} `json:"message"`
	Subscription string `json:"subscription"`
}

// DeveloperNotification is the decoded Real-Time Developer Notification.
type DeveloperNotification struct {
	Version                    string                      `json:"version"`
	PackageName                string                      `json:"packageName"`
	EventTimeMillis            string                      `json:"eventTimeMillis"`
	SubscriptionNotification   *SubscriptionNotification   `json:"subscriptionNotification"`
	OneTimeProductNotification *OneTimeProductNotification `json:"oneTimeProductNotification"`
	VoidedPurchaseNotification *VoidedPurchaseNotification `json:"voidedPurchaseNotification"`
	TestNotification           *TestNotification           `json:"testNotification"`
}

type SubscriptionNotification struct {
	Version          string                       `json:"version"`
	NotificationType SubscriptionNotificationType `json:"notificationType"`
	PurchaseToken    string                       `json:"purchaseToken"`
	SubscriptionID   string                       `json:"subscriptionId"`
}

type OneTimeProductNotification struct {
	Version          string `json:"version"`
	NotificationType int    `json:"notificationType"`
	PurchaseToken    string `json:"purchaseToken"`
	SKU              string `json:"sku"`
}

type VoidedPurchaseNotification struct {
	PurchaseToken string `json:"purchaseToken"`
	OrderID       string `json:"orderId"`
	ProductType   int    `json:"productType"`
	RefundType    int    `json:"refundType"`
}

type TestNotification struct {
	Version string `json:"version"`
}

// NotificationKind says which of the mutually exclusive payloads is present.
type NotificationKind int

const (
	KindUnknown NotificationKind = iota
	KindTest
	KindSubscription
	KindOneTimeProduct
	KindVoidedPurchase
)

func (k NotificationKind) String() string {
	switch k {
	case KindTest:
		return "test"
	case KindSubscription:
		return "subscription"
	case KindOneTimeProduct:
		return "one_time_product"
	case KindVoidedPurchase:
		return "voided_purchase"
	default:
		return "unknown"
	}
}

func (n *DeveloperNotification) Kind() NotificationKind {
	switch {
	case n.SubscriptionNotification != nil:
		return KindSubscription
	case n.VoidedPurchaseNotification != nil:
		return KindVoidedPurchase
	case n.OneTimeProductNotification != nil:
		return KindOneTimeProduct
	case n.TestNotification != nil:
		return KindTest
	default:
		return KindUnknown
	}
}

// EventTime is the storefront's event timestamp, zero when absent.
func (n *DeveloperNotification) EventTime() time.Time {
	if t := msToTime(n.EventTimeMillis); t != nil {
		return *t
	}
	return time.Time{}
}

// SubscriptionNotificationType is the Play subscription notificationType code.
type SubscriptionNotificationType int

const (
	SubscriptionRecovered               SubscriptionNotificationType = 1
	SubscriptionRenewed                 SubscriptionNotificationType = 2
	SubscriptionCanceled                SubscriptionNotificationType = 3
	SubscriptionPurchased               SubscriptionNotificationType = 4
	SubscriptionOnHold                  SubscriptionNotificationType = 5
	SubscriptionInGracePeriod           SubscriptionNotificationType = 6
	SubscriptionRestarted               SubscriptionNotificationType = 7
	SubscriptionPriceChangeConfirmed    SubscriptionNotificationType = 8
	SubscriptionDeferred                SubscriptionNotificationType = 9
	SubscriptionPaused                  SubscriptionNotificationType = 10
	SubscriptionPauseScheduleChanged    SubscriptionNotificationType = 11
	SubscriptionRevoked                 SubscriptionNotificationType = 12
	SubscriptionExpired                 SubscriptionNotificationType = 13
	SubscriptionPendingPurchaseCanceled SubscriptionNotificationType = 20
)

func (t SubscriptionNotificationType) String() string {
	switch t {
	case SubscriptionRecovered:
		return "RECOVERED"
	case SubscriptionRenewed:
		return "RENEWED"
	case SubscriptionCanceled:
		return "CANCELED"
	case SubscriptionPurchased:
		return "PURCHASED"
	case SubscriptionOnHold:
		return "ON_HOLD"
	case SubscriptionInGracePeriod:
		return "IN_GRACE_PERIOD"
	case SubscriptionRestarted:
		return "RESTARTED"
	case SubscriptionPriceChangeConfirmed:
		return "PRICE_CHANGE_CONFIRMED"
	case SubscriptionDeferred:
		return "DEFERRED"
	case SubscriptionPaused:
		return "PAUSED"
	case SubscriptionPauseScheduleChanged:
		return "PAUSE_SCHEDULE_CHANGED"
	case SubscriptionRevoked:
		return "REVOKED"
	case SubscriptionExpired:
		return "EXPIRED"
	case SubscriptionPendingPurchaseCanceled:
		return "PENDING_PURCHASE_CANCELED"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(t))
	}
}

// Transition is the entitlement change a subscription notification implies.
type Transition int

const (
	TransitionNone Transition = iota
	TransitionGrant
	TransitionCancel
	TransitionExpire
	TransitionHold
	TransitionPause
	TransitionRevoke
)

func (t Transition) String() string {
	switch t {
	case TransitionGrant:
		return "grant"
	case TransitionCancel:
		return "cancel"
	case TransitionExpire:
		return "expire"
	case TransitionHold:
		return "hold"
	case TransitionPause:
		return "pause"
	case TransitionRevoke:
		return "revoke"
	default:
		return "none"
	}
}

// Transition maps every known code; unknown codes report ok=false.
func (t SubscriptionNotificationType) Transition() (Transition, bool) {
	switch t {
	case SubscriptionPurchased, SubscriptionRenewed, SubscriptionRecovered, SubscriptionRestarted:
		return TransitionGrant, true
	case SubscriptionCanceled:
		return TransitionCancel, true
	case SubscriptionExpired:
		return TransitionExpire, true
	case SubscriptionOnHold, SubscriptionInGracePeriod:
		return TransitionHold, true
	case SubscriptionPaused:
		return TransitionPause, true
	case SubscriptionRevoked:
		return TransitionRevoke, true
	case SubscriptionPriceChangeConfirmed, SubscriptionDeferred,
		SubscriptionPauseScheduleChanged, SubscriptionPendingPurchaseCanceled:
		return TransitionNone, true
	default:
		return TransitionNone, false
	}
}

// DecodeEnvelope unwraps the Pub/Sub envelope and its base64 JSON payload.
func DecodeEnvelope(body []byte) (*Envelope, *DeveloperNotification, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	data := strings.TrimSpace(env.Message.Data)
	if data == "" {
		return nil, nil, fmt.Errorf("%w: message.data is empty", ErrMalformedEnvelope)
	}
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		// Some push relays use the URL alphabet.
		raw, err = base64.URLEncoding.DecodeString(data)
		if err != nil {
			return nil, nil, fmt.Errorf("%w: message.data is not base64: %v", ErrMalformedEnvelope, err)
		}
	}
	var n DeveloperNotification
	if err := json.Unmarshal(raw, &n); err != nil {
		return nil, nil, fmt.Errorf("%w: payload: %v", ErrMalformedEnvelope, err)
	}
	return &env, &n, nil
}
