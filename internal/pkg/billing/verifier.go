package billing

import (
	"context"
	"fmt"
)

// ReceiptVerifier validates a client purchase proof against its storefront.
type ReceiptVerifier interface {
	Verify(ctx context.Context, proof Proof) (*VerifiedPurchase, error)
}

// Verifier routes proofs to the matching storefront client.
type Verifier struct {
	AppStore  *AppStoreClient
	PlayStore *PlayStoreClient
}

func NewVerifier(appStore *AppStoreClient, playStore *PlayStoreClient) *Verifier {
	return &Verifier{AppStore: appStore, PlayStore: playStore}
}

func (v *Verifier) Verify(ctx context.Context, proof Proof) (*VerifiedPurchase, error) {
	switch proof.Platform {
	case PlatformIOS:
		if v.AppStore == nil {
			return nil, fmt.Errorf("%w: app store client missing", ErrNotConfigured)
		}
		return v.AppStore.VerifyReceipt(ctx, proof.ReceiptData)
	case PlatformAndroid:
		if v.PlayStore == nil {
			return nil, fmt.Errorf("%w: play store client missing", ErrNotConfigured)
		}
		return v.PlayStore.VerifyPurchase(ctx, proof)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedPlatform, proof.Platform)
	}
}
