package billing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2/log"

	"github.com/ManuelReschke/storekeeper/internal/pkg/env"
)

const (
	defaultAppStoreProductionURL = "https://buy.itunes.apple.com/verifyReceipt"
	defaultAppStoreSandboxURL    = "https://sandbox.itunes.apple.com/verifyReceipt"

	appStoreStatusOK             = 0
	appStoreStatusSandboxReceipt = 21007
	appStoreStatusUnavailable    = 21005
)

// AppStoreClient verifies App Store receipts with the verifyReceipt protocol.
type AppStoreClient struct {
	SharedSecret  string
	ProductionURL string
	SandboxURL    string

	HTTPClient *http.Client
}

func NewAppStoreClientFromEnv() *AppStoreClient {
	return &AppStoreClient{
		SharedSecret:  strings.TrimSpace(env.GetEnv("APPLE_SHARED_SECRET", "")),
		ProductionURL: strings.TrimSpace(env.GetEnv("APPLE_VERIFY_URL", defaultAppStoreProductionURL)),
		SandboxURL:    strings.TrimSpace(env.GetEnv("APPLE_SANDBOX_VERIFY_URL", defaultAppStoreSandboxURL)),
		HTTPClient: &http.Client{
			Timeout: 15 * time.Second,
		},
	}
}

type appStoreRequest struct {
	ReceiptData            string `json:"receipt-data"`
	Password               string `json:"password"`
	ExcludeOldTransactions bool   `json:"exclude-old-transactions"`
}

type appStoreTransaction struct {
	ProductID             string `json:"product_id"`
	TransactionID         string `json:"transaction_id"`
	OriginalTransactionID string `json:"original_transaction_id"`
	PurchaseDateMs        string `json:"purchase_date_ms"`
	ExpiresDateMs         string `json:"expires_date_ms"`
	CancellationDateMs    string `json:"cancellation_date_ms"`
}

type appStoreResponse struct {
	Status      int    `json:"status"`
	Environment string `json:"environment"`
	IsRetryable bool   `json:"is-retryable"`
	Receipt     struct {
		BundleID string                `json:"bundle_id"`
		InApp    []appStoreTransaction `json:"in_app"`
	} `json:"receipt"`
	LatestReceiptInfo []appStoreTransaction `json:"latest_receipt_info"`
}

// VerifyReceipt validates a base64 receipt against production, falling back
// once to sandbox when Apple reports a sandbox receipt.
func (c *AppStoreClient) VerifyReceipt(ctx context.Context, receiptData string) (*VerifiedPurchase, error) {
	if strings.TrimSpace(c.SharedSecret) == "" {
		return nil, fmt.Errorf("%w: APPLE_SHARED_SECRET is not configured", ErrNotConfigured)
	}
	receipt := strings.TrimSpace(receiptData)
	if receipt == "" {
		return nil, permanentf("receipt data is required")
	}

	resp, body, err := c.post(ctx, c.ProductionURL, receipt)
	if err != nil {
		return nil, err
	}
	if resp.Status == appStoreStatusSandboxReceipt {
		log.Infof("[AppStore] Sandbox receipt sent to production, retrying against sandbox")
		resp, body, err = c.post(ctx, c.SandboxURL, receipt)
		if err != nil {
			return nil, err
		}
	}

	if resp.Status != appStoreStatusOK {
		if isTransientAppStoreStatus(resp) {
			return nil, transient(fmt.Sprintf("app store verification unavailable (status %d)", resp.Status), nil)
		}
		return nil, permanentf("app store verification failed with status %d", resp.Status)
	}

	tx, ok := latestTransaction(resp)
	if !ok {
		return nil, permanentf("receipt contains no transactions")
	}
	if strings.TrimSpace(tx.CancellationDateMs) != "" {
		return nil, permanentf("transaction %s was refunded", tx.TransactionID)
	}

	out := &VerifiedPurchase{
		Platform:              PlatformIOS,
		ProductID:             tx.ProductID,
		TransactionID:         tx.TransactionID,
		OriginalTransactionID: tx.OriginalTransactionID,
		ExpiresAt:             msToTime(tx.ExpiresDateMs),
		RawStatus:             strconv.Itoa(resp.Status),
		Raw:                   body,
	}
	if out.OriginalTransactionID == "" {
		out.OriginalTransactionID = out.TransactionID
	}
	return out, nil
}

func (c *AppStoreClient) post(ctx context.Context, endpoint, receipt string) (*appStoreResponse, []byte, error) {
	payload, err := json.Marshal(appStoreRequest{
		ReceiptData:            receipt,
		Password:               c.SharedSecret,
		ExcludeOldTransactions: true,
	})
	if err != nil {
		return nil, nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	httpResp, err := c.HTTPClient.Do(req)
	if err != nil {
		return nil, nil, transient("app store request failed", err)
	}
	defer httpResp.Body.Close()

	body, _ := io.ReadAll(io.LimitReader(httpResp.Body, 4<<20))
	if httpResp.StatusCode >= 500 {
		return nil, nil, transient(fmt.Sprintf("app store returned http %d", httpResp.StatusCode), nil)
	}
	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, nil, permanentf("app store returned http %d", httpResp.StatusCode)
	}

	var out appStoreResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, nil, transient("decode app store response", err)
	}
	return &out, body, nil
}

// latestTransaction picks the newest purchase. Consumables only appear under
// receipt.in_app, so that list is the fallback.
func latestTransaction(resp *appStoreResponse) (appStoreTransaction, bool) {
	candidates := resp.LatestReceiptInfo
	if len(candidates) == 0 {
		candidates = resp.Receipt.InApp
	}
	var (
		best   appStoreTransaction
		bestMs int64 = -1
	)
	for _, tx := range candidates {
		ms, _ := strconv.ParseInt(strings.TrimSpace(tx.PurchaseDateMs), 10, 64)
		if ms > bestMs {
			best, bestMs = tx, ms
		}
	}
	return best, bestMs >= 0
}

func isTransientAppStoreStatus(resp *appStoreResponse) bool {
	if resp.IsRetryable {
		return true
	}
	return resp.Status == appStoreStatusUnavailable || (resp.Status >= 21100 && resp.Status <= 21199)
}

func msToTime(raw string) *time.Time {
	ms, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil || ms <= 0 {
		return nil
	}
	t := time.UnixMilli(ms).UTC()
	return &t
}
