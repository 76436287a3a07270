package controllers

import (
	"context"

	"github.com/ManuelReschke/storekeeper/app/repository"
	"github.com/ManuelReschke/storekeeper/internal/pkg/billing"
	"github.com/ManuelReschke/storekeeper/internal/pkg/push"
	"github.com/ManuelReschke/storekeeper/internal/pkg/statistics"
)

// PurchaseService is the part of billing.Service the action API calls.
type PurchaseService interface {
	VerifyAndGrant(ctx context.Context, userID uint, proof billing.Proof) (*billing.EntitlementView, error)
	Restore(ctx context.Context, userID uint, proof billing.Proof) (*billing.EntitlementView, error)
	Entitlement(ctx context.Context, userID uint) (*billing.EntitlementView, error)
}

// WebhookIngestor handles one Pub/Sub push delivery.
type WebhookIngestor interface {
	Ingest(ctx context.Context, body []byte) (*billing.Ack, error)
}

// CampaignDispatcher runs and cancels push campaigns.
type CampaignDispatcher interface {
	Dispatch(ctx context.Context, campaignID uint, resumeOffset int64) (*push.Result, error)
	Cancel(ctx context.Context, campaignID uint) (bool, error)
}

// OutcomeCounter keeps the operator totals. Recording is best effort.
type OutcomeCounter interface {
	AddPurchase(ctx context.Context, action string, status int) error
	AddWebhook(ctx context.Context, kind, action string) error
	AddDeliveries(ctx context.Context, sent, failed int64) error
	Snapshot(ctx context.Context) (map[string]map[string]int64, error)
}

// StatsProvider serves the cached operator overview.
type StatsProvider interface {
	Overview(ctx context.Context) (*statistics.Overview, error)
	Invalidate(ctx context.Context) error
}

// QueueInspector reports background job queue depths.
type QueueInspector interface {
	Depths(ctx context.Context) (map[string]int64, error)
}

// Services are the collaborators the handlers use. Set once at startup.
type Services struct {
	Purchases  PurchaseService
	Webhooks   WebhookIngestor
	Devices    repository.DeviceRepository
	Campaigns  repository.CampaignRepository
	Dispatcher CampaignDispatcher
	Counters   OutcomeCounter
	Stats      StatsProvider
	Jobs       QueueInspector
}

var services = &Services{}

// SetServices installs the handler collaborators.
func SetServices(s *Services) {
	services = s
}
