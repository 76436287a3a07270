package main

import (
	"context"
	"errors"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"gorm.io/gorm"

	"github.com/ManuelReschke/storekeeper/app/controllers"
	"github.com/ManuelReschke/storekeeper/app/repository"
	"github.com/ManuelReschke/storekeeper/internal/pkg/archive"
	"github.com/ManuelReschke/storekeeper/internal/pkg/billing"
	"github.com/ManuelReschke/storekeeper/internal/pkg/cache"
	"github.com/ManuelReschke/storekeeper/internal/pkg/env"
	"github.com/ManuelReschke/storekeeper/internal/pkg/googleauth"
	"github.com/ManuelReschke/storekeeper/internal/pkg/jobqueue"
	"github.com/ManuelReschke/storekeeper/internal/pkg/metrics/counter"
	"github.com/ManuelReschke/storekeeper/internal/pkg/push"
	"github.com/ManuelReschke/storekeeper/internal/pkg/statistics"
)

// wireServices builds the billing and push stacks, registers the background
// work and installs the HTTP collaborators. Missing Google or Apple
// credentials are not fatal: the affected calls report ErrNotConfigured.
func wireServices(ctx context.Context, db *gorm.DB) error {
	repos := repository.InitializeFactory(db)

	var tokens billing.TokenProvider
	auth, err := googleauth.NewAuthenticatorFromEnv(googleauth.NewTokenCache())
	switch {
	case err == nil:
		tokens = auth
	case errors.Is(err, googleauth.ErrMissingCredentials):
		log.Warn("[Startup] No Google service account configured; Play and FCM calls are disabled")
	default:
		return err
	}

	opts := []billing.ServiceOption{}
	archiveCfg, err := archive.LoadConfig()
	if err != nil {
		return err
	}
	if archiveCfg.Enabled {
		arc, err := archive.New(ctx, archiveCfg)
		if err != nil {
			return err
		}
		opts = append(opts, billing.WithArchiver(arc))
	}

	play := billing.NewPlayStoreClientFromEnv(tokens)
	verifier := billing.NewVerifier(billing.NewAppStoreClientFromEnv(), play)
	purchases := billing.NewServiceFromDB(db, verifier, opts...)
	if err := purchases.RefreshCatalog(ctx); err != nil {
		log.Warnf("[Startup] Product catalog refresh failed, using built-in table: %v", err)
	}
	ingestor := billing.NewIngestor(purchases, play, play.DefaultPackage)

	counters := counter.New(cache.GetClient())

	manager := jobqueue.GetManager()
	queue := manager.GetQueue()

	store := push.NewStore(db)
	dispatcher := push.NewDispatcher(store, push.NewFCMSenderFromEnv(auth),
		push.WithBatchSize(env.GetEnvInt("PUSH_BATCH_SIZE", push.DefaultBatchSize)),
		push.WithMaxBatchesPerRun(env.GetEnvInt("PUSH_MAX_BATCHES_PER_RUN", push.DefaultMaxBatchesPerRun)),
		push.WithScheduler(queue),
		push.WithLocker(cache.NewLocker(cache.GetClient()), env.GetEnvDuration("PUSH_LOCK_TTL", 0)),
	)

	queue.RegisterHandler(jobqueue.JobTypePushDispatch, jobqueue.PushDispatchHandler(dispatcher, counters))
	stallAfter := jobqueue.StallAfterFromEnv()
	manager.AddTask("push-stalled-sweep", stallAfter/3, jobqueue.StalledCampaignSweep(store, queue, stallAfter))
	manager.AddTask("billing-catalog-refresh",
		env.GetEnvDuration("BILLING_CATALOG_REFRESH", 5*time.Minute),
		purchases.RefreshCatalog)
	manager.Start()

	controllers.SetServices(&controllers.Services{
		Purchases:  purchases,
		Webhooks:   ingestor,
		Devices:    repos.Devices(),
		Campaigns:  repos.Campaigns(),
		Dispatcher: dispatcher,
		Counters:   counters,
		Stats:      statistics.NewService(db, cache.GetClient()),
		Jobs:       queue,
	})
	return nil
}
