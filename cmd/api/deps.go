package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"finlink/internal/domain/batch"
	"finlink/internal/domain/consent"
	"finlink/internal/domain/fetch"
	"finlink/internal/domain/ingest"
	"finlink/internal/domain/notification"
	"finlink/internal/domain/reconcile"
	"finlink/internal/domain/vertical"
	"finlink/internal/infrastructure/aggregator"
	"finlink/internal/infrastructure/crypto"
	"finlink/internal/infrastructure/firebase"
	"finlink/internal/infrastructure/memstore"
	"finlink/internal/infrastructure/postgres"
	"finlink/internal/infrastructure/postgres/listener"
	httphandlers "finlink/internal/interfaces/http"
	"finlink/internal/interfaces/scheduler"
	"finlink/internal/shared/auth"
	"finlink/internal/shared/clock"
	"finlink/internal/shared/config"
	"finlink/internal/shared/messages"
)

// Dependencies holds all initialized application components.
type Dependencies struct {
	DB       *postgres.DB
	Listener *listener.ConsentListener

	Clock         clock.Clock
	Consents      *consent.Service
	Reconciler    *reconcile.Reconciler
	Orchestrator  *fetch.Orchestrator
	Notifications *notification.Service
	Pool          *scheduler.WorkerPool

	Handlers *httphandlers.Handlers
	JWT      *auth.JWT
}

type stores struct {
	consents      consent.Repository
	batches       batch.Repository
	ingest        ingest.Store
	notifications notification.Repository
}

// openStores picks the storage backend named by DATABASE_DRIVER.
func openStores(ctx context.Context, cfg *config.Config, clk clock.Clock) (*stores, *postgres.DB, error) {
	if cfg.Database.Driver == "memory" {
		log.Println("Using in-memory storage; data is lost on restart")
		mem := memstore.New(clk)
		return &stores{
			consents:      mem.Consents,
			batches:       mem.Batches,
			ingest:        mem.Ingest,
			notifications: mem.Devices,
		}, nil, nil
	}

	db, err := postgres.New(cfg.Database.ConnectionString())
	if err != nil {
		return nil, nil, err
	}
	log.Println("Connected to database")

	if cfg.Database.Migrate {
		if err := db.Migrate(ctx); err != nil {
			db.Close()
			return nil, nil, err
		}
		log.Println("Database schema applied")
	}

	encryptor, err := crypto.NewEncryptor(cfg.Encryption.Key)
	if err != nil {
		db.Close()
		return nil, nil, err
	}
	envelope, err := crypto.NewEnvelope(encryptor)
	if err != nil {
		db.Close()
		return nil, nil, err
	}

	return &stores{
		consents:      postgres.NewConsentRepository(db),
		batches:       postgres.NewBatchRepository(db, envelope),
		ingest:        postgres.NewIngestRepository(db),
		notifications: postgres.NewNotificationRepository(db),
	}, db, nil
}

// NewDependencies initializes all application dependencies.
func NewDependencies(ctx context.Context, cfg *config.Config) (*Dependencies, error) {
	clk := clock.Real()

	st, db, err := openStores(ctx, cfg, clk)
	if err != nil {
		return nil, err
	}
	deps := &Dependencies{DB: db, Clock: clk}

	client := aggregator.NewClient(aggregator.Config{
		BaseURL:   cfg.Aggregator.BaseURL,
		ClientID:  cfg.Aggregator.ClientID,
		APIKey:    cfg.Aggregator.APIKey,
		RateLimit: cfg.Aggregator.RateLimit,
		Timeout:   cfg.Aggregator.Timeout,
	})
	parsers := vertical.DefaultRegistry()

	deps.Consents = consent.NewService(st.consents, clk)
	deps.Reconciler = reconcile.New(deps.Consents, client, clk, reconcile.Config{
		Interval:      cfg.Reconciler.PollInterval,
		Deadline:      cfg.Reconciler.PollDeadline,
		MaxBackoff:    cfg.Reconciler.BackoffMax,
		LookupTimeout: cfg.Reconciler.LookupTimeout,
	})
	deps.Consents.Observe(deps.Reconciler.Observe())

	engine := ingest.NewEngine(st.ingest, st.batches, deps.Consents, parsers, clk)
	deps.Orchestrator = fetch.NewOrchestrator(deps.Consents, client, parsers, st.batches, engine, clk, fetch.Config{
		CallTimeout:    cfg.Fetch.CallTimeout,
		MaxConcurrency: cfg.Fetch.MaxConcurrency,
		RetryAttempts:  cfg.Fetch.RetryAttempts,
		RetryBackoff:   cfg.Fetch.RetryBackoff,
		DiscoveryTTL:   cfg.Fetch.DiscoveryCacheTTL,
		SettleTimeout:  cfg.Fetch.SettleTimeout,
	})

	deps.Pool = scheduler.NewWorkerPool(cfg.Scheduler.WorkerCount, cfg.Scheduler.JobDelay,
		cfg.Scheduler.JobTimeout, cfg.Scheduler.QueueSize)

	if err := deps.wireNotifications(ctx, cfg, st.notifications); err != nil {
		deps.Close()
		return nil, err
	}
	deps.wireActivation(cfg)

	deps.JWT = auth.NewJWT(cfg.JWT.Secret)
	deps.Handlers = &httphandlers.Handlers{
		Consents:      httphandlers.NewConsentHandler(deps.Consents, consent.NewLinker(deps.Consents, client), deps.Reconciler, cfg.Aggregator.RedirectURL),
		Fetch:         httphandlers.NewFetchHandler(deps.Consents, deps.Orchestrator),
		Accounts:      httphandlers.NewAccountHandler(engine),
		Notifications: httphandlers.NewNotificationHandler(deps.Notifications),
	}

	return deps, nil
}

func (d *Dependencies) wireNotifications(ctx context.Context, cfg *config.Config, repo notification.Repository) error {
	texts := messages.Default()
	if cfg.Firebase.MessagesFile != "" {
		loaded, err := messages.Load(cfg.Firebase.MessagesFile)
		if err != nil {
			return err
		}
		texts = loaded
	}

	var messenger notification.Messenger
	if cfg.Firebase.CredentialsFile != "" {
		fcm, err := firebase.NewClient(ctx, cfg.Firebase.CredentialsFile, repo.DeactivateToken)
		if err != nil {
			return fmt.Errorf("failed to initialize push notifications: %w", err)
		}
		messenger = fcm
		log.Println("Firebase Cloud Messaging enabled")
	} else {
		log.Println("FIREBASE_CREDENTIALS_FILE not set; notifications are stored but not pushed")
	}

	d.Notifications = notification.NewService(repo, messenger, texts)

	// Pushes leave the request path; a slow FCM call must not hold up a transition.
	d.Consents.Observe(func(_ context.Context, c *consent.Consent, ev *consent.Event) {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := d.Notifications.ConsentChanged(ctx, c); err != nil {
				log.Printf("User %d: consent notification failed: %v", c.UserID, err)
			}
		}()
	})
	d.Orchestrator.OnBatchFinished(func(_ context.Context, b *batch.Batch) {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			if err := d.Notifications.BatchFinished(ctx, b); err != nil {
				log.Printf("User %d: batch notification failed: %v", b.UserID, err)
			}
		}()
	})
	return nil
}

// submitSync queues a sync for c. Duplicate submissions are dropped by
// the pool.
func (d *Dependencies) submitSync(c *consent.Consent, reason string) {
	err := d.Pool.Submit(scheduler.NewConsentSyncJob(c, reason, d.Orchestrator))
	switch {
	case err == nil:
		log.Printf("User %d: queued sync for consent %s (%s)", c.UserID, c.ID, reason)
	case errors.Is(err, scheduler.ErrDuplicateJob):
	default:
		log.Printf("User %d: could not queue sync for consent %s: %v", c.UserID, c.ID, err)
	}
}

// wireActivation starts a sync whenever a consent becomes ACTIVE. With
// PostgreSQL the trigger is the consent_events NOTIFY, so activations
// committed by any instance are picked up; in memory mode an in-process
// observer does the same.
func (d *Dependencies) wireActivation(cfg *config.Config) {
	if d.DB == nil {
		d.Consents.Observe(func(_ context.Context, c *consent.Consent, ev *consent.Event) {
			if ev.ToStatus == consent.StatusActive {
				d.submitSync(c, "activated")
			}
		})
		return
	}

	d.Listener = listener.NewConsentListener(cfg.Database.ConnectionString(), func(ctx context.Context, n listener.EventNotification) {
		if n.ToStatus != consent.StatusActive {
			return
		}
		c, err := d.Consents.Resolve(ctx, n.ConsentID)
		if err != nil {
			log.Printf("Consent %s: failed to load after activation notice: %v", n.ConsentID, err)
			return
		}
		d.submitSync(c, "activated")
	})
}

// Close releases all resources held by dependencies.
func (d *Dependencies) Close() {
	if d.Listener != nil {
		d.Listener.Stop()
	}
	if d.Reconciler != nil {
		d.Reconciler.Shutdown()
	}
	if d.DB != nil {
		d.DB.Close()
	}
}
