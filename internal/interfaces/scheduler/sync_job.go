package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"

	"finlink/internal/domain/batch"
	"finlink/internal/domain/consent"
)

// Syncer discovers a consent's accounts and fetches each vertical.
type Syncer interface {
	Sync(ctx context.Context, ref string) ([]*batch.Batch, error)
}

// ConsentSyncJob refreshes all data under one consent.
type ConsentSyncJob struct {
	consentID string
	userID    int64
	reason    string
	syncer    Syncer
}

func NewConsentSyncJob(c *consent.Consent, reason string, syncer Syncer) *ConsentSyncJob {
	return &ConsentSyncJob{consentID: c.ID, userID: c.UserID, reason: reason, syncer: syncer}
}

func (j *ConsentSyncJob) Execute(ctx context.Context) error {
	batches, err := j.syncer.Sync(ctx, j.consentID)

	counts := make(map[batch.Status]int)
	for _, b := range batches {
		counts[b.Status]++
	}
	if len(batches) > 0 {
		log.Printf("User %d: consent %s sync produced %d batches (%d complete, %d partial, %d failed)",
			j.userID, j.consentID, len(batches),
			counts[batch.StatusComplete], counts[batch.StatusPartial], counts[batch.StatusFailed])
	}

	if err != nil {
		return fmt.Errorf("sync failed: %w", err)
	}
	if counts[batch.StatusFailed] > 0 {
		return errors.New("sync completed with failed batches")
	}
	return nil
}

func (j *ConsentSyncJob) Key() string   { return "sync:" + j.consentID }
func (j *ConsentSyncJob) UserID() int64 { return j.userID }
func (j *ConsentSyncJob) Description() string {
	return fmt.Sprintf("Consent %s sync (%s)", j.consentID, j.reason)
}

// ConsentLister lists consents by status.
type ConsentLister interface {
	ListByStatus(ctx context.Context, status consent.Status) ([]*consent.Consent, error)
}

// RefreshJobs returns a job provider that yields a sync job for every
// ACTIVE consent still inside its validity window.
func RefreshJobs(consents ConsentLister, syncer Syncer, now func() time.Time) func(context.Context) ([]Job, error) {
	return func(ctx context.Context) ([]Job, error) {
		active, err := consents.ListByStatus(ctx, consent.StatusActive)
		if err != nil {
			return nil, fmt.Errorf("failed to list active consents: %w", err)
		}

		at := now()
		jobs := make([]Job, 0, len(active))
		for _, c := range active {
			if c.ValidityLapsed(at) {
				// The orchestrator expires it on the next fetch attempt.
				jobs = append(jobs, NewConsentSyncJob(c, "expiry check", syncer))
				continue
			}
			jobs = append(jobs, NewConsentSyncJob(c, "scheduled refresh", syncer))
		}
		return jobs, nil
	}
}
