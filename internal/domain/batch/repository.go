package batch

import "context"

type Repository interface {
	Create(ctx context.Context, b *Batch) error
	GetByID(ctx context.Context, id string) (*Batch, error)
	ListByConsent(ctx context.Context, consentID string) ([]*Batch, error)
	// RecordResults stores fetch payloads and moves the batch to status.
	// Fails with ErrBatchTerminal once the batch is COMPLETE or FAILED.
	RecordResults(ctx context.Context, id string, results []AccountResult, status Status) error
	// Finish records the ingestion summary and final status.
	Finish(ctx context.Context, id string, status Status, summary Summary) error
}
