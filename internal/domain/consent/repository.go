package consent

import "context"

// ApplyFunc inspects the locked current row and returns the event to
// append. Returning an error aborts without writing anything.
type ApplyFunc func(current *Consent) (*Event, error)

type Repository interface {
	// Create stores the consent and its CREATED event atomically.
	Create(ctx context.Context, c *Consent, created *Event) error
	// GetByRef resolves an internal id, aggregator consent id or handle.
	GetByRef(ctx context.Context, ref string) (*Consent, error)
	AttachExternalIDs(ctx context.Context, id, consentID, handle, redirectURL string) (*Consent, error)
	// Transition runs apply against the current row under a row lock,
	// then appends the event (assigning Seq) and updates the row's
	// status and version in the same transaction.
	Transition(ctx context.Context, id string, apply ApplyFunc) (*Consent, *Event, error)
	ListEvents(ctx context.Context, id string) ([]*Event, error)
	ListByStatus(ctx context.Context, status Status) ([]*Consent, error)
	ListByUser(ctx context.Context, userID int64) ([]*Consent, error)
}
