package consent

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"finlink/internal/domain/vertical"
	"finlink/internal/shared/clock"
)

var (
	consentMeter       = otel.Meter("finlink/consent")
	transitionTotal, _ = consentMeter.Int64Counter("consent.transition.total", metric.WithDescription("Consent transitions by target status and outcome"))
)

// Observer is notified after a transition has been committed. Observers
// run on the caller's goroutine and must not block.
type Observer func(ctx context.Context, c *Consent, ev *Event)

// Service is the consent registry. It is the only writer of consent
// status; every status change goes through Transition and is recorded in
// the event log in the same storage transaction.
type Service struct {
	repo  Repository
	clock clock.Clock

	mu        sync.RWMutex
	observers []Observer
}

// NewService creates a new consent registry
func NewService(repo Repository, clk clock.Clock) *Service {
	return &Service{repo: repo, clock: clk}
}

// Observe registers fn to receive committed transitions.
func (s *Service) Observe(fn Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
}

// Create validates params and stores a new INITIATED consent together
// with its CREATED event.
func (s *Service) Create(ctx context.Context, params CreateParams) (*Consent, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	now := s.clock.Now().UTC()
	c := &Consent{
		ID:         uuid.NewString(),
		UserID:     params.UserID,
		Status:     StatusInitiated,
		DataTypes:  dedupeTypes(params.DataTypes),
		ValidFrom:  params.ValidFrom.UTC(),
		ValidUntil: params.ValidUntil.UTC(),
		DataRange:  params.DataRange,
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	created := &Event{
		ID:        uuid.NewString(),
		ConsentID: c.ID,
		Seq:       1,
		Type:      EventCreated,
		ToStatus:  StatusInitiated,
		Source:    SourceSystem,
		CreatedAt: now,
	}

	if err := s.repo.Create(ctx, c, created); err != nil {
		return nil, fmt.Errorf("failed to create consent: %w", err)
	}

	log.Printf("User %d: consent %s created for %v", c.UserID, c.ID, c.DataTypes)
	return c, nil
}

// AttachExternalIDs records the aggregator identifiers returned by
// initiation. Only an INITIATED consent accepts them.
func (s *Service) AttachExternalIDs(ctx context.Context, id, consentID, handle, redirectURL string) (*Consent, error) {
	if handle == "" {
		return nil, &ValidationError{Field: "consentHandle", Reason: "is required"}
	}
	return s.repo.AttachExternalIDs(ctx, id, consentID, handle, redirectURL)
}

// Transition moves the consent identified by ref to the target status.
// Illegal edges return an IllegalTransitionError and leave both the
// consent row and its event log untouched.
func (s *Service) Transition(ctx context.Context, ref string, to Status, source Source, metadata map[string]any) (*Consent, error) {
	current, err := s.repo.GetByRef(ctx, ref)
	if err != nil {
		return nil, err
	}

	updated, ev, err := s.repo.Transition(ctx, current.ID, func(locked *Consent) (*Event, error) {
		if !CanTransition(locked.Status, to) {
			return nil, &IllegalTransitionError{ConsentID: locked.ID, From: locked.Status, To: to}
		}
		return &Event{
			ID:         uuid.NewString(),
			ConsentID:  locked.ID,
			Type:       EventTransition,
			FromStatus: locked.Status,
			ToStatus:   to,
			Source:     source,
			Metadata:   metadata,
			CreatedAt:  s.clock.Now().UTC(),
		}, nil
	})
	if err != nil {
		transitionTotal.Add(ctx, 1, metric.WithAttributes(
			attribute.String("to", string(to)),
			attribute.String("outcome", "rejected"),
		))
		if errors.Is(err, ErrIllegalTransition) || errors.Is(err, ErrConsentNotFound) {
			return nil, err
		}
		return nil, fmt.Errorf("failed to transition consent: %w", err)
	}

	transitionTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("to", string(to)),
		attribute.String("outcome", "applied"),
	))
	log.Printf("User %d: consent %s %s -> %s (%s)", updated.UserID, updated.ID, ev.FromStatus, ev.ToStatus, source)

	s.notify(ctx, updated, ev)
	return updated, nil
}

func (s *Service) notify(ctx context.Context, c *Consent, ev *Event) {
	s.mu.RLock()
	observers := append([]Observer(nil), s.observers...)
	s.mu.RUnlock()

	for _, fn := range observers {
		fn(ctx, c, ev)
	}
}

// Resolve looks a consent up by internal id, aggregator consent id or
// consent handle.
func (s *Service) Resolve(ctx context.Context, ref string) (*Consent, error) {
	if ref == "" {
		return nil, ErrConsentNotFound
	}
	return s.repo.GetByRef(ctx, ref)
}

// Events returns the ordered audit log of a consent.
func (s *Service) Events(ctx context.Context, ref string) ([]*Event, error) {
	c, err := s.Resolve(ctx, ref)
	if err != nil {
		return nil, err
	}
	return s.repo.ListEvents(ctx, c.ID)
}

// Verify replays the event log and checks it against the stored status.
func (s *Service) Verify(ctx context.Context, ref string) (Status, error) {
	c, err := s.Resolve(ctx, ref)
	if err != nil {
		return "", err
	}
	events, err := s.repo.ListEvents(ctx, c.ID)
	if err != nil {
		return "", fmt.Errorf("failed to load events: %w", err)
	}

	replayed, err := Replay(events)
	if err != nil {
		return "", err
	}
	if replayed != c.Status {
		return replayed, fmt.Errorf("%w: stored %s, replayed %s", ErrCorruptLog, c.Status, replayed)
	}
	if int64(len(events)) != c.Version {
		return replayed, fmt.Errorf("%w: version %d but %d events", ErrCorruptLog, c.Version, len(events))
	}
	return replayed, nil
}

func (s *Service) ListByStatus(ctx context.Context, status Status) ([]*Consent, error) {
	return s.repo.ListByStatus(ctx, status)
}

func (s *Service) ListByUser(ctx context.Context, userID int64) ([]*Consent, error) {
	if userID <= 0 {
		return nil, &ValidationError{Field: "userId", Reason: "must be positive"}
	}
	return s.repo.ListByUser(ctx, userID)
}

// Validate checks a create request.
func (p CreateParams) Validate() error {
	if p.UserID <= 0 {
		return &ValidationError{Field: "userId", Reason: "must be positive"}
	}
	if len(p.DataTypes) == 0 {
		return &ValidationError{Field: "dataTypes", Reason: "must not be empty"}
	}
	for _, t := range p.DataTypes {
		if _, err := vertical.ParseType(string(t)); err != nil {
			return &ValidationError{Field: "dataTypes", Reason: fmt.Sprintf("contains unknown type %q", t)}
		}
	}
	if p.ValidFrom.IsZero() || p.ValidUntil.IsZero() {
		return &ValidationError{Field: "validity", Reason: "start and end are required"}
	}
	if !p.ValidUntil.After(p.ValidFrom) {
		return &ValidationError{Field: "validity", Reason: "end must be after start"}
	}
	if !p.DataRange.To.IsZero() && p.DataRange.To.Before(p.DataRange.From) {
		return &ValidationError{Field: "dataRange", Reason: "end must not be before start"}
	}
	return nil
}

func dedupeTypes(types []vertical.Type) []vertical.Type {
	seen := make(map[vertical.Type]bool, len(types))
	out := make([]vertical.Type, 0, len(types))
	for _, t := range types {
		canonical, _ := vertical.ParseType(string(t))
		if !seen[canonical] {
			seen[canonical] = true
			out = append(out, canonical)
		}
	}
	return out
}
