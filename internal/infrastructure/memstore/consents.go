package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"finlink/internal/domain/consent"
	"finlink/internal/domain/vertical"
	"finlink/internal/shared/clock"
)

// ConsentStore implements consent.Repository.
type ConsentStore struct {
	clock clock.Clock

	mu       sync.Mutex
	consents map[string]*consent.Consent
	events   map[string][]*consent.Event
	// listeners receive every appended event after the lock is released.
	listeners []func(*consent.Event)
}

func newConsentStore(clk clock.Clock) *ConsentStore {
	return &ConsentStore{
		clock:    clk,
		consents: make(map[string]*consent.Consent),
		events:   make(map[string][]*consent.Event),
	}
}

// OnEvent registers fn to be called after each committed event.
func (s *ConsentStore) OnEvent(fn func(*consent.Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.listeners = append(s.listeners, fn)
}

func (s *ConsentStore) Create(ctx context.Context, c *consent.Consent, created *consent.Event) error {
	s.mu.Lock()
	if _, exists := s.consents[c.ID]; exists {
		s.mu.Unlock()
		return fmt.Errorf("consent %s already exists", c.ID)
	}
	s.consents[c.ID] = cloneConsent(c)
	s.events[c.ID] = []*consent.Event{cloneEvent(created)}
	listeners := s.listeners
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(cloneEvent(created))
	}
	return nil
}

func (s *ConsentStore) GetByRef(ctx context.Context, ref string) (*consent.Consent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.consents[ref]; ok {
		return cloneConsent(c), nil
	}
	if ref == "" {
		return nil, consent.ErrConsentNotFound
	}
	var byHandle *consent.Consent
	for _, c := range s.consents {
		if c.ConsentID == ref {
			return cloneConsent(c), nil
		}
		if c.ConsentHandle == ref && (byHandle == nil || c.CreatedAt.Before(byHandle.CreatedAt)) {
			byHandle = c
		}
	}
	if byHandle != nil {
		return cloneConsent(byHandle), nil
	}
	return nil, consent.ErrConsentNotFound
}

func (s *ConsentStore) AttachExternalIDs(ctx context.Context, id, consentID, handle, redirectURL string) (*consent.Consent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.consents[id]
	if !ok {
		return nil, consent.ErrConsentNotFound
	}
	if c.Status != consent.StatusInitiated {
		return nil, &consent.IllegalTransitionError{ConsentID: id, From: c.Status, To: c.Status}
	}
	c.ConsentID = consentID
	c.ConsentHandle = handle
	c.RedirectURL = redirectURL
	c.UpdatedAt = s.clock.Now().UTC()
	return cloneConsent(c), nil
}

func (s *ConsentStore) Transition(ctx context.Context, id string, apply consent.ApplyFunc) (*consent.Consent, *consent.Event, error) {
	s.mu.Lock()
	c, ok := s.consents[id]
	if !ok {
		s.mu.Unlock()
		return nil, nil, consent.ErrConsentNotFound
	}

	ev, err := apply(cloneConsent(c))
	if err != nil {
		s.mu.Unlock()
		return nil, nil, err
	}

	ev.ConsentID = id
	ev.Seq = c.Version + 1
	c.Status = ev.ToStatus
	c.Version = ev.Seq
	c.UpdatedAt = ev.CreatedAt
	s.events[id] = append(s.events[id], cloneEvent(ev))

	updated := cloneConsent(c)
	listeners := s.listeners
	s.mu.Unlock()

	for _, fn := range listeners {
		fn(cloneEvent(ev))
	}
	return updated, cloneEvent(ev), nil
}

func (s *ConsentStore) ListEvents(ctx context.Context, id string) ([]*consent.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	events, ok := s.events[id]
	if !ok {
		return nil, consent.ErrConsentNotFound
	}
	out := make([]*consent.Event, len(events))
	for i, ev := range events {
		out[i] = cloneEvent(ev)
	}
	return out, nil
}

func (s *ConsentStore) ListByStatus(ctx context.Context, status consent.Status) ([]*consent.Consent, error) {
	return s.list(func(c *consent.Consent) bool { return c.Status == status }), nil
}

func (s *ConsentStore) ListByUser(ctx context.Context, userID int64) ([]*consent.Consent, error) {
	return s.list(func(c *consent.Consent) bool { return c.UserID == userID }), nil
}

func (s *ConsentStore) list(match func(*consent.Consent) bool) []*consent.Consent {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*consent.Consent
	for _, c := range s.consents {
		if match(c) {
			out = append(out, cloneConsent(c))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// AppendRawEvent bypasses the state machine. Tests use it to corrupt a log.
func (s *ConsentStore) AppendRawEvent(ev *consent.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[ev.ConsentID] = append(s.events[ev.ConsentID], cloneEvent(ev))
}

func cloneConsent(c *consent.Consent) *consent.Consent {
	cp := *c
	cp.DataTypes = append([]vertical.Type(nil), c.DataTypes...)
	return &cp
}

func cloneEvent(ev *consent.Event) *consent.Event {
	cp := *ev
	if ev.Metadata != nil {
		cp.Metadata = make(map[string]any, len(ev.Metadata))
		for k, v := range ev.Metadata {
			cp.Metadata[k] = v
		}
	}
	return &cp
}
