package consent

import (
	"time"

	"finlink/internal/domain/vertical"
)

// Status is the lifecycle state of a consent.
type Status string

const (
	StatusInitiated Status = "INITIATED"
	StatusPending   Status = "PENDING"
	StatusActive    Status = "ACTIVE"
	StatusExpired   Status = "EXPIRED"
	StatusRevoked   Status = "REVOKED"
	StatusPaused    Status = "PAUSED"
)

// IsTerminal reports whether no further transitions are allowed.
func (s Status) IsTerminal() bool {
	return s == StatusExpired || s == StatusRevoked || s == StatusPaused
}

func (s Status) Valid() bool {
	switch s {
	case StatusInitiated, StatusPending, StatusActive, StatusExpired, StatusRevoked, StatusPaused:
		return true
	}
	return false
}

// Source records who caused a transition.
type Source string

const (
	SourceSystem   Source = "SYSTEM"
	SourceExternal Source = "EXTERNAL"
)

// EventType distinguishes the creation record from later transitions.
type EventType string

const (
	EventCreated    EventType = "CREATED"
	EventTransition EventType = "TRANSITION"
)

// DataRange bounds the transaction history a consent grants access to.
// A zero To means open-ended.
type DataRange struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to,omitempty"`
}

// Contains reports whether t falls inside the range, by calendar day.
func (r DataRange) Contains(t time.Time) bool {
	if !r.From.IsZero() && t.Before(truncateDay(r.From)) {
		return false
	}
	if !r.To.IsZero() && t.After(truncateDay(r.To)) {
		return false
	}
	return true
}

func truncateDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// Consent is a user's authorization for the aggregator to share data.
// ConsentID and ConsentHandle are assigned by the aggregator and stay
// empty until initiation succeeds.
type Consent struct {
	ID            string          `json:"id"`
	UserID        int64           `json:"userId"`
	ConsentID     string          `json:"consentId,omitempty"`
	ConsentHandle string          `json:"consentHandle,omitempty"`
	RedirectURL   string          `json:"redirectUrl,omitempty"`
	Status        Status          `json:"status"`
	DataTypes     []vertical.Type `json:"dataTypes"`
	ValidFrom     time.Time       `json:"validFrom"`
	ValidUntil    time.Time       `json:"validUntil"`
	DataRange     DataRange       `json:"dataRange"`
	Version       int64           `json:"version"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// Covers reports whether the consent grants access to vertical t.
func (c *Consent) Covers(t vertical.Type) bool {
	for _, dt := range c.DataTypes {
		if dt == t {
			return true
		}
	}
	return false
}

// ValidityLapsed reports whether now is past the validity window.
func (c *Consent) ValidityLapsed(now time.Time) bool {
	return !c.ValidUntil.IsZero() && !now.Before(c.ValidUntil)
}

// Event is one immutable entry of a consent's audit log. Seq starts at 1
// with the CREATED event and increases by one per transition.
type Event struct {
	ID         string         `json:"id"`
	ConsentID  string         `json:"consentId"`
	Seq        int64          `json:"seq"`
	Type       EventType      `json:"type"`
	FromStatus Status         `json:"fromStatus,omitempty"`
	ToStatus   Status         `json:"toStatus"`
	Source     Source         `json:"source"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"createdAt"`
}

// CreateParams describes a new consent request.
type CreateParams struct {
	UserID     int64
	DataTypes  []vertical.Type
	ValidFrom  time.Time
	ValidUntil time.Time
	DataRange  DataRange
}
