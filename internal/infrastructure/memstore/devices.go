package memstore

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"finlink/internal/domain/notification"
	"finlink/internal/shared/clock"
)

// DeviceStore implements notification.Repository.
type DeviceStore struct {
	clock clock.Clock

	mu            sync.Mutex
	tokens        map[string]*notification.DeviceToken
	notifications []*notification.Notification
}

func newDeviceStore(clk clock.Clock) *DeviceStore {
	return &DeviceStore{clock: clk, tokens: make(map[string]*notification.DeviceToken)}
}

func (s *DeviceStore) UpsertDeviceToken(ctx context.Context, params notification.CreateDeviceTokenParams) (*notification.DeviceToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now().UTC()
	t, ok := s.tokens[params.Token]
	if !ok {
		t = &notification.DeviceToken{ID: uuid.NewString(), Token: params.Token, CreatedAt: now}
		s.tokens[params.Token] = t
	}
	t.UserID = params.UserID
	t.DeviceType = params.DeviceType
	t.IsActive = true
	t.LastUsed = now

	cp := *t
	return &cp, nil
}

func (s *DeviceStore) GetActiveTokensByUserID(ctx context.Context, userID int64) ([]*notification.DeviceToken, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*notification.DeviceToken
	for _, t := range s.tokens {
		if t.UserID == userID && t.IsActive {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Token < out[j].Token })
	return out, nil
}

func (s *DeviceStore) DeactivateToken(ctx context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tokens[token]
	if !ok {
		return notification.ErrDeviceTokenNotFound
	}
	t.IsActive = false
	return nil
}

func (s *DeviceStore) CreateNotification(ctx context.Context, params notification.CreateNotificationParams) (*notification.Notification, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	n := &notification.Notification{
		ID:        uuid.NewString(),
		UserID:    params.UserID,
		Title:     params.Title,
		Message:   params.Message,
		Category:  params.Category,
		Data:      params.Data,
		CreatedAt: s.clock.Now().UTC(),
	}
	s.notifications = append(s.notifications, n)
	cp := *n
	return &cp, nil
}

func (s *DeviceStore) ListByUserID(ctx context.Context, userID int64, limit int) ([]*notification.Notification, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*notification.Notification
	for i := len(s.notifications) - 1; i >= 0 && len(out) < limit; i-- {
		if n := s.notifications[i]; n.UserID == userID {
			cp := *n
			out = append(out, &cp)
		}
	}
	return out, nil
}
