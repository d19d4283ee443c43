package notification

import (
	"context"
	"log"
	"strconv"

	"finlink/internal/domain/batch"
	"finlink/internal/domain/consent"
	"finlink/internal/shared/messages"
)

// Service contains the business logic for notification operations
type Service struct {
	repo      Repository
	messenger Messenger
	texts     *messages.Messages
}

// NewService creates a new notification service. messenger may be nil,
// in which case notifications are only recorded. A nil texts uses the
// default catalog.
func NewService(repo Repository, messenger Messenger, texts *messages.Messages) *Service {
	if texts == nil {
		texts = messages.Default()
	}
	return &Service{repo: repo, messenger: messenger, texts: texts}
}

// RegisterDevice registers a device token for the authenticated user.
func (s *Service) RegisterDevice(ctx context.Context, params CreateDeviceTokenParams) (*DeviceToken, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	return s.repo.UpsertDeviceToken(ctx, params)
}

// ListNotifications returns the most recent notifications for a user
func (s *Service) ListNotifications(ctx context.Context, userID int64, limit int) ([]*Notification, error) {
	if userID <= 0 {
		return nil, ErrInvalidUser
	}
	if limit < 1 || limit > 100 {
		limit = 20
	}
	return s.repo.ListByUserID(ctx, userID, limit)
}

// SendToUser pushes to every active device of the user and stores a
// record. Delivery failures are logged, not returned.
func (s *Service) SendToUser(ctx context.Context, userID int64, title, body, category string, data map[string]string) error {
	if !IsValidCategory(category) {
		return ErrInvalidCategory
	}
	if data == nil {
		data = make(map[string]string)
	}
	if _, ok := data["route"]; !ok {
		data["route"] = category
	}

	tokens, err := s.repo.GetActiveTokensByUserID(ctx, userID)
	if err != nil {
		return err
	}

	if s.messenger != nil && len(tokens) > 0 {
		tokenStrings := make([]string, len(tokens))
		for i, t := range tokens {
			tokenStrings[i] = t.Token
		}
		if err := s.messenger.SendMulticast(ctx, tokenStrings, title, body, data); err != nil {
			log.Printf("Error sending notification to user %d: %v", userID, err)
		}
	}

	if _, err := s.repo.CreateNotification(ctx, CreateNotificationParams{
		UserID:   userID,
		Title:    title,
		Message:  body,
		Category: category,
		Data:     data,
	}); err != nil {
		log.Printf("Error storing notification for user %d: %v", userID, err)
	}
	return nil
}

func (s *Service) consentText(status consent.Status) (messages.MessageText, bool) {
	switch status {
	case consent.StatusActive:
		return s.texts.ConsentActive, true
	case consent.StatusExpired:
		return s.texts.ConsentExpired, true
	case consent.StatusRevoked:
		return s.texts.ConsentRevoked, true
	case consent.StatusPaused:
		return s.texts.ConsentPaused, true
	}
	return messages.MessageText{}, false
}

// ConsentChanged notifies the owner when a consent reaches a status
// they should know about. Other transitions are ignored.
func (s *Service) ConsentChanged(ctx context.Context, c *consent.Consent) error {
	msg, ok := s.consentText(c.Status)
	if !ok {
		return nil
	}
	title, body := msg.Render(nil)
	return s.SendToUser(ctx, c.UserID, title, body, CategoryConsents, map[string]string{
		"consentId": c.ID,
		"status":    string(c.Status),
	})
}

// BatchFinished tells the user how a sync went. Only batches that
// brought in new rows or failed are worth a push.
func (s *Service) BatchFinished(ctx context.Context, b *batch.Batch) error {
	vars := map[string]string{
		"vertical":     string(b.FIType),
		"transactions": strconv.Itoa(b.Summary.TransactionsInserted),
		"holdings":     strconv.Itoa(b.Summary.HoldingsInserted),
	}
	var msg messages.MessageText
	switch {
	case b.Status == batch.StatusFailed:
		msg = s.texts.SyncFailed
	case b.Summary.HoldingsInserted+b.Summary.TransactionsInserted > 0:
		msg = s.texts.SyncComplete
	default:
		return nil
	}
	title, body := msg.Render(vars)
	return s.SendToUser(ctx, b.UserID, title, body, CategorySync, map[string]string{
		"batchId": b.ID,
		"status":  string(b.Status),
	})
}
