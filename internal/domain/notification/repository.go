package notification

import "context"

// Repository defines the interface for notification data access.
type Repository interface {
	// UpsertDeviceToken registers a token, reassigning it if another
	// user held it.
	UpsertDeviceToken(ctx context.Context, params CreateDeviceTokenParams) (*DeviceToken, error)
	GetActiveTokensByUserID(ctx context.Context, userID int64) ([]*DeviceToken, error)
	DeactivateToken(ctx context.Context, token string) error

	CreateNotification(ctx context.Context, params CreateNotificationParams) (*Notification, error)
	ListByUserID(ctx context.Context, userID int64, limit int) ([]*Notification, error)
}
