package listener

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"github.com/lib/pq"

	"finlink/internal/domain/consent"
)

const (
	channelName       = "consent_events"
	reconnectInterval = 5 * time.Second
)

// EventNotification is the payload the consent_events trigger publishes.
type EventNotification struct {
	EventID   string         `json:"eventId"`
	ConsentID string         `json:"consentId"`
	Seq       int64          `json:"seq"`
	ToStatus  consent.Status `json:"toStatus"`
}

// Handler receives every committed consent event. It runs on its own
// goroutine.
type Handler func(ctx context.Context, n EventNotification)

// ConsentListener relays consent_events notifications from PostgreSQL so
// every instance sees transitions committed by any other.
type ConsentListener struct {
	connStr    string
	handler    Handler
	shutdownCh chan struct{}
	done       chan struct{}
	started    atomic.Bool
}

func NewConsentListener(connStr string, handler Handler) *ConsentListener {
	return &ConsentListener{
		connStr:    connStr,
		handler:    handler,
		shutdownCh: make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Start begins listening in a background goroutine
func (l *ConsentListener) Start(ctx context.Context) {
	if !l.started.CompareAndSwap(false, true) {
		return
	}
	go l.listen(ctx)
	log.Println("Consent event listener started")
}

// Stop shuts the listener down and waits for it to exit
func (l *ConsentListener) Stop() {
	if !l.started.CompareAndSwap(true, false) {
		return
	}
	close(l.shutdownCh)
	<-l.done
	log.Println("Consent event listener stopped")
}

func (l *ConsentListener) listen(ctx context.Context) {
	defer close(l.done)

	for {
		select {
		case <-l.shutdownCh:
			return
		case <-ctx.Done():
			return
		default:
			l.connectAndListen(ctx)
		}

		select {
		case <-l.shutdownCh:
			return
		case <-ctx.Done():
			return
		case <-time.After(reconnectInterval):
			log.Println("Reconnecting to PostgreSQL for consent events...")
		}
	}
}

func (l *ConsentListener) connectAndListen(ctx context.Context) {
	listener := pq.NewListener(l.connStr, 10*time.Second, time.Minute, func(ev pq.ListenerEventType, err error) {
		switch ev {
		case pq.ListenerEventConnected:
			log.Println("Connected to PostgreSQL notification channel")
		case pq.ListenerEventDisconnected:
			log.Printf("Disconnected from PostgreSQL notification channel: %v", err)
		case pq.ListenerEventReconnected:
			log.Println("Reconnected to PostgreSQL notification channel")
		case pq.ListenerEventConnectionAttemptFailed:
			log.Printf("Connection attempt failed: %v", err)
		}
	})
	defer listener.Close()

	if err := listener.Listen(channelName); err != nil {
		log.Printf("Failed to listen on channel %s: %v", channelName, err)
		return
	}
	log.Printf("Listening on channel: %s", channelName)

	for {
		select {
		case <-l.shutdownCh:
			return
		case <-ctx.Done():
			return
		case notification := <-listener.Notify:
			if notification == nil {
				// Connection lost; events sent meanwhile are gone, the
				// reconciler and scheduler cover the gap.
				return
			}
			l.handle(notification)
		case <-time.After(90 * time.Second):
			go func() {
				if err := listener.Ping(); err != nil {
					log.Printf("Listener ping failed: %v", err)
				}
			}()
		}
	}
}

func (l *ConsentListener) handle(notification *pq.Notification) {
	n, err := ParseNotification(notification.Extra)
	if err != nil {
		log.Printf("Warning: dropping consent notification: %v", err)
		return
	}
	// Background context: the listener's ctx may be cancelled during
	// shutdown while the handler is still running.
	go l.handler(context.Background(), n)
}

// ParseNotification decodes a consent_events payload.
func ParseNotification(extra string) (EventNotification, error) {
	var n EventNotification
	if err := json.Unmarshal([]byte(extra), &n); err != nil {
		return n, fmt.Errorf("failed to parse notification payload: %w", err)
	}
	if n.ConsentID == "" || !n.ToStatus.Valid() {
		return n, fmt.Errorf("incomplete notification payload %q", extra)
	}
	return n, nil
}
