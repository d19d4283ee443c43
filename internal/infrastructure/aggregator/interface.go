package aggregator

import (
	"context"
	"time"
)

// ClientInterface defines the methods required from the account
// aggregator API client
type ClientInterface interface {
	InitiateConsent(ctx context.Context, req InitiateRequest) (*InitiateResponse, error)
	GetConsentStatus(ctx context.Context, consentHandle string) (*StatusResponse, error)
	// FetchData returns the raw payload for the given accounts of one FI
	// type. An empty accountIDs asks for the discovery summary.
	FetchData(ctx context.Context, consentHandle, fiType string, accountIDs []string) ([]byte, error)
}

// InitiateRequest represents a consent creation request
type InitiateRequest struct {
	UserRef    string    `json:"userRef"`
	FITypes    []string  `json:"fiTypes"`
	ValidFrom  time.Time `json:"consentStart"`
	ValidUntil time.Time `json:"consentExpiry"`
	DataRange  struct {
		From time.Time  `json:"from"`
		To   *time.Time `json:"to,omitempty"`
	} `json:"dataRange"`
	RedirectURL string `json:"redirectUrl,omitempty"`
}

// InitiateResponse carries the identifiers the aggregator assigned
type InitiateResponse struct {
	ConsentID     string `json:"id"`
	ConsentHandle string `json:"consentHandle"`
	RedirectURL   string `json:"url"`
	Status        string `json:"status"`
}

// StatusResponse represents the aggregator's view of a consent
type StatusResponse struct {
	ConsentID     string `json:"id"`
	ConsentHandle string `json:"consentHandle"`
	Status        string `json:"status"`
	Detail        string `json:"detail,omitempty"`
}

// ErrorResponse represents an error response from the API
type ErrorResponse struct {
	ErrorCode string `json:"errorCode"`
	Message   string `json:"errorMsg"`
}
