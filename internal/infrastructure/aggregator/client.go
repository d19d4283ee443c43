package aggregator

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"
)

const (
	defaultTimeout        = 60 * time.Second
	consentsPath          = "/consents"
	fetchPath             = "/data/fetch"
	defaultMaxPayloadSize = 32 << 20
)

// Config holds the aggregator connection settings
type Config struct {
	BaseURL   string
	ClientID  string
	APIKey    string
	RateLimit float64 // requests per second, 0 disables limiting
	Timeout   time.Duration
	// MaxPayloadSize caps a response body in bytes. Defaults to 32 MiB.
	MaxPayloadSize int64
}

// Client handles communication with the account aggregator API
type Client struct {
	httpClient *http.Client
	baseURL    string
	clientID   string
	apiKey     string
	limiter    *rate.Limiter
	maxPayload int64
}

// Ensure Client implements ClientInterface
var _ ClientInterface = (*Client)(nil)

// NewClient creates a new aggregator API client. Outgoing requests are
// traced and throttled to the configured rate.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RateLimit > 0 {
		burst := int(cfg.RateLimit)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}

	maxPayload := cfg.MaxPayloadSize
	if maxPayload <= 0 {
		maxPayload = defaultMaxPayloadSize
	}

	return &Client{
		httpClient: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		baseURL:    cfg.BaseURL,
		clientID:   cfg.ClientID,
		apiKey:     cfg.APIKey,
		limiter:    limiter,
		maxPayload: maxPayload,
	}
}

// InitiateConsent asks the aggregator to create a consent request and
// returns its handle and the URL the user must visit to approve it.
func (c *Client) InitiateConsent(ctx context.Context, req InitiateRequest) (*InitiateResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal consent request: %w", err)
	}

	respBody, err := c.do(ctx, http.MethodPost, consentsPath, body)
	if err != nil {
		return nil, err
	}

	var resp InitiateResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	if resp.ConsentHandle == "" {
		return nil, fmt.Errorf("aggregator returned no consent handle")
	}
	return &resp, nil
}

// GetConsentStatus looks up the current status of a consent handle
func (c *Client) GetConsentStatus(ctx context.Context, consentHandle string) (*StatusResponse, error) {
	respBody, err := c.do(ctx, http.MethodGet, consentsPath+"/"+url.PathEscape(consentHandle), nil)
	if err != nil {
		return nil, err
	}

	var resp StatusResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &resp, nil
}

type fetchRequest struct {
	ConsentHandle string   `json:"consentHandle"`
	FIType        string   `json:"fiType"`
	AccountIDs    []string `json:"linkRefNumbers,omitempty"`
}

// FetchData retrieves the raw data payload. The body is returned
// unparsed so it can be stored before any parsing happens.
func (c *Client) FetchData(ctx context.Context, consentHandle, fiType string, accountIDs []string) ([]byte, error) {
	body, err := json.Marshal(fetchRequest{ConsentHandle: consentHandle, FIType: fiType, AccountIDs: accountIDs})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal fetch request: %w", err)
	}
	return c.do(ctx, http.MethodPost, fetchPath, body)
}

func (c *Client) do(ctx context.Context, method, path string, body []byte) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("rate limiter: %w", err)
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("x-client-id", c.clientID)
	req.Header.Set("x-client-secret", c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to execute request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, c.maxPayload+1))
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}
	if int64(len(respBody)) > c.maxPayload {
		return nil, fmt.Errorf("%w: %s %s returned more than %d bytes", ErrPayloadTooLarge, method, path, c.maxPayload)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: string(respBody)}
		var errResp ErrorResponse
		if json.Unmarshal(respBody, &errResp) == nil && errResp.ErrorCode != "" {
			apiErr.Code = errResp.ErrorCode
			apiErr.Message = errResp.Message
		}
		return nil, apiErr
	}

	return respBody, nil
}
