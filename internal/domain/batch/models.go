// Package batch tracks fetch batches: one dispatch of account fetches
// for a single vertical under one consent, with the raw payloads it
// returned and the outcome of ingesting them.
package batch

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"finlink/internal/domain/vertical"
)

type Status string

const (
	StatusRequested Status = "REQUESTED"
	StatusPartial   Status = "PARTIAL"
	StatusComplete  Status = "COMPLETE"
	StatusFailed    Status = "FAILED"
)

// IsTerminal reports whether the batch may no longer change.
func (s Status) IsTerminal() bool {
	return s == StatusComplete || s == StatusFailed
}

var (
	ErrBatchNotFound = errors.New("fetch batch not found")
	ErrBatchTerminal = errors.New("fetch batch is already terminal")
)

// AccountResult is the outcome of fetching one account. Payload is the
// raw aggregator response; Error is set instead when the fetch failed.
type AccountResult struct {
	AccountID string          `json:"accountId"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	Error     string          `json:"error,omitempty"`
	FetchedAt time.Time       `json:"fetchedAt"`
}

func (r AccountResult) Failed() bool { return r.Error != "" }

// Summary is the ingestion outcome recorded on the batch.
type Summary struct {
	AccountsUpserted     int               `json:"accountsUpserted"`
	HoldingsInserted     int               `json:"holdingsInserted"`
	HoldingsSkipped      int               `json:"holdingsSkipped"`
	TransactionsInserted int               `json:"transactionsInserted"`
	TransactionsSkipped  int               `json:"transactionsSkipped"`
	OutOfRange           int               `json:"outOfRange"`
	FailedAccounts       map[string]string `json:"failedAccounts,omitempty"`
}

type Batch struct {
	ID          string          `json:"id"`
	ConsentID   string          `json:"consentId"`
	UserID      int64           `json:"userId"`
	FIType      vertical.Type   `json:"fiType"`
	AccountIDs  []string        `json:"accountIds"`
	Status      Status          `json:"status"`
	Results     []AccountResult `json:"results,omitempty"`
	Summary     Summary         `json:"summary"`
	RetryOf     string          `json:"retryOf,omitempty"`
	RequestedAt time.Time       `json:"requestedAt"`
	CompletedAt *time.Time      `json:"completedAt,omitempty"`
	UpdatedAt   time.Time       `json:"updatedAt"`
}

// FailedAccountIDs lists accounts whose fetch or ingestion failed.
func (b *Batch) FailedAccountIDs() []string {
	seen := make(map[string]bool)
	var ids []string
	for _, r := range b.Results {
		if r.Failed() && !seen[r.AccountID] {
			seen[r.AccountID] = true
			ids = append(ids, r.AccountID)
		}
	}
	for _, id := range b.AccountIDs {
		if _, failed := b.Summary.FailedAccounts[id]; failed && !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}
	return ids
}

// TerminalError reports an attempted mutation of a finished batch.
func TerminalError(id string, status Status) error {
	return fmt.Errorf("%w: %s is %s", ErrBatchTerminal, id, status)
}
