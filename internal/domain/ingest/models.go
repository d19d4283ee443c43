package ingest

import (
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"finlink/internal/domain/vertical"
)

var ErrAccountNotFound = errors.New("account not found")

// OrphanReferenceError rejects a holding or transaction that points at
// an account neither stored nor present in the same payload.
type OrphanReferenceError struct {
	AccountID string
	Kind      string
}

func (e *OrphanReferenceError) Error() string {
	return fmt.Sprintf("%s references unknown account %s", e.Kind, e.AccountID)
}

// AccountKey is the natural key of an account.
type AccountKey struct {
	UserID            int64
	ExternalAccountID string
	FIType            vertical.Type
}

func (k AccountKey) String() string {
	return fmt.Sprintf("%d/%s/%s", k.UserID, k.FIType, k.ExternalAccountID)
}

type Account struct {
	ID                string         `json:"id"`
	UserID            int64          `json:"userId"`
	ConsentID         string         `json:"consentId"`
	ExternalAccountID string         `json:"externalAccountId"`
	FIType            vertical.Type  `json:"fiType"`
	MaskedNumber      string         `json:"maskedNumber,omitempty"`
	FIPID             string         `json:"fipId,omitempty"`
	AccountType       string         `json:"accountType,omitempty"`
	Status            string         `json:"status,omitempty"`
	Currency          string         `json:"currency"`
	Metadata          map[string]any `json:"metadata,omitempty"`
	LastBatchID       string         `json:"lastBatchId,omitempty"`
	CreatedAt         time.Time      `json:"createdAt"`
	UpdatedAt         time.Time      `json:"updatedAt"`
}

func (a *Account) Key() AccountKey {
	return AccountKey{UserID: a.UserID, ExternalAccountID: a.ExternalAccountID, FIType: a.FIType}
}

type Holding struct {
	ID             string          `json:"id"`
	AccountID      string          `json:"accountId"`
	IdempotencyKey string          `json:"idempotencyKey"`
	InstrumentID   string          `json:"instrumentId"`
	InstrumentName string          `json:"instrumentName,omitempty"`
	Quantity       decimal.Decimal `json:"quantity"`
	AveragePrice   decimal.Decimal `json:"averagePrice"`
	CurrentValue   decimal.Decimal `json:"currentValue"`
	InvestedAmount decimal.Decimal `json:"investedAmount"`
	AsOf           time.Time       `json:"asOf"`
	Detail         map[string]any  `json:"detail,omitempty"`
	BatchID        string          `json:"batchId"`
	CreatedAt      time.Time       `json:"createdAt"`
}

type Transaction struct {
	ID             string          `json:"id"`
	AccountID      string          `json:"accountId"`
	IdempotencyKey string          `json:"idempotencyKey"`
	ExternalID     string          `json:"externalId,omitempty"`
	Type           string          `json:"type"`
	Amount         decimal.Decimal `json:"amount"`
	Date           time.Time       `json:"date"`
	Narration      string          `json:"narration,omitempty"`
	Reference      string          `json:"reference,omitempty"`
	Detail         map[string]any  `json:"detail,omitempty"`
	BatchID        string          `json:"batchId"`
	CreatedAt      time.Time       `json:"createdAt"`
}

// Result counts what one ingestion pass did.
type Result struct {
	AccountsUpserted     int
	HoldingsInserted     int
	HoldingsSkipped      int
	TransactionsInserted int
	TransactionsSkipped  int
	OutOfRange           int
	// FailedAccounts maps an account id to the reason its group was
	// rolled back.
	FailedAccounts map[string]string
}

func (r *Result) add(o *Result) {
	r.AccountsUpserted += o.AccountsUpserted
	r.HoldingsInserted += o.HoldingsInserted
	r.HoldingsSkipped += o.HoldingsSkipped
	r.TransactionsInserted += o.TransactionsInserted
	r.TransactionsSkipped += o.TransactionsSkipped
	r.OutOfRange += o.OutOfRange
}

func (r *Result) fail(accountID string, err error) {
	if r.FailedAccounts == nil {
		r.FailedAccounts = make(map[string]string)
	}
	r.FailedAccounts[accountID] = err.Error()
}
