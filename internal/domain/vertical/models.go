package vertical

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Type tags a financial-information vertical. Each tag has exactly one
// registered Parser.
type Type string

const (
	Bank       Type = "BANK"
	MutualFund Type = "MUTUAL_FUND"
	Demat      Type = "DEMAT"
	Insurance  Type = "INSURANCE"
)

var ErrUnknownType = errors.New("unknown vertical type")

// aliases maps the aggregator's FI type names onto our tags.
var aliases = map[string]Type{
	"BANK":               Bank,
	"DEPOSIT":            Bank,
	"MUTUAL_FUND":        MutualFund,
	"MUTUAL_FUNDS":       MutualFund,
	"DEMAT":              Demat,
	"EQUITIES":           Demat,
	"INSURANCE":          Insurance,
	"INSURANCE_POLICIES": Insurance,
}

// ParseType accepts a canonical tag or one of the aggregator aliases,
// case-insensitively.
func ParseType(s string) (Type, error) {
	t, ok := aliases[strings.ToUpper(strings.TrimSpace(s))]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownType, s)
	}
	return t, nil
}

// ExternalName is the FI type name sent to the aggregator.
func (t Type) ExternalName() string {
	switch t {
	case Bank:
		return "DEPOSIT"
	case MutualFund:
		return "MUTUAL_FUNDS"
	case Demat:
		return "EQUITIES"
	case Insurance:
		return "INSURANCE_POLICIES"
	}
	return string(t)
}

// DiscoveredAccount is one entry of an account discovery summary.
type DiscoveredAccount struct {
	AccountID    string `json:"accountId"`
	FIType       Type   `json:"fiType"`
	MaskedNumber string `json:"maskedNumber,omitempty"`
	FIPID        string `json:"fipId,omitempty"`
	AccountType  string `json:"accountType,omitempty"`
}

// AccountRecord is the account identity parsed from a statement.
type AccountRecord struct {
	AccountID    string
	MaskedNumber string
	FIPID        string
	AccountType  string
	Status       string
	Currency     string
	Metadata     map[string]any
}

// HoldingRecord is a point-in-time position parsed from a statement.
type HoldingRecord struct {
	AccountID      string
	InstrumentID   string
	InstrumentName string
	Quantity       decimal.Decimal
	AveragePrice   decimal.Decimal
	CurrentValue   decimal.Decimal
	InvestedAmount decimal.Decimal
	AsOf           time.Time
	Detail         map[string]any
}

// TransactionRecord is one movement parsed from a statement. ExternalID
// is empty when the source does not assign one.
type TransactionRecord struct {
	AccountID  string
	ExternalID string
	Type       string
	Amount     decimal.Decimal
	Date       time.Time
	Narration  string
	Reference  string
	Detail     map[string]any
}

// Statement is everything a parser extracted from one fetch payload.
type Statement struct {
	FIType       Type
	Accounts     []AccountRecord
	Holdings     []HoldingRecord
	Transactions []TransactionRecord
}
