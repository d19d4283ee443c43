package ingest

import (
	"strings"

	"finlink/internal/domain/vertical"
	"finlink/internal/shared/idempotency"
)

const dayLayout = "2006-01-02"

// HoldingKey identifies a holding by account, instrument and as-of day.
func HoldingKey(acct AccountKey, h vertical.HoldingRecord) (string, error) {
	return idempotency.Key(idempotency.HoldingDomain,
		acct.UserID, string(acct.FIType), acct.ExternalAccountID,
		h.InstrumentID, h.AsOf.UTC().Format(dayLayout),
	)
}

// TransactionKey prefers the source's transaction id. Without one the
// key is derived from the content that makes two movements distinct.
func TransactionKey(acct AccountKey, t vertical.TransactionRecord) (string, error) {
	if t.ExternalID != "" {
		return idempotency.Key(idempotency.TransactionDomain,
			acct.UserID, string(acct.FIType), acct.ExternalAccountID,
			"id", t.ExternalID,
		)
	}
	return idempotency.Key(idempotency.TransactionDomain,
		acct.UserID, string(acct.FIType), acct.ExternalAccountID,
		"content", strings.ToUpper(t.Type), t.Amount.String(), t.Date.UTC().Format(dayLayout),
		strings.Join(strings.Fields(t.Narration), " "),
	)
}
