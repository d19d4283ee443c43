package vertical

import (
	"fmt"

	"github.com/shopspring/decimal"
)

// BankParser handles deposit accounts: a balance summary, term deposits
// reported as holdings and a transaction ledger.
type BankParser struct{}

func (BankParser) Type() Type { return Bank }

func (BankParser) ParseDiscovery(payload []byte) ([]DiscoveredAccount, error) {
	return parseDiscovery(Bank, payload)
}

func (BankParser) ParseStatement(payload []byte) (*Statement, error) {
	docs, err := statementDocs(payload)
	if err != nil {
		return nil, err
	}

	st := &Statement{FIType: Bank}
	for _, doc := range docs {
		acct, err := accountRecord(doc)
		if err != nil {
			return nil, err
		}
		if summary, err := object(doc, "$.summary"); err == nil {
			if bal, err := dec(summary, "currentBalance"); err == nil {
				acct.Metadata["currentBalance"] = bal.String()
			}
			if at := str(summary, "balanceDateTime"); at != "" {
				acct.Metadata["balanceAt"] = at
			}
			if branch := str(summary, "branch"); branch != "" {
				acct.Metadata["branch"] = branch
			}
		}
		st.Accounts = append(st.Accounts, acct)

		deposits, err := objects(doc, "$.deposits[*]")
		if err != nil {
			return nil, err
		}
		for _, d := range deposits {
			h, err := bankDeposit(acct.AccountID, d)
			if err != nil {
				return nil, err
			}
			st.Holdings = append(st.Holdings, h)
		}

		txns, err := objects(doc, "$.transactions[*]")
		if err != nil {
			return nil, err
		}
		for _, t := range txns {
			amount, err := dec(t, "amount")
			if err != nil {
				return nil, err
			}
			when, err := date(t, "valueDate", "transactionTimestamp")
			if err != nil {
				return nil, err
			}
			st.Transactions = append(st.Transactions, TransactionRecord{
				AccountID:  acct.AccountID,
				ExternalID: str(t, "txnId"),
				Type:       str(t, "type"),
				Amount:     amount,
				Date:       when,
				Narration:  str(t, "narration"),
				Reference:  str(t, "reference"),
				Detail:     detail("mode", str(t, "mode")),
			})
		}
	}
	return st, nil
}

func bankDeposit(accountID string, d map[string]any) (HoldingRecord, error) {
	id := str(d, "depositId")
	if id == "" {
		return HoldingRecord{}, fmt.Errorf("deposit without depositId on account %s", accountID)
	}
	principal, err := dec(d, "principal")
	if err != nil {
		return HoldingRecord{}, err
	}
	current, err := dec(d, "currentValue")
	if err != nil {
		return HoldingRecord{}, err
	}
	asOf, err := date(d, "asOf")
	if err != nil {
		return HoldingRecord{}, err
	}
	return HoldingRecord{
		AccountID:      accountID,
		InstrumentID:   id,
		InstrumentName: str(d, "description"),
		Quantity:       decimal.NewFromInt(1),
		AveragePrice:   principal,
		CurrentValue:   current,
		InvestedAmount: principal,
		AsOf:           asOf,
		Detail:         detail("interestRate", str(d, "interestRate"), "maturityDate", str(d, "maturityDate")),
	}, nil
}

// detail builds a metadata map from key/value pairs, dropping empty values.
func detail(kv ...string) map[string]any {
	m := make(map[string]any)
	for i := 0; i+1 < len(kv); i += 2 {
		if kv[i+1] != "" {
			m[kv[i]] = kv[i+1]
		}
	}
	return m
}
