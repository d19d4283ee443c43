package vertical

import "fmt"

// MutualFundParser handles folios: scheme holdings with NAV and unit
// transactions.
type MutualFundParser struct{}

func (MutualFundParser) Type() Type { return MutualFund }

func (MutualFundParser) ParseDiscovery(payload []byte) ([]DiscoveredAccount, error) {
	return parseDiscovery(MutualFund, payload)
}

func (MutualFundParser) ParseStatement(payload []byte) (*Statement, error) {
	docs, err := statementDocs(payload)
	if err != nil {
		return nil, err
	}

	st := &Statement{FIType: MutualFund}
	for _, doc := range docs {
		acct, err := accountRecord(doc, "maskedFolioNo")
		if err != nil {
			return nil, err
		}
		st.Accounts = append(st.Accounts, acct)

		holdings, err := objects(doc, "$.holdings.holding[*]")
		if err != nil {
			return nil, err
		}
		for _, h := range holdings {
			rec, err := fundHolding(acct.AccountID, h)
			if err != nil {
				return nil, err
			}
			st.Holdings = append(st.Holdings, rec)
		}

		txns, err := objects(doc, "$.transactions.transaction[*]")
		if err != nil {
			return nil, err
		}
		for _, t := range txns {
			amount, err := dec(t, "amount")
			if err != nil {
				return nil, err
			}
			when, err := date(t, "transactionDate")
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
				Detail:     detail("isin", str(t, "isin"), "units", str(t, "units"), "nav", str(t, "nav")),
			})
		}
	}
	return st, nil
}

func fundHolding(accountID string, h map[string]any) (HoldingRecord, error) {
	isin := str(h, "isin")
	if isin == "" {
		return HoldingRecord{}, fmt.Errorf("fund holding without isin on account %s", accountID)
	}
	units, err := dec(h, "closingUnits")
	if err != nil {
		return HoldingRecord{}, err
	}
	nav, err := dec(h, "nav")
	if err != nil {
		return HoldingRecord{}, err
	}
	avg, err := dec(h, "avgNav")
	if err != nil {
		return HoldingRecord{}, err
	}
	invested, err := dec(h, "investedValue")
	if err != nil {
		return HoldingRecord{}, err
	}
	current, err := dec(h, "currentValue")
	if err != nil {
		return HoldingRecord{}, err
	}
	if current.IsZero() {
		current = units.Mul(nav)
	}
	asOf, err := date(h, "navDate")
	if err != nil {
		return HoldingRecord{}, err
	}
	return HoldingRecord{
		AccountID:      accountID,
		InstrumentID:   isin,
		InstrumentName: str(h, "schemeName"),
		Quantity:       units,
		AveragePrice:   avg,
		CurrentValue:   current,
		InvestedAmount: invested,
		AsOf:           asOf,
		Detail:         detail("amc", str(h, "amc"), "nav", nav.String(), "folioNo", str(h, "folioNo")),
	}, nil
}
