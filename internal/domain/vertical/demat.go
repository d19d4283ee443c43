package vertical

import "fmt"

// DematParser handles equity demat accounts: security holdings and
// trades. Trade amounts are units times rate.
type DematParser struct{}

func (DematParser) Type() Type { return Demat }

func (DematParser) ParseDiscovery(payload []byte) ([]DiscoveredAccount, error) {
	return parseDiscovery(Demat, payload)
}

func (DematParser) ParseStatement(payload []byte) (*Statement, error) {
	docs, err := statementDocs(payload)
	if err != nil {
		return nil, err
	}

	st := &Statement{FIType: Demat}
	for _, doc := range docs {
		acct, err := accountRecord(doc, "maskedDematId")
		if err != nil {
			return nil, err
		}
		if acctBlock, err := object(doc, "$.account"); err == nil {
			if dp := str(acctBlock, "dpId"); dp != "" {
				acct.Metadata["dpId"] = dp
			}
		}
		st.Accounts = append(st.Accounts, acct)

		holdings, err := objects(doc, "$.holdings[*]")
		if err != nil {
			return nil, err
		}
		for _, h := range holdings {
			rec, err := equityHolding(acct.AccountID, h)
			if err != nil {
				return nil, err
			}
			st.Holdings = append(st.Holdings, rec)
		}

		trades, err := objects(doc, "$.trades[*]")
		if err != nil {
			return nil, err
		}
		for _, t := range trades {
			units, err := dec(t, "units")
			if err != nil {
				return nil, err
			}
			rate, err := dec(t, "rate")
			if err != nil {
				return nil, err
			}
			when, err := date(t, "tradeDate")
			if err != nil {
				return nil, err
			}
			st.Transactions = append(st.Transactions, TransactionRecord{
				AccountID:  acct.AccountID,
				ExternalID: str(t, "orderId"),
				Type:       str(t, "side"),
				Amount:     units.Mul(rate),
				Date:       when,
				Narration:  str(t, "narration"),
				Reference:  str(t, "exchange"),
				Detail:     detail("isin", str(t, "isin"), "units", units.String(), "rate", rate.String()),
			})
		}
	}
	return st, nil
}

func equityHolding(accountID string, h map[string]any) (HoldingRecord, error) {
	isin := str(h, "isin")
	if isin == "" {
		return HoldingRecord{}, fmt.Errorf("equity holding without isin on account %s", accountID)
	}
	units, err := dec(h, "units")
	if err != nil {
		return HoldingRecord{}, err
	}
	ltp, err := dec(h, "lastTradedPrice")
	if err != nil {
		return HoldingRecord{}, err
	}
	avg, err := dec(h, "avgPrice")
	if err != nil {
		return HoldingRecord{}, err
	}
	invested, err := dec(h, "investedValue")
	if err != nil {
		return HoldingRecord{}, err
	}
	if invested.IsZero() {
		invested = units.Mul(avg)
	}
	asOf, err := date(h, "asOf")
	if err != nil {
		return HoldingRecord{}, err
	}
	return HoldingRecord{
		AccountID:      accountID,
		InstrumentID:   isin,
		InstrumentName: str(h, "issuerName"),
		Quantity:       units,
		AveragePrice:   avg,
		CurrentValue:   units.Mul(ltp),
		InvestedAmount: invested,
		AsOf:           asOf,
		Detail:         detail("lastTradedPrice", ltp.String()),
	}, nil
}
