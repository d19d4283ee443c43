package vertical

import "github.com/shopspring/decimal"

// InsuranceParser handles policies. The policy itself is reported as a
// single holding valued at its sum assured; premiums are transactions.
type InsuranceParser struct{}

func (InsuranceParser) Type() Type { return Insurance }

func (InsuranceParser) ParseDiscovery(payload []byte) ([]DiscoveredAccount, error) {
	return parseDiscovery(Insurance, payload)
}

func (InsuranceParser) ParseStatement(payload []byte) (*Statement, error) {
	docs, err := statementDocs(payload)
	if err != nil {
		return nil, err
	}

	st := &Statement{FIType: Insurance}
	for _, doc := range docs {
		acct, err := accountRecord(doc, "maskedPolicyNumber")
		if err != nil {
			return nil, err
		}
		st.Accounts = append(st.Accounts, acct)

		premiums, err := objects(doc, "$.premiums[*]")
		if err != nil {
			return nil, err
		}
		paid := decimal.Zero
		for _, p := range premiums {
			amount, err := dec(p, "amount")
			if err != nil {
				return nil, err
			}
			when, err := date(p, "paidDate")
			if err != nil {
				return nil, err
			}
			paid = paid.Add(amount)
			st.Transactions = append(st.Transactions, TransactionRecord{
				AccountID:  acct.AccountID,
				ExternalID: str(p, "receiptNo"),
				Type:       "PREMIUM",
				Amount:     amount,
				Date:       when,
				Narration:  str(p, "narration"),
				Detail:     detail("mode", str(p, "mode")),
			})
		}

		summary, err := object(doc, "$.summary")
		if err != nil {
			// a policy without a summary block has nothing to value
			continue
		}
		sumAssured, err := dec(summary, "sumAssured")
		if err != nil {
			return nil, err
		}
		asOf, err := date(summary, "statementDate")
		if err != nil {
			return nil, err
		}
		name := str(summary, "policyName")
		acct.Metadata["policyName"] = name
		st.Holdings = append(st.Holdings, HoldingRecord{
			AccountID:      acct.AccountID,
			InstrumentID:   acct.AccountID,
			InstrumentName: name,
			Quantity:       decimal.NewFromInt(1),
			CurrentValue:   sumAssured,
			InvestedAmount: paid,
			AsOf:           asOf,
			Detail: detail(
				"coverType", str(summary, "coverType"),
				"policyStartDate", str(summary, "policyStartDate"),
				"maturityDate", str(summary, "maturityDate"),
				"premiumAmount", str(summary, "premiumAmount"),
			),
		})
	}
	return st, nil
}
