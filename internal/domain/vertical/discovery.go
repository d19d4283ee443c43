package vertical

import "fmt"

// parseDiscovery reads an {"accounts":[...]} summary. Entries whose
// fiType names a different vertical are skipped.
func parseDiscovery(t Type, payload []byte) ([]DiscoveredAccount, error) {
	doc, err := decode(payload)
	if err != nil {
		return nil, err
	}
	entries, err := objects(doc, "$.accounts[*]")
	if err != nil {
		return nil, err
	}

	accounts := make([]DiscoveredAccount, 0, len(entries))
	for i, e := range entries {
		id := str(e, "linkRef", "accountId")
		if id == "" {
			return nil, fmt.Errorf("discovery entry %d has no linkRef", i)
		}
		if raw := str(e, "fiType"); raw != "" {
			if ft, err := ParseType(raw); err == nil && ft != t {
				continue
			}
		}
		accounts = append(accounts, DiscoveredAccount{
			AccountID:    id,
			FIType:       t,
			MaskedNumber: str(e, "maskedAccNumber", "maskedNumber"),
			FIPID:        str(e, "fipId"),
			AccountType:  str(e, "accType", "type"),
		})
	}
	return accounts, nil
}
