package vertical

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/PaesslerAG/jsonpath"
	"github.com/Rhymond/go-money"
	"github.com/shopspring/decimal"
)

const defaultCurrency = "INR"

var dateLayouts = []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02"}

// decode parses a payload keeping numbers as json.Number so amounts
// never pass through float64.
func decode(payload []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()

	var doc any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("failed to decode payload: %w", err)
	}
	return doc, nil
}

// statementDocs returns the per-account documents of a statement
// payload. Payloads either wrap documents in an "accounts" array or are
// a single account document.
func statementDocs(payload []byte) ([]map[string]any, error) {
	doc, err := decode(payload)
	if err != nil {
		return nil, err
	}
	root, ok := doc.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("statement payload is not an object")
	}
	if _, wrapped := root["accounts"]; !wrapped {
		return []map[string]any{root}, nil
	}
	return objects(root, "$.accounts[*]")
}

// objects selects a list of objects. A missing path yields an empty list.
func objects(doc any, path string) ([]map[string]any, error) {
	val, err := jsonpath.Get(path, doc)
	if err != nil {
		if strings.Contains(err.Error(), "unknown key") {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to select %s: %w", path, err)
	}

	list, ok := val.([]any)
	if !ok {
		list = []any{val}
	}

	out := make([]map[string]any, 0, len(list))
	for i, item := range list {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%s[%d] is not an object", path, i)
		}
		out = append(out, obj)
	}
	return out, nil
}

// object selects exactly one object.
func object(doc any, path string) (map[string]any, error) {
	val, err := jsonpath.Get(path, doc)
	if err != nil {
		return nil, fmt.Errorf("failed to select %s: %w", path, err)
	}
	// jsonpath returns a one-element list for some selectors
	if list, ok := val.([]any); ok && len(list) > 0 {
		val = list[0]
	}
	obj, ok := val.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%s is not an object", path)
	}
	return obj, nil
}

func str(m map[string]any, keys ...string) string {
	for _, k := range keys {
		switch v := m[k].(type) {
		case string:
			if s := strings.TrimSpace(v); s != "" {
				return s
			}
		case json.Number:
			return v.String()
		}
	}
	return ""
}

// dec reads a decimal field. Missing fields are zero; malformed ones are
// an error.
func dec(m map[string]any, key string) (decimal.Decimal, error) {
	switch v := m[key].(type) {
	case nil:
		return decimal.Zero, nil
	case json.Number:
		return decimal.NewFromString(v.String())
	case string:
		if strings.TrimSpace(v) == "" {
			return decimal.Zero, nil
		}
		d, err := decimal.NewFromString(strings.ReplaceAll(strings.TrimSpace(v), ",", ""))
		if err != nil {
			return decimal.Zero, fmt.Errorf("invalid amount %q for %s: %w", v, key, err)
		}
		return d, nil
	}
	return decimal.Zero, fmt.Errorf("invalid amount type %T for %s", m[key], key)
}

// date reads the first present date field and truncates it to a UTC day.
func date(m map[string]any, keys ...string) (time.Time, error) {
	raw := str(m, keys...)
	if raw == "" {
		return time.Time{}, fmt.Errorf("missing date field %s", strings.Join(keys, "/"))
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			t = t.UTC()
			return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC), nil
		}
	}
	return time.Time{}, fmt.Errorf("invalid date %q", raw)
}

// currency validates an ISO 4217 code, defaulting when absent.
func currency(m map[string]any) (string, error) {
	code := strings.ToUpper(str(m, "currency"))
	if code == "" {
		return defaultCurrency, nil
	}
	if money.GetCurrency(code) == nil {
		return "", fmt.Errorf("unknown currency %q", code)
	}
	return code, nil
}

// accountRecord reads the "account" block shared by every vertical.
func accountRecord(doc map[string]any, maskedKeys ...string) (AccountRecord, error) {
	acct, err := object(doc, "$.account")
	if err != nil {
		return AccountRecord{}, err
	}

	rec := AccountRecord{
		AccountID:    str(acct, "linkRef", "accountId"),
		MaskedNumber: str(acct, append(maskedKeys, "maskedAccNumber")...),
		FIPID:        str(acct, "fipId"),
		AccountType:  str(acct, "type"),
		Status:       str(acct, "status"),
		Metadata:     map[string]any{},
	}
	if rec.AccountID == "" {
		return AccountRecord{}, fmt.Errorf("account block has no linkRef")
	}
	if rec.Currency, err = currency(acct); err != nil {
		return AccountRecord{}, err
	}
	return rec, nil
}
