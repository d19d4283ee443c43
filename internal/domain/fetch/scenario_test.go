package fetch

import (
	"context"
	"net/http"
	"sync/atomic"
	"testing"
	"time"

	"finlink/internal/domain/batch"
	"finlink/internal/domain/consent"
	"finlink/internal/domain/reconcile"
	"finlink/internal/domain/vertical"
	"finlink/internal/infrastructure/aggregator"
)

const (
	twoFundDiscovery = `{"accounts":[{"linkRef":"MF-1","fiType":"MUTUAL_FUNDS"},{"linkRef":"MF-2","fiType":"MUTUAL_FUNDS"}]}`

	twoHoldings = `{"account":{"linkRef":"MF-1"},"holdings":{"holding":[
		{"isin":"INF000A","closingUnits":"1","nav":"10","navDate":"2026-10-01"},
		{"isin":"INF000B","closingUnits":"2","nav":"20","navDate":"2026-10-01"}]}}`
	threeHoldings = `{"account":{"linkRef":"MF-1"},"holdings":{"holding":[
		{"isin":"INF000A","closingUnits":"1","nav":"10","navDate":"2026-10-01"},
		{"isin":"INF000B","closingUnits":"2","nav":"20","navDate":"2026-10-01"},
		{"isin":"INF000C","closingUnits":"3","nav":"30","navDate":"2026-10-01"}]}}`
)

// activateByPolling starts a reconciler on a PENDING consent and drives
// the fake clock until the aggregator's ACTIVE answer has been applied.
func (f *fixture) activateByPolling(t *testing.T, c *consent.Consent) {
	t.Helper()
	var lookups atomic.Int32
	f.client.StatusFunc = func(handle string) (*aggregator.StatusResponse, error) {
		if handle != c.ConsentHandle {
			t.Errorf("status lookup for handle %q, want %q", handle, c.ConsentHandle)
		}
		if lookups.Add(1) == 1 {
			return &aggregator.StatusResponse{Status: "PENDING"}, nil
		}
		return &aggregator.StatusResponse{Status: "ACTIVE"}, nil
	}

	rec := reconcile.New(f.consents, f.client, f.clock, reconcile.Config{
		Interval:   10 * time.Second,
		Deadline:   time.Minute,
		MaxBackoff: 40 * time.Second,
	})
	t.Cleanup(rec.Shutdown)
	if err := rec.Start(f.ctx, c); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	done := rec.Done(c.ID)
	limit := time.Now().Add(5 * time.Second)
	for {
		select {
		case <-done:
			if n := lookups.Load(); n != 2 {
				t.Errorf("status lookups = %d, want 2", n)
			}
			return
		default:
		}
		if time.Now().After(limit) {
			t.Fatal("consent was not settled by polling")
		}
		if f.clock.Pending() > 0 {
			f.clock.Advance(10 * time.Second)
			continue
		}
		time.Sleep(time.Millisecond)
	}
}

func TestScenarioRepeatedHoldingsAreSkipped(t *testing.T) {
	f := newFixture(t, testConfig)
	c := f.consentIn(t, consent.StatusPending)
	f.activateByPolling(t, c)

	got, err := f.consents.Resolve(f.ctx, c.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != consent.StatusActive {
		t.Fatalf("consent status = %s, want ACTIVE", got.Status)
	}

	f.client.FetchFunc = func(ctx context.Context, fiType string, ids []string, call int) ([]byte, error) {
		switch {
		case len(ids) == 0:
			// the bank vertical skips both fund entries
			return []byte(twoFundDiscovery), nil
		case ids[0] == "MF-1" && call == 1:
			return []byte(twoHoldings), nil
		case ids[0] == "MF-1":
			return []byte(threeHoldings), nil
		}
		return nil, &aggregator.APIError{StatusCode: http.StatusNotFound, Message: "unknown account"}
	}

	discovered, err := f.orch.Discover(f.ctx, c.ID)
	if err != nil {
		t.Fatalf("Discover() error = %v", err)
	}
	if len(discovered) != 2 {
		t.Fatalf("discovered = %+v, want 2 accounts", discovered)
	}

	refs := []AccountRef{{FIType: vertical.MutualFund, AccountID: "MF-1"}}
	earlier, err := f.orch.DispatchFetch(f.ctx, c.ID, refs)
	if err != nil {
		t.Fatalf("first DispatchFetch() error = %v", err)
	}
	if earlier.Summary.HoldingsInserted != 2 {
		t.Fatalf("first batch inserted %d holdings, want 2", earlier.Summary.HoldingsInserted)
	}

	f.clock.Advance(time.Hour)
	b, err := f.orch.DispatchFetch(f.ctx, c.ID, refs)
	if err != nil {
		t.Fatalf("second DispatchFetch() error = %v", err)
	}
	if b.Status != batch.StatusComplete {
		t.Fatalf("status = %s, want COMPLETE", b.Status)
	}
	if b.Summary.HoldingsInserted != 1 || b.Summary.HoldingsSkipped != 2 {
		t.Errorf("holdings inserted/skipped = %d/%d, want 1/2", b.Summary.HoldingsInserted, b.Summary.HoldingsSkipped)
	}
	if b.Summary.AccountsUpserted != 1 {
		t.Errorf("AccountsUpserted = %d, want 1", b.Summary.AccountsUpserted)
	}

	accounts, err := f.store.Ingest.ListAccountsByUser(f.ctx, 7)
	if err != nil {
		t.Fatal(err)
	}
	if len(accounts) != 1 {
		t.Fatalf("accounts = %d, want 1", len(accounts))
	}
	acct := accounts[0]
	if !acct.UpdatedAt.Equal(f.clock.Now().UTC()) || !acct.UpdatedAt.After(acct.CreatedAt) {
		t.Errorf("account created %s updated %s, want update at %s", acct.CreatedAt, acct.UpdatedAt, f.clock.Now())
	}
	if acct.LastBatchID != b.ID {
		t.Errorf("LastBatchID = %s, want %s", acct.LastBatchID, b.ID)
	}

	holdings, err := f.store.Ingest.ListHoldings(f.ctx, acct.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(holdings) != 3 {
		t.Errorf("holdings = %d, want 3", len(holdings))
	}
}

func TestScenarioServerErrorLeavesBatchPartial(t *testing.T) {
	f := newFixture(t, testConfig)
	c := f.consentIn(t, consent.StatusActive)
	broken := true
	f.client.FetchFunc = func(ctx context.Context, fiType string, ids []string, call int) ([]byte, error) {
		if broken && len(ids) > 0 && ids[0] == "SB-2" {
			return nil, &aggregator.APIError{StatusCode: http.StatusInternalServerError, Message: "upstream failure"}
		}
		return serveFixtures(ctx, fiType, ids, call)
	}

	first, err := f.orch.DispatchFetch(f.ctx, c.ID, bankRefs("SB-1", "SB-2"))
	if err != nil {
		t.Fatalf("DispatchFetch() error = %v", err)
	}
	if first.Status != batch.StatusPartial {
		t.Fatalf("status = %s, want PARTIAL", first.Status)
	}
	if got := first.FailedAccountIDs(); len(got) != 1 || got[0] != "SB-2" {
		t.Errorf("FailedAccountIDs() = %v, want [SB-2]", got)
	}
	if n := f.client.Calls("SB-2"); n != testConfig.RetryAttempts {
		t.Errorf("SB-2 fetch calls = %d, want %d", n, testConfig.RetryAttempts)
	}

	accounts, err := f.store.Ingest.ListAccountsByUser(f.ctx, 7)
	if err != nil {
		t.Fatal(err)
	}
	if len(accounts) != 1 || accounts[0].ExternalAccountID != "SB-1" {
		t.Fatalf("accounts = %+v, want only SB-1", accounts)
	}
	txns, err := f.store.Ingest.ListTransactions(f.ctx, accounts[0].ID, 0, 0)
	if err != nil {
		t.Fatal(err)
	}
	if len(txns) != 1 || txns[0].BatchID != first.ID {
		t.Errorf("SB-1 transactions = %+v, want one from batch %s", txns, first.ID)
	}
	if _, _, n := f.store.Ingest.Counts(); n != 1 {
		t.Errorf("stored transactions = %d, want 1", n)
	}

	broken = false
	retry, err := f.orch.Retry(f.ctx, first.ID)
	if err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if retry.ID == first.ID || retry.RetryOf != first.ID {
		t.Errorf("retry id %s retryOf %q, want a new batch pointing at %s", retry.ID, retry.RetryOf, first.ID)
	}
	if retry.Status != batch.StatusComplete {
		t.Errorf("retry status = %s, want COMPLETE", retry.Status)
	}

	accounts, _ = f.store.Ingest.ListAccountsByUser(f.ctx, 7)
	if len(accounts) != 2 {
		t.Errorf("accounts after retry = %d, want 2", len(accounts))
	}
	if _, _, n := f.store.Ingest.Counts(); n != 2 {
		t.Errorf("stored transactions after retry = %d, want 2", n)
	}
}
