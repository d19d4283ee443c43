package ingest

import (
	"context"
	"errors"
	"fmt"
	"log"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"finlink/internal/domain/batch"
	"finlink/internal/domain/consent"
	"finlink/internal/domain/vertical"
	"finlink/internal/shared/clock"
)

var (
	ingestTracer   = otel.Tracer("finlink/ingest")
	ingestMeter    = otel.Meter("finlink/ingest")
	rowsTotal, _   = ingestMeter.Int64Counter("ingest.rows.total", metric.WithDescription("Ingested rows by kind and outcome"))
	groupsTotal, _ = ingestMeter.Int64Counter("ingest.groups.total", metric.WithDescription("Account groups ingested by outcome"))
)

// ConsentResolver is the part of the consent registry the engine needs.
type ConsentResolver interface {
	Resolve(ctx context.Context, ref string) (*consent.Consent, error)
}

type stage uint8

const (
	stageAccounts stage = 1 << iota
	stageHoldings
	stageTransactions

	stageAll = stageAccounts | stageHoldings | stageTransactions
)

// Engine normalizes fetched payloads into accounts, holdings and
// transactions. Every write is idempotent: accounts upsert on their
// natural key and holdings and transactions are skipped when their
// idempotency key is already stored.
type Engine struct {
	store    Store
	batches  batch.Repository
	consents ConsentResolver
	parsers  *vertical.Registry
	clock    clock.Clock
	tokens   *accountTokens
}

func NewEngine(store Store, batches batch.Repository, consents ConsentResolver, parsers *vertical.Registry, clk clock.Clock) *Engine {
	return &Engine{
		store:    store,
		batches:  batches,
		consents: consents,
		parsers:  parsers,
		clock:    clk,
		tokens:   newAccountTokens(),
	}
}

// IngestAccounts upserts the accounts found in the batch payloads.
func (e *Engine) IngestAccounts(ctx context.Context, b *batch.Batch) (*Result, error) {
	return e.run(ctx, b, stageAccounts)
}

// IngestHoldings inserts holdings for accounts that are already stored.
func (e *Engine) IngestHoldings(ctx context.Context, b *batch.Batch) (*Result, error) {
	return e.run(ctx, b, stageHoldings)
}

// IngestTransactions inserts transactions inside the consent's data
// range for accounts that are already stored.
func (e *Engine) IngestTransactions(ctx context.Context, b *batch.Batch) (*Result, error) {
	return e.run(ctx, b, stageTransactions)
}

// IngestBatch ingests every successful payload of the batch, one storage
// transaction per account group, then records the summary and final
// status: COMPLETE when everything landed, PARTIAL when some groups
// failed and FAILED when none landed.
func (e *Engine) IngestBatch(ctx context.Context, b *batch.Batch) (*Result, error) {
	if b.Status.IsTerminal() {
		return nil, batch.TerminalError(b.ID, b.Status)
	}

	ctx, span := ingestTracer.Start(ctx, "ingest.batch", trace.WithAttributes(
		attribute.String("batch.id", b.ID),
		attribute.String("batch.fi_type", string(b.FIType)),
	))
	defer span.End()

	res, err := e.run(ctx, b, stageAll)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}

	status, summary := e.outcome(b, res)
	if err := e.batches.Finish(ctx, b.ID, status, summary); err != nil {
		span.RecordError(err)
		return res, fmt.Errorf("failed to finish batch %s: %w", b.ID, err)
	}
	b.Status = status
	b.Summary = summary

	span.SetAttributes(attribute.String("batch.status", string(status)))
	log.Printf("User %d: batch %s %s (%d holdings new, %d skipped; %d transactions new, %d skipped; %d out of range)",
		b.UserID, b.ID, status, res.HoldingsInserted, res.HoldingsSkipped,
		res.TransactionsInserted, res.TransactionsSkipped, res.OutOfRange)
	return res, nil
}

func (e *Engine) outcome(b *batch.Batch, res *Result) (batch.Status, batch.Summary) {
	summary := batch.Summary{
		AccountsUpserted:     res.AccountsUpserted,
		HoldingsInserted:     res.HoldingsInserted,
		HoldingsSkipped:      res.HoldingsSkipped,
		TransactionsInserted: res.TransactionsInserted,
		TransactionsSkipped:  res.TransactionsSkipped,
		OutOfRange:           res.OutOfRange,
		FailedAccounts:       make(map[string]string),
	}
	for id, reason := range res.FailedAccounts {
		summary.FailedAccounts[id] = reason
	}

	fetched := make(map[string]bool)
	for _, r := range b.Results {
		if r.Failed() {
			summary.FailedAccounts[r.AccountID] = r.Error
			continue
		}
		fetched[r.AccountID] = true
	}
	for _, id := range b.AccountIDs {
		if _, failed := summary.FailedAccounts[id]; !failed && !fetched[id] {
			summary.FailedAccounts[id] = "no payload returned"
		}
	}

	landed := 0
	for id := range fetched {
		if _, failed := summary.FailedAccounts[id]; !failed {
			landed++
		}
	}

	switch {
	case landed == 0:
		return batch.StatusFailed, summary
	case len(summary.FailedAccounts) > 0:
		return batch.StatusPartial, summary
	default:
		return batch.StatusComplete, summary
	}
}

func (e *Engine) run(ctx context.Context, b *batch.Batch, stages stage) (*Result, error) {
	c, err := e.consents.Resolve(ctx, b.ConsentID)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve consent for batch %s: %w", b.ID, err)
	}
	parser, err := e.parsers.Lookup(b.FIType)
	if err != nil {
		return nil, err
	}

	total := &Result{}
	for _, r := range b.Results {
		if r.Failed() {
			continue
		}

		st, err := parser.ParseStatement(r.Payload)
		if err != nil {
			total.fail(r.AccountID, fmt.Errorf("failed to parse payload: %w", err))
			groupsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "parse_error")))
			continue
		}

		res, err := e.ingestGroup(ctx, c, b, st, stages)
		if err != nil {
			log.Printf("User %d: batch %s account %s rolled back: %v", c.UserID, b.ID, r.AccountID, err)
			total.fail(r.AccountID, err)
			groupsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "rolled_back")))
			continue
		}
		groupsTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("outcome", "committed")))
		total.add(res)
	}

	rowsTotal.Add(ctx, int64(total.HoldingsInserted), metric.WithAttributes(attribute.String("kind", "holding"), attribute.String("outcome", "inserted")))
	rowsTotal.Add(ctx, int64(total.HoldingsSkipped), metric.WithAttributes(attribute.String("kind", "holding"), attribute.String("outcome", "skipped")))
	rowsTotal.Add(ctx, int64(total.TransactionsInserted), metric.WithAttributes(attribute.String("kind", "transaction"), attribute.String("outcome", "inserted")))
	rowsTotal.Add(ctx, int64(total.TransactionsSkipped), metric.WithAttributes(attribute.String("kind", "transaction"), attribute.String("outcome", "skipped")))
	return total, nil
}

// ingestGroup writes one payload's rows in a single transaction while
// holding the ordering tokens of every account it touches.
func (e *Engine) ingestGroup(ctx context.Context, c *consent.Consent, b *batch.Batch, st *vertical.Statement, stages stage) (*Result, error) {
	release := e.tokens.acquire(groupKeys(c.UserID, b.FIType, st))
	defer release()

	var res *Result
	err := e.store.WithinTx(ctx, func(tx Tx) error {
		res = &Result{}
		known := make(map[string]*Account)

		if stages&stageAccounts != 0 {
			for _, rec := range st.Accounts {
				a := e.toAccount(c, b, rec)
				if _, err := tx.UpsertAccount(ctx, a); err != nil {
					return fmt.Errorf("failed to upsert account %s: %w", rec.AccountID, err)
				}
				known[rec.AccountID] = a
				res.AccountsUpserted++
			}
		}

		resolve := func(kind, externalID string) (*Account, error) {
			if a, ok := known[externalID]; ok {
				return a, nil
			}
			a, err := tx.FindAccount(ctx, AccountKey{UserID: c.UserID, ExternalAccountID: externalID, FIType: b.FIType})
			if err != nil {
				return nil, err
			}
			if a == nil {
				return nil, &OrphanReferenceError{AccountID: externalID, Kind: kind}
			}
			known[externalID] = a
			return a, nil
		}

		if stages&stageHoldings != 0 {
			for _, rec := range st.Holdings {
				acct, err := resolve("holding", rec.AccountID)
				if err != nil {
					return err
				}
				inserted, err := e.insertHolding(ctx, tx, acct, b.ID, rec)
				if err != nil {
					return err
				}
				if inserted {
					res.HoldingsInserted++
				} else {
					res.HoldingsSkipped++
				}
			}
		}

		if stages&stageTransactions != 0 {
			for _, rec := range st.Transactions {
				acct, err := resolve("transaction", rec.AccountID)
				if err != nil {
					return err
				}
				if !c.DataRange.Contains(rec.Date) {
					res.OutOfRange++
					continue
				}
				inserted, err := e.insertTransaction(ctx, tx, acct, b.ID, rec)
				if err != nil {
					return err
				}
				if inserted {
					res.TransactionsInserted++
				} else {
					res.TransactionsSkipped++
				}
			}
		}
		return nil
	})
	if err != nil {
		var orphan *OrphanReferenceError
		if errors.As(err, &orphan) {
			return nil, err
		}
		return nil, fmt.Errorf("ingest transaction failed: %w", err)
	}
	return res, nil
}

func (e *Engine) toAccount(c *consent.Consent, b *batch.Batch, rec vertical.AccountRecord) *Account {
	return &Account{
		UserID:            c.UserID,
		ConsentID:         c.ID,
		ExternalAccountID: rec.AccountID,
		FIType:            b.FIType,
		MaskedNumber:      rec.MaskedNumber,
		FIPID:             rec.FIPID,
		AccountType:       rec.AccountType,
		Status:            rec.Status,
		Currency:          rec.Currency,
		Metadata:          rec.Metadata,
		LastBatchID:       b.ID,
	}
}

func (e *Engine) insertHolding(ctx context.Context, tx Tx, acct *Account, batchID string, rec vertical.HoldingRecord) (bool, error) {
	key, err := HoldingKey(acct.Key(), rec)
	if err != nil {
		return false, err
	}
	return tx.InsertHolding(ctx, &Holding{
		ID:             uuid.NewString(),
		AccountID:      acct.ID,
		IdempotencyKey: key,
		InstrumentID:   rec.InstrumentID,
		InstrumentName: rec.InstrumentName,
		Quantity:       rec.Quantity,
		AveragePrice:   rec.AveragePrice,
		CurrentValue:   rec.CurrentValue,
		InvestedAmount: rec.InvestedAmount,
		AsOf:           rec.AsOf,
		Detail:         rec.Detail,
		BatchID:        batchID,
		CreatedAt:      e.clock.Now().UTC(),
	})
}

func (e *Engine) insertTransaction(ctx context.Context, tx Tx, acct *Account, batchID string, rec vertical.TransactionRecord) (bool, error) {
	key, err := TransactionKey(acct.Key(), rec)
	if err != nil {
		return false, err
	}
	return tx.InsertTransaction(ctx, &Transaction{
		ID:             uuid.NewString(),
		AccountID:      acct.ID,
		IdempotencyKey: key,
		ExternalID:     rec.ExternalID,
		Type:           rec.Type,
		Amount:         rec.Amount,
		Date:           rec.Date,
		Narration:      rec.Narration,
		Reference:      rec.Reference,
		Detail:         rec.Detail,
		BatchID:        batchID,
		CreatedAt:      e.clock.Now().UTC(),
	})
}

func groupKeys(userID int64, t vertical.Type, st *vertical.Statement) []string {
	var keys []string
	add := func(id string) {
		keys = append(keys, AccountKey{UserID: userID, ExternalAccountID: id, FIType: t}.String())
	}
	for _, a := range st.Accounts {
		add(a.AccountID)
	}
	for _, h := range st.Holdings {
		add(h.AccountID)
	}
	for _, tr := range st.Transactions {
		add(tr.AccountID)
	}
	return keys
}

// Accounts lists a user's stored accounts.
func (e *Engine) Accounts(ctx context.Context, userID int64) ([]*Account, error) {
	return e.store.ListAccountsByUser(ctx, userID)
}

// Account returns one account if it belongs to userID.
func (e *Engine) Account(ctx context.Context, userID int64, id string) (*Account, error) {
	a, err := e.store.GetAccount(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.UserID != userID {
		return nil, ErrAccountNotFound
	}
	return a, nil
}

func (e *Engine) Holdings(ctx context.Context, userID int64, accountID string) ([]*Holding, error) {
	if _, err := e.Account(ctx, userID, accountID); err != nil {
		return nil, err
	}
	return e.store.ListHoldings(ctx, accountID)
}

func (e *Engine) Transactions(ctx context.Context, userID int64, accountID string, limit, offset int) ([]*Transaction, error) {
	if _, err := e.Account(ctx, userID, accountID); err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return e.store.ListTransactions(ctx, accountID, limit, offset)
}
