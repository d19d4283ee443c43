package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"finlink/internal/domain/ingest"
)

// IngestRepository implements ingest.Store. Uniqueness on the account
// natural key and on idempotency keys is enforced by the schema.
type IngestRepository struct {
	db *DB
}

func NewIngestRepository(db *DB) *IngestRepository {
	return &IngestRepository{db: db}
}

func (r *IngestRepository) WithinTx(ctx context.Context, fn func(tx ingest.Tx) error) error {
	return r.db.WithTx(ctx, func(tx *Tx) error {
		return fn(&ingestTx{q: tx})
	})
}

type ingestTx struct {
	q querier
}

func marshalDetail(v map[string]any) ([]byte, error) {
	if len(v) == 0 {
		return nil, nil
	}
	return json.Marshal(v)
}

func unmarshalDetail(raw []byte, dest *map[string]any) error {
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, dest)
}

func (t *ingestTx) UpsertAccount(ctx context.Context, a *ingest.Account) (bool, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	metadata, err := marshalDetail(a.Metadata)
	if err != nil {
		return false, fmt.Errorf("failed to marshal account metadata: %w", err)
	}

	var created bool
	err = t.q.QueryRowContext(ctx, `
		INSERT INTO accounts (id, user_id, consent_id, external_account_id, fi_type, masked_number, fip_id,
			account_type, status, currency, metadata, last_batch_id, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NOW(), NOW())
		ON CONFLICT (user_id, external_account_id, fi_type) DO UPDATE
			SET consent_id = EXCLUDED.consent_id,
			    masked_number = EXCLUDED.masked_number,
			    fip_id = EXCLUDED.fip_id,
			    account_type = EXCLUDED.account_type,
			    status = EXCLUDED.status,
			    currency = EXCLUDED.currency,
			    metadata = EXCLUDED.metadata,
			    last_batch_id = EXCLUDED.last_batch_id,
			    updated_at = NOW()
		RETURNING id, created_at, updated_at, (xmax = 0)`,
		a.ID, a.UserID, a.ConsentID, a.ExternalAccountID, string(a.FIType), a.MaskedNumber, a.FIPID,
		a.AccountType, a.Status, a.Currency, metadata, nullString(a.LastBatchID),
	).Scan(&a.ID, &a.CreatedAt, &a.UpdatedAt, &created)
	if err != nil {
		return false, fmt.Errorf("failed to upsert account: %w", err)
	}
	return created, nil
}

const accountColumns = `id, user_id, consent_id, external_account_id, fi_type, masked_number, fip_id,
	account_type, status, currency, metadata, COALESCE(last_batch_id, ''), created_at, updated_at`

func scanAccount(row scanner) (*ingest.Account, error) {
	var (
		a        ingest.Account
		metadata []byte
	)
	err := row.Scan(&a.ID, &a.UserID, &a.ConsentID, &a.ExternalAccountID, &a.FIType, &a.MaskedNumber, &a.FIPID,
		&a.AccountType, &a.Status, &a.Currency, &metadata, &a.LastBatchID, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if err := unmarshalDetail(metadata, &a.Metadata); err != nil {
		return nil, fmt.Errorf("failed to unmarshal account metadata: %w", err)
	}
	return &a, nil
}

func (t *ingestTx) FindAccount(ctx context.Context, key ingest.AccountKey) (*ingest.Account, error) {
	a, err := scanAccount(t.q.QueryRowContext(ctx, `
		SELECT `+accountColumns+`
		FROM accounts
		WHERE user_id = $1 AND external_account_id = $2 AND fi_type = $3`,
		key.UserID, key.ExternalAccountID, string(key.FIType),
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find account: %w", err)
	}
	return a, nil
}

func inserted(res sql.Result, err error, kind string) (bool, error) {
	if err != nil {
		return false, fmt.Errorf("failed to insert %s: %w", kind, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to check rows affected: %w", err)
	}
	return n == 1, nil
}

func (t *ingestTx) InsertHolding(ctx context.Context, h *ingest.Holding) (bool, error) {
	detail, err := marshalDetail(h.Detail)
	if err != nil {
		return false, fmt.Errorf("failed to marshal holding detail: %w", err)
	}
	res, err := t.q.ExecContext(ctx, `
		INSERT INTO holdings (id, account_id, idempotency_key, instrument_id, instrument_name, quantity,
			average_price, current_value, invested_amount, as_of, detail, batch_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		h.ID, h.AccountID, h.IdempotencyKey, h.InstrumentID, h.InstrumentName, h.Quantity,
		h.AveragePrice, h.CurrentValue, h.InvestedAmount, h.AsOf, detail, h.BatchID, h.CreatedAt,
	)
	return inserted(res, err, "holding")
}

func (t *ingestTx) InsertTransaction(ctx context.Context, tr *ingest.Transaction) (bool, error) {
	detail, err := marshalDetail(tr.Detail)
	if err != nil {
		return false, fmt.Errorf("failed to marshal transaction detail: %w", err)
	}
	res, err := t.q.ExecContext(ctx, `
		INSERT INTO transactions (id, account_id, idempotency_key, external_id, type, amount, date,
			narration, reference, detail, batch_id, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (idempotency_key) DO NOTHING`,
		tr.ID, tr.AccountID, tr.IdempotencyKey, tr.ExternalID, tr.Type, tr.Amount, tr.Date,
		tr.Narration, tr.Reference, detail, tr.BatchID, tr.CreatedAt,
	)
	return inserted(res, err, "transaction")
}

func (r *IngestRepository) GetAccount(ctx context.Context, id string) (*ingest.Account, error) {
	a, err := scanAccount(r.db.QueryRowContext(ctx, `SELECT `+accountColumns+` FROM accounts WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ingest.ErrAccountNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}
	return a, nil
}

func (r *IngestRepository) ListAccountsByUser(ctx context.Context, userID int64) ([]*ingest.Account, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+accountColumns+` FROM accounts WHERE user_id = $1 ORDER BY fi_type, external_account_id`,
		userID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*ingest.Account
	for rows.Next() {
		a, err := scanAccount(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, a)
	}
	return accounts, rows.Err()
}

func (r *IngestRepository) ListHoldings(ctx context.Context, accountID string) ([]*ingest.Holding, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, account_id, idempotency_key, instrument_id, instrument_name, quantity, average_price,
			current_value, invested_amount, as_of, detail, batch_id, created_at
		FROM holdings
		WHERE account_id = $1
		ORDER BY as_of DESC, instrument_id`,
		accountID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list holdings: %w", err)
	}
	defer rows.Close()

	var holdings []*ingest.Holding
	for rows.Next() {
		var (
			h      ingest.Holding
			detail []byte
		)
		if err := rows.Scan(&h.ID, &h.AccountID, &h.IdempotencyKey, &h.InstrumentID, &h.InstrumentName,
			&h.Quantity, &h.AveragePrice, &h.CurrentValue, &h.InvestedAmount, &h.AsOf, &detail,
			&h.BatchID, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan holding: %w", err)
		}
		if err := unmarshalDetail(detail, &h.Detail); err != nil {
			return nil, fmt.Errorf("failed to unmarshal holding detail: %w", err)
		}
		holdings = append(holdings, &h)
	}
	return holdings, rows.Err()
}

func (r *IngestRepository) ListTransactions(ctx context.Context, accountID string, limit, offset int) ([]*ingest.Transaction, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, account_id, idempotency_key, external_id, type, amount, date, narration, reference,
			detail, batch_id, created_at
		FROM transactions
		WHERE account_id = $1
		ORDER BY date DESC, id
		LIMIT $2 OFFSET $3`,
		accountID, limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", err)
	}
	defer rows.Close()

	var txns []*ingest.Transaction
	for rows.Next() {
		var (
			t      ingest.Transaction
			detail []byte
		)
		if err := rows.Scan(&t.ID, &t.AccountID, &t.IdempotencyKey, &t.ExternalID, &t.Type, &t.Amount, &t.Date,
			&t.Narration, &t.Reference, &detail, &t.BatchID, &t.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan transaction: %w", err)
		}
		if err := unmarshalDetail(detail, &t.Detail); err != nil {
			return nil, fmt.Errorf("failed to unmarshal transaction detail: %w", err)
		}
		txns = append(txns, &t)
	}
	return txns, rows.Err()
}
