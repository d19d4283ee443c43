package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"finlink/internal/domain/batch"
	"finlink/internal/infrastructure/crypto"
)

// BatchRepository stores fetch batches. Raw payloads are compressed and
// sealed per result before they reach the database.
type BatchRepository struct {
	db       *DB
	envelope *crypto.Envelope
}

func NewBatchRepository(db *DB, envelope *crypto.Envelope) *BatchRepository {
	return &BatchRepository{db: db, envelope: envelope}
}

// payloadRecordID binds a sealed payload to its batch and account.
func payloadRecordID(batchID, accountID string) string {
	return batchID + "/" + accountID
}

const batchColumns = `id, consent_id, user_id, fi_type, account_ids, status, summary,
	COALESCE(retry_of, ''), requested_at, completed_at, updated_at`

func scanBatch(row scanner) (*batch.Batch, error) {
	var (
		b           batch.Batch
		accountIDs  pq.StringArray
		summary     []byte
		completedAt sql.NullTime
	)
	err := row.Scan(&b.ID, &b.ConsentID, &b.UserID, &b.FIType, &accountIDs, &b.Status, &summary,
		&b.RetryOf, &b.RequestedAt, &completedAt, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	b.AccountIDs = accountIDs
	if completedAt.Valid {
		b.CompletedAt = &completedAt.Time
	}
	if len(summary) > 0 {
		if err := json.Unmarshal(summary, &b.Summary); err != nil {
			return nil, fmt.Errorf("failed to unmarshal batch summary: %w", err)
		}
	}
	return &b, nil
}

func (r *BatchRepository) Create(ctx context.Context, b *batch.Batch) error {
	summary, err := json.Marshal(b.Summary)
	if err != nil {
		return fmt.Errorf("failed to marshal batch summary: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO fetch_batches (id, consent_id, user_id, fi_type, account_ids, status, summary, retry_of, requested_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		b.ID, b.ConsentID, b.UserID, string(b.FIType), pq.Array(b.AccountIDs), b.Status, summary,
		nullString(b.RetryOf), b.RequestedAt, b.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create batch: %w", err)
	}
	return nil
}

func (r *BatchRepository) GetByID(ctx context.Context, id string) (*batch.Batch, error) {
	b, err := scanBatch(r.db.QueryRowContext(ctx, `SELECT `+batchColumns+` FROM fetch_batches WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, batch.ErrBatchNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get batch: %w", err)
	}

	if b.Results, err = r.results(ctx, b.ID); err != nil {
		return nil, err
	}
	return b, nil
}

func (r *BatchRepository) results(ctx context.Context, batchID string) ([]batch.AccountResult, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT account_id, payload, error, fetched_at
		FROM fetch_batch_results
		WHERE batch_id = $1
		ORDER BY account_id`,
		batchID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to load batch results: %w", err)
	}
	defer rows.Close()

	var results []batch.AccountResult
	for rows.Next() {
		var (
			res    batch.AccountResult
			sealed []byte
		)
		if err := rows.Scan(&res.AccountID, &sealed, &res.Error, &res.FetchedAt); err != nil {
			return nil, fmt.Errorf("failed to scan batch result: %w", err)
		}
		if len(sealed) > 0 {
			payload, err := r.envelope.Unpack(payloadRecordID(batchID, res.AccountID), sealed)
			if err != nil {
				return nil, fmt.Errorf("failed to open payload for %s: %w", res.AccountID, err)
			}
			res.Payload = payload
		}
		results = append(results, res)
	}
	return results, rows.Err()
}

// ListByConsent returns batches without their payloads.
func (r *BatchRepository) ListByConsent(ctx context.Context, consentID string) ([]*batch.Batch, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+batchColumns+` FROM fetch_batches WHERE consent_id = $1 ORDER BY requested_at, id`,
		consentID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list batches: %w", err)
	}
	defer rows.Close()

	var batches []*batch.Batch
	for rows.Next() {
		b, err := scanBatch(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan batch: %w", err)
		}
		batches = append(batches, b)
	}
	return batches, rows.Err()
}

// lockOpen locks the batch row and rejects terminal batches.
func lockOpen(ctx context.Context, tx *Tx, id string) error {
	var status batch.Status
	err := tx.QueryRowContext(ctx, `SELECT status FROM fetch_batches WHERE id = $1 FOR UPDATE`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return batch.ErrBatchNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to lock batch: %w", err)
	}
	if status.IsTerminal() {
		return batch.TerminalError(id, status)
	}
	return nil
}

func (r *BatchRepository) RecordResults(ctx context.Context, id string, results []batch.AccountResult, status batch.Status) error {
	return r.db.WithTx(ctx, func(tx *Tx) error {
		if err := lockOpen(ctx, tx, id); err != nil {
			return err
		}

		for _, res := range results {
			var sealed []byte
			if len(res.Payload) > 0 {
				var err error
				if sealed, err = r.envelope.Pack(payloadRecordID(id, res.AccountID), res.Payload); err != nil {
					return fmt.Errorf("failed to seal payload for %s: %w", res.AccountID, err)
				}
			}
			_, err := tx.ExecContext(ctx, `
				INSERT INTO fetch_batch_results (batch_id, account_id, payload, error, fetched_at)
				VALUES ($1, $2, $3, $4, $5)
				ON CONFLICT (batch_id, account_id) DO UPDATE
					SET payload = EXCLUDED.payload, error = EXCLUDED.error, fetched_at = EXCLUDED.fetched_at`,
				id, res.AccountID, sealed, res.Error, res.FetchedAt,
			)
			if err != nil {
				return fmt.Errorf("failed to store result for %s: %w", res.AccountID, err)
			}
		}

		_, err := tx.ExecContext(ctx, `
			UPDATE fetch_batches
			SET status = $2, updated_at = NOW(),
			    completed_at = CASE WHEN $2 IN ('COMPLETE', 'FAILED') THEN NOW() ELSE completed_at END
			WHERE id = $1`,
			id, status,
		)
		if err != nil {
			return fmt.Errorf("failed to update batch status: %w", err)
		}
		return nil
	})
}

func (r *BatchRepository) Finish(ctx context.Context, id string, status batch.Status, summary batch.Summary) error {
	encoded, err := json.Marshal(summary)
	if err != nil {
		return fmt.Errorf("failed to marshal batch summary: %w", err)
	}

	return r.db.WithTx(ctx, func(tx *Tx) error {
		if err := lockOpen(ctx, tx, id); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `
			UPDATE fetch_batches
			SET status = $2, summary = $3, updated_at = NOW(), completed_at = NOW()
			WHERE id = $1`,
			id, status, encoded,
		)
		if err != nil {
			return fmt.Errorf("failed to finish batch: %w", err)
		}
		return nil
	})
}

// Payload returns one decrypted raw payload, for operator inspection.
func (r *BatchRepository) Payload(ctx context.Context, batchID, accountID string) ([]byte, error) {
	var sealed []byte
	err := r.db.QueryRowContext(ctx,
		`SELECT payload FROM fetch_batch_results WHERE batch_id = $1 AND account_id = $2`,
		batchID, accountID,
	).Scan(&sealed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, batch.ErrBatchNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load payload: %w", err)
	}
	if len(sealed) == 0 {
		return nil, nil
	}
	return r.envelope.Unpack(payloadRecordID(batchID, accountID), sealed)
}
