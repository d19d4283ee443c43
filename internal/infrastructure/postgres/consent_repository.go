package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/lib/pq"

	"finlink/internal/domain/consent"
	"finlink/internal/domain/vertical"
)

type ConsentRepository struct {
	db *DB
}

func NewConsentRepository(db *DB) *ConsentRepository {
	return &ConsentRepository{db: db}
}

const consentColumns = `id, user_id, COALESCE(consent_id, ''), COALESCE(consent_handle, ''), redirect_url, status,
	data_types, valid_from, valid_until, data_from, data_to, version, created_at, updated_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanConsent(row scanner) (*consent.Consent, error) {
	var (
		c         consent.Consent
		dataTypes pq.StringArray
		from, to  sql.NullTime
	)
	err := row.Scan(&c.ID, &c.UserID, &c.ConsentID, &c.ConsentHandle, &c.RedirectURL, &c.Status,
		&dataTypes, &c.ValidFrom, &c.ValidUntil, &from, &to, &c.Version, &c.CreatedAt, &c.UpdatedAt)
	if err != nil {
		return nil, err
	}
	for _, t := range dataTypes {
		c.DataTypes = append(c.DataTypes, vertical.Type(t))
	}
	if from.Valid {
		c.DataRange.From = from.Time
	}
	if to.Valid {
		c.DataRange.To = to.Time
	}
	return &c, nil
}

func nullTime(t time.Time) any {
	if t.IsZero() {
		return nil
	}
	return t
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func insertEvent(ctx context.Context, q querier, ev *consent.Event) error {
	var metadata []byte
	if len(ev.Metadata) > 0 {
		var err error
		if metadata, err = json.Marshal(ev.Metadata); err != nil {
			return fmt.Errorf("failed to marshal event metadata: %w", err)
		}
	}

	_, err := q.ExecContext(ctx, `
		INSERT INTO consent_events (id, consent_id, seq, type, from_status, to_status, source, metadata, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		ev.ID, ev.ConsentID, ev.Seq, ev.Type, ev.FromStatus, ev.ToStatus, ev.Source, metadata, ev.CreatedAt,
	)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: sequence %d already recorded for consent %s", consent.ErrCorruptLog, ev.Seq, ev.ConsentID)
	}
	if err != nil {
		return fmt.Errorf("failed to insert consent event: %w", err)
	}
	return nil
}

func (r *ConsentRepository) Create(ctx context.Context, c *consent.Consent, created *consent.Event) error {
	types := make([]string, len(c.DataTypes))
	for i, t := range c.DataTypes {
		types[i] = string(t)
	}

	return r.db.WithTx(ctx, func(tx *Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO consents (id, user_id, consent_id, consent_handle, redirect_url, status, data_types,
				valid_from, valid_until, data_from, data_to, version, created_at, updated_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
			c.ID, c.UserID, nullString(c.ConsentID), nullString(c.ConsentHandle), c.RedirectURL, c.Status,
			pq.Array(types), c.ValidFrom, c.ValidUntil,
			nullTime(c.DataRange.From), nullTime(c.DataRange.To),
			c.Version, c.CreatedAt, c.UpdatedAt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert consent: %w", err)
		}
		return insertEvent(ctx, tx, created)
	})
}

// consentByRefQuery matches a reference against our id, the aggregator's
// consent id and the consent handle, in that order of precedence.
const consentByRefQuery = `SELECT ` + consentColumns + ` FROM consents
	WHERE id = $1 OR consent_id = $1 OR consent_handle = $1
	ORDER BY CASE WHEN id = $1 THEN 0 WHEN consent_id = $1 THEN 1 ELSE 2 END, created_at
	LIMIT 1`

func (r *ConsentRepository) GetByRef(ctx context.Context, ref string) (*consent.Consent, error) {
	c, err := scanConsent(r.db.QueryRowContext(ctx, consentByRefQuery, ref))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, consent.ErrConsentNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get consent: %w", err)
	}
	return c, nil
}

func (r *ConsentRepository) AttachExternalIDs(ctx context.Context, id, consentID, handle, redirectURL string) (*consent.Consent, error) {
	c, err := scanConsent(r.db.QueryRowContext(ctx, `
		UPDATE consents
		SET consent_id = $2, consent_handle = $3, redirect_url = $4, updated_at = NOW()
		WHERE id = $1 AND status = $5
		RETURNING `+consentColumns,
		id, nullString(consentID), nullString(handle), redirectURL, consent.StatusInitiated,
	))
	if errors.Is(err, sql.ErrNoRows) {
		current, getErr := r.GetByRef(ctx, id)
		if getErr != nil {
			return nil, getErr
		}
		return nil, &consent.IllegalTransitionError{ConsentID: id, From: current.Status, To: current.Status}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to attach external ids: %w", err)
	}
	return c, nil
}

// Transition locks the consent row, lets apply decide on the event and
// writes the event and the new status in one transaction.
func (r *ConsentRepository) Transition(ctx context.Context, id string, apply consent.ApplyFunc) (*consent.Consent, *consent.Event, error) {
	var (
		updated *consent.Consent
		ev      *consent.Event
	)
	err := r.db.WithTx(ctx, func(tx *Tx) error {
		current, err := scanConsent(tx.QueryRowContext(ctx,
			`SELECT `+consentColumns+` FROM consents WHERE id = $1 FOR UPDATE`, id))
		if errors.Is(err, sql.ErrNoRows) {
			return consent.ErrConsentNotFound
		}
		if err != nil {
			return fmt.Errorf("failed to lock consent: %w", err)
		}

		if ev, err = apply(current); err != nil {
			return err
		}
		ev.ConsentID = id
		ev.Seq = current.Version + 1
		if err := insertEvent(ctx, tx, ev); err != nil {
			return err
		}

		updated, err = scanConsent(tx.QueryRowContext(ctx, `
			UPDATE consents SET status = $2, version = $3, updated_at = $4
			WHERE id = $1
			RETURNING `+consentColumns,
			id, ev.ToStatus, ev.Seq, ev.CreatedAt,
		))
		if err != nil {
			return fmt.Errorf("failed to update consent status: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	return updated, ev, nil
}

func (r *ConsentRepository) ListEvents(ctx context.Context, id string) ([]*consent.Event, error) {
	if _, err := r.GetByRef(ctx, id); err != nil {
		return nil, err
	}

	rows, err := r.db.QueryContext(ctx, `
		SELECT id, consent_id, seq, type, from_status, to_status, source, metadata, created_at
		FROM consent_events
		WHERE consent_id = $1
		ORDER BY seq`,
		id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list consent events: %w", err)
	}
	defer rows.Close()

	var events []*consent.Event
	for rows.Next() {
		var (
			ev       consent.Event
			metadata []byte
		)
		if err := rows.Scan(&ev.ID, &ev.ConsentID, &ev.Seq, &ev.Type, &ev.FromStatus, &ev.ToStatus,
			&ev.Source, &metadata, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan consent event: %w", err)
		}
		if len(metadata) > 0 {
			if err := json.Unmarshal(metadata, &ev.Metadata); err != nil {
				return nil, fmt.Errorf("failed to unmarshal event metadata: %w", err)
			}
		}
		events = append(events, &ev)
	}
	return events, rows.Err()
}

func (r *ConsentRepository) ListByStatus(ctx context.Context, status consent.Status) ([]*consent.Consent, error) {
	return r.list(ctx, `SELECT `+consentColumns+` FROM consents WHERE status = $1 ORDER BY created_at, id`, status)
}

func (r *ConsentRepository) ListByUser(ctx context.Context, userID int64) ([]*consent.Consent, error) {
	return r.list(ctx, `SELECT `+consentColumns+` FROM consents WHERE user_id = $1 ORDER BY created_at, id`, userID)
}

func (r *ConsentRepository) list(ctx context.Context, query string, arg any) ([]*consent.Consent, error) {
	rows, err := r.db.QueryContext(ctx, query, arg)
	if err != nil {
		return nil, fmt.Errorf("failed to list consents: %w", err)
	}
	defer rows.Close()

	var consents []*consent.Consent
	for rows.Next() {
		c, err := scanConsent(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan consent: %w", err)
		}
		consents = append(consents, c)
	}
	return consents, rows.Err()
}
