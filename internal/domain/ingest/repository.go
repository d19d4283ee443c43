package ingest

import "context"

// Store persists normalized records. Writes happen inside WithinTx so a
// group of rows either commits together or not at all.
type Store interface {
	WithinTx(ctx context.Context, fn func(tx Tx) error) error

	GetAccount(ctx context.Context, id string) (*Account, error)
	ListAccountsByUser(ctx context.Context, userID int64) ([]*Account, error)
	ListHoldings(ctx context.Context, accountID string) ([]*Holding, error)
	ListTransactions(ctx context.Context, accountID string, limit, offset int) ([]*Transaction, error)
}

// Tx is the write surface of one storage transaction.
type Tx interface {
	// UpsertAccount inserts or updates by natural key and reports
	// whether a new row was created. ID and timestamps are filled in.
	UpsertAccount(ctx context.Context, a *Account) (created bool, err error)
	// FindAccount returns nil, nil when no account has the key.
	FindAccount(ctx context.Context, key AccountKey) (*Account, error)
	// InsertHolding reports false when a row with the same idempotency
	// key already exists; the existing row is left untouched.
	InsertHolding(ctx context.Context, h *Holding) (inserted bool, err error)
	InsertTransaction(ctx context.Context, t *Transaction) (inserted bool, err error)
}
