package transaction

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Record is one row of the PayPal transaction ledger.
type Record struct {
	ID            uuid.UUID
	TxnID         string
	TxnType       string
	PaymentStatus string
	Gross         string
	Currency      string
	PayerEmail    string
	ReceiverEmail string
	Custom        string
	ItemNumber    string
	PaymentDate   string
	Sandbox       bool
	Raw           []byte
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Store persists transactions.
type Store interface {
	// UpsertTransaction inserts the record or refreshes the status columns of
	// an existing row with the same TxnID. It reports whether a row was created.
	UpsertTransaction(ctx context.Context, rec Record) (bool, error)
}

const upsertTransaction = `-- name: UpsertTransaction :one
INSERT INTO groupsub_transactions (
    id, txn_id, txn_type, payment_status, mc_gross, mc_currency,
    payer_email, receiver_email, custom, item_number, payment_date, sandbox, raw_fields
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
ON CONFLICT (txn_id) DO UPDATE SET
    payment_status = EXCLUDED.payment_status,
    txn_type = EXCLUDED.txn_type,
    raw_fields = EXCLUDED.raw_fields,
    updated_at = now()
RETURNING (xmax = 0) AS inserted
`

// PGStore is the Postgres implementation of Store.
type PGStore struct {
	Pool *pgxpool.Pool
}

// NewPGStore returns a store backed by the given pool.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{Pool: pool}
}

// UpsertTransaction implements Store.
func (s *PGStore) UpsertTransaction(ctx context.Context, rec Record) (bool, error) {
	if s == nil || s.Pool == nil {
		return false, fmt.Errorf("transaction: store not configured")
	}
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	var inserted bool
	err := s.Pool.QueryRow(ctx, upsertTransaction,
		rec.ID,
		rec.TxnID,
		rec.TxnType,
		rec.PaymentStatus,
		rec.Gross,
		rec.Currency,
		rec.PayerEmail,
		rec.ReceiverEmail,
		rec.Custom,
		rec.ItemNumber,
		rec.PaymentDate,
		rec.Sandbox,
		rec.Raw,
	).Scan(&inserted)
	if err != nil {
		return false, fmt.Errorf("transaction: upsert %s: %w", rec.TxnID, err)
	}
	return inserted, nil
}
