package transaction

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/groupsub/internal/ipn"
	"github.com/noah-isme/groupsub/internal/obs"
)

var (
	// ErrNoNotification means the context carries no verified notification.
	ErrNoNotification = errors.New("transaction: no verified notification in context")
	// ErrWrongReceiver means the payment was sent to another PayPal account.
	ErrWrongReceiver = errors.New("transaction: receiver does not match business account")
	// ErrTestIPN means a simulator notification reached the live endpoint.
	ErrTestIPN = errors.New("transaction: test notification outside sandbox")
)

// Locker serialises work on a key.
type Locker interface {
	WithLock(ctx context.Context, key string, ttl time.Duration, fn func(context.Context) error) error
}

// Processor records verified PayPal transactions.
type Processor struct {
	Store    Store
	Locker   Locker
	LockTTL  time.Duration
	Business string
	Logger   zerolog.Logger
}

// ProcessTransaction records the notification found on ctx. A repeated txn_id
// refreshes the stored status and still counts as success.
func (p *Processor) ProcessTransaction(ctx context.Context) bool {
	ctx, span := otel.Tracer("transaction.Processor").Start(ctx, "Processor.ProcessTransaction")
	defer span.End()

	result := "error"
	defer func() {
		span.SetAttributes(attribute.String("transaction.result", result))
		if obs.TransactionsTotal != nil {
			obs.TransactionsTotal.WithLabelValues(result).Inc()
		}
	}()

	rec, err := p.record(ctx)
	if err != nil {
		result = "rejected"
		span.RecordError(err)
		p.logger(ctx).Warn().Err(err).Msg("transaction_rejected")
		return false
	}
	span.SetAttributes(attribute.String("transaction.txn_id", rec.TxnID))

	var inserted bool
	save := func(ctx context.Context) error {
		var err error
		inserted, err = p.Store.UpsertTransaction(ctx, rec)
		return err
	}
	if p.Locker != nil {
		err = p.Locker.WithLock(ctx, lockKey(rec.TxnID), p.LockTTL, save)
	} else {
		err = save(ctx)
	}
	if err != nil {
		span.RecordError(err)
		p.logger(ctx).Error().Err(err).Str("txn_id", rec.TxnID).Msg("transaction_store_failed")
		return false
	}

	result = "updated"
	if inserted {
		result = "recorded"
	}
	p.logger(ctx).Info().
		Str("txn_id", rec.TxnID).
		Str("payment_status", rec.PaymentStatus).
		Bool("inserted", inserted).
		Msg("transaction_saved")
	return true
}

func (p *Processor) record(ctx context.Context) (Record, error) {
	if p == nil || p.Store == nil {
		return Record{}, errors.New("transaction: processor not configured")
	}
	n, ok := ipn.NotificationFromContext(ctx)
	if !ok {
		return Record{}, ErrNoNotification
	}
	f := n.Fields
	txnID := strings.TrimSpace(f.Value("txn_id"))
	if txnID == "" {
		return Record{}, fmt.Errorf("%w: empty txn_id", ErrNoNotification)
	}
	if business := strings.TrimSpace(p.Business); business != "" {
		receiver := f.Value("receiver_email")
		if !strings.EqualFold(receiver, business) && !strings.EqualFold(f.Value("business"), business) {
			return Record{}, fmt.Errorf("%w: %q", ErrWrongReceiver, receiver)
		}
	}
	if f.Value("test_ipn") == "1" && !n.Sandbox {
		return Record{}, ErrTestIPN
	}
	raw, err := json.Marshal(f)
	if err != nil {
		return Record{}, fmt.Errorf("transaction: encode fields: %w", err)
	}
	return Record{
		TxnID:         txnID,
		TxnType:       f.Value("txn_type"),
		PaymentStatus: f.Value("payment_status"),
		Gross:         f.Value("mc_gross"),
		Currency:      f.Value("mc_currency"),
		PayerEmail:    f.Value("payer_email"),
		ReceiverEmail: f.Value("receiver_email"),
		Custom:        f.Value("custom"),
		ItemNumber:    f.Value("item_number"),
		PaymentDate:   f.Value("payment_date"),
		Sandbox:       n.Sandbox,
		Raw:           raw,
	}, nil
}

func (p *Processor) logger(ctx context.Context) *zerolog.Logger {
	if l := zerolog.Ctx(ctx); l != nil && l.GetLevel() != zerolog.Disabled {
		return l
	}
	return &p.Logger
}

func lockKey(txnID string) string {
	return "groupsub:ipn:txn:" + txnID
}
