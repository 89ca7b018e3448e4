package ipn

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/noah-isme/groupsub/internal/obs"
)

// PayPal postback endpoints.
const (
	VerifyURL        = "https://ipnpb.paypal.com/cgi-bin/webscr"
	SandboxVerifyURL = "https://ipnpb.sandbox.paypal.com/cgi-bin/webscr"
)

// DefaultTimeout bounds a single verification round-trip.
const DefaultTimeout = 30 * time.Second

const verifiedReply = "VERIFIED"

// ErrNotVerified is returned when PayPal does not confirm a notification.
var ErrNotVerified = errors.New("ipn: notification not verified")

// Processor records a verified transaction. The notification is available
// through NotificationFromContext.
type Processor interface {
	ProcessTransaction(ctx context.Context) bool
}

// Config controls the verifier. Timeout bounds the postback and
// ProcessTimeout bounds the processor; both default to DefaultTimeout and are
// only shortened in tests.
type Config struct {
	Sandbox        bool
	Timeout        time.Duration
	ProcessTimeout time.Duration
}

// Verifier handles PayPal IPN callbacks.
type Verifier struct {
	cfg       Config
	transport Transport
	processor Processor
	logger    zerolog.Logger
}

// NewVerifier wires a verifier with its collaborators.
func NewVerifier(cfg Config, transport Transport, processor Processor, logger zerolog.Logger) *Verifier {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.ProcessTimeout <= 0 {
		cfg.ProcessTimeout = DefaultTimeout
	}
	return &Verifier{
		cfg:       cfg,
		transport: transport,
		processor: processor,
		logger:    logger.With().Str("component", "ipn").Logger(),
	}
}

// Endpoint returns the postback URL for the configured mode.
func (v *Verifier) Endpoint() string {
	if v.cfg.Sandbox {
		return SandboxVerifyURL
	}
	return VerifyURL
}

// Handle answers 200 for pings and processed transactions and 400 for
// everything else. The response body is always empty.
func (v *Verifier) Handle(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(v.handle(r))
}

func (v *Verifier) handle(r *http.Request) int {
	raw, err := io.ReadAll(r.Body)
	if err != nil {
		v.logger.Warn().Err(err).Msg("ipn_read_body")
		v.record("read_error")
		return http.StatusBadRequest
	}
	r.Body = io.NopCloser(bytes.NewReader(raw))

	if !HasField(raw, "txn_id") {
		v.record("ping")
		return http.StatusOK
	}

	ctx := context.WithoutCancel(r.Context())
	ctx, span := otel.Tracer("ipn.Verifier").Start(ctx, "IPN.Handle")
	defer span.End()

	fields := ParseFields(raw)
	txnID := fields.Value("txn_id")
	logger := v.logger.With().Str("txn_id", txnID).Bool("sandbox", v.cfg.Sandbox).Logger()
	span.SetAttributes(attribute.String("ipn.txn_id", txnID), attribute.Bool("ipn.sandbox", v.cfg.Sandbox))

	if err := v.verify(ctx, fields); err != nil {
		logger.Warn().Err(err).Msg("ipn_verification_failed")
		span.RecordError(err)
		v.record("invalid")
		return http.StatusBadRequest
	}

	ctx = WithNotification(logger.WithContext(ctx), Notification{Fields: fields, Sandbox: v.cfg.Sandbox})
	if !v.process(ctx, logger) {
		logger.Warn().Msg("ipn_processing_failed")
		v.record("process_failed")
		return http.StatusBadRequest
	}
	logger.Info().Str("payment_status", fields.Value("payment_status")).Msg("ipn_processed")
	v.record("processed")
	return http.StatusOK
}

// verify performs the postback. The deadline is enforced here as well so a
// transport that ignores its context cannot hold the inbound request.
func (v *Verifier) verify(ctx context.Context, fields Fields) error {
	if v.transport == nil {
		return errors.New("ipn: transport not configured")
	}
	ctx, cancel := context.WithTimeout(ctx, v.cfg.Timeout)
	defer cancel()

	type result struct {
		resp Response
		err  error
	}
	start := time.Now()
	done := make(chan result, 1)
	go func() {
		resp, err := v.transport.Post(ctx, v.Endpoint(), ValidationBody(fields))
		done <- result{resp: resp, err: err}
	}()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		res = result{err: ctx.Err()}
	}

	outcome := "verified"
	defer func() {
		if obs.IPNVerifyLatency != nil {
			obs.IPNVerifyLatency.WithLabelValues(outcome).Observe(obs.DurationMillis(time.Since(start)))
		}
	}()
	switch {
	case res.err != nil:
		outcome = "transport_error"
		return res.err
	case res.resp.StatusCode != http.StatusOK:
		outcome = "bad_status"
		return fmt.Errorf("%w: status %d", ErrNotVerified, res.resp.StatusCode)
	case string(res.resp.Body) != verifiedReply:
		outcome = "rejected"
		return fmt.Errorf("%w: reply %q", ErrNotVerified, res.resp.Body)
	}
	return nil
}

// process runs the processor under its own deadline. A processor that
// outlives the deadline is answered as a failure; PayPal redelivers.
func (v *Verifier) process(ctx context.Context, logger zerolog.Logger) bool {
	if v.processor == nil {
		return false
	}
	ctx, cancel := context.WithTimeout(ctx, v.cfg.ProcessTimeout)
	defer cancel()

	done := make(chan bool, 1)
	go func() {
		ok := false
		defer func() {
			if rec := recover(); rec != nil {
				logger.Error().Interface("panic", rec).Msg("ipn_processor_panic")
			}
			done <- ok
		}()
		ok = v.processor.ProcessTransaction(ctx)
	}()

	select {
	case ok := <-done:
		return ok
	case <-ctx.Done():
		logger.Warn().Err(ctx.Err()).Msg("ipn_processor_timeout")
		return false
	}
}

func (v *Verifier) record(result string) {
	if obs.IPNNotificationsTotal != nil {
		obs.IPNNotificationsTotal.WithLabelValues(result).Inc()
	}
}
