// Package payment adapts the processor's charge, capture, and transfer
// primitives to the escrow engine's PaymentGateway contract.
package payment

import (
	"context"
	"errors"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
	"go.uber.org/zap"

	"escrowflow/escrow"
)

// StripeGateway implements escrow.PaymentGateway on the Stripe API.
type StripeGateway struct {
	api *client.API
	log *zap.Logger
}

// NewStripeGateway builds a gateway bound to the given secret key. The key
// is injected here once; nothing reads it from ambient state later.
func NewStripeGateway(secretKey string, log *zap.Logger) *StripeGateway {
	if log == nil {
		log = zap.NewNop()
	}
	api := &client.API{}
	api.Init(secretKey, nil)
	return &StripeGateway{api: api, log: log}
}

// ChargeAndCapture creates a payment intent that is confirmed and captured
// in the same call. Funds leave the payer immediately; there is no manual
// capture hold.
func (g *StripeGateway) ChargeAndCapture(ctx context.Context, p escrow.ChargeParams) (string, error) {
	params := &stripe.PaymentIntentParams{
		Params:        stripe.Params{Context: ctx},
		Amount:        stripe.Int64(p.AmountMinor),
		Currency:      stripe.String(p.Currency),
		PaymentMethod: stripe.String(p.PaymentMethod),
		Confirm:       stripe.Bool(true),
		Description:   stripe.String(p.Description),
		AutomaticPaymentMethods: &stripe.PaymentIntentAutomaticPaymentMethodsParams{
			Enabled:        stripe.Bool(true),
			AllowRedirects: stripe.String("never"),
		},
	}

	pi, err := g.api.PaymentIntents.New(params)
	if err != nil {
		return "", providerError("create charge", err)
	}

	g.log.Debug("charge captured",
		zap.String("payment_intent_id", pi.ID),
		zap.Int64("amount_minor", p.AmountMinor),
	)
	return pi.ID, nil
}

// Capture settles a held charge. The funding flow captures at charge time,
// so this call usually hits an already-captured intent; that specific
// rejection is success, not failure.
func (g *StripeGateway) Capture(ctx context.Context, chargeRef string) error {
	params := &stripe.PaymentIntentCaptureParams{
		Params: stripe.Params{Context: ctx},
	}

	_, err := g.api.PaymentIntents.Capture(chargeRef, params)
	if err != nil {
		if alreadyCaptured(err) {
			g.log.Debug("capture no-op, charge already captured",
				zap.String("payment_intent_id", chargeRef))
			return nil
		}
		return providerError("capture charge", err)
	}
	return nil
}

// Transfer moves platform-held funds to a connected payee account.
func (g *StripeGateway) Transfer(ctx context.Context, p escrow.TransferParams) (string, error) {
	params := &stripe.TransferParams{
		Params:      stripe.Params{Context: ctx},
		Amount:      stripe.Int64(p.AmountMinor),
		Currency:    stripe.String(p.Currency),
		Destination: stripe.String(p.Destination),
		Description: stripe.String(p.Description),
	}

	tr, err := g.api.Transfers.New(params)
	if err != nil {
		return "", providerError("create transfer", err)
	}

	g.log.Debug("transfer created",
		zap.String("transfer_id", tr.ID),
		zap.String("destination", p.Destination),
	)
	return tr.ID, nil
}

// alreadyCaptured reports whether err is Stripe rejecting a capture because
// the intent is not in a capturable state, i.e. it already settled.
func alreadyCaptured(err error) bool {
	var sErr *stripe.Error
	if !errors.As(err, &sErr) {
		return false
	}
	return sErr.Code == stripe.ErrorCodePaymentIntentUnexpectedState
}

// providerError wraps a Stripe failure without rewording it: Msg is the
// provider's own text and travels to the caller verbatim.
func providerError(op string, err error) error {
	msg := err.Error()
	var sErr *stripe.Error
	if errors.As(err, &sErr) && sErr.Msg != "" {
		msg = sErr.Msg
	}
	return &escrow.ProcessorError{Op: op, Message: msg, Err: err}
}
