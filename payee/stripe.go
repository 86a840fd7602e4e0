// Package payee adapts the processor's connected-account API to the escrow
// engine's PayeeAccountGateway contract.
package payee

import (
	"context"
	"errors"

	stripe "github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/client"
	"go.uber.org/zap"

	"escrowflow/escrow"
)

// StripeGateway implements escrow.PayeeAccountGateway on Stripe Connect
// express accounts.
type StripeGateway struct {
	api        *client.API
	refreshURL string
	returnURL  string
	log        *zap.Logger
}

// NewStripeGateway builds the gateway. refreshURL and returnURL are where
// the processor sends the freelancer when an onboarding link expires or
// completes; they are fixed per deployment.
func NewStripeGateway(secretKey, refreshURL, returnURL string, log *zap.Logger) *StripeGateway {
	if log == nil {
		log = zap.NewNop()
	}
	api := &client.API{}
	api.Init(secretKey, nil)
	return &StripeGateway{
		api:        api,
		refreshURL: refreshURL,
		returnURL:  returnURL,
		log:        log,
	}
}

// CreateAccount provisions a new express connected account with the
// transfers capability requested.
func (g *StripeGateway) CreateAccount(ctx context.Context) (string, error) {
	params := &stripe.AccountParams{
		Params: stripe.Params{Context: ctx},
		Type:   stripe.String(string(stripe.AccountTypeExpress)),
		Capabilities: &stripe.AccountCapabilitiesParams{
			Transfers: &stripe.AccountCapabilitiesTransfersParams{
				Requested: stripe.Bool(true),
			},
		},
	}

	acct, err := g.api.Accounts.New(params)
	if err != nil {
		return "", providerError("create payee account", err)
	}

	g.log.Debug("payee account created", zap.String("account_id", acct.ID))
	return acct.ID, nil
}

// PayoutsActive reports whether the account is verified enough to receive
// transfers.
func (g *StripeGateway) PayoutsActive(ctx context.Context, accountRef string) (bool, error) {
	params := &stripe.AccountParams{Params: stripe.Params{Context: ctx}}

	acct, err := g.api.Accounts.GetByID(accountRef, params)
	if err != nil {
		return false, providerError("retrieve payee account", err)
	}
	if acct.Capabilities == nil {
		return false, nil
	}
	return acct.Capabilities.Transfers == stripe.AccountCapabilityStatusActive, nil
}

// OnboardingLink generates a fresh single-purpose onboarding link for the
// account. Links are short-lived; the processor owns their lifetime and we
// treat them as opaque strings.
func (g *StripeGateway) OnboardingLink(ctx context.Context, accountRef string) (string, error) {
	params := &stripe.AccountLinkParams{
		Params:     stripe.Params{Context: ctx},
		Account:    stripe.String(accountRef),
		RefreshURL: stripe.String(g.refreshURL),
		ReturnURL:  stripe.String(g.returnURL),
		Type:       stripe.String(string(stripe.AccountLinkTypeAccountOnboarding)),
	}

	link, err := g.api.AccountLinks.New(params)
	if err != nil {
		return "", providerError("create onboarding link", err)
	}
	return link.URL, nil
}

func providerError(op string, err error) error {
	msg := err.Error()
	var sErr *stripe.Error
	if errors.As(err, &sErr) && sErr.Msg != "" {
		msg = sErr.Msg
	}
	return &escrow.ProcessorError{Op: op, Message: msg, Err: err}
}
