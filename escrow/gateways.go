package escrow

import (
	"context"
	"math"
)

// ChargeParams describes a charge to create, confirm, and capture in one
// call. AmountMinor is in minor currency units (cents).
type ChargeParams struct {
	AmountMinor   int64
	Currency      string
	PaymentMethod string
	Description   string
}

// TransferParams describes a payout of platform-held funds to a connected
// payee account.
type TransferParams struct {
	AmountMinor int64
	Currency    string
	Destination string
	Description string
}

// PaymentGateway abstracts the processor's charge/capture/transfer
// primitives. Implementations must surface provider error messages verbatim
// (as *ProcessorError) and must treat capturing an already-captured charge
// as success.
type PaymentGateway interface {
	ChargeAndCapture(ctx context.Context, params ChargeParams) (string, error)
	Capture(ctx context.Context, chargeRef string) error
	Transfer(ctx context.Context, params TransferParams) (string, error)
}

// PayeeAccountGateway abstracts the processor's connected-account API.
// Onboarding links are opaque, single-purpose, and short-lived; their
// lifetime is managed entirely by the processor.
type PayeeAccountGateway interface {
	CreateAccount(ctx context.Context) (string, error)
	PayoutsActive(ctx context.Context, accountRef string) (bool, error)
	OnboardingLink(ctx context.Context, accountRef string) (string, error)
}

// MinorUnits converts a major-unit amount (dollars) to minor units (cents)
// for the gateway boundary.
func MinorUnits(amount float64) int64 {
	return int64(math.Round(amount * 100))
}
