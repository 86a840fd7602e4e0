package escrow

import (
	"errors"
	"fmt"
)

var (
	// ErrProjectNotFound is returned when no project row exists for the id.
	ErrProjectNotFound = errors.New("escrow: project not found")
	// ErrMilestoneNotFound is returned when no milestone row exists for the id.
	ErrMilestoneNotFound = errors.New("escrow: milestone not found")
	// ErrInvalidInput marks caller mistakes (missing ids, empty milestone
	// list, non-positive amounts). Wrapped with detail via fmt.Errorf.
	ErrInvalidInput = errors.New("escrow: invalid input")
	// ErrNotFreelancer is returned when the target account exists but does
	// not have the freelancer role.
	ErrNotFreelancer = errors.New("escrow: account is not a freelancer")
	// ErrFreelancerNotAssigned is returned by release when the project has
	// no freelancer to pay.
	ErrFreelancerNotAssigned = errors.New("escrow: project has no assigned freelancer")
	// ErrPayeeNotOnboarded is returned by release when the freelancer never
	// started payee onboarding; there is no account to link to, so no
	// onboarding link accompanies this error.
	ErrPayeeNotOnboarded = errors.New("escrow: freelancer has not connected a payout account")
	// ErrMilestoneNotSubmitted gates release: only a submitted milestone
	// backed by a captured charge can be paid.
	ErrMilestoneNotSubmitted = errors.New("escrow: milestone has not been submitted")
	// ErrMilestoneNotFunded is returned by release when the milestone was
	// never stamped with a charge reference.
	ErrMilestoneNotFunded = errors.New("escrow: milestone has no captured charge")
	// ErrStatusConflict is returned when a conditional update matched no
	// row because a concurrent operation moved the milestone first. The
	// caller may re-read and retry.
	ErrStatusConflict = errors.New("escrow: milestone status changed concurrently")
)

// PayeeNotReadyError signals that the payee account exists but is not yet
// verified for payouts. It is actionable, not fatal: AccountLink is a fresh
// onboarding link the caller should redirect the freelancer into.
type PayeeNotReadyError struct {
	PayeeAccountID string
	AccountLink    string
}

func (e *PayeeNotReadyError) Error() string {
	return "escrow: payee account is not ready for payouts"
}

// ProcessorError wraps a failure reported by the payment processor. Message
// carries the provider's own text verbatim; it must not be reworded.
type ProcessorError struct {
	Op      string
	Message string
	Err     error
}

func (e *ProcessorError) Error() string {
	return fmt.Sprintf("escrow: %s: %s", e.Op, e.Message)
}

func (e *ProcessorError) Unwrap() error {
	return e.Err
}
