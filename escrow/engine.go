package escrow

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"escrowflow/account"
)

// Ledger is the persistence contract the engine drives. Implementations
// must make every transition a single atomic write; the conditional-update
// methods return ErrStatusConflict when the expected prior status no longer
// holds.
type Ledger interface {
	CreateProject(ctx context.Context, params CreateProjectParams) (Project, []Milestone, error)
	GetProject(ctx context.Context, projectID string) (Project, error)
	GetMilestones(ctx context.Context, projectID string) ([]Milestone, error)
	GetMilestone(ctx context.Context, milestoneID string) (Milestone, error)
	StampPendingMilestones(ctx context.Context, projectID, paymentIntentID string, amount float64) (int, error)
	SaveSubmission(ctx context.Context, params SubmissionParams) (Milestone, error)
	MarkPaid(ctx context.Context, milestoneID, transferID string) (Milestone, error)
	AssignFreelancer(ctx context.Context, projectID, freelancerHandle string) (Project, error)
}

// AccountDirectory is the slice of the account repository the engine needs.
type AccountDirectory interface {
	GetByHandle(ctx context.Context, handle string) (account.Account, error)
	SetPayeeAccountID(ctx context.Context, handle, payeeAccountID string) error
}

// Engine owns the project/milestone state machine. It is the sole authority
// permitted to mutate milestone status, payment_intent_id, transfer_id, and
// project total_amount_funded / freelancer assignment.
type Engine struct {
	ledger   Ledger
	accounts AccountDirectory
	payments PaymentGateway
	payees   PayeeAccountGateway
	currency string
	log      *zap.Logger
}

// NewEngine wires the engine with its collaborators. currency is the fixed
// charge currency, e.g. "usd".
func NewEngine(ledger Ledger, accounts AccountDirectory, payments PaymentGateway, payees PayeeAccountGateway, currency string, log *zap.Logger) *Engine {
	if currency == "" {
		currency = "usd"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		ledger:   ledger,
		accounts: accounts,
		payments: payments,
		payees:   payees,
		currency: currency,
		log:      log,
	}
}

// CreateProject creates one project plus one pending milestone per
// MilestoneSpec. No payment-side effects.
func (e *Engine) CreateProject(ctx context.Context, params CreateProjectParams) (Project, []Milestone, error) {
	if strings.TrimSpace(params.Name) == "" {
		return Project{}, nil, fmt.Errorf("%w: project name is required", ErrInvalidInput)
	}
	if params.ClientHandle == "" {
		return Project{}, nil, fmt.Errorf("%w: client is required", ErrInvalidInput)
	}
	if len(params.Milestones) == 0 {
		return Project{}, nil, fmt.Errorf("%w: at least one milestone is required", ErrInvalidInput)
	}
	for i, ms := range params.Milestones {
		if ms.Amount <= 0 {
			return Project{}, nil, fmt.Errorf("%w: milestone %d amount must be positive", ErrInvalidInput, i+1)
		}
	}

	if _, err := e.accounts.GetByHandle(ctx, params.ClientHandle); err != nil {
		if errors.Is(err, account.ErrNotFound) {
			return Project{}, nil, fmt.Errorf("%w: client %q", account.ErrNotFound, params.ClientHandle)
		}
		return Project{}, nil, err
	}
	if params.FreelancerHandle != "" {
		if err := e.requireFreelancer(ctx, params.FreelancerHandle); err != nil {
			return Project{}, nil, err
		}
	}

	proj, milestones, err := e.ledger.CreateProject(ctx, params)
	if err != nil {
		return Project{}, nil, err
	}

	e.log.Info("project created",
		zap.String("project_id", proj.ID),
		zap.String("client", proj.ClientHandle),
		zap.Int("milestones", len(milestones)),
	)
	return proj, milestones, nil
}

// FundEscrow charges the supplied payment method for amount (major units),
// confirmed and captured immediately, then stamps the resulting charge
// reference onto every currently-pending milestone of the project and adds
// amount to the project's gross funded total. A processor failure persists
// nothing.
//
// Known gap, preserved on purpose: funding the same project again while
// milestones are still pending restamps them with the newest charge id and
// drops the earlier charge reference without reconciliation. See DESIGN.md
// before changing this.
func (e *Engine) FundEscrow(ctx context.Context, projectID string, amount float64, paymentMethod string) (FundResult, error) {
	if projectID == "" {
		return FundResult{}, fmt.Errorf("%w: project id is required", ErrInvalidInput)
	}
	if amount <= 0 {
		return FundResult{}, fmt.Errorf("%w: amount must be positive", ErrInvalidInput)
	}
	if paymentMethod == "" {
		return FundResult{}, fmt.Errorf("%w: payment method is required", ErrInvalidInput)
	}

	proj, err := e.ledger.GetProject(ctx, projectID)
	if err != nil {
		return FundResult{}, err
	}

	chargeID, err := e.payments.ChargeAndCapture(ctx, ChargeParams{
		AmountMinor:   MinorUnits(amount),
		Currency:      e.currency,
		PaymentMethod: paymentMethod,
		Description:   fmt.Sprintf("Escrow funding for project %s", proj.Name),
	})
	if err != nil {
		e.log.Warn("escrow funding charge failed",
			zap.String("project_id", projectID),
			zap.Error(err),
		)
		return FundResult{}, err
	}

	stamped, err := e.ledger.StampPendingMilestones(ctx, projectID, chargeID, amount)
	if err != nil {
		// Money has been captured but the ledger write failed; surface
		// loudly so the charge can be reconciled by hand.
		e.log.Error("charge captured but ledger update failed",
			zap.String("project_id", projectID),
			zap.String("payment_intent_id", chargeID),
			zap.Error(err),
		)
		return FundResult{}, err
	}

	e.log.Info("escrow funded",
		zap.String("project_id", projectID),
		zap.String("payment_intent_id", chargeID),
		zap.Float64("amount", amount),
		zap.Int("milestones_stamped", stamped),
	)
	return FundResult{PaymentIntentID: chargeID, StampedCount: stamped}, nil
}

// SubmitMilestone moves a milestone to submitted and stores the deliverable
// payload, overwriting any earlier submission wholesale. Paid milestones
// are terminal and cannot be resubmitted.
func (e *Engine) SubmitMilestone(ctx context.Context, params SubmissionParams) (Milestone, error) {
	if params.MilestoneID == "" {
		return Milestone{}, fmt.Errorf("%w: milestone id is required", ErrInvalidInput)
	}

	ms, err := e.ledger.SaveSubmission(ctx, params)
	if err != nil {
		return Milestone{}, err
	}

	e.log.Info("milestone submitted",
		zap.String("milestone_id", ms.ID),
		zap.String("project_id", ms.ProjectID),
	)
	return ms, nil
}

// ReleasePayment pays out one submitted milestone to the project's
// freelancer. Steps run strictly in sequence: capture the backing charge
// (idempotent; it was already captured at funding time), check the payee's
// payout capability, create the transfer, then commit paid status plus the
// transfer id in a single conditional update.
//
// A failure at any step before the commit leaves the milestone submitted.
// No retry is performed here; callers re-invoke.
func (e *Engine) ReleasePayment(ctx context.Context, milestoneID string) (ReleaseResult, error) {
	if milestoneID == "" {
		return ReleaseResult{}, fmt.Errorf("%w: milestone id is required", ErrInvalidInput)
	}

	ms, err := e.ledger.GetMilestone(ctx, milestoneID)
	if err != nil {
		return ReleaseResult{}, err
	}
	if ms.Status != StatusSubmitted {
		return ReleaseResult{}, ErrMilestoneNotSubmitted
	}
	if !ms.Funded() {
		return ReleaseResult{}, ErrMilestoneNotFunded
	}

	proj, err := e.ledger.GetProject(ctx, ms.ProjectID)
	if err != nil {
		return ReleaseResult{}, err
	}
	if proj.FreelancerHandle == nil || *proj.FreelancerHandle == "" {
		return ReleaseResult{}, ErrFreelancerNotAssigned
	}

	freelancer, err := e.accounts.GetByHandle(ctx, *proj.FreelancerHandle)
	if err != nil {
		return ReleaseResult{}, err
	}
	if !freelancer.Connected() {
		return ReleaseResult{}, ErrPayeeNotOnboarded
	}
	payeeID := *freelancer.PayeeAccountID

	if err := e.payments.Capture(ctx, *ms.PaymentIntentID); err != nil {
		e.log.Warn("capture failed during release",
			zap.String("milestone_id", milestoneID),
			zap.Error(err),
		)
		return ReleaseResult{}, err
	}

	active, err := e.payees.PayoutsActive(ctx, payeeID)
	if err != nil {
		return ReleaseResult{}, err
	}
	if !active {
		link, err := e.payees.OnboardingLink(ctx, payeeID)
		if err != nil {
			return ReleaseResult{}, err
		}
		e.log.Info("release blocked: payee setup incomplete",
			zap.String("milestone_id", milestoneID),
			zap.String("payee_account_id", payeeID),
		)
		return ReleaseResult{}, &PayeeNotReadyError{PayeeAccountID: payeeID, AccountLink: link}
	}

	transferID, err := e.payments.Transfer(ctx, TransferParams{
		AmountMinor: MinorUnits(ms.Amount),
		Currency:    e.currency,
		Destination: payeeID,
		Description: fmt.Sprintf("Milestone payout: %s", ms.Description),
	})
	if err != nil {
		e.log.Warn("transfer failed during release",
			zap.String("milestone_id", milestoneID),
			zap.Error(err),
		)
		return ReleaseResult{}, err
	}

	if _, err := e.ledger.MarkPaid(ctx, milestoneID, transferID); err != nil {
		// The transfer already happened; a conflicting concurrent release
		// or a persistence failure here means funds moved without a
		// matching ledger row. Reconcile by hand against transferID.
		e.log.Error("transfer created but paid commit failed",
			zap.String("milestone_id", milestoneID),
			zap.String("transfer_id", transferID),
			zap.Error(err),
		)
		return ReleaseResult{}, err
	}

	e.log.Info("milestone released",
		zap.String("milestone_id", milestoneID),
		zap.String("transfer_id", transferID),
		zap.Float64("amount", ms.Amount),
	)
	return ReleaseResult{TransferID: transferID}, nil
}

// ConnectPayee starts or resumes payee onboarding for a freelancer. It is
// idempotent per account: an existing payee account id is always reused,
// never replaced.
func (e *Engine) ConnectPayee(ctx context.Context, handle string) (ConnectResult, error) {
	if handle == "" {
		return ConnectResult{}, fmt.Errorf("%w: username is required", ErrInvalidInput)
	}

	acct, err := e.accounts.GetByHandle(ctx, handle)
	if err != nil {
		return ConnectResult{}, err
	}
	if acct.Role != account.RoleFreelancer {
		return ConnectResult{}, ErrNotFreelancer
	}

	if acct.Connected() {
		return e.resumeOnboarding(ctx, *acct.PayeeAccountID)
	}

	payeeID, err := e.payees.CreateAccount(ctx)
	if err != nil {
		return ConnectResult{}, err
	}

	if err := e.accounts.SetPayeeAccountID(ctx, handle, payeeID); err != nil {
		if errors.Is(err, account.ErrPayeeAccountAlreadySet) {
			// Lost a race with a concurrent connect; the first id wins.
			acct, rerr := e.accounts.GetByHandle(ctx, handle)
			if rerr != nil {
				return ConnectResult{}, rerr
			}
			if acct.Connected() {
				e.log.Info("payee connect raced, reusing existing account",
					zap.String("handle", handle),
					zap.String("payee_account_id", *acct.PayeeAccountID),
				)
				return e.resumeOnboarding(ctx, *acct.PayeeAccountID)
			}
		}
		return ConnectResult{}, err
	}

	link, err := e.payees.OnboardingLink(ctx, payeeID)
	if err != nil {
		return ConnectResult{}, err
	}

	e.log.Info("payee account created",
		zap.String("handle", handle),
		zap.String("payee_account_id", payeeID),
	)
	return ConnectResult{PayeeAccountID: payeeID, OnboardingLink: link}, nil
}

func (e *Engine) resumeOnboarding(ctx context.Context, payeeID string) (ConnectResult, error) {
	active, err := e.payees.PayoutsActive(ctx, payeeID)
	if err != nil {
		return ConnectResult{}, err
	}
	if active {
		return ConnectResult{PayeeAccountID: payeeID, PayoutsActive: true}, nil
	}
	link, err := e.payees.OnboardingLink(ctx, payeeID)
	if err != nil {
		return ConnectResult{}, err
	}
	return ConnectResult{PayeeAccountID: payeeID, OnboardingLink: link}, nil
}

// CheckPayeeStatus reports the current capability state for a freelancer's
// payee account. Not-connected is a normal answer, not an error.
func (e *Engine) CheckPayeeStatus(ctx context.Context, handle string) (PayeeStatus, error) {
	acct, err := e.accounts.GetByHandle(ctx, handle)
	if err != nil {
		return PayeeStatus{}, err
	}
	if !acct.Connected() {
		return PayeeStatus{}, nil
	}

	active, err := e.payees.PayoutsActive(ctx, *acct.PayeeAccountID)
	if err != nil {
		return PayeeStatus{}, err
	}
	return PayeeStatus{
		Connected:      true,
		PayeeAccountID: *acct.PayeeAccountID,
		PayoutsActive:  active,
	}, nil
}

// AssignFreelancer records which freelancer works the project.
//
// Policy gap, preserved on purpose: nothing stops reassignment after
// funding or after work has started; a re-invocation simply overwrites.
func (e *Engine) AssignFreelancer(ctx context.Context, projectID, freelancerHandle string) (Project, error) {
	if projectID == "" {
		return Project{}, fmt.Errorf("%w: project id is required", ErrInvalidInput)
	}
	if freelancerHandle == "" {
		return Project{}, fmt.Errorf("%w: freelancer is required", ErrInvalidInput)
	}
	if err := e.requireFreelancer(ctx, freelancerHandle); err != nil {
		return Project{}, err
	}

	proj, err := e.ledger.AssignFreelancer(ctx, projectID, freelancerHandle)
	if err != nil {
		return Project{}, err
	}

	e.log.Info("freelancer assigned",
		zap.String("project_id", projectID),
		zap.String("freelancer", freelancerHandle),
	)
	return proj, nil
}

// GetProject returns the project with its milestones in creation order.
func (e *Engine) GetProject(ctx context.Context, projectID string) (Project, []Milestone, error) {
	proj, err := e.ledger.GetProject(ctx, projectID)
	if err != nil {
		return Project{}, nil, err
	}
	milestones, err := e.ledger.GetMilestones(ctx, projectID)
	if err != nil {
		return Project{}, nil, err
	}
	return proj, milestones, nil
}

// GetMilestone returns a single milestone record.
func (e *Engine) GetMilestone(ctx context.Context, milestoneID string) (Milestone, error) {
	return e.ledger.GetMilestone(ctx, milestoneID)
}

func (e *Engine) requireFreelancer(ctx context.Context, handle string) error {
	acct, err := e.accounts.GetByHandle(ctx, handle)
	if err != nil {
		return err
	}
	if acct.Role != account.RoleFreelancer {
		return ErrNotFreelancer
	}
	return nil
}
