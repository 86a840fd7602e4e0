package actors

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pgx/v5/pgconn"

	"escrowflow/escrow"
)

// MemoryPayments is a thread-safe in-process payment gateway. Every charge
// and transfer it issues is recorded so the harness can reconcile the ledger
// against processor-side activity after the run.
type MemoryPayments struct {
	mu        sync.Mutex
	charges   int
	captured  map[string]bool
	transfers map[string]bool
}

func NewMemoryPayments() *MemoryPayments {
	return &MemoryPayments{
		captured:  make(map[string]bool),
		transfers: make(map[string]bool),
	}
}

func (m *MemoryPayments) ChargeAndCapture(ctx context.Context, params escrow.ChargeParams) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.charges++
	id := fmt.Sprintf("pi_stress_%d", m.charges)
	m.captured[id] = true
	return id, nil
}

func (m *MemoryPayments) Capture(ctx context.Context, paymentIntentID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.captured[paymentIntentID] {
		return fmt.Errorf("capture unknown charge %s", paymentIntentID)
	}
	return nil
}

func (m *MemoryPayments) Transfer(ctx context.Context, params escrow.TransferParams) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := fmt.Sprintf("tr_stress_%d", len(m.transfers)+1)
	m.transfers[id] = true
	return id, nil
}

// TransferCount reports how many transfers the processor side executed.
func (m *MemoryPayments) TransferCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.transfers)
}

// Issued reports whether a transfer id came from this gateway.
func (m *MemoryPayments) Issued(transferID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transfers[transferID]
}

// MemoryPayees is a payee gateway whose accounts become payout-capable
// immediately on creation.
type MemoryPayees struct {
	mu      sync.Mutex
	created int
}

func NewMemoryPayees() *MemoryPayees { return &MemoryPayees{} }

func (m *MemoryPayees) CreateAccount(ctx context.Context) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.created++
	return fmt.Sprintf("acct_stress_%d", m.created), nil
}

func (m *MemoryPayees) PayoutsActive(ctx context.Context, payeeAccountID string) (bool, error) {
	return true, nil
}

func (m *MemoryPayees) OnboardingLink(ctx context.Context, payeeAccountID string) (string, error) {
	return "https://onboarding.example.com/" + payeeAccountID, nil
}

// Funder repeatedly charges fresh escrow funding into the project. Pending
// milestones get restamped with the newest charge on each round.
func Funder(ctx context.Context, engine *escrow.Engine, projectID string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		amount := float64(10 + rand.Intn(90))
		if _, err := engine.FundEscrow(ctx, projectID, amount, "pm_card_visa"); err != nil && !expected(err) {
			return fmt.Errorf("funder: %w", err)
		}
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// Submitter resubmits deliverables to random milestones; paid milestones
// must reject the attempt.
func Submitter(ctx context.Context, engine *escrow.Engine, milestoneIDs []string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		id := milestoneIDs[rand.Intn(len(milestoneIDs))]
		_, err := engine.SubmitMilestone(ctx, escrow.SubmissionParams{
			MilestoneID:   id,
			RepositoryURL: fmt.Sprintf("https://git.example.com/drop/%d", rand.Int63()),
			Notes:         "stress deliverable",
		})
		if err != nil && !expected(err) {
			return fmt.Errorf("submitter: %w", err)
		}
		time.Sleep(time.Duration(15+rand.Intn(35)) * time.Millisecond)
	}
}

// Releaser races payouts against other releasers and the submitter. Under
// contention most attempts lose with a status error; what must never happen
// is a milestone row paid twice.
func Releaser(ctx context.Context, engine *escrow.Engine, milestoneIDs []string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		id := milestoneIDs[rand.Intn(len(milestoneIDs))]
		if _, err := engine.ReleasePayment(ctx, id); err != nil && !expected(err) {
			return fmt.Errorf("releaser: %w", err)
		}
		time.Sleep(time.Duration(20+rand.Intn(40)) * time.Millisecond)
	}
}

// Connector hammers payee onboarding for one freelancer; concurrent calls
// must converge on a single payee account id.
func Connector(ctx context.Context, engine *escrow.Engine, handle string, stop <-chan struct{}) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		if _, err := engine.ConnectPayee(ctx, handle); err != nil && !expected(err) {
			return fmt.Errorf("connector: %w", err)
		}
		time.Sleep(time.Duration(30+rand.Intn(50)) * time.Millisecond)
	}
}

// Assigner flips the project's freelancer back and forth. Reassignment has
// no guard, so every call should succeed.
func Assigner(ctx context.Context, engine *escrow.Engine, projectID string, freelancers []string, stop <-chan struct{}) error {
	i := 0
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-stop:
			return nil
		default:
		}
		handle := freelancers[i%len(freelancers)]
		i++
		if _, err := engine.AssignFreelancer(ctx, projectID, handle); err != nil && !expected(err) {
			return fmt.Errorf("assigner: %w", err)
		}
		time.Sleep(time.Duration(50+rand.Intn(100)) * time.Millisecond)
	}
}

// expected filters the errors contention and chaos legitimately produce.
func expected(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	// chaos terminates backends mid-operation
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (pgErr.Code == "57P01" || pgErr.Code == "08006") {
		return true
	}
	if errors.Is(err, io.EOF) || strings.Contains(err.Error(), "conn closed") || strings.Contains(err.Error(), "server closed") {
		return true
	}
	switch {
	case errors.Is(err, escrow.ErrStatusConflict),
		errors.Is(err, escrow.ErrMilestoneNotSubmitted),
		errors.Is(err, escrow.ErrMilestoneNotFunded),
		errors.Is(err, escrow.ErrFreelancerNotAssigned),
		errors.Is(err, escrow.ErrPayeeNotOnboarded):
		return true
	}
	var notReady *escrow.PayeeNotReadyError
	return errors.As(err, &notReady)
}
