package escrow

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"escrowflow/account"
)

func newTestEngine() (*Engine, *fakeLedger, *fakeAccounts, *fakePayments, *fakePayees) {
	ledger := newFakeLedger()
	accounts := newFakeAccounts()
	payments := &fakePayments{}
	payees := &fakePayees{payoutsActive: map[string]bool{}}
	eng := NewEngine(ledger, accounts, payments, payees, "usd", nil)
	return eng, ledger, accounts, payments, payees
}

func seedProject(t *testing.T, eng *Engine, accounts *fakeAccounts, specs ...MilestoneSpec) (Project, []Milestone) {
	t.Helper()
	accounts.add("client1", account.RoleClient, nil)
	accounts.add("dev1", account.RoleFreelancer, nil)

	proj, milestones, err := eng.CreateProject(context.Background(), CreateProjectParams{
		Name:             "Marketplace build",
		Description:      "Storefront plus checkout",
		ClientHandle:     "client1",
		FreelancerHandle: "dev1",
		Milestones:       specs,
	})
	if err != nil {
		t.Fatalf("create project: %v", err)
	}
	return proj, milestones
}

func TestCreateProject_RequiresMilestones(t *testing.T) {
	eng, _, accounts, _, _ := newTestEngine()
	accounts.add("client1", account.RoleClient, nil)

	_, _, err := eng.CreateProject(context.Background(), CreateProjectParams{
		Name:         "Empty",
		ClientHandle: "client1",
	})
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("expected ErrInvalidInput, got %v", err)
	}
}

// Scenario: fund a two-milestone project once and verify both milestones
// share the charge id and the funded total is additive across rounds.
func TestFundEscrow_StampsAllPendingMilestones(t *testing.T) {
	eng, ledger, accounts, payments, _ := newTestEngine()
	proj, milestones := seedProject(t, eng, accounts,
		MilestoneSpec{Description: "design", Amount: 100},
		MilestoneSpec{Description: "build", Amount: 200},
	)

	ctx := context.Background()
	res, err := eng.FundEscrow(ctx, proj.ID, 300, "pm_ok")
	if err != nil {
		t.Fatalf("fund escrow: %v", err)
	}
	if res.PaymentIntentID == "" {
		t.Fatal("expected a payment intent id")
	}
	if res.StampedCount != 2 {
		t.Fatalf("expected 2 stamped milestones, got %d", res.StampedCount)
	}
	if payments.charges != 1 {
		t.Fatalf("expected exactly one charge, got %d", payments.charges)
	}

	for _, m := range milestones {
		got := ledger.milestones[m.ID]
		if got.PaymentIntentID == nil || *got.PaymentIntentID != res.PaymentIntentID {
			t.Fatalf("milestone %s missing shared payment intent id", m.ID)
		}
		if got.Status != StatusPending {
			t.Fatalf("funding must not advance status, got %s", got.Status)
		}
	}

	if got := ledger.projects[proj.ID].TotalAmountFunded; got != 300 {
		t.Fatalf("expected funded total 300, got %v", got)
	}

	// second round: total is additive, pending milestones are restamped
	res2, err := eng.FundEscrow(ctx, proj.ID, 50, "pm_ok")
	if err != nil {
		t.Fatalf("second fund: %v", err)
	}
	if got := ledger.projects[proj.ID].TotalAmountFunded; got != 350 {
		t.Fatalf("expected funded total 350, got %v", got)
	}
	for _, m := range milestones {
		got := ledger.milestones[m.ID]
		if *got.PaymentIntentID != res2.PaymentIntentID {
			t.Fatalf("expected restamp with latest charge id")
		}
	}
}

func TestFundEscrow_ChargeFailurePersistsNothing(t *testing.T) {
	eng, ledger, accounts, payments, _ := newTestEngine()
	proj, milestones := seedProject(t, eng, accounts, MilestoneSpec{Description: "design", Amount: 100})

	payments.chargeErr = &ProcessorError{Op: "create payment intent", Message: "Your card was declined."}

	_, err := eng.FundEscrow(context.Background(), proj.ID, 100, "pm_declined")
	var perr *ProcessorError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ProcessorError, got %v", err)
	}
	if perr.Message != "Your card was declined." {
		t.Fatalf("provider message must be surfaced verbatim, got %q", perr.Message)
	}

	if got := ledger.projects[proj.ID].TotalAmountFunded; got != 0 {
		t.Fatalf("declined charge must not fund, got %v", got)
	}
	if ledger.milestones[milestones[0].ID].PaymentIntentID != nil {
		t.Fatal("declined charge must not stamp milestones")
	}
}

func TestFundEscrow_UnknownProject(t *testing.T) {
	eng, _, _, payments, _ := newTestEngine()

	_, err := eng.FundEscrow(context.Background(), "missing", 100, "pm_ok")
	if !errors.Is(err, ErrProjectNotFound) {
		t.Fatalf("expected ErrProjectNotFound, got %v", err)
	}
	if payments.charges != 0 {
		t.Fatal("must not charge for an unknown project")
	}
}

// Scenario: submit, then resubmit with a different repository URL: the
// payload is overwritten wholesale and status stays submitted.
func TestSubmitMilestone_OverwritesOnResubmission(t *testing.T) {
	eng, _, accounts, _, _ := newTestEngine()
	_, milestones := seedProject(t, eng, accounts, MilestoneSpec{Description: "design", Amount: 100})

	ctx := context.Background()
	first, err := eng.SubmitMilestone(ctx, SubmissionParams{
		MilestoneID:   milestones[0].ID,
		RepositoryURL: "https://git.example.com/one",
		HostingURL:    "https://one.example.com",
		Notes:         "done",
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if first.Status != StatusSubmitted {
		t.Fatalf("expected submitted, got %s", first.Status)
	}

	second, err := eng.SubmitMilestone(ctx, SubmissionParams{
		MilestoneID:   milestones[0].ID,
		RepositoryURL: "https://git.example.com/two",
	})
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if second.Status != StatusSubmitted {
		t.Fatalf("resubmission must keep submitted, got %s", second.Status)
	}
	if second.RepositoryURL != "https://git.example.com/two" {
		t.Fatalf("expected overwritten repository url, got %q", second.RepositoryURL)
	}
	if second.HostingURL != "" {
		t.Fatalf("resubmission overwrites wholesale, got leftover hosting url %q", second.HostingURL)
	}
}

func TestSubmitMilestone_NotFound(t *testing.T) {
	eng, _, _, _, _ := newTestEngine()

	_, err := eng.SubmitMilestone(context.Background(), SubmissionParams{MilestoneID: "missing"})
	if !errors.Is(err, ErrMilestoneNotFound) {
		t.Fatalf("expected ErrMilestoneNotFound, got %v", err)
	}
}

// Release gating: a pending milestone can never be released, and nothing is
// mutated by the attempt.
func TestReleasePayment_RejectsPendingMilestone(t *testing.T) {
	eng, ledger, accounts, payments, _ := newTestEngine()
	_, milestones := seedProject(t, eng, accounts, MilestoneSpec{Description: "design", Amount: 100})

	_, err := eng.ReleasePayment(context.Background(), milestones[0].ID)
	if !errors.Is(err, ErrMilestoneNotSubmitted) {
		t.Fatalf("expected ErrMilestoneNotSubmitted, got %v", err)
	}
	if payments.captures != 0 || payments.transfers != 0 {
		t.Fatal("gating must happen before any gateway call")
	}
	if got := ledger.milestones[milestones[0].ID]; got.Status != StatusPending || got.TransferID != nil {
		t.Fatal("failed release must not mutate the milestone")
	}
}

// Scenario: freelancer never connected a payout account. The failure carries
// no onboarding link and the milestone stays submitted.
func TestReleasePayment_PayeeNotOnboarded(t *testing.T) {
	eng, ledger, accounts, _, _ := newTestEngine()
	proj, milestones := seedProject(t, eng, accounts, MilestoneSpec{Description: "design", Amount: 100})

	ctx := context.Background()
	mustFundAndSubmit(t, eng, proj.ID, milestones[0].ID)

	_, err := eng.ReleasePayment(ctx, milestones[0].ID)
	if !errors.Is(err, ErrPayeeNotOnboarded) {
		t.Fatalf("expected ErrPayeeNotOnboarded, got %v", err)
	}
	var notReady *PayeeNotReadyError
	if errors.As(err, &notReady) {
		t.Fatal("no payee account exists, so no onboarding link should be produced")
	}
	if got := ledger.milestones[milestones[0].ID].Status; got != StatusSubmitted {
		t.Fatalf("milestone must stay submitted, got %s", got)
	}
}

// No release without capability: payouts inactive means no transfer and an
// actionable onboarding link instead.
func TestReleasePayment_PayeeSetupIncomplete(t *testing.T) {
	eng, ledger, accounts, payments, payees := newTestEngine()
	proj, milestones := seedProject(t, eng, accounts, MilestoneSpec{Description: "design", Amount: 100})

	payeeID := "acct_test_1"
	accounts.setPayee("dev1", payeeID)
	payees.payoutsActive[payeeID] = false

	ctx := context.Background()
	mustFundAndSubmit(t, eng, proj.ID, milestones[0].ID)

	_, err := eng.ReleasePayment(ctx, milestones[0].ID)
	var notReady *PayeeNotReadyError
	if !errors.As(err, &notReady) {
		t.Fatalf("expected PayeeNotReadyError, got %v", err)
	}
	if notReady.AccountLink == "" {
		t.Fatal("expected an onboarding link in the setup-incomplete result")
	}
	if payments.transfers != 0 {
		t.Fatal("transfer must not run when payouts are inactive")
	}
	if got := ledger.milestones[milestones[0].ID].Status; got != StatusSubmitted {
		t.Fatalf("milestone must stay submitted, got %s", got)
	}
}

// Scenario: the full happy path: capture, capability check, transfer,
// paid commit with transfer id.
func TestReleasePayment_Success(t *testing.T) {
	eng, ledger, accounts, payments, payees := newTestEngine()
	proj, milestones := seedProject(t, eng, accounts, MilestoneSpec{Description: "design", Amount: 100})

	payeeID := "acct_test_1"
	accounts.setPayee("dev1", payeeID)
	payees.payoutsActive[payeeID] = true

	ctx := context.Background()
	mustFundAndSubmit(t, eng, proj.ID, milestones[0].ID)

	res, err := eng.ReleasePayment(ctx, milestones[0].ID)
	if err != nil {
		t.Fatalf("release: %v", err)
	}
	if res.TransferID == "" {
		t.Fatal("expected a transfer id")
	}
	if payments.captures != 1 || payments.transfers != 1 {
		t.Fatalf("expected 1 capture and 1 transfer, got %d/%d", payments.captures, payments.transfers)
	}
	if payments.lastTransfer.Destination != payeeID {
		t.Fatalf("transfer destination mismatch: %q", payments.lastTransfer.Destination)
	}
	if payments.lastTransfer.AmountMinor != 10000 {
		t.Fatalf("expected 10000 minor units, got %d", payments.lastTransfer.AmountMinor)
	}

	got := ledger.milestones[milestones[0].ID]
	if got.Status != StatusPaid {
		t.Fatalf("expected paid, got %s", got.Status)
	}
	if got.TransferID == nil || *got.TransferID != res.TransferID {
		t.Fatal("transfer id must be recorded with the paid status")
	}
}

// Forward-only: paid is terminal. A second release conflicts and a
// resubmission cannot regress the status.
func TestReleasePayment_PaidIsTerminal(t *testing.T) {
	eng, ledger, accounts, payments, payees := newTestEngine()
	proj, milestones := seedProject(t, eng, accounts, MilestoneSpec{Description: "design", Amount: 100})

	payeeID := "acct_test_1"
	accounts.setPayee("dev1", payeeID)
	payees.payoutsActive[payeeID] = true

	ctx := context.Background()
	mustFundAndSubmit(t, eng, proj.ID, milestones[0].ID)
	if _, err := eng.ReleasePayment(ctx, milestones[0].ID); err != nil {
		t.Fatalf("release: %v", err)
	}

	if _, err := eng.ReleasePayment(ctx, milestones[0].ID); !errors.Is(err, ErrMilestoneNotSubmitted) {
		t.Fatalf("expected ErrMilestoneNotSubmitted on paid milestone, got %v", err)
	}
	if payments.transfers != 1 {
		t.Fatalf("second release must not transfer again, got %d transfers", payments.transfers)
	}

	if _, err := eng.SubmitMilestone(ctx, SubmissionParams{MilestoneID: milestones[0].ID}); !errors.Is(err, ErrStatusConflict) {
		t.Fatalf("expected ErrStatusConflict resubmitting a paid milestone, got %v", err)
	}
	if got := ledger.milestones[milestones[0].ID].Status; got != StatusPaid {
		t.Fatalf("paid must never regress, got %s", got)
	}
}

func TestReleasePayment_TransferFailureLeavesSubmitted(t *testing.T) {
	eng, ledger, accounts, payments, payees := newTestEngine()
	proj, milestones := seedProject(t, eng, accounts, MilestoneSpec{Description: "design", Amount: 100})

	payeeID := "acct_test_1"
	accounts.setPayee("dev1", payeeID)
	payees.payoutsActive[payeeID] = true
	payments.transferErr = &ProcessorError{Op: "create transfer", Message: "Insufficient available balance."}

	ctx := context.Background()
	mustFundAndSubmit(t, eng, proj.ID, milestones[0].ID)

	_, err := eng.ReleasePayment(ctx, milestones[0].ID)
	var perr *ProcessorError
	if !errors.As(err, &perr) {
		t.Fatalf("expected ProcessorError, got %v", err)
	}
	if got := ledger.milestones[milestones[0].ID]; got.Status != StatusSubmitted || got.TransferID != nil {
		t.Fatal("failed transfer must leave the milestone submitted with no transfer id")
	}
}

// Idempotent connect: a second call reuses the first payee account id.
func TestConnectPayee_Idempotent(t *testing.T) {
	eng, _, accounts, _, payees := newTestEngine()
	accounts.add("dev1", account.RoleFreelancer, nil)

	ctx := context.Background()
	first, err := eng.ConnectPayee(ctx, "dev1")
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if first.PayeeAccountID == "" || first.OnboardingLink == "" {
		t.Fatal("expected a fresh account id and onboarding link")
	}

	second, err := eng.ConnectPayee(ctx, "dev1")
	if err != nil {
		t.Fatalf("second connect: %v", err)
	}
	if second.PayeeAccountID != first.PayeeAccountID {
		t.Fatalf("connect must reuse the existing account id: %q vs %q", first.PayeeAccountID, second.PayeeAccountID)
	}
	if payees.created != 1 {
		t.Fatalf("expected exactly one account creation, got %d", payees.created)
	}

	payees.payoutsActive[first.PayeeAccountID] = true
	third, err := eng.ConnectPayee(ctx, "dev1")
	if err != nil {
		t.Fatalf("third connect: %v", err)
	}
	if !third.PayoutsActive {
		t.Fatal("expected already-active report once payouts are enabled")
	}
	if third.OnboardingLink != "" {
		t.Fatal("active accounts do not need an onboarding link")
	}
}

func TestConnectPayee_RejectsClients(t *testing.T) {
	eng, _, accounts, _, _ := newTestEngine()
	accounts.add("client1", account.RoleClient, nil)

	_, err := eng.ConnectPayee(context.Background(), "client1")
	if !errors.Is(err, ErrNotFreelancer) {
		t.Fatalf("expected ErrNotFreelancer, got %v", err)
	}
}

func TestAssignFreelancer_OverwritesUnguarded(t *testing.T) {
	eng, _, accounts, _, _ := newTestEngine()
	proj, _ := seedProject(t, eng, accounts, MilestoneSpec{Description: "design", Amount: 100})
	accounts.add("dev2", account.RoleFreelancer, nil)

	got, err := eng.AssignFreelancer(context.Background(), proj.ID, "dev2")
	if err != nil {
		t.Fatalf("assign: %v", err)
	}
	if got.FreelancerHandle == nil || *got.FreelancerHandle != "dev2" {
		t.Fatal("reassignment overwrites the freelancer")
	}
}

func TestCheckPayeeStatus(t *testing.T) {
	eng, _, accounts, _, payees := newTestEngine()
	accounts.add("dev1", account.RoleFreelancer, nil)

	ctx := context.Background()
	status, err := eng.CheckPayeeStatus(ctx, "dev1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if status.Connected {
		t.Fatal("expected not-connected before onboarding")
	}

	accounts.setPayee("dev1", "acct_test_1")
	payees.payoutsActive["acct_test_1"] = true

	status, err = eng.CheckPayeeStatus(ctx, "dev1")
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !status.Connected || !status.PayoutsActive || status.PayeeAccountID != "acct_test_1" {
		t.Fatalf("unexpected status: %+v", status)
	}
}

func mustFundAndSubmit(t *testing.T, eng *Engine, projectID, milestoneID string) {
	t.Helper()
	ctx := context.Background()
	if _, err := eng.FundEscrow(ctx, projectID, 100, "pm_ok"); err != nil {
		t.Fatalf("fund: %v", err)
	}
	if _, err := eng.SubmitMilestone(ctx, SubmissionParams{
		MilestoneID:   milestoneID,
		RepositoryURL: "https://git.example.com/repo",
	}); err != nil {
		t.Fatalf("submit: %v", err)
	}
}

// --- fakes ---

type fakeLedger struct {
	projects   map[string]*Project
	milestones map[string]*Milestone
	order      []string
	nextID     int
}

func newFakeLedger() *fakeLedger {
	return &fakeLedger{
		projects:   make(map[string]*Project),
		milestones: make(map[string]*Milestone),
	}
}

func (f *fakeLedger) id(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s-%d", prefix, f.nextID)
}

func (f *fakeLedger) CreateProject(ctx context.Context, params CreateProjectParams) (Project, []Milestone, error) {
	proj := Project{
		ID:           f.id("proj"),
		Name:         params.Name,
		Description:  params.Description,
		ClientHandle: params.ClientHandle,
		Status:       ProjectCreated,
	}
	if params.FreelancerHandle != "" {
		h := params.FreelancerHandle
		proj.FreelancerHandle = &h
	}
	f.projects[proj.ID] = &proj

	out := make([]Milestone, 0, len(params.Milestones))
	for i, spec := range params.Milestones {
		ms := Milestone{
			ID:          f.id("ms"),
			ProjectID:   proj.ID,
			Description: spec.Description,
			Amount:      spec.Amount,
			Status:      StatusPending,
			Position:    i + 1,
			Images:      []string{},
		}
		f.milestones[ms.ID] = &ms
		f.order = append(f.order, ms.ID)
		out = append(out, ms)
	}
	return proj, out, nil
}

func (f *fakeLedger) GetProject(ctx context.Context, projectID string) (Project, error) {
	proj, ok := f.projects[projectID]
	if !ok {
		return Project{}, ErrProjectNotFound
	}
	return *proj, nil
}

func (f *fakeLedger) GetMilestones(ctx context.Context, projectID string) ([]Milestone, error) {
	out := []Milestone{}
	for _, id := range f.order {
		if f.milestones[id].ProjectID == projectID {
			out = append(out, *f.milestones[id])
		}
	}
	return out, nil
}

func (f *fakeLedger) GetMilestone(ctx context.Context, milestoneID string) (Milestone, error) {
	ms, ok := f.milestones[milestoneID]
	if !ok {
		return Milestone{}, ErrMilestoneNotFound
	}
	return *ms, nil
}

func (f *fakeLedger) StampPendingMilestones(ctx context.Context, projectID, paymentIntentID string, amount float64) (int, error) {
	proj, ok := f.projects[projectID]
	if !ok {
		return 0, ErrProjectNotFound
	}
	proj.TotalAmountFunded += amount
	proj.Status = ProjectFunded

	stamped := 0
	for _, ms := range f.milestones {
		if ms.ProjectID == projectID && ms.Status == StatusPending {
			intent := paymentIntentID
			ms.PaymentIntentID = &intent
			stamped++
		}
	}
	return stamped, nil
}

func (f *fakeLedger) SaveSubmission(ctx context.Context, params SubmissionParams) (Milestone, error) {
	ms, ok := f.milestones[params.MilestoneID]
	if !ok {
		return Milestone{}, ErrMilestoneNotFound
	}
	if ms.Status == StatusPaid {
		return Milestone{}, ErrStatusConflict
	}
	ms.Status = StatusSubmitted
	ms.RepositoryURL = params.RepositoryURL
	ms.HostingURL = params.HostingURL
	ms.ExternalFiles = params.ExternalFiles
	ms.Notes = params.Notes
	if params.Images == nil {
		ms.Images = []string{}
	} else {
		ms.Images = params.Images
	}
	return *ms, nil
}

func (f *fakeLedger) MarkPaid(ctx context.Context, milestoneID, transferID string) (Milestone, error) {
	ms, ok := f.milestones[milestoneID]
	if !ok {
		return Milestone{}, ErrMilestoneNotFound
	}
	if ms.Status != StatusSubmitted || ms.TransferID != nil {
		return Milestone{}, ErrStatusConflict
	}
	ms.Status = StatusPaid
	ms.TransferID = &transferID
	return *ms, nil
}

func (f *fakeLedger) AssignFreelancer(ctx context.Context, projectID, freelancerHandle string) (Project, error) {
	proj, ok := f.projects[projectID]
	if !ok {
		return Project{}, ErrProjectNotFound
	}
	h := freelancerHandle
	proj.FreelancerHandle = &h
	return *proj, nil
}

type fakeAccounts struct {
	byHandle map[string]account.Account
}

func newFakeAccounts() *fakeAccounts {
	return &fakeAccounts{byHandle: make(map[string]account.Account)}
}

func (f *fakeAccounts) add(handle string, role account.Role, payeeID *string) {
	f.byHandle[handle] = account.Account{
		ID:             "acct-" + handle,
		Handle:         handle,
		Role:           role,
		PayeeAccountID: payeeID,
	}
}

func (f *fakeAccounts) setPayee(handle, payeeID string) {
	acct := f.byHandle[handle]
	acct.PayeeAccountID = &payeeID
	f.byHandle[handle] = acct
}

func (f *fakeAccounts) GetByHandle(ctx context.Context, handle string) (account.Account, error) {
	acct, ok := f.byHandle[handle]
	if !ok {
		return account.Account{}, account.ErrNotFound
	}
	return acct, nil
}

func (f *fakeAccounts) SetPayeeAccountID(ctx context.Context, handle, payeeAccountID string) error {
	acct, ok := f.byHandle[handle]
	if !ok {
		return account.ErrNotFound
	}
	if acct.PayeeAccountID != nil {
		return account.ErrPayeeAccountAlreadySet
	}
	acct.PayeeAccountID = &payeeAccountID
	f.byHandle[handle] = acct
	return nil
}

type fakePayments struct {
	charges      int
	captures     int
	transfers    int
	chargeErr    error
	captureErr   error
	transferErr  error
	lastTransfer TransferParams
}

func (f *fakePayments) ChargeAndCapture(ctx context.Context, params ChargeParams) (string, error) {
	if f.chargeErr != nil {
		return "", f.chargeErr
	}
	f.charges++
	return fmt.Sprintf("pi_%d", f.charges), nil
}

func (f *fakePayments) Capture(ctx context.Context, chargeRef string) error {
	if f.captureErr != nil {
		return f.captureErr
	}
	f.captures++
	return nil
}

func (f *fakePayments) Transfer(ctx context.Context, params TransferParams) (string, error) {
	if f.transferErr != nil {
		return "", f.transferErr
	}
	f.transfers++
	f.lastTransfer = params
	return fmt.Sprintf("tr_%d", f.transfers), nil
}

type fakePayees struct {
	created       int
	payoutsActive map[string]bool
	capErr        error
}

func (f *fakePayees) CreateAccount(ctx context.Context) (string, error) {
	f.created++
	return fmt.Sprintf("acct_fake_%d", f.created), nil
}

func (f *fakePayees) PayoutsActive(ctx context.Context, accountRef string) (bool, error) {
	if f.capErr != nil {
		return false, f.capErr
	}
	return f.payoutsActive[accountRef], nil
}

func (f *fakePayees) OnboardingLink(ctx context.Context, accountRef string) (string, error) {
	return "https://connect.example.com/onboard/" + accountRef, nil
}
