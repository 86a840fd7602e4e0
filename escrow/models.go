package escrow

import "time"

// MilestoneStatus is the strictly forward-moving milestone lifecycle:
// pending -> submitted -> paid. paid is terminal.
type MilestoneStatus string

const (
	StatusPending   MilestoneStatus = "pending"
	StatusSubmitted MilestoneStatus = "submitted"
	StatusPaid      MilestoneStatus = "paid"
)

// ProjectStatus is informational only; no transition is enforced on it.
type ProjectStatus string

const (
	ProjectCreated   ProjectStatus = "created"
	ProjectFunded    ProjectStatus = "funded"
	ProjectCompleted ProjectStatus = "completed"
)

// Project mirrors the projects table columns touched by the engine.
// TotalAmountFunded tracks gross escrow inflow in major currency units; it
// only ever grows and is not netted against releases.
type Project struct {
	ID                string
	Name              string
	Description       string
	ClientHandle      string
	FreelancerHandle  *string
	TotalAmountFunded float64
	Status            ProjectStatus
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// Milestone mirrors the milestones table. TransferID is set exactly once,
// on successful release; its presence is equivalent to status == paid.
type Milestone struct {
	ID              string
	ProjectID       string
	Description     string
	Amount          float64
	Status          MilestoneStatus
	PaymentIntentID *string
	TransferID      *string
	RepositoryURL   string
	HostingURL      string
	ExternalFiles   string
	Notes           string
	Images          []string
	Position        int
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// Funded reports whether a captured charge backs this milestone.
func (m Milestone) Funded() bool {
	return m.PaymentIntentID != nil && *m.PaymentIntentID != ""
}

// MilestoneSpec describes one milestone at project-creation time.
type MilestoneSpec struct {
	Description string
	Amount      float64
}

// CreateProjectParams is the input contract for CreateProject. Milestones
// must be non-empty; FreelancerHandle may be empty and assigned later.
type CreateProjectParams struct {
	Name             string
	Description      string
	ClientHandle     string
	FreelancerHandle string
	Milestones       []MilestoneSpec
}

// SubmissionParams carries the milestone deliverable payload. Fields are
// overwritten wholesale on resubmission; no history is kept.
type SubmissionParams struct {
	MilestoneID   string
	RepositoryURL string
	HostingURL    string
	ExternalFiles string
	Notes         string
	Images        []string
}

// FundResult reports the charge reference stamped onto the project's
// pending milestones.
type FundResult struct {
	PaymentIntentID string
	StampedCount    int
}

// ReleaseResult reports the transfer created for a released milestone.
type ReleaseResult struct {
	TransferID string
}

// ConnectResult is the outcome of ConnectPayee: either the account is
// already payout-active, or OnboardingLink carries a fresh link to finish
// setup for the (possibly just created) payee account.
type ConnectResult struct {
	PayeeAccountID string
	PayoutsActive  bool
	OnboardingLink string
}

// PayeeStatus is the read-only capability report for an account.
type PayeeStatus struct {
	Connected      bool
	PayeeAccountID string
	PayoutsActive  bool
}
