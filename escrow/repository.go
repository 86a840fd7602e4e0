package escrow

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository implements Ledger backed by PostgreSQL. Every transition is a
// single statement (or one transaction), so a persistence failure can never
// leave a milestone with mixed state.
type Repository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a PostgreSQL-backed ledger.
func NewRepository(pool *pgxpool.Pool) *Repository {
	return &Repository{pool: pool}
}

const projectColumns = `id, name, description, client_handle, freelancer_handle, total_amount_funded, status, created_at, updated_at`

const milestoneColumns = `id, project_id, description, amount, status, payment_intent_id, transfer_id, repository_url, hosting_url, external_files, notes, images, position, created_at, updated_at`

// CreateProject inserts the project and its milestones in one transaction.
func (r *Repository) CreateProject(ctx context.Context, params CreateProjectParams) (Project, []Milestone, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return Project{}, nil, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	var freelancer any
	if params.FreelancerHandle != "" {
		freelancer = params.FreelancerHandle
	}

	insertProjectSQL := `
		INSERT INTO projects (name, description, client_handle, freelancer_handle)
		VALUES ($1, $2, $3, $4)
		RETURNING ` + projectColumns

	proj, err := scanProject(tx.QueryRow(ctx, insertProjectSQL,
		params.Name, params.Description, params.ClientHandle, freelancer))
	if err != nil {
		return Project{}, nil, fmt.Errorf("escrow: insert project: %w", err)
	}

	insertMilestoneSQL := `
		INSERT INTO milestones (project_id, description, amount, position)
		VALUES ($1, $2, $3, $4)
		RETURNING ` + milestoneColumns

	milestones := make([]Milestone, 0, len(params.Milestones))
	for i, spec := range params.Milestones {
		ms, err := scanMilestone(tx.QueryRow(ctx, insertMilestoneSQL,
			proj.ID, spec.Description, spec.Amount, i+1))
		if err != nil {
			return Project{}, nil, fmt.Errorf("escrow: insert milestone %d: %w", i+1, err)
		}
		milestones = append(milestones, ms)
	}

	if err := tx.Commit(ctx); err != nil {
		return Project{}, nil, fmt.Errorf("escrow: commit project: %w", err)
	}
	return proj, milestones, nil
}

// GetProject retrieves a project by id.
func (r *Repository) GetProject(ctx context.Context, projectID string) (Project, error) {
	selectSQL := `SELECT ` + projectColumns + ` FROM projects WHERE id = $1`

	proj, err := scanProject(r.pool.QueryRow(ctx, selectSQL, projectID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Project{}, ErrProjectNotFound
		}
		return Project{}, fmt.Errorf("escrow: get project: %w", err)
	}
	return proj, nil
}

// GetMilestones lists a project's milestones in creation order.
func (r *Repository) GetMilestones(ctx context.Context, projectID string) ([]Milestone, error) {
	selectSQL := `SELECT ` + milestoneColumns + ` FROM milestones WHERE project_id = $1 ORDER BY position ASC`

	rows, err := r.pool.Query(ctx, selectSQL, projectID)
	if err != nil {
		return nil, fmt.Errorf("escrow: list milestones: %w", err)
	}
	defer rows.Close()

	milestones := make([]Milestone, 0, 8)
	for rows.Next() {
		ms, err := scanMilestone(rows)
		if err != nil {
			return nil, fmt.Errorf("escrow: scan milestone: %w", err)
		}
		milestones = append(milestones, ms)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("escrow: iterate milestones: %w", err)
	}
	return milestones, nil
}

// GetMilestone retrieves a milestone by id.
func (r *Repository) GetMilestone(ctx context.Context, milestoneID string) (Milestone, error) {
	selectSQL := `SELECT ` + milestoneColumns + ` FROM milestones WHERE id = $1`

	ms, err := scanMilestone(r.pool.QueryRow(ctx, selectSQL, milestoneID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Milestone{}, ErrMilestoneNotFound
		}
		return Milestone{}, fmt.Errorf("escrow: get milestone: %w", err)
	}
	return ms, nil
}

// StampPendingMilestones records the charge reference on every pending
// milestone of the project and adds amount to the gross funded total, in
// one transaction. Returns how many milestones were stamped.
//
// Still-pending milestones from an earlier funding round are restamped
// here; the previous charge id is overwritten. Kept to match observed
// product behavior (see DESIGN.md).
func (r *Repository) StampPendingMilestones(ctx context.Context, projectID, paymentIntentID string, amount float64) (int, error) {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("escrow: begin tx: %w", err)
	}
	defer tx.Rollback(ctx)

	const fundProjectSQL = `
		UPDATE projects
		SET total_amount_funded = total_amount_funded + $2,
		    status = 'funded',
		    updated_at = now()
		WHERE id = $1
		RETURNING id
	`
	var id string
	if err := tx.QueryRow(ctx, fundProjectSQL, projectID, amount).Scan(&id); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, ErrProjectNotFound
		}
		return 0, fmt.Errorf("escrow: fund project: %w", err)
	}

	const stampSQL = `
		UPDATE milestones
		SET payment_intent_id = $2, updated_at = now()
		WHERE project_id = $1 AND status = 'pending'
	`
	tag, err := tx.Exec(ctx, stampSQL, projectID, paymentIntentID)
	if err != nil {
		return 0, fmt.Errorf("escrow: stamp pending milestones: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("escrow: commit funding: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// SaveSubmission moves the milestone to submitted and overwrites the
// deliverable payload in a single conditional update. Paid milestones are
// terminal and never match.
func (r *Repository) SaveSubmission(ctx context.Context, params SubmissionParams) (Milestone, error) {
	updateSQL := `
		UPDATE milestones
		SET status = 'submitted',
		    repository_url = $2,
		    hosting_url = $3,
		    external_files = $4,
		    notes = $5,
		    images = $6,
		    updated_at = now()
		WHERE id = $1 AND status <> 'paid'
		RETURNING ` + milestoneColumns

	images := params.Images
	if images == nil {
		images = []string{}
	}

	ms, err := scanMilestone(r.pool.QueryRow(ctx, updateSQL,
		params.MilestoneID,
		params.RepositoryURL,
		params.HostingURL,
		params.ExternalFiles,
		params.Notes,
		images,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Milestone{}, r.classifyMiss(ctx, params.MilestoneID)
		}
		return Milestone{}, fmt.Errorf("escrow: save submission: %w", err)
	}
	return ms, nil
}

// MarkPaid commits the terminal transition. The conditional WHERE is the
// per-milestone serialization point: at most one release can ever match,
// so a concurrent retry gets ErrStatusConflict instead of a double payout.
func (r *Repository) MarkPaid(ctx context.Context, milestoneID, transferID string) (Milestone, error) {
	updateSQL := `
		UPDATE milestones
		SET status = 'paid', transfer_id = $2, updated_at = now()
		WHERE id = $1 AND status = 'submitted' AND transfer_id IS NULL
		RETURNING ` + milestoneColumns

	ms, err := scanMilestone(r.pool.QueryRow(ctx, updateSQL, milestoneID, transferID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Milestone{}, r.classifyMiss(ctx, milestoneID)
		}
		return Milestone{}, fmt.Errorf("escrow: mark paid: %w", err)
	}
	return ms, nil
}

// AssignFreelancer overwrites the project's freelancer. No guard against
// reassignment; that matches current behavior.
func (r *Repository) AssignFreelancer(ctx context.Context, projectID, freelancerHandle string) (Project, error) {
	updateSQL := `
		UPDATE projects
		SET freelancer_handle = $2, updated_at = now()
		WHERE id = $1
		RETURNING ` + projectColumns

	proj, err := scanProject(r.pool.QueryRow(ctx, updateSQL, projectID, freelancerHandle))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Project{}, ErrProjectNotFound
		}
		return Project{}, fmt.Errorf("escrow: assign freelancer: %w", err)
	}
	return proj, nil
}

// classifyMiss disambiguates a zero-row conditional update: either the
// milestone does not exist, or its status moved underneath us.
func (r *Repository) classifyMiss(ctx context.Context, milestoneID string) error {
	var exists bool
	if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM milestones WHERE id = $1)`, milestoneID).Scan(&exists); err != nil {
		return fmt.Errorf("escrow: check milestone: %w", err)
	}
	if !exists {
		return ErrMilestoneNotFound
	}
	return ErrStatusConflict
}

func scanProject(row pgx.Row) (Project, error) {
	var (
		proj       Project
		freelancer *string
	)
	err := row.Scan(
		&proj.ID,
		&proj.Name,
		&proj.Description,
		&proj.ClientHandle,
		&freelancer,
		&proj.TotalAmountFunded,
		&proj.Status,
		&proj.CreatedAt,
		&proj.UpdatedAt,
	)
	if err != nil {
		return Project{}, err
	}
	proj.FreelancerHandle = freelancer
	return proj, nil
}

func scanMilestone(row pgx.Row) (Milestone, error) {
	var (
		ms         Milestone
		intentID   *string
		transferID *string
	)
	err := row.Scan(
		&ms.ID,
		&ms.ProjectID,
		&ms.Description,
		&ms.Amount,
		&ms.Status,
		&intentID,
		&transferID,
		&ms.RepositoryURL,
		&ms.HostingURL,
		&ms.ExternalFiles,
		&ms.Notes,
		&ms.Images,
		&ms.Position,
		&ms.CreatedAt,
		&ms.UpdatedAt,
	)
	if err != nil {
		return Milestone{}, err
	}
	ms.PaymentIntentID = intentID
	ms.TransferID = transferID
	return ms, nil
}
