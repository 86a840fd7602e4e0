package account

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var (
	// ErrNotFound signals that the account does not exist.
	ErrNotFound = errors.New("account: not found")
	// ErrDuplicateHandle signals that the handle is already registered.
	ErrDuplicateHandle = errors.New("account: handle already exists")
	// ErrPayeeAccountAlreadySet signals an attempt to replace an existing
	// payee account id; the first id always wins.
	ErrPayeeAccountAlreadySet = errors.New("account: payee account id already set")
)

// Repository handles data access for accounts.
type Repository interface {
	Create(ctx context.Context, params CreateParams) (Account, error)
	GetByHandle(ctx context.Context, handle string) (Account, error)
	GetByID(ctx context.Context, id string) (Account, error)
	SetPayeeAccountID(ctx context.Context, handle, payeeAccountID string) error
}

// CreateParams contains write parameters for creating accounts.
type CreateParams struct {
	Handle       string
	Role         Role
	PasswordHash string
}

// PGRepository implements Repository backed by PostgreSQL.
type PGRepository struct {
	pool *pgxpool.Pool
}

// NewRepository creates a PostgreSQL-backed account repository.
func NewRepository(pool *pgxpool.Pool) *PGRepository {
	return &PGRepository{pool: pool}
}

const accountColumns = `id, handle, role, password_hash, payee_account_id, created_at, updated_at`

// Create inserts a new account with hashed credential.
func (r *PGRepository) Create(ctx context.Context, params CreateParams) (Account, error) {
	insertSQL := `
		INSERT INTO accounts (handle, role, password_hash)
		VALUES ($1, $2, $3)
		RETURNING ` + accountColumns

	acct, err := scanAccount(r.pool.QueryRow(ctx, insertSQL, params.Handle, params.Role, params.PasswordHash))
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return Account{}, ErrDuplicateHandle
		}
		return Account{}, fmt.Errorf("account: create: %w", err)
	}
	return acct, nil
}

// GetByHandle retrieves an account by its unique handle.
func (r *PGRepository) GetByHandle(ctx context.Context, handle string) (Account, error) {
	selectSQL := `SELECT ` + accountColumns + ` FROM accounts WHERE handle = $1`

	acct, err := scanAccount(r.pool.QueryRow(ctx, selectSQL, handle))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrNotFound
		}
		return Account{}, fmt.Errorf("account: get by handle: %w", err)
	}
	return acct, nil
}

// GetByID retrieves an account by id.
func (r *PGRepository) GetByID(ctx context.Context, id string) (Account, error) {
	selectSQL := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`

	acct, err := scanAccount(r.pool.QueryRow(ctx, selectSQL, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Account{}, ErrNotFound
		}
		return Account{}, fmt.Errorf("account: get by id: %w", err)
	}
	return acct, nil
}

// SetPayeeAccountID records the connected-account id exactly once. The
// conditional WHERE keeps a concurrent second writer from replacing the id;
// losers get ErrPayeeAccountAlreadySet and must re-read.
func (r *PGRepository) SetPayeeAccountID(ctx context.Context, handle, payeeAccountID string) error {
	const updateSQL = `
		UPDATE accounts
		SET payee_account_id = $2, updated_at = now()
		WHERE handle = $1 AND payee_account_id IS NULL
	`

	tag, err := r.pool.Exec(ctx, updateSQL, handle, payeeAccountID)
	if err != nil {
		return fmt.Errorf("account: set payee account id: %w", err)
	}
	if tag.RowsAffected() == 0 {
		var exists bool
		if err := r.pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM accounts WHERE handle = $1)`, handle).Scan(&exists); err != nil {
			return fmt.Errorf("account: set payee account id: %w", err)
		}
		if !exists {
			return ErrNotFound
		}
		return ErrPayeeAccountAlreadySet
	}
	return nil
}

func scanAccount(row pgx.Row) (Account, error) {
	var (
		acct    Account
		payeeID *string
	)
	err := row.Scan(
		&acct.ID,
		&acct.Handle,
		&acct.Role,
		&acct.PasswordHash,
		&payeeID,
		&acct.CreatedAt,
		&acct.UpdatedAt,
	)
	if err != nil {
		return Account{}, err
	}
	acct.PayeeAccountID = payeeID
	return acct, nil
}
