package account

import "time"

type Role string

const (
	RoleClient     Role = "client"
	RoleFreelancer Role = "freelancer"
)

// Valid reports whether the role is one of the closed set. Roles are fixed
// at signup and never change.
func (r Role) Valid() bool {
	switch r {
	case RoleClient, RoleFreelancer:
		return true
	default:
		return false
	}
}

// Account is the domain representation of a marketplace user.
// It mirrors the accounts table and should not include JSON annotations so
// it can be reused by different presentation layers.
type Account struct {
	ID             string
	Handle         string
	Role           Role
	PasswordHash   string
	PayeeAccountID *string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// Connected reports whether payee onboarding has been initiated for this
// account. The id, once set, is never cleared or replaced.
func (a Account) Connected() bool {
	return a.PayeeAccountID != nil && *a.PayeeAccountID != ""
}

// RegisterRequest contains signup data supplied by callers.
type RegisterRequest struct {
	Handle   string `json:"username"`
	Password string `json:"password"`
	Role     Role   `json:"role"`
}

// LoginRequest contains login credentials.
type LoginRequest struct {
	Handle   string `json:"username"`
	Password string `json:"password"`
}
