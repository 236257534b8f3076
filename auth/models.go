package auth

import "time"

type Role string

const (
	RolePayer      Role = "payer"
	RolePayee      Role = "payee"
	RoleArbitrator Role = "arbitrator"
	RoleAdmin      Role = "admin"
)

// User is the domain representation of an authenticated user.
// It mirrors the users table and should not include JSON annotations so it
// can be reused by different presentation layers.
type User struct {
	ID           string
	Email        string
	FullName     string
	PasswordHash string
	Role         Role
	Premium      bool
	Rating       float64
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Identity is the verified-token view of a caller: everything the request
// path needs without another users lookup.
type Identity struct {
	UserID  string
	Role    Role
	Premium bool
}

// RegisterRequest contains user registration data supplied by callers.
type RegisterRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
	FullName string `json:"full_name"`
	Role     Role   `json:"role"`
}

// LoginRequest contains user login credentials.
type LoginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}
