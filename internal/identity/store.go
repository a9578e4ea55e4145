package identity

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidCredentials is returned by Authenticate for an unknown email
// or a password mismatch; the two cases are deliberately indistinguishable
// to the caller.
var ErrInvalidCredentials = errors.New("identity: invalid credentials")

// Credentials is one user's login record.
type Credentials struct {
	ID           uuid.UUID
	Role         string
	PasswordHash string
}

// Store is the Postgres-backed CapabilityLookup, and the source of user
// credentials for POST /auth/login.
type Store struct {
	db *sql.DB
}

// NewStore constructs a Store.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// RoleCapabilities implements CapabilityLookup.
func (s *Store) RoleCapabilities(ctx context.Context, role string) (map[string]bool, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT module, action FROM role_capabilities WHERE role = $1
	`, role)
	if err != nil {
		return nil, fmt.Errorf("querying role capabilities: %w", err)
	}
	defer rows.Close()

	caps := make(map[string]bool)

	for rows.Next() {
		var module, action string
		if err := rows.Scan(&module, &action); err != nil {
			return nil, fmt.Errorf("scanning role capability: %w", err)
		}

		caps[module+":"+action] = true
	}

	return caps, rows.Err()
}

// CredentialsByEmail looks up a user's credentials for login.
func (s *Store) CredentialsByEmail(ctx context.Context, email string) (Credentials, error) {
	var c Credentials

	err := s.db.QueryRowContext(ctx, `
		SELECT id, role, password_hash FROM users WHERE email = $1
	`, email).Scan(&c.ID, &c.Role, &c.PasswordHash)
	if errors.Is(err, sql.ErrNoRows) {
		return Credentials{}, ErrInvalidCredentials
	}

	if err != nil {
		return Credentials{}, fmt.Errorf("querying user by email: %w", err)
	}

	return c, nil
}

// RoleForUser implements autoauth.RoleLookup, resolving the role an
// expense's updated_by user holds for R5's per-role escalation threshold.
func (s *Store) RoleForUser(ctx context.Context, userID uuid.UUID) (string, error) {
	var role string

	err := s.db.QueryRowContext(ctx, `SELECT role FROM users WHERE id = $1`, userID).Scan(&role)
	if err != nil {
		return "", fmt.Errorf("finding role for user %s: %w", userID, err)
	}

	return role, nil
}

// Authenticate verifies email/password and returns the resolved User.
func (s *Store) Authenticate(ctx context.Context, email, password string) (User, error) {
	creds, err := s.CredentialsByEmail(ctx, email)
	if err != nil {
		return User{}, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(creds.PasswordHash), []byte(password)); err != nil {
		return User{}, ErrInvalidCredentials
	}

	return User{ID: creds.ID, Role: creds.Role}, nil
}
