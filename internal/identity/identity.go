// Package identity implements the Identity & Capability Gate: bearer token
// validation plus a short-lived user -> role -> capability cache. It is the
// sole authority every mutating operation consults.
package identity

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// User is the acting identity resolved from a bearer token.
type User struct {
	ID   uuid.UUID
	Role string
}

// Claims is the JWT payload this service issues and validates.
type Claims struct {
	UserID uuid.UUID `json:"user_id"`
	Role   string    `json:"role"`
	jwt.RegisteredClaims
}

// Module/Action pairs gate every mutating operation and every PII/financial
// read.
const (
	ModuleExpense  = "expense"
	ModuleIntake   = "intake"
	ModuleAutoAuth = "autoauth"
	ModuleMessage  = "message"

	ActionCreate = "create"
	ActionRead   = "read"
	ActionUpdate = "update"
	ActionDelete = "delete"
	ActionRun    = "run"
)

// CapabilityLookup resolves a role to its module/action capability set.
// External collaborator: the auth/roles service owns role definitions.
type CapabilityLookup interface {
	RoleCapabilities(ctx context.Context, role string) (map[string]bool, error)
}

type cacheEntry struct {
	capabilities map[string]bool
	expiresAt    time.Time
}

// Gate validates bearer tokens and answers capability(user, module, action)
// queries, backed by a 60s TTL cache keyed by role.
type Gate struct {
	secret []byte
	lookup CapabilityLookup
	ttl    time.Duration

	mu    sync.RWMutex
	cache map[string]cacheEntry
}

// New constructs a Gate. secret signs and verifies bearer tokens; lookup is
// the external role-capability source of truth.
func New(secret []byte, lookup CapabilityLookup, ttl time.Duration) *Gate {
	return &Gate{
		secret: secret,
		lookup: lookup,
		ttl:    ttl,
		cache:  make(map[string]cacheEntry),
	}
}

// ValidateToken validates a bearer token's signature and expiry and returns
// the acting user. Expiry and signature are checked at the edge, per spec.
func (g *Gate) ValidateToken(tokenString string) (User, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}

		return g.secret, nil
	})
	if err != nil {
		return User{}, fmt.Errorf("validating token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return User{}, fmt.Errorf("invalid token claims")
	}

	return User{ID: claims.UserID, Role: claims.Role}, nil
}

// Issue mints a signed bearer token for user, used by /auth/login.
func (g *Gate) Issue(user User, ttl time.Duration) (string, error) {
	claims := Claims{
		UserID: user.ID,
		Role:   user.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)

	signed, err := token.SignedString(g.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}

	return signed, nil
}

// Capability reports whether role may perform action on module. It is the
// single function every caller in §4.7-§4.9 consults.
func (g *Gate) Capability(ctx context.Context, user User, module, action string) (bool, error) {
	caps, err := g.roleCapabilities(ctx, user.Role)
	if err != nil {
		return false, err
	}

	return caps[module+":"+action], nil
}

func (g *Gate) roleCapabilities(ctx context.Context, role string) (map[string]bool, error) {
	g.mu.RLock()
	entry, ok := g.cache[role]
	g.mu.RUnlock()

	if ok && time.Now().Before(entry.expiresAt) {
		return entry.capabilities, nil
	}

	caps, err := g.lookup.RoleCapabilities(ctx, role)
	if err != nil {
		return nil, fmt.Errorf("resolving role capabilities: %w", err)
	}

	g.mu.Lock()
	g.cache[role] = cacheEntry{capabilities: caps, expiresAt: time.Now().Add(g.ttl)}
	g.mu.Unlock()

	return caps, nil
}

// Capabilities renders role's capability set as the flat "module:action"
// strings the /auth/login response exposes.
func Capabilities(caps map[string]bool) []string {
	out := make([]string, 0, len(caps))
	for k, granted := range caps {
		if granted {
			out = append(out, k)
		}
	}

	return out
}
