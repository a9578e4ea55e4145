package identity_test

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fieldledger/expensecore/internal/identity"
)

type fakeLookup struct {
	calls int
	caps  map[string]bool
}

func (f *fakeLookup) RoleCapabilities(ctx context.Context, role string) (map[string]bool, error) {
	f.calls++
	return f.caps, nil
}

func TestIssueAndValidateRoundTrip(t *testing.T) {
	gate := identity.New([]byte("test-secret"), &fakeLookup{}, time.Minute)

	user := identity.User{ID: uuid.New(), Role: "bookkeeper"}

	token, err := gate.Issue(user, time.Hour)
	require.NoError(t, err)

	got, err := gate.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, user.ID, got.ID)
	assert.Equal(t, user.Role, got.Role)
}

func TestValidateTokenRejectsBadSecret(t *testing.T) {
	gate := identity.New([]byte("secret-a"), &fakeLookup{}, time.Minute)
	other := identity.New([]byte("secret-b"), &fakeLookup{}, time.Minute)

	token, err := gate.Issue(identity.User{ID: uuid.New(), Role: "admin"}, time.Hour)
	require.NoError(t, err)

	_, err = other.ValidateToken(token)
	assert.Error(t, err)
}

func TestCapabilityCachesByTTL(t *testing.T) {
	lookup := &fakeLookup{caps: map[string]bool{"expense:create": true}}
	gate := identity.New([]byte("s"), lookup, 50*time.Millisecond)

	user := identity.User{ID: uuid.New(), Role: "bookkeeper"}

	ok, err := gate.Capability(context.Background(), user, identity.ModuleExpense, identity.ActionCreate)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = gate.Capability(context.Background(), user, identity.ModuleExpense, identity.ActionCreate)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, 1, lookup.calls, "second call within TTL should hit the cache")

	time.Sleep(60 * time.Millisecond)

	_, err = gate.Capability(context.Background(), user, identity.ModuleExpense, identity.ActionCreate)
	require.NoError(t, err)
	assert.Equal(t, 2, lookup.calls, "call after TTL expiry should refresh")
}

func TestCapabilityDeniedWhenNotGranted(t *testing.T) {
	lookup := &fakeLookup{caps: map[string]bool{}}
	gate := identity.New([]byte("s"), lookup, time.Minute)

	ok, err := gate.Capability(context.Background(), identity.User{Role: "viewer"}, identity.ModuleExpense, identity.ActionDelete)
	require.NoError(t, err)
	assert.False(t, ok)
}
