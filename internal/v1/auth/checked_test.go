package auth

import (
	"testing"
	"time"

	"github.com/couchcinema/watchparty/internal/v1/ident"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckedAuth_AddConsume(t *testing.T) {
	store := NewCheckedAuthStore()
	claims := NewOwnerClaims(ident.New(), "1.2.3.4", "ua", "alice")

	ticket := store.Add(claims)
	require.False(t, ticket.IsNil())
	assert.Equal(t, 1, store.Len())

	got, err := store.Consume(ticket, func(c *OwnerClaims) bool {
		return c.BoundTo("1.2.3.4", "ua")
	})
	require.NoError(t, err)
	assert.Equal(t, claims, got)
	assert.Equal(t, 0, store.Len())
}

func TestCheckedAuth_SingleUse(t *testing.T) {
	store := NewCheckedAuthStore()
	ticket := store.Add(NewOwnerClaims(ident.New(), "1.2.3.4", "ua", "alice"))

	_, err := store.Consume(ticket, nil)
	require.NoError(t, err)

	_, err = store.Consume(ticket, nil)
	assert.ErrorIs(t, err, ErrNoOwner)
}

func TestCheckedAuth_PredicateRejectionConsumes(t *testing.T) {
	store := NewCheckedAuthStore()
	ticket := store.Add(NewOwnerClaims(ident.New(), "1.2.3.4", "ua", "alice"))

	// Rejected by predicate (e.g. ip changed between join and upgrade)
	_, err := store.Consume(ticket, func(c *OwnerClaims) bool {
		return c.BoundTo("9.9.9.9", "ua")
	})
	assert.ErrorIs(t, err, ErrNoOwner)

	// The ticket must not be replayable after a failed consume.
	_, err = store.Consume(ticket, nil)
	assert.ErrorIs(t, err, ErrNoOwner)
}

func TestCheckedAuth_UnknownTicket(t *testing.T) {
	store := NewCheckedAuthStore()
	_, err := store.Consume(ident.New(), nil)
	assert.ErrorIs(t, err, ErrNoOwner)
}

func TestCheckedAuth_Expiry(t *testing.T) {
	store := NewCheckedAuthStore()
	now := time.Now()
	store.now = func() time.Time { return now }

	ticket := store.Add(NewOwnerClaims(ident.New(), "1.2.3.4", "ua", "alice"))

	now = now.Add(CheckedAuthExpiration + time.Millisecond)
	_, err := store.Consume(ticket, nil)
	assert.ErrorIs(t, err, ErrNoOwner)
}

func TestCheckedAuth_Sweep(t *testing.T) {
	store := NewCheckedAuthStore()
	now := time.Now()
	store.now = func() time.Time { return now }

	store.Add(NewOwnerClaims(ident.New(), "1.2.3.4", "ua", "a"))
	store.Add(NewOwnerClaims(ident.New(), "1.2.3.4", "ua", "b"))
	assert.Equal(t, 0, store.Sweep())

	now = now.Add(CheckedAuthExpiration + time.Millisecond)
	fresh := store.Add(NewOwnerClaims(ident.New(), "1.2.3.4", "ua", "c"))

	assert.Equal(t, 2, store.Sweep())
	assert.Equal(t, 1, store.Len())

	_, err := store.Consume(fresh, nil)
	assert.NoError(t, err)
}
