package auth

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/couchcinema/watchparty/internal/v1/ident"
	"github.com/couchcinema/watchparty/internal/v1/logging"
	"go.uber.org/zap"
)

// CheckedAuthExpiration is the lifetime of a checked-auth ticket. The ticket
// only needs to survive the redirect between /room/join and the WebSocket
// upgrade, so it is short.
const CheckedAuthExpiration = 10 * time.Second

// ErrNoOwner is returned when a checked-auth ticket is missing, expired or
// rejected by the consume predicate.
var ErrNoOwner = errors.New("the specified owner doesn't exist")

type checkedTicket struct {
	claims    *OwnerClaims
	expiresAt time.Time
}

// CheckedAuthStore holds single-use tickets mapping a ticket id to an owner
// claim that the HTTP layer has already verified. Tickets are consumed on
// WebSocket upgrade and swept periodically.
type CheckedAuthStore struct {
	mu      sync.Mutex
	tickets map[ident.ID]checkedTicket
	now     func() time.Time // swappable for tests
}

// NewCheckedAuthStore creates an empty store.
func NewCheckedAuthStore() *CheckedAuthStore {
	return &CheckedAuthStore{
		tickets: make(map[ident.ID]checkedTicket),
		now:     time.Now,
	}
}

// Add stores verified claims under a fresh ticket id and returns the id.
func (s *CheckedAuthStore) Add(claims *OwnerClaims) ident.ID {
	id := ident.New()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tickets[id] = checkedTicket{
		claims:    claims,
		expiresAt: s.now().Add(CheckedAuthExpiration),
	}
	return id
}

// Consume atomically removes the ticket iff it exists, has not expired and the
// predicate accepts the stored claims. Tickets are removed on any outcome of
// the predicate, so a ticket is consumable at most once.
func (s *CheckedAuthStore) Consume(id ident.ID, predicate func(*OwnerClaims) bool) (*OwnerClaims, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ticket, ok := s.tickets[id]
	if !ok {
		return nil, ErrNoOwner
	}
	delete(s.tickets, id)

	if s.now().After(ticket.expiresAt) {
		return nil, ErrNoOwner
	}
	if predicate != nil && !predicate(ticket.claims) {
		return nil, ErrNoOwner
	}
	return ticket.claims, nil
}

// Sweep drops all expired tickets and returns how many were removed.
func (s *CheckedAuthStore) Sweep() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	removed := 0
	for id, ticket := range s.tickets {
		if !ticket.expiresAt.After(now) {
			delete(s.tickets, id)
			removed++
		}
	}
	return removed
}

// Len returns the number of live tickets.
func (s *CheckedAuthStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tickets)
}

// StartSweeper runs a background task dropping expired tickets every
// CheckedAuthExpiration until the context is cancelled.
func (s *CheckedAuthStore) StartSweeper(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(CheckedAuthExpiration)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if removed := s.Sweep(); removed > 0 {
					logging.GetLogger().Debug("Swept expired checked-auth tickets", zap.Int("removed", removed))
				}
			}
		}
	}()
}
