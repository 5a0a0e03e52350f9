package identity

import (
	"context"
	"sync"
)

const (
	RoleAdmin    = "admin"
	RoleSeller   = "seller"
	RoleDriver   = "driver"
	RoleCustomer = "customer"
)

// Checker est le service d'identité vu par le cœur : on fait confiance à ses réponses.
type Checker interface {
	HasRole(ctx context.Context, userID, role string) (bool, error)
	IsApprovedDriver(ctx context.Context, userID string) (bool, error)
}

// Static : rôles fixés à la main (tests, mode local).
type Static struct {
	mu       sync.RWMutex
	roles    map[string]map[string]bool
	approved map[string]bool
	emails   map[string]string
}

func NewStatic() *Static {
	return &Static{
		roles:    make(map[string]map[string]bool),
		approved: make(map[string]bool),
		emails:   make(map[string]string),
	}
}

func (s *Static) Grant(userID string, roles ...string) *Static {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.roles[userID] == nil {
		s.roles[userID] = make(map[string]bool)
	}
	for _, r := range roles {
		s.roles[userID][r] = true
	}
	return s
}

func (s *Static) ApproveDriver(driverIDs ...string) *Static {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range driverIDs {
		s.approved[id] = true
	}
	return s
}

func (s *Static) SetEmail(userID, email string) *Static {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.emails[userID] = email
	return s
}

func (s *Static) HasRole(_ context.Context, userID, role string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.roles[userID][role], nil
}

func (s *Static) IsApprovedDriver(_ context.Context, userID string) (bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.approved[userID], nil
}

func (s *Static) EmailOf(_ context.Context, userID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.emails[userID], nil
}
