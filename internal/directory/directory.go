// Package directory resolves users and organization units for the custody
// core. The full CRUD around these records lives elsewhere; the core only
// needs identity and active-status lookups.
package directory

import (
	"context"
	"errors"
	"sync"
)

// ErrNotFound indicates the user or unit is unknown.
var ErrNotFound = errors.New("directory: not found")

// User is an actor known to the user directory.
type User struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Email  string `json:"email"`
	Active bool   `json:"active"`
}

// Unit is an office/unit a key belongs to.
type Unit struct {
	ID      string `json:"id"`
	OrgID   string `json:"org_id"`
	Name    string `json:"name"`
	OwnerID string `json:"owner_id"`
	Active  bool   `json:"active"`
}

// Directory resolves actor and unit identity.
type Directory interface {
	User(ctx context.Context, id string) (User, error)
	Unit(ctx context.Context, id string) (Unit, error)
}

// Static is an in-process directory, used in tests and single-binary demos.
type Static struct {
	mu    sync.RWMutex
	users map[string]User
	units map[string]Unit
}

// NewStatic creates an empty static directory.
func NewStatic() *Static {
	return &Static{
		users: make(map[string]User),
		units: make(map[string]Unit),
	}
}

// PutUser adds or replaces a user.
func (s *Static) PutUser(u User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
}

// PutUnit adds or replaces a unit.
func (s *Static) PutUnit(u Unit) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.units[u.ID] = u
}

func (s *Static) User(ctx context.Context, id string) (User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.users[id]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

func (s *Static) Unit(ctx context.Context, id string) (Unit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	u, ok := s.units[id]
	if !ok {
		return Unit{}, ErrNotFound
	}
	return u, nil
}
