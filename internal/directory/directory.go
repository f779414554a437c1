// Package directory provides the account lookup used to validate and deliver
// to local recipients.
package directory

import (
	"context"
	"errors"
	"strings"
	"sync"
)

// ErrNotFound is returned when no account matches a local-part.
// Any other error from a Directory is treated as a lookup fault.
var ErrNotFound = errors.New("directory: user not found")

// User is a local account that can receive mail.
type User struct {
	Username string   `yaml:"username"`
	Name     string   `yaml:"name"`
	Aliases  []string `yaml:"aliases"`
}

// Directory resolves the local-part of an address to an account.
type Directory interface {
	FindLocalUser(ctx context.Context, localPart string) (User, error)
}

// Memory is an in-memory Directory. Local-parts and aliases match
// case-insensitively.
type Memory struct {
	mu    sync.RWMutex
	users map[string]User
}

// NewMemory creates a Memory directory populated with the given users.
func NewMemory(users ...User) *Memory {
	m := &Memory{users: make(map[string]User)}
	m.Replace(users)
	return m
}

// Add registers a user under its username and all of its aliases.
func (m *Memory) Add(u User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.add(u)
}

// Replace swaps the whole user set atomically.
func (m *Memory) Replace(users []User) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.users = make(map[string]User, len(users))
	for _, u := range users {
		m.add(u)
	}
}

// add requires m.mu to be held.
func (m *Memory) add(u User) {
	m.users[strings.ToLower(u.Username)] = u
	for _, alias := range u.Aliases {
		m.users[strings.ToLower(alias)] = u
	}
}

// Remove deletes a user and its aliases.
func (m *Memory) Remove(username string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := strings.ToLower(username)
	u, ok := m.users[key]
	if !ok {
		return
	}
	delete(m.users, key)
	for _, alias := range u.Aliases {
		delete(m.users, strings.ToLower(alias))
	}
}

// Len returns the number of lookup keys, usernames and aliases included.
func (m *Memory) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.users)
}

// FindLocalUser looks up a user by local-part or alias.
func (m *Memory) FindLocalUser(ctx context.Context, localPart string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	u, ok := m.users[strings.ToLower(localPart)]
	if !ok {
		return User{}, ErrNotFound
	}
	return u, nil
}

var _ Directory = (*Memory)(nil)
