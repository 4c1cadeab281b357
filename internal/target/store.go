package target

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a user does not exist.
var ErrNotFound = errors.New("user not found")

// User is a stored user record.
type User struct {
	ID        uuid.UUID
	Name      string
	Email     string
	Age       int
	CreatedAt time.Time
	UpdatedAt *time.Time
}

// Store persists users for the service.
type Store interface {
	CreateUser(ctx context.Context, req CreateUserRequest) (User, error)
	GetUser(ctx context.Context, id string) (User, error)
	ListUsers(ctx context.Context) ([]User, error)
	Close()
}

// MemoryStore keeps users in process memory.
type MemoryStore struct {
	mu    sync.RWMutex
	users map[uuid.UUID]User
	now   func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users: make(map[uuid.UUID]User),
		now:   time.Now,
	}
}

// CreateUser stores a new user with a random ID.
func (s *MemoryStore) CreateUser(ctx context.Context, req CreateUserRequest) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}

	now := s.now()
	user := User{
		ID:        uuid.New(),
		Name:      req.Name,
		Email:     req.Email,
		Age:       req.Age,
		CreatedAt: now,
		UpdatedAt: &now,
	}

	s.mu.Lock()
	s.users[user.ID] = user
	s.mu.Unlock()

	return user, nil
}

// GetUser returns the user with the given ID, or ErrNotFound.
func (s *MemoryStore) GetUser(ctx context.Context, id string) (User, error) {
	if err := ctx.Err(); err != nil {
		return User{}, err
	}

	uid, err := uuid.Parse(id)
	if err != nil {
		return User{}, ErrNotFound
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[uid]
	if !ok {
		return User{}, ErrNotFound
	}
	return user, nil
}

// ListUsers returns all users ordered by creation time.
func (s *MemoryStore) ListUsers(ctx context.Context) ([]User, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	users := make([]User, 0, len(s.users))
	for _, u := range s.users {
		users = append(users, u)
	}
	s.mu.RUnlock()

	sort.Slice(users, func(i, j int) bool {
		if users[i].CreatedAt.Equal(users[j].CreatedAt) {
			return users[i].ID.String() < users[j].ID.String()
		}
		return users[i].CreatedAt.Before(users[j].CreatedAt)
	})
	return users, nil
}

// Len returns the number of stored users.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.users)
}

// Close is a no-op.
func (s *MemoryStore) Close() {}
