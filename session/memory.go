package session

import (
	"context"
	"sync"

	"github.com/abdelmounim-dev/chatsync/models"
)

// MemoryStore keeps session state in process memory. It is the default
// when no secure storage backend is configured.
type MemoryStore struct {
	mu    sync.RWMutex
	creds *Credentials
	user  *models.User
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) SaveTokens(_ context.Context, creds Credentials) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = &creds
	return nil
}

func (s *MemoryStore) LoadTokens(_ context.Context) (*Credentials, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.creds == nil {
		return nil, nil
	}
	creds := *s.creds
	return &creds, nil
}

func (s *MemoryStore) ClearTokens(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.creds = nil
	return nil
}

func (s *MemoryStore) SaveUser(_ context.Context, user *models.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if user == nil {
		s.user = nil
		return nil
	}
	u := *user
	s.user = &u
	return nil
}

func (s *MemoryStore) LoadUser(_ context.Context) (*models.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.user == nil {
		return nil, nil
	}
	u := *s.user
	return &u, nil
}

func (s *MemoryStore) ClearUser(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.user = nil
	return nil
}
