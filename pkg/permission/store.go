package permission

import (
	"context"
	"fmt"
	"sync"
)

// Mode is the stored decision for one (app, permission) pair.
type Mode string

const (
	// ModeAccept grants without prompting.
	ModeAccept Mode = "accept"
	// ModePrompt asks the user every time.
	ModePrompt Mode = "prompt"
	// ModeReject denies; the user asked to remember a denial.
	ModeReject Mode = "reject"
	// ModeForbidden denies; the user asked never to be prompted again.
	ModeForbidden Mode = "forbidden"
)

// ParseMode parses a stored mode. Empty means ModePrompt.
func ParseMode(s string) (Mode, error) {
	switch Mode(s) {
	case "":
		return ModePrompt, nil
	case ModeAccept, ModePrompt, ModeReject, ModeForbidden:
		return Mode(s), nil
	}
	return "", fmt.Errorf("unknown permission mode %q", s)
}

// GrantStore persists decisions. GetGrant returns "" when nothing is stored.
type GrantStore interface {
	GetGrant(ctx context.Context, app, permission string) (string, error)
	PutGrant(ctx context.Context, app, permission, mode string) error
}

// MemoryStore is an in-process GrantStore.
type MemoryStore struct {
	mu     sync.RWMutex
	grants map[string]map[string]string
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{grants: make(map[string]map[string]string)}
}

func (s *MemoryStore) GetGrant(_ context.Context, app, permission string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.grants[app][permission], nil
}

func (s *MemoryStore) PutGrant(_ context.Context, app, permission, mode string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	perms, ok := s.grants[app]
	if !ok {
		perms = make(map[string]string)
		s.grants[app] = perms
	}
	perms[permission] = mode
	return nil
}
