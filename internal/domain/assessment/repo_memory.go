package assessment

import (
	"context"
	"sync"
)

// MemorySessionStore keeps encoded sessions in process memory. Sessions are
// stored as bytes so callers never share a value with the store.
type MemorySessionStore struct {
	mu       sync.RWMutex
	sessions map[string][]byte
	versions map[string]int
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		sessions: make(map[string][]byte),
		versions: make(map[string]int),
	}
}

func (m *MemorySessionStore) Load(_ context.Context, userID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	data, ok := m.sessions[userID]
	if !ok {
		return nil, ErrSessionNotFound
	}
	return decodeSession(userID, data)
}

func (m *MemorySessionStore) Save(_ context.Context, s *Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	expected, data, restore, err := encodeForSave(s)
	if err != nil {
		return err
	}
	if m.versions[s.UserID] != expected {
		restore()
		return ErrVersionConflict
	}
	m.sessions[s.UserID] = data
	m.versions[s.UserID] = s.Version
	return nil
}

func (m *MemorySessionStore) Delete(_ context.Context, userID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.sessions, userID)
	delete(m.versions, userID)
	return nil
}
