package checkpoint

import (
	"context"
	"sort"
	"sync"
)

// MemoryStore keeps snapshots in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	sessions map[string][]Snapshot
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{sessions: make(map[string][]Snapshot)}
}

func (m *MemoryStore) Save(_ context.Context, snap Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap.Data = append([]byte(nil), snap.Data...)
	m.sessions[snap.SessionID] = append(m.sessions[snap.SessionID], snap)
	return nil
}

func (m *MemoryStore) Load(_ context.Context, sessionID string) (Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snaps := m.sessions[sessionID]
	if len(snaps) == 0 {
		return Snapshot{}, ErrNotFound
	}
	return snaps[len(snaps)-1], nil
}

func (m *MemoryStore) History(_ context.Context, sessionID string) ([]Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snaps := m.sessions[sessionID]
	if len(snaps) == 0 {
		return nil, ErrNotFound
	}
	return append([]Snapshot(nil), snaps...), nil
}

func (m *MemoryStore) List(_ context.Context, limit int) ([]SessionInfo, error) {
	m.mu.RLock()
	infos := make([]SessionInfo, 0, len(m.sessions))
	for id, snaps := range m.sessions {
		last := snaps[len(snaps)-1]
		infos = append(infos, SessionInfo{
			SessionID: id,
			Node:      last.Node,
			Turn:      last.Turn,
			Done:      last.Done,
			Steps:     len(snaps),
			UpdatedAt: last.CreatedAt,
		})
	}
	m.mu.RUnlock()

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].UpdatedAt.After(infos[j].UpdatedAt)
	})
	if limit > 0 && len(infos) > limit {
		infos = infos[:limit]
	}
	return infos, nil
}

func (m *MemoryStore) Delete(_ context.Context, sessionID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.sessions[sessionID]; !ok {
		return ErrNotFound
	}
	delete(m.sessions, sessionID)
	return nil
}

func (m *MemoryStore) Close() error { return nil }
