// internal/party/memory.go
// In-memory party registry, intended for development and testing.
package party

import (
	"context"
	"sync"

	"github.com/gridlink/gridlink-ocpi-go/internal/model"
)

// memory implements the Store interface with maps under a single mutex.
type memory struct {
	mu      sync.RWMutex
	parties map[string]*model.RemoteParty      // Party ID to record
	tokens  map[model.AccessToken]string       // Local token to party ID
}

// NewMemory creates a new in-memory party registry.
func NewMemory() Store {
	return &memory{
		parties: make(map[string]*model.RemoteParty),
		tokens:  make(map[model.AccessToken]string),
	}
}

func (m *memory) GetParty(ctx context.Context, id string) (*model.RemoteParty, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	p, ok := m.parties[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(p), nil
}

func (m *memory) GetPartyByLocalToken(ctx context.Context, token model.AccessToken) (*model.RemoteParty, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	id, ok := m.tokens[token]
	if !ok {
		return nil, ErrNotFound
	}
	p, ok := m.parties[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(p), nil
}

func (m *memory) ListParties(ctx context.Context) ([]model.RemoteParty, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	list := make([]model.RemoteParty, 0, len(m.parties))
	for _, p := range m.parties {
		list = append(list, *clone(p))
	}
	return list, nil
}

func (m *memory) AddOrUpdateRemoteParty(ctx context.Context, p UpsertParams) (*model.RemoteParty, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	existing := m.parties[p.ID]
	updated := applyUpsert(existing, p)

	// Drop token index entries of the replaced record before re-indexing.
	if existing != nil {
		for _, ai := range existing.LocalAccessInfos {
			delete(m.tokens, ai.Token)
		}
	}
	for _, ai := range updated.LocalAccessInfos {
		m.tokens[ai.Token] = updated.ID
	}

	m.parties[p.ID] = &updated
	return clone(&updated), nil
}

func (m *memory) DisableParty(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	p, ok := m.parties[id]
	if !ok {
		return ErrNotFound
	}
	p.Status = model.PartyDisabled
	for i := range p.LocalAccessInfos {
		p.LocalAccessInfos[i].Status = model.AccessBlocked
	}
	for i := range p.RemoteAccessInfos {
		p.RemoteAccessInfos[i].Status = model.RemoteOffline
	}
	return nil
}
