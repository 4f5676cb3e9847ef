package ledger

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/aura-community/relay/internal/models"
)

// InMemoryStore keeps the ledger in process memory for tests and single-node dev.
type InMemoryStore struct {
	mu      sync.RWMutex
	entries []models.LedgerEntry
	relays  []models.RelayRecord
	relayed map[string]struct{}
}

// NewInMemoryStore constructs an empty in-memory ledger store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{relayed: make(map[string]struct{})}
}

func relayKey(r *models.RelayRecord) string {
	return r.ScopeID.String() + "|" + r.Fingerprint + "|" + r.TargetPlatform
}

func (s *InMemoryStore) AppendEntry(_ context.Context, e *models.LedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, *e)
	return nil
}

func (s *InMemoryStore) AppendRelay(_ context.Context, r *models.RelayRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := relayKey(r)
	if _, ok := s.relayed[key]; ok {
		return ErrDuplicateRecord
	}
	s.relayed[key] = struct{}{}
	s.relays = append(s.relays, *r)
	return nil
}

func (s *InMemoryStore) ListEntries(_ context.Context, scopeID uuid.UUID, q Query) ([]models.LedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.LedgerEntry
	for _, e := range s.entries {
		if e.ScopeID != scopeID || !q.includes(e.CreatedAt) {
			continue
		}
		out = append(out, e)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}

func (s *InMemoryStore) ListRelays(_ context.Context, scopeID uuid.UUID, q Query) ([]models.RelayRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.RelayRecord
	for _, r := range s.relays {
		if r.ScopeID != scopeID || !q.includes(r.DispatchedAt) {
			continue
		}
		out = append(out, r)
		if q.Limit > 0 && len(out) == q.Limit {
			break
		}
	}
	return out, nil
}
