package identity

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/aura-community/relay/internal/models"
)

// memberSlot guards one member. Verification of different members never contends.
type memberSlot struct {
	mu     sync.Mutex
	member models.Member
}

// codeSlot carries the consume flag used for compare-and-swap.
type codeSlot struct {
	rec        models.VerificationCode
	consumed   atomic.Bool
	superseded atomic.Bool
}

// InMemoryStore is a lock-light identity store: members are guarded individually,
// codes and verified claims live in sync.Maps with CAS semantics.
type InMemoryStore struct {
	mu      sync.RWMutex
	members map[uuid.UUID]*memberSlot
	byEmail map[string]uuid.UUID

	codes    sync.Map // scope|code -> *codeSlot
	verified sync.Map // scope|platform|handle -> uuid.UUID
}

// NewInMemoryStore constructs an empty in-memory identity store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		members: make(map[uuid.UUID]*memberSlot),
		byEmail: make(map[string]uuid.UUID),
	}
}

func emailKey(scopeID uuid.UUID, email string) string {
	return scopeID.String() + "|" + strings.ToLower(email)
}

func codeKey(scopeID uuid.UUID, code string) string {
	return scopeID.String() + "|" + strings.ToUpper(code)
}

func claimKey(scopeID uuid.UUID, platform, handle string) string {
	return scopeID.String() + "|" + platform + "|" + handle
}

func (s *InMemoryStore) slot(id uuid.UUID) *memberSlot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.members[id]
}

func (s *InMemoryStore) UpsertMember(_ context.Context, scopeID uuid.UUID, email, displayName string, now time.Time) (*models.Member, bool, error) {
	key := emailKey(scopeID, email)
	s.mu.Lock()
	if id, ok := s.byEmail[key]; ok {
		slot := s.members[id]
		s.mu.Unlock()
		slot.mu.Lock()
		defer slot.mu.Unlock()
		slot.member.DisplayName = displayName
		slot.member.UpdatedAt = now
		return slot.member.Clone(), false, nil
	}
	m := models.Member{
		ID:          uuid.New(),
		ScopeID:     scopeID,
		Email:       email,
		DisplayName: displayName,
		Identities:  make(map[string]models.PlatformIdentity),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	s.members[m.ID] = &memberSlot{member: m}
	s.byEmail[key] = m.ID
	s.mu.Unlock()
	return m.Clone(), true, nil
}

func (s *InMemoryStore) FindMemberByID(_ context.Context, id uuid.UUID) (*models.Member, error) {
	slot := s.slot(id)
	if slot == nil {
		return nil, models.ErrNotFound
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()
	return slot.member.Clone(), nil
}

func (s *InMemoryStore) FindVerified(ctx context.Context, scopeID uuid.UUID, platform, handle string) (*models.Member, error) {
	v, ok := s.verified.Load(claimKey(scopeID, platform, handle))
	if !ok {
		return nil, models.ErrNotFound
	}
	return s.FindMemberByID(ctx, v.(uuid.UUID))
}

func (s *InMemoryStore) ClaimHandle(_ context.Context, code *models.VerificationCode) (*models.PlatformIdentity, error) {
	slot := s.slot(code.MemberID)
	if slot == nil {
		return nil, models.ErrNotFound
	}
	slot.mu.Lock()
	defer slot.mu.Unlock()

	current, had := slot.member.Identities[code.Platform]
	if had && current.Status == models.StatusVerified {
		c := current
		return &c, ErrAlreadyVerified
	}

	next := &codeSlot{rec: *code}
	if _, loaded := s.codes.LoadOrStore(codeKey(code.ScopeID, code.Code), next); loaded {
		return nil, ErrCodeCollision
	}
	if had && current.Code != "" {
		if prev, ok := s.codes.Load(codeKey(code.ScopeID, current.Code)); ok {
			prev.(*codeSlot).superseded.Store(true)
		}
	}
	expires := code.ExpiresAt
	identity := models.PlatformIdentity{
		Platform:      code.Platform,
		Handle:        code.Handle,
		Status:        models.StatusPending,
		Code:          code.Code,
		CodeExpiresAt: &expires,
	}
	slot.member.Identities[code.Platform] = identity
	slot.member.UpdatedAt = code.IssuedAt
	return &identity, nil
}

func (s *InMemoryStore) ConsumeCode(_ context.Context, scopeID uuid.UUID, platform, handle, code string, now time.Time) (*models.Member, error) {
	v, ok := s.codes.Load(codeKey(scopeID, code))
	if !ok {
		return nil, ErrCodeNotFound
	}
	cs := v.(*codeSlot)
	if cs.rec.Platform != platform || cs.rec.Handle != handle {
		return nil, ErrCodeNotFound
	}
	slot := s.slot(cs.rec.MemberID)
	if slot == nil {
		return nil, models.ErrNotFound
	}

	// Code checks and the consume flip share the member lock with ClaimHandle.
	slot.mu.Lock()
	defer slot.mu.Unlock()

	if cs.consumed.Load() {
		return nil, ErrCodeAlreadyConsumed
	}
	identity := slot.member.Identities[platform]
	if cs.superseded.Load() || !strings.EqualFold(identity.Code, cs.rec.Code) {
		return nil, ErrCodeNotFound
	}
	if cs.rec.Expired(now) {
		return nil, ErrCodeExpired
	}

	// A handle held by someone else leaves the code unconsumed.
	if prev, loaded := s.verified.LoadOrStore(claimKey(scopeID, platform, handle), cs.rec.MemberID); loaded && prev.(uuid.UUID) != cs.rec.MemberID {
		return nil, ErrDuplicateHandle
	}
	if !cs.consumed.CompareAndSwap(false, true) {
		return nil, ErrCodeAlreadyConsumed
	}

	identity.Platform = platform
	identity.Handle = handle
	identity.Status = models.StatusVerified
	identity.Code = ""
	identity.CodeExpiresAt = nil
	at := now
	identity.VerifiedAt = &at
	slot.member.Identities[platform] = identity
	slot.member.UpdatedAt = now
	return slot.member.Clone(), nil
}
