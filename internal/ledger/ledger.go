// Package ledger is the append-only provenance record of joins, verifications and relays.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/aura-community/relay/internal/models"
)

// ErrDuplicateRecord is returned when a relay record for the same
// (scope, fingerprint, target platform) already exists.
var ErrDuplicateRecord = errors.New("relay record already written")

// Store persists ledger entries and relay records. Implementations only ever insert.
type Store interface {
	AppendEntry(ctx context.Context, e *models.LedgerEntry) error
	AppendRelay(ctx context.Context, r *models.RelayRecord) error
	ListEntries(ctx context.Context, scopeID uuid.UUID, q Query) ([]models.LedgerEntry, error)
	ListRelays(ctx context.Context, scopeID uuid.UUID, q Query) ([]models.RelayRecord, error)
}

// Query bounds a listing. Zero values mean unbounded.
type Query struct {
	Since time.Time
	Until time.Time
	Limit int
}

func (q Query) includes(t time.Time) bool {
	if !q.Since.IsZero() && t.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && !t.Before(q.Until) {
		return false
	}
	return true
}

// Ledger stamps and appends provenance. Safe for concurrent use.
type Ledger struct {
	store  Store
	logger *zap.Logger
	now    func() time.Time
}

// Option configures a Ledger.
type Option func(*Ledger)

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(l *Ledger) { l.now = now }
}

// New creates a ledger over store.
func New(store Store, logger *zap.Logger, opts ...Option) *Ledger {
	if logger == nil {
		logger = zap.NewNop()
	}
	l := &Ledger{store: store, logger: logger, now: time.Now}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// Append writes a provenance entry. ID and timestamp are assigned here.
func (l *Ledger) Append(ctx context.Context, e models.LedgerEntry) (models.LedgerEntry, error) {
	e.ID = uuid.New()
	e.CreatedAt = l.now().UTC()
	if err := l.store.AppendEntry(ctx, &e); err != nil {
		return models.LedgerEntry{}, fmt.Errorf("append %s: %w", e.Action, err)
	}
	l.logger.Debug("ledger entry appended",
		zap.String("action", string(e.Action)),
		zap.String("scope_id", e.ScopeID.String()),
		zap.String("entry_id", e.ID.String()))
	return e, nil
}

// AppendDetail is Append with detail marshalled from v.
func (l *Ledger) AppendDetail(ctx context.Context, e models.LedgerEntry, detail any) (models.LedgerEntry, error) {
	if detail != nil {
		raw, err := json.Marshal(detail)
		if err != nil {
			return models.LedgerEntry{}, fmt.Errorf("marshal detail: %w", err)
		}
		e.Detail = raw
	}
	return l.Append(ctx, e)
}

// RecordRelay writes one relay record.
func (l *Ledger) RecordRelay(ctx context.Context, r models.RelayRecord) (models.RelayRecord, error) {
	r.ID = uuid.New()
	if r.DispatchedAt.IsZero() {
		r.DispatchedAt = l.now().UTC()
	}
	if err := l.store.AppendRelay(ctx, &r); err != nil {
		return models.RelayRecord{}, fmt.Errorf("record relay to %q: %w", r.TargetPlatform, err)
	}
	return r, nil
}

// Entries lists provenance entries for a scope in append order.
func (l *Ledger) Entries(ctx context.Context, scopeID uuid.UUID, q Query) ([]models.LedgerEntry, error) {
	return l.store.ListEntries(ctx, scopeID, q)
}

// Relays lists relay records for a scope in append order.
func (l *Ledger) Relays(ctx context.Context, scopeID uuid.UUID, q Query) ([]models.RelayRecord, error) {
	return l.store.ListRelays(ctx, scopeID, q)
}
