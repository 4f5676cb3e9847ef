package ledger

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-community/relay/internal/models"
)

// PostgresStore persists the ledger in ledger_entries and relay_records. Insert-only.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a ledger store backed by pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func (s *PostgresStore) AppendEntry(ctx context.Context, e *models.LedgerEntry) error {
	const q = `INSERT INTO ledger_entries (id, scope_id, action, source_platform, source_identity, subject_id, detail, created_at)
		VALUES ($1, $2, $3, NULLIF($4,''), NULLIF($5,''), NULLIF($6,''), $7, $8)`
	detail := e.Detail
	if len(detail) == 0 {
		detail = []byte("{}")
	}
	_, err := s.pool.Exec(ctx, q, e.ID, e.ScopeID, string(e.Action), e.SourcePlatform, e.SourceIdentity, e.SubjectID, detail, e.CreatedAt)
	return err
}

func (s *PostgresStore) AppendRelay(ctx context.Context, r *models.RelayRecord) error {
	const q = `INSERT INTO relay_records (id, scope_id, message_ref, fingerprint, source_platform, target_platform,
			target_channel, attribution, outcome, reason, dispatched_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NULLIF($10,''), $11)`
	_, err := s.pool.Exec(ctx, q, r.ID, r.ScopeID, r.MessageRef, r.Fingerprint, r.SourcePlatform, r.TargetPlatform,
		r.TargetChannel, r.Attribution, string(r.Outcome), r.Reason, r.DispatchedAt)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return ErrDuplicateRecord
	}
	return err
}

func bounds(q Query) (since, until time.Time, limit int) {
	since, until, limit = q.Since, q.Until, q.Limit
	if until.IsZero() {
		until = time.Date(9999, 1, 1, 0, 0, 0, 0, time.UTC)
	}
	if limit <= 0 {
		limit = 10000
	}
	return since, until, limit
}

func (s *PostgresStore) ListEntries(ctx context.Context, scopeID uuid.UUID, q Query) ([]models.LedgerEntry, error) {
	since, until, limit := bounds(q)
	rows, err := s.pool.Query(ctx, `SELECT id, scope_id, action, COALESCE(source_platform,''), COALESCE(source_identity,''),
			COALESCE(subject_id,''), detail, created_at
		FROM ledger_entries WHERE scope_id = $1 AND created_at >= $2 AND created_at < $3
		ORDER BY seq ASC LIMIT $4`, scopeID, since, until, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.LedgerEntry
	for rows.Next() {
		var e models.LedgerEntry
		var action string
		if err := rows.Scan(&e.ID, &e.ScopeID, &action, &e.SourcePlatform, &e.SourceIdentity, &e.SubjectID, &e.Detail, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Action = models.LedgerAction(action)
		list = append(list, e)
	}
	return list, rows.Err()
}

func (s *PostgresStore) ListRelays(ctx context.Context, scopeID uuid.UUID, q Query) ([]models.RelayRecord, error) {
	since, until, limit := bounds(q)
	rows, err := s.pool.Query(ctx, `SELECT id, scope_id, message_ref, fingerprint, source_platform, target_platform,
			target_channel, attribution, outcome, COALESCE(reason,''), dispatched_at
		FROM relay_records WHERE scope_id = $1 AND dispatched_at >= $2 AND dispatched_at < $3
		ORDER BY seq ASC LIMIT $4`, scopeID, since, until, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.RelayRecord
	for rows.Next() {
		var r models.RelayRecord
		var outcome string
		if err := rows.Scan(&r.ID, &r.ScopeID, &r.MessageRef, &r.Fingerprint, &r.SourcePlatform, &r.TargetPlatform,
			&r.TargetChannel, &r.Attribution, &outcome, &r.Reason, &r.DispatchedAt); err != nil {
			return nil, err
		}
		r.Outcome = models.RelayOutcome(outcome)
		list = append(list, r)
	}
	return list, rows.Err()
}
