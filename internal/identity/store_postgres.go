package identity

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-community/relay/internal/models"
)

// PostgresStore persists members, member_identities and verification_codes.
// Code consumption runs under a row lock on the single code row, so attempts on
// different codes proceed independently.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates an identity store backed by pool.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func (s *PostgresStore) UpsertMember(ctx context.Context, scopeID uuid.UUID, email, displayName string, now time.Time) (*models.Member, bool, error) {
	const q = `INSERT INTO members (id, scope_id, email, display_name, created_at, updated_at)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, $4)
		ON CONFLICT (scope_id, email) DO UPDATE SET display_name = EXCLUDED.display_name, updated_at = EXCLUDED.updated_at
		RETURNING id, (xmax = 0)`
	var id uuid.UUID
	var inserted bool
	if err := s.pool.QueryRow(ctx, q, scopeID, email, displayName, now).Scan(&id, &inserted); err != nil {
		return nil, false, fmt.Errorf("upsert member: %w", err)
	}
	m, err := s.FindMemberByID(ctx, id)
	if err != nil {
		return nil, false, err
	}
	return m, inserted, nil
}

func (s *PostgresStore) FindMemberByID(ctx context.Context, id uuid.UUID) (*models.Member, error) {
	const q = `SELECT id, scope_id, email, display_name, created_at, updated_at FROM members WHERE id = $1`
	var m models.Member
	err := s.pool.QueryRow(ctx, q, id).Scan(&m.ID, &m.ScopeID, &m.Email, &m.DisplayName, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if m.Identities, err = s.identities(ctx, m.ID); err != nil {
		return nil, err
	}
	return &m, nil
}

func (s *PostgresStore) identities(ctx context.Context, memberID uuid.UUID) (map[string]models.PlatformIdentity, error) {
	rows, err := s.pool.Query(ctx, `SELECT platform, handle, status, COALESCE(code,''), code_expires_at, verified_at
		FROM member_identities WHERE member_id = $1`, memberID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make(map[string]models.PlatformIdentity)
	for rows.Next() {
		var id models.PlatformIdentity
		var status string
		if err := rows.Scan(&id.Platform, &id.Handle, &status, &id.Code, &id.CodeExpiresAt, &id.VerifiedAt); err != nil {
			return nil, err
		}
		id.Status = models.VerificationStatus(status)
		out[id.Platform] = id
	}
	return out, rows.Err()
}

func (s *PostgresStore) FindVerified(ctx context.Context, scopeID uuid.UUID, platform, handle string) (*models.Member, error) {
	const q = `SELECT member_id FROM member_identities
		WHERE scope_id = $1 AND platform = $2 AND handle = $3 AND status = 'verified'`
	var id uuid.UUID
	err := s.pool.QueryRow(ctx, q, scopeID, platform, handle).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return s.FindMemberByID(ctx, id)
}

func (s *PostgresStore) ClaimHandle(ctx context.Context, code *models.VerificationCode) (*models.PlatformIdentity, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var current models.PlatformIdentity
	var status string
	err = tx.QueryRow(ctx, `SELECT platform, handle, status, verified_at FROM member_identities
		WHERE member_id = $1 AND platform = $2 FOR UPDATE`, code.MemberID, code.Platform).
		Scan(&current.Platform, &current.Handle, &status, &current.VerifiedAt)
	if err != nil && !errors.Is(err, pgx.ErrNoRows) {
		return nil, err
	}
	if err == nil && models.VerificationStatus(status) == models.StatusVerified {
		current.Status = models.StatusVerified
		return &current, ErrAlreadyVerified
	}

	_, err = tx.Exec(ctx, `INSERT INTO verification_codes (id, scope_id, member_id, platform, handle, code, issued_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		code.ID, code.ScopeID, code.MemberID, code.Platform, code.Handle, code.Code, code.IssuedAt, code.ExpiresAt)
	if isUniqueViolation(err) {
		return nil, ErrCodeCollision
	}
	if err != nil {
		return nil, fmt.Errorf("insert code: %w", err)
	}

	if _, err = tx.Exec(ctx, `UPDATE verification_codes SET superseded_at = $4
		WHERE member_id = $1 AND platform = $2 AND id <> $3 AND consumed_at IS NULL AND superseded_at IS NULL`,
		code.MemberID, code.Platform, code.ID, code.IssuedAt); err != nil {
		return nil, fmt.Errorf("supersede codes: %w", err)
	}

	if _, err = tx.Exec(ctx, `INSERT INTO member_identities (member_id, scope_id, platform, handle, status, code, code_expires_at, updated_at)
		VALUES ($1, $2, $3, $4, 'pending', $5, $6, $7)
		ON CONFLICT (member_id, platform) DO UPDATE SET handle = EXCLUDED.handle, status = 'pending',
			code = EXCLUDED.code, code_expires_at = EXCLUDED.code_expires_at, updated_at = EXCLUDED.updated_at`,
		code.MemberID, code.ScopeID, code.Platform, code.Handle, code.Code, code.ExpiresAt, code.IssuedAt); err != nil {
		return nil, fmt.Errorf("upsert identity: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	expires := code.ExpiresAt
	return &models.PlatformIdentity{
		Platform:      code.Platform,
		Handle:        code.Handle,
		Status:        models.StatusPending,
		Code:          code.Code,
		CodeExpiresAt: &expires,
	}, nil
}

func (s *PostgresStore) ConsumeCode(ctx context.Context, scopeID uuid.UUID, platform, handle, code string, now time.Time) (*models.Member, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var rec models.VerificationCode
	err = tx.QueryRow(ctx, `SELECT id, member_id, platform, handle, expires_at, consumed_at, superseded_at
		FROM verification_codes WHERE scope_id = $1 AND code = $2 FOR UPDATE`, scopeID, code).
		Scan(&rec.ID, &rec.MemberID, &rec.Platform, &rec.Handle, &rec.ExpiresAt, &rec.ConsumedAt, &rec.SupersededAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrCodeNotFound
	}
	if err != nil {
		return nil, err
	}
	switch {
	case rec.Platform != platform || rec.Handle != handle || rec.SupersededAt != nil:
		return nil, ErrCodeNotFound
	case rec.Consumed():
		return nil, ErrCodeAlreadyConsumed
	case rec.Expired(now):
		return nil, ErrCodeExpired
	}

	tag, err := tx.Exec(ctx, `UPDATE verification_codes SET consumed_at = $2 WHERE id = $1 AND consumed_at IS NULL`, rec.ID, now)
	if err != nil {
		return nil, fmt.Errorf("consume code: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return nil, ErrCodeAlreadyConsumed
	}

	_, err = tx.Exec(ctx, `UPDATE member_identities SET status = 'verified', code = NULL, code_expires_at = NULL,
			verified_at = $3, updated_at = $3
		WHERE member_id = $1 AND platform = $2`, rec.MemberID, platform, now)
	if isUniqueViolation(err) {
		return nil, ErrDuplicateHandle
	}
	if err != nil {
		return nil, fmt.Errorf("mark verified: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}
	return s.FindMemberByID(ctx, rec.MemberID)
}
