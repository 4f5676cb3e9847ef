package communities

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/aura-community/relay/internal/models"
)

const uniqueViolation = "23505"

// PostgresStore persists scopes and bindings in PostgreSQL.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a communities store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

func isUnique(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == uniqueViolation && (constraint == "" || pgErr.ConstraintName == constraint)
}

func (s *PostgresStore) CreateScope(ctx context.Context, sc *models.Scope) error {
	const q = `INSERT INTO scopes (id, name, slug, owner_email, owner_key_hash)
		VALUES (gen_random_uuid(), $1, $2, $3, $4)
		RETURNING id, created_at`
	err := s.pool.QueryRow(ctx, q, sc.Name, sc.Slug, sc.OwnerEmail, sc.OwnerKeyHash).Scan(&sc.ID, &sc.CreatedAt)
	if isUnique(err, "") {
		return ErrSlugTaken
	}
	return err
}

const scopeColumns = `id, name, slug, owner_email, owner_key_hash, created_at`

func scanScope(row pgx.Row) (*models.Scope, error) {
	var sc models.Scope
	err := row.Scan(&sc.ID, &sc.Name, &sc.Slug, &sc.OwnerEmail, &sc.OwnerKeyHash, &sc.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &sc, nil
}

func (s *PostgresStore) GetScopeBySlug(ctx context.Context, slug string) (*models.Scope, error) {
	return scanScope(s.pool.QueryRow(ctx, `SELECT `+scopeColumns+` FROM scopes WHERE slug = $1`, slug))
}

func (s *PostgresStore) GetScopeByID(ctx context.Context, id uuid.UUID) (*models.Scope, error) {
	return scanScope(s.pool.QueryRow(ctx, `SELECT `+scopeColumns+` FROM scopes WHERE id = $1`, id))
}

func (s *PostgresStore) UpsertBinding(ctx context.Context, b *models.Binding) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	const deactivate = `UPDATE bindings SET active = FALSE, updated_at = NOW()
		WHERE scope_id = $1 AND platform = $2 AND active`
	if _, err := tx.Exec(ctx, deactivate, b.ScopeID, b.Platform); err != nil {
		return fmt.Errorf("deactivate previous binding: %w", err)
	}
	const insert = `INSERT INTO bindings (id, scope_id, platform, channel, owner_email, active)
		VALUES (gen_random_uuid(), $1, $2, $3, $4, TRUE)
		RETURNING id, active, created_at, updated_at`
	err = tx.QueryRow(ctx, insert, b.ScopeID, b.Platform, b.Channel, b.OwnerEmail).
		Scan(&b.ID, &b.Active, &b.CreatedAt, &b.UpdatedAt)
	if isUnique(err, "bindings_active_channel_idx") {
		return ErrChannelTaken
	}
	if err != nil {
		return fmt.Errorf("insert binding: %w", err)
	}
	return tx.Commit(ctx)
}

const bindingColumns = `id, scope_id, platform, channel, owner_email, active, created_at, updated_at`

func scanBinding(row pgx.Row) (*models.Binding, error) {
	var b models.Binding
	if err := row.Scan(&b.ID, &b.ScopeID, &b.Platform, &b.Channel, &b.OwnerEmail, &b.Active, &b.CreatedAt, &b.UpdatedAt); err != nil {
		return nil, err
	}
	return &b, nil
}

func (s *PostgresStore) DeactivateBinding(ctx context.Context, scopeID uuid.UUID, platform string) (*models.Binding, error) {
	const q = `UPDATE bindings SET active = FALSE, updated_at = NOW()
		WHERE scope_id = $1 AND platform = $2 AND active
		RETURNING ` + bindingColumns
	b, err := scanBinding(s.pool.QueryRow(ctx, q, scopeID, platform))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, models.ErrNotFound
	}
	return b, err
}

func (s *PostgresStore) ListActiveBindings(ctx context.Context, scopeID uuid.UUID) ([]models.Binding, error) {
	const q = `SELECT ` + bindingColumns + ` FROM bindings WHERE scope_id = $1 AND active ORDER BY platform`
	rows, err := s.pool.Query(ctx, q, scopeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var list []models.Binding
	for rows.Next() {
		b, err := scanBinding(rows)
		if err != nil {
			return nil, err
		}
		list = append(list, *b)
	}
	return list, rows.Err()
}

func (s *PostgresStore) ScopeForChannel(ctx context.Context, platform, channel string) (uuid.UUID, error) {
	const q = `SELECT scope_id FROM bindings WHERE platform = $1 AND channel = $2 AND active`
	var id uuid.UUID
	err := s.pool.QueryRow(ctx, q, platform, channel).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return uuid.Nil, models.ErrNotFound
	}
	return id, err
}
