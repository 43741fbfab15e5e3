package api

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

const policyColumns = `id, name, scope_key, pattern, methods, priority, limit_value,
	window_seconds, identify_by, header_name, enabled, created_at, updated_at`

// PostgresRepository stores policies in the policies table.
type PostgresRepository struct {
	db *sql.DB
}

// NewPostgresRepository creates a repository over db. The schema comes from
// the migrations package.
func NewPostgresRepository(db *sql.DB) (*PostgresRepository, error) {
	if db == nil {
		return nil, fmt.Errorf("api: policy repository requires database connection")
	}
	return &PostgresRepository{db: db}, nil
}

// Create stores a new policy.
func (r *PostgresRepository) Create(ctx context.Context, policy Policy) (Policy, error) {
	policy.ID = uuid.NewString()

	row := r.db.QueryRowContext(ctx, `
		INSERT INTO policies (
			id, name, scope_key, pattern, methods, priority, limit_value,
			window_seconds, identify_by, header_name, enabled
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		RETURNING `+policyColumns,
		policy.ID, policy.Name, policy.Scope, policy.Pattern, pq.Array(methodsOrEmpty(policy.Methods)),
		policy.Priority, policy.Limit, policy.WindowSeconds, policy.IdentifyBy,
		policy.HeaderName, policy.Enabled,
	)

	created, err := scanPolicy(row)
	if err != nil {
		return Policy{}, fmt.Errorf("api: insert policy: %w", err)
	}
	return created, nil
}

// List returns all stored policies sorted by creation time then id.
func (r *PostgresRepository) List(ctx context.Context) ([]Policy, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT `+policyColumns+` FROM policies ORDER BY created_at ASC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("api: list policies: %w", err)
	}
	defer rows.Close()

	out := make([]Policy, 0)
	for rows.Next() {
		policy, scanErr := scanPolicy(rows)
		if scanErr != nil {
			return nil, fmt.Errorf("api: scan policy: %w", scanErr)
		}
		out = append(out, policy)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("api: iterate policies: %w", err)
	}

	return out, nil
}

// GetByID retrieves a policy by id.
func (r *PostgresRepository) GetByID(ctx context.Context, id string) (Policy, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+policyColumns+` FROM policies WHERE id = $1`, id)

	policy, err := scanPolicy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Policy{}, ErrNotFound
	}
	if err != nil {
		return Policy{}, fmt.Errorf("api: get policy %q: %w", id, err)
	}
	return policy, nil
}

// Update replaces an existing policy.
func (r *PostgresRepository) Update(ctx context.Context, id string, policy Policy) (Policy, error) {
	row := r.db.QueryRowContext(ctx, `
		UPDATE policies SET
			name = $2, scope_key = $3, pattern = $4, methods = $5, priority = $6,
			limit_value = $7, window_seconds = $8, identify_by = $9,
			header_name = $10, enabled = $11, updated_at = $12
		WHERE id = $1
		RETURNING `+policyColumns,
		id, policy.Name, policy.Scope, policy.Pattern, pq.Array(methodsOrEmpty(policy.Methods)),
		policy.Priority, policy.Limit, policy.WindowSeconds, policy.IdentifyBy,
		policy.HeaderName, policy.Enabled, time.Now().UTC(),
	)

	updated, err := scanPolicy(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Policy{}, ErrNotFound
	}
	if err != nil {
		return Policy{}, fmt.Errorf("api: update policy %q: %w", id, err)
	}
	return updated, nil
}

// Delete removes a policy by id.
func (r *PostgresRepository) Delete(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM policies WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("api: delete policy %q: %w", id, err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("api: delete policy %q: %w", id, err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPolicy(row rowScanner) (Policy, error) {
	var (
		p       Policy
		methods pq.StringArray
	)

	err := row.Scan(
		&p.ID, &p.Name, &p.Scope, &p.Pattern, &methods, &p.Priority, &p.Limit,
		&p.WindowSeconds, &p.IdentifyBy, &p.HeaderName, &p.Enabled, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return Policy{}, err
	}

	if len(methods) > 0 {
		p.Methods = []string(methods)
	}
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()

	return p, nil
}

func methodsOrEmpty(methods []string) []string {
	if methods == nil {
		return []string{}
	}
	return methods
}
