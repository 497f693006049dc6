package policy

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

const selectColumns = "id, name, permissions, settings, created_at, updated_at"

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed policy repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// List returns all policies ordered by name.
func (r *PGRepository) List(ctx context.Context) ([]Policy, error) {
	rows, err := r.db.Query(ctx, "SELECT "+selectColumns+" FROM policies ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("query policies: %w", err)
	}
	defer rows.Close()

	var policies []Policy
	for rows.Next() {
		p, err := scanPolicy(rows)
		if err != nil {
			return nil, err
		}
		policies = append(policies, *p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate policies: %w", err)
	}
	return policies, nil
}

// GetByID returns the policy matching the given ID.
func (r *PGRepository) GetByID(ctx context.Context, id uuid.UUID) (*Policy, error) {
	row := r.db.QueryRow(ctx, "SELECT "+selectColumns+" FROM policies WHERE id = $1", id)
	p, err := scanPolicy(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query policy by id: %w", err)
	}
	return p, nil
}

// Create inserts a new policy.
func (r *PGRepository) Create(ctx context.Context, params CreateParams) (*Policy, error) {
	settings := params.Settings
	if settings == nil {
		settings = []byte("{}")
	}
	row := r.db.QueryRow(ctx,
		`INSERT INTO policies (name, permissions, settings)
		 VALUES ($1, $2, $3)
		 RETURNING `+selectColumns,
		params.Name, params.Permissions, settings,
	)
	p, err := scanPolicy(row)
	if err != nil {
		return nil, fmt.Errorf("insert policy: %w", err)
	}
	return p, nil
}

// Update applies the non-nil fields in params to the policy row and returns the updated policy.
//
// Safety: the query is built dynamically, but every SET clause and named arg key is a hardcoded string literal. No
// caller-supplied value enters the SQL structure; all values flow through pgx named parameter binding.
func (r *PGRepository) Update(ctx context.Context, id uuid.UUID, params UpdateParams) (*Policy, error) {
	var setClauses []string
	namedArgs := pgx.NamedArgs{"id": id}

	if params.Name != nil {
		setClauses = append(setClauses, "name = @name")
		namedArgs["name"] = *params.Name
	}
	if params.Permissions != nil {
		setClauses = append(setClauses, "permissions = @permissions")
		namedArgs["permissions"] = *params.Permissions
	}
	if params.Settings != nil {
		setClauses = append(setClauses, "settings = @settings")
		namedArgs["settings"] = params.Settings
	}

	if len(setClauses) == 0 {
		return r.GetByID(ctx, id)
	}
	setClauses = append(setClauses, "updated_at = now()")

	query := "UPDATE policies SET " + strings.Join(setClauses, ", ") +
		" WHERE id = @id RETURNING " + selectColumns

	row := r.db.QueryRow(ctx, query, namedArgs)
	p, err := scanPolicy(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("update policy: %w", err)
	}
	return p, nil
}

// Delete removes the policy with the given ID. Devices referencing it have their policy_id cleared by the
// foreign key's ON DELETE SET NULL.
func (r *PGRepository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, "DELETE FROM policies WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete policy: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanPolicy(row pgx.Row) (*Policy, error) {
	var p Policy
	err := row.Scan(&p.ID, &p.Name, &p.Permissions, &p.Settings, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, fmt.Errorf("scan policy: %w", err)
	}
	return &p, nil
}
