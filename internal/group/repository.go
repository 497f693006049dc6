package group

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/openfleet/controlplane/internal/postgres"
)

const selectColumns = "id, name, description, created_at"

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed group repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// List returns all groups ordered by name.
func (r *PGRepository) List(ctx context.Context) ([]Group, error) {
	rows, err := r.db.Query(ctx, "SELECT "+selectColumns+" FROM groups ORDER BY name")
	if err != nil {
		return nil, fmt.Errorf("query groups: %w", err)
	}
	defer rows.Close()

	var groups []Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		groups = append(groups, *g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate groups: %w", err)
	}
	return groups, nil
}

// GetByID returns the group matching the given ID.
func (r *PGRepository) GetByID(ctx context.Context, id uuid.UUID) (*Group, error) {
	row := r.db.QueryRow(ctx, "SELECT "+selectColumns+" FROM groups WHERE id = $1", id)
	g, err := scanGroup(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query group by id: %w", err)
	}
	return g, nil
}

// Create inserts a new group.
func (r *PGRepository) Create(ctx context.Context, params CreateParams) (*Group, error) {
	row := r.db.QueryRow(ctx,
		`INSERT INTO groups (name, description) VALUES ($1, $2) RETURNING `+selectColumns,
		params.Name, params.Description,
	)
	g, err := scanGroup(row)
	if err != nil {
		return nil, fmt.Errorf("insert group: %w", err)
	}
	return g, nil
}

// Update applies the non-nil fields in params to the group row and returns the updated group.
func (r *PGRepository) Update(ctx context.Context, id uuid.UUID, params UpdateParams) (*Group, error) {
	var setClauses []string
	namedArgs := pgx.NamedArgs{"id": id}

	if params.Name != nil {
		setClauses = append(setClauses, "name = @name")
		namedArgs["name"] = *params.Name
	}
	if params.Description != nil {
		setClauses = append(setClauses, "description = @description")
		namedArgs["description"] = *params.Description
	}

	if len(setClauses) == 0 {
		return r.GetByID(ctx, id)
	}

	query := "UPDATE groups SET " + strings.Join(setClauses, ", ") +
		" WHERE id = @id RETURNING " + selectColumns

	row := r.db.QueryRow(ctx, query, namedArgs)
	g, err := scanGroup(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("update group: %w", err)
	}
	return g, nil
}

// Delete removes the group with the given ID. Membership rows cascade.
func (r *PGRepository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, "DELETE FROM groups WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete group: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// AddMember adds deviceID to the group inside a transaction that validates both rows exist.
func (r *PGRepository) AddMember(ctx context.Context, groupID uuid.UUID, deviceID string) error {
	return postgres.WithTx(ctx, r.db, func(tx pgx.Tx) error {
		var exists bool
		if err := tx.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM devices WHERE id = $1)", deviceID).Scan(&exists); err != nil {
			return fmt.Errorf("check device exists: %w", err)
		}
		if !exists {
			return ErrDeviceNotFound
		}

		_, err := tx.Exec(ctx,
			"INSERT INTO group_members (group_id, device_id) VALUES ($1, $2)", groupID, deviceID,
		)
		if err != nil {
			if postgres.IsUniqueViolation(err) {
				return ErrAlreadyMember
			}
			return fmt.Errorf("insert group member: %w", err)
		}
		return nil
	})
}

// RemoveMember removes deviceID from the group.
func (r *PGRepository) RemoveMember(ctx context.Context, groupID uuid.UUID, deviceID string) error {
	tag, err := r.db.Exec(ctx,
		"DELETE FROM group_members WHERE group_id = $1 AND device_id = $2", groupID, deviceID,
	)
	if err != nil {
		return fmt.Errorf("delete group member: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotMember
	}
	return nil
}

// ListMembers returns the device IDs belonging to the group, ordered by join time.
func (r *PGRepository) ListMembers(ctx context.Context, groupID uuid.UUID) ([]string, error) {
	rows, err := r.db.Query(ctx,
		"SELECT device_id FROM group_members WHERE group_id = $1 ORDER BY added_at", groupID,
	)
	if err != nil {
		return nil, fmt.Errorf("query group members: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan group member: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate group members: %w", err)
	}
	return ids, nil
}

// ListGroupsForDevice returns the groups a device belongs to, ordered by name.
func (r *PGRepository) ListGroupsForDevice(ctx context.Context, deviceID string) ([]Group, error) {
	rows, err := r.db.Query(ctx,
		`SELECT g.id, g.name, g.description, g.created_at
		 FROM groups g
		 JOIN group_members gm ON gm.group_id = g.id
		 WHERE gm.device_id = $1
		 ORDER BY g.name`, deviceID,
	)
	if err != nil {
		return nil, fmt.Errorf("query groups for device: %w", err)
	}
	defer rows.Close()

	var groups []Group
	for rows.Next() {
		g, err := scanGroup(rows)
		if err != nil {
			return nil, err
		}
		groups = append(groups, *g)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate groups for device: %w", err)
	}
	return groups, nil
}

func scanGroup(row pgx.Row) (*Group, error) {
	var g Group
	if err := row.Scan(&g.ID, &g.Name, &g.Description, &g.CreatedAt); err != nil {
		return nil, fmt.Errorf("scan group: %w", err)
	}
	return &g, nil
}
