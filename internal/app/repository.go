package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/openfleet/controlplane/internal/postgres"
)

const selectColumns = "id, name, package_name, version, apk_path, icon_path, size_bytes, uploaded_at"

// PGRepository implements Repository using PostgreSQL.
type PGRepository struct {
	db  *pgxpool.Pool
	log zerolog.Logger
}

// NewPGRepository creates a new PostgreSQL-backed app repository.
func NewPGRepository(db *pgxpool.Pool, logger zerolog.Logger) *PGRepository {
	return &PGRepository{db: db, log: logger}
}

// List returns all app packages ordered by upload time, newest first.
func (r *PGRepository) List(ctx context.Context) ([]App, error) {
	rows, err := r.db.Query(ctx, "SELECT "+selectColumns+" FROM apps ORDER BY uploaded_at DESC")
	if err != nil {
		return nil, fmt.Errorf("query apps: %w", err)
	}
	defer rows.Close()

	var apps []App
	for rows.Next() {
		a, err := scanApp(rows)
		if err != nil {
			return nil, err
		}
		apps = append(apps, *a)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate apps: %w", err)
	}
	return apps, nil
}

// GetByID returns the app package matching the given ID.
func (r *PGRepository) GetByID(ctx context.Context, id uuid.UUID) (*App, error) {
	row := r.db.QueryRow(ctx, "SELECT "+selectColumns+" FROM apps WHERE id = $1", id)
	a, err := scanApp(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query app by id: %w", err)
	}
	return a, nil
}

// GetByPackageName returns the app package matching the given Android package name.
func (r *PGRepository) GetByPackageName(ctx context.Context, packageName string) (*App, error) {
	row := r.db.QueryRow(ctx, "SELECT "+selectColumns+" FROM apps WHERE package_name = $1", packageName)
	a, err := scanApp(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query app by package name: %w", err)
	}
	return a, nil
}

// Create inserts a new app package record. Returns ErrAlreadyExists if the package name is already registered.
func (r *PGRepository) Create(ctx context.Context, params CreateParams) (*App, error) {
	row := r.db.QueryRow(ctx,
		`INSERT INTO apps (name, package_name, version, apk_path, size_bytes)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING `+selectColumns,
		params.Name, params.PackageName, params.Version, params.APKPath, params.SizeBytes,
	)
	a, err := scanApp(row)
	if err != nil {
		if postgres.IsUniqueViolation(err) {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("insert app: %w", err)
	}
	return a, nil
}

// SetIconPath records the storage key of a generated icon thumbnail.
func (r *PGRepository) SetIconPath(ctx context.Context, id uuid.UUID, iconPath string) error {
	tag, err := r.db.Exec(ctx, "UPDATE apps SET icon_path = $1 WHERE id = $2", iconPath, id)
	if err != nil {
		return fmt.Errorf("update icon path: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Delete removes the app package with the given ID.
func (r *PGRepository) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.Exec(ctx, "DELETE FROM apps WHERE id = $1", id)
	if err != nil {
		return fmt.Errorf("delete app: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func scanApp(row pgx.Row) (*App, error) {
	var a App
	err := row.Scan(&a.ID, &a.Name, &a.PackageName, &a.Version, &a.APKPath, &a.IconPath, &a.SizeBytes, &a.UploadedAt)
	if err != nil {
		return nil, fmt.Errorf("scan app: %w", err)
	}
	return &a, nil
}
